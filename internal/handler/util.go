package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/foodbridge/donation-chat/internal/middleware"
	"github.com/foodbridge/donation-chat/internal/model"
	"github.com/foodbridge/donation-chat/internal/service"
)

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

// writeServiceError maps session errors to HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, model.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, model.ErrNoSession), errors.Is(err, model.ErrSessionClosed):
		writeError(w, http.StatusConflict, "no active session")
	case errors.Is(err, model.ErrNetwork):
		writeError(w, http.StatusBadGateway, "backing store unavailable")
	case errors.Is(err, model.ErrChannelUnavailable):
		writeError(w, http.StatusServiceUnavailable, "real-time channel unavailable")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// ownSession reports whether the active session belongs to the caller and
// writes the error response when it does not.
func ownSession(sessions *service.SessionManager, w http.ResponseWriter, r *http.Request) bool {
	info, err := sessions.Info()
	if err != nil {
		writeServiceError(w, err)
		return false
	}
	if info.Email != middleware.GetEmail(r.Context()) {
		writeError(w, http.StatusForbidden, "session belongs to another user")
		return false
	}
	return true
}
