package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/foodbridge/donation-chat/internal/middleware"
	"github.com/foodbridge/donation-chat/internal/service"
	"github.com/foodbridge/donation-chat/pkg/logger"
)

// StartSessionRequest is the optional body of POST /session. UserID must match
// the token's user_id claim when both are present.
type StartSessionRequest struct {
	UserID string `json:"user_id,omitempty"`
}

// SessionHandler handles session and presence endpoints.
type SessionHandler struct {
	sessions *service.SessionManager
	logger   *logger.Logger
}

// NewSessionHandler creates a new session handler.
func NewSessionHandler(sessions *service.SessionManager, log *logger.Logger) *SessionHandler {
	return &SessionHandler{
		sessions: sessions,
		logger:   log,
	}
}

// Start handles POST /api/v1/session
func (h *SessionHandler) Start(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req StartSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	userID := middleware.GetUserID(ctx)
	if req.UserID != "" && req.UserID != userID {
		writeError(w, http.StatusForbidden, "user_id does not match token")
		return
	}
	if err := middleware.ValidateUserID(userID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	info, err := h.sessions.Start(ctx, middleware.GetEmail(ctx), userID)
	if err != nil {
		h.logger.Warn("failed to start session",
			zap.String("correlation_id", middleware.GetCorrelationID(ctx)),
			zap.Error(err),
		)
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, info)
}

// Get handles GET /api/v1/session
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	if !ownSession(h.sessions, w, r) {
		return
	}
	info, err := h.sessions.Info()
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// End handles DELETE /api/v1/session
func (h *SessionHandler) End(w http.ResponseWriter, r *http.Request) {
	if !ownSession(h.sessions, w, r) {
		return
	}
	h.sessions.End()
	w.WriteHeader(http.StatusNoContent)
}

// Presence handles GET /api/v1/presence
func (h *SessionHandler) Presence(w http.ResponseWriter, r *http.Request) {
	if !ownSession(h.sessions, w, r) {
		return
	}
	online, err := h.sessions.Online()
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{
		"online": online,
	})
}
