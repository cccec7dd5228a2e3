package handler

import (
	"net/http"

	"github.com/foodbridge/donation-chat/internal/service"
)

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	sessions *service.SessionManager
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(sessions *service.SessionManager) *HealthHandler {
	return &HealthHandler{
		sessions: sessions,
	}
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

// Ready handles GET /ready. An idle daemon is ready; a session running
// poll-only because the channel is down reports degraded.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	info, err := h.sessions.Info()
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":  "ready",
			"session": false,
		})
		return
	}

	if !info.ChannelConnected {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":  "degraded",
			"session": true,
			"reason":  "real-time channel not connected, polling only",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "ready",
		"session":           true,
		"channel_connected": true,
	})
}
