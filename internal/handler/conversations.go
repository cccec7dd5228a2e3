// Package handler provides HTTP handlers for the chat daemon's UI API.
package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/foodbridge/donation-chat/internal/middleware"
	"github.com/foodbridge/donation-chat/internal/service"
	"github.com/foodbridge/donation-chat/pkg/logger"
)

// ConversationHandler handles conversation endpoints.
type ConversationHandler struct {
	sessions *service.SessionManager
	logger   *logger.Logger
}

// NewConversationHandler creates a new conversation handler.
func NewConversationHandler(sessions *service.SessionManager, log *logger.Logger) *ConversationHandler {
	return &ConversationHandler{
		sessions: sessions,
		logger:   log,
	}
}

// List handles GET /api/v1/conversations
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	if !ownSession(h.sessions, w, r) {
		return
	}
	summaries, err := h.sessions.Conversations()
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversations": summaries,
	})
}

// Unread handles GET /api/v1/conversations/:id/unread
func (h *ConversationHandler) Unread(w http.ResponseWriter, r *http.Request) {
	conversationID, ok := h.conversation(w, r)
	if !ok {
		return
	}
	count, err := h.sessions.UnreadCount(conversationID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"count": count,
	})
}

// MarkRead handles POST /api/v1/conversations/:id/read
func (h *ConversationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	conversationID, ok := h.conversation(w, r)
	if !ok {
		return
	}
	if err := h.sessions.MarkRead(r.Context(), conversationID); err != nil {
		h.logger.Warn("mark read failed",
			zap.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			zap.String("conversation_id", conversationID),
			zap.Error(err),
		)
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// MarkDelivered handles POST /api/v1/conversations/:id/delivered
func (h *ConversationHandler) MarkDelivered(w http.ResponseWriter, r *http.Request) {
	conversationID, ok := h.conversation(w, r)
	if !ok {
		return
	}
	if err := h.sessions.MarkDelivered(r.Context(), conversationID); err != nil {
		h.logger.Warn("mark delivered failed",
			zap.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			zap.String("conversation_id", conversationID),
			zap.Error(err),
		)
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// conversation validates the route's conversation id and the caller's session.
func (h *ConversationHandler) conversation(w http.ResponseWriter, r *http.Request) (string, bool) {
	return conversationParam(h.sessions, w, r)
}

func conversationParam(sessions *service.SessionManager, w http.ResponseWriter, r *http.Request) (string, bool) {
	conversationID := chi.URLParam(r, "id")
	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	if !ownSession(sessions, w, r) {
		return "", false
	}
	return conversationID, true
}
