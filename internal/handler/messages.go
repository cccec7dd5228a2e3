package handler

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/foodbridge/donation-chat/internal/middleware"
	"github.com/foodbridge/donation-chat/internal/model"
	"github.com/foodbridge/donation-chat/internal/service"
	"github.com/foodbridge/donation-chat/pkg/logger"
)

// SendMessageRequest is the body of POST /conversations/:id/messages.
// Timestamp defaults to now.
type SendMessageRequest struct {
	Text      string          `json:"text"`
	Timestamp model.Timestamp `json:"timestamp"`
}

// MessageHandler handles message endpoints.
type MessageHandler struct {
	sessions *service.SessionManager
	logger   *logger.Logger
}

// NewMessageHandler creates a new message handler.
func NewMessageHandler(sessions *service.SessionManager, log *logger.Logger) *MessageHandler {
	return &MessageHandler{
		sessions: sessions,
		logger:   log,
	}
}

// List handles GET /api/v1/conversations/:id/messages
func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	conversationID, ok := conversationParam(h.sessions, w, r)
	if !ok {
		return
	}

	messages, err := h.sessions.Conversation(conversationID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if messages == nil {
		messages = []model.Message{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"conversation_id": conversationID,
		"messages":        messages,
	})
}

// Send handles POST /api/v1/conversations/:id/messages. The message is
// accepted as pending; its committed form arrives on the stream.
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conversationID, ok := conversationParam(h.sessions, w, r)
	if !ok {
		return
	}

	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateMessageText(req.Text); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	msg, err := h.sessions.SendMessage(ctx, "", req.Text, conversationID, req.Timestamp.Time)
	if err != nil {
		h.logger.Error("failed to send message",
			zap.String("correlation_id", middleware.GetCorrelationID(ctx)),
			zap.String("conversation_id", conversationID),
			zap.Error(err),
		)
		writeServiceError(w, err)
		return
	}
	if msg == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	writeJSON(w, http.StatusAccepted, msg)
}
