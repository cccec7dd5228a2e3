package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/foodbridge/donation-chat/internal/chatstore"
	"github.com/foodbridge/donation-chat/internal/middleware"
	"github.com/foodbridge/donation-chat/internal/service"
	"github.com/foodbridge/donation-chat/pkg/logger"
	"github.com/foodbridge/donation-chat/pkg/metrics"
)

const streamBuffer = 64

// HeartbeatEvent keeps idle streams open through proxies.
type HeartbeatEvent struct {
	Timestamp time.Time `json:"timestamp"`
}

// StreamHandler handles SSE streaming endpoints.
type StreamHandler struct {
	sessions  *service.SessionManager
	heartbeat time.Duration
	logger    *logger.Logger
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(sessions *service.SessionManager, heartbeat time.Duration, log *logger.Logger) *StreamHandler {
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	return &StreamHandler{
		sessions:  sessions,
		heartbeat: heartbeat,
		logger:    log,
	}
}

// Stream handles GET /api/v1/stream. It sends a snapshot of the conversation
// list, then every chat store change as an event named after its kind. The
// stream ends with the session.
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !ownSession(h.sessions, w, r) {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	feed, cancel, err := h.sessions.Subscribe(streamBuffer)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	defer cancel()

	summaries, err := h.sessions.Conversations()
	if err != nil {
		writeServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	log := h.logger.With(zap.String("correlation_id", middleware.GetCorrelationID(ctx)))
	if err := sendSSEEvent(w, flusher, "snapshot", map[string]any{"conversations": summaries}); err != nil {
		log.Warn("failed to write stream snapshot", zap.Error(err))
		return
	}

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug("SSE client disconnected")
			return

		case ev := <-feed:
			if err := sendSSEEvent(w, flusher, string(ev.Kind), ev); err != nil {
				log.Warn("failed to write stream event", zap.Error(err))
				return
			}
			if ev.Kind == chatstore.EventCleared {
				return
			}

		case <-heartbeat.C:
			if err := sendSSEEvent(w, flusher, "heartbeat", &HeartbeatEvent{Timestamp: time.Now().UTC()}); err != nil {
				return
			}
		}
	}
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
		return err
	}
	flusher.Flush()

	return nil
}
