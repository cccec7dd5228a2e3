package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/foodbridge/donation-chat/internal/middleware"
	"github.com/foodbridge/donation-chat/internal/service"
	"github.com/foodbridge/donation-chat/pkg/logger"
)

// RouterConfig wires the UI API.
type RouterConfig struct {
	Sessions          *service.SessionManager
	Logger            *logger.Logger
	JWTSecret         string
	AllowedOrigins    []string
	RateLimitRequests int
	RateLimitWindow   time.Duration
	SSEHeartbeat      time.Duration
}

// NewRouter builds the HTTP routes of the daemon.
func NewRouter(cfg RouterConfig) http.Handler {
	log := cfg.Logger
	healthHandler := NewHealthHandler(cfg.Sessions)
	sessionHandler := NewSessionHandler(cfg.Sessions, log.Named("http.session"))
	conversationHandler := NewConversationHandler(cfg.Sessions, log.Named("http.conversations"))
	messageHandler := NewMessageHandler(cfg.Sessions, log.Named("http.messages"))
	streamHandler := NewStreamHandler(cfg.Sessions, cfg.SSEHeartbeat, log.Named("http.stream"))

	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log.Named("http")))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	// Health endpoints (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		if cfg.RateLimitRequests > 0 {
			r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))
		}

		r.Post("/session", sessionHandler.Start)
		r.Get("/session", sessionHandler.Get)
		r.Delete("/session", sessionHandler.End)
		r.Get("/presence", sessionHandler.Presence)
		r.Get("/stream", streamHandler.Stream)

		r.Route("/conversations", func(r chi.Router) {
			r.Get("/", conversationHandler.List)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/messages", messageHandler.List)
				r.Post("/messages", messageHandler.Send)
				r.Post("/read", conversationHandler.MarkRead)
				r.Post("/delivered", conversationHandler.MarkDelivered)
				r.Get("/unread", conversationHandler.Unread)
			})
		})
	})

	return r
}
