// Package main is the entry point for the donation chat daemon.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/foodbridge/donation-chat/internal/backend"
	"github.com/foodbridge/donation-chat/internal/channel"
	"github.com/foodbridge/donation-chat/internal/config"
	"github.com/foodbridge/donation-chat/internal/handler"
	natsclient "github.com/foodbridge/donation-chat/internal/nats"
	"github.com/foodbridge/donation-chat/internal/service"
	"github.com/foodbridge/donation-chat/pkg/logger"
	"github.com/foodbridge/donation-chat/pkg/tracing"
)

func main() {
	cfg := config.Load()

	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	log.Info("starting chat daemon",
		zap.String("backend_url", cfg.BackendURL),
		zap.String("channel_mode", cfg.ChannelMode),
	)

	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "donation-chat", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	store := backend.NewHTTPStore(cfg.BackendURL, cfg.BackendTimeout, log)

	ch, closeChannel := newChannel(ctx, cfg, log)
	defer closeChannel()

	sessions := service.NewSessionManager(store, ch, service.Options{
		PollInterval:    cfg.PollInterval,
		MaxSendAttempts: cfg.MaxSendAttempts,
		KDFIterations:   cfg.KDFIterations,
		KDFSalt:         cfg.KDFSalt,
	}, log)

	server := &http.Server{
		Addr: ":" + cfg.ServerPort,
		Handler: handler.NewRouter(handler.RouterConfig{
			Sessions:          sessions,
			Logger:            log,
			JWTSecret:         cfg.JWTSecret,
			AllowedOrigins:    cfg.CORSAllowedOrigins,
			RateLimitRequests: cfg.RateLimitRequests,
			RateLimitWindow:   cfg.RateLimitWindow,
			SSEHeartbeat:      cfg.SSEHeartbeat,
		}),
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Open streams end when the session clears, so end it before draining the server.
	sessions.End()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
}

func newLogger(level string) (*logger.Logger, error) {
	if os.Getenv("ENV") == "development" {
		return logger.NewDevelopment()
	}
	return logger.New(level)
}

// newChannel builds the real-time channel. Without a reachable NATS server the
// daemon runs poll-only.
func newChannel(ctx context.Context, cfg *config.Config, log *logger.Logger) (channel.Client, func()) {
	if cfg.ChannelMode == config.ChannelModeMemory {
		log.Info("using in-process channel")
		return channel.NewHub().Client(), func() {}
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := natsclient.Connect(connectCtx, natsclient.Config{
		URL:      cfg.NATSURL,
		CAFile:   cfg.NATSCAFile,
		CertFile: cfg.NATSCertFile,
		KeyFile:  cfg.NATSKeyFile,
		Token:    cfg.NATSToken,
	}, log)
	if err != nil {
		log.Error("failed to connect to NATS, running poll-only", zap.Error(err))
		return nil, func() {}
	}

	var events *natsclient.EventLog
	if cfg.NATSReplayWindow > 0 {
		events = natsclient.NewEventLog(client, cfg.NATSEventStream, cfg.NATSSubjectPrefix, cfg.NATSReplayWindow)
		if err := events.EnsureStream(connectCtx); err != nil {
			log.Warn("failed to ensure event stream, replay disabled", zap.Error(err))
			events = nil
		}
	}

	ch := natsclient.NewChannel(client, natsclient.ChannelConfig{
		SubjectPrefix:  cfg.NATSSubjectPrefix,
		PresenceBucket: cfg.NATSPresenceBucket,
		ReplayWindow:   cfg.NATSReplayWindow,
	}, events, log)

	return ch, client.Close
}
