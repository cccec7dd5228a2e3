package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "8080", cfg.ServerPort)
	assert.Equal(t, 5*time.Second, cfg.PollInterval)
	assert.Equal(t, MinKDFIterations, cfg.KDFIterations)
	assert.Equal(t, "chat-e2ee", cfg.KDFSalt)
	assert.Equal(t, ChannelModeNATS, cfg.ChannelMode)
	assert.Equal(t, 3, cfg.MaxSendAttempts)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("POLL_INTERVAL", "2s")
	t.Setenv("BACKEND_URL", "http://backend.local:9000/")
	t.Setenv("CHANNEL_MODE", "MEMORY")
	t.Setenv("KDF_ITERATIONS", "250000")
	t.Setenv("TRACING_ENABLED", "true")

	cfg := Load()

	assert.Equal(t, 2*time.Second, cfg.PollInterval)
	assert.Equal(t, "http://backend.local:9000", cfg.BackendURL)
	assert.Equal(t, ChannelModeMemory, cfg.ChannelMode)
	assert.Equal(t, 250000, cfg.KDFIterations)
	assert.True(t, cfg.TracingEnabled)
}

func TestLoadClampsUnsafeValues(t *testing.T) {
	t.Setenv("KDF_ITERATIONS", "1000")
	t.Setenv("MAX_SEND_ATTEMPTS", "0")
	t.Setenv("CHANNEL_MODE", "carrier-pigeon")

	cfg := Load()

	assert.Equal(t, MinKDFIterations, cfg.KDFIterations)
	assert.Equal(t, 1, cfg.MaxSendAttempts)
	assert.Equal(t, ChannelModeNATS, cfg.ChannelMode)
}

func TestMalformedValuesFallBack(t *testing.T) {
	t.Setenv("POLL_INTERVAL", "soon")
	t.Setenv("RATE_LIMIT_REQUESTS", "many")

	cfg := Load()

	assert.Equal(t, 5*time.Second, cfg.PollInterval)
	assert.Equal(t, 120, cfg.RateLimitRequests)
}

func TestCORSOriginsList(t *testing.T) {
	t.Setenv("CORS_ALLOWED_ORIGINS", " https://pantry.example.org, ,http://localhost:3000 ")

	cfg := Load()

	assert.Equal(t, []string{"https://pantry.example.org", "http://localhost:3000"}, cfg.CORSAllowedOrigins)
	assert.Equal(t, 30*time.Second, cfg.SSEHeartbeat)
}
