// Package config provides environment configuration for the chat daemon.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// MinKDFIterations is the lowest PBKDF2 iteration count accepted from the environment.
const MinKDFIterations = 100000

// Channel modes.
const (
	ChannelModeNATS   = "nats"
	ChannelModeMemory = "memory"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration
	CORSAllowedOrigins []string
	SSEHeartbeat       time.Duration

	// Backing store
	BackendURL     string
	BackendTimeout time.Duration

	// Real-time channel
	ChannelMode        string
	NATSURL            string
	NATSCAFile         string
	NATSCertFile       string
	NATSKeyFile        string
	NATSToken          string
	NATSSubjectPrefix  string
	NATSPresenceBucket string
	NATSEventStream    string
	NATSReplayWindow   time.Duration

	// JWT settings
	JWTSecret string

	// Sync engine
	PollInterval    time.Duration
	MaxSendAttempts int

	// Encryption
	KDFIterations int
	KDFSalt       string

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Logging
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Load reads configuration from environment variables.
func Load() *Config {
	cfg := &Config{
		// Server
		ServerPort:         getEnv("PORT", "8080"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 0),
		CORSAllowedOrigins: getListEnv("CORS_ALLOWED_ORIGINS", []string{"http://localhost:*", "https://localhost:*"}),
		SSEHeartbeat:       getDurationEnv("SSE_HEARTBEAT", 30*time.Second),

		// Backing store
		BackendURL:     strings.TrimRight(getEnv("BACKEND_URL", "http://localhost:5000"), "/"),
		BackendTimeout: getDurationEnv("BACKEND_TIMEOUT", 10*time.Second),

		// Channel
		ChannelMode:        strings.ToLower(getEnv("CHANNEL_MODE", ChannelModeNATS)),
		NATSURL:            getEnv("NATS_URL", "nats://localhost:4222"),
		NATSCAFile:         getEnv("NATS_CA_FILE", ""),
		NATSCertFile:       getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:        getEnv("NATS_KEY_FILE", ""),
		NATSToken:          getEnv("NATS_TOKEN", ""),
		NATSSubjectPrefix:  getEnv("NATS_SUBJECT_PREFIX", "chat"),
		NATSPresenceBucket: getEnv("NATS_PRESENCE_BUCKET", "CHAT_PRESENCE"),
		NATSEventStream:    getEnv("NATS_EVENT_STREAM", "CHAT_EVENTS"),
		NATSReplayWindow:   getDurationEnv("NATS_REPLAY_WINDOW", 10*time.Minute),

		// JWT
		JWTSecret: getEnv("JWT_SECRET", "development-secret-change-in-production"),

		// Sync engine
		PollInterval:    getDurationEnv("POLL_INTERVAL", 5*time.Second),
		MaxSendAttempts: getIntEnv("MAX_SEND_ATTEMPTS", 3),

		// Encryption
		KDFIterations: getIntEnv("KDF_ITERATIONS", MinKDFIterations),
		KDFSalt:       getEnv("KDF_SALT", "chat-e2ee"),

		// Rate limiting
		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 120),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}
	cfg.normalize()
	return cfg
}

func (c *Config) normalize() {
	if c.KDFIterations < MinKDFIterations {
		c.KDFIterations = MinKDFIterations
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.MaxSendAttempts < 1 {
		c.MaxSendAttempts = 1
	}
	if c.NATSReplayWindow < 0 {
		c.NATSReplayWindow = 0
	}
	if c.SSEHeartbeat <= 0 {
		c.SSEHeartbeat = 30 * time.Second
	}
	if c.ChannelMode != ChannelModeMemory {
		c.ChannelMode = ChannelModeNATS
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
