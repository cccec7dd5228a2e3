package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, ParseLevel("debug"))
	assert.Equal(t, zapcore.WarnLevel, ParseLevel("warning"))
	assert.Equal(t, zapcore.ErrorLevel, ParseLevel("ERROR"))
	assert.Equal(t, zapcore.InfoLevel, ParseLevel(""))
	assert.Equal(t, zapcore.InfoLevel, ParseLevel("chatty"))
}

func TestChildLoggersCarryFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	base := &Logger{Logger: zap.New(core)}

	base.Named("engine").WithSession("s1", "42").Info("poll merged")
	base.WithContext("corr-1", "alice@example.com").Warn("request failed")

	entries := logs.All()
	require.Len(t, entries, 2)

	assert.Equal(t, "engine", entries[0].LoggerName)
	assert.Equal(t, map[string]any{"session_id": "s1", "user_id": "42"}, entries[0].ContextMap())
	assert.Equal(t, map[string]any{"correlation_id": "corr-1", "user_id": "alice@example.com"}, entries[1].ContextMap())
}

func TestNewBuildsJSONLogger(t *testing.T) {
	l, err := New("debug")
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(zapcore.DebugLevel))

	SetGlobal(l)
	assert.Same(t, l, Global())
}
