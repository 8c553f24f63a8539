package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestInitLoggerLevel(t *testing.T) {
	t.Cleanup(func() { logger = nil })

	l, err := InitLogger(LogConfig{Service: "order-saga", Env: "production", Level: "warn"})
	require.NoError(t, err)

	assert.False(t, l.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, l.Core().Enabled(zapcore.WarnLevel))
	assert.Same(t, l, GetLogger())
	assert.Same(t, l, zap.L())
}

func TestInitLoggerDefaultsByEnv(t *testing.T) {
	t.Cleanup(func() { logger = nil })

	l, err := InitLogger(LogConfig{Service: "order-saga", Env: "development"})
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(zapcore.DebugLevel))

	l, err = InitLogger(LogConfig{Service: "order-saga", Env: "production"})
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(zapcore.DebugLevel))
	assert.True(t, l.Core().Enabled(zapcore.InfoLevel))
}

func TestInitLoggerRejectsUnknownLevel(t *testing.T) {
	t.Cleanup(func() { logger = nil })

	_, err := InitLogger(LogConfig{Env: "production", Level: "loud"})
	assert.Error(t, err)
}
