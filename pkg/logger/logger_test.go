package logger

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew_RejectsUnknownLevel(t *testing.T) {
	_, err := New("loud")
	assert.Error(t, err)
}

func TestNew_ValidLevels(t *testing.T) {
	for _, lvl := range []string{"debug", "info", "warn", "error"} {
		l, err := New(lvl)
		require.NoError(t, err, lvl)
		require.NotNil(t, l)
	}
}

func TestNewWithOptions_WritesRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "callguard.log")

	l, err := NewWithOptions(Options{Level: "info", Format: "json", File: path, MaxSizeMB: 1, MaxBackups: 1})
	require.NoError(t, err)

	l.Info("relay started", zap.String("instance", "test"))
	_ = l.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "relay started")
	assert.Contains(t, string(data), `"instance":"test"`)
}

func TestContextLogger_WithContextAddsKnownKeys(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	cl := NewContextLogger(zap.New(core))

	ctx := WithUserID(context.Background(), "42")
	ctx = WithRequestID(ctx, "req-1")

	cl.Sugar(ctx).Infow("unblocked")

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "42", fields["user_id"])
	assert.Equal(t, "req-1", fields["request_id"])
	assert.NotContains(t, fields, "trace_id")
}

func TestContextLogger_NoFieldsReturnsBaseLogger(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	cl := NewContextLogger(zap.New(core))

	cl.Sugar(context.Background()).Warnw("plain")
	require.Len(t, logs.All(), 1)
	assert.Empty(t, logs.All()[0].Context)
}
