package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestSanitizeRedactsSensitiveKeys(t *testing.T) {
	out := sanitizeKVs([]interface{}{"email", "a@b.c", "user_id", int64(7), "AccessToken", "xyz", "dangling"})
	require.Len(t, out, 7)
	assert.Equal(t, "[REDACTED]", out[1])
	assert.Equal(t, int64(7), out[3])
	assert.Equal(t, "[REDACTED]", out[5])
	assert.Equal(t, "dangling", out[6])
}

func TestWithCarriesFields(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := &Logger{SugaredLogger: zap.New(core).Sugar()}

	l.With("component", "detector").Warn("oracle failed", "password", "hunter2")

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "detector", fields["component"])
	assert.Equal(t, "[REDACTED]", fields["password"])
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New("dev", "loud")
	assert.Error(t, err)

	l, err := New("prod", "warn")
	require.NoError(t, err)
	assert.NotNil(t, l.SugaredLogger)
}
