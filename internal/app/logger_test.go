package app

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/stitchgrid/internal/testutil"
)

func TestParseLogLevel(t *testing.T) {
	for name, want := range map[string]slog.Level{
		"":      slog.LevelInfo,
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	} {
		level, err := ParseLogLevel(name)
		require.NoError(t, err, "level %q", name)
		assert.Equal(t, want, level, "level %q", name)
	}

	_, err := ParseLogLevel("loud")
	assert.ErrorContains(t, err, "log-level")
}

func TestParseLogFormat(t *testing.T) {
	for name, want := range map[string]string{
		"":     "json",
		"json": "json",
		"text": "text",
	} {
		format, err := ParseLogFormat(name)
		require.NoError(t, err, "format %q", name)
		assert.Equal(t, want, format, "format %q", name)
	}

	_, err := ParseLogFormat("xml")
	assert.ErrorContains(t, err, "log-format")
}

func TestNewLogger(t *testing.T) {
	t.Run("records are tagged with the run id", func(t *testing.T) {
		var buf testutil.SafeBuffer
		logger := newLogger(&Config{LogFormat: "json", LogLevel: "info", RunID: "run-7"}, &buf)
		logger.Info("hello")
		assert.Contains(t, buf.String(), `"run_id":"run-7"`)
	})

	t.Run("level gates output", func(t *testing.T) {
		var buf testutil.SafeBuffer
		logger := newLogger(&Config{LogFormat: "text", LogLevel: "warn"}, &buf)
		logger.Info("quiet")
		logger.Warn("loud")
		assert.NotContains(t, buf.String(), "quiet")
		assert.Contains(t, buf.String(), "loud")
	})
}
