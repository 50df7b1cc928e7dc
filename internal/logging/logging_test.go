package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("WARN"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestNewWithWriter(t *testing.T) {
	t.Run("json_format", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewWithWriter(Config{Level: "info", Format: "json"}, &buf)
		logger.Info("hub connected", "hub", "notifications")

		var entry map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		assert.Equal(t, "hub connected", entry["msg"])
		assert.Equal(t, "notifications", entry["hub"])
	})

	t.Run("level_filters_debug", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewWithWriter(Config{Level: "warn"}, &buf)
		logger.Info("ignored")
		assert.Empty(t, buf.String())

		logger.Warn("kept")
		assert.Contains(t, buf.String(), "kept")
	})
}
