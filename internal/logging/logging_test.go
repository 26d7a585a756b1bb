package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStringToLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{"", slog.LevelInfo, false},
		{"Warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := StringToLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLevelToString(t *testing.T) {
	assert.Equal(t, "DEBUG", LevelToString(slog.LevelDebug))
	assert.Equal(t, "WARN", LevelToString(slog.LevelWarn))
	assert.Equal(t, "INFO", LevelToString(slog.Level(42)))
}

func TestInitializeLogging(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	t.Run("JSON output with redaction", func(t *testing.T) {
		var buf bytes.Buffer
		InitializeLogging("debug", "json", &buf)
		buf.Reset()

		slog.Info("connecting", "address", "localhost:6379", "password", "hunter2")

		var entry map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		assert.Equal(t, "connecting", entry["msg"])
		assert.Equal(t, "localhost:6379", entry["address"])
		assert.Equal(t, "***REDACTED***", entry["password"])
	})

	t.Run("Values are single line", func(t *testing.T) {
		var buf bytes.Buffer
		InitializeLogging("info", "text", &buf)
		buf.Reset()

		slog.Info("header", "subject", "hi\r\nBcc: victim@example.com")
		assert.Equal(t, 1, strings.Count(buf.String(), "\n"))
	})

	t.Run("Runtime level change", func(t *testing.T) {
		var buf bytes.Buffer
		InitializeLogging("error", "json", &buf)
		buf.Reset()

		slog.Info("hidden")
		assert.Empty(t, buf.String())

		GetLogLevelManager().SetLevel(slog.LevelInfo)
		slog.Info("visible")
		assert.Contains(t, buf.String(), "visible")
		assert.Equal(t, slog.LevelInfo, GetLogLevelManager().GetLevel())
	})

	t.Run("Invalid level falls back", func(t *testing.T) {
		var buf bytes.Buffer
		InitializeLogging("loud", "yaml", &buf)
		assert.Contains(t, buf.String(), "invalid log level")
		assert.Contains(t, buf.String(), "invalid log format")
		assert.Equal(t, slog.LevelInfo, GetLogLevelManager().GetLevel())
	})
}

func TestNewHandlerRejectsUnknownFormat(t *testing.T) {
	_, err := NewHandler("xml", &bytes.Buffer{})
	assert.Error(t, err)
}
