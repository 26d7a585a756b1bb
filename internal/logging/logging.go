package logging

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"unicode"
)

var sensitiveKeys = []string{
	"password",
	"pass",
	"secret",
	"token",
	"private_key",
	"dsn",
}

// sanitizeMessage normalizes a value to a single line and drops control
// characters. Header values and SMTP arguments come straight from remote
// clients and end up in log lines.
func sanitizeMessage(msg string) string {
	msg = strings.ReplaceAll(msg, "\r", " ")
	msg = strings.ReplaceAll(msg, "\n", " ")

	var b strings.Builder
	for _, r := range msg {
		if r == '\t' || !unicode.IsControl(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// replaceAttr redacts sensitive keys and sanitizes string values.
func replaceAttr(_ []string, a slog.Attr) slog.Attr {
	key := strings.ToLower(a.Key)
	for _, sk := range sensitiveKeys {
		if strings.Contains(key, sk) {
			return slog.String(a.Key, "***REDACTED***")
		}
	}
	if a.Value.Kind() == slog.KindString {
		return slog.String(a.Key, sanitizeMessage(a.Value.String()))
	}
	return a
}

// LogLevelManager manages runtime log level adjustment
type LogLevelManager struct {
	level slog.LevelVar
	mu    sync.RWMutex
}

var globalLogLevelManager = &LogLevelManager{}

// GetLogLevelManager returns the global log level manager
func GetLogLevelManager() *LogLevelManager {
	return globalLogLevelManager
}

// SetLevel sets the current log level. Handlers created by InitializeLogging
// pick up the change immediately.
func (m *LogLevelManager) SetLevel(level slog.Level) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.level.Set(level)
}

// GetLevel returns the current log level
func (m *LogLevelManager) GetLevel() slog.Level {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.level.Level()
}

// LevelToString converts slog.Level to string
func LevelToString(level slog.Level) string {
	switch level {
	case slog.LevelDebug:
		return "DEBUG"
	case slog.LevelInfo:
		return "INFO"
	case slog.LevelWarn:
		return "WARN"
	case slog.LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// StringToLevel converts string to slog.Level
func StringToLevel(levelStr string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(levelStr)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, errors.New("invalid log level")
	}
}

// NewHandler builds the slog handler for the given format ("json" or
// "text") writing to w.
func NewHandler(format string, w io.Writer) (slog.Handler, error) {
	opts := &slog.HandlerOptions{
		Level:       &globalLogLevelManager.level,
		ReplaceAttr: replaceAttr,
	}
	switch strings.ToLower(format) {
	case "", "json":
		return slog.NewJSONHandler(w, opts), nil
	case "text", "console":
		return slog.NewTextHandler(w, opts), nil
	default:
		return nil, fmt.Errorf("unsupported log format: %s", format)
	}
}

// InitializeLogging installs the process-wide default logger. A nil writer
// means stdout. Invalid levels fall back to INFO and invalid formats to
// JSON, both with a warning.
func InitializeLogging(levelStr, format string, w io.Writer) {
	if w == nil {
		w = os.Stdout
	}

	level, levelErr := StringToLevel(levelStr)
	globalLogLevelManager.SetLevel(level)

	handler, formatErr := NewHandler(format, w)
	if formatErr != nil {
		handler, _ = NewHandler("json", w)
	}
	slog.SetDefault(slog.New(handler))

	if levelErr != nil {
		slog.Warn("invalid log level in config, defaulting to INFO",
			"configured_level", levelStr)
	}
	if formatErr != nil {
		slog.Warn("invalid log format in config, defaulting to json",
			"configured_format", format)
	}

	slog.Info("logging initialized",
		"log_level", LevelToString(level))
}
