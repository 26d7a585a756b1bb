package api

import (
	"encoding/json"
	"net/http"

	"github.com/busybox42/mxforward/internal/logging"
)

// LogLevelRequest represents a log level change request
type LogLevelRequest struct {
	Level string `json:"level"`
}

// LogLevelResponse represents a log level response
type LogLevelResponse struct {
	CurrentLevel string `json:"current_level"`
	Message      string `json:"message,omitempty"`
}

// HandleGetLogLevel returns the current log level
func (s *Server) HandleGetLogLevel(w http.ResponseWriter, r *http.Request) {
	level := logging.GetLogLevelManager().GetLevel()
	writeJSON(w, http.StatusOK, LogLevelResponse{
		CurrentLevel: logging.LevelToString(level),
	})
}

// HandleSetLogLevel changes the log level at runtime
func (s *Server) HandleSetLogLevel(w http.ResponseWriter, r *http.Request) {
	var req LogLevelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	level, err := logging.StringToLevel(req.Level)
	if err != nil {
		http.Error(w, "Invalid log level. Valid levels: DEBUG, INFO, WARN, ERROR", http.StatusBadRequest)
		return
	}

	logging.GetLogLevelManager().SetLevel(level)
	s.logger.Info("log level changed", "level", logging.LevelToString(level))

	writeJSON(w, http.StatusOK, LogLevelResponse{
		CurrentLevel: logging.LevelToString(level),
		Message:      "Log level updated successfully",
	})
}
