package api

import (
	"net/http"
	"runtime"
	"time"
)

// HealthStats represents server health statistics
type HealthStats struct {
	Status          string      `json:"status"`
	Uptime          int64       `json:"uptime"`           // seconds
	UptimeFormatted string      `json:"uptime_formatted"` // human readable
	StartedAt       time.Time   `json:"started_at"`
	GoVersion       string      `json:"go_version"`
	NumGoroutines   int         `json:"num_goroutines"`
	Memory          MemoryStats `json:"memory"`
	SMTPAddr        string      `json:"smtp_addr,omitempty"`
}

// MemoryStats represents memory usage statistics
type MemoryStats struct {
	Alloc   uint64  `json:"alloc"`
	Sys     uint64  `json:"sys"`
	NumGC   uint32  `json:"num_gc"`
	AllocMB float64 `json:"alloc_mb"`
	SysMB   float64 `json:"sys_mb"`
}

// handleHealth returns server health statistics
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	uptime := time.Since(s.startedAt)

	writeJSON(w, http.StatusOK, HealthStats{
		Status:          "healthy",
		Uptime:          int64(uptime.Seconds()),
		UptimeFormatted: formatDuration(uptime),
		StartedAt:       s.startedAt,
		GoVersion:       runtime.Version(),
		NumGoroutines:   runtime.NumGoroutine(),
		Memory: MemoryStats{
			Alloc:   memStats.Alloc,
			Sys:     memStats.Sys,
			NumGC:   memStats.NumGC,
			AllocMB: float64(memStats.Alloc) / 1024 / 1024,
			SysMB:   float64(memStats.Sys) / 1024 / 1024,
		},
		SMTPAddr: s.smtpAddr,
	})
}

// formatDuration formats a duration as human readable
func formatDuration(d time.Duration) string {
	return d.Round(time.Second).String()
}
