// Package api serves the admin HTTP endpoints: health, Prometheus metrics,
// forwarding lookups and the runtime log level.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ForwardLookup resolves a recipient address to its forwarding destination.
type ForwardLookup interface {
	Resolve(ctx context.Context, recipient string) (string, error)
}

// Config represents API server configuration
type Config struct {
	Enabled    bool            `toml:"enabled" yaml:"enabled" json:"enabled"`
	ListenAddr string          `toml:"listen" yaml:"listen" json:"listen"`
	RateLimit  RateLimitConfig `toml:"rate_limit" yaml:"rate_limit" json:"rate_limit"`
}

// Server represents the admin API server
type Server struct {
	config    *Config
	forwarder ForwardLookup
	gatherer  prometheus.Gatherer
	limits    *clientLimits
	logger    *slog.Logger
	router    *mux.Router
	startedAt time.Time
	smtpAddr  string

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
}

// NewServer creates a new API server. A nil gatherer uses the default
// Prometheus registry.
func NewServer(config *Config, forwarder ForwardLookup, gatherer prometheus.Gatherer) (*Server, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if !config.Enabled {
		return nil, fmt.Errorf("API server is disabled")
	}
	if forwarder == nil {
		return nil, fmt.Errorf("forwarder cannot be nil")
	}
	if config.ListenAddr == "" {
		config.ListenAddr = "127.0.0.1:8025"
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	limits, err := newClientLimits(config.RateLimit)
	if err != nil {
		return nil, err
	}

	s := &Server{
		config:    config,
		forwarder: forwarder,
		gatherer:  gatherer,
		limits:    limits,
		logger:    slog.Default().With("component", "api"),
		startedAt: time.Now(),
	}
	s.router = s.routes()
	return s, nil
}

// SetSMTPAddr records the SMTP listen address reported by /healthz.
func (s *Server) SetSMTPAddr(addr string) {
	s.smtpAddr = addr
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.accessLog)
	r.Use(s.throttle)

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/forward", s.handleForward).Methods(http.MethodGet)
	v1.HandleFunc("/logging/level", s.HandleGetLogLevel).Methods(http.MethodGet)
	v1.HandleFunc("/logging/level", s.HandleSetLogLevel).Methods(http.MethodPost, http.MethodPut)

	return r
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the API server in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddr, err)
	}

	srv := &http.Server{
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	s.mu.Lock()
	s.httpServer = srv
	s.listener = ln
	s.mu.Unlock()

	go func() {
		s.logger.Info("starting API server", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the listening address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop stops the API server
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// ForwardResponse is the body of GET /v1/forward.
type ForwardResponse struct {
	Address     string `json:"address"`
	Destination string `json:"destination,omitempty"`
	Code        int    `json:"code,omitempty"`
	Error       string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data) // Best effort
}
