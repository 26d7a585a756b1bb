// Package smtp exposes the relay over SMTP using go-smtp.
package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	gosmtp "github.com/emersion/go-smtp"

	"github.com/busybox42/mxforward/internal/metrics"
	"github.com/busybox42/mxforward/internal/relay"
)

// Config holds SMTP listener settings.
type Config struct {
	ListenAddr      string
	Hostname        string
	MaxMessageBytes int64
	MaxRecipients   int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	SupportFooter   string
	TLSConfig       *tls.Config
}

// Server is an inbound SMTP server handing sessions to a Handler.
type Server struct {
	config  *Config
	handler Handler
	metrics *metrics.Metrics
	logger  *slog.Logger
	server  *gosmtp.Server

	ctx    context.Context
	cancel context.CancelFunc

	// sessions maps each *gosmtp.Conn to its *session.
	sessions sync.Map

	mu       sync.Mutex
	listener net.Listener
	running  bool
}

// NewServer creates a new SMTP server
func NewServer(config *Config, handler Handler, m *metrics.Metrics) (*Server, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}

	if config.Hostname == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("hostname not provided in config and could not be determined: %w", err)
		}
		config.Hostname = hostname
	}
	if config.ListenAddr == "" {
		config.ListenAddr = ":2525"
	}
	if config.MaxMessageBytes <= 0 {
		config.MaxMessageBytes = relay.DefaultMaxSize
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = 5 * time.Minute
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = time.Minute
	}
	if m == nil {
		m = metrics.GetMetrics()
	}

	logger := slog.Default().With("component", "smtp-server")
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		config:  config,
		handler: handler,
		metrics: m,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}

	srv := gosmtp.NewServer(&backend{server: s})
	srv.Addr = config.ListenAddr
	srv.Domain = config.Hostname
	srv.MaxMessageBytes = config.MaxMessageBytes
	srv.MaxRecipients = config.MaxRecipients
	srv.ReadTimeout = config.ReadTimeout
	srv.WriteTimeout = config.WriteTimeout
	srv.TLSConfig = config.TLSConfig
	srv.ErrorLog = slog.NewLogLogger(logger.Handler(), slog.LevelWarn)
	s.server = srv

	logger.Info("initialized SMTP server",
		"hostname", config.Hostname,
		"listen_addr", config.ListenAddr,
		"max_message_bytes", config.MaxMessageBytes,
		"starttls", config.TLSConfig != nil)
	return s, nil
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}
	if err := s.setListener(ln); err != nil {
		ln.Close()
		return err
	}

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, gosmtp.ErrServerClosed) {
			s.logger.Error("SMTP server stopped", "error", err)
		}
	}()
	s.logger.Info("SMTP server running", "addr", ln.Addr().String())
	return nil
}

// Serve accepts connections on ln until the server is closed.
func (s *Server) Serve(ln net.Listener) error {
	if err := s.setListener(ln); err != nil {
		return err
	}
	err := s.server.Serve(ln)
	if errors.Is(err, gosmtp.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) setListener(ln net.Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("server already running")
	}
	s.listener = ln
	s.running = true
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

// Shutdown stops accepting connections and waits for open sessions until
// ctx expires. In-flight pipelines are cancelled afterwards.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	running := s.running
	s.running = false
	s.mu.Unlock()
	if !running {
		return nil
	}

	s.logger.Info("shutting down SMTP server")
	err := s.server.Shutdown(ctx)
	s.cancel()
	if err != nil && !errors.Is(err, gosmtp.ErrServerClosed) {
		return fmt.Errorf("SMTP shutdown: %w", err)
	}
	return nil
}

// Close stops the server immediately.
func (s *Server) Close() error {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	s.cancel()
	return s.server.Close()
}
