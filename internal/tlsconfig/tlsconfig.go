// Package tlsconfig builds the STARTTLS configuration for the inbound
// listener from certificate files or an ACME certificate cache.
package tlsconfig

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"golang.org/x/crypto/acme"
	"golang.org/x/crypto/acme/autocert"
)

// LetsEncryptStaging is the ACME directory used when Options.Staging is set.
const LetsEncryptStaging = "https://acme-staging-v02.api.letsencrypt.org/directory"

// Options selects the certificate source. Certificate files win over ACME.
type Options struct {
	CertFile string
	KeyFile  string

	ACMEDir   string
	ACMEEmail string
	Hosts     []string
	Staging   bool
	// HTTPAddr serves http-01 challenges, e.g. ":80".
	HTTPAddr string
}

// Manager holds the TLS configuration and, for ACME, the certificate manager.
type Manager struct {
	tlsConfig   *tls.Config
	certManager *autocert.Manager
	httpServer  *http.Server
	logger      *slog.Logger
}

// ErrDisabled is returned by New when no certificate source is configured.
var ErrDisabled = errors.New("tls: no certificate source configured")

// New creates a Manager. It returns ErrDisabled when opts names neither
// certificate files nor an ACME directory.
func New(opts Options) (*Manager, error) {
	m := &Manager{logger: slog.Default().With("component", "tls")}

	switch {
	case opts.CertFile != "" || opts.KeyFile != "":
		if opts.CertFile == "" || opts.KeyFile == "" {
			return nil, fmt.Errorf("both cert_file and key_file are required")
		}
		cert, err := tls.LoadX509KeyPair(opts.CertFile, opts.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
		}
		m.tlsConfig = &tls.Config{
			MinVersion:   tls.VersionTLS12,
			ClientAuth:   tls.NoClientCert,
			Certificates: []tls.Certificate{cert},
		}
		m.logger.Info("loaded TLS certificate", "cert_file", opts.CertFile)
	case opts.ACMEDir != "":
		if err := m.setupACME(opts); err != nil {
			return nil, err
		}
	default:
		return nil, ErrDisabled
	}

	return m, nil
}

func (m *Manager) setupACME(opts Options) error {
	if len(opts.Hosts) == 0 {
		return fmt.Errorf("ACME enabled but no hostnames provided")
	}
	if err := os.MkdirAll(opts.ACMEDir, 0700); err != nil {
		return fmt.Errorf("failed to create certificate cache directory: %w", err)
	}

	m.certManager = &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		Cache:      autocert.DirCache(opts.ACMEDir),
		HostPolicy: autocert.HostWhitelist(opts.Hosts...),
		Email:      opts.ACMEEmail,
	}
	if opts.Staging {
		m.certManager.Client = &acme.Client{DirectoryURL: LetsEncryptStaging}
	}

	cfg := m.certManager.TLSConfig()
	cfg.MinVersion = tls.VersionTLS12
	m.tlsConfig = cfg

	if opts.HTTPAddr != "" {
		m.httpServer = &http.Server{
			Addr:              opts.HTTPAddr,
			Handler:           m.certManager.HTTPHandler(nil),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	m.logger.Info("ACME certificates enabled",
		"hosts", opts.Hosts,
		"cache_dir", opts.ACMEDir,
		"staging", opts.Staging)
	return nil
}

// TLSConfig returns the configuration for the SMTP listener.
func (m *Manager) TLSConfig() *tls.Config {
	return m.tlsConfig
}

// ACME reports whether certificates come from autocert.
func (m *Manager) ACME() bool {
	return m.certManager != nil
}

// Start serves http-01 challenges when an HTTP address was configured.
func (m *Manager) Start() {
	if m.httpServer == nil {
		return
	}
	go func() {
		m.logger.Info("starting ACME challenge listener", "addr", m.httpServer.Addr)
		if err := m.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("ACME challenge listener failed", "error", err)
		}
	}()
}

// Stop shuts the challenge listener down.
func (m *Manager) Stop(ctx context.Context) error {
	if m.httpServer == nil {
		return nil
	}
	return m.httpServer.Shutdown(ctx)
}
