package delivery

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/busybox42/mxforward/internal/forward"
	"github.com/busybox42/mxforward/internal/resolver"
	"github.com/busybox42/mxforward/internal/smtperr"
)

// Config holds the outbound SMTP settings
type Config struct {
	Port                  int           `toml:"port" yaml:"port"`
	Timeout               time.Duration `toml:"timeout" yaml:"timeout"`
	HeloName              string        `toml:"helo_name" yaml:"helo_name"`
	TLSInsecureSkipVerify bool          `toml:"tls_insecure_skip_verify" yaml:"tls_insecure_skip_verify"`
	TLSMinVersion         string        `toml:"tls_min_version" yaml:"tls_min_version"`
	DisableTLS            bool          `toml:"disable_tls" yaml:"disable_tls"`
}

// DefaultConfig returns the outbound defaults: port 25, one minute per
// connection and the machine hostname as HELO name.
func DefaultConfig() *Config {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "localhost"
	}
	return &Config{
		Port:          25,
		Timeout:       time.Minute,
		HeloName:      hostname,
		TLSMinVersion: "1.2",
	}
}

// MXTransport delivers straight to the best MX of each recipient domain with
// opportunistic STARTTLS.
type MXTransport struct {
	config   *Config
	resolver resolver.Resolver
	logger   *slog.Logger
}

// NewMXTransport creates an MX transport. A nil config uses DefaultConfig.
func NewMXTransport(r resolver.Resolver, config *Config) *MXTransport {
	defaults := DefaultConfig()
	if config == nil {
		config = defaults
	}
	if config.Port == 0 {
		config.Port = defaults.Port
	}
	if config.Timeout == 0 {
		config.Timeout = defaults.Timeout
	}
	if config.HeloName == "" {
		config.HeloName = defaults.HeloName
	}
	return &MXTransport{
		config:   config,
		resolver: r,
		logger:   slog.Default().With("component", "delivery"),
	}
}

// Send groups recipients by domain and hands each group to the most
// preferred exchange of that domain. The first failing group aborts the
// remaining ones.
func (t *MXTransport) Send(ctx context.Context, req *Request) (*Receipt, error) {
	if len(req.To) == 0 {
		return nil, smtperr.New(smtperr.CodeRejected, "No recipients to deliver to")
	}

	start := time.Now()
	receipt := &Receipt{}
	for _, group := range groupByDomain(req.To) {
		host, err := t.bestExchange(ctx, group.domain)
		if err != nil {
			return nil, err
		}
		secure, err := t.deliverToHost(ctx, req, host, group.recipients)
		if err != nil {
			return nil, err
		}
		receipt.Host = host
		receipt.TLS = secure
		receipt.Accepted = append(receipt.Accepted, group.recipients...)
	}
	receipt.Duration = time.Since(start)
	return receipt, nil
}

type domainGroup struct {
	domain     string
	recipients []string
}

func groupByDomain(recipients []string) []domainGroup {
	var groups []domainGroup
	index := make(map[string]int)
	for _, rcpt := range recipients {
		domain := forward.Domain(rcpt)
		i, ok := index[domain]
		if !ok {
			i = len(groups)
			index[domain] = i
			groups = append(groups, domainGroup{domain: domain})
		}
		groups[i].recipients = append(groups[i].recipients, rcpt)
	}
	return groups
}

// bestExchange returns the lowest-priority MX host. A domain without MX
// records cannot receive forwarded mail.
func (t *MXTransport) bestExchange(ctx context.Context, domain string) (string, error) {
	if domain == "" {
		return "", smtperr.New(smtperr.CodeRejected, "Recipient has no domain")
	}

	records, err := t.resolver.LookupMX(ctx, domain)
	if err != nil {
		if resolver.IsNotFound(err) {
			return "", smtperr.ErrInvalidMX
		}
		return "", smtperr.Wrap(fmt.Errorf("MX lookup failed for %s: %w", domain, err), smtperr.CodeTransient)
	}
	if len(records) == 0 || records[0].Exchange == "" {
		return "", smtperr.ErrInvalidMX
	}
	return records[0].Exchange, nil
}

// deliverToHost tries STARTTLS first and falls back to a plaintext session
// when the exchange does not offer it or the handshake fails.
func (t *MXTransport) deliverToHost(ctx context.Context, req *Request, host string, recipients []string) (bool, error) {
	useTLS := !t.config.DisableTLS
	err := t.transmit(ctx, req, host, recipients, useTLS)

	var tlsErr *startTLSError
	if errors.As(err, &tlsErr) {
		t.logger.Warn("STARTTLS failed, retrying without TLS",
			"host", host,
			"error", tlsErr.err)
		useTLS = false
		err = t.transmit(ctx, req, host, recipients, false)
	}
	return useTLS && err == nil, err
}

type startTLSError struct{ err error }

func (e *startTLSError) Error() string { return "STARTTLS failed: " + e.err.Error() }
func (e *startTLSError) Unwrap() error { return e.err }

func (t *MXTransport) transmit(ctx context.Context, req *Request, host string, recipients []string, useTLS bool) error {
	ctx, cancel := context.WithTimeout(ctx, t.config.Timeout)
	defer cancel()

	var tlsConfig *tls.Config
	if useTLS {
		var err error
		if tlsConfig, err = createTLSConfig(t.config, host); err != nil {
			return err
		}
	}

	addr := net.JoinHostPort(host, strconv.Itoa(t.config.Port))
	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return smtperr.Wrap(fmt.Errorf("failed to connect to %s: %w", addr, err), smtperr.CodeTransient)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	var client *smtp.Client
	if useTLS {
		// NewClientStartTLS closes conn on failure.
		client, err = smtp.NewClientStartTLS(conn, tlsConfig)
		if err != nil {
			return &startTLSError{err: err}
		}
		t.logger.Debug("STARTTLS successful", "host", host)
	} else {
		client = smtp.NewClient(conn)
	}
	defer func() { _ = client.Close() }()

	// After STARTTLS the session is reset, so this is the first EHLO on
	// the encrypted channel and the handshake runs underneath it.
	if err := client.Hello(t.config.HeloName); err != nil {
		if state, ok := client.TLSConnectionState(); useTLS && (!ok || !state.HandshakeComplete) {
			return &startTLSError{err: err}
		}
		return remoteError("EHLO", err)
	}

	if err := client.Mail(req.From, nil); err != nil {
		return remoteError("MAIL FROM", err)
	}
	for _, rcpt := range recipients {
		if err := client.Rcpt(rcpt, nil); err != nil {
			return remoteError("RCPT TO", err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return remoteError("DATA", err)
	}
	if _, err := w.Write(req.Data); err != nil {
		return remoteError("DATA", err)
	}
	if err := w.Close(); err != nil {
		return remoteError("DATA", err)
	}

	if err := client.Quit(); err != nil {
		t.logger.Debug("QUIT failed", "host", host, "error", err)
	}

	t.logger.Info("message delivered",
		"host", host,
		"tls", useTLS,
		"from", req.From,
		"recipients", strings.Join(recipients, ","))
	return nil
}

// remoteError keeps the reply code of a remote SMTP rejection.
func remoteError(stage string, err error) error {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return &smtperr.Error{Code: smtpErr.Code, Message: smtpErr.Message, Err: err}
	}
	return smtperr.Wrap(fmt.Errorf("%s failed: %w", stage, err), smtperr.CodeTransient)
}

// createTLSConfig creates a TLS configuration from the config
func createTLSConfig(config *Config, serverName string) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: config.TLSInsecureSkipVerify,
	}

	switch config.TLSMinVersion {
	case "1.0":
		tlsConfig.MinVersion = tls.VersionTLS10
	case "1.1":
		tlsConfig.MinVersion = tls.VersionTLS11
	case "", "1.2":
		tlsConfig.MinVersion = tls.VersionTLS12
	case "1.3":
		tlsConfig.MinVersion = tls.VersionTLS13
	default:
		return nil, fmt.Errorf("unsupported TLS version: %s", config.TLSMinVersion)
	}

	return tlsConfig, nil
}
