// Package relay implements the forwarding pipeline: admission checks for
// each SMTP command and the ordered processing of a received message.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/busybox42/mxforward/internal/antispam"
	"github.com/busybox42/mxforward/internal/delivery"
	"github.com/busybox42/mxforward/internal/logging"
	"github.com/busybox42/mxforward/internal/mailauth"
	"github.com/busybox42/mxforward/internal/metrics"
	"github.com/busybox42/mxforward/internal/ratelimit"
	"github.com/busybox42/mxforward/internal/resolver"
)

// Defaults taken when Config leaves a field empty.
const (
	DefaultNoReply        = "no-reply@forwardemail.net"
	DefaultDNSBLZone      = "zen.spamhaus.org"
	DefaultSpamThreshold  = 5.0
	DefaultMaxSize        = 25 << 20
	DefaultProcessTimeout = 5 * time.Minute
	DefaultSupportFooter  = "If you need help please forward this email to support@forwardemail.net or visit https://forwardemail.net"
)

// DefaultExchanges are the MX hosts recipients must point at this relay.
var DefaultExchanges = []string{"mx1.forwardemail.net", "mx2.forwardemail.net"}

// Config holds the relay policy.
type Config struct {
	NoReply        string
	Exchanges      []string
	DNSBLZone      string
	PublicIP       string
	SpamThreshold  float64
	MaxSize        int64
	ProcessTimeout time.Duration
}

// Envelope is the SMTP envelope of one transaction.
type Envelope struct {
	MailFrom string
	RcptTo   []string
}

// Session is the state of one SMTP connection.
type Session struct {
	ID             string
	RemoteAddress  string
	ClientHostname string
	Envelope       Envelope
}

// Reset clears the envelope for a new transaction on the same connection.
func (s *Session) Reset() {
	s.Envelope = Envelope{}
}

// ForwardResolver resolves recipients and validates address domains.
type ForwardResolver interface {
	Resolve(ctx context.Context, recipient string) (string, error)
	ParseDomain(address string) (string, error)
}

// Authenticator runs SPF, DKIM and DMARC checks.
type Authenticator interface {
	ValidateSPF(ctx context.Context, remoteAddress, from, clientHostname string) (mailauth.SPFResult, error)
	ValidateDKIM(ctx context.Context, raw []byte) (bool, error)
	GetDMARC(ctx context.Context, domain string) mailauth.Policy
}

// Blocklist answers DNSBL queries.
type Blocklist interface {
	Lookup(ctx context.Context, ip, zone string) (bool, error)
}

// RateLimiter counts sender admissions.
type RateLimiter interface {
	Check(ctx context.Context, id string) (ratelimit.State, error)
}

// Signer DKIM-signs outbound messages.
type Signer interface {
	Sign(raw []byte) ([]byte, error)
}

// Dependencies are the collaborators of a Relay. Classifier and Signer are
// optional.
type Dependencies struct {
	DNS        resolver.Resolver
	Forwarder  ForwardResolver
	Auth       Authenticator
	Blocklist  Blocklist
	Limiter    RateLimiter
	Classifier antispam.Classifier
	Transport  delivery.Transport
	Signer     Signer
	Metrics    *metrics.Metrics
}

// Relay drives admission control and the message pipeline.
type Relay struct {
	config Config
	deps   Dependencies
	logger *slog.Logger
}

// New creates a Relay, filling unset config fields with defaults.
func New(config Config, deps Dependencies) (*Relay, error) {
	if deps.DNS == nil || deps.Forwarder == nil || deps.Auth == nil || deps.Limiter == nil || deps.Transport == nil {
		return nil, fmt.Errorf("relay: DNS, Forwarder, Auth, Limiter and Transport are required")
	}

	if config.NoReply == "" {
		config.NoReply = DefaultNoReply
	}
	if len(config.Exchanges) == 0 {
		config.Exchanges = DefaultExchanges
	}
	if config.DNSBLZone == "" {
		config.DNSBLZone = DefaultDNSBLZone
	}
	if config.SpamThreshold == 0 {
		config.SpamThreshold = DefaultSpamThreshold
	}
	if config.MaxSize == 0 {
		config.MaxSize = DefaultMaxSize
	}
	if config.ProcessTimeout == 0 {
		config.ProcessTimeout = DefaultProcessTimeout
	}
	logger := slog.Default().With("component", "relay")
	if config.PublicIP == "" {
		ip, err := PublicIP()
		if err != nil {
			logger.Warn("could not detect public IP, reverse SPF will use loopback", "error", err)
			ip = "127.0.0.1"
		}
		config.PublicIP = ip
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.GetMetrics()
	}

	return &Relay{
		config: config,
		deps:   deps,
		logger: logger,
	}, nil
}

// Config returns the effective configuration.
func (r *Relay) Config() Config {
	return r.config
}

func (r *Relay) sessionLogger(ctx context.Context, s *Session) *slog.Logger {
	return logging.FromContext(ctx, r.logger).With(
		"session_id", s.ID,
		"remote_addr", s.RemoteAddress,
		"client_hostname", s.ClientHostname)
}
