package relay

import (
	"context"
	"strings"

	"github.com/busybox42/mxforward/internal/domainfilter"
	"github.com/busybox42/mxforward/internal/resolver"
	"github.com/busybox42/mxforward/internal/smtperr"
)

// OnConnect admits a connection when the client hostname is fully qualified
// and the remote address is not on the blocklist. Blocklist failures are
// ignored.
func (r *Relay) OnConnect(ctx context.Context, s *Session) error {
	logger := r.sessionLogger(ctx, s)

	if !domainfilter.IsFQDN(s.ClientHostname) {
		return r.reject("connect", smtperr.Newf(smtperr.CodeRejected, "%s is not a FQDN", s.ClientHostname))
	}

	if r.deps.Blocklist == nil {
		return nil
	}

	ip := hostOnly(s.RemoteAddress)
	listed, err := r.deps.Blocklist.Lookup(ctx, ip, r.config.DNSBLZone)
	if err != nil {
		logger.Warn("DNSBL lookup failed, allowing connection", "zone", r.config.DNSBLZone, "error", err)
		return nil
	}
	if listed {
		return r.reject("connect", smtperr.Newf(smtperr.CodeBlocked,
			"Your IP address of %s is listed on the %s DNS Blacklist.  See https://www.spamhaus.org/query/ip/%s for more information.",
			ip, r.config.DNSBLZone, ip))
	}
	return nil
}

// OnMailFrom rate limits the sender and checks that its domain has MX
// records. The relay's own no-reply address is never rate limited.
func (r *Relay) OnMailFrom(ctx context.Context, s *Session, from string) error {
	if from == "" {
		return r.reject("mail", smtperr.New(smtperr.CodeRejected, "Null sender is not permitted"))
	}

	if !strings.EqualFold(from, r.config.NoReply) {
		if _, err := r.deps.Limiter.Check(ctx, from); err != nil {
			return r.reject("mail", smtperr.Wrap(err, smtperr.CodeTransient))
		}
	}
	if _, err := r.validateMX(ctx, from); err != nil {
		return r.reject("mail", err)
	}

	s.Envelope = Envelope{MailFrom: from}
	return nil
}

// OnRcptTo accepts a recipient whose domain publishes a valid forwarding
// record and lists every exchange of this relay in its MX set.
func (r *Relay) OnRcptTo(ctx context.Context, s *Session, to string) error {
	if strings.EqualFold(to, r.config.NoReply) {
		return r.reject("rcpt", r.noReplyError())
	}

	if _, err := r.deps.Forwarder.Resolve(ctx, to); err != nil {
		return r.reject("rcpt", smtperr.Wrap(err, smtperr.CodeTransient))
	}

	records, err := r.validateMX(ctx, to)
	if err != nil {
		return r.reject("rcpt", err)
	}

	if missing := missingExchanges(r.config.Exchanges, records); len(missing) > 0 {
		return r.reject("rcpt", smtperr.Newf(smtperr.CodeRejected,
			"Missing required DNS MX records: %s", strings.Join(missing, ", ")))
	}

	s.Envelope.RcptTo = append(s.Envelope.RcptTo, to)
	return nil
}

// validateMX checks the domain of address and returns its MX records.
func (r *Relay) validateMX(ctx context.Context, address string) ([]resolver.MX, error) {
	domain, err := r.deps.Forwarder.ParseDomain(address)
	if err != nil {
		return nil, smtperr.Wrap(err, smtperr.CodeTransient)
	}

	records, err := r.deps.DNS.LookupMX(ctx, domain)
	if resolver.IsNotFound(err) || (err == nil && len(records) == 0) {
		return nil, smtperr.ErrInvalidMX
	}
	if err != nil {
		return nil, smtperr.Wrap(err, smtperr.CodeTransient)
	}
	return records, nil
}

func missingExchanges(required []string, records []resolver.MX) []string {
	have := make(map[string]bool, len(records))
	for _, mx := range records {
		have[strings.ToLower(strings.TrimSuffix(mx.Exchange, "."))] = true
	}

	var missing []string
	for _, exchange := range required {
		if !have[strings.ToLower(exchange)] {
			missing = append(missing, exchange)
		}
	}
	return missing
}

func (r *Relay) noReplyError() error {
	return smtperr.Newf(smtperr.CodeRejected,
		`You need to reply to the "Reply-To" email address on the email; do not send messages to <%s>`,
		r.config.NoReply)
}

// reject records the rejection and returns err with a code.
func (r *Relay) reject(stage string, err error) error {
	err = smtperr.Wrap(err, smtperr.DefaultCode)
	r.deps.Metrics.RecordRejection(stage, smtperr.Code(err))
	return err
}
