package relay

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/busybox42/mxforward/internal/delivery"
	"github.com/busybox42/mxforward/internal/forward"
	"github.com/busybox42/mxforward/internal/mailauth"
	"github.com/busybox42/mxforward/internal/message"
	"github.com/busybox42/mxforward/internal/smtperr"
)

// Result summarizes a processed message.
type Result struct {
	Envelope   Envelope
	Rewritten  bool
	SpamScore  float64
	Deliveries []*delivery.Receipt
}

// OnData runs the message pipeline on a received message. Steps run in
// order and the first failure stops processing. Deliveries already made
// before a failure are not undone.
func (r *Relay) OnData(ctx context.Context, s *Session, raw []byte) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, r.config.ProcessTimeout)
	defer cancel()

	logger := r.sessionLogger(ctx, s)
	res, err := r.process(ctx, s, raw, logger)
	if err != nil {
		err = r.reject("data", err)
		logger.Warn("message rejected",
			"from", s.Envelope.MailFrom,
			"code", smtperr.Code(err),
			"error", err)
		return nil, err
	}

	logger.Info("message relayed",
		"from", res.Envelope.MailFrom,
		"to", strings.Join(res.Envelope.RcptTo, ","),
		"rewritten", res.Rewritten,
		"spam_score", res.SpamScore)
	return res, nil
}

func (r *Relay) process(ctx context.Context, s *Session, raw []byte, logger *slog.Logger) (*Result, error) {
	m := r.deps.Metrics
	m.MessageSize.Observe(float64(len(raw)))

	if int64(len(raw)) > r.config.MaxSize {
		return nil, SizeError(r.config.MaxSize)
	}

	mail, err := message.Parse(raw)
	if err != nil {
		if errors.Is(err, message.ErrNoFrom) {
			return nil, smtperr.Wrap(err, smtperr.CodeRejected)
		}
		return nil, err
	}

	// 1. the no-reply address never receives mail
	for _, to := range s.Envelope.RcptTo {
		if strings.EqualFold(to, r.config.NoReply) {
			return nil, r.noReplyError()
		}
	}

	// 2. resolve every recipient to its destination
	start := time.Now()
	destinations, err := r.resolveAll(ctx, s.Envelope.RcptTo)
	m.ObserveStep("resolve", start)
	if err != nil {
		return nil, smtperr.Wrap(err, smtperr.CodeTransient)
	}
	senderDomain := forward.Domain(s.Envelope.MailFrom)
	for _, dest := range destinations {
		if mail.From != nil && strings.EqualFold(dest, mail.From.Address) {
			mail.Relink(senderDomain)
			break
		}
	}

	// 3. the envelope sender is the transaction sender
	env := Envelope{MailFrom: s.Envelope.MailFrom, RcptTo: destinations}

	// 4. forward SPF
	start = time.Now()
	spf, err := r.deps.Auth.ValidateSPF(ctx, s.RemoteAddress, env.MailFrom, s.ClientHostname)
	m.ObserveStep("spf", start)
	if err != nil {
		return nil, err
	}
	m.SPFResults.WithLabelValues("forward", string(spf)).Inc()
	if !spf.In(mailauth.SPFPass, mailauth.SPFNeutral, mailauth.SPFNone, mailauth.SPFSoftFail) {
		return nil, smtperr.Newf(smtperr.CodeRejected,
			`The email you sent has failed SPF validation with a result of %q.  Please try again or check your email service's SPF configuration.`,
			spf)
	}

	// 5. reverse SPF: may this relay send for the sender domain?
	start = time.Now()
	reverse, err := r.deps.Auth.ValidateSPF(ctx, r.config.PublicIP, env.MailFrom, r.config.Exchanges[0])
	m.ObserveStep("reverse_spf", start)
	if err != nil {
		return nil, err
	}
	m.SPFResults.WithLabelValues("reverse", string(reverse)).Inc()
	if !reverse.In(mailauth.SPFPass, mailauth.SPFNeutral, mailauth.SPFNone) {
		r.rewrite(mail, &env, logger, "reverse_spf", "result", reverse)
	}

	// 6. DKIM, only when the message was signed
	if mail.HasDKIMSignature {
		start = time.Now()
		valid, err := r.deps.Auth.ValidateDKIM(ctx, raw)
		m.ObserveStep("dkim", start)
		if err != nil {
			return nil, err
		}
		if !valid {
			return nil, smtperr.New(smtperr.CodeRejected,
				"The email you sent has an invalid DKIM signature, please try again or check your email service's DKIM configuration.")
		}
	}

	// 7. spam score, classifier failures count as zero
	score := r.spamScore(ctx, raw, logger)
	if score >= r.config.SpamThreshold {
		return nil, smtperr.Newf(smtperr.CodeBlocked, "Message detected as spam (spam score was %s)", formatScore(score))
	}

	// 8. drop headers that would conflict with our own signature
	mail.StripHeaders(message.ForeignHeaders...)

	// 9. DMARC of the original sender domain
	start = time.Now()
	policy := r.deps.Auth.GetDMARC(ctx, senderDomain)
	m.ObserveStep("dmarc", start)
	m.DMARCPolicies.WithLabelValues(policy.String()).Inc()
	if policy.RequiresRewrite() {
		r.rewrite(mail, &env, logger, "dmarc", "policy", policy)
	}

	// 10. compose, sign and deliver to each destination
	out, err := mail.Bytes()
	if err != nil {
		return nil, err
	}
	if r.deps.Signer != nil {
		if out, err = r.deps.Signer.Sign(out); err != nil {
			return nil, err
		}
	}

	result := &Result{Envelope: env, Rewritten: mail.Rewritten, SpamScore: score}
	for _, dest := range env.RcptTo {
		start = time.Now()
		receipt, err := r.deps.Transport.Send(ctx, &delivery.Request{
			From: env.MailFrom,
			To:   []string{dest},
			Data: out,
		})
		m.RecordDelivery(err, time.Since(start))
		if err != nil {
			logger.Error("delivery failed", "to", dest, "error", err)
			return nil, err
		}
		logger.Debug("delivered", "to", dest, "host", receipt.Host, "tls", receipt.TLS)
		result.Deliveries = append(result.Deliveries, receipt)
	}

	return result, nil
}

// resolveAll resolves recipients concurrently and returns the distinct
// destinations in recipient order.
func (r *Relay) resolveAll(ctx context.Context, recipients []string) ([]string, error) {
	resolved := make([]string, len(recipients))
	g, gctx := errgroup.WithContext(ctx)
	for i, rcpt := range recipients {
		i, rcpt := i, rcpt
		g.Go(func() error {
			dest, err := r.deps.Forwarder.Resolve(gctx, rcpt)
			if err != nil {
				return err
			}
			resolved[i] = dest
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(resolved))
	unique := make([]string, 0, len(resolved))
	for _, dest := range resolved {
		key := strings.ToLower(dest)
		if seen[key] {
			continue
		}
		seen[key] = true
		unique = append(unique, dest)
	}
	return unique, nil
}

func (r *Relay) rewrite(mail *message.Mail, env *Envelope, logger *slog.Logger, reason string, attrs ...any) {
	mail.RewriteFriendlyFrom(r.config.NoReply)
	env.MailFrom = r.config.NoReply
	r.deps.Metrics.Rewrites.WithLabelValues(reason).Inc()

	logger.Debug("friendly-from rewrite", append([]any{
		"reason", reason,
		"original_from", message.FormatAddress(mail.OriginalFrom()),
	}, attrs...)...)
}

func (r *Relay) spamScore(ctx context.Context, raw []byte, logger *slog.Logger) float64 {
	if r.deps.Classifier == nil {
		return 0
	}

	start := time.Now()
	score, err := r.deps.Classifier.Score(ctx, raw)
	r.deps.Metrics.ObserveStep("spam", start)
	if err != nil {
		logger.Warn("spam classifier failed, treating score as 0",
			"classifier", r.deps.Classifier.Name(),
			"error", err)
		return 0
	}
	r.deps.Metrics.SpamScore.Observe(score)
	return score
}
