// Package mailauth checks the SPF, DKIM and DMARC standing of inbound mail
// and turns the results into relay decisions.
package mailauth

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/emersion/go-msgauth/dkim"

	"github.com/busybox42/mxforward/internal/resolver"
	"github.com/busybox42/mxforward/internal/smtperr"
)

// Validator bundles the authentication checks run by the relay.
type Validator struct {
	dns    resolver.Resolver
	spf    *SPFChecker
	logger *slog.Logger
}

// NewValidator creates a Validator resolving through r.
func NewValidator(r resolver.Resolver) *Validator {
	return &Validator{
		dns:    r,
		spf:    NewSPFChecker(r),
		logger: slog.Default().With("component", "mailauth"),
	}
}

// ValidateSPF checks whether remoteAddress may send mail for from.
// permerror and temperror results are returned as 421 errors so the
// sender retries.
func (v *Validator) ValidateSPF(ctx context.Context, remoteAddress, from, clientHostname string) (SPFResult, error) {
	host := remoteAddress
	if h, _, err := net.SplitHostPort(remoteAddress); err == nil {
		host = h
	}

	result, explanation, err := v.spf.Check(ctx, net.ParseIP(host), from, clientHostname)
	if err != nil {
		return result, smtperr.Wrap(err, smtperr.CodeTransient)
	}
	if result.In(SPFPermError, SPFTempError) {
		return result, smtperr.Newf(smtperr.CodeTransient,
			"SPF validation failed with result %q and explanation %q", result, explanation)
	}
	return result, nil
}

// ValidateDKIM verifies the first DKIM signature of raw. A message without
// signatures is valid. Temporary verification failures, such as a key
// lookup timing out, are returned as 421 errors.
func (v *Validator) ValidateDKIM(ctx context.Context, raw []byte) (bool, error) {
	verifications, err := dkim.VerifyWithOptions(bytes.NewReader(raw), &dkim.VerifyOptions{
		LookupTXT: func(domain string) ([]string, error) {
			records, err := v.dns.LookupTXT(ctx, domain)
			if err != nil {
				return nil, dnsError(domain, err)
			}
			return resolver.JoinTXT(records), nil
		},
	})
	if err != nil {
		return false, smtperr.Wrap(fmt.Errorf("DKIM verification failed: %w", err), smtperr.CodeTransient)
	}
	if len(verifications) == 0 {
		return true, nil
	}

	first := verifications[0]
	if first.Err == nil {
		v.logger.Debug("DKIM signature verified", "domain", first.Domain)
		return true, nil
	}
	if dkim.IsTempFail(first.Err) {
		return false, smtperr.Wrap(fmt.Errorf("DKIM verification failed: %w", first.Err), smtperr.CodeTransient)
	}

	v.logger.Info("DKIM signature invalid",
		"domain", first.Domain,
		"error", first.Err)
	return false, nil
}
