// Package forward resolves recipient addresses to their destination
// mailboxes using the "forward-email=" TXT records published on the
// recipient's domain.
//
// A domain publishes a comma separated list of aliases:
//
//	forward-email=hello:alice@gmail.com,support:bob@fastmail.com,carol@proton.me
//
// "user:destination" entries forward one local part; an entry without a
// colon is the catch-all for every other local part. Plus tags on the
// recipient are carried over to the destination.
package forward

import (
	"context"
	"log/slog"
	"strings"

	"github.com/busybox42/mxforward/internal/domainfilter"
	"github.com/busybox42/mxforward/internal/resolver"
	"github.com/busybox42/mxforward/internal/smtperr"
)

// RecordPrefix marks the TXT records holding forwarding rules.
const RecordPrefix = "forward-email="

// DomainChecker is the subset of domainfilter.Filters used here.
type DomainChecker interface {
	IsBlacklisted(domain string) bool
	IsDisposable(domain string) bool
}

// Resolver maps recipient addresses to destination addresses.
type Resolver struct {
	dns     resolver.Resolver
	filters DomainChecker
	logger  *slog.Logger
}

// New creates a Resolver.
func New(dns resolver.Resolver, filters DomainChecker) *Resolver {
	return &Resolver{
		dns:     dns,
		filters: filters,
		logger:  slog.Default().With("component", "forward"),
	}
}

// ParseDomain extracts the domain of address and rejects blacklisted,
// unqualified and disposable domains with 550.
func (r *Resolver) ParseDomain(address string) (string, error) {
	domain := Domain(address)

	if r.filters.IsBlacklisted(domain) {
		return "", smtperr.New(smtperr.CodeRejected, "Blacklisted domains are not permitted")
	}
	if !domainfilter.IsFQDN(domain) {
		return "", smtperr.Newf(smtperr.CodeRejected, "%s is not a FQDN", domain)
	}
	if r.filters.IsDisposable(domain) {
		return "", smtperr.New(smtperr.CodeRejected, "Disposable email addresses are not permitted")
	}
	return domain, nil
}

// Lookup returns the alias entries published for domain.
func (r *Resolver) Lookup(ctx context.Context, domain string) ([]string, error) {
	records, err := r.dns.LookupTXT(ctx, domain)
	if resolver.IsNotFound(err) {
		return nil, smtperr.ErrInvalidForwardRecord
	}
	if err != nil {
		return nil, smtperr.Wrap(err, smtperr.CodeTransient)
	}
	return ParseRecords(records)
}

// ParseRecords turns raw TXT records into lower-cased alias entries.
// Segments of one record are concatenated, records without the
// forward-email= prefix are ignored and the remaining values are joined
// with commas.
func ParseRecords(records [][]string) ([]string, error) {
	var values []string
	for _, value := range resolver.JoinTXT(records) {
		if strings.HasPrefix(value, RecordPrefix) {
			values = append(values, strings.TrimPrefix(value, RecordPrefix))
		}
	}

	record := strings.TrimSpace(collapseCommas(strings.Join(values, ",")))
	if record == "" {
		return nil, smtperr.ErrInvalidForwardRecord
	}

	parts := strings.Split(record, ",")
	entries := make([]string, 0, len(parts))
	for _, p := range parts {
		entries = append(entries, strings.ToLower(strings.TrimSpace(p)))
	}
	if len(entries) == 0 {
		return nil, smtperr.ErrInvalidForwardRecord
	}
	return entries, nil
}

func collapseCommas(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	prev := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == ',' && prev {
			continue
		}
		prev = c == ','
		b.WriteByte(c)
	}
	return b.String()
}

// Resolve returns the destination for recipient. Any problem with the
// domain's records is reported as smtperr.ErrInvalidForwardRecord.
func (r *Resolver) Resolve(ctx context.Context, recipient string) (string, error) {
	address := ParseAddress(recipient)

	domain, err := r.ParseDomain(address)
	if err != nil {
		return "", err
	}

	entries, err := r.Lookup(ctx, domain)
	if err != nil {
		return "", err
	}

	username := ParseUsername(address)

	var destination, global string
	for _, entry := range entries {
		parts := strings.Split(entry, ":")
		switch len(parts) {
		case 1:
			if !domainfilter.IsEmail(entry) {
				continue
			}
			if _, err := r.ParseDomain(entry); err != nil {
				return "", err
			}
			global = entry
		case 2:
			if parts[0] == username {
				destination = strings.TrimSpace(parts[1])
			}
		default:
			return "", smtperr.ErrInvalidForwardRecord
		}
		if destination != "" {
			break
		}
	}

	if destination == "" {
		destination = global
	} else {
		if !domainfilter.IsEmail(destination) {
			return "", smtperr.ErrInvalidForwardRecord
		}
		if _, err := r.ParseDomain(destination); err != nil {
			return "", err
		}
	}
	if destination == "" {
		return "", smtperr.ErrInvalidForwardRecord
	}

	if HasFilter(address) {
		destination = ParseUsername(destination) + "+" + ParseFilter(address) + "@" + Domain(destination)
	}

	r.logger.Debug("resolved forwarding address",
		"recipient", address,
		"destination", destination)
	return destination, nil
}
