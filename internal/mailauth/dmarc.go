package mailauth

import (
	"context"
	"strings"

	"github.com/emersion/go-msgauth/dmarc"
	"golang.org/x/net/publicsuffix"

	"github.com/busybox42/mxforward/internal/resolver"
)

// Policy is the outcome of a DMARC policy lookup.
type Policy string

const (
	// PolicyNoRecord means no DMARC record exists for the domain or any of
	// its parents up to the registrable domain.
	PolicyNoRecord   Policy = ""
	PolicyNone       Policy = "none"
	PolicyQuarantine Policy = "quarantine"
	PolicyReject     Policy = "reject"
	// PolicyUnknown means the lookup failed. It is treated like reject.
	PolicyUnknown Policy = "unknown"
)

// RequiresRewrite reports whether mail from a domain with this policy must
// be rewritten to a friendly-from before relaying.
func (p Policy) RequiresRewrite() bool {
	switch p {
	case PolicyQuarantine, PolicyReject, PolicyUnknown:
		return true
	}
	return false
}

func (p Policy) String() string {
	if p == PolicyNoRecord {
		return "no-record"
	}
	return string(p)
}

const maxDMARCDepth = 10

// GetDMARC returns the DMARC policy published for domain. When no record
// exists the parent domains are tried one label at a time, stopping at the
// registrable domain. Lookup errors yield PolicyUnknown. Records that do
// not parse are ignored.
func (v *Validator) GetDMARC(ctx context.Context, domain string) Policy {
	domain = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(domain)), ".")

	registrable, err := publicsuffix.EffectiveTLDPlusOne(domain)
	if err != nil {
		return PolicyNoRecord
	}

	current := domain
	for depth := 0; depth < maxDMARCDepth; depth++ {
		record, err := v.lookupDMARC(ctx, current)
		switch {
		case err == nil:
			return v.parsePolicy(current, record)
		case resolver.IsNotFound(err):
			if current == registrable {
				return PolicyNoRecord
			}
			_, parent, ok := strings.Cut(current, ".")
			if !ok {
				return PolicyNoRecord
			}
			current = parent
		default:
			v.logger.Warn("DMARC lookup failed",
				"domain", current,
				"error", err)
			return PolicyUnknown
		}
	}

	v.logger.Warn("DMARC lookup exceeded maximum depth", "domain", domain)
	return PolicyUnknown
}

// lookupDMARC returns the first v=DMARC1 record at _dmarc.<domain>.
func (v *Validator) lookupDMARC(ctx context.Context, domain string) (string, error) {
	records, err := v.dns.LookupTXT(ctx, "_dmarc."+domain)
	if err != nil {
		return "", err
	}
	for _, txt := range resolver.JoinTXT(records) {
		if strings.HasPrefix(strings.ToLower(strings.TrimSpace(txt)), "v=dmarc1") {
			return txt, nil
		}
	}
	return "", resolver.ErrNotFound
}

func (v *Validator) parsePolicy(domain, record string) Policy {
	rec, err := dmarc.Parse(normalizeDMARC(record))
	if err != nil {
		v.logger.Warn("invalid DMARC record",
			"domain", domain,
			"record", record,
			"error", err)
		return PolicyNoRecord
	}

	switch rec.Policy {
	case dmarc.PolicyNone:
		return PolicyNone
	case dmarc.PolicyQuarantine:
		return PolicyQuarantine
	case dmarc.PolicyReject:
		return PolicyReject
	}
	return PolicyNoRecord
}

// normalizeDMARC trims every tag and lower-cases the policy values so
// that "p = Reject" parses like "p=reject".
func normalizeDMARC(record string) string {
	tags := strings.Split(record, ";")
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		name, value, ok := strings.Cut(tag, "=")
		if !ok {
			if t := strings.TrimSpace(tag); t != "" {
				out = append(out, t)
			}
			continue
		}
		name = strings.ToLower(strings.TrimSpace(name))
		value = strings.TrimSpace(value)
		switch name {
		case "v":
			value = strings.ToUpper(value)
		case "p", "sp", "adkim", "aspf":
			value = strings.ToLower(value)
		}
		out = append(out, name+"="+value)
	}
	return strings.Join(out, "; ")
}
