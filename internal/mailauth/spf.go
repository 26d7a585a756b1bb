package mailauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"

	"blitiri.com.ar/go/spf"

	"github.com/busybox42/mxforward/internal/resolver"
)

// SPFResult is an SPF check result as defined in RFC 7208.
type SPFResult string

var (
	SPFNone      SPFResult = SPFResult(spf.None)
	SPFNeutral   SPFResult = SPFResult(spf.Neutral)
	SPFPass      SPFResult = SPFResult(spf.Pass)
	SPFFail      SPFResult = SPFResult(spf.Fail)
	SPFSoftFail  SPFResult = SPFResult(spf.SoftFail)
	SPFTempError SPFResult = SPFResult(spf.TempError)
	SPFPermError SPFResult = SPFResult(spf.PermError)
)

// In reports whether r is one of results.
func (r SPFResult) In(results ...SPFResult) bool {
	for _, x := range results {
		if r == x {
			return true
		}
	}
	return false
}

// SPFChecker evaluates SPF policies through the relay's resolver. It is
// safe for concurrent use.
type SPFChecker struct {
	dns    *spfResolver
	logger *slog.Logger
}

// NewSPFChecker creates an SPFChecker on top of r.
func NewSPFChecker(r resolver.Resolver) *SPFChecker {
	return &SPFChecker{
		dns:    &spfResolver{dns: r},
		logger: slog.Default().With("component", "spf"),
	}
}

// Check evaluates the SPF policy of the sender's domain for ip. When sender
// is empty the HELO name is checked with the "postmaster" local part. The
// returned string explains the result.
func (c *SPFChecker) Check(ctx context.Context, ip net.IP, sender, helo string) (SPFResult, string, error) {
	if ip == nil {
		return SPFPermError, "invalid IP address", errors.New("spf: invalid IP address")
	}
	if !strings.Contains(sender, "@") {
		if helo == "" {
			return SPFNone, "no domain to check", nil
		}
		sender = "postmaster@" + helo
	}

	opts := []spf.Option{spf.WithContext(ctx), spf.WithResolver(c.dns)}
	if c.logger.Enabled(ctx, slog.LevelDebug) {
		opts = append(opts, spf.WithTraceFunc(func(f string, a ...interface{}) {
			c.logger.Debug("spf trace", "step", fmt.Sprintf(f, a...))
		}))
	}
	result, reason := spf.CheckHostWithSender(ip, helo, sender, opts...)

	explanation := string(result)
	if reason != nil {
		explanation = reason.Error()
	}
	c.logger.Debug("SPF check completed",
		"ip", ip.String(),
		"sender", sender,
		"result", string(result),
		"explanation", explanation)
	return SPFResult(result), explanation, nil
}

// spfResolver adapts resolver.Resolver to the lookups the SPF library
// performs. The library classifies failures by inspecting *net.DNSError, so
// every error is converted to one.
type spfResolver struct {
	dns resolver.Resolver
}

func (r *spfResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	records, err := r.dns.LookupTXT(ctx, name)
	if err != nil {
		return nil, dnsError(name, err)
	}
	return resolver.JoinTXT(records), nil
}

func (r *spfResolver) LookupMX(ctx context.Context, name string) ([]*net.MX, error) {
	records, err := r.dns.LookupMX(ctx, name)
	if err != nil {
		return nil, dnsError(name, err)
	}
	mxs := make([]*net.MX, 0, len(records))
	for _, mx := range records {
		mxs = append(mxs, &net.MX{Host: mx.Exchange, Pref: mx.Priority})
	}
	return mxs, nil
}

func (r *spfResolver) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error) {
	ips, err := r.dns.LookupIP(ctx, host)
	if err != nil {
		return nil, dnsError(host, err)
	}
	addrs := make([]net.IPAddr, 0, len(ips))
	for _, ip := range ips {
		addrs = append(addrs, net.IPAddr{IP: ip})
	}
	return addrs, nil
}

// LookupAddr returns fully qualified names, as the ptr mechanism matches
// on a trailing dot.
func (r *spfResolver) LookupAddr(ctx context.Context, addr string) ([]string, error) {
	names, err := r.dns.LookupAddr(ctx, addr)
	if err != nil {
		return nil, dnsError(addr, err)
	}
	fqdns := make([]string, 0, len(names))
	for _, name := range names {
		fqdns = append(fqdns, name+".")
	}
	return fqdns, nil
}

// dnsError converts a resolver error to the *net.DNSError form that
// mail authentication libraries use to tell missing records from
// temporary failures.
func dnsError(name string, err error) *net.DNSError {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr
	}
	notFound := resolver.IsNotFound(err)
	return &net.DNSError{
		Err:         err.Error(),
		Name:        name,
		IsNotFound:  notFound,
		IsTemporary: !notFound,
	}
}
