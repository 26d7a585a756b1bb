// Package dnsbl queries DNS-based IP blocklists.
package dnsbl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"

	"github.com/busybox42/mxforward/internal/resolver"
)

// ErrInvalidIP is returned for addresses that cannot be parsed.
var ErrInvalidIP = errors.New("dnsbl: invalid IP address")

// Checker looks up addresses in a blocklist zone.
type Checker struct {
	resolver resolver.Resolver
	logger   *slog.Logger
}

// NewChecker creates a Checker using r for queries.
func NewChecker(r resolver.Resolver) *Checker {
	return &Checker{
		resolver: r,
		logger:   slog.Default().With("component", "dnsbl"),
	}
}

// Lookup reports whether ip is listed in zone. A missing record means the
// address is not listed. Answers in 127.255.255.0/24 are the list operator
// refusing the query and are returned as errors.
func (c *Checker) Lookup(ctx context.Context, ip, zone string) (bool, error) {
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		return false, fmt.Errorf("%w: %q", ErrInvalidIP, ip)
	}

	name := QueryName(parsed, zone)
	addrs, err := c.resolver.LookupIP(ctx, name)
	if resolver.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dnsbl lookup %s: %w", name, err)
	}

	for _, a := range addrs {
		v4 := a.To4()
		if v4 == nil {
			continue
		}
		if v4[0] == 127 && v4[1] == 255 && v4[2] == 255 {
			return false, fmt.Errorf("dnsbl %s refused query with %s", zone, v4)
		}
		c.logger.Debug("address listed",
			"ip", parsed.String(),
			"zone", zone,
			"response", v4.String())
		return true, nil
	}
	return false, nil
}

// QueryName builds the blocklist query name for ip: reversed octets for
// IPv4, reversed nibbles for IPv6.
func QueryName(ip net.IP, zone string) string {
	var b strings.Builder
	if v4 := ip.To4(); v4 != nil {
		for i := len(v4) - 1; i >= 0; i-- {
			b.WriteString(strconv.Itoa(int(v4[i])))
			b.WriteByte('.')
		}
	} else {
		const hex = "0123456789abcdef"
		v6 := ip.To16()
		for i := len(v6) - 1; i >= 0; i-- {
			b.WriteByte(hex[v6[i]&0xf])
			b.WriteByte('.')
			b.WriteByte(hex[v6[i]>>4])
			b.WriteByte('.')
		}
	}
	b.WriteString(strings.TrimSuffix(zone, "."))
	return b.String()
}
