// Package resolver provides the DNS lookups used by the relay: MX and TXT
// records for forwarding and policy checks, and address and PTR records for
// SPF and blocklist queries.
package resolver

import (
	"context"
	"errors"
	"net"
	"strings"
)

// ErrNotFound is returned when a name does not exist or has no records of
// the requested type.
var ErrNotFound = errors.New("dns: no such record")

// IsNotFound reports whether err means the record does not exist, as
// opposed to a lookup failure.
func IsNotFound(err error) bool {
	if errors.Is(err, ErrNotFound) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr) && dnsErr.IsNotFound
}

// MX is a mail exchange record.
type MX struct {
	Exchange string
	Priority uint16
}

// Resolver is the DNS interface used throughout the relay. Implementations
// must be safe for concurrent use.
type Resolver interface {
	// LookupMX returns the MX records of domain sorted by ascending
	// priority. Exchange names are lower-cased without the trailing dot.
	LookupMX(ctx context.Context, domain string) ([]MX, error)

	// LookupTXT returns every TXT record of name, each as its list of
	// character-string segments.
	LookupTXT(ctx context.Context, name string) ([][]string, error)

	// LookupIP returns the IPv4 and IPv6 addresses of host.
	LookupIP(ctx context.Context, host string) ([]net.IP, error)

	// LookupAddr returns the PTR names of addr, lower-cased without the
	// trailing dot.
	LookupAddr(ctx context.Context, addr string) ([]string, error)
}

// JoinTXT concatenates the segments of each record.
func JoinTXT(records [][]string) []string {
	joined := make([]string, 0, len(records))
	for _, segments := range records {
		joined = append(joined, strings.Join(segments, ""))
	}
	return joined
}

// normalizeName lower-cases name and strips the root dot.
func normalizeName(name string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(name)), ".")
}
