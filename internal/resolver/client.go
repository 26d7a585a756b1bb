package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"time"

	"github.com/miekg/dns"
)

// ClientOptions configures a Client.
type ClientOptions struct {
	// Servers are queried in order; entries without a port use 53.
	Servers []string
	Timeout time.Duration
	Retries int
}

// Client resolves names against an explicit list of recursive servers.
type Client struct {
	udp     *dns.Client
	tcp     *dns.Client
	servers []string
	timeout time.Duration
	retries int
	logger  *slog.Logger
}

// NewClient creates a Client. Defaults are a 5s timeout, two retries and the
// OpenDNS resolvers.
func NewClient(opts ClientOptions) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if len(opts.Servers) == 0 {
		opts.Servers = []string{"208.67.222.222", "208.67.220.220"}
	}

	servers := make([]string, 0, len(opts.Servers))
	for _, s := range opts.Servers {
		if _, _, err := net.SplitHostPort(s); err != nil {
			s = net.JoinHostPort(s, "53")
		}
		servers = append(servers, s)
	}

	return &Client{
		udp:     &dns.Client{Net: "udp", Timeout: opts.Timeout},
		tcp:     &dns.Client{Net: "tcp", Timeout: opts.Timeout},
		servers: servers,
		timeout: opts.Timeout,
		retries: opts.Retries,
		logger:  slog.Default().With("component", "dns-client"),
	}
}

// LookupMX implements Resolver.
func (c *Client) LookupMX(ctx context.Context, domain string) ([]MX, error) {
	answers, err := c.query(ctx, domain, dns.TypeMX)
	if err != nil {
		return nil, err
	}

	var records []MX
	for _, rr := range answers {
		if mx, ok := rr.(*dns.MX); ok {
			records = append(records, MX{Exchange: normalizeName(mx.Mx), Priority: mx.Preference})
		}
	}
	if len(records) == 0 {
		return nil, ErrNotFound
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Priority < records[j].Priority
	})
	return records, nil
}

// LookupTXT implements Resolver.
func (c *Client) LookupTXT(ctx context.Context, name string) ([][]string, error) {
	answers, err := c.query(ctx, name, dns.TypeTXT)
	if err != nil {
		return nil, err
	}

	var records [][]string
	for _, rr := range answers {
		if txt, ok := rr.(*dns.TXT); ok {
			records = append(records, txt.Txt)
		}
	}
	if len(records) == 0 {
		return nil, ErrNotFound
	}
	return records, nil
}

// LookupIP implements Resolver. The host is not found only when neither an
// A nor an AAAA record exists.
func (c *Client) LookupIP(ctx context.Context, host string) ([]net.IP, error) {
	var ips []net.IP
	var lastErr error
	found := false

	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		answers, err := c.query(ctx, host, qtype)
		if err != nil {
			if !IsNotFound(err) {
				lastErr = err
			}
			continue
		}
		for _, rr := range answers {
			switch v := rr.(type) {
			case *dns.A:
				ips = append(ips, v.A)
				found = true
			case *dns.AAAA:
				ips = append(ips, v.AAAA)
				found = true
			}
		}
	}

	if found {
		return ips, nil
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, ErrNotFound
}

// LookupAddr implements Resolver.
func (c *Client) LookupAddr(ctx context.Context, addr string) ([]string, error) {
	arpa, err := dns.ReverseAddr(addr)
	if err != nil {
		return nil, fmt.Errorf("dns: %w", err)
	}
	answers, err := c.query(ctx, arpa, dns.TypePTR)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, rr := range answers {
		if ptr, ok := rr.(*dns.PTR); ok {
			names = append(names, normalizeName(ptr.Ptr))
		}
	}
	if len(names) == 0 {
		return nil, ErrNotFound
	}
	return names, nil
}

// query sends one question, walking the server list and retrying transport
// failures and SERVFAIL answers.
func (c *Client) query(ctx context.Context, name string, qtype uint16) ([]dns.RR, error) {
	if name == "" {
		return nil, fmt.Errorf("dns: empty name")
	}

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), qtype)
	msg.RecursionDesired = true

	var lastErr error
	for _, server := range c.servers {
		for attempt := 0; attempt <= c.retries; attempt++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			resp, err := c.exchange(ctx, msg, server)
			if err != nil {
				lastErr = err
				c.logger.Debug("DNS query failed",
					"name", name,
					"type", dns.TypeToString[qtype],
					"server", server,
					"attempt", attempt+1,
					"error", err)
				continue
			}

			switch resp.Rcode {
			case dns.RcodeSuccess:
				answers := make([]dns.RR, 0, len(resp.Answer))
				for _, rr := range resp.Answer {
					if rr.Header().Rrtype == qtype {
						answers = append(answers, rr)
					}
				}
				if len(answers) == 0 {
					return nil, fmt.Errorf("%s %s: %w", dns.TypeToString[qtype], name, ErrNotFound)
				}
				return answers, nil
			case dns.RcodeNameError:
				return nil, fmt.Errorf("%s %s: %w", dns.TypeToString[qtype], name, ErrNotFound)
			default:
				lastErr = fmt.Errorf("dns: %s for %s %s", dns.RcodeToString[resp.Rcode], dns.TypeToString[qtype], name)
			}
		}
	}
	return nil, lastErr
}

func (c *Client) exchange(ctx context.Context, msg *dns.Msg, server string) (*dns.Msg, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, _, err := c.udp.ExchangeContext(ctx, msg, server)
	if err != nil {
		return nil, err
	}
	if resp.Truncated {
		resp, _, err = c.tcp.ExchangeContext(ctx, msg, server)
		if err != nil {
			return nil, err
		}
	}
	return resp, nil
}
