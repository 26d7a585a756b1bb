package api

import (
	"fmt"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig throttles API callers per client address.
type RateLimitConfig struct {
	Enabled           bool     `toml:"enabled" yaml:"enabled" json:"enabled"`
	RequestsPerSecond float64  `toml:"requests_per_second" yaml:"requests_per_second" json:"requests_per_second"`
	Burst             int      `toml:"burst" yaml:"burst" json:"burst"`
	TrustedProxies    []string `toml:"trusted_proxies" yaml:"trusted_proxies" json:"trusted_proxies"`
}

const (
	defaultRequestsPerSecond = 10
	defaultBurst             = 20
	clientIdleTimeout        = 10 * time.Minute
)

type clientBucket struct {
	limiter *rate.Limiter
	seen    time.Time
}

// clientLimits holds one token bucket per caller. Buckets idle for longer
// than idle are dropped on the next sweep.
type clientLimits struct {
	every   rate.Limit
	burst   int
	proxies []netip.Prefix
	idle    time.Duration
	now     func() time.Time

	mu      sync.Mutex
	buckets map[netip.Addr]*clientBucket
	swept   time.Time
}

// newClientLimits returns nil when throttling is disabled.
func newClientLimits(cfg RateLimitConfig) (*clientLimits, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	proxies, err := parseProxies(cfg.TrustedProxies)
	if err != nil {
		return nil, err
	}

	l := &clientLimits{
		every:   rate.Limit(cfg.RequestsPerSecond),
		burst:   cfg.Burst,
		proxies: proxies,
		idle:    clientIdleTimeout,
		now:     time.Now,
		buckets: make(map[netip.Addr]*clientBucket),
	}
	if l.every <= 0 {
		l.every = defaultRequestsPerSecond
	}
	if l.burst <= 0 {
		l.burst = defaultBurst
	}
	return l, nil
}

// parseProxies accepts single addresses and CIDR prefixes.
func parseProxies(entries []string) ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("invalid trusted proxy %q: %w", entry, err)
			}
			prefixes = append(prefixes, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", entry, err)
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

func (l *clientLimits) allow(addr netip.Addr) bool {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.swept) >= l.idle {
		for a, b := range l.buckets {
			if now.Sub(b.seen) >= l.idle {
				delete(l.buckets, a)
			}
		}
		l.swept = now
	}

	b, ok := l.buckets[addr]
	if !ok {
		b = &clientBucket{limiter: rate.NewLimiter(l.every, l.burst)}
		l.buckets[addr] = b
	}
	b.seen = now
	return b.limiter.AllowN(now, 1)
}

func (l *clientLimits) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func trusted(addr netip.Addr, proxies []netip.Prefix) bool {
	for _, p := range proxies {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// clientAddr returns the address a request is charged to. Forwarding
// headers count only when the peer is a trusted proxy; the rightmost
// untrusted X-Forwarded-For hop is the client.
func clientAddr(r *http.Request, proxies []netip.Prefix) netip.Addr {
	var peer netip.Addr
	if ap, err := netip.ParseAddrPort(r.RemoteAddr); err == nil {
		peer = ap.Addr().Unmap()
	} else if a, err := netip.ParseAddr(r.RemoteAddr); err == nil {
		peer = a.Unmap()
	}
	if !trusted(peer, proxies) {
		return peer
	}

	hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
		if err != nil {
			continue
		}
		if hop = hop.Unmap(); !trusted(hop, proxies) {
			return hop
		}
	}
	if real, err := netip.ParseAddr(strings.TrimSpace(r.Header.Get("X-Real-IP"))); err == nil {
		return real.Unmap()
	}
	return peer
}

// throttle rejects callers over their request budget with 429.
func (s *Server) throttle(next http.Handler) http.Handler {
	if s.limits == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limits.allow(clientAddr(r, s.limits.proxies)) {
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// accessLog logs each request at debug level.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr,
			"status", rec.status,
			"duration", time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
