package resolver

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"
)

// CacheStats tracks cache effectiveness.
type CacheStats struct {
	Queries   int64
	Hits      int64
	Misses    int64
	Errors    int64
	Evictions int64
	Size      int
}

type cacheEntry struct {
	value     any
	err       error
	expiresAt time.Time
	lastHit   time.Time
}

// Cache wraps a Resolver with a bounded TTL cache. Successful answers and
// not-found answers are cached; other errors never are.
type Cache struct {
	next    Resolver
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	logger  *slog.Logger

	mu      sync.Mutex
	entries map[string]*cacheEntry
	stats   CacheStats
}

// NewCache creates a caching Resolver in front of next.
func NewCache(next Resolver, ttl time.Duration, maxSize int) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &Cache{
		next:    next,
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		logger:  slog.Default().With("component", "dns-cache"),
		entries: make(map[string]*cacheEntry),
	}
}

// LookupMX implements Resolver.
func (c *Cache) LookupMX(ctx context.Context, domain string) ([]MX, error) {
	v, err := c.lookup("mx:"+normalizeName(domain), func() (any, error) {
		return c.next.LookupMX(ctx, domain)
	})
	records, _ := v.([]MX)
	return records, err
}

// LookupTXT implements Resolver.
func (c *Cache) LookupTXT(ctx context.Context, name string) ([][]string, error) {
	v, err := c.lookup("txt:"+normalizeName(name), func() (any, error) {
		return c.next.LookupTXT(ctx, name)
	})
	records, _ := v.([][]string)
	return records, err
}

// LookupIP implements Resolver.
func (c *Cache) LookupIP(ctx context.Context, host string) ([]net.IP, error) {
	v, err := c.lookup("ip:"+normalizeName(host), func() (any, error) {
		return c.next.LookupIP(ctx, host)
	})
	ips, _ := v.([]net.IP)
	return ips, err
}

// LookupAddr implements Resolver.
func (c *Cache) LookupAddr(ctx context.Context, addr string) ([]string, error) {
	v, err := c.lookup("ptr:"+normalizeName(addr), func() (any, error) {
		return c.next.LookupAddr(ctx, addr)
	})
	names, _ := v.([]string)
	return names, err
}

// Stats returns a snapshot of the cache statistics.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Size = len(c.entries)
	return s
}

func (c *Cache) lookup(key string, fetch func() (any, error)) (any, error) {
	now := c.now()

	c.mu.Lock()
	c.stats.Queries++
	if entry, ok := c.entries[key]; ok {
		if now.Before(entry.expiresAt) {
			entry.lastHit = now
			c.stats.Hits++
			c.mu.Unlock()
			c.logger.Debug("DNS cache hit", "key", key)
			return entry.value, entry.err
		}
		delete(c.entries, key)
		c.stats.Evictions++
	}
	c.stats.Misses++
	c.mu.Unlock()

	value, err := fetch()
	if err != nil && !IsNotFound(err) {
		c.mu.Lock()
		c.stats.Errors++
		c.mu.Unlock()
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= c.maxSize {
		c.evictLRU()
	}
	c.entries[key] = &cacheEntry{
		value:     value,
		err:       err,
		expiresAt: now.Add(c.ttl),
		lastHit:   now,
	}
	return value, err
}

// evictLRU removes the least recently used entry. Callers hold c.mu.
func (c *Cache) evictLRU() {
	var oldestKey string
	var oldest time.Time
	for key, entry := range c.entries {
		if oldestKey == "" || entry.lastHit.Before(oldest) {
			oldestKey = key
			oldest = entry.lastHit
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
		c.stats.Evictions++
	}
}
