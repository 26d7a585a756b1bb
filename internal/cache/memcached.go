package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

// Memcached implements Counter on memcached. Each counter has a companion
// key holding the window reset time, since memcached cannot report TTLs.
type Memcached struct {
	config Config
	mu     sync.RWMutex
	client *memcache.Client
	now    func() time.Time
}

// NewMemcached creates a new memcached counter store
func NewMemcached(config Config) *Memcached {
	if config.Address == "" {
		config.Address = "localhost:11211"
	}
	return &Memcached{config: config, now: time.Now}
}

// Connect establishes a connection to memcached
func (m *Memcached) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var servers []string
	for _, s := range strings.Split(m.config.Address, ",") {
		if s = strings.TrimSpace(s); s != "" {
			servers = append(servers, s)
		}
	}

	client := memcache.New(servers...)
	client.Timeout = 2 * time.Second
	if err := client.Ping(); err != nil {
		return fmt.Errorf("failed to connect to memcached: %w", err)
	}
	m.client = client
	return nil
}

// Close closes the connection to memcached
func (m *Memcached) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.client = nil
	return nil
}

// Type returns the type of this store
func (m *Memcached) Type() string { return "memcached" }

// Incr implements Counter.
func (m *Memcached) Incr(ctx context.Context, key string, window time.Duration) (Window, error) {
	m.mu.RLock()
	client := m.client
	m.mu.RUnlock()
	if client == nil {
		return Window{}, ErrNotConnected
	}

	key = m.config.KeyPrefix + key
	resetKey := key + ":reset"
	exp := int32((window + time.Second - 1) / time.Second)

	for attempt := 0; attempt < 2; attempt++ {
		if err := ctx.Err(); err != nil {
			return Window{}, err
		}

		now := m.now()
		err := client.Add(&memcache.Item{Key: key, Value: []byte("0"), Expiration: exp})
		if err == nil {
			resetAt := strconv.FormatInt(now.Add(window).UnixMilli(), 10)
			if err := client.Set(&memcache.Item{Key: resetKey, Value: []byte(resetAt), Expiration: exp}); err != nil {
				return Window{}, fmt.Errorf("memcached set %s: %w", resetKey, err)
			}
		} else if !errors.Is(err, memcache.ErrNotStored) {
			return Window{}, fmt.Errorf("memcached add %s: %w", key, err)
		}

		count, err := client.Increment(key, 1)
		if errors.Is(err, memcache.ErrCacheMiss) {
			// Window expired between Add and Increment.
			continue
		}
		if err != nil {
			return Window{}, fmt.Errorf("memcached incr %s: %w", key, err)
		}

		return Window{Count: int64(count), ResetAt: m.resetTime(client, resetKey, now, window)}, nil
	}
	return Window{}, fmt.Errorf("memcached incr %s: window kept expiring", key)
}

func (m *Memcached) resetTime(client *memcache.Client, resetKey string, now time.Time, window time.Duration) time.Time {
	item, err := client.Get(resetKey)
	if err != nil {
		return now.Add(window)
	}
	ms, err := strconv.ParseInt(string(item.Value), 10, 64)
	if err != nil {
		return now.Add(window)
	}
	return time.UnixMilli(ms)
}
