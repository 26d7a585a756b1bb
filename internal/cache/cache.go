// Package cache provides the shared counter stores used for rate limiting.
// Counters are fixed windows: the first increment of a key starts a window
// of the requested length and later increments inside it share the same
// reset time.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Common errors
var (
	ErrNotConnected = errors.New("not connected to counter store")
)

// Window is the state of a counter after an increment.
type Window struct {
	Count   int64
	ResetAt time.Time
}

// Counter is an atomic increment-and-read store shared between relay
// instances.
type Counter interface {
	// Connect establishes a connection to the store
	Connect(ctx context.Context) error

	// Close closes the connection to the store
	Close() error

	// Type returns the backend name (e.g. "redis", "memcached")
	Type() string

	// Incr increments key, starting a new window of length window if the
	// key does not exist, and returns the count and the window reset time.
	Incr(ctx context.Context, key string, window time.Duration) (Window, error)
}

// Config represents the configuration for a counter store
type Config struct {
	Type      string // memory, redis, memcached or valkey
	Address   string // host:port, comma separated for memcached
	Password  string
	Database  int
	KeyPrefix string
}

// New creates a counter store from configuration. The store is not
// connected yet.
func New(config Config) (Counter, error) {
	switch config.Type {
	case "", "memory":
		return NewMemory(config), nil
	case "redis":
		return NewRedis(config), nil
	case "memcached":
		return NewMemcached(config), nil
	case "valkey":
		return NewValkey(config), nil
	default:
		return nil, fmt.Errorf("unsupported counter store type: %s", config.Type)
	}
}
