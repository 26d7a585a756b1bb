package cache

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	count   int64
	resetAt time.Time
}

// Memory is an in-process counter store. It does not share state between
// relay instances and is meant for single-node deployments and tests.
type Memory struct {
	config  Config
	now     func() time.Time
	mu      sync.Mutex
	entries map[string]*memoryEntry
}

// NewMemory creates a new in-memory counter store
func NewMemory(config Config) *Memory {
	return &Memory{
		config:  config,
		now:     time.Now,
		entries: make(map[string]*memoryEntry),
	}
}

// Connect is a no-op for the in-memory store
func (m *Memory) Connect(ctx context.Context) error { return nil }

// Close drops all counters
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]*memoryEntry)
	return nil
}

// Type returns the type of this store
func (m *Memory) Type() string { return "memory" }

// Incr implements Counter.
func (m *Memory) Incr(ctx context.Context, key string, window time.Duration) (Window, error) {
	if err := ctx.Err(); err != nil {
		return Window{}, err
	}

	key = m.config.KeyPrefix + key
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[key]
	if !ok || !now.Before(entry.resetAt) {
		entry = &memoryEntry{resetAt: now.Add(window)}
		m.entries[key] = entry
		m.sweep(now)
	}
	entry.count++

	return Window{Count: entry.count, ResetAt: entry.resetAt}, nil
}

// sweep drops expired windows once the map has grown. Callers hold m.mu.
func (m *Memory) sweep(now time.Time) {
	if len(m.entries) < 1024 {
		return
	}
	for k, e := range m.entries {
		if !now.Before(e.resetAt) {
			delete(m.entries, k)
		}
	}
}
