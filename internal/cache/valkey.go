package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/valkey-io/valkey-go"
)

// Valkey implements Counter on Valkey
type Valkey struct {
	config Config
	mu     sync.RWMutex
	client valkey.Client
	now    func() time.Time
}

// NewValkey creates a new Valkey counter store
func NewValkey(config Config) *Valkey {
	if config.Address == "" {
		config.Address = "localhost:6379"
	}
	return &Valkey{config: config, now: time.Now}
}

// Connect establishes a connection to Valkey
func (v *Valkey) Connect(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress: []string{v.config.Address},
		Password:    v.config.Password,
		SelectDB:    v.config.Database,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to Valkey: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return fmt.Errorf("failed to ping Valkey: %w", err)
	}

	v.client = client
	return nil
}

// Close closes the connection to Valkey
func (v *Valkey) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.client != nil {
		v.client.Close()
		v.client = nil
	}
	return nil
}

// Type returns the type of this store
func (v *Valkey) Type() string { return "valkey" }

// Incr implements Counter.
func (v *Valkey) Incr(ctx context.Context, key string, window time.Duration) (Window, error) {
	v.mu.RLock()
	client := v.client
	v.mu.RUnlock()
	if client == nil {
		return Window{}, ErrNotConnected
	}

	key = v.config.KeyPrefix + key
	results := client.DoMulti(ctx,
		client.B().Multi().Build(),
		client.B().Set().Key(key).Value("0").Nx().PxMilliseconds(window.Milliseconds()).Build(),
		client.B().Incr().Key(key).Build(),
		client.B().Pttl().Key(key).Build(),
		client.B().Exec().Build(),
	)

	exec, err := results[4].ToArray()
	if err != nil {
		return Window{}, fmt.Errorf("valkey incr %s: %w", key, err)
	}
	if len(exec) != 3 {
		return Window{}, fmt.Errorf("valkey incr %s: unexpected reply length %d", key, len(exec))
	}

	count, err := exec[1].AsInt64()
	if err != nil {
		return Window{}, fmt.Errorf("valkey incr %s: %w", key, err)
	}
	pttl, err := exec[2].AsInt64()
	if err != nil {
		return Window{}, fmt.Errorf("valkey pttl %s: %w", key, err)
	}

	remaining := time.Duration(pttl) * time.Millisecond
	if pttl < 0 {
		if err := client.Do(ctx, client.B().Pexpire().Key(key).Milliseconds(window.Milliseconds()).Build()).Error(); err != nil {
			return Window{}, fmt.Errorf("valkey expire %s: %w", key, err)
		}
		remaining = window
	}

	return Window{Count: count, ResetAt: v.now().Add(remaining)}, nil
}
