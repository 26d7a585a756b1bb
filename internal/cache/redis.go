package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis implements Counter on Redis
type Redis struct {
	config Config
	mu     sync.RWMutex
	client *redis.Client
	now    func() time.Time
}

// NewRedis creates a new Redis counter store
func NewRedis(config Config) *Redis {
	if config.Address == "" {
		config.Address = "localhost:6379"
	}
	return &Redis{config: config, now: time.Now}
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client *redis.Client, config Config) *Redis {
	return &Redis{config: config, client: client, now: time.Now}
}

// Connect establishes a connection to Redis
func (r *Redis) Connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.client == nil {
		r.client = redis.NewClient(&redis.Options{
			Addr:     r.config.Address,
			Password: r.config.Password,
			DB:       r.config.Database,
		})
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return nil
}

// Close closes the connection to Redis
func (r *Redis) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.client == nil {
		return nil
	}
	err := r.client.Close()
	r.client = nil
	return err
}

// Type returns the type of this store
func (r *Redis) Type() string { return "redis" }

// Incr implements Counter. SETNX, INCR and PTTL run in one MULTI/EXEC so
// concurrent relays see consistent windows.
func (r *Redis) Incr(ctx context.Context, key string, window time.Duration) (Window, error) {
	r.mu.RLock()
	client := r.client
	r.mu.RUnlock()
	if client == nil {
		return Window{}, ErrNotConnected
	}

	key = r.config.KeyPrefix + key

	var incr *redis.IntCmd
	var ttl *redis.DurationCmd
	_, err := client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SetNX(ctx, key, 0, window)
		incr = pipe.Incr(ctx, key)
		ttl = pipe.PTTL(ctx, key)
		return nil
	})
	if err != nil {
		return Window{}, fmt.Errorf("redis incr %s: %w", key, err)
	}

	remaining := ttl.Val()
	if remaining < 0 {
		// The key lost its expiry; start the window over.
		if err := client.PExpire(ctx, key, window).Err(); err != nil {
			return Window{}, fmt.Errorf("redis expire %s: %w", key, err)
		}
		remaining = window
	}

	return Window{Count: incr.Val(), ResetAt: r.now().Add(remaining)}, nil
}
