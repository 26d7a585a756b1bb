// Package ratelimit enforces per-sender message budgets on top of a shared
// counter store.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/busybox42/mxforward/internal/cache"
	"github.com/busybox42/mxforward/internal/smtperr"
)

// Defaults
const (
	DefaultMax      = 200
	DefaultDuration = time.Hour
)

// Options configures a Limiter.
type Options struct {
	Max      int64
	Duration time.Duration
	// Exempt identifiers are never counted.
	Exempt []string
}

// State describes a counter after a check.
type State struct {
	Max       int64
	Remaining int64
	ResetAt   time.Time
}

// Limiter allows Max checks per identifier within each Duration window.
type Limiter struct {
	store    cache.Counter
	max      int64
	duration time.Duration
	exempt   map[string]struct{}
	now      func() time.Time
	logger   *slog.Logger
}

// New creates a Limiter on store.
func New(store cache.Counter, opts Options) *Limiter {
	if opts.Max <= 0 {
		opts.Max = DefaultMax
	}
	if opts.Duration <= 0 {
		opts.Duration = DefaultDuration
	}

	exempt := make(map[string]struct{}, len(opts.Exempt))
	for _, id := range opts.Exempt {
		exempt[strings.ToLower(id)] = struct{}{}
	}

	return &Limiter{
		store:    store,
		max:      opts.Max,
		duration: opts.Duration,
		exempt:   exempt,
		now:      time.Now,
		logger:   slog.Default().With("component", "rate-limiter"),
	}
}

// Check counts one request for id. It fails with 451 once the budget is
// spent and with 421 when the store is unavailable.
func (l *Limiter) Check(ctx context.Context, id string) (State, error) {
	id = strings.ToLower(strings.TrimSpace(id))
	if _, ok := l.exempt[id]; ok {
		return State{Max: l.max, Remaining: l.max}, nil
	}

	window, err := l.store.Incr(ctx, id, l.duration)
	if err != nil {
		l.logger.Error("rate limit store failed",
			"id", id,
			"store", l.store.Type(),
			"error", err)
		return State{}, smtperr.Wrap(fmt.Errorf("rate limit check failed: %w", err), smtperr.CodeTransient)
	}

	state := State{
		Max:       l.max,
		Remaining: l.max - window.Count,
		ResetAt:   window.ResetAt,
	}
	if state.Remaining < 0 {
		state.Remaining = 0
	}

	if window.Count <= l.max {
		return state, nil
	}

	delta := window.ResetAt.Sub(l.now())
	if delta < time.Second {
		delta = time.Second
	}

	l.logger.Info("rate limit exceeded",
		"id", id,
		"count", window.Count,
		"max", l.max,
		"reset_at", window.ResetAt)
	return state, smtperr.Newf(smtperr.CodeRetry, "Rate limit exceeded, retry in %s", Humanize(delta))
}

// Humanize formats d the way people read it: "1 hour", "59 minutes",
// "3 seconds". The value is rounded to the largest unit it reaches and the
// unit is plural from one and a half upward.
func Humanize(d time.Duration) string {
	units := []struct {
		size time.Duration
		name string
	}{
		{24 * time.Hour, "day"},
		{time.Hour, "hour"},
		{time.Minute, "minute"},
		{time.Second, "second"},
	}

	abs := d
	if abs < 0 {
		abs = -abs
	}
	for _, u := range units {
		if abs >= u.size {
			n := int64(math.Round(float64(d) / float64(u.size)))
			if float64(abs) >= float64(u.size)*1.5 {
				return fmt.Sprintf("%d %ss", n, u.name)
			}
			return fmt.Sprintf("%d %s", n, u.name)
		}
	}
	return fmt.Sprintf("%d ms", d.Milliseconds())
}
