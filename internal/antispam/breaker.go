package antispam

import (
	"context"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// Breaker stops calling a failing classifier for a while so that every
// message does not wait out the classifier timeout.
type Breaker struct {
	next Classifier
	cb   *gobreaker.CircuitBreaker
}

// NewBreaker wraps next in a circuit breaker that opens after failures
// consecutive errors and stays open for timeout.
func NewBreaker(next Classifier, failures uint32, timeout time.Duration) *Breaker {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	logger := slog.Default().With("component", "antispam")

	settings := gobreaker.Settings{
		Name:        next.Name(),
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("classifier circuit breaker state changed",
				"classifier", name,
				"from", from.String(),
				"to", to.String())
		},
	}

	return &Breaker{next: next, cb: gobreaker.NewCircuitBreaker(settings)}
}

func (b *Breaker) Name() string { return b.next.Name() }

// State reports the breaker state.
func (b *Breaker) State() gobreaker.State { return b.cb.State() }

// Score calls the wrapped classifier unless the breaker is open, in which
// case gobreaker.ErrOpenState is returned.
func (b *Breaker) Score(ctx context.Context, raw []byte) (float64, error) {
	v, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Score(ctx, raw)
	})
	if err != nil {
		return 0, err
	}
	return v.(float64), nil
}
