// Package antispam scores raw messages with an external spam classifier.
package antispam

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrInvalidResponse is returned when a classifier answers with something unparseable.
	ErrInvalidResponse = errors.New("invalid classifier response")
)

// Classifier computes a spam score for a raw RFC 5322 message.
type Classifier interface {
	Name() string
	Score(ctx context.Context, raw []byte) (float64, error)
}

// Config selects and configures a classifier.
type Config struct {
	Type            string        // "spamassassin", "rspamd" or "none"
	Address         string        // host:port for spamd, base URL for rspamd
	Timeout         time.Duration // per-scan timeout
	ScanLimit       int64         // bytes sent to the classifier, 0 means all
	Password        string        // rspamd controller password
	BreakerFailures uint32        // consecutive failures before the breaker opens, 0 disables it
	BreakerTimeout  time.Duration // open state duration
}

// New builds the classifier described by config, wrapped in a circuit breaker
// when BreakerFailures is set.
func New(config Config) (Classifier, error) {
	var c Classifier
	switch strings.ToLower(config.Type) {
	case "", "none", "noop":
		return Noop{}, nil
	case "spamassassin", "spamd":
		c = NewSpamAssassin(config)
	case "rspamd":
		c = NewRspamd(config)
	default:
		return nil, fmt.Errorf("unsupported antispam type: %s", config.Type)
	}

	if config.BreakerFailures > 0 {
		c = NewBreaker(c, config.BreakerFailures, config.BreakerTimeout)
	}
	return c, nil
}

// Noop scores every message as 0.
type Noop struct{}

func (Noop) Name() string { return "none" }

func (Noop) Score(context.Context, []byte) (float64, error) { return 0, nil }

func limit(data []byte, n int64) []byte {
	if n > 0 && int64(len(data)) > n {
		return data[:n]
	}
	return data
}
