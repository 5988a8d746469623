// Package retry runs an operation under a bounded exponential backoff.
// Whether an error is worth retrying is the caller's call, supplied as a
// structural predicate; this package never inspects error text.
package retry

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/pgfleet/pgfleet/internal/config"
)

// Policy bounds the retry loop. The zero value runs the operation once.
type Policy struct {
	// MaxAttempts caps total tries including the first.
	MaxAttempts int
	// BaseDelay is the wait before the second attempt; it doubles per
	// attempt up to MaxDelay.
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// JitterFraction spreads each delay by ±fraction to avoid thundering
	// herds. Must be in [0, 1].
	JitterFraction float64

	// Classify reports whether an error is transient. Nil retries
	// nothing.
	Classify func(error) bool

	// OnRetry is called before each backoff sleep, for counters and
	// logging. May be nil.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// FromConfig builds a policy from validated configuration. Classify and
// OnRetry stay nil; the caller wires them.
func FromConfig(cfg config.RetryConfig) Policy {
	return Policy{
		MaxAttempts:    cfg.MaxAttempts,
		BaseDelay:      cfg.BaseDelay,
		MaxDelay:       cfg.MaxDelay,
		JitterFraction: cfg.JitterFraction,
	}
}

// Do runs fn until it succeeds, a non-transient error occurs, attempts
// run out, or ctx ends. The last error is wrapped with the attempt count
// on exhaustion and returned verbatim otherwise.
func (p Policy) Do(ctx context.Context, fn func(context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	delay := p.BaseDelay
	var err error
	for attempt := 1; ; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if attempt >= attempts {
			break
		}
		if p.Classify == nil || !p.Classify(err) {
			return err
		}

		d := p.jitter(delay)
		if p.OnRetry != nil {
			p.OnRetry(attempt, d, err)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("retry interrupted after %d attempts: %w (last error: %v)", attempt, ctx.Err(), err)
		case <-time.After(d):
		}

		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}

	if attempts == 1 {
		return err
	}
	return fmt.Errorf("retry: %d attempts: %w", attempts, err)
}

func (p Policy) jitter(d time.Duration) time.Duration {
	if p.JitterFraction <= 0 || d <= 0 {
		return d
	}
	f := 1 + p.JitterFraction*(2*rand.Float64()-1)
	return time.Duration(float64(d) * f)
}
