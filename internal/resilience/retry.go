package resilience

import (
	"context"
	"math/rand"
	"time"

	"github.com/parlancehq/parlance/pkg/fault"
)

// RetryConfig tunes [Retry]. The zero value retries three times starting at
// 100ms with doubling backoff and full jitter.
type RetryConfig struct {
	// Attempts is the total number of tries, including the first.
	Attempts int

	// BaseDelay is the backoff before the second attempt; attempt n waits
	// BaseDelay * 2^(n-1) plus jitter.
	BaseDelay time.Duration

	// MaxDelay caps a single backoff sleep.
	MaxDelay time.Duration
}

func (c *RetryConfig) withDefaults() {
	if c.Attempts <= 0 {
		c.Attempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 100 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 2 * time.Second
	}
}

// Retry runs fn until it succeeds, returns a non-retryable error, or the
// attempt budget is spent. Only transient upstream faults are retried;
// cancellation and fatal faults return immediately. The context is checked
// before every attempt and during backoff sleeps.
func Retry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	cfg.withDefaults()

	var lastErr error
	for attempt := 0; attempt < cfg.Attempts; attempt++ {
		if attempt > 0 {
			delay := cfg.BaseDelay << (attempt - 1)
			if delay > cfg.MaxDelay {
				delay = cfg.MaxDelay
			}
			// Full jitter spreads retry storms across sessions.
			delay += time.Duration(rand.Int63n(int64(delay) + 1))

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return fault.Wrap(fault.Cancelled, ctx.Err())
			case <-timer.C:
			}
		}

		if err := ctx.Err(); err != nil {
			return fault.Wrap(fault.Cancelled, err)
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !fault.IsTransient(err) {
			return err
		}
	}
	return lastErr
}

// RetryResult is [Retry] for functions that produce a value.
func RetryResult[R any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) (R, error)) (R, error) {
	var result R
	err := Retry(ctx, cfg, func(ctx context.Context) error {
		var innerErr error
		result, innerErr = fn(ctx)
		return innerErr
	})
	if err != nil {
		var zero R
		return zero, err
	}
	return result, nil
}
