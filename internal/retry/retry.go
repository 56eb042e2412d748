package retry

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	droverErrors "github.com/harunnryd/drover/internal/errors"
)

// Policy is a bounded retry policy shared by the manifest and deaddrop
// clients so both transports back off identically. Only errors the taxonomy
// marks retryable are retried; conflicts and precondition failures surface
// on the first attempt.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      float64 // fraction of the delay, e.g. 0.2 for +/-20%
}

// Default returns the standard transport policy: 3 attempts, 500ms base,
// doubling, capped at 30s, +/-20% jitter.
func Default() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
		Jitter:      0.2,
	}
}

// NoRetry fails on the first error.
func NoRetry() Policy {
	return Policy{MaxAttempts: 1}
}

// Do runs fn until it succeeds, returns a non-retryable error, the attempt
// budget is exhausted, or ctx is cancelled. The op string is only for logs.
func (p Policy) Do(ctx context.Context, op string, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}

		if !droverErrors.IsRetryable(err) {
			return err
		}
		if attempt == attempts {
			break
		}

		delay := p.delayFor(attempt)
		slog.Warn("Retrying after transient failure",
			"op", op,
			"attempt", attempt,
			"max_attempts", attempts,
			"delay", delay,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return droverErrors.Wrap(err, "retry budget exhausted")
}

func (p Policy) delayFor(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = 2.0
	}

	delay := float64(base)
	for i := 1; i < attempt; i++ {
		delay *= multiplier
	}
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if p.Jitter > 0 {
		spread := delay * p.Jitter
		delay += (rand.Float64()*2 - 1) * spread
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}
