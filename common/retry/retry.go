// Package retry implements a bounded retry policy for transient errors.
//
// A Config is a value describing one policy: how many attempts (or how much
// wall-clock time) to spend, how long to wait between attempts, and which
// errors are worth retrying. The same helper backs both attempt-capped
// call sites (a fixed number of tries with a fixed delay) and deadline-capped
// ones (poll until ready or until the timeout elapses).
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Config controls the retry behaviour.
type Config struct {
	// MaxAttempts is the total number of attempts, including the first.
	// Zero means unlimited; the policy must then be bounded by Timeout.
	MaxAttempts int

	// Timeout is the overall wall-clock budget measured from the first
	// attempt. Zero means no deadline; the policy must then be bounded by
	// MaxAttempts.
	Timeout time.Duration

	// Delay is the wait between attempts. The delay is fixed unless
	// Multiplier is set above 1.
	Delay time.Duration

	// Multiplier scales Delay after each failed attempt. Values below 1 are
	// treated as 1 (fixed delay).
	Multiplier float64

	// MaxDelay caps the per-attempt wait when Multiplier grows it.
	// Zero means no cap.
	MaxDelay time.Duration

	// ShouldRetry classifies errors as retryable. When nil, every non-nil
	// error is retried.
	ShouldRetry func(err error) bool
}

// Do calls fn until it returns nil, a non-retryable error, or the policy is
// exhausted. The error from the last attempt is returned; when the Timeout
// budget expires the returned error wraps the last attempt's error so callers
// can surface the underlying cause.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	if cfg.MaxAttempts <= 0 && cfg.Timeout <= 0 {
		cfg.MaxAttempts = 1
	}
	shouldRetry := cfg.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = func(error) bool { return true }
	}
	multiplier := cfg.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}

	var deadline time.Time
	if cfg.Timeout > 0 {
		deadline = time.Now().Add(cfg.Timeout)
	}

	delay := cfg.Delay
	var lastErr error

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return errors.Join(lastErr, err)
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !shouldRetry(lastErr) {
			return lastErr
		}

		if cfg.MaxAttempts > 0 && attempt >= cfg.MaxAttempts {
			return lastErr
		}
		if !deadline.IsZero() && !time.Now().Add(delay).Before(deadline) {
			return fmt.Errorf("timed out after %s: %w", cfg.Timeout, lastErr)
		}

		slog.Debug("retry: attempt failed",
			"attempt", attempt, "max", cfg.MaxAttempts,
			"delay", delay, "err", lastErr)

		select {
		case <-ctx.Done():
			return errors.Join(lastErr, ctx.Err())
		case <-time.After(delay):
		}

		if multiplier > 1 {
			delay = time.Duration(float64(delay) * multiplier)
			if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
				delay = cfg.MaxDelay
			}
		}
	}
}
