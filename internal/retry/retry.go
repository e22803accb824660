package retry

import (
	"context"
	"fmt"
	"time"
)

// RetryConfig represents retry configuration
type RetryConfig struct {
	MaxRetries int
	RetryDelay time.Duration
}

// Do executes a function with retry logic and exponential backoff
func Do(ctx context.Context, cfg RetryConfig, fn func() error) error {
	var lastErr error
	for i := 0; i < cfg.MaxRetries; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn()
		if err == nil {
			return nil
		}

		lastErr = err

		// Don't retry on last attempt
		if i < cfg.MaxRetries-1 {
			// Exponential backoff: delay * 2^i
			delay := time.Duration(1<<uint(i)) * cfg.RetryDelay
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	return fmt.Errorf("failed after %d retries: %w", cfg.MaxRetries, lastErr)
}

// Forever calls fn until ctx is done, waiting a fixed delay after every
// call. The delay never grows. onError, if set, sees each failure.
func Forever(ctx context.Context, delay time.Duration, fn func(ctx context.Context) error, onError func(attempt int, err error)) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if err := fn(ctx); err != nil && onError != nil && ctx.Err() == nil {
			onError(attempt, err)
		}
		timer.Reset(delay)
	}
}
