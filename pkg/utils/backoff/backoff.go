package backoff

import (
	"context"
	"time"
)

// Compute returns the delay before retry number attempt (0-based): base doubled
// per attempt and capped at max. A non-positive base means no delay.
func Compute(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt <= 0 {
		if max > 0 && base > max {
			return max
		}
		return base
	}
	delay := base
	for i := 0; i < attempt; i++ {
		if max > 0 && delay >= max {
			return max
		}
		if max > 0 && delay > max/2 {
			delay = max
			break
		}
		delay *= 2
	}
	if max > 0 && delay > max {
		return max
	}
	return delay
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Retry calls fn up to attempts times, backing off between calls, and stops
// early when retryable reports false. The last error is returned.
func Retry(ctx context.Context, attempts int, base, max time.Duration, retryable func(error) bool, fn func(context.Context) error) error {
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if i == attempts-1 || (retryable != nil && !retryable(err)) {
			return err
		}
		if serr := Sleep(ctx, Compute(i, base, max)); serr != nil {
			return err
		}
	}
	return err
}
