package voting

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type retryPolicy struct {
	maxAttempts int
	backoff     time.Duration
}

// run calls fn until it succeeds, fails with anything but ErrConflict, or the attempts run out.
// It returns the number of attempts made.
func (policy retryPolicy) run(ctx context.Context, fn func() error) (int, error) {
	var lastError error
	for attempt := 1; attempt <= policy.maxAttempts; attempt++ {
		lastError = fn()
		if lastError == nil || !errors.Is(lastError, ErrConflict) {
			return attempt, lastError
		}
		if attempt == policy.maxAttempts {
			break
		}
		if err := sleepContext(ctx, policy.backoff*time.Duration(attempt)); err != nil {
			return attempt, err
		}
	}
	return policy.maxAttempts, fmt.Errorf("%w: gave up after %d attempts: %w", ErrTransientFailure, policy.maxAttempts, lastError)
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
