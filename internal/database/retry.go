package database

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/lib/pq"
)

// deadlockCode is the SQLSTATE PostgreSQL reports for deadlock_detected.
const deadlockCode = pq.ErrorCode("40P01")

// RetryPolicy controls deadlock retries around writes.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Jitter      time.Duration
}

// DefaultRetryPolicy returns the policy used for every write.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   50 * time.Millisecond,
		Jitter:      50 * time.Millisecond,
	}
}

// IsDeadlock reports whether err is a PostgreSQL deadlock.
func IsDeadlock(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == deadlockCode
	}
	return false
}

// backoff returns BaseDelay * 2^attempt plus up to Jitter of random delay.
func (p RetryPolicy) backoff(attempt int) time.Duration {
	delay := p.BaseDelay << attempt
	if p.Jitter > 0 {
		delay += rand.N(p.Jitter)
	}
	return delay
}

// retryDeadlocks runs fn until it succeeds, fails with a non-deadlock error,
// or MaxAttempts deadlocks have been observed. onRetry is called before each
// sleep.
func retryDeadlocks(ctx context.Context, policy RetryPolicy, onRetry func(attempt int, err error), fn func() error) error {
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !IsDeadlock(err) {
			return err
		}
		lastErr = err

		if attempt == attempts-1 {
			break
		}
		if onRetry != nil {
			onRetry(attempt, err)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("deadlock retry cancelled: %w", ctx.Err())
		case <-time.After(policy.backoff(attempt)):
		}
	}

	return fmt.Errorf("deadlock persisted after %d attempts: %w", attempts, lastErr)
}
