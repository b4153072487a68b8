package ingestion

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/cuixiaotu/lbdm/internal/dashboard"
)

func fastPolicy(retries int) RetryPolicy {
	return RetryPolicy{
		MaxRetries:     retries,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		BackoffFactor:  2.0,
	}
}

func TestRetry(t *testing.T) {
	transport := errors.New("connection reset by peer")
	expired := &dashboard.APIError{Path: "/x", Code: dashboard.CodeCredentialExpired}
	soft := &dashboard.APIError{Path: "/x", Code: 10001}

	tests := []struct {
		name         string
		retries      int
		failures     int
		failWith     error
		wantAttempts int
		wantErr      bool
	}{
		{name: "success", retries: 2, wantAttempts: 1},
		{name: "transport error then success", retries: 2, failures: 1, failWith: transport, wantAttempts: 2},
		{name: "transport error exhausted", retries: 2, failures: 10, failWith: transport, wantAttempts: 3, wantErr: true},
		{name: "credential expiry is final", retries: 2, failures: 10, failWith: expired, wantAttempts: 1, wantErr: true},
		{name: "soft envelope failure is final", retries: 2, failures: 10, failWith: soft, wantAttempts: 1, wantErr: true},
		{name: "wrapped envelope failure is final", retries: 2, failures: 10, failWith: fmt.Errorf("flow: %w", soft), wantAttempts: 1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attempts := 0
			err := Retry(context.Background(), fastPolicy(tt.retries), func() error {
				attempts++
				if attempts <= tt.failures {
					return tt.failWith
				}
				return nil
			})
			if (err != nil) != tt.wantErr {
				t.Fatalf("Retry error = %v, wantErr %v", err, tt.wantErr)
			}
			if attempts != tt.wantAttempts {
				t.Errorf("expected %d attempts, got %d", tt.wantAttempts, attempts)
			}
			if tt.wantErr && !errors.Is(err, tt.failWith) {
				t.Errorf("expected returned error to wrap %v, got %v", tt.failWith, err)
			}
		})
	}
}

func TestRetry_ContextCancellation(t *testing.T) {
	policy := RetryPolicy{
		MaxRetries:     5,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     time.Second,
		BackoffFactor:  2.0,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	attempts := 0
	err := Retry(ctx, policy, func() error {
		attempts++
		return errors.New("timeout talking to dashboard")
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("expected 1 attempt before cancellation, got %d", attempts)
	}
}

func TestCalculateBackoff(t *testing.T) {
	policy := RetryPolicy{
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     10 * time.Second,
		BackoffFactor:  2.0,
	}

	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 10 * time.Second},
		{5, 10 * time.Second},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("attempt %d", tt.attempt), func(t *testing.T) {
			if got := calculateBackoff(policy, tt.attempt); got != tt.expected {
				t.Errorf("expected %v, got %v", tt.expected, got)
			}
		})
	}

	policy.Jitter = true
	for i := 0; i < 20; i++ {
		got := calculateBackoff(policy, 1)
		if got < 1800*time.Millisecond || got > 2200*time.Millisecond {
			t.Fatalf("jittered backoff %v outside ±10%% of 2s", got)
		}
	}
}
