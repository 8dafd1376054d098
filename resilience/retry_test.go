package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/reactive-review/rrc/core"
)

func TestRetry_SucceedsOnFirstAttempt(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), DefaultRetryConfig(), func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetry_SucceedsAfterFailures(t *testing.T) {
	calls := 0
	config := &RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, BackoffFactor: 2}
	err := Retry(context.Background(), config, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	calls := 0
	config := &RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, BackoffFactor: 2}
	err := Retry(context.Background(), config, func() error {
		calls++
		return errors.New("always fails")
	})
	if err == nil {
		t.Fatal("expected an error after exhausting attempts")
	}
	if !errors.Is(err, core.ErrMaxRetriesExceeded) {
		t.Errorf("err = %v, want wrapping ErrMaxRetriesExceeded", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetry_RespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	config := &RetryConfig{MaxAttempts: 5, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffFactor: 2}
	err := Retry(ctx, config, func() error {
		calls++
		return errors.New("fails")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if calls > 1 {
		t.Errorf("calls = %d, want at most 1 after immediate cancellation", calls)
	}
}

func TestRetryWithCircuitBreaker_StopsRetryingOnceOpen(t *testing.T) {
	cbConfig := DefaultConfig()
	cbConfig.FailureThreshold = 1
	cbConfig.ResetTimeout = time.Hour
	cb, _ := NewCircuitBreaker(cbConfig)

	retryConfig := &RetryConfig{MaxAttempts: 5, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffFactor: 2}

	calls := 0
	err := RetryWithCircuitBreaker(context.Background(), retryConfig, cb, func() error {
		calls++
		return errors.New("backend down")
	})

	if err == nil {
		t.Fatal("expected an error")
	}
	if cb.GetState() != "open" {
		t.Errorf("breaker state = %s, want open", cb.GetState())
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (once open, the breaker rejects without invoking fn)", calls)
	}
}
