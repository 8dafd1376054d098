package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/reactive-review/rrc/core"
)

func TestCircuitBreaker_StartsClosed(t *testing.T) {
	cb, err := NewCircuitBreaker(DefaultConfig())
	if err != nil {
		t.Fatalf("NewCircuitBreaker() error = %v", err)
	}
	if cb.GetState() != "closed" {
		t.Errorf("new breaker state = %s, want closed", cb.GetState())
	}
	if !cb.Allow() {
		t.Error("closed breaker should allow execution")
	}
}

// TestCircuitBreaker_TripAndRecover mirrors the spec's named scenario:
// failure_threshold=3, success_threshold=2, reset_timeout=100ms.
func TestCircuitBreaker_TripAndRecover(t *testing.T) {
	config := &CircuitBreakerConfig{
		Name:                 "trip-recover",
		FailureThreshold:     3,
		SuccessThreshold:     2,
		ResetTimeout:         100 * time.Millisecond,
		FallbackToSequential: true,
		Logger:               &core.NoOpLogger{},
	}
	cb, err := NewCircuitBreaker(config)
	if err != nil {
		t.Fatalf("NewCircuitBreaker() error = %v", err)
	}

	boom := errors.New("boom")
	for i := 0; i < 3; i++ {
		_ = cb.Execute(context.Background(), func() error { return boom })
	}

	st := cb.State()
	if st.Current != "open" {
		t.Fatalf("state after 3 failures = %s, want open", st.Current)
	}
	if !st.FallbackActive {
		t.Error("fallback_active should be true while open with FallbackToSequential")
	}
	if cb.Allow() {
		t.Error("open breaker should not allow execution before reset_timeout elapses")
	}

	time.Sleep(150 * time.Millisecond)

	if !cb.Allow() {
		t.Fatal("breaker should allow a trial execution after reset_timeout")
	}
	if cb.GetState() != "half-open" {
		t.Fatalf("state after reset_timeout = %s, want half-open", cb.GetState())
	}

	for i := 0; i < 2; i++ {
		if err := cb.Execute(context.Background(), func() error { return nil }); err != nil {
			t.Fatalf("half-open execution %d failed: %v", i, err)
		}
	}

	st = cb.State()
	if st.Current != "closed" {
		t.Fatalf("state after 2 half-open successes = %s, want closed", st.Current)
	}
	if st.FallbackActive {
		t.Error("fallback_active should be false once closed")
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	config := &CircuitBreakerConfig{
		Name:             "half-open-reopen",
		FailureThreshold: 1,
		SuccessThreshold: 2,
		ResetTimeout:     10 * time.Millisecond,
		Logger:           &core.NoOpLogger{},
	}
	cb, _ := NewCircuitBreaker(config)

	_ = cb.Execute(context.Background(), func() error { return errors.New("fail") })
	if cb.GetState() != "open" {
		t.Fatalf("state = %s, want open", cb.GetState())
	}

	time.Sleep(20 * time.Millisecond)
	cb.Allow() // triggers half-open transition

	_ = cb.Execute(context.Background(), func() error { return errors.New("still failing") })
	if cb.GetState() != "open" {
		t.Fatalf("state after half-open failure = %s, want open", cb.GetState())
	}
}

func TestCircuitBreaker_SuccessResetsFailureCounter(t *testing.T) {
	config := DefaultConfig()
	config.FailureThreshold = 3
	cb, _ := NewCircuitBreaker(config)

	_ = cb.Execute(context.Background(), func() error { return errors.New("one") })
	_ = cb.Execute(context.Background(), func() error { return errors.New("two") })
	_ = cb.Execute(context.Background(), func() error { return nil })

	if got := cb.State().ConsecutiveFailures; got != 0 {
		t.Errorf("consecutive failures after a success = %d, want 0", got)
	}
	if cb.GetState() != "closed" {
		t.Errorf("state = %s, want closed", cb.GetState())
	}
}

func TestCircuitBreaker_RejectsWhenOpen(t *testing.T) {
	config := DefaultConfig()
	config.FailureThreshold = 1
	config.ResetTimeout = time.Hour
	cb, _ := NewCircuitBreaker(config)

	_ = cb.Execute(context.Background(), func() error { return errors.New("trip it") })

	called := false
	err := cb.Execute(context.Background(), func() error {
		called = true
		return nil
	})
	if called {
		t.Error("fn should not run while breaker is open")
	}
	if !errors.Is(err, core.ErrCircuitBreakerOpen) {
		t.Errorf("err = %v, want ErrCircuitBreakerOpen", err)
	}
}

func TestCircuitBreaker_NotFoundErrorsDoNotTrip(t *testing.T) {
	config := DefaultConfig()
	config.FailureThreshold = 1
	cb, _ := NewCircuitBreaker(config)

	err := cb.Execute(context.Background(), func() error { return core.ErrPlanNotFound })
	if err == nil {
		t.Fatal("expected the not-found error to propagate")
	}
	if cb.GetState() != "closed" {
		t.Errorf("a not-found error should not count toward the failure threshold, state = %s", cb.GetState())
	}
}

func TestCircuitBreaker_PanicIsRecoveredAsFailure(t *testing.T) {
	config := DefaultConfig()
	config.FailureThreshold = 1
	cb, _ := NewCircuitBreaker(config)

	err := cb.Execute(context.Background(), func() error {
		panic("boom")
	})
	if err == nil {
		t.Fatal("expected a recovered panic to surface as an error")
	}
	if cb.GetState() != "open" {
		t.Errorf("panic should count as a failure, state = %s", cb.GetState())
	}
}

func TestCircuitBreaker_ForceOpenAndClear(t *testing.T) {
	cb, _ := NewCircuitBreaker(DefaultConfig())

	cb.ForceOpen()
	if cb.Allow() {
		t.Error("forced-open breaker should deny execution")
	}

	cb.ClearForce()
	if cb.GetState() != "open" {
		t.Errorf("clearing force should leave the last real state, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_ForceClosedOverridesFailures(t *testing.T) {
	cb, _ := NewCircuitBreaker(DefaultConfig())
	cb.ForceClosed()

	for i := 0; i < 10; i++ {
		_ = cb.Execute(context.Background(), func() error { return errors.New("ignored while forced closed") })
	}
	if !cb.Allow() {
		t.Error("forced-closed breaker should keep allowing execution regardless of failures")
	}
}

func TestCircuitBreaker_StateChangeListener(t *testing.T) {
	config := DefaultConfig()
	config.FailureThreshold = 1
	cb, _ := NewCircuitBreaker(config)

	transitions := make(chan string, 4)
	cb.AddStateChangeListener(func(name string, from, to CircuitState) {
		transitions <- to.String()
	})

	_ = cb.Execute(context.Background(), func() error { return errors.New("fail") })

	select {
	case got := <-transitions:
		if got != "open" {
			t.Errorf("listener observed %s, want open", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for state change listener")
	}
}

func TestCircuitBreaker_InvalidConfigRejected(t *testing.T) {
	_, err := NewCircuitBreaker(&CircuitBreakerConfig{Name: "bad", FailureThreshold: -1, SuccessThreshold: 1, ResetTimeout: time.Second})
	if err == nil {
		t.Error("expected validation error for negative failure threshold")
	}
}

func BenchmarkCircuitBreaker_Execute(b *testing.B) {
	cb, _ := NewCircuitBreaker(DefaultConfig())
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = cb.Execute(context.Background(), func() error { return nil })
	}
}
