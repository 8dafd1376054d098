package core

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"ErrTransientFailure is transient", ErrTransientFailure, true},
		{"ErrBackendUnavailable is transient", ErrBackendUnavailable, true},
		{"ErrConnectionFailed is transient", ErrConnectionFailed, true},
		{"ErrStepTimeout is transient", ErrStepTimeout, true},
		{"wrapped transient error is detected", fmt.Errorf("op failed: %w", ErrTransientFailure), true},
		{"ErrStepFailed is not transient", ErrStepFailed, false},
		{"ErrStateCorrupted is not transient", ErrStateCorrupted, false},
		{"custom error is not transient", errors.New("custom error"), false},
		{"nil error is not transient", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.expected {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.expected)
			}
		})
	}
}

func TestIsNotFound(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"ErrPlanNotFound is not found", ErrPlanNotFound, true},
		{"ErrVersionNotFound is not found", ErrVersionNotFound, true},
		{"ErrSessionNotFound is not found", ErrSessionNotFound, true},
		{"wrapped not found error is detected", fmt.Errorf("failed to locate: %w", ErrPlanNotFound), true},
		{"ErrStepTimeout is not a not-found error", ErrStepTimeout, false},
		{"custom error is not a not-found error", errors.New("something else"), false},
		{"nil error is not a not-found error", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsNotFound(tt.err); got != tt.expected {
				t.Errorf("IsNotFound(%v) = %v, want %v", tt.err, got, tt.expected)
			}
		})
	}
}

func TestIsTimeout(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"ErrStepTimeout is timeout", ErrStepTimeout, true},
		{"ErrSessionTimeout is timeout", ErrSessionTimeout, true},
		{"wrapped timeout error is detected", fmt.Errorf("step deadline exceeded: %w", ErrStepTimeout), true},
		{"ErrPlanNotFound is not timeout", ErrPlanNotFound, false},
		{"nil error is not timeout", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTimeout(tt.err); got != tt.expected {
				t.Errorf("IsTimeout(%v) = %v, want %v", tt.err, got, tt.expected)
			}
		})
	}
}

func TestIsConflict(t *testing.T) {
	if !IsConflict(ErrConflict) {
		t.Error("ErrConflict should be detected as a conflict")
	}
	if !IsConflict(fmt.Errorf("transition rejected: %w", ErrConflict)) {
		t.Error("wrapped conflict error should be detected")
	}
	if IsConflict(ErrPlanNotFound) {
		t.Error("ErrPlanNotFound should not be a conflict")
	}
}

func TestIsStepFailed(t *testing.T) {
	if !IsStepFailed(ErrStepFailed) {
		t.Error("ErrStepFailed should be detected")
	}
	if IsStepFailed(ErrTransientFailure) {
		t.Error("ErrTransientFailure should not be a step failure")
	}
}

func TestIsStateCorrupted(t *testing.T) {
	if !IsStateCorrupted(ErrStateCorrupted) {
		t.Error("ErrStateCorrupted should be detected")
	}
	if IsStateCorrupted(ErrSessionTimeout) {
		t.Error("ErrSessionTimeout should not be state corruption")
	}
}

func TestErrorWrapping(t *testing.T) {
	baseErr := ErrPlanNotFound
	wrappedOnce := fmt.Errorf("failed to find plan 'test': %w", baseErr)
	wrappedTwice := fmt.Errorf("operation failed: %w", wrappedOnce)

	if !IsNotFound(baseErr) {
		t.Error("base error should be detected as not-found")
	}
	if !IsNotFound(wrappedOnce) {
		t.Error("once-wrapped error should be detected as not-found")
	}
	if !IsNotFound(wrappedTwice) {
		t.Error("twice-wrapped error should be detected as not-found")
	}
	if !errors.Is(wrappedTwice, ErrPlanNotFound) {
		t.Error("errors.Is should work through multiple wrapping layers")
	}
}

func TestFrameworkErrorFormatting(t *testing.T) {
	err := NewFrameworkErrorWithID("PlanStore.save", "conflict", "plan-123", ErrConflict)
	if err.Op != "PlanStore.save" || err.ID != "plan-123" {
		t.Errorf("unexpected FrameworkError fields: %+v", err)
	}
	if !errors.Is(err, ErrConflict) {
		t.Error("FrameworkError should unwrap to the wrapped sentinel")
	}

	msg := err.Error()
	if msg == "" {
		t.Error("FrameworkError.Error() should not be empty")
	}
}

func BenchmarkIsTransient(b *testing.B) {
	err := fmt.Errorf("wrapped: %w", ErrTransientFailure)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = IsTransient(err)
	}
}

func BenchmarkIsNotFound(b *testing.B) {
	err := fmt.Errorf("wrapped: %w", ErrPlanNotFound)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = IsNotFound(err)
	}
}
