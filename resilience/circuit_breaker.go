package resilience

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/reactive-review/rrc/core"
)

// CircuitState represents the state of the circuit breaker.
type CircuitState int

const (
	// StateClosed allows all requests through.
	StateClosed CircuitState = iota
	// StateOpen denies parallel execution.
	StateOpen
	// StateHalfOpen allows a limited trial of requests.
	StateHalfOpen
)

// String returns the string representation of the state.
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrorClassifier determines which errors count toward the breaker's
// consecutive-failure counter. Errors the caller caused (bad input, not
// found) should not trip the breaker; infrastructure failures should.
type ErrorClassifier func(error) bool

// DefaultErrorClassifier only counts infrastructure/transient errors.
func DefaultErrorClassifier(err error) bool {
	if err == nil {
		return false
	}
	if core.IsNotFound(err) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// CircuitBreakerConfig holds configuration for the circuit breaker.
type CircuitBreakerConfig struct {
	// Name identifies the circuit breaker in logs and metrics.
	Name string

	// FailureThreshold is the number of consecutive failures, in closed
	// state, before the breaker opens. Default 3.
	FailureThreshold int

	// SuccessThreshold is the number of consecutive successes, in
	// half-open state, before the breaker closes. Default 2.
	SuccessThreshold int

	// ResetTimeout is how long the breaker stays open before allowing a
	// half-open trial. Default 60s.
	ResetTimeout time.Duration

	// FallbackToSequential, when true, tells callers (via State().FallbackActive)
	// that step execution should bypass the worker pool and run steps one at
	// a time while the breaker is open.
	FallbackToSequential bool

	// ErrorClassifier decides which errors count toward the failure counter.
	ErrorClassifier ErrorClassifier

	// Logger receives state-transition and rejection events.
	Logger core.Logger
}

// DefaultConfig returns the spec-default circuit breaker configuration.
func DefaultConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		Name:                 "default",
		FailureThreshold:     3,
		SuccessThreshold:     2,
		ResetTimeout:         60 * time.Second,
		FallbackToSequential: true,
		ErrorClassifier:      DefaultErrorClassifier,
		Logger:               &core.NoOpLogger{},
	}
}

// Validate checks the configuration for sane values.
func (c *CircuitBreakerConfig) Validate() error {
	if c == nil {
		return errors.New("circuit breaker config cannot be nil")
	}
	if c.Name == "" {
		return errors.New("circuit breaker name is required")
	}
	if c.FailureThreshold < 1 {
		return fmt.Errorf("failure threshold must be at least 1, got %d", c.FailureThreshold)
	}
	if c.SuccessThreshold < 1 {
		return fmt.Errorf("success threshold must be at least 1, got %d", c.SuccessThreshold)
	}
	if c.ResetTimeout <= 0 {
		return fmt.Errorf("reset timeout must be positive, got %v", c.ResetTimeout)
	}
	return nil
}

// BreakerState is the externally visible snapshot returned by State().
type BreakerState struct {
	Name                 string
	Current              string
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	OpenedAt             time.Time
	FallbackActive       bool
}

// CircuitBreaker implements the three-state, consecutive-count breaker
// that gates whether steps may run in parallel and signals the tracker to
// fall back to sequential execution while open.
type CircuitBreaker struct {
	config *CircuitBreakerConfig

	mu                   sync.Mutex
	state                CircuitState
	consecutiveFailures  int
	consecutiveSuccesses int
	openedAt             time.Time

	forceOpen   atomic.Bool
	forceClosed atomic.Bool

	listeners []func(name string, from, to CircuitState)

	totalExecutions    atomic.Uint64
	rejectedExecutions atomic.Uint64
}

// NewCircuitBreaker creates a circuit breaker from config, applying defaults
// for any zero-valued fields.
func NewCircuitBreaker(config *CircuitBreakerConfig) (*CircuitBreaker, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 3
	}
	if config.SuccessThreshold == 0 {
		config.SuccessThreshold = 2
	}
	if config.ResetTimeout == 0 {
		config.ResetTimeout = 60 * time.Second
	}
	if config.ErrorClassifier == nil {
		config.ErrorClassifier = DefaultErrorClassifier
	}
	if config.Logger == nil {
		config.Logger = &core.NoOpLogger{}
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid circuit breaker config: %w", err)
	}

	cb := &CircuitBreaker{
		config: config,
		state:  StateClosed,
	}

	config.Logger.Info("circuit breaker created", map[string]interface{}{
		"name":              config.Name,
		"failure_threshold": config.FailureThreshold,
		"success_threshold": config.SuccessThreshold,
		"reset_timeout_ms":  config.ResetTimeout.Milliseconds(),
	})

	return cb, nil
}

// SetLogger sets the logger used by the breaker, tagging it with the
// resilience component if the logger supports component attribution.
func (cb *CircuitBreaker) SetLogger(logger core.Logger) {
	if logger == nil {
		cb.config.Logger = &core.NoOpLogger{}
		return
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		cb.config.Logger = cal.WithComponent("rrc/resilience")
	} else {
		cb.config.Logger = logger
	}
}

// Allow reports whether a new execution may proceed, performing the
// open→half-open transition as a side effect when the reset timeout has
// elapsed.
func (cb *CircuitBreaker) Allow() bool {
	if cb.forceClosed.Load() {
		return true
	}
	if cb.forceOpen.Load() {
		return false
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		return true
	case StateOpen:
		if time.Since(cb.openedAt) >= cb.config.ResetTimeout {
			cb.transitionLocked(StateHalfOpen)
			return true
		}
		return false
	default:
		return false
	}
}

// Execute runs fn if the breaker allows it, recording the outcome against
// the consecutive failure/success counters.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if !cb.Allow() {
		cb.rejectedExecutions.Add(1)
		return fmt.Errorf("circuit breaker '%s' is open: %w", cb.config.Name, core.ErrCircuitBreakerOpen)
	}

	cb.totalExecutions.Add(1)

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				stack := debug.Stack()
				done <- fmt.Errorf("panic in circuit breaker '%s': %v\n%s", cb.config.Name, r, stack)
			}
		}()
		done <- fn()
	}()

	select {
	case err := <-done:
		cb.recordResult(err)
		return err
	case <-ctx.Done():
		go func() {
			err := <-done
			cb.recordResult(err)
		}()
		return ctx.Err()
	}
}

// recordResult applies a single execution outcome to the state machine.
func (cb *CircuitBreaker) recordResult(err error) {
	if cb.forceClosed.Load() || cb.forceOpen.Load() {
		return
	}

	counted := err != nil && cb.config.ErrorClassifier(err)

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if !counted {
		// A success resets the failure counter (and counts toward closing
		// from half-open); an error that shouldn't count leaves both
		// counters unchanged.
		if err == nil {
			cb.consecutiveFailures = 0
			if cb.state == StateHalfOpen {
				cb.consecutiveSuccesses++
				if cb.consecutiveSuccesses >= cb.config.SuccessThreshold {
					cb.transitionLocked(StateClosed)
				}
			}
		}
		return
	}

	// Counted failure: resets the success counter; any failure in
	// half-open reopens immediately.
	cb.consecutiveSuccesses = 0
	switch cb.state {
	case StateClosed:
		cb.consecutiveFailures++
		if cb.consecutiveFailures >= cb.config.FailureThreshold {
			cb.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		cb.transitionLocked(StateOpen)
	}
}

// transitionLocked changes state; caller must hold cb.mu.
func (cb *CircuitBreaker) transitionLocked(newState CircuitState) {
	oldState := cb.state
	if oldState == newState {
		return
	}

	cb.state = newState
	switch newState {
	case StateOpen:
		cb.openedAt = time.Now()
		cb.consecutiveSuccesses = 0
	case StateHalfOpen:
		cb.consecutiveSuccesses = 0
	case StateClosed:
		cb.consecutiveFailures = 0
		cb.consecutiveSuccesses = 0
	}

	cb.config.Logger.Info("circuit breaker state changed", map[string]interface{}{
		"name": cb.config.Name,
		"from": oldState.String(),
		"to":   newState.String(),
	})

	for _, listener := range cb.listeners {
		go listener(cb.config.Name, oldState, newState)
	}
}

// AddStateChangeListener registers a callback invoked (asynchronously) on
// every state transition.
func (cb *CircuitBreaker) AddStateChangeListener(listener func(name string, from, to CircuitState)) {
	cb.mu.Lock()
	cb.listeners = append(cb.listeners, listener)
	cb.mu.Unlock()
}

// GetState returns the current state as a string.
func (cb *CircuitBreaker) GetState() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state.String()
}

// State returns a full snapshot of the breaker, including whether sequential
// fallback should be in effect (open + configured for fallback).
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return BreakerState{
		Name:                 cb.config.Name,
		Current:              cb.state.String(),
		ConsecutiveFailures:  cb.consecutiveFailures,
		ConsecutiveSuccesses: cb.consecutiveSuccesses,
		OpenedAt:             cb.openedAt,
		FallbackActive:       cb.state == StateOpen && cb.config.FallbackToSequential,
	}
}

// Metrics returns counters useful for monitoring dashboards.
func (cb *CircuitBreaker) Metrics() map[string]interface{} {
	st := cb.State()
	return map[string]interface{}{
		"name":                  st.Name,
		"state":                 st.Current,
		"consecutive_failures":  st.ConsecutiveFailures,
		"consecutive_successes": st.ConsecutiveSuccesses,
		"fallback_active":       st.FallbackActive,
		"total_executions":      cb.totalExecutions.Load(),
		"rejected_executions":   cb.rejectedExecutions.Load(),
	}
}

// Reset forces the breaker back to closed and clears all counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	oldState := cb.state
	cb.state = StateClosed
	cb.consecutiveFailures = 0
	cb.consecutiveSuccesses = 0

	cb.config.Logger.Info("circuit breaker reset", map[string]interface{}{
		"name":           cb.config.Name,
		"previous_state": oldState.String(),
	})
}

// ForceOpen manually opens the breaker, overriding the state machine until
// ClearForce is called.
func (cb *CircuitBreaker) ForceOpen() {
	cb.forceOpen.Store(true)
	cb.forceClosed.Store(false)

	cb.mu.Lock()
	cb.transitionLocked(StateOpen)
	cb.mu.Unlock()
}

// ForceClosed manually closes the breaker, overriding the state machine
// until ClearForce is called.
func (cb *CircuitBreaker) ForceClosed() {
	cb.forceClosed.Store(true)
	cb.forceOpen.Store(false)

	cb.mu.Lock()
	cb.transitionLocked(StateClosed)
	cb.mu.Unlock()
}

// ClearForce removes any manual override, returning control to the normal
// state machine.
func (cb *CircuitBreaker) ClearForce() {
	cb.forceOpen.Store(false)
	cb.forceClosed.Store(false)
}
