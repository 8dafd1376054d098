package telemetry

import (
	"sync"
	"sync/atomic"
	"time"
)

// TelemetryCircuitBreaker protects the metrics backend from overload. It is
// a separate concern from resilience.CircuitBreaker, which gates review-step
// execution: this one only decides whether Emit should keep talking to the
// OTel collector.
type TelemetryCircuitBreaker struct {
	config CircuitConfig

	state           atomic.Value // string: "closed", "open", "half-open"
	failures        atomic.Int64
	successes       atomic.Int64
	lastFailureTime atomic.Value // time.Time

	mu sync.Mutex
}

// CircuitConfig configures the telemetry circuit breaker.
type CircuitConfig struct {
	Enabled      bool
	MaxFailures  int
	RecoveryTime time.Duration
	HalfOpenMax  int
}

// NewTelemetryCircuitBreaker returns nil when disabled, so every call site
// can treat a nil *TelemetryCircuitBreaker as "always allow".
func NewTelemetryCircuitBreaker(config CircuitConfig) *TelemetryCircuitBreaker {
	if !config.Enabled {
		return nil
	}

	if config.MaxFailures == 0 {
		config.MaxFailures = 10
	}
	if config.RecoveryTime == 0 {
		config.RecoveryTime = 30 * time.Second
	}
	if config.HalfOpenMax == 0 {
		config.HalfOpenMax = 5
	}

	cb := &TelemetryCircuitBreaker{
		config: config,
	}
	cb.state.Store("closed")
	cb.lastFailureTime.Store(time.Time{})

	return cb
}

// Allow reports whether a metric emission should proceed.
func (cb *TelemetryCircuitBreaker) Allow() bool {
	if cb == nil {
		return true
	}

	switch cb.State() {
	case "open":
		lastFailureVal := cb.lastFailureTime.Load()
		if lastFailure, ok := lastFailureVal.(time.Time); ok && !lastFailure.IsZero() {
			if time.Since(lastFailure) > cb.config.RecoveryTime {
				cb.mu.Lock()
				if cb.state.Load().(string) == "open" {
					cb.state.Store("half-open")
					cb.successes.Store(0)
					GetLogger().Info("telemetry circuit breaker entering half-open", map[string]interface{}{
						"recovery_wait":     cb.config.RecoveryTime.String(),
						"max_test_requests": cb.config.HalfOpenMax,
					})
				}
				cb.mu.Unlock()
				return true
			}
		}
		return false

	case "half-open":
		return cb.successes.Load() < int64(cb.config.HalfOpenMax)

	default: // closed
		return true
	}
}

// RecordSuccess marks an emission as successful. In half-open state enough
// successes close the circuit; in closed state it resets the failure count.
func (cb *TelemetryCircuitBreaker) RecordSuccess() {
	if cb == nil {
		return
	}

	cb.successes.Add(1)

	switch cb.State() {
	case "half-open":
		if cb.successes.Load() >= int64(cb.config.HalfOpenMax) {
			cb.mu.Lock()
			if cb.state.Load().(string) == "half-open" {
				cb.state.Store("closed")
				cb.failures.Store(0)
				GetLogger().Info("telemetry circuit breaker closed, backend recovered", nil)
			}
			cb.mu.Unlock()
		}
	case "closed":
		cb.failures.Store(0)
	}
}

// RecordFailure marks an emission as failed, opening the circuit once
// MaxFailures consecutive failures accumulate.
func (cb *TelemetryCircuitBreaker) RecordFailure() {
	if cb == nil {
		return
	}

	failures := cb.failures.Add(1)
	cb.lastFailureTime.Store(time.Now())

	if failures >= int64(cb.config.MaxFailures) {
		cb.mu.Lock()
		if cb.state.Load().(string) != "open" {
			cb.state.Store("open")
			cb.successes.Store(0)
			GetLogger().Warn("telemetry circuit breaker opened, metrics will be dropped", map[string]interface{}{
				"failure_count": failures,
				"max_failures":  cb.config.MaxFailures,
				"recovery_time": cb.config.RecoveryTime.String(),
			})
		}
		cb.mu.Unlock()
	}
}

// State returns the current state as a string, or "disabled" for a nil
// breaker.
func (cb *TelemetryCircuitBreaker) State() string {
	if cb == nil {
		return "disabled"
	}
	return cb.state.Load().(string)
}

// Reset forces the breaker back to closed, clearing counters.
func (cb *TelemetryCircuitBreaker) Reset() {
	if cb == nil {
		return
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	previousState := cb.state.Load().(string)

	cb.state.Store("closed")
	cb.failures.Store(0)
	cb.successes.Store(0)
	cb.lastFailureTime.Store(time.Time{})

	if previousState != "closed" {
		GetLogger().Info("telemetry circuit breaker manually reset", map[string]interface{}{
			"previous_state": previousState,
		})
	}
}
