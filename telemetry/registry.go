package telemetry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/reactive-review/rrc/core"
)

var (
	// globalRegistry holds the singleton Registry. atomic.Value gives
	// lock-free reads on the Emit hot path; it's written once by Initialize.
	globalRegistry atomic.Value // *Registry

	initOnce sync.Once

	telemetryErrors  atomic.Int64
	telemetryDropped atomic.Int64
)

// Registry coordinates the OTel provider, cardinality limiter, and the
// telemetry-backend circuit breaker behind the simple Emit API.
type Registry struct {
	config   Config
	provider *OTelProvider
	limiter  *CardinalityLimiter
	circuit  *TelemetryCircuitBreaker
	metrics  *MetricInstruments
	logger   *TelemetryLogger

	emitted   atomic.Int64
	startTime time.Time
	lastError atomic.Value // string

	errorLimiter *RateLimiter
}

// Initialize activates the telemetry system. Safe to call from multiple
// goroutines; only the first call takes effect, matching the rest of the
// package's fail-safe-never-panic posture.
func Initialize(config Config) error {
	var initErr error
	initOnce.Do(func() {
		logger := NewTelemetryLogger(config.ServiceName)

		logger.Info("telemetry initialization starting", map[string]interface{}{
			"service_name":      config.ServiceName,
			"endpoint":          config.Endpoint,
			"cardinality_limit": config.CardinalityLimit,
			"circuit_enabled":   config.CircuitBreaker.Enabled,
		})

		registry, err := newRegistry(config)
		if err != nil {
			initErr = err
			logger.Error("telemetry initialization failed", map[string]interface{}{
				"error":    err.Error(),
				"endpoint": config.Endpoint,
				"action":   "check the OTel collector at the configured endpoint",
			})
			return
		}

		registry.logger = logger
		globalRegistry.Store(registry)
		logger.EnableMetrics()

		logger.Info("telemetry system initialized", map[string]interface{}{
			"circuit_enabled": registry.circuit != nil,
			"limiter_enabled": registry.limiter != nil,
			"startup_ms":      time.Since(registry.startTime).Milliseconds(),
		})
	})
	return initErr
}

func newRegistry(config Config) (*Registry, error) {
	startTime := time.Now()

	if config.Endpoint == "" {
		config.Endpoint = "localhost:4318"
	}
	if config.ServiceName == "" {
		config.ServiceName = "rrc"
	}
	if config.CardinalityLimit == 0 {
		config.CardinalityLimit = 10000
	}

	provider, err := NewOTelProvider(config.ServiceName, config.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTel provider: %w", err)
	}

	limits := config.CardinalityLimits
	if limits == nil {
		limits = map[string]int{
			"session_id": 200,
			"plan_id":    200,
			"step_id":    200,
			"error_type": 50,
		}
	}

	r := &Registry{
		config:       config,
		provider:     provider,
		limiter:      NewCardinalityLimiter(limits),
		circuit:      NewTelemetryCircuitBreaker(config.CircuitBreaker),
		metrics:      provider.metrics,
		startTime:    startTime,
		errorLimiter: NewRateLimiter(1 * time.Second),
	}

	r.lastError.Store("")

	return r, nil
}

func (r *Registry) emit(name string, value float64, labels map[string]string) error {
	if r.circuit != nil && !r.circuit.Allow() {
		telemetryDropped.Add(1)
		return fmt.Errorf("telemetry circuit breaker open")
	}

	if r.limiter != nil {
		for key, val := range labels {
			limited := r.limiter.CheckAndLimit(name, key, val)
			if limited != val {
				labels[key] = limited
			}
		}
	}

	if r.provider != nil {
		r.provider.RecordMetric(name, value, labels)
		r.emitted.Add(1)

		if r.circuit != nil {
			r.circuit.RecordSuccess()
		}
	}

	return nil
}

// Emit records a metric by name, value, and flat key/value label pairs.
// It never returns an error: a misconfigured or unreachable backend degrades
// to a silent no-op rather than taking down the caller.
func Emit(name string, value float64, labels ...string) {
	registry := globalRegistry.Load()
	if registry == nil {
		return
	}

	r := registry.(*Registry)
	if err := r.emit(name, value, parseLabels(labels...)); err != nil {
		telemetryErrors.Add(1)
		r.lastError.Store(err.Error())

		if r.logger != nil && r.errorLimiter != nil && r.errorLimiter.Allow() {
			r.logger.Error("failed to emit metric", map[string]interface{}{
				"metric": name,
				"error":  err.Error(),
			})
		}

		if r.circuit != nil {
			r.circuit.RecordFailure()
		}
	}
}

// EmitWithContext is Emit plus a per-context provider hook: when FromContext
// returns a provider for ctx, the metric is recorded against it instead of
// the global registry. FromContext always returns nil, so every call falls
// through to Emit.
func EmitWithContext(ctx context.Context, name string, value float64, labels ...string) {
	if provider := FromContext(ctx); provider != nil {
		provider.RecordMetric(name, value, parseLabels(labels...))
		return
	}
	Emit(name, value, labels...)
}

// FromContext extracts a per-request telemetry provider from ctx. RRC
// doesn't thread a provider through context today, so this always defers to
// the global registry; the hook exists so request-scoped multi-tenant
// telemetry can be added without changing EmitWithContext's callers.
func FromContext(ctx context.Context) *OTelProvider {
	return nil
}

func parseLabels(labels ...string) map[string]string {
	m := make(map[string]string, len(labels)/2)
	for i := 0; i < len(labels)-1; i += 2 {
		m[labels[i]] = labels[i+1]
	}
	return m
}

// Shutdown flushes and tears down the telemetry system. Safe to call even
// if Initialize was never called.
func Shutdown(ctx context.Context) error {
	registry := globalRegistry.Load()
	if registry == nil {
		return nil
	}

	r := registry.(*Registry)

	if r.logger != nil {
		r.logger.Info("shutting down telemetry system", map[string]interface{}{
			"total_emitted": r.emitted.Load(),
			"uptime_ms":     time.Since(r.startTime).Milliseconds(),
		})
	}

	if r.limiter != nil {
		r.limiter.Stop()
	}

	var shutdownErr error
	if r.provider != nil {
		shutdownErr = r.provider.Shutdown(ctx)
	}

	globalRegistry.Store((*Registry)(nil))

	return shutdownErr
}

// GetRegistry returns the active registry, or nil before Initialize.
func GetRegistry() *Registry {
	r := globalRegistry.Load()
	if r == nil {
		return nil
	}
	return r.(*Registry)
}

// GetTelemetryProvider exposes the OTel provider as core.Telemetry so the
// orchestration package can start spans without importing this package's
// internals.
func GetTelemetryProvider() core.Telemetry {
	r := GetRegistry()
	if r == nil || r.provider == nil {
		return nil
	}
	return r.provider
}

// HealthStatus summarizes the telemetry system's own health, independent of
// what it's reporting about the rest of RRC.
type HealthStatus struct {
	Initialized    bool
	MetricsEmitted int64
	Errors         int64
	Dropped        int64
	CircuitState   string
	LastError      string
	Uptime         time.Duration
}

// GetHealth reports the telemetry system's self-health, used by operational
// tooling and tests to confirm metrics are actually flowing.
func GetHealth() HealthStatus {
	r := GetRegistry()
	if r == nil {
		return HealthStatus{Initialized: false}
	}

	lastErr, _ := r.lastError.Load().(string)
	circuitState := "disabled"
	if r.circuit != nil {
		circuitState = r.circuit.State()
	}

	return HealthStatus{
		Initialized:    true,
		MetricsEmitted: r.emitted.Load(),
		Errors:         telemetryErrors.Load(),
		Dropped:        telemetryDropped.Load(),
		CircuitState:   circuitState,
		LastError:      lastErr,
		Uptime:         time.Since(r.startTime),
	}
}
