package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the review orchestration process. It supports
// three-layer configuration priority:
//  1. Default values (lowest priority)
//  2. Environment variables (medium priority)
//  3. Functional options (highest priority)
//
// Example usage:
//
//	cfg, err := NewConfig(
//	    WithMaxWorkers(8),
//	    WithSessionTTL(30*time.Minute),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
type Config struct {
	// Enabled is the master switch. When false, StartReactiveReview refuses
	// to start new sessions; already-running sessions are unaffected.
	Enabled bool `json:"enabled" env:"RRC_ENABLED" default:"true"`

	// Namespace groups related review sessions (e.g. per-repository).
	Namespace string `json:"namespace" env:"RRC_NAMESPACE" default:"default"`

	Cache      CacheConfig      `json:"cache"`
	PlanStore  PlanStoreConfig  `json:"plan_store"`
	History    HistoryConfig    `json:"history"`
	Execution  ExecutionConfig  `json:"execution"`
	Breaker    BreakerConfig    `json:"breaker"`
	Session    SessionConfig    `json:"session"`
	Storage    StorageConfig    `json:"storage"`
	Telemetry  TelemetryConfig  `json:"telemetry"`
	Logging    LoggingConfig    `json:"logging"`
	Development DevelopmentConfig `json:"development"`

	// logger is used for configuration-loading diagnostics, excluded from JSON.
	logger Logger `json:"-"`
}

// CacheConfig configures the three-tier ResponseCache (C1).
type CacheConfig struct {
	MemoryCapacity int           `json:"memory_capacity" env:"RRC_CACHE_MEMORY_CAPACITY" default:"256"`
	TTL            time.Duration `json:"ttl" env:"RRC_CACHE_TTL" default:"1h"`
}

// PlanStoreConfig configures the PlanStore (C2).
type PlanStoreConfig struct {
	Capacity int `json:"capacity" env:"RRC_PLANSTORE_CAPACITY" default:"50"`
}

// HistoryConfig configures the HistoryStore (C3).
type HistoryConfig struct {
	MaxVersionsPerPlan int `json:"max_versions_per_plan" env:"RRC_HISTORY_MAX_VERSIONS" default:"20"`
	MaxPlansTracked    int `json:"max_plans_tracked" env:"RRC_HISTORY_MAX_PLANS" default:"50"`
}

// ExecutionConfig configures the ExecutionTracker (C5) worker pool.
type ExecutionConfig struct {
	MaxWorkers   int           `json:"max_workers" env:"RRC_MAX_WORKERS" default:"8"`
	StepTimeout  time.Duration `json:"step_timeout" env:"RRC_STEP_TIMEOUT" default:"2m"`
	MaxRetries   int           `json:"max_retries" env:"RRC_MAX_RETRIES" default:"2"`
	ParallelExec bool          `json:"parallel_exec" env:"RRC_PARALLEL_EXEC" default:"true"`

	// StopOnFailure controls whether a permanently-failed step cascades an
	// automatic skip onto its dependents. Off by default: a dependent of a
	// failed step simply stays pending until a caller intervenes.
	StopOnFailure bool `json:"stop_on_failure" env:"RRC_STOP_ON_FAILURE" default:"false"`
}

// BreakerConfig configures the process-wide CircuitBreaker (C6).
type BreakerConfig struct {
	FailureThreshold     int           `json:"failure_threshold" env:"RRC_BREAKER_FAILURE_THRESHOLD" default:"3"`
	SuccessThreshold     int           `json:"success_threshold" env:"RRC_BREAKER_SUCCESS_THRESHOLD" default:"2"`
	ResetTimeout         time.Duration `json:"reset_timeout" env:"RRC_BREAKER_RESET_TIMEOUT" default:"60s"`
	FallbackToSequential bool          `json:"fallback_to_sequential" env:"RRC_BREAKER_FALLBACK_SEQUENTIAL" default:"true"`
}

// SessionConfig configures the SessionManager (C7).
type SessionConfig struct {
	SessionTTL         time.Duration `json:"session_ttl" env:"RRC_SESSION_TTL" default:"30m"`
	MaxSessions        int           `json:"max_sessions" env:"RRC_MAX_SESSIONS" default:"100"`
	CleanupInterval    time.Duration `json:"cleanup_interval" env:"RRC_SESSION_CLEANUP_INTERVAL" default:"1m"`
	MinAdaptiveTimeout time.Duration `json:"min_adaptive_timeout" env:"RRC_SESSION_MIN_ADAPTIVE_TIMEOUT" default:"5m"`
	MaxAdaptiveTimeout time.Duration `json:"max_adaptive_timeout" env:"RRC_SESSION_MAX_ADAPTIVE_TIMEOUT" default:"60m"`
	AvgTimePerFile     time.Duration `json:"avg_time_per_file" env:"RRC_SESSION_AVG_TIME_PER_FILE" default:"60s"`
	BufferMultiplier   float64       `json:"buffer_multiplier" env:"RRC_SESSION_BUFFER_MULTIPLIER" default:"1.5"`
	StartupOverhead    time.Duration `json:"startup_overhead" env:"RRC_SESSION_STARTUP_OVERHEAD" default:"2m"`
	StalledThreshold   time.Duration `json:"stalled_threshold" env:"RRC_SESSION_STALLED_THRESHOLD" default:"120s"`

	ChunkedEnabled  bool          `json:"chunked_enabled" env:"RRC_SESSION_CHUNKED_ENABLED" default:"true"`
	ChunkThreshold  int           `json:"chunk_threshold" env:"RRC_SESSION_CHUNK_THRESHOLD" default:"15"`
	ChunkSize       int           `json:"chunk_size" env:"RRC_SESSION_CHUNK_SIZE" default:"10"`
	InterChunkDelay time.Duration `json:"inter_chunk_delay" env:"RRC_SESSION_INTER_CHUNK_DELAY" default:"5s"`

	CommitCache bool `json:"commit_cache" env:"RRC_SESSION_COMMIT_CACHE" default:"true"`
}

// StorageConfig selects and configures the durable StorageProvider backend.
type StorageConfig struct {
	Provider string `json:"provider" env:"RRC_STORAGE_PROVIDER" default:"inmemory"`
	RedisURL string `json:"redis_url" env:"RRC_REDIS_URL,REDIS_URL"`
}

// TelemetryConfig configures OpenTelemetry tracing/metrics export.
type TelemetryConfig struct {
	Enabled        bool    `json:"enabled" env:"RRC_TELEMETRY_ENABLED" default:"false"`
	Endpoint       string  `json:"endpoint" env:"RRC_TELEMETRY_ENDPOINT,OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName    string  `json:"service_name" env:"RRC_TELEMETRY_SERVICE_NAME,OTEL_SERVICE_NAME"`
	SamplingRate   float64 `json:"sampling_rate" env:"RRC_TELEMETRY_SAMPLING_RATE" default:"1.0"`
	Insecure       bool    `json:"insecure" env:"RRC_TELEMETRY_INSECURE" default:"true"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level      string `json:"level" env:"RRC_LOG_LEVEL" default:"info"`
	Format     string `json:"format" env:"RRC_LOG_FORMAT" default:"json"`
	Output     string `json:"output" env:"RRC_LOG_OUTPUT" default:"stdout"`
	TimeFormat string `json:"time_format" env:"RRC_LOG_TIME_FORMAT" default:"2006-01-02T15:04:05.999999999Z07:00"`
}

// DevelopmentConfig contains settings for local development.
type DevelopmentConfig struct {
	Enabled      bool `json:"enabled" env:"RRC_DEV_MODE" default:"false"`
	DebugLogging bool `json:"debug_logging" env:"RRC_DEBUG" default:"false"`
	PrettyLogs   bool `json:"pretty_logs" env:"RRC_PRETTY_LOGS" default:"false"`
}

// Option is a functional option for configuring the orchestrator.
type Option func(*Config) error

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Enabled:   true,
		Namespace: "default",
		Cache: CacheConfig{
			MemoryCapacity: 256,
			TTL:            1 * time.Hour,
		},
		PlanStore: PlanStoreConfig{
			Capacity: 50,
		},
		History: HistoryConfig{
			MaxVersionsPerPlan: 20,
			MaxPlansTracked:    50,
		},
		Execution: ExecutionConfig{
			MaxWorkers:    8,
			StepTimeout:   2 * time.Minute,
			MaxRetries:    2,
			ParallelExec:  true,
			StopOnFailure: false,
		},
		Breaker: BreakerConfig{
			FailureThreshold:     3,
			SuccessThreshold:     2,
			ResetTimeout:         60 * time.Second,
			FallbackToSequential: true,
		},
		Session: SessionConfig{
			SessionTTL:         30 * time.Minute,
			MaxSessions:        100,
			CleanupInterval:    1 * time.Minute,
			MinAdaptiveTimeout: 5 * time.Minute,
			MaxAdaptiveTimeout: 60 * time.Minute,
			AvgTimePerFile:     60 * time.Second,
			BufferMultiplier:   1.5,
			StartupOverhead:    2 * time.Minute,
			StalledThreshold:   120 * time.Second,
			ChunkedEnabled:     true,
			ChunkThreshold:     15,
			ChunkSize:          10,
			InterChunkDelay:    5 * time.Second,
			CommitCache:        true,
		},
		Storage: StorageConfig{
			Provider: "inmemory",
		},
		Telemetry: TelemetryConfig{
			Enabled:      false,
			SamplingRate: 1.0,
			Insecure:     true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			TimeFormat: time.RFC3339Nano,
		},
		Development: DevelopmentConfig{
			Enabled: false,
		},
	}
}

// LoadFromEnv loads configuration from environment variables and validates the result.
func (c *Config) LoadFromEnv() error {
	if c.logger != nil {
		c.logger.Info("loading configuration from environment", map[string]interface{}{
			"config_source": "environment_variables",
		})
	}

	if v := os.Getenv("RRC_ENABLED"); v != "" {
		c.Enabled = parseBool(v)
	}

	if v := os.Getenv("RRC_NAMESPACE"); v != "" {
		c.Namespace = v
	}

	if v := os.Getenv("RRC_CACHE_MEMORY_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Cache.MemoryCapacity = n
		}
	}
	if v := os.Getenv("RRC_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Cache.TTL = d
		}
	}

	if v := os.Getenv("RRC_PLANSTORE_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.PlanStore.Capacity = n
		}
	}

	if v := os.Getenv("RRC_HISTORY_MAX_VERSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.History.MaxVersionsPerPlan = n
		}
	}
	if v := os.Getenv("RRC_HISTORY_MAX_PLANS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.History.MaxPlansTracked = n
		}
	}

	if v := os.Getenv("RRC_MAX_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Execution.MaxWorkers = n
		}
	}
	if v := os.Getenv("RRC_STEP_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Execution.StepTimeout = d
		}
	}
	if v := os.Getenv("RRC_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Execution.MaxRetries = n
		}
	}
	if v := os.Getenv("RRC_PARALLEL_EXEC"); v != "" {
		c.Execution.ParallelExec = parseBool(v)
	}
	if v := os.Getenv("RRC_STOP_ON_FAILURE"); v != "" {
		c.Execution.StopOnFailure = parseBool(v)
	}

	if v := os.Getenv("RRC_BREAKER_FAILURE_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Breaker.FailureThreshold = n
		}
	}
	if v := os.Getenv("RRC_BREAKER_SUCCESS_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Breaker.SuccessThreshold = n
		}
	}
	if v := os.Getenv("RRC_BREAKER_RESET_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Breaker.ResetTimeout = d
		}
	}
	if v := os.Getenv("RRC_BREAKER_FALLBACK_SEQUENTIAL"); v != "" {
		c.Breaker.FallbackToSequential = parseBool(v)
	}

	if v := os.Getenv("RRC_SESSION_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Session.SessionTTL = d
		}
	}
	if v := os.Getenv("RRC_MAX_SESSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Session.MaxSessions = n
		}
	}
	if v := os.Getenv("RRC_SESSION_CLEANUP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Session.CleanupInterval = d
		}
	}
	if v := os.Getenv("RRC_SESSION_MIN_ADAPTIVE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Session.MinAdaptiveTimeout = d
		}
	}
	if v := os.Getenv("RRC_SESSION_MAX_ADAPTIVE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Session.MaxAdaptiveTimeout = d
		}
	}
	if v := os.Getenv("RRC_SESSION_AVG_TIME_PER_FILE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Session.AvgTimePerFile = d
		}
	}
	if v := os.Getenv("RRC_SESSION_BUFFER_MULTIPLIER"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Session.BufferMultiplier = f
		}
	}
	if v := os.Getenv("RRC_SESSION_STARTUP_OVERHEAD"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Session.StartupOverhead = d
		}
	}
	if v := os.Getenv("RRC_SESSION_STALLED_THRESHOLD"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Session.StalledThreshold = d
		}
	}
	if v := os.Getenv("RRC_SESSION_CHUNKED_ENABLED"); v != "" {
		c.Session.ChunkedEnabled = parseBool(v)
	}
	if v := os.Getenv("RRC_SESSION_CHUNK_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Session.ChunkThreshold = n
		}
	}
	if v := os.Getenv("RRC_SESSION_CHUNK_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Session.ChunkSize = n
		}
	}
	if v := os.Getenv("RRC_SESSION_INTER_CHUNK_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Session.InterChunkDelay = d
		}
	}
	if v := os.Getenv("RRC_SESSION_COMMIT_CACHE"); v != "" {
		c.Session.CommitCache = parseBool(v)
	}

	if v := os.Getenv("RRC_STORAGE_PROVIDER"); v != "" {
		c.Storage.Provider = v
	}
	if v := os.Getenv("RRC_REDIS_URL"); v != "" {
		c.Storage.RedisURL = v
	} else if v := os.Getenv("REDIS_URL"); v != "" {
		c.Storage.RedisURL = v
	}

	if v := os.Getenv("RRC_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = parseBool(v)
	}
	if v := os.Getenv("RRC_TELEMETRY_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
		c.Telemetry.Enabled = true
	} else if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
		c.Telemetry.Enabled = true
	}
	if v := os.Getenv("RRC_TELEMETRY_SERVICE_NAME"); v != "" {
		c.Telemetry.ServiceName = v
	} else if v := os.Getenv("OTEL_SERVICE_NAME"); v != "" {
		c.Telemetry.ServiceName = v
	} else if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "reactive-review-core"
	}

	if v := os.Getenv("RRC_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("RRC_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}

	if v := os.Getenv("RRC_DEV_MODE"); v != "" {
		c.Development.Enabled = parseBool(v)
		if c.Development.Enabled {
			c.Development.PrettyLogs = true
			c.Logging.Level = "debug"
			c.Logging.Format = "text"
		}
	}
	if v := os.Getenv("RRC_DEBUG"); v != "" {
		c.Development.DebugLogging = parseBool(v)
		if c.Development.DebugLogging {
			c.Logging.Level = "debug"
		}
	}

	if err := c.Validate(); err != nil {
		if c.logger != nil {
			c.logger.Error("configuration validation failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
		return err
	}

	return nil
}

// LoadFromFile loads configuration from a JSON file. File settings override
// environment variables but are overridden by functional options.
func (c *Config) LoadFromFile(path string) error {
	cleanPath := filepath.Clean(path)

	ext := filepath.Ext(cleanPath)
	if ext != ".json" {
		return fmt.Errorf("unsupported config file extension %s: %w", ext, ErrInvalidInput)
	}

	if !filepath.IsAbs(cleanPath) {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("failed to get working directory: %w", err)
		}
		cleanPath = filepath.Join(wd, cleanPath)
	}

	data, err := os.ReadFile(cleanPath) // nosec G304 -- path is validated and cleaned
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", cleanPath, err)
	}

	if err := json.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", ErrInvalidInput)
	}

	return nil
}

// Validate checks if the configuration is self-consistent.
func (c *Config) Validate() error {
	if c.Cache.MemoryCapacity <= 0 {
		return &FrameworkError{Op: "Config.Validate", Kind: "invalid_input",
			Message: "cache memory_capacity must be positive", Err: ErrInvalidInput}
	}
	if c.Execution.MaxWorkers <= 0 {
		return &FrameworkError{Op: "Config.Validate", Kind: "invalid_input",
			Message: "execution max_workers must be positive", Err: ErrInvalidInput}
	}
	if c.Breaker.FailureThreshold <= 0 || c.Breaker.SuccessThreshold <= 0 {
		return &FrameworkError{Op: "Config.Validate", Kind: "invalid_input",
			Message: "breaker thresholds must be positive", Err: ErrInvalidInput}
	}
	if c.Session.SessionTTL <= 0 {
		return &FrameworkError{Op: "Config.Validate", Kind: "invalid_input",
			Message: "session_ttl must be positive", Err: ErrInvalidInput}
	}
	if c.Session.MinAdaptiveTimeout <= 0 || c.Session.MaxAdaptiveTimeout <= 0 {
		return &FrameworkError{Op: "Config.Validate", Kind: "invalid_input",
			Message: "session adaptive timeout bounds must be positive", Err: ErrInvalidInput}
	}
	if c.Session.MinAdaptiveTimeout > c.Session.MaxAdaptiveTimeout {
		return &FrameworkError{Op: "Config.Validate", Kind: "invalid_input",
			Message: "session min_adaptive_timeout must not exceed max_adaptive_timeout", Err: ErrInvalidInput}
	}
	if c.Session.ChunkSize <= 0 {
		return &FrameworkError{Op: "Config.Validate", Kind: "invalid_input",
			Message: "session chunk_size must be positive", Err: ErrInvalidInput}
	}
	if c.Storage.Provider == "redis" && c.Storage.RedisURL == "" {
		return &FrameworkError{Op: "Config.Validate", Kind: "invalid_input",
			Message: "redis URL is required when storage provider is redis", Err: ErrInvalidInput}
	}
	return nil
}

// parseBool converts a string to a boolean value.
func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes" || s == "on"
}

// Functional Options

// WithEnabled sets the master switch; false refuses new review sessions.
func WithEnabled(enabled bool) Option {
	return func(c *Config) error {
		c.Enabled = enabled
		return nil
	}
}

// WithNamespace sets the logical namespace used for key prefixing.
func WithNamespace(namespace string) Option {
	return func(c *Config) error {
		c.Namespace = namespace
		return nil
	}
}

// WithMaxWorkers bounds the ExecutionTracker's worker pool size.
func WithMaxWorkers(n int) Option {
	return func(c *Config) error {
		if n <= 0 {
			return &FrameworkError{Op: "WithMaxWorkers", Kind: "invalid_input",
				Message: fmt.Sprintf("invalid max workers: %d", n), Err: ErrInvalidInput}
		}
		c.Execution.MaxWorkers = n
		return nil
	}
}

// WithStepTimeout sets the per-step execution timeout.
func WithStepTimeout(d time.Duration) Option {
	return func(c *Config) error {
		c.Execution.StepTimeout = d
		return nil
	}
}

// WithMaxRetries sets the maximum retry attempts per step.
func WithMaxRetries(n int) Option {
	return func(c *Config) error {
		c.Execution.MaxRetries = n
		return nil
	}
}

// WithStopOnFailure toggles whether a permanently-failed step cascades an
// automatic skip onto its dependents.
func WithStopOnFailure(enabled bool) Option {
	return func(c *Config) error {
		c.Execution.StopOnFailure = enabled
		return nil
	}
}

// WithCircuitBreaker configures the process-wide breaker thresholds.
func WithCircuitBreaker(failureThreshold, successThreshold int, resetTimeout time.Duration) Option {
	return func(c *Config) error {
		c.Breaker.FailureThreshold = failureThreshold
		c.Breaker.SuccessThreshold = successThreshold
		c.Breaker.ResetTimeout = resetTimeout
		return nil
	}
}

// WithSessionTTL sets how long a terminal review session is kept after its
// last activity before CleanupExpired evicts it.
func WithSessionTTL(ttl time.Duration) Option {
	return func(c *Config) error {
		if ttl <= 0 {
			return &FrameworkError{Op: "WithSessionTTL", Kind: "invalid_input",
				Message: "session TTL must be positive", Err: ErrInvalidInput}
		}
		c.Session.SessionTTL = ttl
		return nil
	}
}

// WithMaxSessions caps the number of concurrently tracked sessions.
func WithMaxSessions(n int) Option {
	return func(c *Config) error {
		c.Session.MaxSessions = n
		return nil
	}
}

// WithAdaptiveTimeout sets the clamp bounds for the session's per-plan
// adaptive timeout calculation (spec: T = clamp(min, max, estimate)).
func WithAdaptiveTimeout(min, max time.Duration) Option {
	return func(c *Config) error {
		if min <= 0 || max <= 0 || min > max {
			return &FrameworkError{Op: "WithAdaptiveTimeout", Kind: "invalid_input",
				Message: "invalid adaptive timeout bounds", Err: ErrInvalidInput}
		}
		c.Session.MinAdaptiveTimeout = min
		c.Session.MaxAdaptiveTimeout = max
		return nil
	}
}

// WithChunking configures chunked execution for large plans: once a plan's
// step count exceeds threshold, steps run in batches of size with a pause
// between batches.
func WithChunking(enabled bool, threshold, size int, interChunkDelay time.Duration) Option {
	return func(c *Config) error {
		if size <= 0 {
			return &FrameworkError{Op: "WithChunking", Kind: "invalid_input",
				Message: "chunk size must be positive", Err: ErrInvalidInput}
		}
		c.Session.ChunkedEnabled = enabled
		c.Session.ChunkThreshold = threshold
		c.Session.ChunkSize = size
		c.Session.InterChunkDelay = interChunkDelay
		return nil
	}
}

// WithParallelExec toggles whether independent plan steps execute concurrently
// (true) or are forced sequential (false, e.g. for deterministic debugging).
func WithParallelExec(enabled bool) Option {
	return func(c *Config) error {
		c.Execution.ParallelExec = enabled
		return nil
	}
}

// WithCacheTTL sets the TTL applied uniformly across all three cache tiers.
func WithCacheTTL(ttl time.Duration) Option {
	return func(c *Config) error {
		c.Cache.TTL = ttl
		return nil
	}
}

// WithRedisURL enables the Redis StorageProvider backend.
func WithRedisURL(url string) Option {
	return func(c *Config) error {
		c.Storage.RedisURL = url
		c.Storage.Provider = "redis"
		return nil
	}
}

// WithTelemetry enables OpenTelemetry export to the given OTLP endpoint.
func WithTelemetry(enabled bool, endpoint string) Option {
	return func(c *Config) error {
		c.Telemetry.Enabled = enabled
		c.Telemetry.Endpoint = endpoint
		if c.Telemetry.ServiceName == "" {
			c.Telemetry.ServiceName = "reactive-review-core"
		}
		return nil
	}
}

// WithLogLevel sets the minimum logging level ("error", "warn", "info", "debug").
func WithLogLevel(level string) Option {
	return func(c *Config) error {
		c.Logging.Level = level
		return nil
	}
}

// WithLogFormat sets the logging output format ("json" or "text").
func WithLogFormat(format string) Option {
	return func(c *Config) error {
		c.Logging.Format = format
		return nil
	}
}

// WithConfigFile loads configuration from a JSON file at its position in the
// option list; options after it override the file's values.
func WithConfigFile(path string) Option {
	return func(c *Config) error {
		return c.LoadFromFile(path)
	}
}

// WithDevelopmentMode enables development-friendly defaults: pretty logs, debug level.
func WithDevelopmentMode(enabled bool) Option {
	return func(c *Config) error {
		c.Development.Enabled = enabled
		if enabled {
			c.Development.PrettyLogs = true
			c.Logging.Format = "text"
			c.Logging.Level = "debug"
		}
		return nil
	}
}

// WithLogger sets the logger used for configuration-loading diagnostics.
func WithLogger(logger Logger) Option {
	return func(c *Config) error {
		c.logger = logger
		return nil
	}
}

// NewConfig creates a new configuration with the provided options, applied in order:
//  1. Default values from DefaultConfig()
//  2. Environment variables via LoadFromEnv()
//  3. Functional options (highest priority)
//  4. Validation via Validate()
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load env config: %w", err)
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if cfg.logger == nil {
		cfg.logger = NewProductionLogger(cfg.Logging, cfg.Development, "reactive-review-core")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// ProductionLogger is a dependency-free structured logger emitting JSON or
// human-readable lines depending on LoggingConfig.Format.
type ProductionLogger struct {
	level       string
	debug       bool
	serviceName string
	format      string
	output      io.Writer
	component   string
}

// NewProductionLogger creates a logger from LoggingConfig.
func NewProductionLogger(logging LoggingConfig, dev DevelopmentConfig, serviceName string) Logger {
	var output io.Writer = os.Stdout
	if logging.Output == "stderr" {
		output = os.Stderr
	}

	return &ProductionLogger{
		level:       strings.ToLower(logging.Level),
		debug:       dev.DebugLogging || logging.Level == "debug",
		serviceName: serviceName,
		format:      logging.Format,
		output:      output,
	}
}

func (p *ProductionLogger) Info(msg string, fields map[string]interface{})  { p.logEvent("INFO", msg, fields) }
func (p *ProductionLogger) Error(msg string, fields map[string]interface{}) { p.logEvent("ERROR", msg, fields) }
func (p *ProductionLogger) Warn(msg string, fields map[string]interface{})  { p.logEvent("WARN", msg, fields) }
func (p *ProductionLogger) Debug(msg string, fields map[string]interface{}) {
	if p.debug {
		p.logEvent("DEBUG", msg, fields)
	}
}

func (p *ProductionLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent("INFO", msg, fields)
}
func (p *ProductionLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent("ERROR", msg, fields)
}
func (p *ProductionLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent("WARN", msg, fields)
}
func (p *ProductionLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	if p.debug {
		p.logEvent("DEBUG", msg, fields)
	}
}

// WithComponent returns a logger tagged with component for every subsequent line.
func (p *ProductionLogger) WithComponent(component string) Logger {
	clone := *p
	clone.component = component
	return &clone
}

func (p *ProductionLogger) logEvent(level, msg string, fields map[string]interface{}) {
	timestamp := time.Now().Format(time.RFC3339)

	if p.format == "json" {
		logEntry := map[string]interface{}{
			"timestamp": timestamp,
			"level":     level,
			"service":   p.serviceName,
			"message":   msg,
		}
		if p.component != "" {
			logEntry["component"] = p.component
		}
		for k, v := range fields {
			logEntry[k] = v
		}
		if data, err := json.Marshal(logEntry); err == nil {
			fmt.Fprintln(p.output, string(data))
		}
		return
	}

	var fieldStr strings.Builder
	if len(fields) > 0 {
		fieldStr.WriteString(" ")
		for k, v := range fields {
			fieldStr.WriteString(fmt.Sprintf("%s=%v ", k, v))
		}
	}

	component := p.component
	if component == "" {
		component = p.serviceName
	}
	fmt.Fprintf(p.output, "%s [%s] [%s] %s%s\n", timestamp, level, component, msg, fieldStr.String())
}
