package orchestration

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/reactive-review/rrc/core"
	"github.com/reactive-review/rrc/resilience"
)

// reviewTelemetry tracks the per-session counters GetReviewTelemetry reports
// that don't belong on the persisted ReviewSession itself.
type reviewTelemetry struct {
	startedAt     time.Time
	lastActivity  time.Time
	tokensUsed    int
	findingsCount int
}

// ReviewOrchestrator (C8) is RRC's entry point: it composes the cache, plan
// store, history store, execution tracker, circuit breaker, and session
// manager into the `start/execute/pause/resume/cancel` review lifecycle
// described in spec §2 and §6.
type ReviewOrchestrator struct {
	cache     *ResponseCache
	planStore *PlanStore
	history   *HistoryStore
	tracker   *ExecutionTracker
	sessions  *SessionManager
	breaker   *resilience.CircuitBreaker

	contextBackend ContextBackend
	llm            LLMClient
	planner        Planner

	config core.Config
	logger core.Logger

	mu        sync.Mutex
	telemetry map[string]*reviewTelemetry
}

// NewReviewOrchestrator wires C1-C7 from cfg and the three external
// collaborators. It is the one place `core.Config`'s ambient, capacity-only
// config structs (CacheConfig, PlanStoreConfig, HistoryConfig) are expanded
// into the richer orchestration-package config shapes each component
// actually takes.
func NewReviewOrchestrator(cfg core.Config, provider StorageProvider, contextBackend ContextBackend, llm LLMClient, planner Planner, logger core.Logger) (*ReviewOrchestrator, error) {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	orchLogger := logger
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		orchLogger = cal.WithComponent("rrc/orchestrator")
	}

	breaker, err := resilience.NewCircuitBreaker(&resilience.CircuitBreakerConfig{
		Name:                 cfg.Namespace + "-rrc",
		FailureThreshold:     cfg.Breaker.FailureThreshold,
		SuccessThreshold:     cfg.Breaker.SuccessThreshold,
		ResetTimeout:         cfg.Breaker.ResetTimeout,
		FallbackToSequential: cfg.Breaker.FallbackToSequential,
		ErrorClassifier:      resilience.DefaultErrorClassifier,
		Logger:               logger,
	})
	if err != nil {
		return nil, core.NewFrameworkError("NewReviewOrchestrator", "invalid_input", err)
	}

	cache := NewResponseCache(cfg.Cache.MemoryCapacity, cfg.Cache.TTL)
	cache.SetCommitCacheEnabled(cfg.Session.CommitCache)

	planStoreCfg := PlanStoreConfig{
		KeyPrefix:     core.PlanKeyPrefix,
		IndexKey:      core.PlanKeyPrefix + "index",
		IndexCapacity: cfg.PlanStore.Capacity,
	}
	planStore := NewPlanStore(provider, planStoreCfg, logger)

	historyCfg := HistoryStoreConfig{
		KeyPrefix:     core.HistoryKeyPrefix,
		MaxVersions:   cfg.History.MaxVersionsPerPlan,
		MaxPlansCache: cfg.History.MaxPlansTracked,
	}
	history := NewHistoryStore(provider, historyCfg, logger)

	trackerCfg := TrackerConfig{
		MaxWorkers:      cfg.Execution.MaxWorkers,
		StepTimeout:     cfg.Execution.StepTimeout,
		MaxRetries:      cfg.Execution.MaxRetries,
		ParallelExec:    cfg.Execution.ParallelExec,
		StopOnFailure:   cfg.Execution.StopOnFailure,
		PlanTTL:         time.Hour,
		CleanupInterval: 5 * time.Minute,
		MaxPlansTracked: 100,
	}
	tracker := NewExecutionTracker(trackerCfg, breaker, logger)

	sessions := NewSessionManager(cfg.Session, cfg.Execution, planStore, tracker, cache, logger)

	return &ReviewOrchestrator{
		cache:          cache,
		planStore:      planStore,
		history:        history,
		tracker:        tracker,
		sessions:       sessions,
		breaker:        breaker,
		contextBackend: contextBackend,
		llm:            llm,
		planner:        planner,
		config:         cfg,
		logger:         orchLogger,
		telemetry:      make(map[string]*reviewTelemetry),
	}, nil
}

// StartBackgroundLoops launches the tracker's and session manager's periodic
// cleanup goroutines. Call once per orchestrator lifetime.
func (o *ReviewOrchestrator) StartBackgroundLoops(ctx context.Context) {
	o.tracker.StartCleanup(ctx)
	o.sessions.StartCleanup(ctx)
}

// StopBackgroundLoops halts the periodic cleanup goroutines.
func (o *ReviewOrchestrator) StopBackgroundLoops() {
	o.tracker.StopCleanup()
	o.sessions.StopCleanup()
}

// StartReactiveReview synthesizes a plan for pr via the Planner, sanitizes
// it for pure parallelism, persists it, and opens a new ReviewSession bound
// to it.
func (o *ReviewOrchestrator) StartReactiveReview(ctx context.Context, pr PRMetadata, opts StartOptions) (*ReviewSession, error) {
	if !o.config.Enabled {
		return nil, core.NewFrameworkError("StartReactiveReview", "conflict", core.ErrConflict)
	}

	planCtx, err := o.contextBackend.GetContextForPrompt(ctx, pr.Title, ContextOptions{MaxFiles: len(pr.ChangedFiles)})
	if err != nil {
		return nil, core.NewFrameworkError("StartReactiveReview", "backend_unavailable", core.ErrBackendUnavailable)
	}

	rawPlan, err := o.planner.GeneratePlan(ctx, pr.Title, PlanOptions{Context: planCtx})
	if err != nil {
		return nil, core.NewFrameworkError("StartReactiveReview", "backend_unavailable", core.ErrBackendUnavailable)
	}
	plan := sanitizeForReactiveReview(rawPlan)

	meta, err := o.planStore.Save(ctx, plan, SaveOptions{Name: pr.Title})
	if err != nil {
		return nil, err
	}
	plan.ID = meta.PlanID

	if _, err := o.history.RecordVersion(ctx, plan, ChangeCreated, "initial plan for "+pr.CommitHash); err != nil {
		o.logger.Warn("record initial version failed", map[string]interface{}{"plan_id": plan.ID, "error": err.Error()})
	}

	session, err := o.sessions.Start(pr, opts)
	if err != nil {
		return nil, err
	}
	session.PlanID = plan.ID
	o.sessions.mu.Lock()
	if entry, ok := o.sessions.sessions[session.SessionID]; ok {
		entry.session.PlanID = plan.ID
	}
	o.sessions.mu.Unlock()

	o.mu.Lock()
	now := time.Now()
	o.telemetry[session.SessionID] = &reviewTelemetry{startedAt: now, lastActivity: now}
	o.mu.Unlock()

	return session, nil
}

// executorFor builds the StepExecutorFunc a session's ExecutionTracker runs,
// consulting the cache before calling through to the LLM and writing the
// result back into every cache tier on a miss.
func (o *ReviewOrchestrator) executorFor(session *ReviewSession) StepExecutorFunc {
	return func(ctx context.Context, step PlanStep) (StepResult, error) {
		key := CacheKey{
			CommitHash:      session.PRMetadata.CommitHash,
			FilePath:        stepFilePath(step),
			ContentHash:     fingerprint(stepFilePath(step)),
			StepFingerprint: fingerprint(step.Description),
		}

		if cached, ok := o.cache.Get(key); ok {
			o.recordFindings(session.SessionID, len(cached.Findings))
			return StepResult{StepNumber: step.StepNumber, Success: true}, nil
		}

		promptCtx, err := o.contextBackend.GetContextForPrompt(ctx, step.Title, ContextOptions{MaxFiles: 5})
		if err != nil {
			return StepResult{StepNumber: step.StepNumber, Success: false, Error: core.ErrBackendUnavailable.Error()}, core.ErrTransientFailure
		}

		text, err := o.llm.SearchAndAsk(ctx, step.Title, buildPrompt(step, promptCtx))
		if err != nil {
			return StepResult{StepNumber: step.StepNumber, Success: false, Error: err.Error()}, core.ErrTransientFailure
		}

		finding := Finding{File: stepFilePath(step), Severity: SeverityInfo, Category: "review", Message: text}
		o.cache.Put(key, []Finding{finding})
		o.recordFindings(session.SessionID, 1)

		return StepResult{StepNumber: step.StepNumber, Success: true}, nil
	}
}

func buildPrompt(step PlanStep, promptCtx Context) string {
	prompt := step.Description
	for _, hit := range promptCtx.Hits {
		prompt += fmt.Sprintf("\n\n--- %s ---\n%s", hit.Path, hit.Content)
	}
	return prompt
}

func stepFilePath(step PlanStep) string {
	if len(step.FilesToModify) > 0 {
		return step.FilesToModify[0].Path
	}
	if len(step.FilesToCreate) > 0 {
		return step.FilesToCreate[0].Path
	}
	return fmt.Sprintf("step-%d", step.StepNumber)
}

func fingerprint(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:16]
}

func (o *ReviewOrchestrator) recordFindings(sessionID string, n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.telemetry[sessionID]
	if !ok {
		t = &reviewTelemetry{startedAt: time.Now()}
		o.telemetry[sessionID] = t
	}
	t.findingsCount += n
	t.lastActivity = time.Now()
}

// ExecuteReview drives sessionID's plan to completion via the unchunked
// tracker dispatch path.
func (o *ReviewOrchestrator) ExecuteReview(ctx context.Context, sessionID string) ([]StepResult, error) {
	return o.runReview(ctx, sessionID, false)
}

// ExecuteReviewChunked forces chunked dispatch regardless of step count.
func (o *ReviewOrchestrator) ExecuteReviewChunked(ctx context.Context, sessionID string) ([]StepResult, error) {
	return o.runReview(ctx, sessionID, true)
}

func (o *ReviewOrchestrator) runReview(ctx context.Context, sessionID string, forceChunked bool) ([]StepResult, error) {
	session, err := o.sessions.Status(sessionID)
	if err != nil {
		return nil, err
	}

	plan, err := o.planStore.Load(ctx, session.PlanID)
	if err != nil {
		return nil, err
	}

	if forceChunked {
		original := o.config.Session.ChunkThreshold
		o.sessions.config.ChunkThreshold = 0
		defer func() { o.sessions.config.ChunkThreshold = original }()
	}

	return o.sessions.Execute(ctx, sessionID, plan, o.executorFor(session))
}

// PauseReview, ResumeReview, CancelReview delegate directly to SessionManager.
func (o *ReviewOrchestrator) PauseReview(sessionID string) error  { return o.sessions.Pause(sessionID) }
func (o *ReviewOrchestrator) ResumeReview(sessionID string) error { return o.sessions.Resume(sessionID) }
func (o *ReviewOrchestrator) CancelReview(sessionID string) error { return o.sessions.Cancel(sessionID) }

// GetReviewStatus returns the session's current state, recovering from disk
// via StatusAsync when the in-memory session is gone.
func (o *ReviewOrchestrator) GetReviewStatus(ctx context.Context, sessionID, planID string) (*ReviewSession, error) {
	return o.sessions.StatusAsync(ctx, sessionID, planID)
}

// ReviewTelemetry is the snapshot get_review_telemetry returns.
type ReviewTelemetry struct {
	ElapsedMS      int64   `json:"elapsed_ms"`
	TokensUsed     int     `json:"tokens_used"`
	CacheHitRate   float64 `json:"cache_hit_rate"`
	LastActivityMS int64   `json:"last_activity_ms"`
	AppearsStalled bool    `json:"appears_stalled"`
	FindingsCount  int     `json:"findings_count"`
}

// GetReviewTelemetry reports elapsed time, cache performance, and staleness
// for an active or recently-active session.
func (o *ReviewOrchestrator) GetReviewTelemetry(sessionID string) (*ReviewTelemetry, error) {
	o.mu.Lock()
	t, ok := o.telemetry[sessionID]
	o.mu.Unlock()
	if !ok {
		return nil, core.NewFrameworkErrorWithID("GetReviewTelemetry", "not_found", sessionID, core.ErrSessionNotFound)
	}

	now := time.Now()
	lastActivityMS := now.Sub(t.lastActivity).Milliseconds()
	stats := o.cache.Stats()

	return &ReviewTelemetry{
		ElapsedMS:      now.Sub(t.startedAt).Milliseconds(),
		TokensUsed:     t.tokensUsed,
		CacheHitRate:   stats.HitRate,
		LastActivityMS: lastActivityMS,
		AppearsStalled: time.Duration(lastActivityMS)*time.Millisecond >= o.config.Session.StalledThreshold,
		FindingsCount:  t.findingsCount,
	}, nil
}

// GetCircuitBreakerState and ResetCircuitBreaker expose the process-wide
// breaker for operator inspection and manual recovery.
func (o *ReviewOrchestrator) GetCircuitBreakerState() resilience.BreakerState { return o.breaker.State() }
func (o *ReviewOrchestrator) ResetCircuitBreaker()                            { o.breaker.Reset() }

// Plan management delegation (spec §6): thin pass-throughs to PlanStore and
// HistoryStore so callers have a single entry point.
func (o *ReviewOrchestrator) SavePlan(ctx context.Context, plan *Plan, opts SaveOptions) (*PlanMetadata, error) {
	return o.planStore.Save(ctx, plan, opts)
}

func (o *ReviewOrchestrator) LoadPlan(ctx context.Context, planID string) (*Plan, error) {
	return o.planStore.Load(ctx, planID)
}

func (o *ReviewOrchestrator) ListPlans(ctx context.Context, opts ListOptions) ([]PlanMetadata, error) {
	return o.planStore.List(ctx, opts)
}

func (o *ReviewOrchestrator) DeletePlan(ctx context.Context, planID string) error {
	return o.planStore.Delete(ctx, planID)
}

func (o *ReviewOrchestrator) ComparePlanVersions(ctx context.Context, planID string, from, to int) (*Diff, error) {
	return o.history.GenerateDiff(ctx, planID, from, to)
}

func (o *ReviewOrchestrator) RollbackPlan(ctx context.Context, planID string, opts RollbackOptions) (*Plan, *VersionRecord, error) {
	return o.history.Rollback(ctx, planID, opts)
}

func (o *ReviewOrchestrator) ViewProgress(planID string) (completed, total int, ok bool) {
	return o.tracker.GetProgress(planID)
}

func (o *ReviewOrchestrator) ViewHistory(ctx context.Context, planID string, opts GetHistoryOptions) (*History, error) {
	return o.history.GetHistory(ctx, planID, opts)
}
