package orchestration

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/reactive-review/rrc/core"
)

// adaptiveTimeout computes T = clamp(minT, maxT, ceil(fileCount/parallelFactor)
// * avgTimePerFile * bufferMultiplier + startupOverhead), the per-session
// execution deadline sized to the number of changed files.
func adaptiveTimeout(cfg core.SessionConfig, fileCount, parallelFactor int) time.Duration {
	if parallelFactor <= 0 {
		parallelFactor = 1
	}
	rounds := math.Ceil(float64(fileCount) / float64(parallelFactor))
	estimate := time.Duration(rounds*float64(cfg.AvgTimePerFile)*cfg.BufferMultiplier) + cfg.StartupOverhead

	if estimate < cfg.MinAdaptiveTimeout {
		return cfg.MinAdaptiveTimeout
	}
	if estimate > cfg.MaxAdaptiveTimeout {
		return cfg.MaxAdaptiveTimeout
	}
	return estimate
}

// StartOptions configure SessionManager.Start.
type StartOptions struct {
	ParallelExec bool
	MaxWorkers   int
}

// sessionEntry is the SessionManager's internal bookkeeping for one
// ReviewSession: the public state plus the runtime fields needed for zombie
// detection and adaptive-timeout enforcement.
type sessionEntry struct {
	session      ReviewSession
	deadline     time.Time
	timeout      time.Duration // the adaptive timeout T itself, used for zombie detection
	lastActivity time.Time
	cancel       context.CancelFunc
}

// SessionManager (C7) owns the ReviewSession lifecycle: creation, adaptive
// and chunked execution, pause/resume/cancel, zombie detection, and
// expiry-driven cleanup.
type SessionManager struct {
	config     core.SessionConfig
	execConfig core.ExecutionConfig
	planStore  *PlanStore
	tracker    *ExecutionTracker
	cache      *ResponseCache
	analyzer   *DependencyAnalyzer
	logger     core.Logger

	mu       sync.Mutex
	sessions map[string]*sessionEntry
	order    []string // LRU order for MaxSessions eviction

	stopCleanup chan struct{}
}

// NewSessionManager creates a SessionManager composing the already-built
// PlanStore, ExecutionTracker, and ResponseCache. cache may be nil (e.g. in
// tests that don't exercise zombie-driven cache invalidation).
func NewSessionManager(config core.SessionConfig, execConfig core.ExecutionConfig, planStore *PlanStore, tracker *ExecutionTracker, cache *ResponseCache, logger core.Logger) *SessionManager {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("rrc/session")
	}
	return &SessionManager{
		config:     config,
		execConfig: execConfig,
		planStore:  planStore,
		tracker:    tracker,
		cache:      cache,
		analyzer:   NewDependencyAnalyzer(),
		logger:     logger,
		sessions:   make(map[string]*sessionEntry),
	}
}

// Start creates a new ReviewSession for pr, in the initializing state, and
// registers it for tracking. It does not itself run any plan step.
func (m *SessionManager) Start(pr PRMetadata, opts StartOptions) (*ReviewSession, error) {
	if pr.CommitHash == "" {
		return nil, core.NewFrameworkError("SessionManager.Start", "invalid_input", core.ErrInvalidInput)
	}

	now := time.Now()
	session := ReviewSession{
		SessionID:  uuid.NewString(),
		Status:     SessionInitializing,
		PRMetadata: pr,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	parallelFactor := 1
	if opts.ParallelExec {
		parallelFactor = opts.MaxWorkers
		if parallelFactor <= 0 {
			parallelFactor = m.execConfig.MaxWorkers
		}
	}
	timeout := adaptiveTimeout(m.config, len(pr.ChangedFiles), parallelFactor)
	deadline := now.Add(timeout)

	entry := &sessionEntry{session: session, deadline: deadline, timeout: timeout, lastActivity: now}

	m.mu.Lock()
	if len(m.sessions) >= m.config.MaxSessions {
		m.evictOldestLocked()
	}
	m.sessions[session.SessionID] = entry
	m.touchLocked(session.SessionID)
	m.mu.Unlock()

	return &session, nil
}

func (m *SessionManager) evictOldestLocked() {
	if len(m.order) == 0 {
		return
	}
	oldest := m.order[0]
	delete(m.sessions, oldest)
	m.order = m.order[1:]
}

func (m *SessionManager) touchLocked(sessionID string) {
	for i, id := range m.order {
		if id == sessionID {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.order = append(m.order, sessionID)
}

// Execute attaches plan to the session, transitions it through
// analyzing -> executing, and runs plan to completion (or to its adaptive
// deadline) via ExecutionTracker, choosing chunked or unchunked dispatch per
// configuration.
func (m *SessionManager) Execute(ctx context.Context, sessionID string, plan *Plan, executor StepExecutorFunc) ([]StepResult, error) {
	entry, err := m.get(sessionID)
	if err != nil {
		return nil, err
	}

	if _, analyzeErr := m.analyzer.Analyze(plan.Steps); analyzeErr != nil {
		m.setStatus(sessionID, SessionFailed, analyzeErr.Error())
		return nil, analyzeErr
	}

	m.setStatus(sessionID, SessionAnalyzing, "")
	m.mu.Lock()
	entry.session.PlanID = plan.ID
	entry.session.TotalSteps = len(plan.Steps)
	m.mu.Unlock()

	m.setStatus(sessionID, SessionExecuting, "")

	execCtx, cancel := context.WithDeadline(ctx, entry.deadline)
	m.mu.Lock()
	entry.cancel = cancel
	m.mu.Unlock()
	defer cancel()

	var results []StepResult
	var execErr error
	if m.config.ChunkedEnabled && len(plan.Steps) > m.config.ChunkThreshold {
		results, execErr = m.executeChunked(execCtx, plan, executor)
	} else {
		results, execErr = m.tracker.ExecuteReadyParallel(execCtx, plan, executor)
	}

	m.touch(sessionID)

	if execCtx.Err() == context.DeadlineExceeded {
		m.setStatus(sessionID, SessionFailed, core.ErrSessionTimeout.Error())
		return results, core.NewFrameworkErrorWithID("SessionManager.Execute", "timeout", sessionID, core.ErrSessionTimeout)
	}
	if execErr != nil {
		m.setStatus(sessionID, SessionFailed, execErr.Error())
		return results, execErr
	}

	m.setStatus(sessionID, SessionCompleted, "")
	return results, nil
}

// executeChunked splits plan.Steps, in the order given, into consecutive
// ChunkSize-sized chunks, running each chunk to completion with
// InterChunkDelay pacing between chunks. Dependencies are not considered
// when forming chunks: a step whose dependency lies in another chunk is not
// admitted during its own chunk's run.
//
// Each chunk is driven as its own sub-plan with a synthetic plan ID so the
// tracker initializes fresh ready-state for it instead of reusing plan.ID's
// now-settled state from the previous chunk; results are folded back into
// plan.ID's own tracked state afterward so GetProgress/ViewProgress still
// report against the real plan ID.
func (m *SessionManager) executeChunked(ctx context.Context, plan *Plan, executor StepExecutorFunc) ([]StepResult, error) {
	all := make([]StepResult, 0, len(plan.Steps))
	m.tracker.RecordChunkResults(plan.ID, plan, nil)

	for offset, chunkIndex := 0, 0; offset < len(plan.Steps); offset, chunkIndex = offset+m.config.ChunkSize, chunkIndex+1 {
		if m.tracker.IsAborted(plan.ID) {
			break
		}

		end := offset + m.config.ChunkSize
		if end > len(plan.Steps) {
			end = len(plan.Steps)
		}

		chunkPlan := &Plan{
			ID:    fmt.Sprintf("%s#chunk%d", plan.ID, chunkIndex),
			Goal:  plan.Goal,
			Steps: plan.Steps[offset:end],
		}
		results, err := m.tracker.ExecuteReadyParallel(ctx, chunkPlan, executor)
		all = append(all, results...)
		m.tracker.RecordChunkResults(plan.ID, plan, results)
		if err != nil {
			return all, err
		}
		if ctx.Err() != nil {
			return all, ctx.Err()
		}

		if end < len(plan.Steps) {
			select {
			case <-time.After(m.config.InterChunkDelay):
			case <-ctx.Done():
				return all, ctx.Err()
			}
		}
	}

	return all, nil
}

// Pause transitions an executing session to paused, aborting the tracker's
// further dispatch for its plan without discarding in-flight results.
func (m *SessionManager) Pause(sessionID string) error {
	entry, err := m.get(sessionID)
	if err != nil {
		return err
	}
	if entry.session.Status != SessionExecuting {
		return core.NewFrameworkErrorWithID("SessionManager.Pause", "conflict", sessionID, core.ErrConflict)
	}
	m.tracker.Abort(entry.session.PlanID)
	m.setStatus(sessionID, SessionPaused, "")
	return nil
}

// Resume transitions a paused session back to executing and clears the
// tracker's abort flag so ExecuteReadyParallel (invoked again by the caller)
// can continue dispatching remaining steps.
func (m *SessionManager) Resume(sessionID string) error {
	entry, err := m.get(sessionID)
	if err != nil {
		return err
	}
	if entry.session.Status != SessionPaused {
		return core.NewFrameworkErrorWithID("SessionManager.Resume", "conflict", sessionID, core.ErrConflict)
	}
	m.tracker.ClearAbort(entry.session.PlanID)
	m.setStatus(sessionID, SessionExecuting, "")
	return nil
}

// Cancel transitions a session to cancelled from any non-terminal state.
func (m *SessionManager) Cancel(sessionID string) error {
	entry, err := m.get(sessionID)
	if err != nil {
		return err
	}
	if entry.session.Status.IsTerminal() {
		return core.NewFrameworkErrorWithID("SessionManager.Cancel", "conflict", sessionID, core.ErrConflict)
	}
	m.tracker.Abort(entry.session.PlanID)

	m.mu.Lock()
	if entry.cancel != nil {
		entry.cancel()
	}
	m.mu.Unlock()

	m.setStatus(sessionID, SessionCancelled, "")
	return nil
}

// Status returns the session's current state.
func (m *SessionManager) Status(sessionID string) (*ReviewSession, error) {
	entry, err := m.get(sessionID)
	if err != nil {
		return nil, err
	}
	s := entry.session
	return &s, nil
}

// StatusAsync is Status, but on a not-found session attempts plan recovery
// from disk via PlanStore before giving up, since a crashed process loses
// its in-memory session map but not durably-saved plans.
func (m *SessionManager) StatusAsync(ctx context.Context, sessionID, planID string) (*ReviewSession, error) {
	if s, err := m.Status(sessionID); err == nil {
		return s, nil
	}

	plan, err := m.planStore.Load(ctx, planID)
	if err != nil {
		return nil, core.NewFrameworkErrorWithID("SessionManager.StatusAsync", "not_found", sessionID, core.ErrSessionNotFound)
	}

	recovered := ReviewSession{
		SessionID:   sessionID,
		PlanID:      plan.ID,
		Status:      SessionFailed,
		Error:       "recovered from disk after process restart; execution state lost",
		TotalSteps:  len(plan.Steps),
		CreatedAt:   plan.CreatedAt,
		UpdatedAt:   time.Now(),
	}
	return &recovered, nil
}

// List returns every tracked session, most-recently-touched last.
func (m *SessionManager) List() []ReviewSession {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]ReviewSession, 0, len(m.sessions))
	for _, id := range m.order {
		if entry, ok := m.sessions[id]; ok {
			out = append(out, entry.session)
		}
	}
	return out
}

// isZombie reports whether a session is stuck, for any of the zombie-
// candidate statuses {initializing, analyzing, executing}:
//
//  1. its plan_id has no plan recoverable from PlanStore (a crashed or
//     never-attached plan reference);
//  2. it is executing but ExecutionTracker has no tracked state for its
//     plan_id;
//  3. it has been idle (no activity) longer than its own adaptive timeout T.
//
// paused sessions are explicitly excluded: pausing is a deliberate, possibly
// long-lived state, not a sign of being stuck.
func (m *SessionManager) isZombie(ctx context.Context, entry *sessionEntry, now time.Time) bool {
	switch entry.session.Status {
	case SessionInitializing, SessionAnalyzing, SessionExecuting:
	default:
		return false
	}

	if entry.session.PlanID == "" {
		if entry.session.Status == SessionExecuting {
			return true
		}
	} else if _, err := m.planStore.Load(ctx, entry.session.PlanID); err != nil && core.IsNotFound(err) {
		return true
	}

	if entry.session.Status == SessionExecuting {
		if entry.session.PlanID != "" {
			if _, ok := m.tracker.GetState(entry.session.PlanID); !ok {
				return true
			}
		}
	}

	return now.Sub(entry.lastActivity) > entry.timeout
}

// CleanupExpired marks zombie sessions failed, evicts terminal sessions past
// SessionTTL, and enforces MaxSessions by evicting the least recently touched
// terminal sessions (non-terminal sessions are never evicted here, so the
// count can stay above the cap when too few are terminal). Returns the number
// of sessions removed or marked failed. A zombie transition aborts the
// tracker's execution for its plan and disables the commit cache, per spec.
func (m *SessionManager) CleanupExpired(ctx context.Context) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	affected := 0

	for id, entry := range m.sessions {
		if m.isZombie(ctx, entry, now) {
			entry.session.Status = SessionFailed
			entry.session.Error = "zombie session: no progress before deadline"
			entry.session.UpdatedAt = now
			if entry.session.PlanID != "" {
				m.tracker.Abort(entry.session.PlanID)
			}
			if entry.cancel != nil {
				entry.cancel()
			}
			if m.cache != nil {
				m.cache.SetCommitCacheEnabled(false)
			}
			affected++
			continue
		}

		if entry.session.Status.IsTerminal() && now.Sub(entry.lastActivity) > m.config.SessionTTL {
			delete(m.sessions, id)
			m.removeFromOrderLocked(id)
			affected++
		}
	}

	for len(m.sessions) > m.config.MaxSessions {
		evicted := ""
		for _, id := range m.order {
			if entry, ok := m.sessions[id]; ok && entry.session.Status.IsTerminal() {
				evicted = id
				break
			}
		}
		if evicted == "" {
			break
		}
		delete(m.sessions, evicted)
		m.removeFromOrderLocked(evicted)
		affected++
	}

	return affected
}

func (m *SessionManager) removeFromOrderLocked(sessionID string) {
	for i, id := range m.order {
		if id == sessionID {
			m.order = append(m.order[:i], m.order[i+1:]...)
			return
		}
	}
}

// StartCleanup launches the periodic zombie-detection and eviction loop.
func (m *SessionManager) StartCleanup(ctx context.Context) {
	m.stopCleanup = make(chan struct{})
	go func() {
		ticker := time.NewTicker(m.config.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.CleanupExpired(ctx)
			case <-m.stopCleanup:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// StopCleanup halts the periodic cleanup loop.
func (m *SessionManager) StopCleanup() {
	if m.stopCleanup != nil {
		close(m.stopCleanup)
		m.stopCleanup = nil
	}
}

func (m *SessionManager) get(sessionID string) (*sessionEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.sessions[sessionID]
	if !ok {
		return nil, core.NewFrameworkErrorWithID("SessionManager", "not_found", sessionID, core.ErrSessionNotFound)
	}
	return entry, nil
}

func (m *SessionManager) touch(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.sessions[sessionID]; ok {
		entry.lastActivity = time.Now()
		m.touchLocked(sessionID)
	}
}

func (m *SessionManager) setStatus(sessionID string, status SessionStatus, errMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	entry.session.Status = status
	entry.session.Error = errMsg
	entry.session.UpdatedAt = time.Now()
	entry.lastActivity = entry.session.UpdatedAt
	m.touchLocked(sessionID)
}
