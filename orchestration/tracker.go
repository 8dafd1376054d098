package orchestration

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/reactive-review/rrc/core"
	"github.com/reactive-review/rrc/resilience"
)

// StepExecutorFunc runs one plan step and returns its result. Implementations
// are provided by the caller (an LLM-backed reviewer, a lint runner, etc.);
// ExecutionTracker only sequences and bounds their execution.
type StepExecutorFunc func(ctx context.Context, step PlanStep) (StepResult, error)

// TrackerConfig configures ExecutionTracker (C5).
type TrackerConfig struct {
	MaxWorkers      int
	StepTimeout     time.Duration
	MaxRetries      int
	ParallelExec    bool
	PlanTTL         time.Duration // terminal-state eviction window, default 1h
	CleanupInterval time.Duration // default 5m
	MaxPlansTracked int           // LRU cap, default 100

	// StopOnFailure, when true, cascades an automatic skip onto every
	// transitive dependent of a permanently-failed step. Off by default: a
	// dependent of a failed step simply stays pending, never admitted to
	// ready, until a caller intervenes.
	StopOnFailure bool
}

// DefaultTrackerConfig returns the default ExecutionTracker configuration.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		MaxWorkers:      8,
		StepTimeout:     2 * time.Minute,
		MaxRetries:      2,
		ParallelExec:    true,
		PlanTTL:         time.Hour,
		CleanupInterval: 5 * time.Minute,
		MaxPlansTracked: 100,
	}
}

// ExecutionTracker (C5) owns the per-step runtime state machine for a plan
// (pending -> ready -> in_progress -> completed|failed -> skipped) and drives
// dependency-admitted, bounded-worker-pool, circuit-breaker-gated execution.
type ExecutionTracker struct {
	config  TrackerConfig
	breaker *resilience.CircuitBreaker
	logger  core.Logger

	mu     sync.Mutex
	states map[string]*PlanExecutionState
	order  []string // LRU order, most recently touched last

	stopCleanup chan struct{}
}

// NewExecutionTracker creates an ExecutionTracker. breaker may be nil, in
// which case circuit-breaker gating is skipped and every step is attempted.
func NewExecutionTracker(config TrackerConfig, breaker *resilience.CircuitBreaker, logger core.Logger) *ExecutionTracker {
	if config.MaxWorkers <= 0 {
		config.MaxWorkers = 8
	}
	if config.StepTimeout <= 0 {
		config.StepTimeout = 2 * time.Minute
	}
	if config.PlanTTL <= 0 {
		config.PlanTTL = time.Hour
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 5 * time.Minute
	}
	if config.MaxPlansTracked <= 0 {
		config.MaxPlansTracked = 100
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("rrc/tracker")
	}

	t := &ExecutionTracker{
		config:  config,
		breaker: breaker,
		logger:  logger,
		states:  make(map[string]*PlanExecutionState),
	}
	return t
}

// StartCleanup launches the periodic eviction loop. Stop with StopCleanup.
func (t *ExecutionTracker) StartCleanup(ctx context.Context) {
	t.stopCleanup = make(chan struct{})
	go func() {
		ticker := time.NewTicker(t.config.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.evictExpired()
			case <-t.stopCleanup:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// StopCleanup halts the periodic eviction loop.
func (t *ExecutionTracker) StopCleanup() {
	if t.stopCleanup != nil {
		close(t.stopCleanup)
		t.stopCleanup = nil
	}
}

func (t *ExecutionTracker) evictExpired() {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := time.Now().Add(-t.config.PlanTTL)
	for planID, state := range t.states {
		if allTerminal(state) && state.LastAccessed.Before(cutoff) {
			delete(t.states, planID)
			t.removeFromOrder(planID)
		}
	}
}

func allTerminal(state *PlanExecutionState) bool {
	for _, rec := range state.Steps {
		if rec.Status != StepCompleted && rec.Status != StepFailedSt && rec.Status != StepSkipped {
			return false
		}
	}
	return true
}

// Initialize registers plan for tracking, seeding every step as pending and
// marking dependency-free steps ready.
func (t *ExecutionTracker) Initialize(plan *Plan) (*PlanExecutionState, error) {
	if plan == nil {
		return nil, core.NewFrameworkError("ExecutionTracker.Initialize", "invalid_input", core.ErrInvalidInput)
	}

	state := &PlanExecutionState{
		PlanID:       plan.ID,
		Steps:        make(map[int]*StepExecutionRecord, len(plan.Steps)),
		ReadySteps:   make(map[int]bool),
		CurrentSteps: make(map[int]bool),
		LastAccessed: time.Now(),
	}

	for _, s := range plan.Steps {
		state.Steps[s.StepNumber] = &StepExecutionRecord{StepNumber: s.StepNumber, Status: StepPending}
		if len(s.DependsOn) == 0 {
			state.Steps[s.StepNumber].Status = StepReady
			state.ReadySteps[s.StepNumber] = true
		}
	}

	t.mu.Lock()
	if len(t.states) >= t.config.MaxPlansTracked {
		t.evictOldestLocked()
	}
	t.states[plan.ID] = state
	t.touchLocked(plan.ID)
	t.mu.Unlock()

	return state, nil
}

func (t *ExecutionTracker) evictOldestLocked() {
	if len(t.order) == 0 {
		return
	}
	oldest := t.order[0]
	delete(t.states, oldest)
	t.order = t.order[1:]
}

func (t *ExecutionTracker) touchLocked(planID string) {
	t.removeFromOrder(planID)
	t.order = append(t.order, planID)
}

func (t *ExecutionTracker) removeFromOrder(planID string) {
	for i, id := range t.order {
		if id == planID {
			t.order = append(t.order[:i], t.order[i+1:]...)
			return
		}
	}
}

// RecordChunkResults folds one chunk's StepResults into planID's aggregate
// PlanExecutionState, initializing it first if this is the chunk's plan has
// no tracked state yet. Chunked execution runs each chunk as its own
// sub-plan (so the tracker's ready/admit logic doesn't see steps from other
// chunks); this is how SessionManager reconciles those per-chunk runs back
// into the progress view callers see under the real plan_id.
func (t *ExecutionTracker) RecordChunkResults(planID string, fullPlan *Plan, results []StepResult) {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, ok := t.states[planID]
	if !ok {
		state = &PlanExecutionState{
			PlanID:       planID,
			Steps:        make(map[int]*StepExecutionRecord, len(fullPlan.Steps)),
			ReadySteps:   make(map[int]bool),
			CurrentSteps: make(map[int]bool),
			LastAccessed: time.Now(),
		}
		for _, s := range fullPlan.Steps {
			state.Steps[s.StepNumber] = &StepExecutionRecord{StepNumber: s.StepNumber, Status: StepPending}
		}
		if len(t.states) >= t.config.MaxPlansTracked {
			t.evictOldestLocked()
		}
		t.states[planID] = state
	}

	for _, r := range results {
		rec, exists := state.Steps[r.StepNumber]
		if !exists {
			rec = &StepExecutionRecord{StepNumber: r.StepNumber}
			state.Steps[r.StepNumber] = rec
		}
		rec.CompletedAt = time.Now()
		if r.Success {
			rec.Status = StepCompleted
			state.CompletedSteps = append(state.CompletedSteps, r.StepNumber)
		} else {
			rec.Status = StepFailedSt
			rec.Error = r.Error
		}
	}

	state.LastAccessed = time.Now()
	t.touchLocked(planID)
}

// GetState returns the tracked state for planID.
func (t *ExecutionTracker) GetState(planID string) (*PlanExecutionState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.states[planID]
	return s, ok
}

// GetProgress summarizes a plan's execution state as completed/total steps.
func (t *ExecutionTracker) GetProgress(planID string) (completed, total int, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, found := t.states[planID]
	if !found {
		return 0, 0, false
	}
	return len(s.CompletedSteps), len(s.Steps), true
}

// Abort marks a plan's execution as aborted; in-flight steps run to
// completion but no further steps are admitted.
func (t *ExecutionTracker) Abort(planID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.states[planID]; ok {
		s.Aborted = true
	}
}

// ClearAbort lifts a previously-set abort flag, e.g. on session resume.
func (t *ExecutionTracker) ClearAbort(planID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.states[planID]; ok {
		s.Aborted = false
	}
}

// IsAborted reports whether planID's tracked state (if any) is currently
// aborted. Chunked execution checks this against the real plan ID between
// chunks, since each chunk runs under its own synthetic sub-plan ID and so
// never observes an abort set on the aggregate state directly.
func (t *ExecutionTracker) IsAborted(planID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.states[planID]
	return ok && s.Aborted
}

// FailStepOptions carries the caller-supplied detail for a fail_step call.
type FailStepOptions struct {
	Error          string
	SkipDependents bool
}

func (t *ExecutionTracker) lookupLocked(op, planID string, n int) (*PlanExecutionState, *StepExecutionRecord, error) {
	state, ok := t.states[planID]
	if !ok {
		return nil, nil, core.NewFrameworkErrorWithID(op, "not_found", planID, core.ErrPlanNotFound)
	}
	rec, ok := state.Steps[n]
	if !ok {
		return nil, nil, core.NewFrameworkErrorWithID(op, "not_found", fmt.Sprintf("%s#%d", planID, n), core.ErrPlanNotFound)
	}
	return state, rec, nil
}

// StartStep transitions step n of planID into in_progress. It is
// advisory-only: a step already ready or merely pending may be started
// directly, without first going through the ready-admission dance, since a
// caller driving its own execution loop (rather than ExecuteReadyParallel)
// has already decided the step is eligible to run.
func (t *ExecutionTracker) StartStep(planID string, n int) (*StepExecutionRecord, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, rec, err := t.lookupLocked("ExecutionTracker.StartStep", planID, n)
	if err != nil {
		return nil, err
	}
	if rec.Status != StepReady && rec.Status != StepPending {
		return nil, core.NewFrameworkErrorWithID("ExecutionTracker.StartStep", "conflict", fmt.Sprintf("%s#%d", planID, n), core.ErrConflict)
	}

	delete(state.ReadySteps, n)
	state.CurrentSteps[n] = true
	rec.Status = StepInProgress
	rec.StartedAt = time.Now()
	state.LastAccessed = time.Now()
	t.touchLocked(planID)

	out := *rec
	return &out, nil
}

// CompleteStep transitions step n of planID to completed and, when plan is
// non-nil, admits any dependents whose dependencies are now all satisfied.
func (t *ExecutionTracker) CompleteStep(planID string, n int, plan *Plan) (*StepExecutionRecord, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, rec, err := t.lookupLocked("ExecutionTracker.CompleteStep", planID, n)
	if err != nil {
		return nil, err
	}

	rec.Status = StepCompleted
	rec.CompletedAt = time.Now()
	if !rec.StartedAt.IsZero() {
		rec.DurationMS = rec.CompletedAt.Sub(rec.StartedAt).Milliseconds()
	}
	delete(state.CurrentSteps, n)
	state.CompletedSteps = append(state.CompletedSteps, n)

	if plan != nil {
		admitDependents(plan, state)
	}

	state.LastAccessed = time.Now()
	t.touchLocked(planID)

	out := *rec
	return &out, nil
}

// FailStep transitions step n of planID to failed. Dependents are cascaded
// to skipped only when opts.SkipDependents is set or the tracker is
// configured with StopOnFailure; otherwise they are left pending
// indefinitely, per the step's own no-automatic-skip contract.
func (t *ExecutionTracker) FailStep(planID string, n int, plan *Plan, opts FailStepOptions) (*StepExecutionRecord, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, rec, err := t.lookupLocked("ExecutionTracker.FailStep", planID, n)
	if err != nil {
		return nil, err
	}

	rec.Status = StepFailedSt
	rec.Error = opts.Error
	rec.CompletedAt = time.Now()
	if !rec.StartedAt.IsZero() {
		rec.DurationMS = rec.CompletedAt.Sub(rec.StartedAt).Milliseconds()
	}
	delete(state.CurrentSteps, n)

	if plan != nil && (opts.SkipDependents || t.config.StopOnFailure) {
		cascadeSkip(plan, state, n)
	}

	state.LastAccessed = time.Now()
	t.touchLocked(planID)

	out := *rec
	return &out, nil
}

// readySteps returns the plan's currently-admitted step numbers sorted by
// priority then step_number, bounded to at most n entries.
func readySteps(plan *Plan, state *PlanExecutionState, n int) []PlanStep {
	byNumber := make(map[int]PlanStep, len(plan.Steps))
	for _, s := range plan.Steps {
		byNumber[s.StepNumber] = s
	}

	candidates := make([]PlanStep, 0, len(state.ReadySteps))
	for num := range state.ReadySteps {
		if state.CurrentSteps[num] {
			continue
		}
		candidates = append(candidates, byNumber[num])
	}

	sort.Slice(candidates, func(i, j int) bool {
		pi, pj := priorityRank(candidates[i].Priority), priorityRank(candidates[j].Priority)
		if pi != pj {
			return pi < pj
		}
		return candidates[i].StepNumber < candidates[j].StepNumber
	})

	if n > 0 && len(candidates) > n {
		candidates = candidates[:n]
	}
	return candidates
}

// admitDependents promotes any pending step whose every dependency has
// completed into the ready set. A step with a failed or skipped dependency is
// NOT admitted and is not itself skipped here — it stays pending until a
// cascadeSkip call (triggered by stop_on_failure or an explicit
// skip_dependents) resolves it one way or the other.
func admitDependents(plan *Plan, state *PlanExecutionState) {
	byNumber := make(map[int]PlanStep, len(plan.Steps))
	for _, s := range plan.Steps {
		byNumber[s.StepNumber] = s
	}

	changed := true
	for changed {
		changed = false
		for num, rec := range state.Steps {
			if rec.Status != StepPending {
				continue
			}
			step := byNumber[num]
			allCompleted := true
			for _, dep := range step.DependsOn {
				depRec := state.Steps[dep]
				if depRec == nil || depRec.Status != StepCompleted {
					allCompleted = false
					break
				}
			}
			if !allCompleted {
				continue
			}
			rec.Status = StepReady
			state.ReadySteps[num] = true
			changed = true
		}
	}
}

// cascadeSkip marks every still-pending transitive dependent of num as
// skipped. Called only when a failure is configured or instructed to cascade
// (TrackerConfig.StopOnFailure or a per-call skip_dependents override).
func cascadeSkip(plan *Plan, state *PlanExecutionState, num int) {
	dependents := make(map[int][]int, len(plan.Steps))
	for _, s := range plan.Steps {
		for _, dep := range s.DependsOn {
			dependents[dep] = append(dependents[dep], s.StepNumber)
		}
	}

	queue := []int{num}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, dep := range dependents[cur] {
			rec := state.Steps[dep]
			if rec == nil || rec.Status != StepPending {
				continue
			}
			rec.Status = StepSkipped
			delete(state.ReadySteps, dep)
			queue = append(queue, dep)
		}
	}
}

// ExecuteReadyParallel drives plan to completion: repeatedly dispatches up to
// MaxWorkers ready steps concurrently (or one at a time when ParallelExec is
// false or the breaker is open), waits for the round to settle, admits newly
// unblocked steps, and repeats until no step remains pending, ready, or
// in-progress, the plan is aborted, or ctx is done.
func (t *ExecutionTracker) ExecuteReadyParallel(ctx context.Context, plan *Plan, executor StepExecutorFunc) ([]StepResult, error) {
	state, ok := t.GetState(plan.ID)
	if !ok {
		var err error
		state, err = t.Initialize(plan)
		if err != nil {
			return nil, err
		}
	}

	results := make([]StepResult, 0, len(plan.Steps))
	var resultsMu sync.Mutex

	for {
		t.mu.Lock()
		t.touchLocked(plan.ID)
		state.LastAccessed = time.Now()
		aborted := state.Aborted
		t.mu.Unlock()

		if aborted {
			break
		}

		workers := t.config.MaxWorkers
		if !t.config.ParallelExec || (t.breaker != nil && !t.breaker.Allow()) {
			workers = 1
		}

		t.mu.Lock()
		candidates := readySteps(plan, state, workers)
		t.mu.Unlock()

		batch := make([]PlanStep, 0, len(candidates))
		for _, s := range candidates {
			if _, err := t.StartStep(plan.ID, s.StepNumber); err != nil {
				continue
			}
			batch = append(batch, s)
		}

		if len(batch) == 0 {
			if t.planSettled(state) {
				break
			}
			select {
			case <-ctx.Done():
				return results, nil
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}

		var wg sync.WaitGroup
		for _, step := range batch {
			wg.Add(1)
			go func(step PlanStep) {
				defer wg.Done()
				result := t.runStep(ctx, step, executor)

				resultsMu.Lock()
				results = append(results, result)
				resultsMu.Unlock()

				if result.Success {
					t.CompleteStep(plan.ID, step.StepNumber, plan)
				} else {
					t.FailStep(plan.ID, step.StepNumber, plan, FailStepOptions{Error: result.Error})
				}
			}(step)
		}
		wg.Wait()
	}

	return results, nil
}

func (t *ExecutionTracker) planSettled(state *PlanExecutionState) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(state.CurrentSteps) > 0 || len(state.ReadySteps) > 0 {
		return false
	}
	for _, rec := range state.Steps {
		if rec.Status == StepPending {
			return false
		}
	}
	return true
}

// runStep executes one step with panic recovery, a per-step timeout, breaker
// gating, and retry-then-fail semantics. Attempt counting and backoff are
// delegated to resilience.Retry; the per-attempt deadline and circuit
// breaker gating stay here since each retry needs its own fresh stepCtx.
func (t *ExecutionTracker) runStep(ctx context.Context, step PlanStep, executor StepExecutorFunc) StepResult {
	retryCfg := &resilience.RetryConfig{
		MaxAttempts:   t.config.MaxRetries + 1,
		InitialDelay:  50 * time.Millisecond,
		MaxDelay:      2 * time.Second,
		BackoffFactor: 2.0,
		JitterEnabled: true,
	}

	var lastResult StepResult
	attempt := 0

	err := resilience.Retry(ctx, retryCfg, func() error {
		attempt++
		stepCtx, cancel := context.WithTimeout(ctx, t.config.StepTimeout)
		defer cancel()

		var result StepResult
		var execErr error

		run := func() error {
			result, execErr = t.executeWithRecover(stepCtx, step, executor)
			return execErr
		}

		if t.breaker != nil && !t.breaker.State().FallbackActive {
			execErr = t.breaker.Execute(stepCtx, run)
		} else {
			execErr = run()
		}

		result.StepNumber = step.StepNumber
		if execErr == nil && result.Success {
			lastResult = result
			return nil
		}

		if result.Error == "" && execErr != nil {
			result.Error = execErr.Error()
		}
		if stepCtx.Err() == context.DeadlineExceeded {
			result.Error = core.ErrStepTimeout.Error()
		}
		lastResult = result

		if execErr == nil {
			execErr = core.ErrTransientFailure
		}
		if attempt < retryCfg.MaxAttempts {
			t.logger.Warn("step failed, retrying", map[string]interface{}{
				"step_number": step.StepNumber,
				"attempt":     attempt,
				"error":       lastResult.Error,
			})
		}
		return execErr
	})

	lastResult.StepNumber = step.StepNumber
	lastResult.Success = err == nil
	return lastResult
}

func (t *ExecutionTracker) executeWithRecover(ctx context.Context, step PlanStep, executor StepExecutorFunc) (result StepResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			err = fmt.Errorf("step executor panic: %v", r)
			t.logger.Error("step executor panicked", map[string]interface{}{
				"step_number": step.StepNumber,
				"panic":       r,
				"stack":       stack,
			})
			result = StepResult{StepNumber: step.StepNumber, Success: false, Error: err.Error()}
		}
	}()

	result, err = executor(ctx, step)
	return result, err
}
