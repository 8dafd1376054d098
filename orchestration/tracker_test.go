package orchestration

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func diamondPlan() *Plan {
	return &Plan{
		ID: "diamond",
		Steps: []PlanStep{
			{StepNumber: 1, Title: "root"},
			{StepNumber: 2, Title: "left", DependsOn: []int{1}},
			{StepNumber: 3, Title: "right", DependsOn: []int{1}},
			{StepNumber: 4, Title: "join", DependsOn: []int{2, 3}},
		},
	}
}

// Scenario: a diamond DAG (1 -> {2,3} -> 4) runs steps 2 and 3 concurrently
// once step 1 completes.
func TestExecutionTracker_DiamondParallelism(t *testing.T) {
	tracker := NewExecutionTracker(DefaultTrackerConfig(), nil, nil)
	plan := diamondPlan()

	var mu sync.Mutex
	concurrentAt2And3 := 0
	var inFlight int

	executor := func(ctx context.Context, step PlanStep) (StepResult, error) {
		mu.Lock()
		inFlight++
		if step.StepNumber == 2 || step.StepNumber == 3 {
			if inFlight > concurrentAt2And3 {
				concurrentAt2And3 = inFlight
			}
		}
		mu.Unlock()

		time.Sleep(20 * time.Millisecond)

		mu.Lock()
		inFlight--
		mu.Unlock()
		return StepResult{StepNumber: step.StepNumber, Success: true}, nil
	}

	results, err := tracker.ExecuteReadyParallel(context.Background(), plan, executor)
	require.NoError(t, err)
	assert.Len(t, results, 4)
	assert.GreaterOrEqual(t, concurrentAt2And3, 2)

	completed, total, ok := tracker.GetProgress(plan.ID)
	require.True(t, ok)
	assert.Equal(t, 4, completed)
	assert.Equal(t, 4, total)
}

// Scenario: with stop_on_failure enabled, a failed step cascades a skip onto
// every transitive dependent.
func TestExecutionTracker_FailedStepSkipsDependents_StopOnFailure(t *testing.T) {
	cfg := DefaultTrackerConfig()
	cfg.StopOnFailure = true
	tracker := NewExecutionTracker(cfg, nil, nil)
	plan := diamondPlan()

	executor := func(ctx context.Context, step PlanStep) (StepResult, error) {
		if step.StepNumber == 2 {
			return StepResult{StepNumber: 2, Success: false, Error: "boom"}, errors.New("boom")
		}
		return StepResult{StepNumber: step.StepNumber, Success: true}, nil
	}

	_, err := tracker.ExecuteReadyParallel(context.Background(), plan, executor)
	require.NoError(t, err)

	state, ok := tracker.GetState(plan.ID)
	require.True(t, ok)
	assert.Equal(t, StepFailedSt, state.Steps[2].Status)
	assert.Equal(t, StepSkipped, state.Steps[4].Status)
	assert.Equal(t, StepCompleted, state.Steps[3].Status)
}

// Scenario: without stop_on_failure (the default), a failed step's dependent
// is never admitted but is also never auto-skipped — it stays pending.
// ExecuteReadyParallel returns once the caller's context is done rather than
// spinning forever on a step that can never settle on its own.
func TestExecutionTracker_FailedStepLeavesDependentsPending_Default(t *testing.T) {
	tracker := NewExecutionTracker(DefaultTrackerConfig(), nil, nil)
	plan := diamondPlan()

	executor := func(ctx context.Context, step PlanStep) (StepResult, error) {
		if step.StepNumber == 2 {
			return StepResult{StepNumber: 2, Success: false, Error: "boom"}, errors.New("boom")
		}
		return StepResult{StepNumber: step.StepNumber, Success: true}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	_, err := tracker.ExecuteReadyParallel(ctx, plan, executor)
	require.NoError(t, err)

	state, ok := tracker.GetState(plan.ID)
	require.True(t, ok)
	assert.Equal(t, StepFailedSt, state.Steps[2].Status)
	assert.Equal(t, StepPending, state.Steps[4].Status)
	assert.Equal(t, StepCompleted, state.Steps[3].Status)
}

func TestExecutionTracker_RetriesBeforeFailing(t *testing.T) {
	cfg := DefaultTrackerConfig()
	cfg.MaxRetries = 2
	cfg.StepTimeout = time.Second
	tracker := NewExecutionTracker(cfg, nil, nil)

	plan := &Plan{ID: "retry-plan", Steps: []PlanStep{{StepNumber: 1, Title: "flaky"}}}

	var attempts int
	var mu sync.Mutex
	executor := func(ctx context.Context, step PlanStep) (StepResult, error) {
		mu.Lock()
		attempts++
		mu.Unlock()
		return StepResult{StepNumber: 1, Success: false, Error: "transient"}, errors.New("transient")
	}

	results, err := tracker.ExecuteReadyParallel(context.Background(), plan, executor)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Equal(t, 3, attempts) // initial attempt + 2 retries
}

func TestExecutionTracker_PanicIsRecoveredAsFailure(t *testing.T) {
	tracker := NewExecutionTracker(DefaultTrackerConfig(), nil, nil)
	plan := &Plan{ID: "panic-plan", Steps: []PlanStep{{StepNumber: 1, Title: "panics"}}}

	executor := func(ctx context.Context, step PlanStep) (StepResult, error) {
		panic("unexpected")
	}

	results, err := tracker.ExecuteReadyParallel(context.Background(), plan, executor)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
}

func TestExecutionTracker_AbortStopsFurtherDispatch(t *testing.T) {
	tracker := NewExecutionTracker(DefaultTrackerConfig(), nil, nil)
	plan := diamondPlan()

	state, err := tracker.Initialize(plan)
	require.NoError(t, err)
	_ = state
	tracker.Abort(plan.ID)

	executor := func(ctx context.Context, step PlanStep) (StepResult, error) {
		return StepResult{StepNumber: step.StepNumber, Success: true}, nil
	}

	results, err := tracker.ExecuteReadyParallel(context.Background(), plan, executor)
	require.NoError(t, err)
	assert.Empty(t, results)
}
