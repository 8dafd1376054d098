package orchestration

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/reactive-review/rrc/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeContextBackend struct{}

func (fakeContextBackend) IndexWorkspace(ctx context.Context) (IndexResult, error) {
	return IndexResult{}, nil
}

func (fakeContextBackend) SemanticSearch(ctx context.Context, query string, k int) ([]SearchHit, error) {
	return nil, nil
}

func (fakeContextBackend) GetContextForPrompt(ctx context.Context, query string, opts ContextOptions) (Context, error) {
	return Context{Query: query}, nil
}

type fakeLLMClient struct {
	mu       sync.Mutex
	fail     bool
	failN    int
	callsMax int
}

func (f *fakeLLMClient) SearchAndAsk(ctx context.Context, searchQuery, prompt string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail && f.callsMax < f.failN {
		f.callsMax++
		return "", errors.New("llm unavailable")
	}
	f.callsMax++
	return "looks fine", nil
}

type fakePlanner struct {
	plan *Plan
}

func (f *fakePlanner) GeneratePlan(ctx context.Context, taskDescription string, opts PlanOptions) (*Plan, error) {
	return f.plan, nil
}

func testOrchestrator(t *testing.T, breakerResetTimeout time.Duration, failureThreshold int) (*ReviewOrchestrator, *fakeLLMClient) {
	t.Helper()
	cfg := *core.DefaultConfig()
	cfg.Breaker.ResetTimeout = breakerResetTimeout
	cfg.Breaker.FailureThreshold = failureThreshold
	cfg.Breaker.SuccessThreshold = 1
	cfg.Execution.MaxRetries = 0
	cfg.Execution.StepTimeout = time.Second
	cfg.Session.ChunkThreshold = 100

	provider := NewInMemoryStorageProvider(core.NewMemoryStore())
	llm := &fakeLLMClient{}
	planner := &fakePlanner{plan: &Plan{
		Goal: "review PR",
		Steps: []PlanStep{
			{StepNumber: 1, Title: "step one", FilesToModify: []FileChange{{Path: "a.go"}}},
			{StepNumber: 2, Title: "step two", FilesToModify: []FileChange{{Path: "b.go"}}},
		},
	}}

	orch, err := NewReviewOrchestrator(cfg, provider, fakeContextBackend{}, llm, planner, nil)
	require.NoError(t, err)
	return orch, llm
}

func TestOrchestrator_StartAndExecuteReview(t *testing.T) {
	orch, _ := testOrchestrator(t, 50*time.Millisecond, 3)
	ctx := context.Background()

	pr := PRMetadata{CommitHash: "c1", ChangedFiles: []string{"a.go", "b.go"}, Title: "fix bug"}
	session, err := orch.StartReactiveReview(ctx, pr, StartOptions{ParallelExec: true, MaxWorkers: 4})
	require.NoError(t, err)
	assert.NotEmpty(t, session.PlanID)

	results, err := orch.ExecuteReview(ctx, session.SessionID)
	require.NoError(t, err)
	assert.Len(t, results, 2)

	status, err := orch.GetReviewStatus(ctx, session.SessionID, session.PlanID)
	require.NoError(t, err)
	assert.Equal(t, SessionCompleted, status.Status)

	telem, err := orch.GetReviewTelemetry(session.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 2, telem.FindingsCount)
}

// Scenario: repeated executor failures trip the circuit breaker open; after
// reset_timeout elapses, the breaker admits a trial call again.
func TestOrchestrator_CircuitBreakerTripsAndRecovers(t *testing.T) {
	orch, llm := testOrchestrator(t, 100*time.Millisecond, 2)
	llm.fail = true
	llm.failN = 10

	ctx := context.Background()
	pr := PRMetadata{CommitHash: "c2", ChangedFiles: []string{"a.go", "b.go"}, Title: "flaky PR"}
	session, err := orch.StartReactiveReview(ctx, pr, StartOptions{ParallelExec: true, MaxWorkers: 4})
	require.NoError(t, err)

	_, _ = orch.ExecuteReview(ctx, session.SessionID)

	state := orch.GetCircuitBreakerState()
	assert.Equal(t, "open", state.Current)

	llm.mu.Lock()
	llm.fail = false
	llm.mu.Unlock()

	time.Sleep(150 * time.Millisecond)
	assert.True(t, orch.breaker.Allow())
}

func TestOrchestrator_PlanManagementDelegation(t *testing.T) {
	orch, _ := testOrchestrator(t, 50*time.Millisecond, 3)
	ctx := context.Background()

	plan := &Plan{Goal: "manual plan", Steps: []PlanStep{{StepNumber: 1, Title: "only step"}}}
	meta, err := orch.SavePlan(ctx, plan, SaveOptions{Name: "manual"})
	require.NoError(t, err)

	loaded, err := orch.LoadPlan(ctx, meta.PlanID)
	require.NoError(t, err)
	assert.Equal(t, "manual plan", loaded.Goal)

	list, err := orch.ListPlans(ctx, ListOptions{})
	require.NoError(t, err)
	assert.NotEmpty(t, list)

	require.NoError(t, orch.DeletePlan(ctx, meta.PlanID))
}

func TestOrchestrator_CancelReview(t *testing.T) {
	orch, _ := testOrchestrator(t, 50*time.Millisecond, 3)
	ctx := context.Background()

	pr := PRMetadata{CommitHash: "c3", ChangedFiles: []string{"a.go"}, Title: "pr"}
	session, err := orch.StartReactiveReview(ctx, pr, StartOptions{ParallelExec: true, MaxWorkers: 4})
	require.NoError(t, err)

	require.NoError(t, orch.CancelReview(session.SessionID))
	status, err := orch.GetReviewStatus(ctx, session.SessionID, session.PlanID)
	require.NoError(t, err)
	assert.Equal(t, SessionCancelled, status.Status)
}
