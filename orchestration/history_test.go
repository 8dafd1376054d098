package orchestration

import (
	"context"
	"testing"

	"github.com/reactive-review/rrc/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHistoryStore() *HistoryStore {
	provider := NewInMemoryStorageProvider(core.NewMemoryStore())
	return NewHistoryStore(provider, DefaultHistoryStoreConfig(), nil)
}

func TestHistoryStore_RecordAndGet(t *testing.T) {
	ctx := context.Background()
	store := newTestHistoryStore()
	plan := samplePlan("v1")
	plan.ID = "plan-1"
	plan.Version = 1

	_, err := store.RecordVersion(ctx, plan, ChangeCreated, "initial")
	require.NoError(t, err)

	h, err := store.GetHistory(ctx, "plan-1", GetHistoryOptions{IncludePlans: true})
	require.NoError(t, err)
	require.Len(t, h.Versions, 1)
	assert.Equal(t, ChangeCreated, h.Versions[0].ChangeType)
}

func TestHistoryStore_RetentionCap(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultHistoryStoreConfig()
	cfg.MaxVersions = 3
	provider := NewInMemoryStorageProvider(core.NewMemoryStore())
	store := NewHistoryStore(provider, cfg, nil)

	for i := 1; i <= 5; i++ {
		plan := samplePlan("iteration")
		plan.ID = "plan-2"
		plan.Version = i
		_, err := store.RecordVersion(ctx, plan, ChangeModified, "update")
		require.NoError(t, err)
	}

	h, err := store.GetHistory(ctx, "plan-2", GetHistoryOptions{})
	require.NoError(t, err)
	require.Len(t, h.Versions, 3)
	assert.Equal(t, 3, h.Versions[0].Version)
	assert.Equal(t, 5, h.Versions[2].Version)
}

func TestHistoryStore_GenerateDiff(t *testing.T) {
	ctx := context.Background()
	store := newTestHistoryStore()

	p1 := samplePlan("first goal")
	p1.ID = "plan-3"
	p1.Version = 1
	_, err := store.RecordVersion(ctx, p1, ChangeCreated, "v1")
	require.NoError(t, err)

	p2 := samplePlan("second goal")
	p2.ID = "plan-3"
	p2.Version = 2
	p2.Steps = append(p2.Steps, PlanStep{StepNumber: 3, Title: "step three"})
	_, err = store.RecordVersion(ctx, p2, ChangeModified, "v2")
	require.NoError(t, err)

	diff, err := store.GenerateDiff(ctx, "plan-3", 1, 2)
	require.NoError(t, err)
	assert.True(t, diff.GoalChanged)
	assert.Equal(t, []int{3}, diff.StepsAdded)
	assert.Empty(t, diff.StepsRemoved)
}

func TestHistoryStore_Rollback(t *testing.T) {
	ctx := context.Background()
	store := newTestHistoryStore()

	p1 := samplePlan("original")
	p1.ID = "plan-4"
	p1.Version = 1
	_, err := store.RecordVersion(ctx, p1, ChangeCreated, "v1")
	require.NoError(t, err)

	p2 := samplePlan("changed")
	p2.ID = "plan-4"
	p2.Version = 2
	_, err = store.RecordVersion(ctx, p2, ChangeModified, "v2")
	require.NoError(t, err)

	restored, record, err := store.Rollback(ctx, "plan-4", RollbackOptions{TargetVersion: 1})
	require.NoError(t, err)
	assert.Equal(t, "original", restored.Goal)
	assert.Equal(t, ChangeRolledBack, record.ChangeType)
	assert.Equal(t, 3, restored.Version)
}

func TestHistoryStore_GetVersionNotFound(t *testing.T) {
	ctx := context.Background()
	store := newTestHistoryStore()
	_, err := store.GetVersion(ctx, "no-such-plan", 1)
	assert.True(t, core.IsNotFound(err))
}
