package orchestration

import (
	"context"
	"testing"

	"github.com/reactive-review/rrc/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPlanStore() *PlanStore {
	provider := NewInMemoryStorageProvider(core.NewMemoryStore())
	return NewPlanStore(provider, DefaultPlanStoreConfig(), nil)
}

func samplePlan(goal string) *Plan {
	return &Plan{
		Goal: goal,
		Steps: []PlanStep{
			{StepNumber: 1, Title: "step one"},
			{StepNumber: 2, Title: "step two", DependsOn: []int{1}},
		},
	}
}

func TestPlanStore_SaveAndLoad(t *testing.T) {
	ctx := context.Background()
	store := newTestPlanStore()
	plan := samplePlan("add caching layer")

	meta, err := store.Save(ctx, plan, SaveOptions{})
	require.NoError(t, err)
	assert.NotEmpty(t, meta.PlanID)
	assert.Equal(t, 2, meta.StepCount)

	loaded, err := store.Load(ctx, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, plan.Goal, loaded.Goal)
	assert.Len(t, loaded.Steps, 2)
}

func TestPlanStore_SaveWithoutOverwriteConflicts(t *testing.T) {
	ctx := context.Background()
	store := newTestPlanStore()
	plan := samplePlan("add caching layer")

	_, err := store.Save(ctx, plan, SaveOptions{})
	require.NoError(t, err)

	_, err = store.Save(ctx, plan, SaveOptions{})
	assert.True(t, core.IsAlreadyExists(err))
}

func TestPlanStore_SaveWithOverwriteSucceeds(t *testing.T) {
	ctx := context.Background()
	store := newTestPlanStore()
	plan := samplePlan("add caching layer")

	_, err := store.Save(ctx, plan, SaveOptions{})
	require.NoError(t, err)

	plan.Goal = "add caching layer v2"
	_, err = store.Save(ctx, plan, SaveOptions{Overwrite: true})
	require.NoError(t, err)

	loaded, err := store.Load(ctx, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, "add caching layer v2", loaded.Goal)
}

func TestPlanStore_LoadMissingReturnsNotFound(t *testing.T) {
	ctx := context.Background()
	store := newTestPlanStore()
	_, err := store.Load(ctx, "does-not-exist")
	assert.True(t, core.IsNotFound(err))
}

func TestPlanStore_LoadByNameIsCaseInsensitive(t *testing.T) {
	ctx := context.Background()
	store := newTestPlanStore()
	plan := samplePlan("Add Caching Layer")

	_, err := store.Save(ctx, plan, SaveOptions{Name: "Add Caching Layer"})
	require.NoError(t, err)

	loaded, err := store.LoadByName(ctx, "add caching layer")
	require.NoError(t, err)
	assert.Equal(t, plan.ID, loaded.ID)
}

func TestPlanStore_ListOrdersByMostRecentlyUpdated(t *testing.T) {
	ctx := context.Background()
	store := newTestPlanStore()

	p1 := samplePlan("first")
	_, err := store.Save(ctx, p1, SaveOptions{})
	require.NoError(t, err)

	p2 := samplePlan("second")
	_, err = store.Save(ctx, p2, SaveOptions{})
	require.NoError(t, err)

	list, err := store.List(ctx, ListOptions{})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, p2.ID, list[0].PlanID)
}

func TestPlanStore_ListFiltersByTag(t *testing.T) {
	ctx := context.Background()
	store := newTestPlanStore()

	p1 := samplePlan("first")
	_, err := store.Save(ctx, p1, SaveOptions{Tags: []string{"security"}})
	require.NoError(t, err)

	p2 := samplePlan("second")
	_, err = store.Save(ctx, p2, SaveOptions{Tags: []string{"perf"}})
	require.NoError(t, err)

	list, err := store.List(ctx, ListOptions{Tags: []string{"security"}})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, p1.ID, list[0].PlanID)
}

func TestPlanStore_Delete(t *testing.T) {
	ctx := context.Background()
	store := newTestPlanStore()
	plan := samplePlan("delete me")

	_, err := store.Save(ctx, plan, SaveOptions{})
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, plan.ID))

	_, err = store.Load(ctx, plan.ID)
	assert.True(t, core.IsNotFound(err))
}
