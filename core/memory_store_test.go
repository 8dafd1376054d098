package core

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	require.NotNil(t, store)
	require.NotNil(t, store.store)
}

func TestMemoryStore_GetSet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	value, err := store.Get(ctx, "non-existent")
	require.NoError(t, err)
	assert.Equal(t, "", value)

	require.NoError(t, store.Set(ctx, "key1", "value1", 0))

	value, err = store.Get(ctx, "key1")
	require.NoError(t, err)
	assert.Equal(t, "value1", value)
}

func TestMemoryStore_Overwrite(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "key1", "value1", 0))
	require.NoError(t, store.Set(ctx, "key1", "value2", 0))

	value, err := store.Get(ctx, "key1")
	require.NoError(t, err)
	assert.Equal(t, "value2", value)
}

func TestMemoryStore_Delete(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "key1", "value1", 0))
	require.NoError(t, store.Set(ctx, "key2", "value2", 0))

	require.NoError(t, store.Delete(ctx, "key1"))

	value, err := store.Get(ctx, "key1")
	require.NoError(t, err)
	assert.Equal(t, "", value)

	value, err = store.Get(ctx, "key2")
	require.NoError(t, err)
	assert.Equal(t, "value2", value)

	require.NoError(t, store.Delete(ctx, "non-existent"))
}

func TestMemoryStore_Exists(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	exists, err := store.Exists(ctx, "key1")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, store.Set(ctx, "key1", "value1", 0))

	exists, err = store.Exists(ctx, "key1")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, store.Delete(ctx, "key1"))
	exists, err = store.Exists(ctx, "key1")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestMemoryStore_TTLExpiry(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "key", "value", 50*time.Millisecond))

	value, err := store.Get(ctx, "key")
	require.NoError(t, err)
	assert.Equal(t, "value", value)

	time.Sleep(75 * time.Millisecond)

	value, err = store.Get(ctx, "key")
	require.NoError(t, err)
	assert.Equal(t, "", value, "expired entries must be treated as a miss")

	exists, err := store.Exists(ctx, "key")
	require.NoError(t, err)
	assert.False(t, exists, "Exists must also honor expiry")
}

func TestMemoryStore_Keys(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "plan:1", "a", 0))
	require.NoError(t, store.Set(ctx, "plan:2", "b", 0))
	require.NoError(t, store.Set(ctx, "history:1", "c", 0))

	keys := store.Keys("plan:")
	assert.Len(t, keys, 2)
}

func TestMemoryStore_CancelledContextStillApplies(t *testing.T) {
	store := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, store.Set(ctx, "key", "value", 0))
	value, err := store.Get(ctx, "key")
	require.NoError(t, err)
	assert.Equal(t, "value", value)
}

func BenchmarkMemoryStore_Set(b *testing.B) {
	store := NewMemoryStore()
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		key := fmt.Sprintf("key%d", i)
		_ = store.Set(ctx, key, "value", 0)
	}
}

func BenchmarkMemoryStore_Get(b *testing.B) {
	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.Set(ctx, "key", "value", 0)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = store.Get(ctx, "key")
	}
}
