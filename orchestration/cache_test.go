package orchestration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleKey(commit, file, content, step string) CacheKey {
	return CacheKey{CommitHash: commit, FilePath: file, ContentHash: content, StepFingerprint: step}
}

func sampleFindings() []Finding {
	return []Finding{{File: "main.go", Severity: SeverityWarning, Category: "style", Message: "line too long"}}
}

func TestResponseCache_MemoryHit(t *testing.T) {
	c := NewResponseCache(10, time.Hour)
	key := sampleKey("c1", "main.go", "aaaa", "step1")

	c.Put(key, sampleFindings())

	result, ok := c.Get(key)
	require.True(t, ok)
	assert.Equal(t, SourceMemory, result.SourceLayer)
	assert.Equal(t, 1, len(result.Findings))

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.MemoryHits)
}

func TestResponseCache_Miss(t *testing.T) {
	c := NewResponseCache(10, time.Hour)
	_, ok := c.Get(sampleKey("c1", "main.go", "aaaa", "step1"))
	assert.False(t, ok)
	assert.Equal(t, int64(1), c.Stats().Misses)
}

// Scenario: a cache hit served from layer 3 (file-hash) promotes into layer 1
// (memory), so the next lookup for the same key is a memory hit.
func TestResponseCache_LayerPromotion(t *testing.T) {
	c := NewResponseCache(10, time.Hour)
	key := sampleKey("c1", "main.go", "aaaa", "step1")
	c.Put(key, sampleFindings())

	// A new commit invalidates layer 2 but layer 3 (file-hash) survives.
	c.InvalidateCommit("c1")

	result, ok := c.Get(key)
	require.True(t, ok)
	assert.Equal(t, SourceFileHash, result.SourceLayer)
	assert.Equal(t, int64(1), c.Stats().FileHashHits)

	// Second lookup should now be served by the memory layer.
	result2, ok := c.Get(key)
	require.True(t, ok)
	assert.Equal(t, SourceMemory, result2.SourceLayer)
	assert.Equal(t, int64(1), c.Stats().MemoryHits)
}

func TestResponseCache_ZeroSizeMemoryLayerStillHitsLowerLayers(t *testing.T) {
	c := NewResponseCache(0, time.Hour)
	key := sampleKey("c1", "main.go", "aaaa", "step1")
	c.Put(key, sampleFindings())

	result, ok := c.Get(key)
	require.True(t, ok)
	assert.Equal(t, SourceCommit, result.SourceLayer)
}

func TestResponseCache_TTLExpiryIsMiss(t *testing.T) {
	c := NewResponseCache(10, time.Millisecond)
	key := sampleKey("c1", "main.go", "aaaa", "step1")
	c.Put(key, sampleFindings())

	time.Sleep(5 * time.Millisecond)

	_, ok := c.Get(key)
	assert.False(t, ok)
}

func TestResponseCache_InvalidateCommitDropsLayer1And2ButNotLayer3(t *testing.T) {
	c := NewResponseCache(10, time.Hour)
	key := sampleKey("c1", "main.go", "aaaa", "step1")
	c.Put(key, sampleFindings())

	c.InvalidateCommit("c1")

	c.mu.RLock()
	_, inCommit := c.byCommit["c1"]
	_, inMem := c.memItems[key]
	_, inFileHash := c.byFileHash[fileHashKey{filePath: "main.go", contentHash: "aaaa"}]
	c.mu.RUnlock()

	assert.False(t, inCommit)
	assert.False(t, inMem)
	assert.True(t, inFileHash)
}

func TestResponseCache_InvalidateFileDropsLayer1And3ButNotLayer2(t *testing.T) {
	c := NewResponseCache(10, time.Hour)
	key := sampleKey("c1", "main.go", "aaaa", "step1")
	c.Put(key, sampleFindings())

	c.InvalidateFile("main.go")

	c.mu.RLock()
	_, inMem := c.memItems[key]
	_, inFileHash := c.byFileHash[fileHashKey{filePath: "main.go", contentHash: "aaaa"}]
	commitLayer, inCommit := c.byCommit["c1"]
	c.mu.RUnlock()

	assert.False(t, inMem)
	assert.False(t, inFileHash)
	require.True(t, inCommit)
	assert.Contains(t, commitLayer, key)
}

func TestResponseCache_LRUEvictionAtCapacity(t *testing.T) {
	c := NewResponseCache(2, time.Hour)
	k1 := sampleKey("c1", "a.go", "h1", "s1")
	k2 := sampleKey("c1", "b.go", "h2", "s1")
	k3 := sampleKey("c1", "c.go", "h3", "s1")

	c.Put(k1, sampleFindings())
	c.Put(k2, sampleFindings())
	c.Put(k3, sampleFindings()) // evicts k1 from memory (oldest, untouched)

	c.mu.RLock()
	_, k1InMem := c.memItems[k1]
	_, k3InMem := c.memItems[k3]
	c.mu.RUnlock()

	assert.False(t, k1InMem)
	assert.True(t, k3InMem)

	// k1 still answers from layer 2/3 even though evicted from memory.
	result, ok := c.Get(k1)
	require.True(t, ok)
	assert.NotEqual(t, SourceMemory, result.SourceLayer)
}

func TestResponseCache_Clear(t *testing.T) {
	c := NewResponseCache(10, time.Hour)
	key := sampleKey("c1", "main.go", "aaaa", "step1")
	c.Put(key, sampleFindings())
	c.Get(key)

	c.Clear()

	_, ok := c.Get(key)
	assert.False(t, ok)
	assert.Equal(t, CacheStats{Misses: 1}, c.Stats())
}

func TestResponseCache_HitRate(t *testing.T) {
	c := NewResponseCache(10, time.Hour)
	key := sampleKey("c1", "main.go", "aaaa", "step1")
	c.Put(key, sampleFindings())

	c.Get(key)
	c.Get(sampleKey("c1", "other.go", "zzzz", "s2"))

	stats := c.Stats()
	assert.InDelta(t, 0.5, stats.HitRate, 0.0001)
}

func BenchmarkResponseCache_Put(b *testing.B) {
	c := NewResponseCache(1000, time.Hour)
	findings := sampleFindings()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.Put(sampleKey("c1", "main.go", "aaaa", "step1"), findings)
	}
}

func BenchmarkResponseCache_Get(b *testing.B) {
	c := NewResponseCache(1000, time.Hour)
	key := sampleKey("c1", "main.go", "aaaa", "step1")
	c.Put(key, sampleFindings())
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.Get(key)
	}
}
