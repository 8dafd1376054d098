package orchestration

import (
	"sync"
	"time"
)

// CacheStats reports ResponseCache (C1) hit/miss performance.
type CacheStats struct {
	Hits         int64   `json:"hits"`
	Misses       int64   `json:"misses"`
	MemoryHits   int64   `json:"memory_hits"`
	CommitHits   int64   `json:"commit_hits"`
	FileHashHits int64   `json:"file_hash_hits"`
	HitRate      float64 `json:"hit_rate"`
}

// ResponseCache (C1) is the three-tier keyed cache of per-(commit, file,
// content, step) review findings: a bounded LRU memory layer, an unbounded
// per-commit layer, and a file-content-hash layer that survives across
// commits that didn't touch a file's bytes.
type ResponseCache struct {
	mu sync.RWMutex

	memCapacity int
	ttl         time.Duration

	memItems map[CacheKey]*lruEntry
	memHead  *lruEntry
	memTail  *lruEntry

	byCommit   map[string]map[CacheKey]*CachedResult
	byFileHash map[fileHashKey]*CachedResult

	commitCacheEnabled bool

	stats CacheStats
}

type fileHashKey struct {
	filePath    string
	contentHash string
}

type lruEntry struct {
	key    CacheKey
	result *CachedResult
	prev   *lruEntry
	next   *lruEntry
}

// NewResponseCache creates a ResponseCache. memCapacity bounds the memory
// layer (0 disables it, falling straight through to layers 2/3); ttl is the
// age after which any layer's entry is treated as a miss.
func NewResponseCache(memCapacity int, ttl time.Duration) *ResponseCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &ResponseCache{
		memCapacity:        memCapacity,
		ttl:                ttl,
		memItems:           make(map[CacheKey]*lruEntry),
		byCommit:           make(map[string]map[CacheKey]*CachedResult),
		byFileHash:         make(map[fileHashKey]*CachedResult),
		commitCacheEnabled: true,
	}
}

// SetCommitCacheEnabled toggles layer 2 (the per-commit cache). Get stops
// consulting it and Put stops populating it once disabled; layers 1 and 3 are
// unaffected. A zombie session transition disables it (spec §4.7): a session
// that lost track of its own plan can no longer be trusted to scope
// commit-level prefetch correctly.
func (c *ResponseCache) SetCommitCacheEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commitCacheEnabled = enabled
}

// Get looks up key across layer 1 (memory), then 2 (commit), then 3
// (file-hash), promoting any layer-2/3 hit into layer 1. A hit whose age
// exceeds ttl is treated as a miss and evicted from the layer it was found in.
func (c *ResponseCache) Get(key CacheKey) (*CachedResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.memItems[key]; ok {
		if c.expired(entry.result) {
			c.removeMemEntry(entry)
		} else {
			c.moveToFront(entry)
			c.stats.Hits++
			c.stats.MemoryHits++
			c.updateHitRate()
			return entry.result, true
		}
	}

	if c.commitCacheEnabled {
		if commit, ok := c.byCommit[key.CommitHash]; ok {
			if result, ok := commit[key]; ok {
				if c.expired(result) {
					delete(commit, key)
				} else {
					c.stats.Hits++
					c.stats.CommitHits++
					c.updateHitRate()
					promoted := *result
					c.promoteToMemory(key, &promoted)
					return &promoted, true
				}
			}
		}
	}

	fhKey := fileHashKey{filePath: key.FilePath, contentHash: key.ContentHash}
	if result, ok := c.byFileHash[fhKey]; ok {
		if c.expired(result) {
			delete(c.byFileHash, fhKey)
		} else {
			c.stats.Hits++
			c.stats.FileHashHits++
			c.updateHitRate()
			promoted := *result
			c.promoteToMemory(key, &promoted)
			return &promoted, true
		}
	}

	c.stats.Misses++
	c.updateHitRate()
	return nil, false
}

// Put writes findings into every enabled layer simultaneously. Writes are
// last-writer-wins per key; there is no write-back to any external store.
func (c *ResponseCache) Put(key CacheKey, findings []Finding) {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := &CachedResult{
		Findings:    findings,
		CachedAt:    time.Now(),
		SourceLayer: SourceMemory,
	}

	c.setMemory(key, result)

	if c.commitCacheEnabled {
		commitLayer, ok := c.byCommit[key.CommitHash]
		if !ok {
			commitLayer = make(map[CacheKey]*CachedResult)
			c.byCommit[key.CommitHash] = commitLayer
		}
		commitCopy := *result
		commitCopy.SourceLayer = SourceCommit
		commitLayer[key] = &commitCopy
	}

	fhCopy := *result
	fhCopy.SourceLayer = SourceFileHash
	c.byFileHash[fileHashKey{filePath: key.FilePath, contentHash: key.ContentHash}] = &fhCopy
}

// InvalidateCommit drops the entire layer-2 partition for commit and removes
// matching entries from layer 1. Layer 3 is left intact: content may still
// be valid under a different commit.
func (c *ResponseCache) InvalidateCommit(commit string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.byCommit, commit)

	for key, entry := range c.memItems {
		if key.CommitHash == commit {
			c.removeMemEntry(entry)
		}
	}
}

// InvalidateFile removes entries touching path from layers 1 and 3, leaving
// layer 2 (commit-scoped) alone.
func (c *ResponseCache) InvalidateFile(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, entry := range c.memItems {
		if key.FilePath == path {
			c.removeMemEntry(entry)
		}
	}
	for fhKey := range c.byFileHash {
		if fhKey.filePath == path {
			delete(c.byFileHash, fhKey)
		}
	}
}

// Clear empties all three layers and resets stats.
func (c *ResponseCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.memItems = make(map[CacheKey]*lruEntry)
	c.memHead = nil
	c.memTail = nil
	c.byCommit = make(map[string]map[CacheKey]*CachedResult)
	c.byFileHash = make(map[fileHashKey]*CachedResult)
	c.stats = CacheStats{}
}

// Stats returns hit/miss counters and the derived hit rate.
func (c *ResponseCache) Stats() CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

func (c *ResponseCache) expired(result *CachedResult) bool {
	return time.Since(result.CachedAt) > c.ttl
}

func (c *ResponseCache) updateHitRate() {
	total := c.stats.Hits + c.stats.Misses
	if total > 0 {
		c.stats.HitRate = float64(c.stats.Hits) / float64(total)
	}
}

// promoteToMemory writes a layer-2/3 hit into the memory layer, respecting
// LRU eviction, so the next Get for the same key is a memory hit.
func (c *ResponseCache) promoteToMemory(key CacheKey, result *CachedResult) {
	promoted := *result
	promoted.SourceLayer = SourceMemory
	c.setMemory(key, &promoted)
}

func (c *ResponseCache) setMemory(key CacheKey, result *CachedResult) {
	if c.memCapacity <= 0 {
		return
	}

	if entry, ok := c.memItems[key]; ok {
		entry.result = result
		c.moveToFront(entry)
		return
	}

	if len(c.memItems) >= c.memCapacity {
		c.evictLRU()
	}

	entry := &lruEntry{key: key, result: result}
	c.memItems[key] = entry
	c.addToFront(entry)
}

func (c *ResponseCache) addToFront(entry *lruEntry) {
	entry.prev = nil
	entry.next = c.memHead
	if c.memHead != nil {
		c.memHead.prev = entry
	}
	c.memHead = entry
	if c.memTail == nil {
		c.memTail = entry
	}
}

func (c *ResponseCache) removeFromList(entry *lruEntry) {
	if entry.prev != nil {
		entry.prev.next = entry.next
	} else {
		c.memHead = entry.next
	}
	if entry.next != nil {
		entry.next.prev = entry.prev
	} else {
		c.memTail = entry.prev
	}
}

func (c *ResponseCache) moveToFront(entry *lruEntry) {
	if entry == c.memHead {
		return
	}
	c.removeFromList(entry)
	c.addToFront(entry)
}

func (c *ResponseCache) removeMemEntry(entry *lruEntry) {
	c.removeFromList(entry)
	delete(c.memItems, entry.key)
}

func (c *ResponseCache) evictLRU() {
	if c.memTail != nil {
		c.removeMemEntry(c.memTail)
	}
}
