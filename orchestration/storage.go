// Package orchestration's StorageProvider abstracts the durable backend used
// by PlanStore (C2) and HistoryStore (C3): a key/value blob store plus a
// sorted index for ordered, paginated listing.
package orchestration

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/reactive-review/rrc/core"
)

// StorageProvider abstracts the underlying durable backend. Implementations
// can be Redis, Postgres, S3, or an in-process map; RRC's components depend
// only on this interface, never on a concrete backend.
//
// Method names are storage-agnostic. The sorted index operations map
// directly onto Redis ZADD/ZREVRANGEBYSCORE/ZREM, or onto an ORDER BY score
// DESC query against a relational index column.
type StorageProvider interface {
	// Get retrieves a value by key. Returns "" and nil error if not found.
	Get(ctx context.Context, key string) (string, error)

	// Set stores a value with TTL. Use 0 for no expiration.
	Set(ctx context.Context, key string, value string, ttl time.Duration) error

	// Del deletes one or more keys.
	Del(ctx context.Context, keys ...string) error

	// Exists checks if a key exists.
	Exists(ctx context.Context, key string) (bool, error)

	// AddToIndex adds a member with score to a sorted index, used for
	// time-based listing (score = timestamp).
	AddToIndex(ctx context.Context, key string, score float64, member string) error

	// ListByScoreDesc returns members from a sorted index (highest score
	// first) with pagination.
	ListByScoreDesc(ctx context.Context, key string, offset, count int64) ([]string, error)

	// RemoveFromIndex removes members from a sorted index.
	RemoveFromIndex(ctx context.Context, key string, members ...string) error
}

// RedisStorageProvider implements StorageProvider over core.RedisClient.
type RedisStorageProvider struct {
	client *core.RedisClient
}

// NewRedisStorageProvider wraps an already-connected, DB-isolated RedisClient.
func NewRedisStorageProvider(client *core.RedisClient) *RedisStorageProvider {
	return &RedisStorageProvider{client: client}
}

func (p *RedisStorageProvider) Get(ctx context.Context, key string) (string, error) {
	val, err := p.client.Get(ctx, key)
	if err == redis.Nil {
		return "", nil
	}
	return val, err
}

func (p *RedisStorageProvider) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return p.client.Set(ctx, key, value, ttl)
}

func (p *RedisStorageProvider) Del(ctx context.Context, keys ...string) error {
	return p.client.Del(ctx, keys...)
}

func (p *RedisStorageProvider) Exists(ctx context.Context, key string) (bool, error) {
	return p.client.Exists(ctx, key)
}

func (p *RedisStorageProvider) AddToIndex(ctx context.Context, key string, score float64, member string) error {
	return p.client.ZAdd(ctx, key, &redis.Z{Score: score, Member: member})
}

func (p *RedisStorageProvider) ListByScoreDesc(ctx context.Context, key string, offset, count int64) ([]string, error) {
	zs, err := p.client.ZRevRangeWithScores(ctx, key, offset, offset+count-1)
	if err != nil {
		return nil, err
	}
	members := make([]string, 0, len(zs))
	for _, z := range zs {
		if s, ok := z.Member.(string); ok {
			members = append(members, s)
		}
	}
	return members, nil
}

func (p *RedisStorageProvider) RemoveFromIndex(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return p.client.ZRem(ctx, key, args...)
}

// InMemoryStorageProvider implements StorageProvider over core.MemoryStore,
// maintaining its own sorted index since MemoryStore has no native sorted set.
type InMemoryStorageProvider struct {
	mu     sync.RWMutex
	store  *core.MemoryStore
	scores map[string]map[string]float64 // index key -> member -> score
}

// NewInMemoryStorageProvider creates an in-process StorageProvider, used when
// no Redis URL is configured.
func NewInMemoryStorageProvider(store *core.MemoryStore) *InMemoryStorageProvider {
	return &InMemoryStorageProvider{
		store:  store,
		scores: make(map[string]map[string]float64),
	}
}

func (p *InMemoryStorageProvider) Get(ctx context.Context, key string) (string, error) {
	return p.store.Get(ctx, key)
}

func (p *InMemoryStorageProvider) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return p.store.Set(ctx, key, value, ttl)
}

func (p *InMemoryStorageProvider) Del(ctx context.Context, keys ...string) error {
	for _, k := range keys {
		if err := p.store.Delete(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

func (p *InMemoryStorageProvider) Exists(ctx context.Context, key string) (bool, error) {
	return p.store.Exists(ctx, key)
}

func (p *InMemoryStorageProvider) AddToIndex(ctx context.Context, key string, score float64, member string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx, ok := p.scores[key]
	if !ok {
		idx = make(map[string]float64)
		p.scores[key] = idx
	}
	idx[member] = score
	return nil
}

func (p *InMemoryStorageProvider) ListByScoreDesc(ctx context.Context, key string, offset, count int64) ([]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	idx := p.scores[key]
	members := make([]string, 0, len(idx))
	for m := range idx {
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool {
		if idx[members[i]] == idx[members[j]] {
			return members[i] < members[j]
		}
		return idx[members[i]] > idx[members[j]]
	})

	if offset >= int64(len(members)) {
		return []string{}, nil
	}
	end := offset + count
	if end > int64(len(members)) || count <= 0 {
		end = int64(len(members))
	}
	return members[offset:end], nil
}

func (p *InMemoryStorageProvider) RemoveFromIndex(ctx context.Context, key string, members ...string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx, ok := p.scores[key]
	if !ok {
		return nil
	}
	for _, m := range members {
		delete(idx, m)
	}
	return nil
}
