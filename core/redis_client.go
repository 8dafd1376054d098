// This file implements a simplified Redis client wrapper with database isolation,
// namespacing, and connection management for the durable StorageProvider backend.
//
// Database Allocation:
//   - DB 0: Plan store (durable review plans)
//   - DB 1: History store (plan version history)
//   - DB 2: Response cache overflow (commit-scoped and file-hash-scoped tiers)
//
// All keys are automatically prefixed with the namespace, e.g. "rrc:plans:*".
package core

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisClient provides a simplified Redis interface with DB isolation.
type RedisClient struct {
	client    *redis.Client
	dbID      int
	namespace string
	logger    Logger
}

// RedisClientOptions configures the Redis client.
type RedisClientOptions struct {
	RedisURL  string
	DB        int // Redis DB number for isolation (0-15)
	Namespace string
	Logger    Logger
}

// NewRedisClient creates a new Redis client with the given options.
func NewRedisClient(opts RedisClientOptions) (*RedisClient, error) {
	if opts.RedisURL == "" {
		return nil, fmt.Errorf("redis URL is required: %w", ErrInvalidInput)
	}

	redisOpt, err := redis.ParseURL(opts.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", ErrInvalidInput)
	}

	if opts.DB >= 0 && opts.DB <= 15 {
		redisOpt.DB = opts.DB
	}

	client := redis.NewClient(redisOpt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis DB %d: %w", opts.DB, ErrConnectionFailed)
	}

	rc := &RedisClient{
		client:    client,
		dbID:      opts.DB,
		namespace: opts.Namespace,
		logger:    opts.Logger,
	}

	if rc.logger != nil {
		rc.logger.Info("redis client connected", map[string]interface{}{
			"db":        opts.DB,
			"db_name":   GetRedisDBName(opts.DB),
			"namespace": opts.Namespace,
		})
	}

	return rc, nil
}

// Close closes the Redis connection.
func (r *RedisClient) Close() error {
	err := r.client.Close()
	if err != nil && r.logger != nil {
		r.logger.Error("failed to close redis client", map[string]interface{}{
			"error": err.Error(),
			"db":    r.dbID,
		})
	}
	return err
}

// GetDB returns the DB number being used.
func (r *RedisClient) GetDB() int {
	return r.dbID
}

// GetNamespace returns the namespace being used.
func (r *RedisClient) GetNamespace() string {
	return r.namespace
}

func (r *RedisClient) formatKey(key string) string {
	if r.namespace != "" {
		return fmt.Sprintf("%s:%s", r.namespace, key)
	}
	return key
}

// Get retrieves a value.
func (r *RedisClient) Get(ctx context.Context, key string) (string, error) {
	return r.client.Get(ctx, r.formatKey(key)).Result()
}

// Set stores a value with an optional TTL.
func (r *RedisClient) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return r.client.Set(ctx, r.formatKey(key), value, ttl).Err()
}

// Del deletes one or more keys.
func (r *RedisClient) Del(ctx context.Context, keys ...string) error {
	formattedKeys := make([]string, len(keys))
	for i, key := range keys {
		formattedKeys[i] = r.formatKey(key)
	}
	return r.client.Del(ctx, formattedKeys...).Err()
}

// Exists reports whether a key is present.
func (r *RedisClient) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, r.formatKey(key)).Result()
	return n > 0, err
}

// TTL gets the remaining TTL of a key.
func (r *RedisClient) TTL(ctx context.Context, key string) (time.Duration, error) {
	return r.client.TTL(ctx, r.formatKey(key)).Result()
}

// ZAdd adds members to a sorted set, used to maintain an ordered index
// (e.g. plans by last-modified time) alongside the blob keys.
func (r *RedisClient) ZAdd(ctx context.Context, key string, members ...*redis.Z) error {
	return r.client.ZAdd(ctx, r.formatKey(key), members...).Err()
}

// ZRem removes members from a sorted set index.
func (r *RedisClient) ZRem(ctx context.Context, key string, members ...interface{}) error {
	return r.client.ZRem(ctx, r.formatKey(key), members...).Err()
}

// ZRevRangeWithScores returns members ordered by descending score, used to
// list plans/history most-recently-modified first.
func (r *RedisClient) ZRevRangeWithScores(ctx context.Context, key string, start, stop int64) ([]redis.Z, error) {
	return r.client.ZRevRangeWithScores(ctx, r.formatKey(key), start, stop).Result()
}

// ZCard gets the cardinality of a sorted set index.
func (r *RedisClient) ZCard(ctx context.Context, key string) (int64, error) {
	return r.client.ZCard(ctx, r.formatKey(key)).Result()
}

// Pipeline creates a pipeline for batched operations.
func (r *RedisClient) Pipeline() redis.Pipeliner {
	return r.client.Pipeline()
}

// Watch runs fn with an optimistic lock on the given keys, used by the
// StorageProvider to apply read-modify-write index updates atomically.
func (r *RedisClient) Watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	formatted := make([]string, len(keys))
	for i, k := range keys {
		formatted[i] = r.formatKey(k)
	}
	return r.client.Watch(ctx, fn, formatted...)
}

// HealthCheck verifies Redis connectivity.
func (r *RedisClient) HealthCheck(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// --- Standard Redis DB Allocation ---

const (
	// RedisDBPlans stores durable review plans.
	RedisDBPlans = 0

	// RedisDBHistory stores plan version history.
	RedisDBHistory = 1

	// RedisDBCache stores the Redis-backed cache overflow.
	RedisDBCache = 2
)

// GetRedisDBName returns a human-readable name for a Redis DB.
func GetRedisDBName(db int) string {
	switch db {
	case RedisDBPlans:
		return "Plan Store"
	case RedisDBHistory:
		return "History Store"
	case RedisDBCache:
		return "Cache"
	default:
		return fmt.Sprintf("DB %d", db)
	}
}
