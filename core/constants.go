package core

import "time"

// Environment variable names recognized by Config.LoadFromEnv.
const (
	EnvNamespace = "RRC_NAMESPACE"
	EnvRedisURL  = "RRC_REDIS_URL"
	EnvDevMode   = "RRC_DEV_MODE"
)

// Key-space prefixes used by the Redis StorageProvider backend.
const (
	// PlanKeyPrefix namespaces durable Plan blobs: <prefix><plan_id> (the Redis
	// client prepends "<namespace>:")
	PlanKeyPrefix = "rrc:plan:"

	// HistoryKeyPrefix namespaces version-history blobs: <prefix><plan_id> (the
	// Redis client prepends "<namespace>:")
	HistoryKeyPrefix = "rrc:history:"

	// CacheKeyPrefix namespaces cached review results.
	CacheKeyPrefix = "rrc:cache:"
)

// DefaultCacheTTL is the TTL applied uniformly across all three cache tiers
// when CacheConfig.TTL is left unset.
const DefaultCacheTTL = 1 * time.Hour
