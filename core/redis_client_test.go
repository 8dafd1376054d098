package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetRedisDBName(t *testing.T) {
	tests := []struct {
		name     string
		db       int
		expected string
	}{
		{"Plans", RedisDBPlans, "Plan Store"},
		{"History", RedisDBHistory, "History Store"},
		{"Cache", RedisDBCache, "Cache"},
		{"Unnamed", 9, "DB 9"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, GetRedisDBName(tt.db))
		})
	}
}

func TestNewRedisClient_RequiresURL(t *testing.T) {
	_, err := NewRedisClient(RedisClientOptions{DB: RedisDBPlans})
	assert.Error(t, err)
}

func TestNewRedisClient_InvalidURL(t *testing.T) {
	_, err := NewRedisClient(RedisClientOptions{RedisURL: "not-a-url", DB: RedisDBPlans})
	assert.Error(t, err)
}
