package redis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"finsight/pkg/logger"
)

// SharedToolCache is a process-wide tool result cache backed by Redis.
// It satisfies the registry's SharedCache contract; failures degrade to
// cache misses so a Redis outage never breaks tool dispatch.
type SharedToolCache struct {
	client *Client
	log    *logger.Logger
}

// NewSharedToolCache builds the cache over an established client.
func NewSharedToolCache(client *Client) *SharedToolCache {
	return &SharedToolCache{
		client: client,
		log:    logger.Get().With("component", "shared_tool_cache"),
	}
}

// Get returns the cached payload for key, if present.
func (c *SharedToolCache) Get(ctx context.Context, key string) (json.RawMessage, bool) {
	data, err := c.client.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.log.Warnf("Cache get failed: key=%s error=%v", key, err)
		}
		return nil, false
	}

	return json.RawMessage(data), true
}

// Set stores a payload under key with the given TTL.
func (c *SharedToolCache) Set(ctx context.Context, key string, payload json.RawMessage, ttl time.Duration) {
	if err := c.client.rdb.Set(ctx, key, []byte(payload), ttl).Err(); err != nil {
		c.log.Warnf("Cache set failed: key=%s error=%v", key, err)
	}
}
