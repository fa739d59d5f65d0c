package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/recallstack/recall/pkg/observability"
)

// TieredCache layers the local LRU over a shared Redis instance so sibling
// processes reuse each other's embeddings. Reads are local-first; a Redis
// hit is promoted into the LRU. Writes go to both, and every Redis failure
// is logged and swallowed: the cache contract never fails the caller.
type TieredCache struct {
	local   *LRUCache
	client  redis.UniversalClient
	ttl     time.Duration
	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewTieredCache creates a TieredCache over an existing Redis client.
func NewTieredCache(local *LRUCache, client redis.UniversalClient, ttl time.Duration, logger observability.Logger, metrics observability.MetricsClient) *TieredCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &TieredCache{
		local:   local,
		client:  client,
		ttl:     ttl,
		logger:  logger.WithPrefix("embedding-cache"),
		metrics: metrics,
	}
}

// Get implements Cache.Get
func (c *TieredCache) Get(ctx context.Context, key string) (*Entry, bool) {
	if entry, ok := c.local.Get(ctx, key); ok {
		return entry, true
	}

	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("redis get failed, serving local-only", map[string]interface{}{"error": err.Error()})
			c.metrics.RecordCounter("embedding_cache_redis_errors", 1, map[string]string{"op": "get"})
		}
		return nil, false
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		c.logger.Warn("discarding undecodable redis cache entry", map[string]interface{}{"key": key, "error": err.Error()})
		return nil, false
	}

	c.local.Set(ctx, key, &entry)
	c.metrics.RecordCacheOperation("embedding_l2_get", true, 0)
	return &entry, true
}

// Set implements Cache.Set
func (c *TieredCache) Set(ctx context.Context, key string, entry *Entry) {
	c.local.Set(ctx, key, entry)

	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.logger.Warn("redis set failed, entry is local-only", map[string]interface{}{"error": err.Error()})
		c.metrics.RecordCounter("embedding_cache_redis_errors", 1, map[string]string{"op": "set"})
	}
}

// Delete implements Cache.Delete
func (c *TieredCache) Delete(ctx context.Context, key string) {
	c.local.Delete(ctx, key)
	if err := c.client.Del(ctx, key).Err(); err != nil {
		c.logger.Warn("redis delete failed", map[string]interface{}{"error": err.Error()})
	}
}

// Purge implements Cache.Purge. Only local entries are purged; shared Redis
// entries expire by TTL.
func (c *TieredCache) Purge(ctx context.Context) {
	c.local.Purge(ctx)
}

// Len implements Cache.Len
func (c *TieredCache) Len() int {
	return c.local.Len()
}
