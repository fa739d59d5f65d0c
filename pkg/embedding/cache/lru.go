package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/recallstack/recall/pkg/observability"
)

// Cache defaults.
const (
	DefaultMaxEntries = 10000
	DefaultTTL        = time.Hour
)

// LRUCache is an in-process cache bounded by entry count with TTL expiry.
// The underlying expirable LRU holds its own lock only for map operations,
// never across I/O.
type LRUCache struct {
	lru     *expirable.LRU[string, *Entry]
	metrics observability.MetricsClient
}

// NewLRUCache creates an LRUCache. Zero maxEntries or ttl select the
// defaults.
func NewLRUCache(maxEntries int, ttl time.Duration, metrics observability.MetricsClient) *LRUCache {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	c := &LRUCache{metrics: metrics}
	c.lru = expirable.NewLRU[string, *Entry](maxEntries, nil, ttl)
	return c
}

// Get implements Cache.Get
func (c *LRUCache) Get(ctx context.Context, key string) (*Entry, bool) {
	entry, ok := c.lru.Get(key)
	c.metrics.RecordCacheOperation("embedding_get", ok, 0)
	if !ok {
		return nil, false
	}
	return entry, true
}

// Set implements Cache.Set
func (c *LRUCache) Set(ctx context.Context, key string, entry *Entry) {
	if entry.CachedAt.IsZero() {
		entry.CachedAt = time.Now().UTC()
	}
	c.lru.Add(key, entry)
}

// Delete implements Cache.Delete
func (c *LRUCache) Delete(ctx context.Context, key string) {
	c.lru.Remove(key)
}

// Purge implements Cache.Purge
func (c *LRUCache) Purge(ctx context.Context) {
	c.lru.Purge()
}

// Len implements Cache.Len
func (c *LRUCache) Len() int {
	return c.lru.Len()
}
