package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyStableAndBounded(t *testing.T) {
	assert.Equal(t, Key("hello"), Key("hello"))
	assert.NotEqual(t, Key("hello"), Key("world"))
	// Hash keys stay fixed-length no matter the content size
	long := make([]byte, 1<<16)
	assert.Len(t, Key(string(long)), len(Key("x")))
}

func TestLRUCacheBasics(t *testing.T) {
	c := NewLRUCache(10, time.Minute, nil)
	ctx := context.Background()

	_, ok := c.Get(ctx, "missing")
	assert.False(t, ok)

	entry := &Entry{Vector: []float32{1, 2, 3}, Model: "test"}
	c.Set(ctx, "k", entry)

	got, ok := c.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, entry.Vector, got.Vector)
	assert.Equal(t, "test", got.Model)
	assert.False(t, got.CachedAt.IsZero())
	assert.Equal(t, 1, c.Len())

	c.Delete(ctx, "k")
	_, ok = c.Get(ctx, "k")
	assert.False(t, ok)
}

func TestLRUCacheEvictsAtCapacity(t *testing.T) {
	c := NewLRUCache(2, time.Minute, nil)
	ctx := context.Background()

	c.Set(ctx, "a", &Entry{Model: "m"})
	c.Set(ctx, "b", &Entry{Model: "m"})
	c.Set(ctx, "c", &Entry{Model: "m"})

	assert.Equal(t, 2, c.Len())
	_, ok := c.Get(ctx, "a")
	assert.False(t, ok, "oldest entry should have been evicted")
}

func TestLRUCachePurge(t *testing.T) {
	c := NewLRUCache(10, time.Minute, nil)
	ctx := context.Background()
	c.Set(ctx, "a", &Entry{Model: "m"})
	c.Set(ctx, "b", &Entry{Model: "m"})

	c.Purge(ctx)
	assert.Equal(t, 0, c.Len())
}
