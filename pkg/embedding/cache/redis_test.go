package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTieredUnderTest(t *testing.T) (*TieredCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewTieredCache(NewLRUCache(10, time.Minute, nil), client, time.Minute, nil, nil), mr
}

func TestTieredCacheWritesBothTiers(t *testing.T) {
	c, mr := newTieredUnderTest(t)
	ctx := context.Background()

	c.Set(ctx, "k", &Entry{Vector: []float32{1, 2}, Model: "m"})

	assert.Equal(t, 1, c.Len())
	assert.True(t, mr.Exists("k"))
}

func TestTieredCachePromotesRedisHit(t *testing.T) {
	c, _ := newTieredUnderTest(t)
	ctx := context.Background()

	c.Set(ctx, "k", &Entry{Vector: []float32{1, 2}, Model: "m"})
	// Simulate a cold local tier, as after a restart
	c.local.Purge(ctx)
	require.Equal(t, 0, c.Len())

	got, ok := c.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, []float32{1, 2}, got.Vector)
	// The hit was promoted into the local tier
	assert.Equal(t, 1, c.Len())
}

func TestTieredCacheRedisDownDegradesToLocal(t *testing.T) {
	c, mr := newTieredUnderTest(t)
	ctx := context.Background()
	mr.Close()

	// Set still lands locally despite the dead Redis
	c.Set(ctx, "k", &Entry{Vector: []float32{3}, Model: "m"})
	got, ok := c.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, []float32{3}, got.Vector)

	// A pure miss with Redis down is just a miss
	_, ok = c.Get(ctx, "other")
	assert.False(t, ok)
}

func TestTieredCacheDelete(t *testing.T) {
	c, mr := newTieredUnderTest(t)
	ctx := context.Background()

	c.Set(ctx, "k", &Entry{Model: "m"})
	c.Delete(ctx, "k")

	_, ok := c.Get(ctx, "k")
	assert.False(t, ok)
	assert.False(t, mr.Exists("k"))
}
