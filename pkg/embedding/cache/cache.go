// Package cache provides the bounded embedding cache: an in-process LRU
// with TTL expiry, optionally layered over Redis so replicas share warm
// entries. Redis unavailability degrades silently to local-only.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Entry is a cached embedding keyed by normalized text.
type Entry struct {
	Vector   []float32 `json:"vector"`
	Model    string    `json:"model"`
	CachedAt time.Time `json:"cached_at"`
}

// Cache is the contract the embedding pipeline consumes.
type Cache interface {
	// Get returns the entry for a key, or false on miss
	Get(ctx context.Context, key string) (*Entry, bool)

	// Set stores an entry under a key
	Set(ctx context.Context, key string, entry *Entry)

	// Delete removes a key
	Delete(ctx context.Context, key string)

	// Purge drops all entries
	Purge(ctx context.Context)

	// Len returns the number of locally resident entries
	Len() int
}

// Key derives the cache key for a normalized text. Hashing keeps keys
// bounded regardless of content size and safe for Redis.
func Key(normalizedText string) string {
	sum := sha256.Sum256([]byte(normalizedText))
	return "emb:" + hex.EncodeToString(sum[:])
}
