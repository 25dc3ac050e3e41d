// Package cache stores embedding vectors so repeated input is not sent to
// a provider twice.
//
// Two byte-level backends implement Cache: RedisCache, shared by every
// replica, and MemoryCache, in-process. VectorCache sits on top of either
// and owns key derivation and the vector wire format.
package cache

import (
	"context"
	"time"
)

// Cache is a byte-level key/value store with per-entry TTL.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) bool
}
