package cache

import (
	"context"
	"time"
)

// Store represents the shared key-value cache used across the application.
// Implementations must treat the cache as disposable: callers fall back to
// the database when any operation fails.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// KeyScanner is implemented by stores that can enumerate keys matching a
// glob-style pattern. Parameterised keyspaces (room listings, searches) are
// invalidated through it; stores without scan support fall back to clearing
// a bounded set of common parameter combinations.
type KeyScanner interface {
	ScanKeys(ctx context.Context, pattern string) ([]string, error)
}
