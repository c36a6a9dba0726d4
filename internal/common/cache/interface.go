package cache

import (
	"context"
	"time"
)

// Cache is the key/value and stream surface the executor needs from Redis.
type Cache interface {
	BasicOps
	StreamOps

	// Ping verifies the connection is alive
	Ping(ctx context.Context) error

	// Close releases the underlying connection pool
	Close() error
}

// BasicOps covers plain string keys.
type BasicOps interface {
	// Get returns "" and a nil error when the key does not exist
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	// SetNX sets key only if it is absent and reports whether it did
	SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, keys ...string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

// StreamOps covers append-only Redis streams.
type StreamOps interface {
	// XAdd appends an entry and returns its id. A positive maxLen trims the
	// stream approximately to that length.
	XAdd(ctx context.Context, stream string, maxLen int64, values map[string]interface{}) (string, error)
	// XRange returns every entry of stream in order.
	XRange(ctx context.Context, stream string) ([]StreamEntry, error)
}

// StreamEntry is one entry of a Redis stream.
type StreamEntry struct {
	ID     string
	Values map[string]interface{}
}
