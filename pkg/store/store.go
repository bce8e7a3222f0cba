package store

import (
	"context"
	"time"
)

// Store is the shared coordination store. Implementations must be safe for
// concurrent use and each method must be atomic on the store side.
type Store interface {
	// SetNX creates key with value and ttl only if key is absent.
	// It reports whether the key was created.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Get returns the value stored at key and whether it exists.
	Get(ctx context.Context, key string) (string, bool, error)

	// CompareAndDelete deletes key only if its value equals expected.
	CompareAndDelete(ctx context.Context, key, expected string) (bool, error)

	// CompareAndExpire resets the ttl of key only if its value equals expected.
	CompareAndExpire(ctx context.Context, key, expected string, ttl time.Duration) (bool, error)

	// IncrWithExpiry increments the counter at key and returns the new value
	// with the time left until the counter expires. The ttl is applied when
	// the counter is created and is never extended afterwards.
	IncrWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, time.Duration, error)

	// PushTrim appends value to the list at key, keeps only the newest
	// maxLen entries, refreshes the list ttl and returns the list length.
	PushTrim(ctx context.Context, key, value string, maxLen int64, ttl time.Duration) (int64, error)

	// Range returns every entry of the list at key, oldest first.
	Range(ctx context.Context, key string) ([]string, error)

	// Delete removes keys. Missing keys are ignored.
	Delete(ctx context.Context, keys ...string) error

	// Ping checks that the store is reachable.
	Ping(ctx context.Context) error

	// Close releases resources held by the store.
	Close() error
}

// DefaultOpTimeout bounds a single store round trip. It is deliberately
// much shorter than lock TTLs.
const DefaultOpTimeout = 250 * time.Millisecond
