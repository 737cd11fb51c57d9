package cache

import (
	"context"
	"time"
)

// Engine defines the interface for cache engine implementations.
// A ttl <= 0 stores the entry without expiry. Expired entries must never be
// returned by Get, Keys or Size.
type Engine interface {
	// Get retrieves an item. found is false for missing and expired keys.
	Get(ctx context.Context, key string) (value any, found bool, err error)

	// Set stores an item, replacing any previous value and its TTL.
	Set(ctx context.Context, key string, value any, ttl time.Duration) error

	// Delete removes an item and reports whether it existed.
	Delete(ctx context.Context, key string) (bool, error)

	// Clear removes every item owned by the engine.
	Clear(ctx context.Context) error

	// Keys returns the live keys, sorted.
	Keys(ctx context.Context) ([]string, error)

	// Size returns the number of live items.
	Size(ctx context.Context) (int, error)

	// Close releases the engine's resources.
	Close(ctx context.Context) error
}
