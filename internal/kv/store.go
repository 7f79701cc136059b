// Package kv provides the key-value storage layer for the timekeeper
// engine: a minimal Store interface over scoped keys, two concrete
// implementations (in-memory and SQLite), and the Bounded adapter that
// enforces the store's per-key size ceiling before any write reaches it.
package kv

import "context"

// DefaultLimitBytes is the per-key serialized-size ceiling the engine is
// tuned for. Individual stores may be laxer; the Bounded adapter enforces
// this value regardless so sharding decisions stay portable.
const DefaultLimitBytes = 4096

// Store is the raw scoped key-value surface. Values are opaque byte
// slices; serialization is the caller's concern. Implementations must
// return ErrNotFound (not nil, nil) for missing keys so callers can tell
// absence from an empty value.
type Store interface {
	// Get retrieves the value under (scope, key).
	Get(ctx context.Context, scope, key string) ([]byte, error)

	// Set writes the value under (scope, key), replacing any prior value.
	Set(ctx context.Context, scope, key string, value []byte) error

	// Remove deletes (scope, key). Removing an absent key is not an error.
	Remove(ctx context.Context, scope, key string) error

	// Close releases any resources held by the store.
	Close() error
}

// ErrNotFound is returned when a key doesn't exist.
type ErrNotFound struct {
	Scope string
	Key   string
}

func (e ErrNotFound) Error() string {
	return "key not found: " + e.Scope + "/" + e.Key
}

// IsNotFound returns true if the error is ErrNotFound.
func IsNotFound(err error) bool {
	_, ok := err.(ErrNotFound)
	return ok
}
