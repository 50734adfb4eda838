// Package cache provides a generic, thread-safe cache with combined
// least-recently-accessed and TTL eviction.
//
// Statistics are always collected for observability. Prometheus metrics
// are optional and enabled via functional options.
package cache

import (
	"time"

	"github.com/c360/tokenstream/errors"
)

// Cache represents a generic cache parameterized by value type V.
type Cache[V any] interface {
	// Get retrieves a value by key and refreshes its recency.
	// Returns the value and true if found and not expired.
	Get(key string) (V, bool)

	// Set stores a value with the cache's default TTL.
	// Returns true if a new entry was created, false if an existing one was updated.
	Set(key string, value V) (bool, error)

	// SetWithTTL stores a value with an explicit TTL overriding the default.
	SetWithTTL(key string, value V, ttl time.Duration) (bool, error)

	// Delete removes an entry by key. Returns true if the key existed.
	Delete(key string) (bool, error)

	// Clear removes all entries from the cache.
	Clear() error

	// Size returns the current number of entries in the cache.
	Size() int

	// Keys returns all unexpired keys, most recently accessed first.
	Keys() []string

	// Stats returns cache statistics.
	Stats() *Statistics

	// Close shuts down the cache and its background janitor.
	Close() error
}

// EvictCallback is called when an entry is evicted from the cache.
type EvictCallback[V any] func(key string, value V)

// validateKey validates a cache key for basic requirements.
func validateKey(key string) error {
	if key == "" {
		return errors.WrapInvalid(errors.ErrInvalidKey, "cache", "validateKey", "key cannot be empty")
	}
	return nil
}
