package cache

import (
	"context"
	"time"
)

// TokenCache defines the interface for credential storage backends.
// The generic type T represents the value being cached.
type TokenCache[T any] interface {
	// Get retrieves a value from the cache.
	// Returns the value, whether it was found, and any error.
	Get(ctx context.Context, key string) (T, bool, error)

	// Set stores a value in the cache.
	Set(ctx context.Context, key string, value T) error

	// Invalidate removes a value from the cache. Invalidating a key that is
	// not present is not an error.
	Invalidate(ctx context.Context, key string) error

	// Close releases any resources held by the cache.
	Close() error
}

// Expirer is implemented by values that carry their own absolute expiry.
// Backends use it to size the storage TTL of each entry individually.
type Expirer interface {
	Expiry() time.Time
}

// Entry is a cached credential together with the instant it stops being
// usable. It is the unit stored by Loading in its backend.
type Entry[T any] struct {
	Value     T         `json:"value"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Expiry returns the absolute expiry of the entry.
func (e Entry[T]) Expiry() time.Time {
	return e.ExpiresAt
}

// LiveAt reports whether the entry may still be served at the given instant.
func (e Entry[T]) LiveAt(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}

// remaining returns the storage TTL for a value: values implementing Expirer
// are kept until their own expiry, everything else uses the fallback.
func remaining(value any, now time.Time, fallback time.Duration) time.Duration {
	e, ok := value.(Expirer)
	if !ok {
		return fallback
	}

	d := e.Expiry().Sub(now)
	if d <= 0 {
		// already expired: keep it for the shortest representable period so
		// the backend reclaims it promptly
		return time.Millisecond
	}

	return d
}
