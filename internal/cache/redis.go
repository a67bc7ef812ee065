package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Redis implements TokenCache using a shared Redis server, allowing several
// bridge replicas to share credentials for the same app. Values are stored
// JSON-encoded under a key prefix, sealed by the configured Sealer.
// The generic type T represents the value being cached.
type Redis[T any] struct {
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
	sealer Sealer
}

type RedisOption[T any] func(*Redis[T])

// WithSealer encrypts stored values. By default values are stored as plain
// JSON.
func WithSealer[T any](s Sealer) RedisOption[T] {
	return func(r *Redis[T]) {
		r.sealer = s
	}
}

// NewRedis creates a new Redis-backed cache. The ttl is the fallback storage
// TTL for values that do not implement Expirer.
func NewRedis[T any](client redis.UniversalClient, ttl time.Duration, prefix string, opts ...RedisOption[T]) (*Redis[T], error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}

	r := &Redis[T]{
		client: client,
		ttl:    ttl,
		prefix: prefix,
		sealer: PlainSealer{},
	}
	for _, opt := range opts {
		opt(r)
	}

	return r, nil
}

func (r *Redis[T]) storageKey(key string) string {
	return r.prefix + r.sealer.StorageKey(key)
}

// Get retrieves a value from Redis.
// Returns the value, whether it was found, and any error.
func (r *Redis[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T

	data, err := r.client.Get(ctx, r.storageKey(key)).Bytes()
	if err != nil {
		// Key not found is not an error in our semantics
		if errors.Is(err, redis.Nil) {
			return zero, false, nil
		}
		return zero, false, fmt.Errorf("failed to get cached value: %w", err)
	}

	var value T
	if data, err = r.sealer.Open(data, key); err != nil {
		_ = r.client.Del(ctx, r.storageKey(key)).Err()

		return zero, false, fmt.Errorf("failed to open cached value for key %q: %w", key, err)
	}
	if err := json.Unmarshal(data, &value); err != nil {
		// Best-effort removal of the unreadable entry.
		_ = r.client.Del(ctx, r.storageKey(key)).Err()

		return zero, false, fmt.Errorf("failed to unmarshal cached value for key %q: %w", key, err)
	}

	return value, true, nil
}

// Set stores a value in Redis. The value is JSON-serialized before storage.
func (r *Redis[T]) Set(ctx context.Context, key string, value T) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}

	data, err = r.sealer.Seal(data, key)
	if err != nil {
		return fmt.Errorf("failed to seal value: %w", err)
	}

	ttl := remaining(value, time.Now(), r.ttl)
	if err := r.client.Set(ctx, r.storageKey(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set cached value: %w", err)
	}

	return nil
}

// Invalidate removes a value from Redis.
func (r *Redis[T]) Invalidate(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.storageKey(key)).Err(); err != nil {
		return fmt.Errorf("failed to invalidate cached value: %w", err)
	}
	return nil
}

// Close releases the sealer and the Redis client.
func (r *Redis[T]) Close() error {
	sealErr := r.sealer.Close()
	if sealErr != nil {
		log.Warn().Err(sealErr).Msg("error closing cache sealer")
	}

	if err := r.client.Close(); err != nil {
		log.Warn().Err(err).Msg("error closing redis client")
		return err
	}
	return sealErr
}
