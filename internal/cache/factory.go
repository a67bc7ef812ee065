package cache

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/chinmina/wechat-bridge/internal/config"
	"github.com/chinmina/wechat-bridge/internal/encryption"
	"github.com/chinmina/wechat-bridge/internal/secrets"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// NewFromConfig creates a cache implementation based on the provided configuration.
//
// The cache type must be either "memory" or "redis". Any other value returns an error.
// For "redis", cacheConfig.Redis.Address must be provided; the connection is
// checked with a PING before the cache is returned.
func NewFromConfig[T any](
	ctx context.Context,
	cacheConfig config.CacheConfig,
	ttl time.Duration,
) (TokenCache[T], error) {
	switch cacheConfig.Type {
	case "redis":
		log.Info().
			Str("cache_type", "redis").
			Str("address", cacheConfig.Redis.Address).
			Bool("tls", cacheConfig.Redis.TLS).
			Int("db", cacheConfig.Redis.DB).
			Msg("initializing shared cache")

		if cacheConfig.Redis.Address == "" {
			return nil, fmt.Errorf("redis address is required when cache type is redis")
		}

		redisOpts := &redis.Options{
			Addr:     cacheConfig.Redis.Address,
			Username: cacheConfig.Redis.Username,
			Password: cacheConfig.Redis.Password,
			DB:       cacheConfig.Redis.DB,
		}
		if cacheConfig.Redis.TLS {
			redisOpts.TLSConfig = &tls.Config{
				MinVersion: tls.VersionTLS12,
			}
		}

		client := redis.NewClient(redisOpts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}

		var opts []RedisOption[T]
		if cacheConfig.Encryption.Enabled {
			sealer, err := newAEADSealer(ctx, cacheConfig.Encryption)
			if err != nil {
				_ = client.Close()
				return nil, fmt.Errorf("initializing cache encryption: %w", err)
			}
			opts = append(opts, WithSealer[T](sealer))

			log.Info().
				Str("keyset_file", cacheConfig.Encryption.KeysetFile).
				Dur("refresh_interval", cacheConfig.Encryption.RefreshInterval()).
				Msg("cache encryption enabled")
		}

		shared, err := NewRedis[T](client, ttl, cacheConfig.Redis.KeyPrefix, opts...)
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to create redis cache: %w", err)
		}

		return NewInstrumented(shared, "redis"), nil

	case "memory":
		log.Info().
			Str("cache_type", "memory").
			Int("max_size", cacheConfig.MaxSize).
			Msg("initializing in-memory cache")

		memory, err := NewMemory[T](ttl, cacheConfig.MaxSize)
		if err != nil {
			return nil, fmt.Errorf("failed to create memory cache: %w", err)
		}

		return NewInstrumented(memory, "memory"), nil

	default:
		return nil, fmt.Errorf("invalid cache type %q: must be either \"memory\" or \"redis\"", cacheConfig.Type)
	}
}

// newAEADSealer loads the KMS-protected keyset and keeps it refreshed.
func newAEADSealer(ctx context.Context, cfg config.CacheEncryptionConfig) (*AEADSealer, error) {
	master, err := secrets.NewAWSMasterKey(ctx, cfg.KMSKeyID)
	if err != nil {
		return nil, err
	}

	aead, err := encryption.NewRefreshableAEAD(ctx, cfg.KeysetFile, master, cfg.RefreshInterval())
	if err != nil {
		return nil, err
	}

	return NewAEADSealer(aead)
}
