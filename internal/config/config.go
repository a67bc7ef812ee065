package config

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	Apps          AppsConfig
	Authorization AuthorizationConfig
	Cache         CacheConfig
	Delegate      DelegateConfig
	Observe       ObserveConfig
	Platform      PlatformConfig
	Secrets       SecretsConfig
	Server        ServerConfig
	Sweeper       SweeperConfig
}

type ServerConfig struct {
	Port                   int `env:"SERVER_PORT, default=8080"`
	ShutdownTimeoutSeconds int `env:"SERVER_SHUTDOWN_TIMEOUT_SECS, default=25"`

	OutgoingHTTPMaxIdleConns    int `env:"SERVER_OUTGOING_MAX_IDLE_CONNS, default=100"`
	OutgoingHTTPMaxConnsPerHost int `env:"SERVER_OUTGOING_MAX_CONNS_PER_HOST, default=20"`
}

func (s ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(s.ShutdownTimeoutSeconds) * time.Second
}

// PlatformConfig describes how the bridge talks to the WeChat API.
type PlatformConfig struct {
	APIURL string `env:"PLATFORM_API_URL, default=https://api.weixin.qq.com"`

	// RequestTimeoutSeconds bounds every outbound call, including transport
	// retries.
	RequestTimeoutSeconds int `env:"PLATFORM_REQUEST_TIMEOUT_SECS, default=10"`

	// TransientRetries is the number of extra attempts the transport makes on
	// network errors and 5xx responses.
	TransientRetries uint `env:"PLATFORM_TRANSIENT_RETRIES, default=2"`

	// MaxAttempts bounds calls that keep failing with a stale token errcode.
	MaxAttempts int `env:"PLATFORM_MAX_ATTEMPTS, default=3"`

	// StaleTokenCodes are the errcodes that mean the access token used for a
	// call is no longer accepted.
	StaleTokenCodes []int `env:"PLATFORM_STALE_TOKEN_CODES, default=40001,40014,42001"`

	TokenMarginSeconds  int `env:"PLATFORM_TOKEN_MARGIN_SECS, default=2"`
	TicketMarginSeconds int `env:"PLATFORM_TICKET_MARGIN_SECS, default=60"`

	// FailureThreshold enables the per-app failure breaker when greater than
	// zero.
	FailureThreshold       int `env:"PLATFORM_FAILURE_THRESHOLD, default=0"`
	FailureCooldownSeconds int `env:"PLATFORM_FAILURE_COOLDOWN_SECS, default=30"`

	// FallbackDelegateURL names a peer bridge used for app IDs that are not
	// registered here at all.
	FallbackDelegateURL string `env:"PLATFORM_FALLBACK_DELEGATE_URL"`
}

func (p PlatformConfig) RequestTimeout() time.Duration {
	return time.Duration(p.RequestTimeoutSeconds) * time.Second
}

func (p PlatformConfig) TokenMargin() time.Duration {
	return time.Duration(p.TokenMarginSeconds) * time.Second
}

func (p PlatformConfig) TicketMargin() time.Duration {
	return time.Duration(p.TicketMarginSeconds) * time.Second
}

func (p PlatformConfig) FailureCooldown() time.Duration {
	return time.Duration(p.FailureCooldownSeconds) * time.Second
}

// CacheConfig specifies cache configuration.
type CacheConfig struct {
	// Type selects the cache implementation: "memory" (default) or "redis"
	Type string `env:"CACHE_TYPE, default=memory"`

	// MaxSize bounds the number of entries held by the memory cache.
	MaxSize int `env:"CACHE_MAX_SIZE, default=10000"`

	// Redis holds shared cache settings.
	Redis RedisConfig

	// Encryption holds settings for encrypting values in the shared cache.
	Encryption CacheEncryptionConfig
}

// CacheEncryptionConfig holds settings for cache encryption.
type CacheEncryptionConfig struct {
	// Enabled turns on encryption for cached credentials.
	// Requires CACHE_TYPE=redis.
	Enabled bool `env:"CACHE_ENCRYPTION_ENABLED, default=false"`

	// KeysetFile is a Tink JSON keyset encrypted with the KMS key.
	KeysetFile string `env:"CACHE_ENCRYPTION_KEYSET_FILE"`

	// KMSKeyID is the KMS key (ID, ARN or alias) protecting the keyset.
	KMSKeyID string `env:"CACHE_ENCRYPTION_KMS_KEY_ID"`

	// RefreshIntervalSeconds is how often the keyset file is reread.
	RefreshIntervalSeconds int `env:"CACHE_ENCRYPTION_REFRESH_INTERVAL_SECS, default=900"`
}

func (c CacheEncryptionConfig) RefreshInterval() time.Duration {
	return time.Duration(c.RefreshIntervalSeconds) * time.Second
}

// RedisConfig specifies shared cache configuration.
type RedisConfig struct {
	// Address is the Redis server address (host:port).
	Address string `env:"REDIS_ADDRESS"`

	// TLS enables TLS connection to Redis. Defaults to true so the secure option
	// is the default.
	TLS bool `env:"REDIS_TLS, default=true"`

	Username string `env:"REDIS_USERNAME"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB, default=0"`

	// KeyPrefix namespaces every key written by the bridge.
	KeyPrefix string `env:"REDIS_KEY_PREFIX, default=wechat-bridge:"`
}

type AuthorizationConfig struct {
	Audience  string `env:"JWT_AUDIENCE, default=wechat-bridge"`
	IssuerURL string `env:"JWT_ISSUER_URL, required"`

	// ConfigurationStatic is a JWKS document used instead of fetching keys
	// from the issuer.
	ConfigurationStatic string `env:"JWT_JWKS_STATIC"`

	// SharedSecret switches validation to HS256 with this key.
	SharedSecret string `env:"JWT_SHARED_SECRET"`
}

// DelegateConfig holds the credentials the bridge uses when it asks a peer
// bridge for tokens on behalf of delegated apps.
type DelegateConfig struct {
	SigningKey      string `env:"DELEGATE_SIGNING_KEY"`
	Issuer          string `env:"DELEGATE_ISSUER, default=wechat-bridge"`
	Audience        string `env:"DELEGATE_AUDIENCE, default=wechat-bridge"`
	TokenTTLSeconds int    `env:"DELEGATE_TOKEN_TTL_SECS, default=60"`
}

type AppsConfig struct {
	// ConfigFile is the YAML file listing the apps to register at start-up.
	ConfigFile string `env:"APPS_CONFIG_FILE, required"`

	// ReloadIntervalSeconds is how often the file is checked for new apps;
	// zero disables reloading.
	ReloadIntervalSeconds int `env:"APPS_RELOAD_INTERVAL_SECS, default=300"`
}

func (a AppsConfig) ReloadInterval() time.Duration {
	return time.Duration(a.ReloadIntervalSeconds) * time.Second
}

type SecretsConfig struct {
	// KMSEnabled allows app secrets to be supplied encrypted with AWS KMS.
	KMSEnabled bool `env:"SECRETS_KMS_ENABLED, default=false"`
}

type SweeperConfig struct {
	Enabled         bool `env:"SWEEPER_ENABLED, default=true"`
	IntervalSeconds int  `env:"SWEEPER_INTERVAL_SECS, default=20"`
}

func (s SweeperConfig) Interval() time.Duration {
	return time.Duration(s.IntervalSeconds) * time.Second
}

type ObserveConfig struct {
	SDKLogLevel                string `env:"OBSERVE_OTEL_LOG_LEVEL, default=info"`
	Enabled                    bool   `env:"OBSERVE_ENABLED, default=false"`
	MetricsEnabled             bool   `env:"OBSERVE_METRICS_ENABLED, default=true"`
	Type                       string `env:"OBSERVE_TYPE, default=grpc"`
	ServiceName                string `env:"OBSERVE_SERVICE_NAME, default=wechat-bridge"`
	TraceBatchTimeoutSeconds   int    `env:"OBSERVE_TRACE_BATCH_TIMEOUT_SECS, default=20"`
	MetricReadIntervalSeconds  int    `env:"OBSERVE_METRIC_READ_INTERVAL_SECS, default=60"`
	HTTPTransportEnabled       bool   `env:"OBSERVE_HTTP_TRANSPORT_ENABLED, default=true"`
	HTTPConnectionTraceEnabled bool   `env:"OBSERVE_CONNECTION_TRACE_ENABLED, default=true"`
}

func Load(ctx context.Context) (Config, error) {
	return load(ctx, nil) // load from OS environment
}

func load(ctx context.Context, lookup envconfig.Lookuper) (Config, error) {
	var cfg Config
	err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookup, // nil defaults to OS environment
	})
	if err != nil {
		return cfg, err
	}

	err = cfg.Cache.Validate()
	if err != nil {
		return cfg, fmt.Errorf("invalid cache configuration: %w", err)
	}

	err = cfg.Platform.Validate()
	if err != nil {
		return cfg, fmt.Errorf("invalid platform configuration: %w", err)
	}

	if cfg.Sweeper.Enabled && cfg.Sweeper.IntervalSeconds <= 0 {
		return cfg, fmt.Errorf("invalid sweeper configuration: SWEEPER_INTERVAL_SECS must be positive")
	}

	if cfg.Platform.FallbackDelegateURL != "" && cfg.Delegate.SigningKey == "" {
		return cfg, fmt.Errorf("invalid delegate configuration: DELEGATE_SIGNING_KEY required when PLATFORM_FALLBACK_DELEGATE_URL is set")
	}

	return cfg, nil
}

// Validate checks that the cache configuration is valid.
func (c *CacheConfig) Validate() error {
	switch c.Type {
	case "memory":
		if c.MaxSize <= 0 {
			return fmt.Errorf("CACHE_MAX_SIZE must be positive")
		}
	case "redis":
		if c.Redis.Address == "" {
			return fmt.Errorf("REDIS_ADDRESS required when CACHE_TYPE=redis")
		}
	default:
		return fmt.Errorf("CACHE_TYPE must be either \"memory\" or \"redis\", got %q", c.Type)
	}

	if c.Encryption.Enabled {
		if c.Type != "redis" {
			return fmt.Errorf("CACHE_ENCRYPTION_ENABLED requires CACHE_TYPE=redis")
		}
		if c.Encryption.KeysetFile == "" {
			return fmt.Errorf("CACHE_ENCRYPTION_KEYSET_FILE required when encryption enabled")
		}
		if c.Encryption.KMSKeyID == "" {
			return fmt.Errorf("CACHE_ENCRYPTION_KMS_KEY_ID required when encryption enabled")
		}
	}

	return nil
}

// Validate checks that the platform configuration is usable.
func (p *PlatformConfig) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("PLATFORM_MAX_ATTEMPTS must be at least 1")
	}
	if p.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("PLATFORM_REQUEST_TIMEOUT_SECS must be positive")
	}
	if p.TokenMarginSeconds < 0 || p.TicketMarginSeconds < 0 {
		return fmt.Errorf("credential expiry margins cannot be negative")
	}
	if len(p.StaleTokenCodes) == 0 {
		return fmt.Errorf("PLATFORM_STALE_TOKEN_CODES must list at least one errcode")
	}

	return nil
}
