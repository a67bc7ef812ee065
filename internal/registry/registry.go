package registry

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog/log"
)

// Evictor removes cached credentials. The registry uses it to drop the access
// token of a self-managed app when the app is removed.
type Evictor interface {
	Evict(ctx context.Context, key string) error
}

// Option configures a Registry.
type Option func(*Registry)

// WithEvictor sets the cache notified when self-managed apps are removed.
func WithEvictor(e Evictor) Option {
	return func(r *Registry) {
		r.evictor = e
	}
}

// Registry holds the configuration of every app the bridge serves. It is safe
// for concurrent use. Apps are kept in registration order.
type Registry struct {
	mu      sync.RWMutex
	apps    []Config
	evictor Evictor
}

func New(opts ...Option) *Registry {
	r := &Registry{}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Add registers cfg. It returns false without error when an app with the
// same ID is already registered, and a ConfigurationError when cfg is invalid.
func (r *Registry) Add(cfg Config) (bool, error) {
	if cfg == nil {
		return false, ConfigurationError{Cause: fmt.Errorf("configuration is nil")}
	}
	if err := cfg.Validate(); err != nil {
		return false, ConfigurationError{AppID: cfg.AppID(), Cause: err}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.indexOf(cfg.AppID()) >= 0 {
		return false, nil
	}

	r.apps = append(r.apps, cfg)

	log.Info().
		Str("app_id", cfg.AppID()).
		Str("kind", fmt.Sprintf("%T", cfg)).
		Bool("self_managed", IsSelfManaged(cfg)).
		Msg("app registered")

	return true, nil
}

// Get returns the configuration registered for appID.
func (r *Registry) Get(appID string) (Config, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	i := r.indexOf(appID)
	if i < 0 {
		return nil, notFound(appID)
	}

	return r.apps[i], nil
}

// Exists reports whether appID is registered.
func (r *Registry) Exists(appID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.indexOf(appID) >= 0
}

// Remove unregisters every configuration for appID and returns how many were
// removed. Cached tokens of removed self-managed apps are evicted after the
// registry lock is released; eviction failures are logged.
func (r *Registry) Remove(ctx context.Context, appID string) int {
	r.mu.Lock()
	var removed []Config
	r.apps = slices.DeleteFunc(r.apps, func(c Config) bool {
		if c.AppID() == appID {
			removed = append(removed, c)
			return true
		}
		return false
	})
	r.mu.Unlock()

	for _, c := range removed {
		if r.evictor == nil || !IsSelfManaged(c) {
			continue
		}
		if err := r.evictor.Evict(ctx, c.AppID()); err != nil {
			log.Ctx(ctx).Warn().Err(err).Str("app_id", appID).Msg("failed to evict token for removed app")
		}
	}

	if len(removed) > 0 {
		log.Ctx(ctx).Info().Str("app_id", appID).Int("count", len(removed)).Msg("app removed")
	}

	return len(removed)
}

// List returns a snapshot of all registered configurations.
func (r *Registry) List() []Config {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return slices.Clone(r.apps)
}

func (r *Registry) indexOf(appID string) int {
	return slices.IndexFunc(r.apps, func(c Config) bool {
		return c.AppID() == appID
	})
}

// Lookup returns the configuration for appID as the concrete type T.
func Lookup[T Config](r *Registry, appID string) (T, error) {
	var zero T

	cfg, err := r.Get(appID)
	if err != nil {
		return zero, err
	}

	typed, ok := cfg.(T)
	if !ok {
		return zero, ConfigurationError{
			AppID: appID,
			Cause: fmt.Errorf("app is %T, not %T: %w", cfg, zero, ErrNotFound),
		}
	}

	return typed, nil
}

// First returns the first registered configuration of type T. When more than
// one matches, the earliest registered wins and a warning is logged.
func First[T Config](r *Registry) (T, error) {
	var zero T

	matches := ListOf[T](r)
	if len(matches) == 0 {
		return zero, ConfigurationError{Cause: fmt.Errorf("no %T registered: %w", zero, ErrNotFound)}
	}

	if len(matches) > 1 {
		log.Warn().
			Str("kind", fmt.Sprintf("%T", zero)).
			Int("count", len(matches)).
			Str("app_id", matches[0].AppID()).
			Msg("several apps of the requested kind are registered, using the first")
	}

	return matches[0], nil
}

// ListOf returns a snapshot of the configurations of type T.
func ListOf[T Config](r *Registry) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []T
	for _, c := range r.apps {
		if typed, ok := c.(T); ok {
			out = append(out, typed)
		}
	}
	return out
}
