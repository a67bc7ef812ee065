package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// PopulateFunc produces a fresh value for key along with how long it may be
// served. A ttl of zero or less means the value is returned to the caller but
// not cached.
type PopulateFunc[T any] func(ctx context.Context, key string) (T, time.Duration, error)

// Clock supplies the current time. Tests substitute a controllable clock to
// move entries past their expiry.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// LoadingOption configures a Loading cache.
type LoadingOption func(*loadingOptions)

type loadingOptions struct {
	clock Clock
}

// WithClock replaces the wall clock used to stamp and check expiry.
func WithClock(c Clock) LoadingOption {
	return func(o *loadingOptions) {
		o.clock = c
	}
}

// Loading is a get-or-populate cache in front of a TokenCache backend. At
// most one population per key is in flight at any time; concurrent callers
// for the same key share its result.
type Loading[T any] struct {
	backend TokenCache[Entry[T]]
	clock   Clock
	group   singleflight.Group
}

// NewLoading wraps backend. The backend stores Entry values so that expiry
// is checked against the Loading clock rather than the backend's own.
func NewLoading[T any](backend TokenCache[Entry[T]], opts ...LoadingOption) *Loading[T] {
	o := loadingOptions{clock: systemClock{}}
	for _, opt := range opts {
		opt(&o)
	}

	return &Loading[T]{
		backend: backend,
		clock:   o.clock,
	}
}

// GetOrCreate returns the live value for key, calling populate when there is
// none. Population runs detached from the caller's cancellation so that one
// caller giving up does not fail the others waiting on the same flight;
// each caller still returns as soon as its own context is done.
//
// Failed populations are not cached: the error is returned to every waiter
// of that flight and the next call populates again.
func (l *Loading[T]) GetOrCreate(ctx context.Context, key string, populate PopulateFunc[T]) (T, error) {
	var zero T

	if value, ok := l.Peek(ctx, key); ok {
		return value, nil
	}

	flightCtx := context.WithoutCancel(ctx)
	ch := l.group.DoChan(key, func() (any, error) {
		// a flight that finished just before this one started may already
		// have stored a value
		if value, ok := l.Peek(flightCtx, key); ok {
			return value, nil
		}

		return l.populate(flightCtx, key, populate)
	})

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(T), nil
	}
}

func (l *Loading[T]) populate(ctx context.Context, key string, populate PopulateFunc[T]) (value T, err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while populating %q: %v", key, r)
		}
		recordPopulation(ctx, outcome(err), time.Since(start))
	}()

	value, ttl, err := populate(ctx, key)
	if err != nil {
		return value, err
	}

	if ttl <= 0 {
		return value, nil
	}

	entry := Entry[T]{
		Value:     value,
		ExpiresAt: l.clock.Now().Add(ttl),
	}
	if err := l.backend.Set(ctx, key, entry); err != nil {
		// the value is still good for this flight's waiters
		log.Ctx(ctx).Warn().Err(err).Str("key", key).Msg("failed to store populated value")
	}

	return value, nil
}

// Peek returns the live value for key without populating. Backend errors are
// logged and reported as a miss.
func (l *Loading[T]) Peek(ctx context.Context, key string) (T, bool) {
	var zero T

	entry, found, err := l.backend.Get(ctx, key)
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("key", key).Msg("cache lookup failed, treating as miss")
		return zero, false
	}
	if !found || !entry.LiveAt(l.clock.Now()) {
		return zero, false
	}

	return entry.Value, true
}

// Evict removes any entry for key. Evicting an absent key is a no-op. A
// population already underway is not cancelled, but callers arriving after
// Evict returns start a new one rather than joining it.
func (l *Loading[T]) Evict(ctx context.Context, key string) error {
	l.group.Forget(key)

	if err := l.backend.Invalidate(ctx, key); err != nil {
		return fmt.Errorf("evicting %q: %w", key, err)
	}

	return nil
}

// Close releases the backend.
func (l *Loading[T]) Close() error {
	return l.backend.Close()
}
