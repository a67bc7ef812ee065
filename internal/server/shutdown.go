package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog/log"
)

type hook struct {
	name string
	run  func(context.Context) error
}

// ShutdownHooks releases the bridge's resources once the server has stopped
// accepting requests: background tasks first, then caches, then telemetry so
// that the earlier steps are still reported.
type ShutdownHooks struct {
	hooks []hook
}

// AddContext registers a hook that is given the remaining shutdown deadline.
// A nil hook is ignored.
func (s *ShutdownHooks) AddContext(name string, fn func(context.Context) error) {
	if fn == nil {
		log.Warn().Str("hook", name).Msg("shutdown: ignoring nil hook")
		return
	}

	s.hooks = append(s.hooks, hook{name: name, run: fn})
}

// Add registers a hook that does not use the shutdown deadline.
func (s *ShutdownHooks) Add(name string, fn func() error) {
	if fn == nil {
		log.Warn().Str("hook", name).Msg("shutdown: ignoring nil hook")
		return
	}

	s.AddContext(name, func(context.Context) error { return fn() })
}

// AddClose registers closer, typically a credential cache backend.
func (s *ShutdownHooks) AddClose(name string, closer io.Closer) {
	if closer == nil {
		log.Warn().Str("hook", name).Msg("shutdown: ignoring nil closer")
		return
	}

	s.AddContext(name, func(context.Context) error { return closer.Close() })
}

func (s *ShutdownHooks) Len() int {
	return len(s.hooks)
}

// Execute runs every hook in registration order. A failing or panicking hook
// does not prevent the rest from running; the failures are returned joined.
func (s *ShutdownHooks) Execute(ctx context.Context) error {
	var errs []error

	for _, h := range s.hooks {
		started := time.Now()
		err := h.call(ctx)

		ev := log.Ctx(ctx).Info()
		if err != nil {
			ev = log.Ctx(ctx).Warn().Err(err)
			errs = append(errs, fmt.Errorf("%s: %w", h.name, err))
		}
		ev.Str("hook", h.name).
			Dur("elapsed", time.Since(started)).
			Bool("ok", err == nil).
			Msg("shutdown: hook finished")
	}

	return errors.Join(errs...)
}

func (h hook) call(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	return h.run(ctx)
}
