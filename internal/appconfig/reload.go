package appconfig

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Reloader rereads the app file and registers apps added since the last
// load. Apps are never unregistered: one removed from the file stays in
// service until restart.
type Reloader struct {
	path    string
	targets Targets

	mu     sync.Mutex
	digest string
	known  map[string]bool
}

// NewReloader creates a Reloader for the file at path, where initial is the
// content registered at start-up.
func NewReloader(path string, targets Targets, initial File) *Reloader {
	known := make(map[string]bool, len(initial.Apps))
	for _, app := range initial.Apps {
		known[app.ID] = true
	}

	return &Reloader{
		path:    path,
		targets: targets,
		digest:  initial.Digest(),
		known:   known,
	}
}

// Run reloads the file every interval until ctx is cancelled.
func (r *Reloader) Run(ctx context.Context, interval time.Duration) {
	for {
		select {
		case <-time.After(interval):
			r.Reload(ctx)
		case <-ctx.Done():
			log.Info().Msg("app configuration reload shutting down gracefully")
			return
		}
	}
}

// Reload performs a single reload. It returns the number of apps added.
// Failures are logged: apps that could not be registered are retried on the
// next reload.
func (r *Reloader) Reload(ctx context.Context) (added int) {
	tracer := otel.Tracer("github.com/chinmina/wechat-bridge/internal/appconfig")
	ctx, span := tracer.Start(ctx, "reload_app_configuration")
	defer span.End()

	defer func() {
		if rec := recover(); rec != nil {
			err := fmt.Errorf("panic during app configuration reload: %v", rec)
			span.RecordError(err)
			span.SetStatus(codes.Error, "app configuration reload panicked")
			log.Warn().Interface("panic", rec).Msg("app configuration reload panicked, recovered")
		}
	}()

	r.mu.Lock()
	defer r.mu.Unlock()

	file, err := Load(ctx, r.path)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "app configuration reload failed")
		log.Warn().Err(err).Msg("app configuration reload failed, continuing")
		return 0
	}

	if file.Digest() == r.digest {
		span.SetStatus(codes.Ok, "app configuration unchanged")
		return 0
	}

	failed := 0
	listed := make(map[string]bool, len(file.Apps))
	for _, app := range file.Apps {
		listed[app.ID] = true
		if r.known[app.ID] {
			continue
		}

		if _, err := Register(ctx, File{Apps: []App{app}}, r.targets); err != nil {
			failed++
			log.Warn().Err(err).Str("app_id", app.ID).Msg("app could not be registered on reload")
			continue
		}

		r.known[app.ID] = true
		added++
	}

	for id := range r.known {
		if !listed[id] {
			log.Warn().Str("app_id", id).Msg("app removed from configuration stays registered until restart")
		}
	}

	span.SetAttributes(
		attribute.Int("apps.added", added),
		attribute.Int("apps.failed", failed),
		attribute.Int("apps.invalid", len(file.InvalidApps)),
	)

	if failed > 0 {
		span.SetStatus(codes.Error, "some apps could not be registered")
		return added
	}

	r.digest = file.Digest()
	span.SetStatus(codes.Ok, "app configuration reloaded")

	log.Info().
		Int("added", added).
		Int("invalid", len(file.InvalidApps)).
		Str("digest", r.digest).
		Msg("app configuration reloaded")

	return added
}
