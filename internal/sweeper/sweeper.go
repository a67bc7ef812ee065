package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/chinmina/wechat-bridge/internal/token"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultInterval is the time between sweeps.
const DefaultInterval = 20 * time.Second

// Target is the token provider as seen by the sweeper.
type Target interface {
	GetAllTokens(ctx context.Context) []token.AppToken
	CheckAccessToken(ctx context.Context, appID string) (bool, error)
	RefreshAccessToken(ctx context.Context, appID string) error
}

// Result summarises a single sweep.
type Result struct {
	Checked   int
	Refreshed int
	Failed    int
}

// Run sweeps target every interval until ctx is cancelled. The first sweep
// happens one interval after start.
func Run(ctx context.Context, target Target, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			Sweep(ctx, target)
		case <-ctx.Done():
			log.Info().Msg("token sweeper shutting down gracefully")
			return
		}
	}
}

// Sweep asks the platform whether each cached token is still accepted and
// refreshes the ones that are not. A failure for one app is logged and
// recorded on the span; the remaining apps are still checked.
func Sweep(ctx context.Context, target Target) Result {
	tracer := otel.Tracer("github.com/chinmina/wechat-bridge/internal/sweeper")
	ctx, span := tracer.Start(ctx, "sweep_access_tokens")
	defer span.End()

	var res Result

	apps, err := allTokens(ctx, target)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "listing tokens failed")
		log.Warn().Err(err).Msg("token sweep could not list apps, continuing")
		return res
	}

	for _, app := range apps {
		res.Checked++

		refreshed, err := sweepApp(ctx, target, app.AppID)
		switch {
		case err != nil:
			res.Failed++
			span.RecordError(err, trace.WithAttributes(attribute.String("app_id", app.AppID)))
			log.Warn().Err(err).Str("app_id", app.AppID).Msg("token sweep failed for app, continuing")
		case refreshed:
			res.Refreshed++
		}
	}

	span.SetAttributes(
		attribute.Int("sweep.checked", res.Checked),
		attribute.Int("sweep.refreshed", res.Refreshed),
		attribute.Int("sweep.failed", res.Failed),
	)
	if res.Failed > 0 {
		span.SetStatus(codes.Error, "token sweep had failures")
	} else {
		span.SetStatus(codes.Ok, "token sweep complete")
	}

	log.Debug().
		Int("checked", res.Checked).
		Int("refreshed", res.Refreshed).
		Int("failed", res.Failed).
		Msg("token sweep complete")

	return res
}

func allTokens(ctx context.Context, target Target) (apps []token.AppToken, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic listing tokens: %v", r)
		}
	}()

	return target.GetAllTokens(ctx), nil
}

func sweepApp(ctx context.Context, target Target, appID string) (refreshed bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during token sweep: %v", r)
		}
	}()

	ok, err := target.CheckAccessToken(ctx, appID)
	if err != nil {
		return false, fmt.Errorf("checking access token: %w", err)
	}
	if ok {
		return false, nil
	}

	log.Info().Str("app_id", appID).Msg("platform rejected cached access token, refreshing")

	if err := target.RefreshAccessToken(ctx, appID); err != nil {
		return false, fmt.Errorf("refreshing access token: %w", err)
	}
	return true, nil
}
