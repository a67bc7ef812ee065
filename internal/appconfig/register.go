package appconfig

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/chinmina/wechat-bridge/internal/registry"
	"github.com/chinmina/wechat-bridge/internal/ticket"
)

// Decrypter recovers app secrets stored as KMS ciphertext.
type Decrypter interface {
	Decrypt(ctx context.Context, ciphertext, keyID string) (string, error)
}

// Delegates builds factories that fetch credentials from a peer bridge.
type Delegates interface {
	TokenFactory(baseURL string) (registry.Factory, error)
	TicketFactory(baseURL string, kind string) (registry.Factory, error)
}

// TokenRegistrar accepts app configurations. It is satisfied by
// token.Provider.
type TokenRegistrar interface {
	Register(ctx context.Context, cfg registry.Config) (bool, error)
	Remove(ctx context.Context, appID string) int
}

// TicketRegistrar enables tickets for apps. It is satisfied by
// ticket.Provider.
type TicketRegistrar interface {
	Register(appID string) (bool, error)
	RegisterFactory(appID string, factory registry.Factory) error
	Remove(ctx context.Context, appID string) error
}

// Targets are the components the configured apps are registered with.
// Decrypter and Delegates may be nil when no app needs them.
type Targets struct {
	Tokens    TokenRegistrar
	Tickets   map[ticket.Kind]TicketRegistrar
	Decrypter Decrypter
	Delegates Delegates
}

// Register adds every app in file to targets, enabling the app's tickets. It
// stops at the first app that cannot be registered and returns the number of
// apps registered so far. An app whose tickets cannot be enabled is removed
// again, so a later call can register it from scratch.
func Register(ctx context.Context, file File, targets Targets) (int, error) {
	registered := 0

	for _, app := range file.Apps {
		cfg, err := Build(ctx, app, targets)
		if err != nil {
			return registered, fmt.Errorf("app %q: %w", app.ID, err)
		}

		added, err := targets.Tokens.Register(ctx, cfg)
		if err != nil {
			return registered, fmt.Errorf("app %q: %w", app.ID, err)
		}
		if !added {
			log.Ctx(ctx).Warn().Str("app_id", app.ID).Msg("app already registered, skipping")
			continue
		}

		if err := registerTickets(app, targets); err != nil {
			unregister(ctx, app, targets)
			return registered, fmt.Errorf("app %q: %w", app.ID, err)
		}

		log.Ctx(ctx).Info().
			Str("app_id", app.ID).
			Str("kind", string(app.Kind)).
			Bool("delegated", app.delegated()).
			Strs("tickets", ticketNames(app.Tickets)).
			Msg("app registered")

		registered++
	}

	return registered, nil
}

// Build creates the registry configuration for app, resolving its token
// source.
func Build(ctx context.Context, app App, targets Targets) (registry.Config, error) {
	source, err := tokenSource(ctx, app, targets)
	if err != nil {
		return nil, err
	}

	base := registry.App{ID: app.ID, TokenSource: source}

	switch app.Kind {
	case KindMP, "":
		return registry.MPConfig{App: base, Token: app.Token, EncodingAESKey: app.EncodingAESKey}, nil
	case KindMiniProgram:
		return registry.MiniProgramConfig{App: base}, nil
	case KindOpenPlatform:
		return registry.OpenPlatformConfig{App: base}, nil
	default:
		return nil, fmt.Errorf("unknown app kind %q", app.Kind)
	}
}

func tokenSource(ctx context.Context, app App, targets Targets) (registry.TokenSource, error) {
	switch {
	case app.Secret != "":
		return registry.SelfManaged{Secret: app.Secret}, nil

	case app.SecretKMS != "":
		if targets.Decrypter == nil {
			return nil, errors.New("secret_kms is set but KMS secrets are not enabled")
		}
		secret, err := targets.Decrypter.Decrypt(ctx, app.SecretKMS, app.SecretKMSKey)
		if err != nil {
			return nil, err
		}
		return registry.SelfManaged{Secret: secret}, nil

	case app.delegated():
		if targets.Delegates == nil {
			return nil, errors.New("delegate_url is set but delegation is not configured")
		}
		factory, err := targets.Delegates.TokenFactory(app.DelegateURL)
		if err != nil {
			return nil, err
		}
		return registry.Delegated{Factory: factory}, nil

	default:
		log.Ctx(ctx).Warn().Str("app_id", app.ID).Msg("app has no token source; token requests will fail")
		return nil, nil
	}
}

func registerTickets(app App, targets Targets) error {
	for _, kind := range app.Tickets {
		provider, ok := targets.Tickets[kind]
		if !ok {
			return fmt.Errorf("no provider for %s tickets", kind)
		}

		if !app.delegated() {
			if _, err := provider.Register(app.ID); err != nil {
				return err
			}
			continue
		}

		factory, err := targets.Delegates.TicketFactory(app.DelegateURL, string(kind))
		if err != nil {
			return err
		}
		if err := provider.RegisterFactory(app.ID, factory); err != nil {
			return err
		}
	}

	return nil
}

// unregister removes app from targets after a partial registration.
func unregister(ctx context.Context, app App, targets Targets) {
	for _, kind := range app.Tickets {
		provider, ok := targets.Tickets[kind]
		if !ok {
			continue
		}
		if err := provider.Remove(ctx, app.ID); err != nil {
			log.Ctx(ctx).Warn().Err(err).Str("app_id", app.ID).Str("kind", string(kind)).Msg("failed to disable tickets for partially registered app")
		}
	}

	targets.Tokens.Remove(ctx, app.ID)
}

func ticketNames(kinds []ticket.Kind) []string {
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}
	return names
}
