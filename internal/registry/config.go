package registry

import (
	"context"
	"errors"
	"fmt"
)

// Factory supplies an access token for an app whose credentials are owned by
// another system.
type Factory func(ctx context.Context, appID string) (string, error)

// TokenSource determines how an app's access token is obtained. It is either
// SelfManaged or Delegated.
type TokenSource interface {
	tokenSource()
}

// SelfManaged apps have their access token fetched and refreshed by this
// bridge using the app secret.
type SelfManaged struct {
	Secret string
}

func (SelfManaged) tokenSource() {}

// Delegated apps receive their access token from Factory on every request.
// The bridge never caches delegated tokens.
type Delegated struct {
	Factory Factory
}

func (Delegated) tokenSource() {}

// Config is implemented by every kind of app configuration.
type Config interface {
	AppID() string
	Source() TokenSource
	Validate() error
}

// App holds the settings common to every app kind. It is embedded by the
// concrete configuration types.
type App struct {
	ID          string
	TokenSource TokenSource
}

func (a App) AppID() string {
	return a.ID
}

func (a App) Source() TokenSource {
	return a.TokenSource
}

// Validate checks the common fields. A missing TokenSource is accepted here:
// the app can be registered, but acquiring a token for it fails.
func (a App) Validate() error {
	if a.ID == "" {
		return errors.New("app ID is required")
	}

	switch s := a.TokenSource.(type) {
	case SelfManaged:
		if s.Secret == "" {
			return errors.New("secret is required for a self-managed app")
		}
	case Delegated:
		if s.Factory == nil {
			return errors.New("factory is required for a delegated app")
		}
	}

	return nil
}

// IsSelfManaged reports whether the bridge owns the token lifecycle for cfg.
func IsSelfManaged(cfg Config) bool {
	_, ok := cfg.Source().(SelfManaged)
	return ok
}

// MPConfig configures an official account.
type MPConfig struct {
	App

	// Token is the message push verification token.
	Token string

	// EncodingAESKey is the message encryption key. When set it is the
	// 43-character base64 form issued by the platform.
	EncodingAESKey string
}

const encodingAESKeyLength = 43

func (c MPConfig) Validate() error {
	if err := c.App.Validate(); err != nil {
		return err
	}

	if c.EncodingAESKey != "" && len(c.EncodingAESKey) != encodingAESKeyLength {
		return fmt.Errorf("encoding AES key must be %d characters, got %d", encodingAESKeyLength, len(c.EncodingAESKey))
	}

	return nil
}

// MiniProgramConfig configures a mini program.
type MiniProgramConfig struct {
	App
}

// OpenPlatformConfig configures a mobile or website app registered on the
// open platform.
type OpenPlatformConfig struct {
	App
}
