package appconfig

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/chinmina/wechat-bridge/internal/registry"
	"github.com/chinmina/wechat-bridge/internal/ticket"
)

// Kind is the type of app being configured.
type Kind string

const (
	KindMP           Kind = "mp"
	KindMiniProgram  Kind = "miniprogram"
	KindOpenPlatform Kind = "openplatform"
)

// allowedTickets lists the ticket kinds each app kind can be issued.
var allowedTickets = map[Kind][]ticket.Kind{
	KindMP:           {ticket.JSAPI, ticket.Card},
	KindMiniProgram:  {},
	KindOpenPlatform: {ticket.SDK},
}

// File is the parsed app configuration file.
type File struct {
	Apps []App `yaml:"apps"`

	// InvalidApps holds the apps that failed validation, keyed by ID (or
	// position when the ID is missing). They are not registered.
	InvalidApps map[string]error `yaml:"-"`

	digest string `yaml:"-"`
}

// Digest returns the SHA256 hash of the source YAML.
func (f File) Digest() string {
	return f.digest
}

// App is one app definition. Exactly one of Secret, SecretKMS or DelegateURL
// may be set; an app with none of them is registered without a token source
// and fails when a token is requested.
type App struct {
	ID   string `yaml:"id"`
	Kind Kind   `yaml:"kind"`

	Secret       string `yaml:"secret"`
	SecretKMS    string `yaml:"secret_kms"`
	SecretKMSKey string `yaml:"secret_kms_key"`
	DelegateURL  string `yaml:"delegate_url"`

	Tickets []ticket.Kind `yaml:"tickets"`

	// official account message settings
	Token          string `yaml:"token"`
	EncodingAESKey string `yaml:"encoding_aes_key"`
}

func (a App) delegated() bool {
	return a.DelegateURL != ""
}

// encodingAESKeyLength is the length of a message EncodingAESKey, which is
// base64 without its trailing padding.
const encodingAESKeyLength = 43

func (a App) validate() error {
	if a.ID == "" {
		return errors.New("id is required")
	}

	allowed, ok := allowedTickets[a.Kind]
	if !ok {
		return fmt.Errorf("unknown app kind %q", a.Kind)
	}

	sources := 0
	for _, s := range []string{a.Secret, a.SecretKMS, a.DelegateURL} {
		if s != "" {
			sources++
		}
	}
	if sources > 1 {
		return errors.New("only one of secret, secret_kms or delegate_url may be set")
	}
	if a.SecretKMSKey != "" && a.SecretKMS == "" {
		return errors.New("secret_kms_key requires secret_kms")
	}

	if a.Kind != KindMP && (a.Token != "" || a.EncodingAESKey != "") {
		return fmt.Errorf("token and encoding_aes_key only apply to %q apps", KindMP)
	}
	if a.EncodingAESKey != "" && len(a.EncodingAESKey) != encodingAESKeyLength {
		return fmt.Errorf("encoding_aes_key must be %d characters, got %d", encodingAESKeyLength, len(a.EncodingAESKey))
	}

	seen := map[ticket.Kind]bool{}
	for _, k := range a.Tickets {
		if _, err := ticket.ParseKind(string(k)); err != nil {
			return err
		}
		if !slices.Contains(allowed, k) {
			return fmt.Errorf("%q apps cannot issue %s tickets", a.Kind, k)
		}
		if seen[k] {
			return fmt.Errorf("duplicate ticket kind %q", k)
		}
		seen[k] = true
	}

	return nil
}

// Load reads and parses the app configuration at path.
func Load(ctx context.Context, path string) (File, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("reading app configuration: %w", err)
	}

	return Parse(ctx, string(content))
}

// Parse decodes the app configuration. Apps that fail validation are logged
// and recorded in InvalidApps; the remaining apps are returned.
func Parse(ctx context.Context, content string) (File, error) {
	file := File{}

	dec := yaml.NewDecoder(strings.NewReader(content))

	// a misspelled field must not silently drop a secret or ticket setting
	dec.KnownFields(true)

	if err := dec.Decode(&file); err != nil {
		return File{}, fmt.Errorf("app configuration parsing failed: %w", err)
	}

	hash := sha256.Sum256([]byte(content))

	valid := make([]App, 0, len(file.Apps))
	invalid := map[string]error{}
	seen := map[string]bool{}

	for i, app := range file.Apps {
		if app.Kind == "" {
			app.Kind = KindMP
		}

		name := app.ID
		if name == "" {
			name = fmt.Sprintf("apps[%d]", i)
		}

		if seen[app.ID] {
			invalid[name] = fmt.Errorf("duplicate app id %q", app.ID)
			continue
		}

		if err := app.validate(); err != nil {
			invalid[name] = err
			continue
		}
		seen[app.ID] = true

		valid = append(valid, app)
	}

	file.Apps = valid
	file.InvalidApps = invalid
	file.digest = hex.EncodeToString(hash[:])

	if len(invalid) > 0 {
		d := zerolog.Dict()
		for name, err := range invalid {
			d.Str(name, err.Error())
		}

		log.Ctx(ctx).Warn().
			Dict("invalid_apps", d).
			Msg("app configuration: some apps failed validation and were ignored")
	}

	return file, nil
}
