package token

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/chinmina/wechat-bridge/internal/cache"
	"github.com/chinmina/wechat-bridge/internal/platform"
	"github.com/chinmina/wechat-bridge/internal/registry"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultMargin is subtracted from the lifetime the platform declares for
	// an access token.
	DefaultMargin = 2 * time.Second

	kindAccessToken = "access token"
)

// RefreshNotification is raised when an app's access token is forcibly
// invalidated, or the app is removed.
type RefreshNotification struct {
	AppID string
}

// Subscriber receives refresh notifications. Delivery is synchronous and
// best effort; handlers must be idempotent.
type Subscriber func(ctx context.Context, n RefreshNotification)

// AppToken is a snapshot of the cached token of a self-managed app. The
// token is empty when none is cached.
type AppToken struct {
	AppID       string
	AccessToken string
}

type Option func(*Provider)

// WithMargin overrides DefaultMargin.
func WithMargin(d time.Duration) Option {
	return func(p *Provider) {
		p.margin = d
	}
}

// WithStaleCodes sets the errcodes CheckAccessToken reads as "token
// rejected".
func WithStaleCodes(codes []int) Option {
	return func(p *Provider) {
		if len(codes) > 0 {
			p.staleCodes = slices.Clone(codes)
		}
	}
}

// WithFailureBreaker makes GetAccessToken fail fast for cooldown after
// threshold consecutive failed fetches for the same app. A threshold of zero
// disables it.
func WithFailureBreaker(threshold int, cooldown time.Duration) Option {
	return func(p *Provider) {
		p.breakerThreshold = threshold
		p.breakerCooldown = cooldown
	}
}

// WithClock sets the clock used by the failure breaker.
func WithClock(c cache.Clock) Option {
	return func(p *Provider) {
		p.clock = c
	}
}

// Provider supplies access tokens for registered apps. Self-managed apps
// have their tokens fetched and cached; delegated apps call their factory on
// every request.
type Provider struct {
	registry *registry.Registry
	client   *platform.Client
	tokens   *cache.Loading[string]

	margin     time.Duration
	staleCodes []int

	breakerThreshold int
	breakerCooldown  time.Duration
	breaker          *breaker
	clock            cache.Clock

	mu          sync.RWMutex
	subscribers []Subscriber
}

// New creates a Provider. The token endpoint is called with the plain client:
// fetching a token cannot itself need a token.
func New(reg *registry.Registry, client *platform.Client, tokens *cache.Loading[string], opts ...Option) *Provider {
	p := &Provider{
		registry:   reg,
		client:     client,
		tokens:     tokens,
		margin:     DefaultMargin,
		staleCodes: platform.DefaultStaleCodes,
		clock:      systemClock{},
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.breakerThreshold > 0 {
		p.breaker = newBreaker(p.breakerThreshold, p.breakerCooldown, p.clock)
	}

	return p
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// GetAccessToken returns a usable access token for appID.
func (p *Provider) GetAccessToken(ctx context.Context, appID string) (string, error) {
	cfg, err := p.registry.Get(appID)
	if err != nil {
		return "", err
	}

	switch src := cfg.Source().(type) {
	case registry.Delegated:
		token, err := src.Factory(ctx, appID)
		if err != nil {
			return "", AcquisitionError{AppID: appID, Kind: kindAccessToken, Cause: err}
		}
		return token, nil

	case registry.SelfManaged:
		if !p.breaker.allow(appID) {
			return "", AcquisitionError{AppID: appID, Kind: kindAccessToken, Cause: ErrCircuitOpen}
		}
		return p.tokens.GetOrCreate(ctx, appID, p.fetch(src.Secret))

	default:
		return "", registry.ConfigurationError{
			AppID: appID,
			Cause: errors.New("no token source configured"),
		}
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

func (p *Provider) fetch(secret string) cache.PopulateFunc[string] {
	return func(ctx context.Context, appID string) (string, time.Duration, error) {
		token, ttl, err := p.requestToken(ctx, appID, secret)
		p.breaker.record(appID, err)
		if err != nil {
			log.Ctx(ctx).Warn().Err(err).Str("app_id", appID).Msg("access token fetch failed")
			return "", 0, AcquisitionError{AppID: appID, Kind: kindAccessToken, Cause: err}
		}

		log.Ctx(ctx).Info().
			Str("app_id", appID).
			Dur("ttl", ttl).
			Msg("access token fetched")

		return token, ttl, nil
	}
}

func (p *Provider) requestToken(ctx context.Context, appID, secret string) (string, time.Duration, error) {
	q := url.Values{}
	q.Set("grant_type", "client_credential")
	q.Set("appid", appID)
	q.Set("secret", secret)

	resp, err := p.client.Do(ctx, platform.Request{URL: "/cgi-bin/token?" + q.Encode()})
	if err != nil {
		return "", 0, err
	}

	var body tokenResponse
	if err := platform.Decode(resp.Body, &body); err != nil {
		return "", 0, err
	}
	if body.AccessToken == "" {
		return "", 0, errors.New("platform returned an empty access token")
	}

	return body.AccessToken, time.Duration(body.ExpiresIn)*time.Second - p.margin, nil
}

// RefreshAccessToken discards the cached token for appID and notifies
// subscribers. The next GetAccessToken fetches a new one.
func (p *Provider) RefreshAccessToken(ctx context.Context, appID string) error {
	if !p.registry.Exists(appID) {
		return registry.ConfigurationError{AppID: appID, Cause: registry.ErrNotFound}
	}

	if err := p.InvalidateAccessToken(ctx, appID); err != nil {
		return err
	}
	p.breaker.reset(appID)

	log.Ctx(ctx).Info().Str("app_id", appID).Msg("access token refresh requested")

	p.notify(ctx, RefreshNotification{AppID: appID})
	return nil
}

// InvalidateAccessToken discards the cached token for appID without
// notifying subscribers.
func (p *Provider) InvalidateAccessToken(ctx context.Context, appID string) error {
	if err := p.tokens.Evict(ctx, appID); err != nil {
		return fmt.Errorf("invalidating access token: %w", err)
	}
	return nil
}

// CheckAccessToken asks the platform whether the cached token for appID is
// still accepted. It returns true when nothing is cached, false when the
// platform rejects the token, and an error for any other failure.
func (p *Provider) CheckAccessToken(ctx context.Context, appID string) (bool, error) {
	token, ok := p.tokens.Peek(ctx, appID)
	if !ok {
		return true, nil
	}

	q := url.Values{}
	q.Set("access_token", token)

	resp, err := p.client.Do(ctx, platform.Request{URL: "/cgi-bin/get_api_domain_ip?" + q.Encode()})
	if err != nil {
		return false, err
	}

	err = platform.Decode(resp.Body, nil)

	var apiErr platform.Error
	switch {
	case err == nil:
		return true, nil
	case errors.As(err, &apiErr) && slices.Contains(p.staleCodes, apiErr.Code):
		return false, nil
	default:
		return false, err
	}
}

// Register adds cfg to the registry. A stale cached token left for a newly
// registered self-managed app (for example in a shared cache) is discarded.
func (p *Provider) Register(ctx context.Context, cfg registry.Config) (bool, error) {
	added, err := p.registry.Add(cfg)
	if err != nil || !added {
		return added, err
	}

	if registry.IsSelfManaged(cfg) {
		if err := p.tokens.Evict(ctx, cfg.AppID()); err != nil {
			log.Ctx(ctx).Warn().Err(err).Str("app_id", cfg.AppID()).Msg("failed to clear cached token for new app")
		}
	}

	return true, nil
}

// Exists reports whether appID is registered.
func (p *Provider) Exists(appID string) bool {
	return p.registry.Exists(appID)
}

// Remove unregisters appID. Its cached token is evicted by the registry and
// subscribers are notified so that dependent credentials are dropped too.
func (p *Provider) Remove(ctx context.Context, appID string) int {
	n := p.registry.Remove(ctx, appID)
	if n > 0 {
		p.breaker.reset(appID)
		p.notify(ctx, RefreshNotification{AppID: appID})
	}
	return n
}

// GetAllTokens returns the cached token of every self-managed app without
// fetching any.
func (p *Provider) GetAllTokens(ctx context.Context) []AppToken {
	var out []AppToken
	for _, cfg := range p.registry.List() {
		if !registry.IsSelfManaged(cfg) {
			continue
		}
		token, _ := p.tokens.Peek(ctx, cfg.AppID())
		out = append(out, AppToken{AppID: cfg.AppID(), AccessToken: token})
	}
	return out
}

// Subscribe registers s for refresh notifications.
func (p *Provider) Subscribe(s Subscriber) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscribers = append(p.subscribers, s)
}

func (p *Provider) notify(ctx context.Context, n RefreshNotification) {
	p.mu.RLock()
	subscribers := slices.Clone(p.subscribers)
	p.mu.RUnlock()

	for _, s := range subscribers {
		deliver(ctx, s, n)
	}
}

func deliver(ctx context.Context, s Subscriber, n RefreshNotification) {
	defer func() {
		if r := recover(); r != nil {
			log.Ctx(ctx).Error().Interface("recover", r).Str("app_id", n.AppID).Msg("refresh subscriber failed")
		}
	}()
	s(ctx, n)
}
