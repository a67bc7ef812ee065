package ticket

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
	"github.com/chinmina/wechat-bridge/internal/token"
	"github.com/rs/zerolog/log"
)

// DefaultMargin is subtracted from the lifetime the platform declares for a
// ticket.
const DefaultMargin = 60 * time.Second

// Kind is a ticket type issued by the getticket endpoint.
type Kind string

const (
	// JSAPI tickets sign JS-SDK page configuration.
	JSAPI Kind = "jsapi"
	// Card tickets sign card API calls.
	Card Kind = "wx_card"
	// SDK tickets sign open platform app scan logins.
	SDK Kind = "sdk"
)

var kinds = []Kind{JSAPI, Card, SDK}

// ParseKind validates s as a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !slices.Contains(kinds, k) {
		return "", fmt.Errorf("unknown ticket kind %q", s)
	}
	return k, nil
}

// queryType is the value of the type parameter for the kind.
func (k Kind) queryType() string {
	if k == SDK {
		return "2"
	}
	return string(k)
}

func (k Kind) key(appID string) string {
	return "ticket:" + string(k) + ":" + appID
}

type Option func(*Provider)

// WithMargin overrides DefaultMargin.
func WithMargin(d time.Duration) Option {
	return func(p *Provider) {
		p.margin = d
	}
}

// Provider supplies tickets of a single kind. Tickets depend on the app's
// access token, so the provider drops its cached ticket whenever the token
// provider reports a refresh. It does not refetch eagerly.
type Provider struct {
	kind     Kind
	registry *registry.Registry
	api      *platform.API
	cache    *cache.Loading[string]
	margin   time.Duration

	mu        sync.RWMutex
	apps      map[string]bool
	factories map[string]registry.Factory
}

// New creates a Provider and subscribes it to refresh notifications from
// tokens.
func New(kind Kind, reg *registry.Registry, tokens *token.Provider, api *platform.API, tickets *cache.Loading[string], opts ...Option) *Provider {
	p := &Provider{
		kind:      kind,
		registry:  reg,
		api:       api,
		cache:     tickets,
		margin:    DefaultMargin,
		apps:      map[string]bool{},
		factories: map[string]registry.Factory{},
	}
	for _, opt := range opts {
		opt(p)
	}

	tokens.Subscribe(p.onRefresh)

	return p
}

// Kind returns the ticket kind served by p.
func (p *Provider) Kind() Kind {
	return p.kind
}

func (p *Provider) onRefresh(ctx context.Context, n token.RefreshNotification) {
	if err := p.cache.Evict(ctx, p.kind.key(n.AppID)); err != nil {
		log.Ctx(ctx).Warn().Err(err).
			Str("app_id", n.AppID).
			Str("ticket_kind", string(p.kind)).
			Msg("failed to evict ticket after token refresh")
		return
	}

	log.Ctx(ctx).Debug().
		Str("app_id", n.AppID).
		Str("ticket_kind", string(p.kind)).
		Msg("ticket evicted after token refresh")
}

// GetTicket returns a valid ticket for appID. Delegated apps use their
// registered ticket factory on every call.
func (p *Provider) GetTicket(ctx context.Context, appID string) (string, error) {
	cfg, err := p.registry.Get(appID)
	if err != nil {
		return "", err
	}

	if !registry.IsSelfManaged(cfg) {
		p.mu.RLock()
		factory := p.factories[appID]
		p.mu.RUnlock()

		if factory == nil {
			return "", registry.ConfigurationError{
				AppID: appID,
				Cause: fmt.Errorf("no %s ticket factory for delegated app", p.kind),
			}
		}

		ticket, err := factory(ctx, appID)
		if err != nil {
			return "", p.acquisitionError(appID, err)
		}
		return ticket, nil
	}

	p.mu.RLock()
	registered := p.apps[appID]
	p.mu.RUnlock()

	if !registered {
		return "", registry.ConfigurationError{
			AppID: appID,
			Cause: fmt.Errorf("app is not registered for %s tickets: %w", p.kind, registry.ErrNotFound),
		}
	}

	return p.cache.GetOrCreate(ctx, p.kind.key(appID), func(ctx context.Context, _ string) (string, time.Duration, error) {
		return p.fetch(ctx, appID)
	})
}

type ticketResponse struct {
	Ticket    string `json:"ticket"`
	ExpiresIn int    `json:"expires_in"`
}

func (p *Provider) fetch(ctx context.Context, appID string) (string, time.Duration, error) {
	q := url.Values{}
	q.Set("type", p.kind.queryType())

	resp, err := platform.Get[ticketResponse](ctx, p.api, appID, "/cgi-bin/ticket/getticket?access_token="+platform.Placeholder+"&"+q.Encode())
	if err != nil {
		return "", 0, p.acquisitionError(appID, err)
	}
	if resp.Ticket == "" {
		return "", 0, p.acquisitionError(appID, errors.New("platform returned an empty ticket"))
	}

	ttl := time.Duration(resp.ExpiresIn)*time.Second - p.margin

	log.Ctx(ctx).Info().
		Str("app_id", appID).
		Str("ticket_kind", string(p.kind)).
		Dur("ttl", ttl).
		Msg("ticket fetched")

	return resp.Ticket, ttl, nil
}

func (p *Provider) acquisitionError(appID string, err error) error {
	// configuration problems are reported as they are
	var cfgErr registry.ConfigurationError
	if errors.As(err, &cfgErr) {
		return err
	}
	return token.AcquisitionError{AppID: appID, Kind: string(p.kind) + " ticket", Cause: err}
}

// Register enables tickets for a registered app. It returns false if the
// app was already enabled.
func (p *Provider) Register(appID string) (bool, error) {
	if !p.registry.Exists(appID) {
		return false, registry.ConfigurationError{AppID: appID, Cause: registry.ErrNotFound}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.apps[appID] {
		return false, nil
	}
	p.apps[appID] = true
	return true, nil
}

// RegisterFactory sets the ticket factory used for a delegated app.
func (p *Provider) RegisterFactory(appID string, factory registry.Factory) error {
	if factory == nil {
		return registry.ConfigurationError{AppID: appID, Cause: errors.New("ticket factory is nil")}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.factories[appID] = factory
	return nil
}

// Exists reports whether appID can be served tickets by p.
func (p *Provider) Exists(appID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.apps[appID] || p.factories[appID] != nil
}

// Remove disables tickets for appID and evicts its cached ticket.
func (p *Provider) Remove(ctx context.Context, appID string) error {
	p.mu.Lock()
	delete(p.apps, appID)
	delete(p.factories, appID)
	p.mu.Unlock()

	return p.Refresh(ctx, appID)
}

// Refresh evicts the cached ticket for appID. The next GetTicket fetches a
// new one.
func (p *Provider) Refresh(ctx context.Context, appID string) error {
	if err := p.cache.Evict(ctx, p.kind.key(appID)); err != nil {
		return fmt.Errorf("evicting %s ticket: %w", p.kind, err)
	}
	return nil
}

// Apps returns the app IDs with tickets enabled, sorted.
func (p *Provider) Apps() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]string, 0, len(p.apps)+len(p.factories))
	for id := range p.apps {
		out = append(out, id)
	}
	for id := range p.factories {
		if !p.apps[id] {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}
