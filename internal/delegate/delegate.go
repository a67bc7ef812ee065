package delegate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/rs/zerolog/log"

	"github.com/chinmina/wechat-bridge/internal/config"
	"github.com/chinmina/wechat-bridge/internal/platform"
	"github.com/chinmina/wechat-bridge/internal/registry"
)

const maxPeerResponseBytes = 1 << 20

// PeerError is a failed call to a peer bridge.
type PeerError struct {
	URL        string
	StatusCode int
	Message    string
	Cause      error
}

func (e PeerError) Error() string {
	switch {
	case e.Cause != nil:
		return fmt.Sprintf("delegate request to %s failed: %v", e.URL, e.Cause)
	case e.Message != "":
		return fmt.Sprintf("delegate request to %s failed with status %d: %s", e.URL, e.StatusCode, e.Message)
	default:
		return fmt.Sprintf("delegate request to %s failed with status %d", e.URL, e.StatusCode)
	}
}

func (e PeerError) Unwrap() error {
	return e.Cause
}

func (e PeerError) Status() (int, string) {
	return http.StatusBadGateway, "delegate bridge unavailable"
}

// Claims are the claims of the bearer token presented to a peer bridge.
type Claims struct {
	jwt.RegisteredClaims
	Apps []string `json:"wechat_apps"`
}

// Client fetches credentials for delegated apps from peer bridges.
type Client struct {
	http     *http.Client
	cfg      config.DelegateConfig
	timeout  time.Duration
	now      func() time.Time
	audience jwt.ClaimStrings
}

type Option func(*Client)

// WithClock sets the clock used for bearer token validity.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

// New creates a Client. Requests use transport wrapped in the same retry
// behaviour as platform calls.
func New(cfg config.DelegateConfig, platformCfg config.PlatformConfig, transport http.RoundTripper, opts ...Option) (*Client, error) {
	if cfg.SigningKey == "" {
		return nil, errors.New("delegate signing key is required")
	}
	if cfg.TokenTTLSeconds <= 0 {
		return nil, fmt.Errorf("delegate token TTL must be positive, got %d", cfg.TokenTTLSeconds)
	}

	c := &Client{
		http: &http.Client{
			Transport: platform.NewRetryTransport(transport, platformCfg.TransientRetries),
		},
		cfg:      cfg,
		timeout:  platformCfg.RequestTimeout(),
		now:      time.Now,
		audience: jwt.ClaimStrings{cfg.Audience},
	}
	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

type tokenResponse struct {
	AppID       string `json:"appId"`
	AccessToken string `json:"accessToken"`
}

type ticketResponse struct {
	AppID  string `json:"appId"`
	Kind   string `json:"kind"`
	Ticket string `json:"ticket"`
}

// TokenFactory returns a factory that asks the bridge at baseURL for an app's
// access token.
func (c *Client) TokenFactory(baseURL string) (registry.Factory, error) {
	base, err := parseBase(baseURL)
	if err != nil {
		return nil, err
	}

	return func(ctx context.Context, appID string) (string, error) {
		var resp tokenResponse
		if err := c.get(ctx, base, appID, "apps/"+url.PathEscape(appID)+"/token", &resp); err != nil {
			return "", err
		}
		if resp.AccessToken == "" {
			return "", PeerError{URL: base.String(), StatusCode: http.StatusOK, Message: "empty access token"}
		}
		return resp.AccessToken, nil
	}, nil
}

// TicketFactory returns a factory that asks the bridge at baseURL for an
// app's ticket of the given kind.
func (c *Client) TicketFactory(baseURL string, kind string) (registry.Factory, error) {
	base, err := parseBase(baseURL)
	if err != nil {
		return nil, err
	}

	return func(ctx context.Context, appID string) (string, error) {
		var resp ticketResponse
		path := "apps/" + url.PathEscape(appID) + "/tickets/" + url.PathEscape(kind)
		if err := c.get(ctx, base, appID, path, &resp); err != nil {
			return "", err
		}
		if resp.Ticket == "" {
			return "", PeerError{URL: base.String(), StatusCode: http.StatusOK, Message: "empty " + kind + " ticket"}
		}
		return resp.Ticket, nil
	}, nil
}

// Bearer signs a short-lived token that grants access to appID only.
func (c *Client) Bearer(appID string) (string, error) {
	now := c.now()

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.cfg.Issuer,
			Subject:   c.cfg.Issuer,
			Audience:  c.audience,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-10 * time.Second)),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Duration(c.cfg.TokenTTLSeconds) * time.Second)),
		},
		Apps: []string{appID},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(c.cfg.SigningKey))
	if err != nil {
		return "", fmt.Errorf("could not sign delegate token: %w", err)
	}

	return signed, nil
}

func (c *Client) get(ctx context.Context, base *url.URL, appID, path string, into any) error {
	target := base.ResolveReference(&url.URL{Path: path})

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	bearer, err := c.Bearer(appID)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return fmt.Errorf("creating delegate request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return PeerError{URL: target.String(), Cause: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxPeerResponseBytes))
	if err != nil {
		return PeerError{URL: target.String(), StatusCode: resp.StatusCode, Cause: err}
	}

	if resp.StatusCode != http.StatusOK {
		var body struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(data, &body)

		log.Ctx(ctx).Warn().
			Str("app_id", appID).
			Str("url", target.String()).
			Int("status", resp.StatusCode).
			Msg("delegate bridge refused request")

		return PeerError{URL: target.String(), StatusCode: resp.StatusCode, Message: body.Error}
	}

	if err := json.Unmarshal(data, into); err != nil {
		return PeerError{URL: target.String(), StatusCode: resp.StatusCode, Cause: fmt.Errorf("decoding response: %w", err)}
	}

	return nil
}

func parseBase(raw string) (*url.URL, error) {
	if !strings.HasSuffix(raw, "/") {
		raw += "/"
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid delegate URL %q: %w", raw, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("delegate URL %q must be an absolute http(s) URL", raw)
	}

	return u, nil
}
