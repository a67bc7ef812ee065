package jssdk

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// TicketSource supplies tickets of one kind.
type TicketSource interface {
	GetTicket(ctx context.Context, appID string) (string, error)
}

// InvalidURLError is returned when the page URL to sign is unusable.
type InvalidURLError struct {
	URL    string
	Reason string
}

func (e InvalidURLError) Error() string {
	return fmt.Sprintf("invalid page URL %q: %s", e.URL, e.Reason)
}

func (e InvalidURLError) Status() (int, string) {
	return http.StatusBadRequest, "invalid page URL: " + e.Reason
}

// Config holds the values a page passes to wx.config.
type Config struct {
	AppID     string `json:"appId"`
	Timestamp int64  `json:"timestamp"`
	NonceStr  string `json:"nonceStr"`
	Signature string `json:"signature"`
}

type Option func(*Signer)

// WithClock sets the source of signature timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Signer) {
		s.now = now
	}
}

// WithNonce sets the nonce generator.
func WithNonce(nonce func() string) Option {
	return func(s *Signer) {
		s.nonce = nonce
	}
}

// Signer produces JS-SDK and app scan login signatures from the current
// tickets.
type Signer struct {
	jsapi TicketSource
	sdk   TicketSource
	now   func() time.Time
	nonce func() string
}

// NewSigner creates a Signer. sdk may be nil when no open platform apps are
// configured.
func NewSigner(jsapi, sdk TicketSource, opts ...Option) *Signer {
	s := &Signer{
		jsapi: jsapi,
		sdk:   sdk,
		now:   time.Now,
		nonce: newNonce,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func newNonce() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Sign returns the wx.config values for pageURL, signed with the app's
// current jsapi ticket. Any fragment is removed from the URL before signing.
func (s *Signer) Sign(ctx context.Context, appID, pageURL string) (Config, error) {
	page, err := normalizePageURL(pageURL)
	if err != nil {
		return Config{}, err
	}

	ticket, err := s.jsapi.GetTicket(ctx, appID)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		AppID:     appID,
		Timestamp: s.now().Unix(),
		NonceStr:  s.nonce(),
	}
	cfg.Signature = Signature(ticket, cfg.NonceStr, cfg.Timestamp, page)

	log.Ctx(ctx).Debug().Str("app_id", appID).Str("url", page).Msg("signed JS-SDK config")

	return cfg, nil
}

// SignAppScan returns the arguments for an open platform app scan login,
// signed with the app's current sdk ticket. pageURL is optional.
func (s *Signer) SignAppScan(ctx context.Context, appID, pageURL string) (Config, error) {
	if s.sdk == nil {
		return Config{}, errors.New("sdk tickets are not configured")
	}

	page := ""
	if pageURL != "" {
		var err error
		if page, err = normalizePageURL(pageURL); err != nil {
			return Config{}, err
		}
	}

	ticket, err := s.sdk.GetTicket(ctx, appID)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		AppID:     appID,
		Timestamp: s.now().Unix(),
		NonceStr:  s.nonce(),
	}
	cfg.Signature = AppScanSignature(appID, ticket, cfg.NonceStr, cfg.Timestamp, page)

	return cfg, nil
}

// ConfigScript signs pageURL and renders the wx.config call for it.
func (s *Signer) ConfigScript(ctx context.Context, appID, pageURL string, apis []string, debug bool) (string, error) {
	cfg, err := s.Sign(ctx, appID, pageURL)
	if err != nil {
		return "", err
	}
	return RenderConfigScript(cfg, apis, debug), nil
}

// Signature is the JS-SDK signature: the hex SHA-1 of the sorted
// jsapi_ticket, noncestr, timestamp and url parameters.
func Signature(ticket, nonce string, timestamp int64, pageURL string) string {
	return sha1Hex("jsapi_ticket=" + ticket +
		"&noncestr=" + nonce +
		"&timestamp=" + strconv.FormatInt(timestamp, 10) +
		"&url=" + pageURL)
}

// AppScanSignature is the app scan login signature over the sorted appid,
// noncestr, sdk_ticket, timestamp and (when given) url parameters.
func AppScanSignature(appID, ticket, nonce string, timestamp int64, pageURL string) string {
	s := "appid=" + appID +
		"&noncestr=" + nonce +
		"&sdk_ticket=" + ticket +
		"&timestamp=" + strconv.FormatInt(timestamp, 10)
	if pageURL != "" {
		s += "&url=" + pageURL
	}
	return sha1Hex(s)
}

// RenderConfigScript renders the wx.config call for cfg.
func RenderConfigScript(cfg Config, apis []string, debug bool) string {
	if apis == nil {
		apis = []string{}
	}

	return fmt.Sprintf("wx.config({\n  debug: %t,\n  appId: %s,\n  timestamp: %d,\n  nonceStr: %s,\n  signature: %s,\n  jsApiList: %s\n});",
		debug,
		jsValue(cfg.AppID),
		cfg.Timestamp,
		jsValue(cfg.NonceStr),
		jsValue(cfg.Signature),
		jsValue(apis),
	)
}

// jsValue encodes v as JSON, which is valid JavaScript and escapes <, > and &.
func jsValue(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

func sha1Hex(s string) string {
	sum := sha1.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func normalizePageURL(raw string) (string, error) {
	if raw == "" {
		return "", InvalidURLError{URL: raw, Reason: "url is required"}
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", InvalidURLError{URL: raw, Reason: "url could not be parsed"}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", InvalidURLError{URL: raw, Reason: "url must be absolute http or https"}
	}
	if u.Host == "" {
		return "", InvalidURLError{URL: raw, Reason: "url has no host"}
	}

	page, _, _ := strings.Cut(raw, "#")
	return page, nil
}
