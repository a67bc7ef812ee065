package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/chinmina/wechat-bridge/internal/registry"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Placeholder is replaced with the app's access token in URL templates.
const Placeholder = "ACCESS_TOKEN"

// CodeInvalidCredential is the canonical errcode for an access token the
// platform no longer accepts.
const CodeInvalidCredential = 40001

// DefaultStaleCodes are the errcodes treated as a stale access token.
var DefaultStaleCodes = []int{CodeInvalidCredential, 40014, 42001}

// DefaultMaxAttempts bounds calls that keep failing with a stale token.
const DefaultMaxAttempts = 3

// TokenSource resolves access tokens for registered apps.
type TokenSource interface {
	Exists(appID string) bool
	GetAccessToken(ctx context.Context, appID string) (string, error)
	InvalidateAccessToken(ctx context.Context, appID string) error
}

type APIOption func(*API)

// WithMaxAttempts sets how many times a call is made when the platform keeps
// rejecting the access token.
func WithMaxAttempts(n int) APIOption {
	return func(a *API) {
		if n > 0 {
			a.maxAttempts = n
		}
	}
}

// WithStaleCodes replaces the errcodes treated as a stale access token.
func WithStaleCodes(codes []int) APIOption {
	return func(a *API) {
		if len(codes) > 0 {
			a.staleCodes = slices.Clone(codes)
		}
	}
}

// WithFallback supplies tokens for apps that are not registered. Fallback
// tokens are never cached or invalidated here.
func WithFallback(f registry.Factory) APIOption {
	return func(a *API) {
		a.fallback = f
	}
}

// API makes authenticated platform calls. URL templates containing
// Placeholder have it replaced with the app's access token; calls rejected
// for a stale token are retried with a fresh one.
type API struct {
	client      *Client
	tokens      TokenSource
	fallback    registry.Factory
	maxAttempts int
	staleCodes  []int
	tracer      trace.Tracer
}

func NewAPI(client *Client, tokens TokenSource, opts ...APIOption) *API {
	a := &API{
		client:      client,
		tokens:      tokens,
		maxAttempts: DefaultMaxAttempts,
		staleCodes:  DefaultStaleCodes,
		tracer:      otel.Tracer("github.com/chinmina/wechat-bridge/internal/platform"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// IsStale reports whether code means the access token was rejected.
func (a *API) IsStale(code int) bool {
	return slices.Contains(a.staleCodes, code)
}

// Call sends body (JSON encoded when not nil) and returns the raw JSON
// response once its errcode is zero.
func (a *API) Call(ctx context.Context, appID, method, urlTemplate string, body any) (json.RawMessage, error) {
	payload, err := encodeJSON(body)
	if err != nil {
		return nil, err
	}

	resp, err := a.exchange(ctx, appID, urlTemplate, false, func(ctx context.Context, target string) (*Response, error) {
		return a.client.Do(ctx, Request{
			Method:      method,
			URL:         target,
			Body:        payload,
			ContentType: jsonContentType(payload),
		})
	})
	if err != nil {
		return nil, err
	}

	return resp.Body, nil
}

// Get calls urlTemplate and decodes the response into T.
func Get[T any](ctx context.Context, a *API, appID, urlTemplate string) (T, error) {
	return decodeInto[T](a.Call(ctx, appID, http.MethodGet, urlTemplate, nil))
}

// Post sends body as JSON to urlTemplate and decodes the response into T.
func Post[T any](ctx context.Context, a *API, appID, urlTemplate string, body any) (T, error) {
	return decodeInto[T](a.Call(ctx, appID, http.MethodPost, urlTemplate, body))
}

func decodeInto[T any](raw json.RawMessage, err error) (T, error) {
	var out T
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decoding platform response: %w", err)
	}
	return out, nil
}

// Media is a binary response body.
type Media struct {
	ContentType string
	Data        []byte
}

// CallRaw is Call for endpoints returning binary content such as media
// downloads. JSON responses are still checked for errcode.
func (a *API) CallRaw(ctx context.Context, appID, method, urlTemplate string, body any) (Media, error) {
	payload, err := encodeJSON(body)
	if err != nil {
		return Media{}, err
	}

	resp, err := a.exchange(ctx, appID, urlTemplate, true, func(ctx context.Context, target string) (*Response, error) {
		return a.client.Do(ctx, Request{
			Method:      method,
			URL:         target,
			Body:        payload,
			ContentType: jsonContentType(payload),
		})
	})
	if err != nil {
		return Media{}, err
	}

	return Media{
		ContentType: resp.Header.Get("Content-Type"),
		Data:        resp.Body,
	}, nil
}

// FormFile is a file part of a multipart upload.
type FormFile struct {
	Field    string
	Filename string
	Data     []byte
}

// CallForm posts a multipart form, as used by media uploads.
func (a *API) CallForm(ctx context.Context, appID, urlTemplate string, fields map[string]string, files []FormFile) (json.RawMessage, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	for name, value := range fields {
		if err := w.WriteField(name, value); err != nil {
			return nil, fmt.Errorf("writing form field %q: %w", name, err)
		}
	}
	for _, f := range files {
		part, err := w.CreateFormFile(f.Field, f.Filename)
		if err != nil {
			return nil, fmt.Errorf("creating form file %q: %w", f.Field, err)
		}
		if _, err := part.Write(f.Data); err != nil {
			return nil, fmt.Errorf("writing form file %q: %w", f.Field, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("closing form: %w", err)
	}

	payload := buf.Bytes()
	contentType := w.FormDataContentType()

	resp, err := a.exchange(ctx, appID, urlTemplate, false, func(ctx context.Context, target string) (*Response, error) {
		return a.client.Do(ctx, Request{
			Method:      http.MethodPost,
			URL:         target,
			Body:        payload,
			ContentType: contentType,
		})
	})
	if err != nil {
		return nil, err
	}

	return resp.Body, nil
}

type sendFunc func(ctx context.Context, target string) (*Response, error)

// exchange runs the substitute, send, check loop. A stale token errcode
// evicts the cached token and repeats the whole call, up to maxAttempts.
// Binary (raw) responses are only inspected when they are JSON.
func (a *API) exchange(ctx context.Context, appID, urlTemplate string, raw bool, send sendFunc) (*Response, error) {
	ctx, span := a.tracer.Start(ctx, "platform.call",
		trace.WithAttributes(
			attribute.String("app.id", appID),
			attribute.String("platform.path", pathOf(urlTemplate)),
		),
	)
	defer span.End()

	resp, attempts, err := a.attempt(ctx, appID, urlTemplate, raw, send)

	span.SetAttributes(attribute.Int("platform.attempts", attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "platform call failed")
	}

	return resp, err
}

func (a *API) attempt(ctx context.Context, appID, urlTemplate string, raw bool, send sendFunc) (*Response, int, error) {
	var last Error

	for attempt := 1; attempt <= a.maxAttempts; attempt++ {
		target, substituted, err := a.substitute(ctx, appID, urlTemplate)
		if err != nil {
			return nil, attempt, err
		}

		resp, err := send(ctx, target)
		if err != nil {
			return nil, attempt, err
		}

		if raw && !isJSON(resp.Header.Get("Content-Type")) {
			return resp, attempt, nil
		}

		env, ok := parseEnvelope(resp.Body)
		if !ok || env.ErrCode == 0 {
			return resp, attempt, nil
		}

		apiErr := Error{Code: env.ErrCode, Message: env.ErrMsg}
		if !substituted || !a.IsStale(env.ErrCode) {
			return nil, attempt, apiErr
		}

		last = apiErr
		log.Ctx(ctx).Warn().
			Str("app_id", appID).
			Int("errcode", env.ErrCode).
			Int("attempt", attempt).
			Msg("access token rejected by platform, evicting")

		if a.tokens != nil && a.tokens.Exists(appID) {
			if err := a.tokens.InvalidateAccessToken(ctx, appID); err != nil {
				log.Ctx(ctx).Warn().Err(err).Str("app_id", appID).Msg("failed to evict stale access token")
			}
		}
	}

	return nil, a.maxAttempts, StaleTokenError{AppID: appID, Attempts: a.maxAttempts, Last: last}
}

// substitute replaces Placeholder in urlTemplate with a token for appID.
// Templates without the placeholder are returned unchanged.
func (a *API) substitute(ctx context.Context, appID, urlTemplate string) (string, bool, error) {
	if !strings.Contains(urlTemplate, Placeholder) {
		return urlTemplate, false, nil
	}

	token, err := a.resolveToken(ctx, appID)
	if err != nil {
		return "", false, err
	}

	return strings.ReplaceAll(urlTemplate, Placeholder, url.QueryEscape(token)), true, nil
}

func (a *API) resolveToken(ctx context.Context, appID string) (string, error) {
	if a.tokens != nil && a.tokens.Exists(appID) {
		return a.tokens.GetAccessToken(ctx, appID)
	}

	if a.fallback != nil {
		token, err := a.fallback(ctx, appID)
		if err != nil {
			return "", fmt.Errorf("fallback token for %q: %w", appID, err)
		}
		return token, nil
	}

	return "", registry.ConfigurationError{AppID: appID, Cause: registry.ErrNotFound}
}

func encodeJSON(body any) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case json.RawMessage:
		return b, nil
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding request body: %w", err)
	}
	return payload, nil
}

func jsonContentType(payload []byte) string {
	if payload == nil {
		return ""
	}
	return "application/json; charset=utf-8"
}

func pathOf(urlTemplate string) string {
	path, _, _ := strings.Cut(urlTemplate, "?")
	return path
}
