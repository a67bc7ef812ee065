package platform

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/chinmina/wechat-bridge/internal/config"
)

const (
	// DefaultAPIURL is the public API host of the platform.
	DefaultAPIURL = "https://api.weixin.qq.com"

	maxResponseBytes = 32 << 20
)

// Request is a single outbound call. URL may be absolute or relative to the
// client's base URL.
type Request struct {
	Method      string
	URL         string
	Body        []byte
	ContentType string
}

// Response is a fully read 2xx response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Client sends requests to the platform. It has no knowledge of access
// tokens; see API for calls that need one.
type Client struct {
	http    *http.Client
	baseURL *url.URL
	timeout time.Duration
}

// NewClient creates a client for the configured API host. The transport is
// wrapped with a RetryTransport for transient failures.
func NewClient(cfg config.PlatformConfig, transport http.RoundTripper) (*Client, error) {
	apiURL := cfg.APIURL
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	if !strings.HasSuffix(apiURL, "/") {
		apiURL += "/"
	}

	base, err := url.Parse(apiURL)
	if err != nil {
		return nil, fmt.Errorf("invalid platform API URL %q: %w", cfg.APIURL, err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("platform API URL %q must be absolute", cfg.APIURL)
	}

	return &Client{
		http: &http.Client{
			Transport: NewRetryTransport(transport, cfg.TransientRetries),
		},
		baseURL: base,
		timeout: cfg.RequestTimeout(),
	}, nil
}

// Do sends req and reads the whole response. Non-2xx statuses and network
// failures are returned as TransportError.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	target, err := c.resolve(req.URL)
	if err != nil {
		return nil, err
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("creating platform request: %w", err)
	}
	if req.ContentType != "" {
		httpReq.Header.Set("Content-Type", req.ContentType)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, TransportError{URL: Redact(target), Cause: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, TransportError{URL: Redact(target), StatusCode: resp.StatusCode, Cause: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, TransportError{URL: Redact(target), StatusCode: resp.StatusCode}
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
	}, nil
}

func (c *Client) resolve(raw string) (*url.URL, error) {
	ref, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid request URL: %w", err)
	}
	if ref.IsAbs() {
		return ref, nil
	}

	ref.Path = strings.TrimPrefix(ref.Path, "/")
	return c.baseURL.ResolveReference(ref), nil
}

var sensitiveParams = []string{"access_token", "secret"}

// Redact returns u as a string with credential query parameters masked.
func Redact(u *url.URL) string {
	q := u.Query()
	changed := false
	for _, p := range sensitiveParams {
		if q.Has(p) {
			q.Set(p, "REDACTED")
			changed = true
		}
	}
	if !changed {
		return u.String()
	}

	redacted := *u
	redacted.RawQuery = q.Encode()
	return redacted.String()
}
