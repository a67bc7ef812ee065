package platform

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
)

// RetryTransport retries requests that fail with a network error or a 5xx
// status using exponential backoff. Requests whose body cannot be replayed
// are sent once.
type RetryTransport struct {
	wrapped         http.RoundTripper
	retries         uint
	initialInterval time.Duration
}

// NewRetryTransport makes at most retries extra attempts per request.
func NewRetryTransport(wrapped http.RoundTripper, retries uint) *RetryTransport {
	if wrapped == nil {
		wrapped = http.DefaultTransport
	}

	return &RetryTransport{
		wrapped:         wrapped,
		retries:         retries,
		initialInterval: 200 * time.Millisecond,
	}
}

var errServerStatus = errors.New("server error status")

func (t *RetryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.retries == 0 || (req.Body != nil && req.Body != http.NoBody && req.GetBody == nil) {
		return t.wrapped.RoundTrip(req)
	}

	maxTries := t.retries + 1
	var attempt uint

	operation := func() (*http.Response, error) {
		attempt++

		r := req
		if attempt > 1 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, backoff.Permanent(err)
			}
			r = req.Clone(req.Context())
			r.Body = body
		}

		resp, err := t.wrapped.RoundTrip(r)
		if err != nil {
			if req.Context().Err() != nil {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}

		if resp.StatusCode >= http.StatusInternalServerError && attempt < maxTries {
			_ = resp.Body.Close()
			return nil, fmt.Errorf("%w: %d", errServerStatus, resp.StatusCode)
		}

		return resp, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = t.initialInterval

	return backoff.Retry(req.Context(), operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(maxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Ctx(req.Context()).Debug().
				Err(err).
				Str("host", req.URL.Host).
				Dur("backoff", next).
				Msg("platform request failed, retrying")
		}),
	)
}
