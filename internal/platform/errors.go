package platform

import (
	"fmt"
	"net/http"
)

// Error is a non-zero errcode returned by the platform.
type Error struct {
	Code    int    `json:"errcode"`
	Message string `json:"errmsg"`
}

func (e Error) Error() string {
	return fmt.Sprintf("platform error %d: %s", e.Code, e.Message)
}

func (e Error) Status() (int, string) {
	return http.StatusBadGateway, fmt.Sprintf("platform rejected the request (errcode %d)", e.Code)
}

// TransportError is an HTTP-level failure talking to the platform: a network
// error, a timeout or a non-2xx status. It is never retried by the token
// logic; the retry transport has already made its attempts.
type TransportError struct {
	URL        string
	StatusCode int
	Cause      error
}

func (e TransportError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("request to %s failed: %v", e.URL, e.Cause)
	}
	return fmt.Sprintf("request to %s failed with status %d", e.URL, e.StatusCode)
}

func (e TransportError) Unwrap() error {
	return e.Cause
}

func (e TransportError) Status() (int, string) {
	return http.StatusBadGateway, "platform unavailable"
}

// StaleTokenError is returned when every attempt of a call was rejected
// because the access token was no longer valid.
type StaleTokenError struct {
	AppID    string
	Attempts int
	Last     Error
}

func (e StaleTokenError) Error() string {
	return fmt.Sprintf("access token for %q still rejected after %d attempts: %v", e.AppID, e.Attempts, e.Last)
}

func (e StaleTokenError) Unwrap() error {
	return e.Last
}

func (e StaleTokenError) Status() (int, string) {
	return http.StatusServiceUnavailable, "access token rejected by platform"
}
