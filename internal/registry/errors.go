package registry

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrNotFound is wrapped by ConfigurationError when no app matches a lookup.
var ErrNotFound = errors.New("app not registered")

// ConfigurationError reports an app configuration that cannot be used: it
// failed validation, is missing, or has no way to obtain a token.
type ConfigurationError struct {
	AppID string
	Cause error
}

func (e ConfigurationError) Error() string {
	if e.AppID == "" {
		return fmt.Sprintf("app configuration: %v", e.Cause)
	}
	return fmt.Sprintf("app %q configuration: %v", e.AppID, e.Cause)
}

func (e ConfigurationError) Unwrap() error {
	return e.Cause
}

func (e ConfigurationError) Status() (int, string) {
	if errors.Is(e.Cause, ErrNotFound) {
		return http.StatusNotFound, "app not found"
	}
	return http.StatusInternalServerError, "app misconfigured"
}

func notFound(appID string) error {
	return ConfigurationError{AppID: appID, Cause: ErrNotFound}
}
