package token

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/chinmina/wechat-bridge/internal/platform"
)

// ErrCircuitOpen is returned while the failure breaker for an app is open.
var ErrCircuitOpen = errors.New("credential acquisition suspended after repeated failures")

// AcquisitionError reports a failure to obtain a credential from the
// platform. It is returned to every caller waiting on the failed population;
// nothing is cached, so the next call tries again.
type AcquisitionError struct {
	AppID string
	Kind  string
	Cause error
}

func (e AcquisitionError) Error() string {
	return fmt.Sprintf("acquiring %s for %q: %v", e.Kind, e.AppID, e.Cause)
}

func (e AcquisitionError) Unwrap() error {
	return e.Cause
}

func (e AcquisitionError) Status() (int, string) {
	var apiErr platform.Error
	if errors.As(e.Cause, &apiErr) {
		return http.StatusBadGateway, fmt.Sprintf("%s unavailable: platform errcode %d", e.Kind, apiErr.Code)
	}
	if errors.Is(e.Cause, ErrCircuitOpen) {
		return http.StatusServiceUnavailable, fmt.Sprintf("%s temporarily unavailable", e.Kind)
	}
	return http.StatusBadGateway, fmt.Sprintf("%s unavailable", e.Kind)
}
