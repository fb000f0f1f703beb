package registry

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrAuthentication     = errors.New("authentication failed")
	ErrSessionExpired     = errors.New("session expired, reconnect the integration")
	ErrNotConnected       = errors.New("integration not connected")
	ErrUnknownIntegration = errors.New("unknown integration")
	ErrUnsupported        = errors.New("operation not supported by integration")
)

// ProviderError is a non-success response from an external API.
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = "request failed"
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s API error (status %d): %s", e.Provider, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s API error: %s", e.Provider, msg)
}

// AuthFailure marks err as an expected authentication failure while keeping
// it reachable through errors.As.
func AuthFailure(err error) error {
	if err == nil || errors.Is(err, ErrAuthentication) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrAuthentication, err)
}

// StatusCode returns the HTTP status of a wrapped ProviderError, or 0.
func StatusCode(err error) int {
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr.StatusCode
	}
	return 0
}
