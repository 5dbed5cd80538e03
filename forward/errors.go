package forward

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrBodyConsumed is returned when an inbound body is read a second time.
	ErrBodyConsumed = errors.New("request body already consumed")

	// ErrBodyTooLarge is returned when an inbound body exceeds MaxBodyBytes.
	ErrBodyTooLarge = errors.New("request body too large")

	// ErrInvalidAmount rejects withdrawal amounts that are not finite and positive.
	ErrInvalidAmount = errors.New("amount must be a finite number greater than zero")

	// ErrMissingBody rejects withdrawal bodies that are not a JSON object.
	ErrMissingBody = errors.New("request body must be a JSON object")
)

// ConfigError reports a missing piece of configuration required to reach the backend.
type ConfigError struct {
	Key string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s is not configured", e.Key)
}

// IsConfigError reports whether err is, or wraps, a *ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// UpstreamError wraps a transport failure talking to the backend.
// Backend responses with error statuses are not errors; they are relayed.
type UpstreamError struct {
	URL string
	Err error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream request to %s failed: %v", e.URL, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// StatusFor maps a forwarding error to the status returned to the client.
func StatusFor(err error) int {
	var ue *UpstreamError
	switch {
	case err == nil:
		return http.StatusOK
	case IsConfigError(err):
		return http.StatusInternalServerError
	case errors.Is(err, ErrBodyConsumed):
		return http.StatusInternalServerError
	case errors.As(err, &ue):
		return http.StatusBadGateway
	case errors.Is(err, ErrBodyTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrMissingBody):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
