package llm

import (
	"errors"
	"fmt"
	"net/http"
)

// APIError is a failed provider API call. StatusCode 0 means no HTTP response
// arrived at all (network failure, timeout).
type APIError struct {
	Provider   string
	StatusCode int
	Message    string
	// Type and Code carry the provider's own error classification when the
	// response body included one.
	Type string
	Code string
}

func (e *APIError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("%s: API error (status %d, type %s): %s", e.Provider, e.StatusCode, e.Type, e.Message)
	}
	return fmt.Sprintf("%s: API error (status %d): %s", e.Provider, e.StatusCode, e.Message)
}

// IsTransient reports whether a retry may succeed: rate limits, server
// errors, and network failures qualify.
func (e *APIError) IsTransient() bool {
	return e.StatusCode == 0 ||
		e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode >= 500
}

// IsTransient reports whether err is a transient provider error eligible for
// retry. Non-APIError values are never transient.
func IsTransient(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.IsTransient()
	}
	return false
}
