package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/helixir/crawler-extractor/internal/domain"
)

// ErrEmptyResponse is returned when the provider answered without any text.
var ErrEmptyResponse = errors.New("llm: empty response")

// APIError is a failed provider call. StatusCode is zero when no HTTP
// response arrived.
type APIError struct {
	Provider   string
	StatusCode int
	Message    string
	// Type and Code are the provider's own classification, when it sent one.
	Type string
	Code string
}

func (e *APIError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("%s: API error (status %d, type %s): %s", e.Provider, e.StatusCode, e.Type, e.Message)
	}
	return fmt.Sprintf("%s: API error (status %d): %s", e.Provider, e.StatusCode, e.Message)
}

// Unwrap exposes the domain kind of the failure: domain.ErrRateLimited for
// 429, domain.ErrServiceUnavailable for 5xx and network failures, nothing for
// rejected requests.
func (e *APIError) Unwrap() error {
	switch {
	case e.StatusCode == http.StatusTooManyRequests:
		return domain.ErrRateLimited
	case e.StatusCode == 0, e.StatusCode >= 500:
		return domain.ErrServiceUnavailable
	default:
		return nil
	}
}

// IsTransient reports whether repeating the call may succeed.
func (e *APIError) IsTransient() bool {
	return e.Unwrap() != nil
}

// IsTransient reports whether err wraps a transient *APIError. Cancellation
// is never transient.
func IsTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.IsTransient()
}

func networkError(provider string, err error) *APIError {
	return &APIError{
		Provider: provider,
		Message:  fmt.Sprintf("request failed: %v", err),
		Type:     "network_error",
	}
}
