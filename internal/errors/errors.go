// Package errors provides structured error types for the sync engine and
// its external clients.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for common failure modes.
var (
	ErrNotFound    = errors.New("work item not found")
	ErrRateLimited = errors.New("rate limit exceeded")
	ErrTimeout     = errors.New("operation timed out")
	ErrUnavailable = errors.New("service unavailable")
	ErrAuthFailure = errors.New("authentication failed")
)

// APIError represents an error from an external API call (tracker or
// generation service).
type APIError struct {
	Service    string
	StatusCode int
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s API error (status %d): %s: %v", e.Service, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("%s API error (status %d): %s", e.Service, e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error { return e.Err }

// NewAPIError creates a new API error.
func NewAPIError(service string, statusCode int, message string) *APIError {
	return &APIError{Service: service, StatusCode: statusCode, Message: message}
}

// FetchError wraps a tracker read failure.
func FetchError(err error) error {
	return &APIError{Service: "tracker", Message: "fetch failed", Err: err}
}

// GenerationError wraps a candidate-generation failure. It is fatal to the
// sync attempt that triggered it but retryable by the monitor.
func GenerationError(err error) error {
	return &APIError{Service: "generator", Message: "story generation failed", Err: err}
}

// IsRetryable returns true if the error is likely transient and worth retrying.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 429, 500, 502, 503, 504:
			return true
		}
	}
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUnavailable)
}

// IsNotFound reports whether err is the not-found sentinel, possibly wrapped.
func IsNotFound(err error) bool {
	if errors.Is(err, ErrNotFound) {
		return true
	}
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == 404
}
