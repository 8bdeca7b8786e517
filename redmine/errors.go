package redmine

import (
	"errors"
	"fmt"
)

// Common errors
var (
	// ErrInvalidConfig indicates invalid client configuration
	ErrInvalidConfig = errors.New("invalid redmine client configuration")
	// ErrProjectRequired indicates a collection that only exists under a project
	ErrProjectRequired = errors.New("project scope is required")
	// ErrScopeUnsupported indicates a collection that cannot be scoped to a project
	ErrScopeUnsupported = errors.New("project scope is not supported")
	// ErrClientClosed indicates a request on a closed client
	ErrClientClosed = errors.New("redmine client is closed")
)

// StatusError carries a response status the pipeline does not classify
// itself (5xx, 409, ...). It is returned wrapped in a comm.TransportError.
type StatusError struct {
	StatusCode int
	Body       string
}

// Error implements the error interface
func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected response status %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected response status %d: %s", e.StatusCode, e.Body)
}

// IsServerError checks if the status is a 5xx
func (e *StatusError) IsServerError() bool {
	return e.StatusCode >= 500
}

// StatusCode returns the unclassified response status carried by err, or 0.
func StatusCode(err error) int {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode
	}
	return 0
}
