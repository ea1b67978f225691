package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

// ErrInvalidResponse marks a server reply that could not be parsed. Repeating
// the request will not fix it.
var ErrInvalidResponse = errors.New("invalid server response")

// BackendError represents an error from a backend operation
// It provides structured error information including HTTP status codes,
// operation context, and the underlying error message
type BackendError struct {
	Operation  string // e.g., "DeleteTask", "GetTasks", "PutTask"
	StatusCode int    // HTTP status code (0 if not an HTTP error)
	Message    string // Human-readable error message
	TaskUID    string // Optional: affected task UID
	ListID     string // Optional: affected list ID
	Body       string // Optional: response body for debugging
	Err        error  // Optional: underlying error
}

// Error implements the error interface
func (e *BackendError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s failed with status %d: %s", e.Operation, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s failed: %s", e.Operation, e.Message)
}

// Unwrap returns the underlying error for error wrapping
func (e *BackendError) Unwrap() error {
	return e.Err
}

// IsNotFound returns true if the error is a 404 Not Found
func (e *BackendError) IsNotFound() bool {
	return e.StatusCode == 404
}

// IsUnauthorized returns true if the error is a 401 Unauthorized or 403 Forbidden
func (e *BackendError) IsUnauthorized() bool {
	return e.StatusCode == 401 || e.StatusCode == 403
}

// IsPreconditionFailed returns true for 412, the answer to a conditional
// write whose ETag no longer matches.
func (e *BackendError) IsPreconditionFailed() bool {
	return e.StatusCode == 412
}

// IsServerError returns true if the error is a 5xx server error
func (e *BackendError) IsServerError() bool {
	return e.StatusCode >= 500 && e.StatusCode < 600
}

// IsTransient returns true for statuses worth retrying later.
func (e *BackendError) IsTransient() bool {
	switch e.StatusCode {
	case 408, 425, 429:
		return true
	}
	if e.IsServerError() {
		return true
	}
	if e.StatusCode == 0 && e.Err != nil {
		return IsTransient(e.Err)
	}
	return false
}

// NewBackendError creates a new BackendError
func NewBackendError(operation string, statusCode int, message string) *BackendError {
	return &BackendError{
		Operation:  operation,
		StatusCode: statusCode,
		Message:    message,
	}
}

// WithTaskUID adds task UID to the error for context
func (e *BackendError) WithTaskUID(uid string) *BackendError {
	e.TaskUID = uid
	return e
}

// WithListID adds list ID to the error for context
func (e *BackendError) WithListID(listID string) *BackendError {
	e.ListID = listID
	return e
}

// WithBody adds the response body to the error for debugging
func (e *BackendError) WithBody(body string) *BackendError {
	e.Body = body
	return e
}

// WithError wraps an underlying error
func (e *BackendError) WithError(err error) *BackendError {
	e.Err = err
	return e
}

// AsBackendError unwraps err to a *BackendError if there is one.
func AsBackendError(err error) (*BackendError, bool) {
	var be *BackendError
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}

// IsNotFound reports whether err carries a 404.
func IsNotFound(err error) bool {
	be, ok := AsBackendError(err)
	return ok && be.IsNotFound()
}

// IsPreconditionFailed reports whether err carries a 412.
func IsPreconditionFailed(err error) bool {
	be, ok := AsBackendError(err)
	return ok && be.IsPreconditionFailed()
}

// IsUnauthorized reports whether err carries a 401 or 403.
func IsUnauthorized(err error) bool {
	be, ok := AsBackendError(err)
	return ok && be.IsUnauthorized()
}

// IsTransient reports whether a failed operation may succeed if repeated
// later without any change: network failures, timeouts, throttling and
// server errors. Auth failures, other 4xx, parse errors and cancellation
// are permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrInvalidResponse) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if be, ok := AsBackendError(err); ok {
		return be.IsTransient()
	}
	// A connection dropped mid-body. A bare io.EOF is an empty body, not a
	// network failure.
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}
