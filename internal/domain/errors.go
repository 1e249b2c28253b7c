package domain

import (
	"errors"
	"fmt"
)

// Common errors used throughout the application.
var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrConflict          = errors.New("conflict")
	ErrInvalidInput      = errors.New("invalid input")
	ErrInvalidName       = errors.New("invalid stack name")
	ErrUnknownTemplate   = errors.New("unknown template")
	ErrInvalidDescriptor = errors.New("invalid deployment descriptor")
	ErrNoExternalRef     = errors.New("stack has no external reference")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrForbidden         = errors.New("forbidden")
	ErrTimeout           = errors.New("reconciliation timed out")
)

// Error codes for standardized API error responses.
const (
	ErrCodeResourceNotFound      = "RESOURCE_NOT_FOUND"
	ErrCodeResourceAlreadyExists = "RESOURCE_ALREADY_EXISTS"
	ErrCodeInvalidInput          = "INVALID_INPUT"
	ErrCodeUnknownTemplate       = "UNKNOWN_TEMPLATE"
	ErrCodeNoExternalRef         = "NO_EXTERNAL_REF"
	ErrCodeUnauthorized          = "UNAUTHORIZED"
	ErrCodeForbidden             = "FORBIDDEN"
	ErrCodeValidationError       = "VALIDATION_ERROR"
	ErrCodeUpstreamError         = "UPSTREAM_ERROR"
	ErrCodeInternalError         = "INTERNAL_ERROR"
)

// StandardError represents a standardized error response from the API.
type StandardError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Field   string         `json:"field,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// StandardErrorResponse wraps a StandardError for JSON responses.
type StandardErrorResponse struct {
	Error StandardError `json:"error"`
}

// UpstreamError is returned when the hosting platform answers a call with a
// non-2xx status, or when the call could not be made at all (Status 0).
type UpstreamError struct {
	Op     string
	Status int
	Body   string
	Err    error
}

// Error implements the error interface.
func (e *UpstreamError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("platform %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("platform %s failed (%d): %s", e.Op, e.Status, e.Body)
}

// Unwrap returns the transport error, if any.
func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// IsUpstream reports whether err carries an UpstreamError.
func IsUpstream(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue)
}
