package core

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode is the machine-readable error taxonomy carried on the wire in
// the "error" field of failure envelopes.
type ErrorCode string

const (
	ErrValidation           ErrorCode = "validation_error"
	ErrUnauthorized         ErrorCode = "unauthorized"
	ErrForbidden            ErrorCode = "forbidden"
	ErrFeatureDisabled      ErrorCode = "feature_disabled"
	ErrOutsideBusinessHours ErrorCode = "outside_business_hours"
	ErrInsufficientFunds    ErrorCode = "insufficient_credits"
	ErrRateLimited          ErrorCode = "rate_limited"
	ErrNoProvider           ErrorCode = "no_provider_available"
	ErrProviderFailed       ErrorCode = "provider_call_failed"
	ErrNotFound             ErrorCode = "not_found"
	ErrConflict             ErrorCode = "conflict"
	ErrInternal             ErrorCode = "internal_error"
)

// Error is the typed domain error surfaced from every layer. Handlers map it
// onto the HTTP envelope with errors.As.
type Error struct {
	Code    ErrorCode      `json:"error"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// NewError builds a domain error with no details.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewErrorf builds a domain error with a formatted message.
func NewErrorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetails attaches structured detail fields and returns the error.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// WithCause records the wrapped cause and returns the error.
func (e *Error) WithCause(err error) *Error {
	e.cause = err
	return e
}

// HTTPStatus maps the taxonomy onto response codes.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case ErrValidation:
		return http.StatusBadRequest
	case ErrUnauthorized:
		return http.StatusUnauthorized
	case ErrForbidden, ErrFeatureDisabled, ErrOutsideBusinessHours:
		return http.StatusForbidden
	case ErrInsufficientFunds:
		return http.StatusPaymentRequired
	case ErrRateLimited:
		return http.StatusTooManyRequests
	case ErrNoProvider:
		return http.StatusServiceUnavailable
	case ErrProviderFailed:
		return http.StatusBadGateway
	case ErrNotFound:
		return http.StatusNotFound
	case ErrConflict:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// AsError extracts a *Error from err, wrapping unknown errors as internal.
func AsError(err error) *Error {
	var de *Error
	if errors.As(err, &de) {
		return de
	}
	return &Error{Code: ErrInternal, Message: "internal error", cause: err}
}

// IsCode reports whether err carries the given taxonomy code.
func IsCode(err error, code ErrorCode) bool {
	var de *Error
	return errors.As(err, &de) && de.Code == code
}
