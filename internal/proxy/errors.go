package proxy

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Code classifies a failure for callers deciding what to do next. Retry
// policy lives solely in the worker; this layer only labels.
type Code string

// Error codes.
const (
	CodeInvalidRequest    Code = "invalid_request"
	CodeUnknownCandidate  Code = "unknown_candidate"
	CodeRateLimited       Code = "rate_limited"
	CodeUpstreamRateLimit Code = "upstream_rate_limit"
	CodeUpstreamFailed    Code = "upstream_failed"
	CodeTimeout           Code = "timeout"
	CodeInternal          Code = "internal_error"
)

// Error carries a taxonomy code alongside the underlying cause.
type Error struct {
	Code       Code
	Message    string
	RetryAfter time.Duration
	Err        error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Errf builds an Error with a formatted message.
func Errf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the taxonomy code from an error chain, defaulting to
// internal_error.
func CodeOf(err error) Code {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return CodeInternal
}

// HTTPStatus maps a code to the response status surfaced to callers.
func HTTPStatus(code Code) int {
	switch code {
	case CodeInvalidRequest, CodeUnknownCandidate:
		return http.StatusBadRequest
	case CodeRateLimited, CodeUpstreamRateLimit:
		return http.StatusTooManyRequests
	case CodeUpstreamFailed:
		return http.StatusBadGateway
	case CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
