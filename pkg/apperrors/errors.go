// Package apperrors defines the stable error taxonomy of the resolution core.
// Every error crossing a package boundary is either an *Error from this
// package or wraps one; transport layers map kinds to HTTP statuses.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies a stable error category. Kinds are part of the external
// contract; clients switch on exact spelling.
type Kind string

const (
	KindAuthMissing       Kind = "AUTH_MISSING"
	KindAuthInvalid       Kind = "AUTH_INVALID"
	KindAuthInactive      Kind = "AUTH_INACTIVE"
	KindRateLimited       Kind = "RATE_LIMITED"
	KindValidation        Kind = "VALIDATION"
	KindNotFound          Kind = "NOT_FOUND"
	KindBatchTooLarge     Kind = "BATCH_TOO_LARGE"
	KindBatchBackpressure Kind = "BATCH_BACKPRESSURE"
	KindTimeout           Kind = "TIMEOUT"
	KindUpstreamTimeout   Kind = "UPSTREAM_TIMEOUT"
	KindUnavailable       Kind = "UPSTREAM_UNAVAILABLE"
	KindInternal          Kind = "INTERNAL"
)

// Error is a classified error. RetryAfter is advisory and only set for
// admission-style denials (rate limiting, backpressure).
type Error struct {
	Kind    Kind    `json:"kind"`
	Message string  `json:"message"`
	Op      string  `json:"-"`
	// RetryAfter is seconds until a retry may succeed; zero means no hint.
	RetryAfter float64 `json:"retry_after,omitempty"`

	cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Kind, e.Op, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error {
	return e.cause
}

// WithOp annotates the error with the operation that produced it.
func (e *Error) WithOp(op string) *Error {
	e.Op = op
	return e
}

// WithRetryAfter attaches a retry hint in seconds.
func (e *Error) WithRetryAfter(seconds float64) *Error {
	e.RetryAfter = seconds
	return e
}

// New creates a classified error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error, preserving it for Unwrap. Returns nil
// when err is nil.
func Wrap(err error, kind Kind, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, cause: err}
}

// KindOf walks the error chain and returns the first classified kind, or
// KindInternal when none is found.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// RetryAfterOf returns the retry hint on the first classified error in the
// chain, or zero.
func RetryAfterOf(err error) float64 {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// Is enables errors.Is matching on bare kinds via sentinel comparison.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

// HTTPStatus maps a kind to the transport status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindAuthMissing, KindAuthInvalid:
		return http.StatusUnauthorized
	case KindAuthInactive:
		return http.StatusForbidden
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindBatchTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindBatchBackpressure, KindUnavailable:
		return http.StatusServiceUnavailable
	case KindTimeout, KindUpstreamTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// IsRetryable reports whether a caller may usefully retry the operation.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindRateLimited, KindBatchBackpressure, KindUpstreamTimeout, KindUnavailable:
		return true
	}
	return false
}

// IsRateLimited reports whether the chain contains a RATE_LIMITED error.
func IsRateLimited(err error) bool { return KindOf(err) == KindRateLimited }

// IsValidation reports whether the chain contains a VALIDATION error.
func IsValidation(err error) bool { return KindOf(err) == KindValidation }

// IsNotFound reports whether the chain contains a NOT_FOUND error.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsTimeout reports whether the chain contains a deadline or upstream
// timeout.
func IsTimeout(err error) bool {
	k := KindOf(err)
	return k == KindTimeout || k == KindUpstreamTimeout
}
