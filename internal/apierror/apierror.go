// Package apierror defines the stable error taxonomy surfaced to clients.
// Every denial carries one of these codes plus a short user-safe message;
// internal detail stays in logs.
package apierror

import (
	"errors"
	"net/http"
	"time"
)

// Stable error codes. These are part of the client contract and must not change.
const (
	CodeInvalidTokenFormat = "INVALID_TOKEN_FORMAT"
	CodeTokenExpired       = "TOKEN_EXPIRED"
	CodeTokenRevoked       = "TOKEN_REVOKED"
	CodeTokenReplay        = "TOKEN_REPLAY"
	CodeEmailNotVerified   = "EMAIL_NOT_VERIFIED"
	CodeSessionTooOld      = "SESSION_TOO_OLD"

	CodeNoAuthCookie              = "NO_AUTH_COOKIE"
	CodeInvalidAuthToken          = "INVALID_AUTH_TOKEN"
	CodeTokenNearExpiry           = "TOKEN_NEAR_EXPIRY"
	CodeCrossDomainSessionExpired = "CROSS_DOMAIN_SESSION_EXPIRED"

	CodeSessionNotFound                = "SESSION_NOT_FOUND"
	CodeSessionExpired                 = "SESSION_EXPIRED"
	CodeSessionValidationFailed        = "SESSION_VALIDATION_FAILED"
	CodeConcurrentSessionLimitExceeded = "CONCURRENT_SESSION_LIMIT_EXCEEDED"

	CodeRateLimitExceeded            = "RATE_LIMIT_EXCEEDED"
	CodeIPLocked                     = "IP_LOCKED"
	CodeConcurrentValidationDetected = "CONCURRENT_VALIDATION_DETECTED"
	CodeTransactionConflict          = "TRANSACTION_CONFLICT"

	CodeInsufficientPrivileges = "INSUFFICIENT_PRIVILEGES"
	CodeUserIDMismatch         = "USER_ID_MISMATCH"
	CodeUsageLimitExceeded     = "USAGE_LIMIT_EXCEEDED"

	CodeCSRFTokenMismatch = "CSRF_TOKEN_MISMATCH"
	CodeMethodNotAllowed  = "METHOD_NOT_ALLOWED"
	CodeValidationFailed  = "VALIDATION_FAILED"
	CodeDuplicate         = "DUPLICATE"
	CodeSystemUnavailable = "SYSTEM_UNAVAILABLE"
)

// Error is a client-visible error with a stable code and HTTP status.
type Error struct {
	Code       string
	Message    string
	Status     int
	RetryAfter time.Duration // zero when not applicable
	ResetAt    time.Time     // zero when not applicable
	cause      error         // internal detail, never serialized
}

// New returns an Error with the given code, HTTP status, and user-safe message.
func New(code string, status int, message string) *Error {
	return &Error{Code: code, Message: message, Status: status}
}

// Error implements the error interface. Returns the user-safe message only.
func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Code
}

// Unwrap exposes the internal cause for errors.Is/As; the cause is never sent to clients.
func (e *Error) Unwrap() error { return e.cause }

// WithCause attaches an internal cause for logging. Returns e for chaining.
func (e *Error) WithCause(err error) *Error {
	e.cause = err
	return e
}

// WithRetryAfter sets the Retry-After hint. Returns e for chaining.
func (e *Error) WithRetryAfter(d time.Duration, resetAt time.Time) *Error {
	e.RetryAfter = d
	e.ResetAt = resetAt
	return e
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Code == e.Code
	}
	return false
}

// From converts any error to an *Error. Non-taxonomy errors become SYSTEM_UNAVAILABLE
// with the original error kept as internal cause (fail closed).
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return New(CodeSystemUnavailable, http.StatusInternalServerError, "service temporarily unavailable").WithCause(err)
}

// Common constructors for codes raised from more than one place.

// InvalidTokenFormat rejects malformed bearer tokens.
func InvalidTokenFormat() *Error {
	return New(CodeInvalidTokenFormat, http.StatusUnauthorized, "invalid token")
}

// TokenReplay rejects a second use of a single-use token.
func TokenReplay() *Error {
	return New(CodeTokenReplay, http.StatusUnauthorized, "token already used")
}

// SessionNotFound rejects handles with no backing session record.
func SessionNotFound() *Error {
	return New(CodeSessionNotFound, http.StatusUnauthorized, "session not found")
}

// SessionExpired rejects sessions past their lifetime or already invalidated.
func SessionExpired() *Error {
	return New(CodeSessionExpired, http.StatusUnauthorized, "session expired")
}

// RateLimited rejects requests over the admission bound.
func RateLimited(retryAfter time.Duration, resetAt time.Time) *Error {
	return New(CodeRateLimitExceeded, http.StatusTooManyRequests, "rate limit exceeded").
		WithRetryAfter(retryAfter, resetAt)
}

// IPLocked rejects requests from a locked-out source.
func IPLocked(retryAfter time.Duration, resetAt time.Time) *Error {
	return New(CodeIPLocked, http.StatusTooManyRequests, "too many failed attempts").
		WithRetryAfter(retryAfter, resetAt)
}

// SystemUnavailable wraps an unrecoverable store or provider error (fail closed).
func SystemUnavailable(cause error) *Error {
	return New(CodeSystemUnavailable, http.StatusInternalServerError, "service temporarily unavailable").WithCause(cause)
}
