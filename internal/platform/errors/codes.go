// Package errors provides structured error handling for the court service.
package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// CodeValidation indicates malformed or missing input.
	CodeValidation Code = "VALIDATION"

	// CodeUnauthenticated indicates a missing or invalid access token.
	CodeUnauthenticated Code = "UNAUTHENTICATED"

	// CodeForbidden indicates the caller is not a party to the session or
	// was denied by the risk gate.
	CodeForbidden Code = "FORBIDDEN"

	// CodeNotFound indicates an unknown session or resolution id.
	CodeNotFound Code = "NOT_FOUND"

	// CodeActiveSessionExists indicates a create collided with an existing
	// active session for the same couple.
	CodeActiveSessionExists Code = "ACTIVE_SESSION_EXISTS"

	// CodePreconditionFailed indicates the session is in the wrong phase or
	// the caller raced on a stale version.
	CodePreconditionFailed Code = "PRECONDITION_FAILED"

	// CodeMustMatchLockedOption indicates the partner locked a resolution
	// and the caller picked a different one.
	CodeMustMatchLockedOption Code = "MUST_MATCH_LOCKED_OPTION"

	// CodeLockContention indicates a distributed lock is held elsewhere or
	// the coordination service is unreachable. Lock-protected mutations
	// fail closed with this code.
	CodeLockContention Code = "LOCK_CONTENTION"

	// CodeUpstreamFailure indicates the verdict generator exhausted its
	// retry budget.
	CodeUpstreamFailure Code = "UPSTREAM_FAILURE"

	// CodeRateLimited indicates the per-connection rate limit was exceeded.
	CodeRateLimited Code = "RATE_LIMITED"

	// CodeTimeout is an internal scheduling signal. It is never surfaced to
	// users as an error; timeouts present as phase transitions.
	CodeTimeout Code = "TIMEOUT"
)

// HTTPStatus maps domain codes to HTTP status codes for the JSON surface.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeActiveSessionExists, CodeMustMatchLockedOption:
		return http.StatusConflict
	case CodePreconditionFailed:
		return http.StatusPreconditionFailed
	case CodeLockContention:
		return http.StatusLocked
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeUpstreamFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether clients may safely retry an action rejected
// with this code without changing it first.
func (c Code) Retryable() bool {
	switch c {
	case CodeLockContention, CodeUpstreamFailure, CodeRateLimited:
		return true
	default:
		return false
	}
}
