package session

import (
	"errors"
	"fmt"

	"metamcp/internal/pool"
)

// AuthMissingError means the request carried no X-API-Key/Authorization
// header at all.
type AuthMissingError struct{}

func (e *AuthMissingError) Error() string { return "missing API key" }

// AuthInvalidError means the presented API key failed repository validation.
type AuthInvalidError struct{}

func (e *AuthInvalidError) Error() string { return "invalid API key" }

// SessionUnknownError means the session id in the request does not exist
// (expired, reaped, or never created).
type SessionUnknownError struct {
	SessionID string
}

func (e *SessionUnknownError) Error() string {
	return fmt.Sprintf("unknown session %q", e.SessionID)
}

// SessionMismatchError means the session exists but belongs to a different
// API key or namespace than the caller presented.
type SessionMismatchError struct {
	SessionID string
}

func (e *SessionMismatchError) Error() string {
	return fmt.Sprintf("session %q does not belong to this API key", e.SessionID)
}

// InvalidRequestError is a generic 400: a required query param or header
// was missing or malformed.
type InvalidRequestError struct {
	Reason string
}

func (e *InvalidRequestError) Error() string { return e.Reason }

// retryAfterSeconds is the suggested wait before retrying a request that
// failed with 503 due to a saturated pool.
const retryAfterSeconds = 5

// httpStatusFor maps the error kinds above to HTTP status codes, plus a
// wrapped *pool.ResourceLimitError surfaced when every server a session's
// tool list could reach was blocked by the global or per-key connection cap
// (aggregate.listTools propagates one of these instead of silently dropping
// it when no server in the namespace could be reached at all). Most other
// aggregate-package errors never reach here: they are reported as MCP-level
// tool results, not Go errors.
func httpStatusFor(err error) int {
	var (
		authMissing  *AuthMissingError
		authInvalid  *AuthInvalidError
		mismatch     *SessionMismatchError
		unknown      *SessionUnknownError
		invalidReq   *InvalidRequestError
		resourceFull *pool.ResourceLimitError
	)

	switch {
	case errors.As(err, &authMissing), errors.As(err, &authInvalid):
		return 401
	case errors.As(err, &mismatch):
		return 403
	case errors.As(err, &unknown):
		return 404
	case errors.As(err, &invalidReq):
		return 400
	case errors.As(err, &resourceFull):
		return 503
	default:
		return 500
	}
}
