package conn

import (
	"errors"
	"fmt"
)

// ErrNotConnected is returned by Send when no authenticated transport is
// open. The caller decides whether to retry.
var ErrNotConnected = errors.New("not connected")

// AuthError means the server rejected the session's identity. It ends the
// reconnect loop; retrying with the same credentials cannot succeed.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication rejected: %s", e.Reason)
}

// TransportError is a retryable network failure.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsAuthError reports whether err is, or wraps, an *AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}
