package identity

import (
	"context"
	"errors"
)

// Identity is the authenticated principal behind a connection. It is
// produced once per connection by a Verifier and never changes afterwards.
type Identity struct {
	ID     string
	Name   string
	Grants RoleSet
}

// Verifier maps an opaque credential to a stable identity. Implementations
// may block (remote lookups), so callers must not hold registry locks
// while verifying.
type Verifier interface {
	Verify(ctx context.Context, credential string) (*Identity, error)
}

// AuthError is connection-fatal: the caller is expected to close the
// connection after receiving one.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return "authentication failed: " + e.Reason + ": " + e.Err.Error()
	}
	return "authentication failed: " + e.Reason
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// IsAuthError reports whether err is (or wraps) an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}
