// Package auth defines the authentication contract the gateway delegates
// token validation to.
package auth

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnauthorized indicates authentication failed or no valid credentials were supplied.
var ErrUnauthorized = errors.New("unauthorized")

// ErrTokenExpired indicates the supplied token was once valid but has expired.
// It wraps ErrUnauthorized so callers checking the broad class still match.
var ErrTokenExpired = fmt.Errorf("token expired: %w", ErrUnauthorized)

// UserInfo represents an authenticated principal.
// Implementations should be lightweight and safe for concurrent use.
type UserInfo interface {
	// UserID returns the unique identifier for the user.
	UserID() string
	// Claims unmarshals the user's claims into the provided struct reference.
	Claims(ref any) error
}

// Authenticator validates bearer tokens and returns associated user info.
// It should return ErrUnauthorized for invalid credentials and
// ErrTokenExpired for credentials that are merely stale.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, tok string) (UserInfo, error)
}
