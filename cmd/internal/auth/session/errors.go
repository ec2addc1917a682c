package session

import (
	"errors"
	"fmt"
)

var (
	// ErrNoRefreshToken is returned when a refresh is requested but no refresh token is stored.
	ErrNoRefreshToken = errors.New("no refresh token")

	// ErrNotLoggedIn is returned by operations that require an active session.
	ErrNotLoggedIn = errors.New("not logged in")

	// ErrEmptyAccessToken is returned when the token endpoint or a login omits the access token.
	ErrEmptyAccessToken = errors.New("empty access token")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid config")
)

// TokenError is a non-2xx response from the token endpoint.
type TokenError struct {
	Status  int
	Code    string
	Message string
}

func (e *TokenError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("token endpoint: status %d", e.Status)
	}
	return fmt.Sprintf("token endpoint: status %d: %s", e.Status, e.Code)
}

// Unauthorized reports whether the endpoint rejected the refresh token itself.
func (e *TokenError) Unauthorized() bool {
	return e.Status == 401 || e.Status == 403
}
