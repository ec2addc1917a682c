// Package credential provides the opaque key/value credential store consumed by
// the session and realtime layers.
//
// The store persists the access token, the refresh token and a handful of
// string items (expiry timestamps, device id). Values are opaque strings; a
// missing value is reported as "" with a nil error.
//
// Callers treat storage failures as non-fatal: they log and continue, and read
// failures are never escalated to the user.
package credential

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Well-known item keys.
const (
	KeyAccessExpiresAt  = "access_expires_at"
	KeyRefreshExpiresAt = "refresh_expires_at"
	KeyDeviceID         = "device_id"
)

// Reserved keys used by backends that store tokens as ordinary items.
const (
	keyAccessToken  = "access_token"
	keyRefreshToken = "refresh_token"
)

var (
	// ErrClosed is returned by a store that has been closed.
	ErrClosed = errors.New("credential: store closed")

	// ErrDecrypt is returned when an encrypted store cannot be opened with the given passphrase.
	ErrDecrypt = errors.New("credential: decrypt failed")

	// ErrInvalidKey is returned for empty or reserved item keys.
	ErrInvalidKey = errors.New("credential: invalid key")
)

// Store is the credential persistence contract.
type Store interface {
	Token(ctx context.Context) (string, error)
	SetToken(ctx context.Context, token string) error

	RefreshToken(ctx context.Context) (string, error)
	SetRefreshToken(ctx context.Context, token string) error

	Item(ctx context.Context, key string) (string, error)
	SetItem(ctx context.Context, key, value string) error

	// ClearAll removes every entry, including items.
	ClearAll(ctx context.Context) error
}

// FormatTime encodes an expiry timestamp for storage as an item.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseTime decodes an item written by FormatTime. Empty input yields the zero time.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

func validateItemKey(key string) error {
	key = strings.TrimSpace(key)
	if key == "" || key == keyAccessToken || key == keyRefreshToken {
		return ErrInvalidKey
	}
	return nil
}
