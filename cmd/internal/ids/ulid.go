// Package ids provides ID primitives used across the client: ULIDs for
// subscription tokens and request ids, UUIDs for the persistent device id.
package ids

import (
	"crypto/rand"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewULID returns a new ULID string (26 chars).
// ULIDs are lexicographically sortable, which keeps log correlation readable.
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// MustULID is NewULID for call sites that cannot surface an error.
// crypto/rand failure is unrecoverable, so it panics.
func MustULID() string {
	id, err := NewULID(time.Now().UTC())
	if err != nil {
		panic(err)
	}
	return id
}

// NewDeviceID returns a random (v4) UUID identifying this installation.
func NewDeviceID() string {
	return uuid.NewString()
}

// ValidDeviceID reports whether s parses as a UUID.
func ValidDeviceID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
