package realtime

import (
	"time"

	"taskline/cmd/internal/ids"
)

// newSubID returns a ULID naming one wire subscription on one connection.
// The server echoes it on every message for that subscription.
func newSubID(now time.Time) string {
	id, err := ids.NewULID(now)
	if err != nil {
		return ids.MustULID()
	}
	return id
}

// newHandlerID returns the token behind a Subscription handle.
func newHandlerID() string {
	return ids.MustULID()
}
