package realtime

import "time"

// Connection policy defaults. These bound resource use during long outages.
const (
	heartbeatInterval    = 25 * time.Second
	heartbeatTimeout     = 5 * time.Second
	maxHeartbeatFailures = 3

	reconnectBaseDelay   = 1 * time.Second
	reconnectMaxDelay    = 30 * time.Second
	maxReconnectAttempts = 10

	dialTimeout  = 10 * time.Second
	writeTimeout = 5 * time.Second

	// Seen event ids kept for dedup; the oldest half is dropped once exceeded.
	dedupLimit = 1000
)
