// Package v1 defines the taskline Realtime Protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between the client channel and the dev broker to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is negotiated during the WebSocket handshake.
const Subprotocol = "taskline.realtime.v1"

// TokenQueryParam carries the access token at handshake time.
// The token is not re-sent for the lifetime of a connection.
const TokenQueryParam = "access_token"

// Type constants (wire-stable).
const (
	// TypeSubscribe attaches the connection to a destination (client -> server).
	TypeSubscribe = "subscribe"
	// TypeUnsubscribe detaches a subscription by id (client -> server).
	TypeUnsubscribe = "unsubscribe"

	// TypeMessage delivers one event published to a destination (server -> client).
	TypeMessage = "message"

	// TypeError reports a protocol or authorization failure (server -> client).
	TypeError = "error"
)

// Well-known per-user channels.
const (
	ChannelNotifications  = "notifications"
	ChannelTaskUpdates    = "task-updates"
	ChannelProjectUpdates = "project-updates"
)

// Error codes a server may send in an ErrorPayload.
const (
	ErrorCodeUnauthorized = "unauthorized"
	ErrorCodeProtocol     = "protocol"
	ErrorCodeForbidden    = "forbidden"
)

// Envelope is the canonical wire wrapper.
//
// For TypeMessage, ID is the event id used for client-side deduplication and
// Event is the event type; both may be empty.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Dest    string          `json:"dest,omitempty"`
	Sub     string          `json:"sub,omitempty"`
	Event   string          `json:"event,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
