// Package wsio reads and writes realtime v1 envelopes on a websocket.Conn.
//
// It is shared by the client channel and the in-process test broker so both
// sides agree on framing and error classification.
package wsio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/coder/websocket"

	v1 "taskline/shared/contracts/realtime/v1"
)

// MaxFrameBytes is the hard read limit per frame.
const MaxFrameBytes = 64 << 10 // 64 KiB

// ErrBadFrame wraps frames that are not a decodable envelope.
var ErrBadFrame = errors.New("wsio: bad frame")

// ReadEnvelope reads one frame and decodes it. Decode failures wrap
// ErrBadFrame; transport failures are returned as-is.
func ReadEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("%w: message type %v", ErrBadFrame, mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	return env, nil
}

// WriteEnvelope encodes env and writes it as a text frame within timeout.
func WriteEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ReadErrKind classifies a ReadEnvelope failure.
type ReadErrKind uint8

const (
	ReadErrUnknown ReadErrKind = iota
	ReadErrClose
	ReadErrCtxDone
	ReadErrConnClosed
	ReadErrBadFrame
)

func (k ReadErrKind) String() string {
	switch k {
	case ReadErrClose:
		return "close"
	case ReadErrCtxDone:
		return "ctx_done"
	case ReadErrConnClosed:
		return "conn_closed"
	case ReadErrBadFrame:
		return "bad_frame"
	default:
		return "unknown"
	}
}

// ClassifyReadErr maps a read error to a ReadErrKind.
func ClassifyReadErr(err error) ReadErrKind {
	if errors.Is(err, ErrBadFrame) {
		return ReadErrBadFrame
	}
	if websocket.CloseStatus(err) != -1 {
		return ReadErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ReadErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return ReadErrConnClosed
	}
	return ReadErrUnknown
}

// NewEnvelope stamps a server-or-client envelope with the protocol version.
func NewEnvelope(typ string, ts time.Time) v1.Envelope {
	return v1.Envelope{V: v1.Version, Type: typ, TS: ts}
}
