// Package realtimetest provides an in-process realtime v1 broker for tests
// and local development.
//
// The broker enforces the subprotocol, authorizes the handshake token,
// tracks subscriptions per connection, and lets a test publish events,
// drop every connection, or fail the next handshakes.
package realtimetest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/jonboulle/clockwork"

	"taskline/cmd/internal/ids"
	"taskline/cmd/internal/realtime/wsio"
	v1 "taskline/shared/contracts/realtime/v1"
)

const (
	defaultSendQueue    = 256
	defaultWriteTimeout = 5 * time.Second
)

// Authorizer maps a handshake token to a user id. An empty user id with
// ok=true admits the peer without per-user destination checks.
type Authorizer func(token string) (userID string, ok bool)

// AllowAny admits every non-empty token.
func AllowAny(token string) (string, bool) {
	return "", strings.TrimSpace(token) != ""
}

// StaticTokens admits exactly the given token -> user id pairs.
func StaticTokens(tokens map[string]string) Authorizer {
	return func(token string) (string, bool) {
		uid, ok := tokens[token]
		return uid, ok
	}
}

// Event is what a test publishes to a destination.
type Event struct {
	ID      string
	Type    string
	Payload any
}

// Option configures a Server.
type Option func(*Server)

func WithAuthorizer(a Authorizer) Option {
	return func(s *Server) {
		if a != nil {
			s.authorize = a
		}
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

func WithClock(clk clockwork.Clock) Option {
	return func(s *Server) {
		if clk != nil {
			s.clock = clk
		}
	}
}

// WithRateLimit caps inbound frames per connection. Exceeding it closes
// the connection with a policy violation.
func WithRateLimit(events int, window time.Duration) Option {
	return func(s *Server) {
		s.rateEvents = events
		s.rateWindow = window
	}
}

// Server is the broker. It implements http.Handler.
type Server struct {
	log       *slog.Logger
	authorize Authorizer
	clock     clockwork.Clock

	writeTimeout time.Duration
	sendQueue    int
	rateEvents   int
	rateWindow   time.Duration

	mu         sync.Mutex
	peers      map[*peer]struct{}
	reject     int
	handshakes int
	tokens     []string
	changed    chan struct{}
}

// New constructs a broker. Mount it with http.Handle or use Start.
func New(opts ...Option) *Server {
	s := &Server{
		log:          slog.New(slog.DiscardHandler),
		authorize:    AllowAny,
		clock:        clockwork.NewRealClock(),
		writeTimeout: defaultWriteTimeout,
		sendQueue:    defaultSendQueue,
		rateEvents:   defaultRateEvents,
		rateWindow:   defaultRateWindow,
		peers:        make(map[*peer]struct{}),
		changed:      make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Start serves a new broker on a loopback listener for the life of tb and
// returns it with its ws:// URL.
func Start(tb testing.TB, opts ...Option) (*Server, string) {
	tb.Helper()
	s := New(opts...)
	mux := http.NewServeMux()
	mux.Handle("/ws", s)
	ts := httptest.NewServer(mux)
	tb.Cleanup(func() {
		s.Kick()
		ts.Close()
	})
	return s, "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

// peer is one accepted connection.
// send is never closed so publishers cannot panic; done signals shutdown.
type peer struct {
	id     string
	userID string
	conn   *websocket.Conn
	send   chan v1.Envelope

	subs map[string]string // sub id -> destination, guarded by Server.mu

	done      chan struct{}
	closeOnce sync.Once
}

func (p *peer) close() {
	p.closeOnce.Do(func() { close(p.done) })
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.handshakes++
	if s.reject > 0 {
		s.reject--
		s.notifyLocked()
		s.mu.Unlock()
		s.log.Info("rt.reject.forced", "remote", r.RemoteAddr)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	s.notifyLocked()
	s.mu.Unlock()

	token := r.URL.Query().Get(v1.TokenQueryParam)
	userID, ok := s.authorize(token)
	if !ok {
		s.log.Info("rt.reject.unauthorized", "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{v1.Subprotocol},
	})
	if err != nil {
		s.log.Error("rt.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.CloseNow() }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		s.log.Info("rt.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}
	conn.SetReadLimit(wsio.MaxFrameBytes)

	p := &peer{
		id:     ids.MustULID(),
		userID: userID,
		conn:   conn,
		send:   make(chan v1.Envelope, s.sendQueue),
		subs:   make(map[string]string),
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	s.tokens = append(s.tokens, token)
	s.peers[p] = struct{}{}
	s.notifyLocked()
	s.mu.Unlock()
	s.log.Info("rt.connect", "peer_id", p.id, "user_id", userID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	shutdown := func(code websocket.StatusCode, reason string) {
		s.mu.Lock()
		if _, ok := s.peers[p]; ok {
			delete(s.peers, p)
			s.notifyLocked()
		}
		s.mu.Unlock()
		p.close()
		_ = conn.Close(code, reason)
		cancel()
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.done:
				return
			case env := <-p.send:
				if err := wsio.WriteEnvelope(ctx, conn, env, s.writeTimeout); err != nil {
					s.log.Info("rt.write.fail", "peer_id", p.id, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	rl := newRateLimiter(s.rateEvents, s.rateWindow)

readLoop:
	for {
		env, err := wsio.ReadEnvelope(ctx, conn)
		if err != nil {
			switch kind := wsio.ClassifyReadErr(err); kind {
			case wsio.ReadErrBadFrame:
				s.sendError(p, v1.ErrorCodeProtocol, "invalid frame")
				shutdown(websocket.StatusProtocolError, "bad frame")
			case wsio.ReadErrClose, wsio.ReadErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "peer closed")
			default:
				s.log.Info("rt.read.fail", "peer_id", p.id, "kind", kind.String(), "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
			}
			break readLoop
		}

		if !rl.Allow(s.clock.Now()) {
			s.sendError(p, v1.ErrorCodeProtocol, "too many frames")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}
		if err := env.Validate(); err != nil {
			s.sendError(p, v1.ErrorCodeProtocol, err.Error())
			continue
		}

		switch env.Type {
		case v1.TypeSubscribe:
			s.onSubscribe(p, env)
		case v1.TypeUnsubscribe:
			s.mu.Lock()
			if _, ok := p.subs[env.Sub]; ok {
				delete(p.subs, env.Sub)
				s.notifyLocked()
			}
			s.mu.Unlock()
		default:
			s.sendError(p, v1.ErrorCodeProtocol, fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	<-writerDone
	s.log.Info("rt.disconnect", "peer_id", p.id)
}

// onSubscribe records a subscription. Authenticated peers may only
// subscribe to their own user queues.
func (s *Server) onSubscribe(p *peer, env v1.Envelope) {
	if p.userID != "" && strings.HasPrefix(env.Dest, "/user/") &&
		!strings.HasPrefix(env.Dest, "/user/"+p.userID+"/") {
		s.sendError(p, v1.ErrorCodeForbidden, "destination belongs to another user")
		return
	}
	s.mu.Lock()
	p.subs[env.Sub] = env.Dest
	s.notifyLocked()
	s.mu.Unlock()
}

func (s *Server) sendError(p *peer, code, msg string) {
	raw, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	env := wsio.NewEnvelope(v1.TypeError, s.clock.Now().UTC())
	env.Payload = raw
	enqueue(p, env)
}

func enqueue(p *peer, env v1.Envelope) bool {
	select {
	case <-p.done:
		return false
	case p.send <- env:
		return true
	default:
		return false
	}
}

// notifyLocked wakes every waiter.
func (s *Server) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Server) waitFor(ctx context.Context, cond func() bool) error {
	for {
		s.mu.Lock()
		if cond() {
			s.mu.Unlock()
			return nil
		}
		ch := s.changed
		s.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Publish delivers ev to every subscription on dest and returns the number
// of frames queued.
func (s *Server) Publish(dest string, ev Event) (int, error) {
	var raw json.RawMessage
	if ev.Payload != nil {
		b, err := json.Marshal(ev.Payload)
		if err != nil {
			return 0, err
		}
		raw = b
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now().UTC()
	n := 0
	for p := range s.peers {
		for sub, d := range p.subs {
			if d != dest {
				continue
			}
			env := wsio.NewEnvelope(v1.TypeMessage, now)
			env.ID = ev.ID
			env.Dest = dest
			env.Sub = sub
			env.Event = ev.Type
			env.Payload = raw
			if enqueue(p, env) {
				n++
			}
		}
	}
	return n, nil
}

// SendError sends an error envelope with code to every connection.
func (s *Server) SendError(code, msg string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for p := range s.peers {
		raw, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
		env := wsio.NewEnvelope(v1.TypeError, s.clock.Now().UTC())
		env.Payload = raw
		if enqueue(p, env) {
			n++
		}
	}
	return n
}

// Kick drops every connection without a close handshake and returns how
// many were dropped.
func (s *Server) Kick() int {
	s.mu.Lock()
	peers := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	for _, p := range peers {
		_ = p.conn.CloseNow()
	}
	return len(peers)
}

// Reject makes the next n handshakes fail with 503.
func (s *Server) Reject(n int) {
	s.mu.Lock()
	s.reject = n
	s.mu.Unlock()
}

// Handshakes counts every upgrade request, rejected or not.
func (s *Server) Handshakes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handshakes
}

// Tokens lists the tokens of accepted handshakes in order.
func (s *Server) Tokens() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.tokens...)
}

func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// Subscribers counts live subscriptions on dest.
func (s *Server) Subscribers(dest string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribersLocked(dest)
}

func (s *Server) subscribersLocked(dest string) int {
	n := 0
	for p := range s.peers {
		for _, d := range p.subs {
			if d == dest {
				n++
			}
		}
	}
	return n
}

// WaitSubscribers blocks until dest has exactly n live subscriptions.
func (s *Server) WaitSubscribers(ctx context.Context, dest string, n int) error {
	return s.waitFor(ctx, func() bool { return s.subscribersLocked(dest) == n })
}

// WaitConnections blocks until exactly n connections are live.
func (s *Server) WaitConnections(ctx context.Context, n int) error {
	return s.waitFor(ctx, func() bool { return len(s.peers) == n })
}

// WaitHandshakes blocks until at least n upgrade requests arrived.
func (s *Server) WaitHandshakes(ctx context.Context, n int) error {
	return s.waitFor(ctx, func() bool { return s.handshakes >= n })
}
