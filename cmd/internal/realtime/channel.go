// Package realtime is the reconnecting publish/subscribe client for the
// taskline realtime protocol (v1).
//
// A Channel authenticates with the current access token at handshake time,
// subscribes the user's well-known channels plus any registered group topics,
// drops duplicate event ids, and reconnects with capped exponential backoff.
// After MaxReconnectAttempts failed reconnects it stays Disconnected until
// Connect is called again.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
	"github.com/jonboulle/clockwork"

	"taskline/cmd/internal/metrics"
	"taskline/cmd/internal/realtime/wsio"
	v1 "taskline/shared/contracts/realtime/v1"
)

var (
	ErrNoToken      = errors.New("realtime: no access token")
	ErrNoUser       = errors.New("realtime: empty user id")
	ErrClosed       = errors.New("realtime: channel closed")
	ErrDisconnected = errors.New("realtime: disconnected while connecting")
	ErrSubprotocol  = errors.New("realtime: server did not select " + v1.Subprotocol)

	errBackpressure = errors.New("realtime: send queue full")
)

// DialError is a failed handshake. Status is the HTTP status when the server
// answered, or 0 for transport failures.
type DialError struct {
	Status int
	Err    error
}

func (e *DialError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("realtime: dial: status %d: %v", e.Status, e.Err)
	}
	return fmt.Sprintf("realtime: dial: %v", e.Err)
}

func (e *DialError) Unwrap() error { return e.Err }

// TokenReader supplies the access token at handshake time.
// credential.Store satisfies it.
type TokenReader interface {
	Token(ctx context.Context) (string, error)
}

// TokenFreshener is consulted before every reconnect so a token that expired
// while offline is renewed before the handshake.
type TokenFreshener interface {
	EnsureFresh(ctx context.Context) error
}

// Config is the channel's connection policy.
type Config struct {
	URL string

	HeartbeatInterval    time.Duration
	HeartbeatTimeout     time.Duration
	MaxHeartbeatFailures int

	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int

	DialTimeout  time.Duration
	WriteTimeout time.Duration
	SendQueue    int

	DedupLimit int
}

func DefaultConfig() Config {
	return Config{
		URL:                  "ws://localhost:8080/ws",
		HeartbeatInterval:    heartbeatInterval,
		HeartbeatTimeout:     heartbeatTimeout,
		MaxHeartbeatFailures: maxHeartbeatFailures,
		ReconnectBaseDelay:   reconnectBaseDelay,
		ReconnectMaxDelay:    reconnectMaxDelay,
		MaxReconnectAttempts: maxReconnectAttempts,
		DialTimeout:          dialTimeout,
		WriteTimeout:         writeTimeout,
		SendQueue:            64,
		DedupLimit:           dedupLimit,
	}
}

func (cfg Config) withDefaults() Config {
	d := DefaultConfig()
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = d.HeartbeatInterval
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if cfg.MaxHeartbeatFailures <= 0 {
		cfg.MaxHeartbeatFailures = d.MaxHeartbeatFailures
	}
	if cfg.ReconnectBaseDelay <= 0 {
		cfg.ReconnectBaseDelay = d.ReconnectBaseDelay
	}
	if cfg.ReconnectMaxDelay <= 0 {
		cfg.ReconnectMaxDelay = d.ReconnectMaxDelay
	}
	if cfg.MaxReconnectAttempts < 0 {
		cfg.MaxReconnectAttempts = 0
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = d.DialTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = d.WriteTimeout
	}
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = d.SendQueue
	}
	if cfg.DedupLimit <= 0 {
		cfg.DedupLimit = d.DedupLimit
	}
	return cfg
}

// Option configures a Channel.
type Option func(*Channel)

func WithClock(clk clockwork.Clock) Option {
	return func(c *Channel) {
		if clk != nil {
			c.clock = clk
		}
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(c *Channel) {
		if log != nil {
			c.log = log
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Channel) { c.metrics = m }
}

func WithFreshener(f TokenFreshener) Option {
	return func(c *Channel) { c.fresh = f }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Channel) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// Channel is a reconnecting realtime client. It is safe for concurrent use.
type Channel struct {
	cfg        Config
	url        *url.URL
	tokens     TokenReader
	fresh      TokenFreshener
	clock      clockwork.Clock
	log        *slog.Logger
	metrics    *metrics.Metrics
	httpClient *http.Client

	reg   *registry
	dedup *dedupSet

	// life bounds reconnect work; Close cancels it.
	life       context.Context
	lifeCancel context.CancelFunc

	mu       sync.Mutex
	state    State
	userID   string
	epoch    uint64
	attempts int
	bo       *backoff.ExponentialBackOff
	timer    clockwork.Timer
	conn     *connection
	closed   bool
}

// connection is one live websocket and the wire subscriptions made on it.
// subs and routes are guarded by Channel.mu.
type connection struct {
	ws     *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	userID string
	send   chan v1.Envelope

	subs   map[string]string // destination -> sub id
	routes map[string]string // destination -> registry key
}

// New constructs a disconnected channel.
func New(cfg Config, tokens TokenReader, opts ...Option) (*Channel, error) {
	u, err := url.Parse(strings.TrimSpace(cfg.URL))
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("realtime: invalid url %q", cfg.URL)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return nil, fmt.Errorf("realtime: unsupported url scheme %q", u.Scheme)
	}
	if tokens == nil {
		return nil, errors.New("realtime: nil token reader")
	}
	cfg = cfg.withDefaults()

	c := &Channel{
		cfg:        cfg,
		url:        u,
		tokens:     tokens,
		clock:      clockwork.NewRealClock(),
		log:        slog.New(slog.DiscardHandler),
		httpClient: http.DefaultClient,
		reg:        newRegistry(),
		dedup:      newDedupSet(cfg.DedupLimit),
		state:      StateDisconnected,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.bo = newReconnectBackOff(cfg.ReconnectBaseDelay, cfg.ReconnectMaxDelay)
	c.life, c.lifeCancel = context.WithCancel(context.Background())
	c.metrics.SetRealtimeState(float64(StateDisconnected))
	return c, nil
}

// newReconnectBackOff yields base, 2*base, 4*base ... capped at maxDelay, without jitter.
func newReconnectBackOff(base, maxDelay time.Duration) *backoff.ExponentialBackOff {
	return backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(base),
		backoff.WithMultiplier(2),
		backoff.WithRandomizationFactor(0),
		backoff.WithMaxInterval(maxDelay),
		backoff.WithMaxElapsedTime(0),
	)
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) IsConnected() bool { return c.State() == StateConnected }

func (c *Channel) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.state = s
	c.metrics.SetRealtimeState(float64(s))
}

// Connect opens the channel for userID. It is a no-op while the channel is
// connecting, connected, or waiting to reconnect.
//
// The first attempt's error is returned. Unless the token was missing or ctx
// was canceled, the reconnect machine is engaged as well; later failures
// are only visible through State.
func (c *Channel) Connect(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ErrNoUser
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.userID = userID
	c.epoch++
	epoch := c.epoch
	c.attempts = 0
	c.bo.Reset()
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	return c.establish(ctx, epoch, false)
}

// establish runs one handshake for epoch and installs the connection.
func (c *Channel) establish(ctx context.Context, epoch uint64, reconnect bool) error {
	token, err := c.tokens.Token(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		c.log.Warn("realtime.credential.read.fail", "err", err)
	}
	if token == "" {
		c.mu.Lock()
		if c.epoch == epoch {
			c.setStateLocked(StateDisconnected)
		}
		c.mu.Unlock()
		c.log.Info("realtime.connect.skip", "reason", "no_token", "reconnect", reconnect)
		return ErrNoToken
	}

	ws, err := c.dial(ctx, token)
	if err != nil {
		c.mu.Lock()
		if c.epoch == epoch && !c.closed {
			if !reconnect && ctx.Err() != nil {
				c.setStateLocked(StateDisconnected)
			} else {
				c.scheduleReconnectLocked("dial", err)
			}
		}
		c.mu.Unlock()
		c.log.Info("realtime.connect.fail", "reconnect", reconnect, "err", err)
		return err
	}

	cctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.epoch != epoch || c.closed {
		c.mu.Unlock()
		cancel()
		_ = ws.Close(websocket.StatusNormalClosure, "superseded")
		return ErrDisconnected
	}
	cn := &connection{
		ws:     ws,
		ctx:    cctx,
		cancel: cancel,
		userID: c.userID,
		send:   make(chan v1.Envelope, c.cfg.SendQueue),
		subs:   make(map[string]string),
		routes: make(map[string]string),
	}
	c.conn = cn
	c.attempts = 0
	c.bo.Reset()
	c.setStateLocked(StateConnected)
	keys := c.reg.desired()
	for _, key := range keys {
		c.subscribeLocked(cn, key)
	}
	c.mu.Unlock()

	go c.writeLoop(cn)
	go c.readLoop(cn)
	go c.heartbeatLoop(cn)

	c.log.Info("realtime.connect.ok", "user_id", cn.userID, "host", c.url.Host, "subscriptions", len(keys), "reconnect", reconnect)
	return nil
}

func (c *Channel) dial(ctx context.Context, token string) (*websocket.Conn, error) {
	u := *c.url
	q := u.Query()
	q.Set(v1.TokenQueryParam, token)
	u.RawQuery = q.Encode()

	dctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	ws, resp, err := websocket.Dial(dctx, u.String(), &websocket.DialOptions{
		HTTPClient:   c.httpClient,
		Subprotocols: []string{v1.Subprotocol},
	})
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
			if resp.Body != nil {
				_ = resp.Body.Close()
			}
		}
		return nil, &DialError{Status: status, Err: err}
	}
	if sp := ws.Subprotocol(); sp != v1.Subprotocol {
		_ = ws.Close(websocket.StatusProtocolError, "subprotocol required")
		return nil, ErrSubprotocol
	}
	ws.SetReadLimit(wsio.MaxFrameBytes)
	return ws, nil
}

// scheduleReconnectLocked arms the next reconnect, or gives up once the
// attempt budget is spent.
func (c *Channel) scheduleReconnectLocked(reason string, cause error) {
	c.cancelTimerLocked()
	if c.closed {
		c.setStateLocked(StateDisconnected)
		return
	}
	if c.attempts >= c.cfg.MaxReconnectAttempts {
		c.setStateLocked(StateDisconnected)
		c.log.Warn("realtime.reconnect.give_up", "attempts", c.attempts, "reason", reason, "err", cause)
		return
	}

	delay := c.bo.NextBackOff()
	c.attempts++
	c.setStateLocked(StateReconnecting)
	epoch := c.epoch
	c.timer = c.clock.AfterFunc(delay, func() { c.reconnect(epoch) })
	c.log.Info("realtime.reconnect.scheduled",
		"attempt", c.attempts,
		"delay_ms", delay.Milliseconds(),
		"reason", reason,
		"err", cause,
	)
}

func (c *Channel) cancelTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Channel) reconnect(epoch uint64) {
	c.mu.Lock()
	// A Disconnect or Connect may have raced the timer.
	if c.closed || c.epoch != epoch || c.state != StateReconnecting {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.setStateLocked(StateConnecting)
	attempt := c.attempts
	c.mu.Unlock()

	c.metrics.ObserveReconnect()
	c.log.Info("realtime.reconnect.attempt", "attempt", attempt)

	if c.fresh != nil {
		if err := c.fresh.EnsureFresh(c.life); err != nil {
			c.log.Warn("realtime.token.refresh.fail", "attempt", attempt, "err", err)
		}
	}
	_ = c.establish(c.life, epoch, true)
}

// fail tears down cn after a failure signal and engages reconnect. Signals
// from a connection that is no longer current are ignored.
func (c *Channel) fail(cn *connection, reason string, cause error) {
	c.mu.Lock()
	if c.conn != cn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	cn.cancel()
	c.scheduleReconnectLocked(reason, cause)
	c.mu.Unlock()

	_ = cn.ws.CloseNow()
}

// Disconnect unsubscribes, closes the connection normally, cancels any
// pending reconnect, and resets counters and the dedup set. Registered
// handlers are kept for the next Connect.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.epoch++
	c.cancelTimerLocked()
	cn := c.conn
	c.conn = nil
	c.attempts = 0
	c.bo.Reset()
	prev := c.state
	c.setStateLocked(StateDisconnected)
	if cn != nil {
		for _, sub := range cn.subs {
			env := wsio.NewEnvelope(v1.TypeUnsubscribe, c.clock.Now().UTC())
			env.Sub = sub
			if !c.enqueueLocked(cn, env) {
				break
			}
		}
		// The writer drains the queue, then sends the close frame.
		close(cn.send)
	}
	c.mu.Unlock()

	c.dedup.Reset()
	if prev != StateDisconnected {
		c.log.Info("realtime.disconnect", "prev_state", prev.String())
	}
}

// Close disconnects and disposes the channel. Handlers are dropped and
// later Connect calls return ErrClosed.
func (c *Channel) Close() error {
	c.Disconnect()
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.reg.clear()
	c.lifeCancel()
	return nil
}

// On registers h for a per-user channel such as v1.ChannelNotifications.
func (c *Channel) On(channel string, h Handler) Subscription {
	channel = strings.TrimSpace(channel)
	if channel == "" || h == nil {
		return Subscription{}
	}
	key := userKey(channel)
	sub := c.reg.add(key, h)

	c.mu.Lock()
	if cn := c.conn; cn != nil {
		c.subscribeLocked(cn, key)
	}
	c.mu.Unlock()
	return sub
}

// Off removes one handler. It reports whether the handler was registered.
// Wire subscriptions stay in place.
func (c *Channel) Off(sub Subscription) bool {
	if !sub.Valid() {
		return false
	}
	return c.reg.remove(sub)
}

// SubscribeToGroup registers h for a group's message topic and subscribes
// it now if connected. The group is re-subscribed after every reconnect.
func (c *Channel) SubscribeToGroup(groupID string, h Handler) Subscription {
	groupID = strings.TrimSpace(groupID)
	if groupID == "" || h == nil {
		return Subscription{}
	}
	key := groupKey(groupID)
	sub := c.reg.add(key, h)

	c.mu.Lock()
	if cn := c.conn; cn != nil {
		c.subscribeLocked(cn, key)
	}
	c.mu.Unlock()
	return sub
}

// UnsubscribeFromGroup drops every handler for groupID and its wire subscription.
func (c *Channel) UnsubscribeFromGroup(groupID string) {
	groupID = strings.TrimSpace(groupID)
	if groupID == "" {
		return
	}
	key := groupKey(groupID)
	c.reg.dropGroup(key)

	c.mu.Lock()
	defer c.mu.Unlock()
	cn := c.conn
	if cn == nil {
		return
	}
	dest := destination(key, cn.userID)
	sub, ok := cn.subs[dest]
	if !ok {
		return
	}
	delete(cn.subs, dest)
	delete(cn.routes, dest)
	env := wsio.NewEnvelope(v1.TypeUnsubscribe, c.clock.Now().UTC())
	env.Sub = sub
	c.enqueueLocked(cn, env)
}

// subscribeLocked queues a subscribe frame unless the destination is
// already subscribed on cn.
func (c *Channel) subscribeLocked(cn *connection, key string) {
	dest := destination(key, cn.userID)
	if dest == "" {
		return
	}
	if _, ok := cn.subs[dest]; ok {
		return
	}
	now := c.clock.Now().UTC()
	sub := newSubID(now)
	cn.subs[dest] = sub
	cn.routes[dest] = key

	env := wsio.NewEnvelope(v1.TypeSubscribe, now)
	env.Dest = dest
	env.Sub = sub
	c.enqueueLocked(cn, env)
}

// enqueueLocked never blocks. A full queue fails the connection.
func (c *Channel) enqueueLocked(cn *connection, env v1.Envelope) bool {
	select {
	case cn.send <- env:
		return true
	default:
		go c.fail(cn, "backpressure", errBackpressure)
		return false
	}
}

func (c *Channel) writeLoop(cn *connection) {
	for {
		select {
		case <-cn.ctx.Done():
			return
		case env, ok := <-cn.send:
			if !ok {
				_ = cn.ws.Close(websocket.StatusNormalClosure, "bye")
				cn.cancel()
				return
			}
			if err := wsio.WriteEnvelope(cn.ctx, cn.ws, env, c.cfg.WriteTimeout); err != nil {
				c.fail(cn, "write", err)
				return
			}
		}
	}
}

func (c *Channel) readLoop(cn *connection) {
	for {
		env, err := wsio.ReadEnvelope(cn.ctx, cn.ws)
		if err != nil {
			kind := wsio.ClassifyReadErr(err)
			if kind == wsio.ReadErrBadFrame {
				c.metrics.ObserveEvent("bad_frame")
				c.log.Info("realtime.read.bad_frame", "err", err)
				continue
			}
			c.fail(cn, "read_"+kind.String(), err)
			return
		}
		if err := env.Validate(); err != nil {
			c.metrics.ObserveEvent("bad_frame")
			c.log.Info("realtime.read.bad_envelope", "err", err)
			continue
		}

		switch env.Type {
		case v1.TypeMessage:
			c.deliver(cn, env)
		case v1.TypeError:
			p := decodeErrorPayload(env.Payload)
			c.log.Warn("realtime.server.error", "code", p.Code, "message", p.Message)
			if p.Code == v1.ErrorCodeProtocol || p.Code == v1.ErrorCodeUnauthorized {
				c.fail(cn, "server_"+p.Code, errors.New(p.Message))
				return
			}
		}
	}
}

func (c *Channel) deliver(cn *connection, env v1.Envelope) {
	c.mu.Lock()
	current := c.conn == cn
	key, routed := cn.routes[env.Dest]
	c.mu.Unlock()
	if !current {
		return
	}

	if c.dedup.Observe(env.ID) {
		c.metrics.ObserveEvent("duplicate")
		c.log.Debug("realtime.event.duplicate", "event_id", env.ID, "dest", env.Dest)
		return
	}

	var handlers []Handler
	if routed {
		handlers = c.reg.snapshot(key)
	}
	if len(handlers) == 0 {
		c.metrics.ObserveEvent("unrouted")
		return
	}

	ev := Event{
		ID:          env.ID,
		Type:        env.Event,
		Destination: env.Dest,
		Timestamp:   env.TS,
		Payload:     env.Payload,
	}
	for _, h := range handlers {
		c.invoke(h, ev)
	}
	c.metrics.ObserveEvent("delivered")
}

func decodeErrorPayload(raw json.RawMessage) v1.ErrorPayload {
	var p v1.ErrorPayload
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &p)
	}
	return p
}

func (c *Channel) invoke(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("realtime.handler.panic", "dest", ev.Destination, "event_id", ev.ID, "panic", r)
		}
	}()
	h(ev)
}

func (c *Channel) heartbeatLoop(cn *connection) {
	t := c.clock.NewTicker(c.cfg.HeartbeatInterval)
	defer t.Stop()

	err := heartbeat(cn.ctx, t.Chan(), c.cfg.HeartbeatTimeout, c.cfg.MaxHeartbeatFailures, cn.ws.Ping,
		func(failures int, err error) {
			c.log.Info("realtime.ping.fail", "failures", failures, "err", err)
		})
	if err != nil {
		c.fail(cn, "heartbeat", err)
	}
}
