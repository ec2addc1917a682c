package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"

	"taskline/cmd/internal/credential"
)

// ErrSessionChanged is returned when a refresh result arrives for a session
// that has since been replaced or cleared.
var ErrSessionChanged = errors.New("session changed during refresh")

// Session is the authenticated state owned by the Store.
//
// If AccessToken is set, AccessExpiresAt is a valid timestamp. A past value
// means the token needs a refresh now.
type Session struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// Tokens is a login or token endpoint result before defaults are applied.
type Tokens struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  *time.Time
	RefreshExpiresAt *time.Time
}

// Listener observes session mutations. Callbacks run synchronously inside the
// mutating call, in mutation order, and must not mutate the Store themselves.
type Listener interface {
	SessionUpdated(Session)
	SessionCleared()
}

// Store is the single source of truth for the current access token.
// Reads are in-memory and never block on I/O.
type Store struct {
	cfg   Config
	creds credential.Store
	log   *slog.Logger
	clock clockwork.Clock

	// wmu serializes mutations so persistence and notification follow one order.
	wmu sync.Mutex

	mu       sync.RWMutex
	sess     Session
	loggedIn bool
	gen      uint64

	lmu       sync.Mutex
	listeners []Listener
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithConfig overrides DefaultConfig.
func WithConfig(cfg Config) StoreOption {
	return func(s *Store) { s.cfg = cfg }
}

// WithClock sets the time source used for default expiries.
func WithClock(c clockwork.Clock) StoreOption {
	return func(s *Store) {
		if c != nil {
			s.clock = c
		}
	}
}

// NewStore constructs an empty, logged-out Store over creds.
func NewStore(creds credential.Store, log *slog.Logger, opts ...StoreOption) *Store {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	s := &Store{
		cfg:   DefaultConfig(),
		creds: creds,
		log:   log,
		clock: clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Credentials returns the backing credential store.
func (s *Store) Credentials() credential.Store { return s.creds }

// Watch registers l for every subsequent mutation.
func (s *Store) Watch(l Listener) {
	if l == nil {
		return
	}
	s.lmu.Lock()
	s.listeners = append(s.listeners, l)
	s.lmu.Unlock()
}

func (s *Store) snapshotListeners() []Listener {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	out := make([]Listener, len(s.listeners))
	copy(out, s.listeners)
	return out
}

func (s *Store) notifyUpdated(sess Session) {
	for _, l := range s.snapshotListeners() {
		l.SessionUpdated(sess)
	}
}

func (s *Store) notifyCleared() {
	for _, l := range s.snapshotListeners() {
		l.SessionCleared()
	}
}

// Restore rebuilds in-memory state from the credential store. A missing or
// unparsable access expiry is treated as already expired.
func (s *Store) Restore(ctx context.Context) (Session, bool) {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	access := s.readCred(ctx, "access_token", s.creds.Token)
	refresh := s.readCred(ctx, "refresh_token", s.creds.RefreshToken)
	if access == "" && refresh == "" {
		return Session{}, false
	}

	now := s.clock.Now()
	sess := Session{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  s.readExpiry(ctx, credential.KeyAccessExpiresAt, now),
		RefreshExpiresAt: s.readExpiry(ctx, credential.KeyRefreshExpiresAt, time.Time{}),
	}
	if sess.RefreshExpiresAt.IsZero() {
		sess.RefreshExpiresAt = now.Add(s.cfg.DefaultRefreshTTL)
	}

	s.mu.Lock()
	s.sess = sess
	s.loggedIn = true
	s.gen++
	s.mu.Unlock()

	s.log.Info("session.restore", "access_expires_at", sess.AccessExpiresAt, "has_refresh", refresh != "")
	s.notifyUpdated(sess)
	return sess, true
}

func (s *Store) readCred(ctx context.Context, name string, get func(context.Context) (string, error)) string {
	v, err := get(ctx)
	if err != nil {
		s.log.Warn("session.credential.read.fail", "item", name, "err", err)
		return ""
	}
	return v
}

func (s *Store) readExpiry(ctx context.Context, key string, fallback time.Time) time.Time {
	raw, err := s.creds.Item(ctx, key)
	if err != nil {
		s.log.Warn("session.credential.read.fail", "item", key, "err", err)
		return fallback
	}
	t, err := credential.ParseTime(raw)
	if err != nil || t.IsZero() {
		return fallback
	}
	return t
}

// Login records a fresh session, replacing any previous one.
func (s *Store) Login(ctx context.Context, t Tokens) (Session, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	if t.AccessToken == "" {
		return Session{}, ErrEmptyAccessToken
	}
	sess := s.resolve(t, "")
	s.commit(ctx, sess)
	s.log.Info("session.login", "access_expires_at", sess.AccessExpiresAt, "refresh_expires_at", sess.RefreshExpiresAt)
	s.notifyUpdated(sess)
	return sess, nil
}

// ApplyRefresh records a token endpoint result. The previous refresh token is
// kept when the endpoint did not rotate it.
func (s *Store) ApplyRefresh(ctx context.Context, t Tokens) (Session, error) {
	return s.applyRefresh(ctx, t, 0)
}

// applyRefresh rejects the result when gen is non-zero and no longer current.
func (s *Store) applyRefresh(ctx context.Context, t Tokens, gen uint64) (Session, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	if t.AccessToken == "" {
		return Session{}, ErrEmptyAccessToken
	}

	s.mu.RLock()
	loggedIn, cur, prev := s.loggedIn, s.gen, s.sess
	s.mu.RUnlock()
	if !loggedIn {
		return Session{}, ErrNotLoggedIn
	}
	if gen != 0 && gen != cur {
		return Session{}, ErrSessionChanged
	}

	sess := s.resolve(t, prev.RefreshToken)
	if t.RefreshToken == "" && t.RefreshExpiresAt == nil {
		sess.RefreshExpiresAt = prev.RefreshExpiresAt
	}
	s.commit(ctx, sess)
	s.log.Info("session.refresh.applied", "access_expires_at", sess.AccessExpiresAt, "rotated", t.RefreshToken != "")
	s.notifyUpdated(sess)
	return sess, nil
}

// resolve applies expiry defaults. prevRefresh is kept if t carries none.
func (s *Store) resolve(t Tokens, prevRefresh string) Session {
	now := s.clock.Now()
	sess := Session{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
	}
	if sess.RefreshToken == "" {
		sess.RefreshToken = prevRefresh
	}

	switch {
	case t.AccessExpiresAt != nil && !t.AccessExpiresAt.IsZero():
		sess.AccessExpiresAt = t.AccessExpiresAt.UTC()
	case s.cfg.ExpiryFromClaims:
		if exp, ok := expiryFromClaims(t.AccessToken); ok {
			sess.AccessExpiresAt = exp
			break
		}
		sess.AccessExpiresAt = now.Add(s.cfg.DefaultAccessTTL)
	default:
		sess.AccessExpiresAt = now.Add(s.cfg.DefaultAccessTTL)
	}

	if t.RefreshExpiresAt != nil && !t.RefreshExpiresAt.IsZero() {
		sess.RefreshExpiresAt = t.RefreshExpiresAt.UTC()
	} else {
		sess.RefreshExpiresAt = now.Add(s.cfg.DefaultRefreshTTL)
	}
	return sess
}

// expiryFromClaims reads the exp claim without verifying the signature; the
// value only schedules a refresh and grants nothing.
func expiryFromClaims(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.UTC(), true
}

// commit persists sess (log-and-continue) and then publishes it in memory.
func (s *Store) commit(ctx context.Context, sess Session) {
	writes := []struct {
		item string
		fn   func() error
	}{
		{"access_token", func() error { return s.creds.SetToken(ctx, sess.AccessToken) }},
		{"refresh_token", func() error { return s.creds.SetRefreshToken(ctx, sess.RefreshToken) }},
		{credential.KeyAccessExpiresAt, func() error {
			return s.creds.SetItem(ctx, credential.KeyAccessExpiresAt, credential.FormatTime(sess.AccessExpiresAt))
		}},
		{credential.KeyRefreshExpiresAt, func() error {
			return s.creds.SetItem(ctx, credential.KeyRefreshExpiresAt, credential.FormatTime(sess.RefreshExpiresAt))
		}},
	}
	for _, w := range writes {
		if err := w.fn(); err != nil {
			s.log.Warn("session.credential.write.fail", "item", w.item, "err", err)
		}
	}

	s.mu.Lock()
	s.sess = sess
	s.loggedIn = true
	s.gen++
	s.mu.Unlock()
}

// Logout clears memory, notifies listeners (the Scheduler cancels its timer
// here), then clears the credential store. Memory is cleared even when the
// credential store fails.
func (s *Store) Logout(ctx context.Context) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	s.mu.Lock()
	was := s.loggedIn
	s.sess = Session{}
	s.loggedIn = false
	s.gen++
	s.mu.Unlock()

	s.notifyCleared()

	err := s.creds.ClearAll(ctx)
	if err != nil {
		s.log.Warn("session.credential.clear.fail", "err", err)
	}
	if was {
		s.log.Info("session.logout")
	}
	return err
}

// Current returns a copy of the session and whether one is active.
func (s *Store) Current() (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sess, s.loggedIn
}

// AccessToken returns the current access token or "".
func (s *Store) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sess.AccessToken
}

// IsLoggedIn reports whether a session is active.
func (s *Store) IsLoggedIn() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loggedIn
}

// AccessExpiresAt returns the access expiry, or the zero time when logged out.
func (s *Store) AccessExpiresAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sess.AccessExpiresAt
}

// Generation increments on every mutation. Timers compare it at fire time.
func (s *Store) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gen
}
