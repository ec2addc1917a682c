package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"taskline/cmd/internal/metrics"
)

// Refresh sources, used as the metrics "source" label.
const (
	SourcePipeline  = "pipeline"
	SourceScheduler = "scheduler"
	SourceReconnect = "reconnect"
)

// Endpoint performs the refresh network call. *TokenClient implements it.
type Endpoint interface {
	Refresh(ctx context.Context, refreshToken string) (Tokens, error)
}

// Refresher is the one refresh operation shared by the request pipeline, the
// scheduler and the realtime channel. Every call goes through the Coordinator.
type Refresher struct {
	store    *Store
	coord    *Coordinator
	endpoint Endpoint

	log     *slog.Logger
	metrics *metrics.Metrics
	clock   clockwork.Clock
	skew    time.Duration
}

// RefresherOption configures a Refresher.
type RefresherOption func(*Refresher)

func WithRefresherLogger(log *slog.Logger) RefresherOption {
	return func(r *Refresher) {
		if log != nil {
			r.log = log
		}
	}
}

func WithRefresherMetrics(m *metrics.Metrics) RefresherOption {
	return func(r *Refresher) { r.metrics = m }
}

func WithRefresherClock(c clockwork.Clock) RefresherOption {
	return func(r *Refresher) {
		if c != nil {
			r.clock = c
		}
	}
}

// WithClockSkew sets the margin EnsureFresh treats as expired.
func WithClockSkew(d time.Duration) RefresherOption {
	return func(r *Refresher) {
		if d >= 0 {
			r.skew = d
		}
	}
}

// NewRefresher wires the refresh operation. coord may be shared with other
// refreshers; a nil coord gets a private one.
func NewRefresher(store *Store, coord *Coordinator, endpoint Endpoint, opts ...RefresherOption) *Refresher {
	if coord == nil {
		coord = NewCoordinator()
	}
	r := &Refresher{
		store:    store,
		coord:    coord,
		endpoint: endpoint,
		log:      slog.New(slog.DiscardHandler),
		clock:    clockwork.NewRealClock(),
		skew:     DefaultConfig().ClockSkew,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Coordinator returns the single-flight guard this refresher uses.
func (r *Refresher) Coordinator() *Coordinator { return r.coord }

// Refresh rotates the access token on behalf of a request that failed with
// staleToken. If the current token already differs from staleToken a newer
// token has won and is returned without a network call.
func (r *Refresher) Refresh(ctx context.Context, staleToken string) (string, error) {
	return r.refresh(ctx, SourcePipeline, staleToken)
}

// EnsureFresh refreshes only when the access token is expired or within the
// clock skew of expiry.
func (r *Refresher) EnsureFresh(ctx context.Context) error {
	sess, ok := r.store.Current()
	if !ok {
		return ErrNotLoggedIn
	}
	if sess.AccessToken != "" && r.clock.Now().Add(r.skew).Before(sess.AccessExpiresAt) {
		return nil
	}
	_, err := r.refresh(ctx, SourceReconnect, sess.AccessToken)
	return err
}

func (r *Refresher) superseded(staleToken string) (string, bool) {
	if staleToken == "" {
		return "", false
	}
	cur := r.store.AccessToken()
	if cur != "" && cur != staleToken {
		return cur, true
	}
	return "", false
}

func (r *Refresher) refresh(ctx context.Context, source, staleToken string) (string, error) {
	if cur, ok := r.superseded(staleToken); ok {
		return cur, nil
	}

	return r.coord.Do(ctx, func(ctx context.Context) (string, error) {
		// A refresh may have settled between the check above and leading.
		if cur, ok := r.superseded(staleToken); ok {
			return cur, nil
		}
		if !r.store.IsLoggedIn() {
			return "", ErrNotLoggedIn
		}
		gen := r.store.Generation()

		rt := r.refreshToken(ctx)
		if rt == "" {
			r.metrics.ObserveRefresh(source, "no_token")
			r.log.Info("session.refresh.skip", "source", source, "reason", "no_refresh_token")
			return "", ErrNoRefreshToken
		}

		tokens, err := r.endpoint.Refresh(ctx, rt)
		if err != nil {
			r.metrics.ObserveRefresh(source, "error")
			r.log.Warn("session.refresh.fail", "source", source, "err", err)
			return "", err
		}

		sess, err := r.store.applyRefresh(ctx, tokens, gen)
		if err != nil {
			r.metrics.ObserveRefresh(source, "discarded")
			r.log.Info("session.refresh.discard", "source", source, "err", err)
			return "", err
		}
		r.metrics.ObserveRefresh(source, "ok")
		r.log.Info("session.refresh.ok", "source", source, "access_expires_at", sess.AccessExpiresAt)
		return sess.AccessToken, nil
	})
}

// refreshToken prefers the credential store and falls back to memory.
func (r *Refresher) refreshToken(ctx context.Context) string {
	rt, err := r.store.Credentials().RefreshToken(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		r.log.Warn("session.credential.read.fail", "item", "refresh_token", "err", err)
	}
	if rt != "" {
		return rt
	}
	sess, _ := r.store.Current()
	return sess.RefreshToken
}
