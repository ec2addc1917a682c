package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// SchedulerState is the proactive refresh state machine.
type SchedulerState int

const (
	StateIdle SchedulerState = iota
	StateScheduled
	StateFiring
)

func (s SchedulerState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScheduled:
		return "scheduled"
	case StateFiring:
		return "firing"
	default:
		return "unknown"
	}
}

// Scheduler owns the single timer that refreshes the access token Lead before
// it expires. It listens to the Store: every login or refresh reschedules and
// logout stops it.
type Scheduler struct {
	store     *Store
	refresher *Refresher
	clock     clockwork.Clock
	lead      time.Duration
	log       *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	state SchedulerState
	timer clockwork.Timer
	due   time.Time
	// gen invalidates callbacks that lost a race with Stop or Schedule.
	gen uint64
	// immediate counts back-to-back fire-now refreshes.
	immediate int
}

// maxImmediateRefreshes stops a server that issues tokens shorter than the
// lead from driving a tight refresh loop. The reactive path takes over.
const maxImmediateRefreshes = 3

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

func WithSchedulerClock(c clockwork.Clock) SchedulerOption {
	return func(s *Scheduler) {
		if c != nil {
			s.clock = c
		}
	}
}

func WithSchedulerLogger(log *slog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if log != nil {
			s.log = log
		}
	}
}

// WithLead overrides the default 5 minute lead.
func WithLead(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d >= 0 {
			s.lead = d
		}
	}
}

// NewScheduler constructs an idle scheduler and registers it on store.
func NewScheduler(store *Store, refresher *Refresher, opts ...SchedulerOption) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		store:     store,
		refresher: refresher,
		clock:     clockwork.NewRealClock(),
		lead:      DefaultConfig().RefreshLead,
		log:       slog.New(slog.DiscardHandler),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	store.Watch(s)
	return s
}

// SessionUpdated implements Listener.
func (s *Scheduler) SessionUpdated(sess Session) {
	s.Schedule(sess.AccessExpiresAt)
}

// SessionCleared implements Listener.
func (s *Scheduler) SessionCleared() {
	s.Stop()
}

// State reports the current state.
func (s *Scheduler) State() SchedulerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// NextFire returns when the armed timer is due.
func (s *Scheduler) NextFire() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateScheduled {
		return time.Time{}, false
	}
	return s.due, true
}

// Schedule cancels any armed timer and arms one at expiresAt minus the lead.
// A delay at or below zero refreshes immediately.
func (s *Scheduler) Schedule(expiresAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx.Err() != nil {
		return
	}
	s.cancelLocked()
	gen := s.gen
	sessGen := s.store.Generation()

	delay := expiresAt.Sub(s.clock.Now()) - s.lead
	if delay <= 0 {
		s.immediate++
		if s.immediate > maxImmediateRefreshes {
			s.state = StateIdle
			s.log.Warn("session.scheduler.short_ttl", "access_expires_at", expiresAt, "lead", s.lead)
			return
		}
		s.state = StateFiring
		s.log.Info("session.scheduler.fire_now", "access_expires_at", expiresAt)
		go s.fire(gen, sessGen)
		return
	}

	s.immediate = 0
	s.state = StateScheduled
	s.due = s.clock.Now().Add(delay)
	s.timer = s.clock.AfterFunc(delay, func() { s.fire(gen, sessGen) })
	s.log.Debug("session.scheduler.armed", "due", s.due, "delay", delay)
}

// Stop cancels the timer. A callback that already started observes the bumped
// generation and does nothing.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked()
	s.immediate = 0
	s.state = StateIdle
}

// Close stops the scheduler permanently. Later session updates are ignored.
func (s *Scheduler) Close() {
	s.Stop()
	s.cancel()
}

func (s *Scheduler) cancelLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.due = time.Time{}
	s.gen++
}

func (s *Scheduler) fire(gen, sessGen uint64) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	// Second guard: the session itself must be the one we scheduled for.
	if !s.store.IsLoggedIn() || s.store.Generation() != sessGen {
		s.state = StateIdle
		s.timer = nil
		s.mu.Unlock()
		return
	}
	s.state = StateFiring
	s.timer = nil
	s.mu.Unlock()

	// On success the Store notifies SessionUpdated, which re-arms the timer.
	_, err := s.refresher.refresh(s.ctx, SourceScheduler, "")

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return
	}
	s.state = StateIdle
	switch {
	case err == nil:
	case errors.Is(err, ErrNoRefreshToken):
		s.log.Info("session.scheduler.idle", "reason", "no_refresh_token")
	default:
		s.log.Warn("session.scheduler.refresh.fail", "err", err)
	}
}
