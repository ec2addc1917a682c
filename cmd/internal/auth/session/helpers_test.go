package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"taskline/cmd/internal/credential"
)

var testStart = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

type fakeEndpoint struct {
	mu      sync.Mutex
	calls   int
	seen    []string
	release chan struct{}
	next    func(n int) (Tokens, error)
}

func (f *fakeEndpoint) Refresh(ctx context.Context, refreshToken string) (Tokens, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.seen = append(f.seen, refreshToken)
	release := f.release
	f.mu.Unlock()

	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return Tokens{}, ctx.Err()
		}
	}
	return f.next(n)
}

func (f *fakeEndpoint) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingListener struct {
	mu      sync.Mutex
	updated []Session
	cleared int
}

func (l *recordingListener) SessionUpdated(s Session) {
	l.mu.Lock()
	l.updated = append(l.updated, s)
	l.mu.Unlock()
}

func (l *recordingListener) SessionCleared() {
	l.mu.Lock()
	l.cleared++
	l.mu.Unlock()
}

func timePtr(t time.Time) *time.Time { return &t }

type harness struct {
	clock    *clockwork.FakeClock
	creds    *credential.MemoryStore
	store    *Store
	endpoint *fakeEndpoint
	ref      *Refresher
}

func newHarness(t *testing.T, next func(n int) (Tokens, error)) *harness {
	t.Helper()
	clk := clockwork.NewFakeClockAt(testStart)
	creds := credential.NewMemoryStore()
	store := NewStore(creds, nil, WithClock(clk))
	ep := &fakeEndpoint{next: next}
	ref := NewRefresher(store, NewCoordinator(), ep, WithRefresherClock(clk))
	return &harness{clock: clk, creds: creds, store: store, endpoint: ep, ref: ref}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
