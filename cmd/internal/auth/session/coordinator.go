package session

import (
	"context"
	"errors"
	"sync"
)

// ErrRefreshFailed is delivered to waiters when a refresh settles without a token.
var ErrRefreshFailed = errors.New("refresh failed")

// Coordinator guarantees at most one refresh in flight. The caller that wins
// StartRefresh performs the network call and must Complete; everyone else
// Subscribes and observes the same outcome.
type Coordinator struct {
	mu         sync.Mutex
	refreshing bool
	waiters    []func(token string, err error)
}

// NewCoordinator returns an idle coordinator.
func NewCoordinator() *Coordinator {
	return &Coordinator{}
}

func (c *Coordinator) IsRefreshing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshing
}

// StartRefresh marks a refresh in flight and clears prior subscribers.
// It returns false if another refresh is already in flight.
func (c *Coordinator) StartRefresh() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.refreshing {
		return false
	}
	c.refreshing = true
	c.waiters = nil
	return true
}

// Subscribe registers fn for the in-flight refresh. It returns false, without
// registering, when nothing is in flight.
func (c *Coordinator) Subscribe(fn func(token string, err error)) bool {
	if fn == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.refreshing {
		return false
	}
	c.waiters = append(c.waiters, fn)
	return true
}

// Complete settles the in-flight refresh. An empty token is always a failure.
// Waiters run on the calling goroutine after the state is reset.
func (c *Coordinator) Complete(token string, err error) {
	if token == "" && err == nil {
		err = ErrRefreshFailed
	}
	if err != nil {
		token = ""
	}

	c.mu.Lock()
	waiters := c.waiters
	c.waiters = nil
	c.refreshing = false
	c.mu.Unlock()

	for _, w := range waiters {
		w(token, err)
	}
}

type refreshResult struct {
	token string
	err   error
}

// Do joins the in-flight refresh or leads a new one by running fn exactly once.
// A waiter whose ctx ends returns early without disturbing the leader. The
// leader's fn runs detached from ctx cancellation so one impatient caller
// cannot fail everyone else.
func (c *Coordinator) Do(ctx context.Context, fn func(context.Context) (string, error)) (string, error) {
	c.mu.Lock()
	if !c.refreshing {
		c.refreshing = true
		c.waiters = nil
		c.mu.Unlock()
		return c.lead(ctx, fn)
	}
	ch := make(chan refreshResult, 1)
	c.waiters = append(c.waiters, func(token string, err error) {
		ch <- refreshResult{token: token, err: err}
	})
	c.mu.Unlock()

	select {
	case r := <-ch:
		return r.token, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (c *Coordinator) lead(ctx context.Context, fn func(context.Context) (string, error)) (string, error) {
	completed := false
	defer func() {
		// fn panicked: release the waiters before the panic propagates.
		if !completed {
			c.Complete("", ErrRefreshFailed)
		}
	}()

	token, err := fn(context.WithoutCancel(ctx))
	if token == "" && err == nil {
		err = ErrRefreshFailed
	}
	if err != nil {
		token = ""
	}
	completed = true
	c.Complete(token, err)
	return token, err
}
