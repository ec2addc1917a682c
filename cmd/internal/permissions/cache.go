// Package permissions caches the caller's role per project.
//
// Concurrent lookups for the same project share one request.
package permissions

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"taskline/cmd/internal/auth/session"
)

// Role is the caller's membership role in a project.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
	RoleViewer Role = "viewer"
	RoleNone   Role = ""
)

// CanEdit reports whether the role may change project content.
func (r Role) CanEdit() bool {
	return r == RoleOwner || r == RoleAdmin || r == RoleMember
}

// CanManage reports whether the role may change membership and settings.
func (r Role) CanManage() bool {
	return r == RoleOwner || r == RoleAdmin
}

// ErrEmptyProject is returned for a blank project id.
var ErrEmptyProject = errors.New("permissions: empty project id")

// JSONDoer is the slice of the request pipeline the cache needs.
type JSONDoer interface {
	JSON(ctx context.Context, method, path string, in, out any) error
}

type entry struct {
	role    Role
	fetched time.Time
}

// Cache holds roles for TTL and collapses concurrent misses per project.
type Cache struct {
	api   JSONDoer
	ttl   time.Duration
	clock clockwork.Clock

	group singleflight.Group

	mu      sync.Mutex
	entries map[string]entry
	// epoch invalidates fetches that started before Reset or Invalidate.
	epoch map[string]uint64
	reset uint64
}

var _ session.Listener = (*Cache)(nil)

// Option configures a Cache.
type Option func(*Cache)

func WithTTL(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.ttl = d
		}
	}
}

func WithClock(clk clockwork.Clock) Option {
	return func(c *Cache) {
		if clk != nil {
			c.clock = clk
		}
	}
}

// New constructs an empty cache over api.
func New(api JSONDoer, opts ...Option) *Cache {
	c := &Cache{
		api:     api,
		ttl:     5 * time.Minute,
		clock:   clockwork.NewRealClock(),
		entries: make(map[string]entry),
		epoch:   make(map[string]uint64),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

type memberResponse struct {
	Role Role `json:"role"`
}

// Role returns the caller's role in projectID, fetching
// GET /projects/{id}/members/me on a miss.
func (c *Cache) Role(ctx context.Context, projectID string) (Role, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return RoleNone, ErrEmptyProject
	}

	c.mu.Lock()
	if e, ok := c.entries[projectID]; ok && c.clock.Since(e.fetched) < c.ttl {
		c.mu.Unlock()
		return e.role, nil
	}
	epoch := c.epoch[projectID]
	reset := c.reset
	c.mu.Unlock()

	ch := c.group.DoChan(projectID, func() (any, error) {
		var out memberResponse
		path := "projects/" + url.PathEscape(projectID) + "/members/me"
		if err := c.api.JSON(context.WithoutCancel(ctx), http.MethodGet, path, nil, &out); err != nil {
			return RoleNone, err
		}

		c.mu.Lock()
		if c.epoch[projectID] == epoch && c.reset == reset {
			c.entries[projectID] = entry{role: out.Role, fetched: c.clock.Now()}
		}
		c.mu.Unlock()
		return out.Role, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return RoleNone, res.Err
		}
		return res.Val.(Role), nil
	case <-ctx.Done():
		return RoleNone, ctx.Err()
	}
}

// Invalidate drops the cached role for projectID.
func (c *Cache) Invalidate(projectID string) {
	c.mu.Lock()
	delete(c.entries, projectID)
	c.epoch[projectID]++
	c.mu.Unlock()
	c.group.Forget(projectID)
}

// Reset drops every cached role.
func (c *Cache) Reset() {
	c.mu.Lock()
	c.entries = make(map[string]entry)
	c.epoch = make(map[string]uint64)
	c.reset++
	c.mu.Unlock()
}

// SessionUpdated implements session.Listener. Roles survive token rotation.
func (c *Cache) SessionUpdated(session.Session) {}

// SessionCleared implements session.Listener.
func (c *Cache) SessionCleared() { c.Reset() }
