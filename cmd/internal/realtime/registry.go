package realtime

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	v1 "taskline/shared/contracts/realtime/v1"
)

// Event is one inbound message as handed to feature code.
type Event struct {
	ID          string
	Type        string
	Destination string
	Timestamp   time.Time
	Payload     json.RawMessage
}

// Handler receives events. Handlers run on the channel's read goroutine and
// should return quickly.
type Handler func(Event)

// Subscription identifies one registered handler. The zero value is inert.
type Subscription struct {
	key string
	id  string
}

// Valid reports whether s was returned by a registration.
func (s Subscription) Valid() bool { return s.id != "" }

const (
	userKeyPrefix  = "user:"
	groupKeyPrefix = "group:"
)

func userKey(channel string) string  { return userKeyPrefix + channel }
func groupKey(groupID string) string { return groupKeyPrefix + groupID }

// destination maps a registry key to its wire destination for userID.
func destination(key, userID string) string {
	if ch, ok := strings.CutPrefix(key, userKeyPrefix); ok {
		return v1.UserDestination(userID, ch)
	}
	if gid, ok := strings.CutPrefix(key, groupKeyPrefix); ok {
		return v1.GroupDestination(gid)
	}
	return ""
}

type handlerEntry struct {
	id string
	fn Handler
}

// registry holds ordered handler lists per key. It survives reconnects and
// Disconnect; only Close drops it.
type registry struct {
	mu       sync.RWMutex
	handlers map[string][]handlerEntry
	groups   map[string]struct{}
}

func newRegistry() *registry {
	return &registry{
		handlers: make(map[string][]handlerEntry),
		groups:   make(map[string]struct{}),
	}
}

func (r *registry) add(key string, fn Handler) Subscription {
	id := newHandlerID()
	r.mu.Lock()
	r.handlers[key] = append(r.handlers[key], handlerEntry{id: id, fn: fn})
	if strings.HasPrefix(key, groupKeyPrefix) {
		r.groups[key] = struct{}{}
	}
	r.mu.Unlock()
	return Subscription{key: key, id: id}
}

// remove drops one handler. It reports whether the handler was present.
func (r *registry) remove(sub Subscription) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.handlers[sub.key]
	for i, e := range list {
		if e.id != sub.id {
			continue
		}
		list = append(list[:i:i], list[i+1:]...)
		if len(list) == 0 {
			delete(r.handlers, sub.key)
		} else {
			r.handlers[sub.key] = list
		}
		return true
	}
	return false
}

// dropGroup removes every handler and the wire interest for a group key.
func (r *registry) dropGroup(key string) {
	r.mu.Lock()
	delete(r.handlers, key)
	delete(r.groups, key)
	r.mu.Unlock()
}

// snapshot returns a copy of the handlers for key in registration order.
func (r *registry) snapshot(key string) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := r.handlers[key]
	out := make([]Handler, len(list))
	for i, e := range list {
		out[i] = e.fn
	}
	return out
}

// desired lists the keys a fresh connection subscribes: the well-known user
// channels, any other registered user channel, and every registered group.
func (r *registry) desired() []string {
	keys := []string{
		userKey(v1.ChannelNotifications),
		userKey(v1.ChannelTaskUpdates),
		userKey(v1.ChannelProjectUpdates),
	}
	seen := map[string]struct{}{keys[0]: {}, keys[1]: {}, keys[2]: {}}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for k := range r.handlers {
		if _, ok := seen[k]; ok || !strings.HasPrefix(k, userKeyPrefix) {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	for k := range r.groups {
		keys = append(keys, k)
	}
	return keys
}

func (r *registry) clear() {
	r.mu.Lock()
	r.handlers = make(map[string][]handlerEntry)
	r.groups = make(map[string]struct{})
	r.mu.Unlock()
}
