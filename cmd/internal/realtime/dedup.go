package realtime

import "sync"

// dedupSet remembers recently seen event ids in arrival order.
type dedupSet struct {
	mu    sync.Mutex
	limit int
	seen  map[string]struct{}
	order []string
}

func newDedupSet(limit int) *dedupSet {
	if limit <= 0 {
		limit = dedupLimit
	}
	return &dedupSet{
		limit: limit,
		seen:  make(map[string]struct{}, limit+1),
		order: make([]string, 0, limit+1),
	}
}

// Observe records id and reports whether it was already seen.
// The empty id is never recorded and never a duplicate.
func (d *dedupSet) Observe(id string) (duplicate bool) {
	if id == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[id]; ok {
		return true
	}
	d.seen[id] = struct{}{}
	d.order = append(d.order, id)

	if len(d.order) > d.limit {
		drop := len(d.order) / 2
		for _, old := range d.order[:drop] {
			delete(d.seen, old)
		}
		d.order = append(d.order[:0], d.order[drop:]...)
	}
	return false
}

func (d *dedupSet) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.order)
}

func (d *dedupSet) Reset() {
	d.mu.Lock()
	d.seen = make(map[string]struct{}, d.limit+1)
	d.order = d.order[:0]
	d.mu.Unlock()
}
