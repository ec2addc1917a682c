package realtimetest

import "time"

const (
	defaultRateEvents = 120
	defaultRateWindow = 10 * time.Second
)

// rateLimiter is a per-connection sliding-window limiter. It is only used
// from the connection's read loop.
type rateLimiter struct {
	events []time.Time
	limit  int
	window time.Duration
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	if limit <= 0 {
		limit = defaultRateEvents
	}
	if window <= 0 {
		window = defaultRateWindow
	}
	return &rateLimiter{
		events: make([]time.Time, 0, limit+8),
		limit:  limit,
		window: window,
	}
}

// Allow reports whether a frame at now fits the window, recording it if so.
func (r *rateLimiter) Allow(now time.Time) bool {
	cut := now.Add(-r.window)
	i := 0
	for i < len(r.events) && !r.events[i].After(cut) {
		i++
	}
	r.events = append(r.events[:0], r.events[i:]...)

	if len(r.events) >= r.limit {
		return false
	}
	r.events = append(r.events, now)
	return true
}
