package realtime

import (
	"context"
	"errors"
	"time"
)

var errHeartbeat = errors.New("realtime: heartbeat failed")

// heartbeat pings on every tick. It returns errHeartbeat after maxFailures
// consecutive failed pings, or nil once ctx is done.
func heartbeat(ctx context.Context, ticks <-chan time.Time, timeout time.Duration, maxFailures int,
	ping func(context.Context) error, onFail func(failures int, err error)) error {
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticks:
			pctx, cancel := context.WithTimeout(ctx, timeout)
			err := ping(pctx)
			cancel()

			if err == nil {
				failures = 0
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			failures++
			if onFail != nil {
				onFail(failures, err)
			}
			if failures >= maxFailures {
				return errHeartbeat
			}
		}
	}
}
