package app

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type readiness struct {
	Ready     bool   `json:"ready"`
	LoggedIn  bool   `json:"logged_in"`
	ExpiresAt string `json:"access_expires_at,omitempty"`
	Scheduler string `json:"scheduler"`
	NextFire  string `json:"next_refresh,omitempty"`
	Realtime  string `json:"realtime"`
	DB        string `json:"db,omitempty"`
}

// registerHTTP mounts the debug endpoints.
func (a *App) registerHTTP(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		rd := a.readiness(r)
		w.Header().Set("Content-Type", "application/json")
		if !rd.Ready {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(rd)
	})

	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry}))
}

// readiness requires an active session and, with the postgres backend, a
// reachable database. Realtime state is reported but does not gate: a
// reconnecting channel is expected to recover on its own.
func (a *App) readiness(r *http.Request) readiness {
	sess, loggedIn := a.sessions.Current()
	rd := readiness{
		LoggedIn:  loggedIn,
		Scheduler: a.scheduler.State().String(),
		Realtime:  a.channel.State().String(),
	}
	if loggedIn {
		rd.ExpiresAt = sess.AccessExpiresAt.UTC().Format(time.RFC3339)
	}
	if at, ok := a.scheduler.NextFire(); ok {
		rd.NextFire = at.UTC().Format(time.RFC3339)
	}

	dbOK := true
	if a.pool != nil {
		rd.DB = "ok"
		if err := PingDB(r.Context(), a.pool, 2*time.Second); err != nil {
			rd.DB = "unreachable"
			dbOK = false
			a.log.Info("readyz.db.not_ready", "err", err)
		}
	}

	rd.Ready = loggedIn && dbOK
	return rd
}
