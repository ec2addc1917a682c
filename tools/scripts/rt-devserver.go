// Command rt-devserver is a local stand-in for the taskline backend. It
// serves the token endpoints, the project membership lookup and a realtime
// broker on one port, and publishes a demo event to every connected user on
// an interval.
//
//	go run ./tools/scripts/rt-devserver.go -addr 127.0.0.1:8080 -access-ttl 2m
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"taskline/cmd/internal/app"
	"taskline/cmd/internal/ids"
	"taskline/cmd/internal/realtime/realtimetest"
	v1 "taskline/shared/contracts/realtime/v1"
)

type grant struct {
	user    string
	expires time.Time
}

type tokenIssuer struct {
	accessTTL  time.Duration
	refreshTTL time.Duration

	mu      sync.Mutex
	access  map[string]grant
	refresh map[string]grant
	users   map[string]struct{}
}

func (t *tokenIssuer) issue(user string) map[string]any {
	now := time.Now().UTC()
	at, rt := "at_"+ids.MustULID(), "rt_"+ids.MustULID()

	t.mu.Lock()
	t.access[at] = grant{user: user, expires: now.Add(t.accessTTL)}
	t.refresh[rt] = grant{user: user, expires: now.Add(t.refreshTTL)}
	t.users[user] = struct{}{}
	t.mu.Unlock()

	return map[string]any{"session": map[string]any{
		"access_token":       at,
		"access_expires_at":  now.Add(t.accessTTL),
		"refresh_token":      rt,
		"refresh_expires_at": now.Add(t.refreshTTL),
	}}
}

// authorize is the broker's Authorizer.
func (t *tokenIssuer) authorize(token string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	g, ok := t.access[token]
	if !ok || time.Now().After(g.expires) {
		return "", false
	}
	return g.user, true
}

func (t *tokenIssuer) rotate(refreshToken string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	g, ok := t.refresh[refreshToken]
	if !ok || time.Now().After(g.expires) {
		return "", false
	}
	delete(t.refresh, refreshToken)
	return g.user, true
}

func (t *tokenIssuer) knownUsers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.users))
	for u := range t.users {
		out = append(out, u)
	}
	return out
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]string{"code": code, "message": msg}})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (t *tokenIssuer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Password == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "username or email and password are required")
		return
	}
	user := req.Username
	if user == "" {
		user, _, _ = strings.Cut(req.Email, "@")
	}
	if user == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "username or email and password are required")
		return
	}
	writeJSON(w, t.issue(user))
}

func (t *tokenIssuer) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	user, ok := t.rotate(req.RefreshToken)
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid_refresh_token", "refresh token is invalid or expired")
		return
	}
	writeJSON(w, t.issue(user))
}

func (t *tokenIssuer) handleMembership(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if _, ok := t.authorize(token); !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "access token is invalid or expired")
		return
	}
	writeJSON(w, map[string]string{"role": "member", "project_id": r.PathValue("id")})
}

func main() {
	var (
		addr       = flag.String("addr", "127.0.0.1:8080", "listen address")
		accessTTL  = flag.Duration("access-ttl", 2*time.Minute, "access token lifetime")
		refreshTTL = flag.Duration("refresh-ttl", 24*time.Hour, "refresh token lifetime")
		every      = flag.Duration("every", 10*time.Second, "demo event interval (0 disables)")
		level      = flag.String("log-level", "info", "log level")
	)
	flag.Parse()

	log := app.NewLogger(*level, "pretty", os.Stderr)

	issuer := &tokenIssuer{
		accessTTL:  *accessTTL,
		refreshTTL: *refreshTTL,
		access:     make(map[string]grant),
		refresh:    make(map[string]grant),
		users:      make(map[string]struct{}),
	}
	broker := realtimetest.New(
		realtimetest.WithAuthorizer(issuer.authorize),
		realtimetest.WithLogger(log),
	)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/login", issuer.handleLogin)
	mux.HandleFunc("POST /auth/refresh", issuer.handleRefresh)
	mux.HandleFunc("GET /projects/{id}/members/me", issuer.handleMembership)
	mux.Handle("/ws", broker)

	srv := &http.Server{
		Addr:              *addr,
		Handler:           app.WithRequestLogging(mux, log),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *every > 0 {
		go publishDemo(ctx, log, broker, issuer, *every)
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		broker.Kick()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("devserver.start", "addr", *addr, "access_ttl", accessTTL.String())
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("devserver.fail", "err", err)
		os.Exit(1)
	}
}

func publishDemo(ctx context.Context, log *slog.Logger, broker *realtimetest.Server, issuer *tokenIssuer, every time.Duration) {
	tick := time.NewTicker(every)
	defer tick.Stop()
	for n := 1; ; n++ {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
		for _, user := range issuer.knownUsers() {
			dest := v1.UserDestination(user, v1.ChannelNotifications)
			delivered, err := broker.Publish(dest, realtimetest.Event{
				ID:      ids.MustULID(),
				Type:    "demo.tick",
				Payload: map[string]int{"n": n},
			})
			if err != nil {
				log.Warn("devserver.publish.fail", "dest", dest, "err", err)
				continue
			}
			log.Debug("devserver.publish", "dest", dest, "delivered", delivered)
		}
	}
}
