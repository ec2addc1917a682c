// Package app wires the taskline client runtime: config, logging, the
// session and realtime layers, and the debug HTTP server.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/oauth2"

	"taskline/cmd/internal/auth/session"
	"taskline/cmd/internal/credential"
	"taskline/cmd/internal/httpapi"
	"taskline/cmd/internal/ids"
	"taskline/cmd/internal/metrics"
	"taskline/cmd/internal/permissions"
	"taskline/cmd/internal/realtime"
	v1 "taskline/shared/contracts/realtime/v1"
)

// App is the client runtime. It owns every long-lived component and their
// shutdown order.
type App struct {
	cfg Config
	log Logger

	registry *prometheus.Registry
	metrics  *metrics.Metrics

	pool     *pgxpool.Pool
	creds    credential.Store
	deviceID string

	sessions  *session.Store
	tokens    *session.TokenClient
	refresher *session.Refresher
	scheduler *session.Scheduler
	api       *httpapi.Client
	perms     *permissions.Cache
	channel   *realtime.Channel

	closeOnce sync.Once
}

// New constructs a fully wired App. It opens the credential backend but does
// not restore the session or touch the network; Run does that.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat, nil)
	}
	if err := ValidateCredentialPolicy(cfg); err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	creds, pool, err := openCredentials(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfg:      cfg,
		log:      log,
		registry: reg,
		metrics:  m,
		pool:     pool,
		creds:    creds,
	}
	a.deviceID = loadDeviceID(ctx, creds, log)

	a.sessions = session.NewStore(creds, log, session.WithConfig(cfg.Session))
	a.tokens = session.NewTokenClient(cfg.Session, nil)
	a.refresher = session.NewRefresher(a.sessions, session.NewCoordinator(), a.tokens,
		session.WithRefresherLogger(log),
		session.WithRefresherMetrics(m),
		session.WithClockSkew(cfg.Session.ClockSkew),
	)
	a.scheduler = session.NewScheduler(a.sessions, a.refresher,
		session.WithSchedulerLogger(log),
		session.WithLead(cfg.Session.RefreshLead),
	)

	hc := cfg.HTTP
	hc.DeviceID = a.deviceID
	a.api, err = httpapi.New(hc, a.sessions, a.refresher,
		httpapi.WithLogger(log),
		httpapi.WithMetrics(m),
	)
	if err != nil {
		a.closePool()
		return nil, err
	}

	a.perms = permissions.New(a.api)
	a.sessions.Watch(a.perms)

	a.channel, err = realtime.New(cfg.Realtime, creds,
		realtime.WithLogger(log),
		realtime.WithMetrics(m),
		realtime.WithFreshener(a.refresher),
	)
	if err != nil {
		a.closePool()
		return nil, err
	}
	a.sessions.Watch(channelListener{ch: a.channel})

	log.Info("app.init",
		"backend", cfg.CredentialBackend,
		"api", cfg.APIURL,
		"realtime", cfg.RealtimeURL,
		"device_id", a.deviceID,
	)
	return a, nil
}

// channelListener drops the realtime connection when the session ends, so a
// logged-out client never reconnects with a dead token.
type channelListener struct{ ch *realtime.Channel }

func (l channelListener) SessionUpdated(session.Session) {}
func (l channelListener) SessionCleared() { l.ch.Disconnect() }

func openCredentials(ctx context.Context, cfg Config, log Logger) (credential.Store, *pgxpool.Pool, error) {
	switch cfg.CredentialBackend {
	case BackendMemory:
		log.Info("credential.backend.memory")
		return credential.NewMemoryStore(), nil, nil

	case BackendPostgres:
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("app: db pool: %w", err)
		}
		st, err := credential.NewPostgresStore(pool,
			credential.WithSchema(cfg.DBSchema),
			credential.WithNamespace(cfg.DBNamespace),
		)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		if err := st.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("app: credential schema: %w", err)
		}
		log.Info("credential.backend.postgres", "schema", cfg.DBSchema, "namespace", cfg.DBNamespace)
		return st, pool, nil

	default:
		path := cfg.CredentialPath
		if path == "" {
			p, err := credential.DefaultFilePath("taskline")
			if err != nil {
				return nil, nil, err
			}
			path = p
		}
		var opts []credential.FileOption
		if cfg.CredentialPassphrase != "" {
			opts = append(opts, credential.WithPassphrase(cfg.CredentialPassphrase))
		}
		st, err := credential.OpenFileStore(path, opts...)
		if err != nil {
			return nil, nil, err
		}
		log.Info("credential.backend.file", "path", st.Path(), "encrypted", cfg.CredentialPassphrase != "")
		return st, nil, nil
	}
}

// loadDeviceID returns the persisted device id, minting and storing a new
// one when the stored value is missing or malformed.
func loadDeviceID(ctx context.Context, creds credential.Store, log Logger) string {
	id, err := creds.Item(ctx, credential.KeyDeviceID)
	if err != nil {
		log.Warn("app.device_id.read.fail", "err", err)
	}
	if ids.ValidDeviceID(id) {
		return id
	}
	id = ids.NewDeviceID()
	if err := creds.SetItem(ctx, credential.KeyDeviceID, id); err != nil {
		log.Warn("app.device_id.write.fail", "err", err)
	}
	return id
}

// Login exchanges credentials for a session and, when a user id is
// configured, opens the realtime channel.
func (a *App) Login(ctx context.Context, identifier, password string) error {
	t, err := a.tokens.Login(ctx, identifier, password)
	if err != nil {
		a.log.Warn("app.login.fail", "err", err)
		return err
	}
	if _, err := a.sessions.Login(ctx, t); err != nil {
		return err
	}
	// A previous logout cleared every item, the device id included.
	if err := a.creds.SetItem(ctx, credential.KeyDeviceID, a.deviceID); err != nil {
		a.log.Warn("app.device_id.write.fail", "err", err)
	}
	a.log.Info("app.login.ok", "access_expires_at", a.sessions.AccessExpiresAt())

	a.connect(ctx)
	return nil
}

// Logout ends the session. The channel disconnects through its session
// listener.
func (a *App) Logout(ctx context.Context) error {
	return a.sessions.Logout(ctx)
}

func (a *App) connect(ctx context.Context) {
	if a.cfg.UserID == "" {
		a.log.Info("app.realtime.skip", "reason", "no_user_id")
		return
	}
	if err := a.channel.Connect(ctx, a.cfg.UserID); err != nil {
		a.log.Warn("app.realtime.connect.fail", "err", err)
	}
}

func (a *App) Pipeline() *httpapi.Client { return a.api }
func (a *App) Channel() *realtime.Channel { return a.channel }
func (a *App) Permissions() *permissions.Cache { return a.perms }
func (a *App) Sessions() *session.Store { return a.sessions }
func (a *App) DeviceID() string { return a.deviceID }
func (a *App) Registry() *prometheus.Registry { return a.registry }
func (a *App) Credentials() credential.Store { return a.creds }
func (a *App) Scheduler() *session.Scheduler { return a.scheduler }

// HTTPClient returns a plain bearer-token client for endpoints outside the
// API base URL. It carries the current access token but none of the
// pipeline's retry or refresh-on-401 behavior.
func (a *App) HTTPClient(ctx context.Context) *http.Client {
	return oauth2.NewClient(ctx, a.sessions.TokenSource())
}

// Handler returns the debug mux wrapped in request logging.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	a.registerHTTP(mux)
	return WithRequestLogging(mux, a.log)
}

// Run restores the session, connects the channel, serves the debug HTTP
// server and blocks until ctx is cancelled or the server fails.
func (a *App) Run(ctx context.Context) error {
	defer a.Close()

	if sess, ok := a.sessions.Restore(ctx); ok {
		a.log.Info("app.session.restored", "access_expires_at", sess.AccessExpiresAt)
		a.connect(ctx)
	} else {
		a.log.Info("app.session.none")
	}
	a.logEvents()

	var srv *http.Server
	errCh := make(chan error, 1)
	if a.cfg.DebugAddr != "" {
		srv = &http.Server{
			Addr:              a.cfg.DebugAddr,
			Handler:           a.Handler(),
			ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		}
		a.log.Info("debug.server.start", "addr", a.cfg.DebugAddr)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("app.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("debug.server.fail", "err", err)
		runErr = err
	}

	a.channel.Disconnect()
	a.scheduler.Close()

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("debug.server.shutdown.fail", "err", err)
			if runErr == nil {
				runErr = err
			}
		}
	}

	a.log.Info("app.stopped")
	return runErr
}

// logEvents attaches a logging handler to each well-known channel.
func (a *App) logEvents() {
	for _, name := range []string{v1.ChannelNotifications, v1.ChannelTaskUpdates, v1.ChannelProjectUpdates} {
		a.channel.On(name, func(ev realtime.Event) {
			a.log.Info("app.event",
				"channel", name,
				"id", ev.ID,
				"type", ev.Type,
				"bytes", len(ev.Payload),
			)
		})
	}
}

// Close releases the channel, scheduler and DB pool. Safe to call twice.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		_ = a.channel.Close()
		a.scheduler.Close()
		a.closePool()
	})
}

func (a *App) closePool() {
	if a.pool != nil {
		a.pool.Close()
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}
