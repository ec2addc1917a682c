package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"taskline/cmd/internal/auth/session"
	"taskline/cmd/internal/credential"
)

type fakeTokens struct {
	mu      sync.Mutex
	token   string
	logouts int
}

func (f *fakeTokens) AccessToken() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token
}

func (f *fakeTokens) Logout(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.token = ""
	f.logouts++
	return nil
}

type refresherFunc func(ctx context.Context, staleToken string) (string, error)

func (f refresherFunc) Refresh(ctx context.Context, staleToken string) (string, error) {
	return f(ctx, staleToken)
}

type retryRecord struct {
	attempt int
	delay   time.Duration
	err     *Error
}

// newTestClient wires a pipeline on a fake clock whose retry waits are
// released by drive.
func newTestClient(t *testing.T, baseURL string, tokens TokenStore, ref Refresher) (*Client, *clockwork.FakeClock, chan retryRecord) {
	t.Helper()
	clk := clockwork.NewFakeClock()
	retries := make(chan retryRecord, 16)

	cfg := DefaultConfig()
	cfg.BaseURL = baseURL
	cfg.DeviceID = "device-1"
	c, err := New(cfg, tokens, ref,
		WithClock(clk),
		WithRetryHook(func(attempt int, delay time.Duration, err *Error) {
			retries <- retryRecord{attempt: attempt, delay: delay, err: err}
		}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, clk, retries
}

// drive advances the fake clock through n retry waits and returns the delays.
func drive(t *testing.T, clk *clockwork.FakeClock, retries chan retryRecord, n int) []retryRecord {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var out []retryRecord
	for i := 0; i < n; i++ {
		var r retryRecord
		select {
		case r = <-retries:
		case <-ctx.Done():
			t.Fatalf("timed out waiting for retry %d", i+1)
		}
		if err := clk.BlockUntilContext(ctx, 1); err != nil {
			t.Fatalf("BlockUntilContext: %v", err)
		}
		clk.Advance(r.delay)
		out = append(out, r)
	}
	return out
}

func TestClient_BackoffDelaysThenSuccess(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c, clk, retries := newTestClient(t, srv.URL, &fakeTokens{token: "a1"}, nil)

	errc := make(chan error, 1)
	var out struct{ OK bool }
	go func() { errc <- c.JSON(context.Background(), http.MethodGet, "/things", nil, &out) }()

	got := drive(t, clk, retries, 3)
	if err := <-errc; err != nil {
		t.Fatalf("JSON: %v", err)
	}

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	for i, r := range got {
		if r.delay != want[i] {
			t.Fatalf("retry %d delay=%v want=%v", i+1, r.delay, want[i])
		}
		if r.attempt != i+1 || r.err.Status != http.StatusServiceUnavailable {
			t.Fatalf("retry %d record=%+v", i+1, r)
		}
	}
	if calls.Load() != 4 || !out.OK {
		t.Fatalf("calls=%d ok=%v want 4 calls and ok", calls.Load(), out.OK)
	}
}

func TestClient_RetryBudgetExhausted(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":{"code":"maintenance","message":"down for maintenance"}}`))
	}))
	defer srv.Close()

	c, clk, retries := newTestClient(t, srv.URL, &fakeTokens{token: "a1"}, nil)

	errc := make(chan error, 1)
	go func() { errc <- c.JSON(context.Background(), http.MethodGet, "things", nil, nil) }()
	drive(t, clk, retries, 3)

	err := <-errc
	var e *Error
	if !errors.As(err, &e) {
		t.Fatalf("err=%T %v want *Error", err, err)
	}
	if e.Kind != KindServer || e.Status != http.StatusServiceUnavailable || e.Code != "maintenance" || !e.Retryable {
		t.Fatalf("error=%+v", e)
	}
	if !errors.Is(err, ErrServer) {
		t.Fatalf("errors.Is(ErrServer)=false")
	}
	if calls.Load() != 4 {
		t.Fatalf("calls=%d want=4", calls.Load())
	}
	select {
	case r := <-retries:
		t.Fatalf("unexpected 4th retry: %+v", r)
	default:
	}
}

func TestClient_RetryAfterOverridesAndClamps(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 1:
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)
		case 2:
			w.Header().Set("Retry-After", "3600")
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer srv.Close()

	c, clk, retries := newTestClient(t, srv.URL, &fakeTokens{token: "a1"}, nil)

	errc := make(chan error, 1)
	go func() { errc <- c.JSON(context.Background(), http.MethodPost, "things", map[string]string{"a": "b"}, nil) }()
	got := drive(t, clk, retries, 2)
	if err := <-errc; err != nil {
		t.Fatalf("JSON: %v", err)
	}

	if got[0].delay != 7*time.Second {
		t.Fatalf("first delay=%v want=7s", got[0].delay)
	}
	if got[1].delay != 60*time.Second {
		t.Fatalf("clamped delay=%v want=60s", got[1].delay)
	}
	if got[0].err.Kind != KindRateLimit {
		t.Fatalf("kind=%v want=rate_limit", got[0].err.Kind)
	}
}

func TestClient_NonRetryableFailsFast(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":{"code":"invalid","message":"Title is required","fields":{"title":["required"]}}}`))
	}))
	defer srv.Close()

	c, _, _ := newTestClient(t, srv.URL, &fakeTokens{token: "a1"}, nil)
	err := c.JSON(context.Background(), http.MethodPost, "tasks", map[string]string{}, nil)

	var e *Error
	if !errors.As(err, &e) || e.Kind != KindValidation {
		t.Fatalf("err=%v want validation", err)
	}
	if got := e.Fields["title"]; len(got) != 1 || got[0] != "required" {
		t.Fatalf("fields=%v", e.Fields)
	}
	if e.UserMessage() != "Title is required" {
		t.Fatalf("user message=%q", e.UserMessage())
	}
	if calls.Load() != 1 {
		t.Fatalf("calls=%d want=1", calls.Load())
	}
}

func TestClient_HeadersAndBodyReplay(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		ids    []string
		bodies []string
		calls  atomic.Int32
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		ids = append(ids, r.Header.Get("X-Request-ID"))
		bodies = append(bodies, string(b))
		mu.Unlock()

		if r.Header.Get("Authorization") != "Bearer a1" || r.Header.Get("X-Device-ID") != "device-1" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, clk, retries := newTestClient(t, srv.URL+"/api", &fakeTokens{token: "a1"}, nil)

	req, _ := http.NewRequest(http.MethodPost, "/comments", strings.NewReader(`{"text":"hi"}`))
	errc := make(chan error, 1)
	go func() {
		resp, err := c.Do(context.Background(), req)
		if err == nil {
			_ = resp.Body.Close()
		}
		errc <- err
	}()
	drive(t, clk, retries, 1)
	if err := <-errc; err != nil {
		t.Fatalf("Do: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(ids) != 2 || ids[0] == "" || ids[0] != ids[1] {
		t.Fatalf("request ids=%v want stable across retries", ids)
	}
	if bodies[0] != `{"text":"hi"}` || bodies[1] != bodies[0] {
		t.Fatalf("bodies=%v", bodies)
	}
}

func TestClient_AttemptTimeoutIsRetryableNetworkError(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	clk := clockwork.NewFakeClock()
	retries := make(chan retryRecord, 4)
	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL
	cfg.RequestTimeout = 50 * time.Millisecond
	c, err := New(cfg, &fakeTokens{token: "a1"}, nil, WithClock(clk), WithRetryHook(func(a int, d time.Duration, e *Error) {
		retries <- retryRecord{attempt: a, delay: d, err: e}
	}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	errc := make(chan error, 1)
	go func() { errc <- c.JSON(context.Background(), http.MethodGet, "slow", nil, nil) }()
	got := drive(t, clk, retries, 1)
	if err := <-errc; err != nil {
		t.Fatalf("JSON: %v", err)
	}
	if got[0].err.Kind != KindNetwork || got[0].err.Code != CodeTimeout || !got[0].err.Retryable {
		t.Fatalf("timeout error=%+v", got[0].err)
	}
}

func TestClient_UnreachableNormalized(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	cfg := DefaultConfig()
	cfg.BaseURL = url
	cfg.MaxRetries = 0
	c, err := New(cfg, &fakeTokens{token: "a1"}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	err = c.JSON(context.Background(), http.MethodGet, "x", nil, nil)
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("err=%v want network", err)
	}
	var e *Error
	errors.As(err, &e)
	if e.Code != CodeUnreachable || !e.Retryable || e.UserMessage() == "" {
		t.Fatalf("error=%+v", e)
	}
}

// authServer issues a1/r1 at login, rotates to a2 on refresh, and protects
// /api/* with the current token.
type authServer struct {
	*httptest.Server
	refreshes   atomic.Int32
	failRefresh bool
	alwaysDeny  bool

	gate    chan struct{}
	arrived atomic.Int32
	expect  int32
}

func newAuthServer(t *testing.T, expect int, failRefresh, alwaysDeny bool) *authServer {
	t.Helper()
	as := &authServer{
		gate:        make(chan struct{}),
		expect:      int32(expect),
		failRefresh: failRefresh,
		alwaysDeny:  alwaysDeny,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		as.refreshes.Add(1)
		w.Header().Set("Content-Type", "application/json")
		if as.failRefresh {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":{"code":"invalid_refresh","message":"nope"}}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"session": map[string]any{"access_token": "a2", "refresh_token": "r2"},
		})
	})
	mux.HandleFunc("/api/", func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if auth == "Bearer a1" && as.expect > 0 {
			if as.arrived.Add(1) == as.expect {
				close(as.gate)
			}
			<-as.gate
		}
		if as.alwaysDeny || auth != "Bearer a2" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"token":"a2"}`))
	})
	as.Server = httptest.NewServer(mux)
	t.Cleanup(as.Close)
	return as
}

func newSessionPipeline(t *testing.T, as *authServer) (*Client, *session.Store) {
	t.Helper()
	store := session.NewStore(credential.NewMemoryStore(), nil)
	if _, err := store.Login(context.Background(), session.Tokens{AccessToken: "a1", RefreshToken: "r1"}); err != nil {
		t.Fatalf("Login: %v", err)
	}
	scfg := session.DefaultConfig()
	scfg.BaseURL = as.URL
	ref := session.NewRefresher(store, session.NewCoordinator(), session.NewTokenClient(scfg, as.Client()))

	cfg := DefaultConfig()
	cfg.BaseURL = as.URL + "/api"
	cfg.MaxRetries = 0
	c, err := New(cfg, store, ref, WithHTTPClient(as.Client()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, store
}

func TestClient_ConcurrentUnauthorizedSingleRefresh(t *testing.T) {
	t.Parallel()

	const n = 5
	as := newAuthServer(t, n, false, false)
	c, store := newSessionPipeline(t, as)

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var out struct{ Token string }
			err := c.JSON(context.Background(), http.MethodGet, "items", nil, &out)
			if err == nil && out.Token != "a2" {
				err = errors.New("replayed with wrong token: " + out.Token)
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
	}
	if got := as.refreshes.Load(); got != 1 {
		t.Fatalf("refresh calls=%d want=1", got)
	}
	if store.AccessToken() != "a2" {
		t.Fatalf("store token=%q want=a2", store.AccessToken())
	}
}

func TestClient_WaiterCancelDuringRefreshKeepsSession(t *testing.T) {
	t.Parallel()

	refreshEntered := make(chan struct{})
	releaseRefresh := make(chan struct{})
	denied := make(chan struct{}, 4)
	var refreshes atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		if refreshes.Add(1) == 1 {
			close(refreshEntered)
		}
		<-releaseRefresh
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"session": map[string]any{"access_token": "a2", "refresh_token": "r2"},
		})
	})
	mux.HandleFunc("/api/", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer a2" {
			w.WriteHeader(http.StatusUnauthorized)
			denied <- struct{}{}
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"token":"a2"}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c, store := newSessionPipeline(t, &authServer{Server: srv})

	leaderErr := make(chan error, 1)
	go func() {
		var out struct{ Token string }
		leaderErr <- c.JSON(context.Background(), http.MethodGet, "items", nil, &out)
	}()
	<-denied
	<-refreshEntered

	ctx, cancel := context.WithCancel(context.Background())
	waiterErr := make(chan error, 1)
	go func() { waiterErr <- c.JSON(ctx, http.MethodGet, "items", nil, nil) }()
	<-denied
	// Give the waiter time to join the in-flight refresh before it gives up.
	time.Sleep(50 * time.Millisecond)
	cancel()

	err := <-waiterErr
	var e *Error
	if !errors.As(err, &e) || e.Code != CodeCanceled {
		t.Fatalf("waiter err=%v want canceled", err)
	}
	if errors.Is(err, ErrSessionExpired) {
		t.Fatalf("waiter cancel surfaced as session expiry")
	}
	if !store.IsLoggedIn() {
		t.Fatalf("waiter cancel cleared the session")
	}

	close(releaseRefresh)
	if err := <-leaderErr; err != nil {
		t.Fatalf("leader err=%v", err)
	}
	if store.AccessToken() != "a2" || !store.IsLoggedIn() {
		t.Fatalf("store token=%q logged_in=%v want a2 and logged in", store.AccessToken(), store.IsLoggedIn())
	}
	if got := refreshes.Load(); got != 1 {
		t.Fatalf("refresh calls=%d want=1", got)
	}
}

func TestClient_CanceledRefresherDoesNotLogOut(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	tokens := &fakeTokens{token: "a1"}
	ref := refresherFunc(func(context.Context, string) (string, error) {
		cancel()
		return "", ctx.Err()
	})
	c, _, _ := newTestClient(t, srv.URL, tokens, ref)

	err := c.JSON(ctx, http.MethodGet, "x", nil, nil)
	var e *Error
	if !errors.As(err, &e) || e.Code != CodeCanceled {
		t.Fatalf("err=%v want canceled", err)
	}
	tokens.mu.Lock()
	defer tokens.mu.Unlock()
	if tokens.logouts != 0 {
		t.Fatalf("logouts=%d want=0", tokens.logouts)
	}
}

func TestClient_RefreshFailureLogsOut(t *testing.T) {
	t.Parallel()

	as := newAuthServer(t, 0, true, false)
	c, store := newSessionPipeline(t, as)

	err := c.JSON(context.Background(), http.MethodGet, "items", nil, nil)
	if !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("err=%v want=ErrSessionExpired", err)
	}
	if store.IsLoggedIn() {
		t.Fatalf("session must be cleared after refresh failure")
	}
	if as.refreshes.Load() != 1 {
		t.Fatalf("refresh calls=%d want=1", as.refreshes.Load())
	}
}

func TestClient_UnauthorizedAfterReplayIsTerminal(t *testing.T) {
	t.Parallel()

	as := newAuthServer(t, 0, false, true)
	c, store := newSessionPipeline(t, as)

	err := c.JSON(context.Background(), http.MethodGet, "items", nil, nil)
	if !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("err=%v want=ErrSessionExpired", err)
	}
	var e *Error
	errors.As(err, &e)
	if e.UserMessage() == "" || e.Retryable {
		t.Fatalf("error=%+v", e)
	}
	if store.IsLoggedIn() {
		t.Fatalf("session must be cleared")
	}
	if as.refreshes.Load() != 1 {
		t.Fatalf("refresh calls=%d want=1 (no second refresh)", as.refreshes.Load())
	}
}

func TestClient_CallerCancelStopsRetrying(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, _, retries := newTestClient(t, srv.URL, &fakeTokens{token: "a1"}, nil)
	ctx, cancel := context.WithCancel(context.Background())

	errc := make(chan error, 1)
	go func() { errc <- c.JSON(ctx, http.MethodGet, "x", nil, nil) }()
	<-retries
	cancel()

	err := <-errc
	var e *Error
	if !errors.As(err, &e) || e.Code != CodeCanceled || e.Retryable {
		t.Fatalf("err=%v want canceled", err)
	}
}
