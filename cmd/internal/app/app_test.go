package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"taskline/cmd/internal/auth/session"
	"taskline/cmd/internal/credential"
	"taskline/cmd/internal/httpapi"
	"taskline/cmd/internal/permissions"
	"taskline/cmd/internal/realtime"
	"taskline/cmd/internal/realtime/realtimetest"
	v1 "taskline/shared/contracts/realtime/v1"
)

func TestWSBaseURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{in: "http://127.0.0.1:8080", want: "ws://127.0.0.1:8080"},
		{in: "https://api.taskline.dev/", want: "wss://api.taskline.dev"},
		{in: "127.0.0.1:8080", want: "ws://127.0.0.1:8080"},
		{in: "wss://rt.taskline.dev", want: "wss://rt.taskline.dev"},
	}

	for _, tc := range cases {
		got := wsBaseURL(tc.in)
		if got != tc.want {
			t.Fatalf("wsBaseURL(%q)=%q want=%q", tc.in, got, tc.want)
		}
	}
}

func TestLoadConfig_DerivesRealtimeURL(t *testing.T) {
	t.Setenv("TASKLINE_API_URL", "https://api.taskline.dev")
	t.Setenv("TASKLINE_REALTIME_URL", "")
	t.Setenv("TASKLINE_CREDENTIAL_BACKEND", "memory")
	t.Setenv("TASKLINE_DEBUG_ADDR", "off")
	t.Setenv("TASKLINE_RT_MAX_RECONNECT_ATTEMPTS", "4")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.RealtimeURL != "wss://api.taskline.dev/ws" || cfg.Realtime.URL != cfg.RealtimeURL {
		t.Fatalf("realtime url=%q cfg.Realtime.URL=%q", cfg.RealtimeURL, cfg.Realtime.URL)
	}
	if cfg.HTTP.BaseURL != "https://api.taskline.dev" {
		t.Fatalf("http base=%q", cfg.HTTP.BaseURL)
	}
	if cfg.DebugAddr != "" {
		t.Fatalf("debug addr=%q want disabled", cfg.DebugAddr)
	}
	if cfg.Realtime.MaxReconnectAttempts != 4 {
		t.Fatalf("max reconnect attempts=%d want=4", cfg.Realtime.MaxReconnectAttempts)
	}
}

func TestLoadConfig_Rejects(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
	}{
		{name: "log format", env: map[string]string{"TASKLINE_LOG_FORMAT": "xml"}},
		{name: "backend", env: map[string]string{"TASKLINE_CREDENTIAL_BACKEND": "keychain"}},
		{name: "postgres without url", env: map[string]string{"TASKLINE_CREDENTIAL_BACKEND": "postgres", "TASKLINE_DATABASE_URL": ""}},
		{name: "session", env: map[string]string{"TASKLINE_AUTH_PLATFORM": "toaster"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			if _, err := LoadConfig(); !errors.Is(err, ErrConfig) {
				t.Fatalf("err=%v want ErrConfig", err)
			}
		})
	}
}

func TestValidateCredentialPolicy(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "not required", cfg: Config{CredentialBackend: BackendPostgres}},
		{name: "memory", cfg: Config{RequireEncryption: true, CredentialBackend: BackendMemory}},
		{name: "file no passphrase", cfg: Config{RequireEncryption: true, CredentialBackend: BackendFile}, wantErr: true},
		{name: "file short passphrase", cfg: Config{RequireEncryption: true, CredentialBackend: BackendFile, CredentialPassphrase: "short"}, wantErr: true},
		{name: "file ok", cfg: Config{RequireEncryption: true, CredentialBackend: BackendFile, CredentialPassphrase: "correct horse battery"}},
		{name: "postgres", cfg: Config{RequireEncryption: true, CredentialBackend: BackendPostgres}, wantErr: true},
	}
	for _, tc := range cases {
		err := ValidateCredentialPolicy(tc.cfg)
		if (err != nil) != tc.wantErr {
			t.Fatalf("%s: err=%v wantErr=%v", tc.name, err, tc.wantErr)
		}
		if err != nil && !errors.Is(err, ErrPolicy) {
			t.Fatalf("%s: err=%v not ErrPolicy", tc.name, err)
		}
	}
}

func TestSplitLogin(t *testing.T) {
	t.Parallel()

	id, pw, err := splitLogin("ada@example.com:p:w")
	if err != nil || id != "ada@example.com" || pw != "p:w" {
		t.Fatalf("id=%q pw=%q err=%v", id, pw, err)
	}
	for _, bad := range []string{"", "ada", ":pw", "ada:"} {
		if _, _, err := splitLogin(bad); err == nil {
			t.Fatalf("splitLogin(%q) should fail", bad)
		}
	}
}

// backend serves the token endpoints, the membership lookup and a realtime
// broker on one httptest server.
func backend(t *testing.T) (*httptest.Server, *realtimetest.Server) {
	t.Helper()

	broker := realtimetest.New(realtimetest.WithAuthorizer(realtimetest.StaticTokens(map[string]string{"at1": "u1"})))

	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/login", func(w http.ResponseWriter, _ *http.Request) {
		exp := time.Now().UTC().Add(time.Hour)
		_ = json.NewEncoder(w).Encode(map[string]any{"session": map[string]any{
			"access_token":      "at1",
			"access_expires_at": exp,
			"refresh_token":     "rt1",
		}})
	})
	mux.HandleFunc("GET /projects/{id}/members/me", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer at1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"role": "member"})
	})
	mux.Handle("/ws", broker)

	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		broker.Kick()
		srv.Close()
	})
	return srv, broker
}

func testConfig(apiURL string) Config {
	sc := session.DefaultConfig()
	sc.BaseURL = apiURL
	hc := httpapi.DefaultConfig()
	hc.BaseURL = apiURL
	rc := realtime.DefaultConfig()
	rc.URL = wsBaseURL(apiURL) + "/ws"

	return Config{
		APIURL:            apiURL,
		RealtimeURL:       rc.URL,
		UserID:            "u1",
		CredentialBackend: BackendMemory,
		Session:           sc,
		HTTP:              hc,
		Realtime:          rc,
	}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func get(t *testing.T, h http.Handler, path string) (int, string) {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	body, _ := io.ReadAll(rr.Result().Body)
	return rr.Code, string(body)
}

func TestApp_LoginConnectsAndLogoutDisconnects(t *testing.T) {
	srv, broker := backend(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a, err := New(ctx, testConfig(srv.URL), slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	h := a.Handler()
	if code, _ := get(t, h, "/readyz"); code != http.StatusServiceUnavailable {
		t.Fatalf("readyz before login=%d want=503", code)
	}

	if err := a.Login(ctx, "u1", "pw"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	waitUntil(t, "channel connected", a.Channel().IsConnected)
	if err := broker.WaitSubscribers(ctx, v1.UserDestination("u1", v1.ChannelNotifications), 1); err != nil {
		t.Fatalf("WaitSubscribers: %v", err)
	}

	got, err := a.Credentials().Item(ctx, credential.KeyDeviceID)
	if err != nil || got != a.DeviceID() {
		t.Fatalf("device id=%q err=%v want=%q", got, err, a.DeviceID())
	}

	role, err := a.Permissions().Role(ctx, "p1")
	if err != nil || role != permissions.RoleMember {
		t.Fatalf("role=%q err=%v", role, err)
	}

	code, body := get(t, h, "/readyz")
	if code != http.StatusOK {
		t.Fatalf("readyz=%d body=%s", code, body)
	}
	var rd readiness
	if err := json.Unmarshal([]byte(body), &rd); err != nil {
		t.Fatalf("readyz body: %v", err)
	}
	if !rd.LoggedIn || rd.Realtime != "connected" || rd.Scheduler != "scheduled" {
		t.Fatalf("readiness=%+v", rd)
	}

	if code, body := get(t, h, "/metrics"); code != http.StatusOK || !strings.Contains(body, "taskline_http_requests_total") {
		t.Fatalf("metrics=%d missing pipeline counter", code)
	}

	if err := a.Logout(ctx); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if st := a.Channel().State(); st != realtime.StateDisconnected {
		t.Fatalf("state after logout=%v", st)
	}
	if code, _ := get(t, h, "/readyz"); code != http.StatusServiceUnavailable {
		t.Fatalf("readyz after logout=%d want=503", code)
	}
}

func TestApp_RunRestoresSession(t *testing.T) {
	srv, broker := backend(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a, err := New(ctx, testConfig(srv.URL), slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	creds := a.Credentials()
	_ = creds.SetToken(ctx, "at1")
	_ = creds.SetRefreshToken(ctx, "rt1")
	_ = creds.SetItem(ctx, credential.KeyAccessExpiresAt, credential.FormatTime(time.Now().Add(time.Hour)))

	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- a.Run(runCtx) }()

	if err := broker.WaitConnections(ctx, 1); err != nil {
		t.Fatalf("WaitConnections: %v", err)
	}
	waitUntil(t, "session restored", a.Sessions().IsLoggedIn)

	stop()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-ctx.Done():
		t.Fatalf("Run did not return")
	}
	if st := a.Channel().State(); st != realtime.StateDisconnected {
		t.Fatalf("state after Run=%v", st)
	}
}

func TestEnvHelpers_FallBackOnGarbage(t *testing.T) {
	t.Setenv("TASKLINE_TEST_INT", "-3")
	t.Setenv("TASKLINE_TEST_DUR", "soon")
	t.Setenv("TASKLINE_TEST_BOOL", "yes please")
	t.Setenv("TASKLINE_TEST_I32", " 12 ")

	if got := EnvInt("TASKLINE_TEST_INT", 7); got != 7 {
		t.Fatalf("EnvInt=%d want=7", got)
	}
	if got := EnvDuration("TASKLINE_TEST_DUR", time.Second); got != time.Second {
		t.Fatalf("EnvDuration=%v want=1s", got)
	}
	if got := EnvBool("TASKLINE_TEST_BOOL", true); !got {
		t.Fatalf("EnvBool=%v want=true", got)
	}
	if got := EnvInt32("TASKLINE_TEST_I32", 1); got != 12 {
		t.Fatalf("EnvInt32=%d want=12", got)
	}
	if _, err := EnvChoice("TASKLINE_TEST_DUR", "a", "a", "b"); !errors.Is(err, ErrConfig) {
		t.Fatalf("EnvChoice err=%v want ErrConfig", err)
	}
}
