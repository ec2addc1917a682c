package app

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"taskline/cmd/internal/auth/session"
	"taskline/cmd/internal/httpapi"
	"taskline/cmd/internal/realtime"
)

// ErrConfig wraps every invalid environment value.
var ErrConfig = errors.New("app: invalid configuration")

// Credential backends.
const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendPostgres = "postgres"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	APIURL      string
	RealtimeURL string
	UserID      string

	LogLevel  string
	LogFormat string

	CredentialBackend    string
	CredentialPath       string
	CredentialPassphrase string
	// RequireEncryption refuses credential backends that keep tokens in
	// plaintext at rest.
	RequireEncryption bool

	DatabaseURL string
	DBSchema    string
	// DBNamespace partitions the credential table between installations.
	DBNamespace string
	DBMaxConns  int32
	DBMinConns  int32

	// DebugAddr serves /healthz, /readyz and /metrics. Empty disables it.
	DebugAddr         string
	ReadHeaderTimeout time.Duration

	Session  session.Config
	HTTP     httpapi.Config
	Realtime realtime.Config
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() (Config, error) {
	sess, err := session.LoadConfigFromEnv()
	if err != nil {
		return Config{}, fmt.Errorf("%w: session: %v", ErrConfig, err)
	}

	logFormat, err := EnvChoice("TASKLINE_LOG_FORMAT", "json", "json", "pretty")
	if err != nil {
		return Config{}, err
	}
	backend, err := EnvChoice("TASKLINE_CREDENTIAL_BACKEND", BackendFile, BackendMemory, BackendFile, BackendPostgres)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		APIURL: sess.BaseURL,
		UserID: EnvString("TASKLINE_USER_ID", ""),

		LogLevel:  EnvString("TASKLINE_LOG_LEVEL", "info"),
		LogFormat: logFormat,

		CredentialBackend:    backend,
		CredentialPath:       EnvString("TASKLINE_CREDENTIAL_PATH", ""),
		CredentialPassphrase: EnvString("TASKLINE_CREDENTIAL_PASSPHRASE", ""),
		RequireEncryption:    EnvBool("TASKLINE_CREDENTIAL_REQUIRE_ENCRYPTION", false),

		DatabaseURL: EnvString("TASKLINE_DATABASE_URL", ""),
		DBSchema:    EnvString("TASKLINE_DB_SCHEMA", "taskline"),
		DBNamespace: EnvString("TASKLINE_DB_NAMESPACE", "default"),
		DBMaxConns:  EnvInt32("TASKLINE_DB_MAX_CONNS", 4),
		DBMinConns:  EnvInt32("TASKLINE_DB_MIN_CONNS", 0),

		DebugAddr:         EnvString("TASKLINE_DEBUG_ADDR", "127.0.0.1:9090"),
		ReadHeaderTimeout: EnvDuration("TASKLINE_DEBUG_READ_HEADER_TIMEOUT", 5*time.Second),

		Session: sess,
	}
	if strings.EqualFold(cfg.DebugAddr, "off") {
		cfg.DebugAddr = ""
	}

	cfg.RealtimeURL = EnvString("TASKLINE_REALTIME_URL", wsBaseURL(cfg.APIURL)+"/ws")
	if u, err := url.Parse(cfg.RealtimeURL); err != nil || u.Host == "" {
		return Config{}, fmt.Errorf("%w: TASKLINE_REALTIME_URL=%q", ErrConfig, cfg.RealtimeURL)
	}

	hc := httpapi.DefaultConfig()
	hc.BaseURL = cfg.APIURL
	hc.RequestTimeout = EnvDuration("TASKLINE_HTTP_TIMEOUT", hc.RequestTimeout)
	hc.MaxRetries = EnvInt("TASKLINE_HTTP_MAX_RETRIES", hc.MaxRetries)
	hc.BaseDelay = EnvDuration("TASKLINE_HTTP_RETRY_BASE_DELAY", hc.BaseDelay)
	hc.MaxRetryDelay = EnvDuration("TASKLINE_HTTP_RETRY_MAX_DELAY", hc.MaxRetryDelay)
	hc.MaxRetryAfter = EnvDuration("TASKLINE_HTTP_MAX_RETRY_AFTER", hc.MaxRetryAfter)
	cfg.HTTP = hc

	rc := realtime.DefaultConfig()
	rc.URL = cfg.RealtimeURL
	rc.ReconnectBaseDelay = EnvDuration("TASKLINE_RT_RECONNECT_BASE_DELAY", rc.ReconnectBaseDelay)
	rc.ReconnectMaxDelay = EnvDuration("TASKLINE_RT_RECONNECT_MAX_DELAY", rc.ReconnectMaxDelay)
	rc.MaxReconnectAttempts = EnvInt("TASKLINE_RT_MAX_RECONNECT_ATTEMPTS", rc.MaxReconnectAttempts)
	rc.HeartbeatInterval = EnvDuration("TASKLINE_RT_HEARTBEAT_INTERVAL", rc.HeartbeatInterval)
	rc.HeartbeatTimeout = EnvDuration("TASKLINE_RT_HEARTBEAT_TIMEOUT", rc.HeartbeatTimeout)
	cfg.Realtime = rc

	if cfg.CredentialBackend == BackendPostgres && cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("%w: postgres credential backend needs TASKLINE_DATABASE_URL", ErrConfig)
	}
	return cfg, nil
}

// wsBaseURL maps an http(s) base URL to its ws(s) equivalent. A bare
// host:port is treated as plain ws.
func wsBaseURL(base string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	case strings.HasPrefix(base, "ws://"), strings.HasPrefix(base, "wss://"):
		return base
	default:
		return "ws://" + base
	}
}
