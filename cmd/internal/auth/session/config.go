package session

import (
	"net/url"
	"os"
	"strings"
	"time"
)

// Platform is reported to the token endpoint with every login and refresh.
type Platform string

const (
	PlatformWeb     Platform = "web"
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
	PlatformDesktop Platform = "desktop"
)

// Config defines runtime configuration for the session subsystem.
type Config struct {
	// BaseURL is the API root that serves /auth/login and /auth/refresh.
	BaseURL string

	// Platform is sent to the token endpoint.
	Platform Platform

	// DefaultAccessTTL applies when the token endpoint omits access_expires_at.
	DefaultAccessTTL time.Duration

	// DefaultRefreshTTL applies when the token endpoint omits refresh_expires_at.
	DefaultRefreshTTL time.Duration

	// RefreshLead is how long before access expiry the Scheduler fires.
	RefreshLead time.Duration

	// ClockSkew is the margin EnsureFresh treats as already expired.
	ClockSkew time.Duration

	// RequestTimeout bounds a single token endpoint call.
	RequestTimeout time.Duration

	// ExpiryFromClaims reads the exp claim of JWT access tokens when the
	// endpoint omits access_expires_at.
	ExpiryFromClaims bool
}

// DefaultConfig returns the policy defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL:           "http://localhost:8080",
		Platform:          PlatformDesktop,
		DefaultAccessTTL:  24 * time.Hour,
		DefaultRefreshTTL: 7 * 24 * time.Hour,
		RefreshLead:       5 * time.Minute,
		ClockSkew:         30 * time.Second,
		RequestTimeout:    30 * time.Second,
	}
}

// LoadConfigFromEnv loads session configuration from environment variables.
//
// Optional (durations must be valid Go duration strings):
//   - TASKLINE_API_URL
//   - TASKLINE_AUTH_PLATFORM
//   - TASKLINE_AUTH_ACCESS_TTL
//   - TASKLINE_AUTH_REFRESH_TTL
//   - TASKLINE_AUTH_REFRESH_LEAD
//   - TASKLINE_AUTH_CLOCK_SKEW
//   - TASKLINE_AUTH_TIMEOUT
//   - TASKLINE_AUTH_EXPIRY_FROM_CLAIMS
//
// Returns ErrConfig if configuration is invalid.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := strings.TrimSpace(os.Getenv("TASKLINE_API_URL")); v != "" {
		u, err := url.Parse(v)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return Config{}, ErrConfig
		}
		cfg.BaseURL = strings.TrimRight(v, "/")
	}

	if v := strings.TrimSpace(os.Getenv("TASKLINE_AUTH_PLATFORM")); v != "" {
		switch p := Platform(strings.ToLower(v)); p {
		case PlatformWeb, PlatformIOS, PlatformAndroid, PlatformDesktop:
			cfg.Platform = p
		default:
			return Config{}, ErrConfig
		}
	}

	durations := []struct {
		env       string
		dst       *time.Duration
		allowZero bool
	}{
		{"TASKLINE_AUTH_ACCESS_TTL", &cfg.DefaultAccessTTL, false},
		{"TASKLINE_AUTH_REFRESH_TTL", &cfg.DefaultRefreshTTL, false},
		{"TASKLINE_AUTH_REFRESH_LEAD", &cfg.RefreshLead, true},
		{"TASKLINE_AUTH_CLOCK_SKEW", &cfg.ClockSkew, true},
		{"TASKLINE_AUTH_TIMEOUT", &cfg.RequestTimeout, false},
	}
	for _, d := range durations {
		v := os.Getenv(d.env)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil || parsed < 0 || (parsed == 0 && !d.allowZero) {
			return Config{}, ErrConfig
		}
		*d.dst = parsed
	}

	if v := strings.TrimSpace(strings.ToLower(os.Getenv("TASKLINE_AUTH_EXPIRY_FROM_CLAIMS"))); v != "" {
		switch v {
		case "1", "true", "yes", "y", "on":
			cfg.ExpiryFromClaims = true
		case "0", "false", "no", "n", "off":
			cfg.ExpiryFromClaims = false
		default:
			return Config{}, ErrConfig
		}
	}

	// Invariant: the lead must leave room inside the default access lifetime.
	if cfg.RefreshLead >= cfg.DefaultAccessTTL {
		return Config{}, ErrConfig
	}

	return cfg, nil
}
