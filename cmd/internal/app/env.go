package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// envOr returns parse(value) for a set key, or def when the key is unset,
// blank, or fails parse. Config defaults are never replaced by garbage.
func envOr[T any](key string, def T, parse func(string) (T, bool)) T {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def
	}
	if v, ok := parse(raw); ok {
		return v
	}
	return def
}

// EnvString reads a string env var with a default.
func EnvString(key, def string) string {
	return envOr(key, def, func(s string) (string, bool) { return s, true })
}

// EnvBool accepts anything strconv.ParseBool does.
func EnvBool(key string, def bool) bool {
	return envOr(key, def, func(s string) (bool, bool) {
		b, err := strconv.ParseBool(s)
		return b, err == nil
	})
}

// EnvInt reads a non-negative int.
func EnvInt(key string, def int) int {
	return envOr(key, def, func(s string) (int, bool) {
		n, err := strconv.Atoi(s)
		return n, err == nil && n >= 0
	})
}

// EnvInt32 reads a non-negative int32, the width pgxpool uses for sizes.
func EnvInt32(key string, def int32) int32 {
	return envOr(key, def, func(s string) (int32, bool) {
		n, err := strconv.ParseInt(s, 10, 32)
		return int32(n), err == nil && n >= 0
	})
}

// EnvDuration reads a positive Go duration such as "90s".
func EnvDuration(key string, def time.Duration) time.Duration {
	return envOr(key, def, func(s string) (time.Duration, bool) {
		d, err := time.ParseDuration(s)
		return d, err == nil && d > 0
	})
}

// EnvChoice reads a lower-cased env var that must be one of allowed. Unlike
// the other helpers it reports a bad value instead of falling back.
func EnvChoice(key, def string, allowed ...string) (string, error) {
	v := strings.ToLower(EnvString(key, def))
	for _, a := range allowed {
		if v == a {
			return v, nil
		}
	}
	return "", fmt.Errorf("%w: %s=%q (want one of %s)", ErrConfig, key, v, strings.Join(allowed, ", "))
}
