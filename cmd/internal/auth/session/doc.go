// Package session owns the client-side authentication state.
//
// It provides the Session Store (the single source of truth for the current
// access token and its expiry), the single-flight Refresh Coordinator, the
// token endpoint client, the Refresher shared by every refresh path, and the
// proactive Scheduler that renews the access token shortly before it expires.
//
// Tokens are opaque to this package. They are persisted through a
// credential.Store and never logged.
package session
