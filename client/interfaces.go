package client

import (
	"context"
)

// ============================================================================
// INTERFACES - Contracts between the session layer and its collaborators
// ============================================================================
// The session layer owns credential liveness and request resilience. Screens,
// navigation and business rules live outside this module and talk to it
// through these interfaces only.
// ============================================================================

// Secret store keys used by the session layer.
const (
	SecretAccessToken  = "access_token"
	SecretRefreshToken = "refresh_token"
)

// SecretStore is an opaque key-value store for a small set of named secrets.
// Get returns an empty string with a nil error when the key is absent;
// an absent credential is a normal unauthenticated state, not an error.
type SecretStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string) error
	Delete(ctx context.Context, key string) error
}

// SessionListener receives the one-shot session-expired broadcast. Exactly
// one listener should own auth state: it clears credentials and returns the
// UI to an unauthenticated state. Registered at composition time, never
// patched in later.
type SessionListener interface {
	SessionExpired()
}

// SessionListenerFunc adapts a plain function to SessionListener.
type SessionListenerFunc func()

func (f SessionListenerFunc) SessionExpired() { f() }

// TokenService is the credential-liveness contract consumed by the request
// gateway and the realtime connection layer. TokenManager is the production
// implementation.
type TokenService interface {
	// AccessToken returns the current access token, or "" when
	// unauthenticated. It always reads through the SecretStore so a refresh
	// performed by another component is observed immediately.
	AccessToken(ctx context.Context) (string, error)

	// EnsureValid reports whether a usable access token is available,
	// refreshing it first if the backend rejects the current one.
	// Returns (false, nil) when unauthenticated.
	EnsureValid(ctx context.Context) (bool, error)

	// Refresh exchanges the refresh token for a new credential pair.
	// Concurrent calls coalesce onto a single underlying refresh.
	Refresh(ctx context.Context) error
}
