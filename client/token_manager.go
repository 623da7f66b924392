package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const refreshFlightKey = "session-refresh"

// jwtEarlyRefreshLead refreshes a JWT access token slightly before its exp
// claim so a near-expiry token is never presented to a slow endpoint.
const jwtEarlyRefreshLead = 2 * time.Minute

// TokenManager is the Token Lifecycle Controller: it owns credential
// validity, performs single-flight refresh, and fires the one-shot
// session-expired broadcast when the refresh token is rejected.
//
// Credentials are always read through the SecretStore at the start of each
// operation, never cached across operations, so a refresh performed by the
// realtime layer (or vice versa) is observed immediately.
//
// The validate/refresh HTTP calls go through a plain http.Client, never
// through the Gateway, so the auth endpoints cannot recurse into the
// refresh-and-retry chain.
type TokenManager struct {
	store      SecretStore
	endpoints  Endpoints
	httpClient *http.Client
	flight     *Flight
	logger     *slog.Logger

	validateTimeout time.Duration
	refreshTimeout  time.Duration
	proactiveAge    time.Duration

	mu             sync.Mutex
	lastRefreshed  time.Time
	sessionExpired bool // one-shot guard, reset by SetCredentials
	listeners      []SessionListener
}

// NewTokenManager creates a token manager. httpClient may be nil, in which
// case a default client is used; tests inject the mock server's TLS client.
func NewTokenManager(store SecretStore, cfg Config, httpClient *http.Client, logger *slog.Logger) *TokenManager {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.RefreshTimeout}
	}
	return &TokenManager{
		store:           store,
		endpoints:       cfg.Endpoints,
		httpClient:      httpClient,
		flight:          NewFlight(),
		logger:          logger,
		validateTimeout: cfg.ValidateTimeout,
		refreshTimeout:  cfg.RefreshTimeout,
		proactiveAge:    cfg.ProactiveRefreshAge,
	}
}

// AddSessionListener registers a listener for the session-expired broadcast.
// Listeners are registered at composition time; the broadcast fires at most
// once per session lifetime until the next successful SetCredentials.
func (tm *TokenManager) AddSessionListener(l SessionListener) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.listeners = append(tm.listeners, l)
}

// AccessToken implements TokenService.
func (tm *TokenManager) AccessToken(ctx context.Context) (string, error) {
	return tm.store.Get(ctx, SecretAccessToken)
}

// SetCredentials persists a fresh credential pair after login and re-arms
// the session-expired broadcast.
func (tm *TokenManager) SetCredentials(ctx context.Context, accessToken, refreshToken string) error {
	if accessToken == "" || refreshToken == "" {
		return fmt.Errorf("both tokens are required")
	}
	if err := tm.persistCredentials(ctx, accessToken, refreshToken); err != nil {
		return err
	}

	tm.mu.Lock()
	tm.sessionExpired = false
	tm.mu.Unlock()

	tm.logger.Info("credentials established", "function", "SetCredentials")
	return nil
}

// Logout deletes both credentials. No session-expired broadcast fires: an
// explicit logout is its own notification.
func (tm *TokenManager) Logout(ctx context.Context) error {
	if err := tm.store.Delete(ctx, SecretAccessToken); err != nil {
		return err
	}
	return tm.store.Delete(ctx, SecretRefreshToken)
}

// EnsureValid implements TokenService. It returns (false, nil) when
// unauthenticated, validates the access token against the backend's
// lightweight check otherwise, refreshes on rejection, and opportunistically
// refreshes a still-valid but aging token. Proactive refresh failures are
// non-fatal: the still-valid token remains usable.
func (tm *TokenManager) EnsureValid(ctx context.Context) (bool, error) {
	access, err := tm.store.Get(ctx, SecretAccessToken)
	if err != nil {
		return false, err
	}
	refresh, err := tm.store.Get(ctx, SecretRefreshToken)
	if err != nil {
		return false, err
	}
	if access == "" || refresh == "" {
		// Unauthenticated is a precondition, not an error.
		return false, nil
	}

	valid, err := tm.validate(ctx, access)
	if err != nil {
		return false, err
	}

	if valid {
		if tm.needsProactiveRefresh(access) {
			tm.logger.Debug("token aging, refreshing proactively", "function", "EnsureValid")
			if err := tm.Refresh(ctx); err != nil {
				// Keep the still-valid token.
				tm.logger.Warn("proactive refresh failed, keeping current token",
					"function", "EnsureValid",
					"error", err)
			}
		}
		return true, nil
	}

	tm.logger.Info("access token rejected, refreshing", "function", "EnsureValid")
	if err := tm.Refresh(ctx); err != nil {
		if IsTransient(err) {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// Refresh implements TokenService. All concurrent callers coalesce onto one
// underlying refresh; the operation carries its own hard timeout so waiters
// never hang on a stalled exchange.
func (tm *TokenManager) Refresh(ctx context.Context) error {
	_, err := tm.flight.Run(ctx, refreshFlightKey, func() (any, error) {
		// Detach from the triggering caller: one cancelled request must not
		// abort a refresh that other queued requests are waiting on.
		opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), tm.refreshTimeout)
		defer cancel()
		return nil, tm.doRefresh(opCtx)
	})
	return err
}

func (tm *TokenManager) doRefresh(ctx context.Context) error {
	refresh, err := tm.store.Get(ctx, SecretRefreshToken)
	if err != nil {
		return err
	}
	if refresh == "" {
		return ErrUnauthenticated
	}

	reqBody, err := json.Marshal(map[string]string{"refreshToken": refresh})
	if err != nil {
		return fmt.Errorf("failed to marshal refresh request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tm.endpoints.RefreshTokenURL, bytes.NewBuffer(reqBody))
	if err != nil {
		return fmt.Errorf("failed to create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := tm.httpClient.Do(req)
	if err != nil {
		// Network loss is not proof of an invalid session.
		return &TransientError{Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var pair struct {
			AccessToken  string `json:"accessToken"`
			RefreshToken string `json:"refreshToken"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&pair); err != nil {
			return fmt.Errorf("failed to decode refresh response: %w", err)
		}
		if pair.AccessToken == "" || pair.RefreshToken == "" {
			return fmt.Errorf("refresh response missing tokens")
		}
		if err := tm.persistCredentials(ctx, pair.AccessToken, pair.RefreshToken); err != nil {
			return err
		}
		tm.logger.Info("token refreshed", "function", "doRefresh")
		return nil

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		// Refresh token revoked: the session is over. Clear credentials and
		// fire the one-shot broadcast; every queued waiter sees the same
		// ErrSessionExpired but only one logout happens downstream.
		tm.logger.Warn("refresh token rejected",
			"function", "doRefresh",
			"status", resp.StatusCode)
		if err := tm.store.Delete(ctx, SecretAccessToken); err != nil {
			tm.logger.Error("failed to clear access token", "function", "doRefresh", "error", err)
		}
		if err := tm.store.Delete(ctx, SecretRefreshToken); err != nil {
			tm.logger.Error("failed to clear refresh token", "function", "doRefresh", "error", err)
		}
		tm.fireSessionExpired()
		return ErrSessionExpired

	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return &TransientError{Err: &HTTPStatusError{StatusCode: resp.StatusCode, Status: string(bytes.TrimSpace(body))}}
	}
}

// validate calls the backend's lightweight validation check.
func (tm *TokenManager) validate(ctx context.Context, accessToken string) (bool, error) {
	opCtx, cancel := context.WithTimeout(ctx, tm.validateTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(opCtx, http.MethodGet, tm.endpoints.ValidateTokenURL, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := tm.httpClient.Do(req)
	if err != nil {
		return false, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return false, &TransientError{Err: &HTTPStatusError{StatusCode: resp.StatusCode}}
	}

	var result struct {
		Valid bool `json:"valid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return false, fmt.Errorf("failed to decode validation response: %w", err)
	}
	return result.Valid, nil
}

func (tm *TokenManager) persistCredentials(ctx context.Context, accessToken, refreshToken string) error {
	if err := tm.store.Set(ctx, SecretAccessToken, accessToken); err != nil {
		return fmt.Errorf("failed to persist access token: %w", err)
	}
	if err := tm.store.Set(ctx, SecretRefreshToken, refreshToken); err != nil {
		return fmt.Errorf("failed to persist refresh token: %w", err)
	}

	tm.mu.Lock()
	tm.lastRefreshed = time.Now()
	tm.mu.Unlock()
	return nil
}

// needsProactiveRefresh decides whether a still-valid token should be
// renewed early. JWT access tokens expose exp/iat claims; opaque tokens fall
// back to the persisted last-refresh timestamp.
func (tm *TokenManager) needsProactiveRefresh(accessToken string) bool {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			return time.Until(exp.Time) < jwtEarlyRefreshLead
		}
	}

	tm.mu.Lock()
	last := tm.lastRefreshed
	tm.mu.Unlock()
	if last.IsZero() {
		return false
	}
	return time.Since(last) > tm.proactiveAge
}

// fireSessionExpired runs the broadcast at most once until SetCredentials
// re-arms it, regardless of how many concurrent failures funnel in.
func (tm *TokenManager) fireSessionExpired() {
	tm.mu.Lock()
	if tm.sessionExpired {
		tm.mu.Unlock()
		return
	}
	tm.sessionExpired = true
	listeners := make([]SessionListener, len(tm.listeners))
	copy(listeners, tm.listeners)
	tm.mu.Unlock()

	tm.logger.Info("session expired broadcast", "function", "fireSessionExpired")
	for _, l := range listeners {
		l.SessionExpired()
	}
}
