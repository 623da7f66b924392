package client

import (
	"errors"
	"fmt"
)

// Sentinel errors for the session error taxonomy.
var (
	// ErrUnauthenticated means no credential pair exists. This is a
	// precondition, not a failure: no refresh is attempted and no
	// session-expired broadcast fires.
	ErrUnauthenticated = errors.New("not authenticated")

	// ErrSessionExpired means the refresh token was rejected by the backend.
	// Credentials are cleared and the one-shot session-expired broadcast
	// drives the logout; callers should not surface this as a dialog.
	ErrSessionExpired = errors.New("session expired")
)

// TransientError wraps a retryable failure (network loss, 5xx). Transient
// failures never clear credentials and never trigger logout.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a retryable condition.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// HTTPStatusError reports a non-2xx response from the auth backend where no
// richer envelope is available.
type HTTPStatusError struct {
	StatusCode int
	Status     string
}

func (e *HTTPStatusError) Error() string {
	if e.Status != "" {
		return e.Status
	}
	return fmt.Sprintf("HTTP %d", e.StatusCode)
}
