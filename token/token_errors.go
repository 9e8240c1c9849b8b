package token

import "fmt"

// TokenRefreshError means the provider rejected the refresh or retries were
// exhausted. Retryable distinguishes transient failures from rejections that
// require the session to re-authenticate.
type TokenRefreshError struct {
	SessionID string
	Reason    string
	Retryable bool
	Err       error
}

func (e *TokenRefreshError) Error() string {
	return fmt.Sprintf("token refresh failed for session %s: %s: %v", e.SessionID, e.Reason, e.Err)
}

func (e *TokenRefreshError) Unwrap() error {
	return e.Err
}

// TokenValidationError means introspection determined, or was configured to
// assume, that a token is not valid.
type TokenValidationError struct {
	Reason string
	Err    error
}

func (e *TokenValidationError) Error() string {
	return fmt.Sprintf("token validation failed: %s: %v", e.Reason, e.Err)
}

func (e *TokenValidationError) Unwrap() error {
	return e.Err
}

// ProviderError wraps a failure from the remote OAuth provider. Transient
// failures (network, 5xx) may be retried; rejections (4xx) may not.
type ProviderError struct {
	StatusCode int    // zero for transport-level failures
	Code       string // OAuth error code such as "invalid_grant", when known
	Err        error
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("provider error %q (status %d): %v", e.Code, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("provider error (status %d): %v", e.StatusCode, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Temporary reports whether the failure is worth retrying.
func (e *ProviderError) Temporary() bool {
	return e.StatusCode == 0 || e.StatusCode >= 500
}
