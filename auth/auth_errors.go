package auth

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrSessionNotFound means no record exists for the session ID.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExpired covers idle timeout, absolute timeout, revoked
	// tokens and terminated tombstones. The caller should re-authenticate.
	ErrSessionExpired = errors.New("session expired")
	// ErrSessionLimitExceeded is returned under the "deny" policy when a
	// user already holds the maximum number of sessions.
	ErrSessionLimitExceeded = errors.New("session limit exceeded")
)

// DeviceValidationError means the request's device fingerprint scored below
// the match threshold against the session's baseline.
type DeviceValidationError struct {
	SessionID string
	Score     float64
	Threshold float64
}

func (e *DeviceValidationError) Error() string {
	return fmt.Sprintf("device validation failed for session %s: similarity %.2f below threshold %.2f",
		e.SessionID, e.Score, e.Threshold)
}

// SuspiciousActivityError means hijack detection crossed the risk threshold
// and the session was terminated.
type SuspiciousActivityError struct {
	SessionID string
	RiskScore float64
	Reasons   []string
}

func (e *SuspiciousActivityError) Error() string {
	return fmt.Sprintf("suspicious activity on session %s (risk %.2f): %s",
		e.SessionID, e.RiskScore, strings.Join(e.Reasons, "; "))
}
