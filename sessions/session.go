// Package sessions holds the data model shared by the session, token,
// revocation and security services: the session record itself, the token
// pair it carries, and the device fingerprint it was bound to at creation.
package sessions

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// State is the session lifecycle state. Terminated is absorbing: no
// transition leaves it.
type State string

const (
	StateActive     State = "active"
	StateTerminated State = "terminated"
)

// Session represents one authenticated user+device binding and the token
// pair currently backing it. All durable copies live in the storage backend;
// in-process instances are short-lived snapshots.
type Session struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
	State  State  `json:"state"`

	// Token material. Never logged in full - use sessions.TokenDigest.
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	IDToken      string `json:"id_token,omitempty"`

	IssuedAt         time.Time `json:"issued_at"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`

	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`

	Fingerprint *DeviceFingerprint `json:"fingerprint,omitempty"`
	IPAddress   string             `json:"ip_address,omitempty"`
	Scopes      []string           `json:"scopes,omitempty"`
	Provider    string             `json:"provider,omitempty"`

	// TerminatedReason records why a tombstoned session was ended.
	TerminatedReason string `json:"terminated_reason,omitempty"`
}

// TokenPair is the token material a session carries, as returned by the
// OAuth provider's token endpoint.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	IDToken          string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
	Scopes           []string
}

// IdleExpired reports whether the session has been inactive longer than
// idleTimeout at the given instant.
func (s *Session) IdleExpired(now time.Time, idleTimeout time.Duration) bool {
	return idleTimeout > 0 && now.Sub(s.LastAccessedAt) > idleTimeout
}

// AbsoluteExpired reports whether the session is older than absoluteTimeout
// at the given instant, regardless of activity.
func (s *Session) AbsoluteExpired(now time.Time, absoluteTimeout time.Duration) bool {
	return absoluteTimeout > 0 && now.Sub(s.CreatedAt) > absoluteTimeout
}

// NearAccessExpiry reports whether now has entered the proactive-refresh
// window before the access token's expiry.
func (s *Session) NearAccessExpiry(now time.Time, window time.Duration) bool {
	return !s.AccessExpiresAt.IsZero() && !now.Before(s.AccessExpiresAt.Add(-window))
}

// KeyPrefix namespaces session records in the storage backend.
const KeyPrefix = "session:"

// StorageKey returns the storage key holding a session record.
func StorageKey(sessionID string) string {
	return KeyPrefix + sessionID
}

// TokenDigest returns a stable, loggable digest of a raw token. The full
// sha256 hex is the denylist key; the short form is what goes in logs.
func TokenDigest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// ShortDigest returns the first eight hex characters of TokenDigest, enough
// to correlate log lines without exposing token material.
func ShortDigest(token string) string {
	return TokenDigest(token)[:8]
}
