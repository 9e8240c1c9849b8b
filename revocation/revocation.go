// Package revocation maintains the authoritative denylist of invalidated
// tokens. Only sha256 hashes are stored, each entry carries a TTL capped at
// the token's remaining natural lifetime, so the denylist stays bounded.
package revocation

import (
	"context"
	"encoding/json"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/sessionworks/go-session-server/sessions"
	"github.com/sessionworks/go-session-server/storage"
)

// TokenType identifies which member of a session's token set a record is for.
type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
	TokenTypeID      TokenType = "id"
)

const denylistPrefix = "revoked:"

// DefaultMaxTTL caps denylist entries whose natural expiry is unknown or
// unreasonably far out.
const DefaultMaxTTL = 24 * time.Hour

// Record is a single denylist entry. The raw token is never stored.
type Record struct {
	ID        string    `json:"id"`
	TokenHash string    `json:"token_hash"`
	TokenType TokenType `json:"token_type"`
	SessionID string    `json:"session_id,omitempty"`
	Reason    string    `json:"reason"`
	RevokedAt time.Time `json:"revoked_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SessionSource lets the service cascade over a user's sessions without
// importing the session manager. The manager registers itself at wiring time.
type SessionSource interface {
	ListUserSessions(ctx context.Context, userID string) ([]*sessions.Session, error)
	// MarkTerminated tombstones a session without triggering another cascade.
	MarkTerminated(ctx context.Context, sessionID, reason string) error
}

// Service owns the denylist. IsRevoked must be consulted by the session and
// token managers on every sensitive operation; callers treat a lookup error
// as "revoked" (fail closed).
type Service struct {
	store          storage.Backend
	source         SessionSource
	maxTTL         time.Duration
	cascadeRetries int
	log            zerolog.Logger
	nowFunc        func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithMaxTTL caps how long a denylist entry may live regardless of the
// token's own expiry.
func WithMaxTTL(d time.Duration) Option {
	return func(s *Service) { s.maxTTL = d }
}

// WithNowFunc overrides the clock, primarily for tests.
func WithNowFunc(now func() time.Time) Option {
	return func(s *Service) { s.nowFunc = now }
}

// WithLogger sets the service logger.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Service) { s.log = log }
}

func NewService(store storage.Backend, options ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("[revocation.NewService] store is required")
	}
	s := &Service{
		store:          store,
		maxTTL:         DefaultMaxTTL,
		cascadeRetries: 3,
		log:            zerolog.Nop(),
		nowFunc:        time.Now,
	}
	for _, opt := range options {
		opt(s)
	}
	return s, nil
}

// SetSessionSource registers the session manager for bulk cascades. Setter
// injection keeps the wiring acyclic.
func (s *Service) SetSessionSource(source SessionSource) {
	s.source = source
}

// RevokeToken inserts a token into the denylist. naturalExpiry may be zero;
// the service then falls back to the token's own exp claim when it is
// JWT-shaped, or to the max TTL for opaque tokens.
func (s *Service) RevokeToken(ctx context.Context, token string, tokenType TokenType, sessionID, reason string, naturalExpiry time.Time) (*Record, error) {
	if token == "" {
		return nil, errors.New("[Service.RevokeToken] empty token")
	}

	now := s.nowFunc()
	expiresAt := s.entryExpiry(token, naturalExpiry, now)

	record := &Record{
		ID:        uuid.New().String(),
		TokenHash: sessions.TokenDigest(token),
		TokenType: tokenType,
		SessionID: sessionID,
		Reason:    reason,
		RevokedAt: now,
		ExpiresAt: expiresAt,
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return nil, errors.Wrap(err, "[Service.RevokeToken] marshal")
	}
	if err := s.store.Set(ctx, denylistPrefix+record.TokenHash, payload, expiresAt.Sub(now)); err != nil {
		return nil, errors.Wrap(err, "[Service.RevokeToken] store")
	}

	s.log.Info().
		Str("token", sessions.ShortDigest(token)).
		Str("token_type", string(tokenType)).
		Str("session_id", sessionID).
		Str("reason", reason).
		Msg("token revoked")
	return record, nil
}

// RevokeSession cascades revocation over the session's whole token set as
// one logical unit. Each sub-revocation is retried; if any still fails the
// error reports the subset so the caller knows live tokens may remain.
func (s *Service) RevokeSession(ctx context.Context, session *sessions.Session, reason string) ([]*Record, error) {
	if session == nil {
		return nil, errors.New("[Service.RevokeSession] nil session")
	}

	type target struct {
		token     string
		tokenType TokenType
		expiry    time.Time
	}
	targets := []target{
		{session.AccessToken, TokenTypeAccess, session.AccessExpiresAt},
		{session.RefreshToken, TokenTypeRefresh, session.RefreshExpiresAt},
		{session.IDToken, TokenTypeID, session.AccessExpiresAt},
	}

	records := make([]*Record, 0, len(targets))
	var failed []TokenType
	var lastErr error

	for _, tgt := range targets {
		if tgt.token == "" {
			continue
		}
		var record *Record
		var err error
		for attempt := 0; attempt <= s.cascadeRetries; attempt++ {
			record, err = s.RevokeToken(ctx, tgt.token, tgt.tokenType, session.ID, reason, tgt.expiry)
			if err == nil {
				break
			}
		}
		if err != nil {
			failed = append(failed, tgt.tokenType)
			lastErr = err
			continue
		}
		records = append(records, record)
	}

	if len(failed) > 0 {
		return records, &RevocationError{SessionID: session.ID, Failed: failed, Err: lastErr}
	}
	return records, nil
}

// RevokeUserSessions cascades over every session belonging to a user,
// optionally sparing one (the caller's own, typically).
func (s *Service) RevokeUserSessions(ctx context.Context, userID, exceptSessionID, reason string) ([]*Record, error) {
	if s.source == nil {
		return nil, errors.New("[Service.RevokeUserSessions] no session source registered")
	}

	list, err := s.source.ListUserSessions(ctx, userID)
	if err != nil {
		return nil, errors.Wrap(err, "[Service.RevokeUserSessions] list sessions")
	}

	var records []*Record
	for _, session := range list {
		if session.ID == exceptSessionID || session.State == sessions.StateTerminated {
			continue
		}
		recs, err := s.RevokeSession(ctx, session, reason)
		records = append(records, recs...)
		if err != nil {
			return records, err
		}
		if err := s.source.MarkTerminated(ctx, session.ID, reason); err != nil {
			return records, errors.Wrap(err, "[Service.RevokeUserSessions] terminate")
		}
	}
	return records, nil
}

// IsRevoked reports whether a token's hash is on the denylist. A storage
// error is returned so callers can fail closed; absence of an entry does not
// by itself prove validity (session state is checked separately).
func (s *Service) IsRevoked(ctx context.Context, token string) (bool, error) {
	payload, err := s.store.Get(ctx, denylistPrefix+sessions.TokenDigest(token))
	if err == storage.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "[Service.IsRevoked]")
	}

	var record Record
	if err := json.Unmarshal(payload, &record); err != nil {
		// Unreadable entry: treat as revoked rather than silently allowing.
		return true, nil
	}
	if s.nowFunc().After(record.ExpiresAt) {
		// Backend TTL has not swept it yet; the token's natural life is over
		// anyway.
		return false, nil
	}
	return true, nil
}

// CleanupExpired purges denylist entries past their recorded expiry, for
// backends whose TTL support is lax. Returns the number of entries removed.
func (s *Service) CleanupExpired(ctx context.Context) (int, error) {
	now := s.nowFunc()
	var stale []string
	err := s.store.Scan(ctx, denylistPrefix, func(key string, value []byte) error {
		var record Record
		if err := json.Unmarshal(value, &record); err != nil {
			return nil // leave unreadable entries for the operator
		}
		if now.After(record.ExpiresAt) {
			stale = append(stale, key)
		}
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(err, "[Service.CleanupExpired] scan")
	}

	removed := 0
	for _, key := range stale {
		if err := s.store.Delete(ctx, key); err != nil {
			return removed, errors.Wrap(err, "[Service.CleanupExpired] delete")
		}
		removed++
	}
	return removed, nil
}

// entryExpiry picks the denylist TTL: the explicit hint, else the exp claim
// of a JWT-shaped token, else the cap - never beyond now+maxTTL.
func (s *Service) entryExpiry(token string, naturalExpiry, now time.Time) time.Time {
	expiry := naturalExpiry
	if expiry.IsZero() {
		if exp, ok := jwtExpiry(token); ok {
			expiry = exp
		}
	}
	cap := now.Add(s.maxTTL)
	if expiry.IsZero() || expiry.After(cap) {
		return cap
	}
	if expiry.Before(now) {
		// Already past natural expiry; keep a minimal entry so concurrent
		// checks still observe the revocation.
		return now.Add(time.Minute)
	}
	return expiry
}

// jwtExpiry peeks at the exp claim of a JWT-shaped token without verifying
// it. Verification is the provider's job; only the expiry hint is wanted.
func jwtExpiry(token string) (time.Time, bool) {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, false
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
