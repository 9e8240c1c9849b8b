// Package token owns refresh and rotation of a session's token pair against
// the remote OAuth provider. Rotation is guarded by a per-session lock taken
// through the storage backend's conditional write, and a grace record keeps
// the superseded refresh token honoured briefly so benign client races
// collapse onto the winner's pair instead of erroring.
package token

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/sessionworks/go-session-server/revocation"
	"github.com/sessionworks/go-session-server/sessions"
	"github.com/sessionworks/go-session-server/storage"
)

// RefreshReason records why a refresh was attempted.
type RefreshReason string

const (
	ReasonProactive RefreshReason = "proactive"
	ReasonForced    RefreshReason = "forced"
	ReasonReactive  RefreshReason = "reactive"
)

// Outcome classifies a refresh attempt for the audit trail.
type Outcome string

const (
	OutcomeRotated      Outcome = "rotated"
	OutcomeDeduplicated Outcome = "deduplicated"
	OutcomeFailed       Outcome = "failed"
	OutcomeSkipped      Outcome = "skipped"
)

// RefreshRecord is the audit entry written for every refresh call,
// regardless of outcome. Tokens appear only as hashes.
type RefreshRecord struct {
	ID           string        `json:"id"`
	SessionID    string        `json:"session_id"`
	OldTokenHash string        `json:"old_token_hash"`
	NewTokenHash string        `json:"new_token_hash,omitempty"`
	Reason       RefreshReason `json:"reason"`
	Outcome      Outcome       `json:"outcome"`
	Error        string        `json:"error,omitempty"`
	Timestamp    time.Time     `json:"timestamp"`
	Latency      time.Duration `json:"latency"`
}

// rotationRecord is the grace-period dedup entry keyed by the superseded
// refresh token's hash.
type rotationRecord struct {
	SessionID        string    `json:"session_id"`
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	IDToken          string    `json:"id_token,omitempty"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	RotatedAt        time.Time `json:"rotated_at"`
}

const (
	rotationPrefix = "rotation:"
	lockPrefix     = "rotationlock:"
	recordPrefix   = "refresh:"
)

// Defaults for the manager's timing knobs. DefaultSessionTTL mirrors the
// session manager's storage bound (absolute timeout plus tombstone
// retention) so a rewritten record keeps the same expiry as a fresh one.
const (
	DefaultProactiveWindow = 5 * time.Minute
	DefaultGracePeriod     = 5 * time.Minute
	DefaultMaxRetries      = 3
	DefaultMaxDelay        = 10 * time.Second
	DefaultLockTTL         = 30 * time.Second
	DefaultSessionTTL      = 32 * time.Hour
)

// persistCASAttempts bounds the conditional-write loop when rewriting the
// session record against concurrent touch updates.
const persistCASAttempts = 5

// errSessionTerminated aborts a rotation whose session was terminated while
// the provider call was in flight. Terminated is absorbing: the tombstone
// must never be overwritten by a rotated record.
var errSessionTerminated = errors.New("session terminated during refresh")

// Manager orchestrates refreshes. It acts on session snapshots passed by the
// caller and persists the rotated record itself so no second refresh using
// the same superseded token can open a new lineage.
type Manager struct {
	store           storage.Backend
	provider        Provider
	revocations     *revocation.Service
	rotationEnabled bool
	proactiveWindow time.Duration
	gracePeriod     time.Duration
	maxRetries      int
	maxDelay        time.Duration
	lockTTL         time.Duration
	refreshTokenTTL time.Duration
	sessionTTL      time.Duration
	recordRetention time.Duration
	failClosed      bool
	log             zerolog.Logger
	nowFunc         func() time.Time
	instanceID      string
}

// Option configures a Manager.
type Option func(*Manager)

// WithRotation toggles refresh token rotation (on by default).
func WithRotation(enabled bool) Option {
	return func(m *Manager) { m.rotationEnabled = enabled }
}

// WithProactiveWindow sets how long before access expiry a refresh is allowed.
func WithProactiveWindow(d time.Duration) Option {
	return func(m *Manager) { m.proactiveWindow = d }
}

// WithGracePeriod sets how long a superseded refresh token keeps resolving
// to the rotated pair.
func WithGracePeriod(d time.Duration) Option {
	return func(m *Manager) { m.gracePeriod = d }
}

// WithRetryPolicy bounds provider retries: attempts beyond the first, and
// the ceiling for the backoff interval.
func WithRetryPolicy(maxRetries int, maxDelay time.Duration) Option {
	return func(m *Manager) {
		m.maxRetries = maxRetries
		m.maxDelay = maxDelay
	}
}

// WithLockTTL bounds how long a crashed instance can hold the rotation lock.
func WithLockTTL(d time.Duration) Option {
	return func(m *Manager) { m.lockTTL = d }
}

// WithRefreshTokenTTL makes each rotation restart the refresh token's
// lifetime; zero keeps the session's existing refresh expiry.
func WithRefreshTokenTTL(d time.Duration) Option {
	return func(m *Manager) { m.refreshTokenTTL = d }
}

// WithSessionTTL sets the storage expiry applied when the rotated session
// record is rewritten. It should match the session manager's bound so a
// rotation never extends a record's life in storage.
func WithSessionTTL(d time.Duration) Option {
	return func(m *Manager) { m.sessionTTL = d }
}

// WithFailClosedIntrospection makes Validate treat an unreachable
// introspection endpoint as invalid instead of unknown.
func WithFailClosedIntrospection(failClosed bool) Option {
	return func(m *Manager) { m.failClosed = failClosed }
}

// WithNowFunc overrides the clock, primarily for tests.
func WithNowFunc(now func() time.Time) Option {
	return func(m *Manager) { m.nowFunc = now }
}

// WithLogger sets the manager logger.
func WithLogger(log zerolog.Logger) Option {
	return func(m *Manager) { m.log = log }
}

func NewManager(store storage.Backend, provider Provider, revocations *revocation.Service, options ...Option) (*Manager, error) {
	if store == nil {
		return nil, errors.New("[token.NewManager] store is required")
	}
	if provider == nil {
		return nil, errors.New("[token.NewManager] provider is required")
	}
	if revocations == nil {
		return nil, errors.New("[token.NewManager] revocation service is required")
	}

	m := &Manager{
		store:           store,
		provider:        provider,
		revocations:     revocations,
		rotationEnabled: true,
		proactiveWindow: DefaultProactiveWindow,
		gracePeriod:     DefaultGracePeriod,
		maxRetries:      DefaultMaxRetries,
		maxDelay:        DefaultMaxDelay,
		lockTTL:         DefaultLockTTL,
		sessionTTL:      DefaultSessionTTL,
		recordRetention: 30 * 24 * time.Hour,
		log:             zerolog.Nop(),
		nowFunc:         time.Now,
		instanceID:      uuid.New().String(),
	}
	for _, opt := range options {
		opt(m)
	}
	return m, nil
}

// ProactiveWindow reports how long before access expiry a refresh triggers,
// so the session manager can decide when to delegate.
func (m *Manager) ProactiveWindow() time.Duration {
	return m.proactiveWindow
}

// Refresh exchanges the session's refresh token for a new token pair.
// Outside the proactive window it is a recorded no-op unless force is set.
// Exactly one RefreshRecord is written per call.
func (m *Manager) Refresh(ctx context.Context, session *sessions.Session, force bool, reason RefreshReason) (*sessions.Session, *RefreshRecord, error) {
	start := m.nowFunc()
	oldHash := sessions.TokenDigest(session.RefreshToken)

	record := &RefreshRecord{
		ID:           uuid.New().String(),
		SessionID:    session.ID,
		OldTokenHash: oldHash,
		Reason:       reason,
		Timestamp:    start,
	}

	finish := func(outcome Outcome, newHash string, failure error) {
		record.Outcome = outcome
		record.NewTokenHash = newHash
		if failure != nil {
			record.Error = failure.Error()
		}
		record.Latency = m.nowFunc().Sub(start)
		m.writeRecord(ctx, record)
	}

	if !force && !session.NearAccessExpiry(start, m.proactiveWindow) {
		finish(OutcomeSkipped, "", nil)
		return session, record, nil
	}

	// Revocation check precedes any provider traffic. A storage failure
	// here denies the refresh (fail closed).
	revoked, err := m.revocations.IsRevoked(ctx, session.RefreshToken)
	if err != nil {
		refreshErr := &TokenRefreshError{SessionID: session.ID, Reason: "revocation check unavailable", Retryable: true, Err: err}
		finish(OutcomeFailed, "", refreshErr)
		return nil, record, refreshErr
	}
	if revoked {
		refreshErr := &TokenRefreshError{SessionID: session.ID, Reason: "refresh token revoked", Retryable: false}
		finish(OutcomeFailed, "", refreshErr)
		return nil, record, refreshErr
	}

	if !session.RefreshExpiresAt.IsZero() && start.After(session.RefreshExpiresAt) {
		refreshErr := &TokenRefreshError{SessionID: session.ID, Reason: "refresh token expired", Retryable: false}
		finish(OutcomeFailed, "", refreshErr)
		return nil, record, refreshErr
	}

	// The stored session is authoritative; the caller's snapshot may hold a
	// refresh token that has already been rotated.
	current, err := m.loadSession(ctx, session.ID)
	if err != nil {
		refreshErr := &TokenRefreshError{SessionID: session.ID, Reason: "session read failed", Retryable: true, Err: err}
		finish(OutcomeFailed, "", refreshErr)
		return nil, record, refreshErr
	}

	if sessions.TokenDigest(current.RefreshToken) != oldHash {
		rotated, found, lookupErr := m.lookupRotation(ctx, oldHash)
		if lookupErr != nil {
			// Storage trouble, not a superseded token: the grace record may
			// well exist, so let the caller retry.
			refreshErr := &TokenRefreshError{SessionID: session.ID, Reason: "rotation lookup failed", Retryable: true, Err: lookupErr}
			finish(OutcomeFailed, "", refreshErr)
			return nil, record, refreshErr
		}
		if found && rotated.SessionID == session.ID {
			updated := applyRotation(current, rotated)
			finish(OutcomeDeduplicated, sessions.TokenDigest(rotated.RefreshToken), nil)
			return updated, record, nil
		}
		refreshErr := &TokenRefreshError{SessionID: session.ID, Reason: "refresh token superseded", Retryable: false}
		finish(OutcomeFailed, "", refreshErr)
		return nil, record, refreshErr
	}

	acquired, err := m.acquireLock(ctx, session.ID)
	if err != nil {
		refreshErr := &TokenRefreshError{SessionID: session.ID, Reason: "rotation lock unavailable", Retryable: true, Err: err}
		finish(OutcomeFailed, "", refreshErr)
		return nil, record, refreshErr
	}

	if !acquired {
		// Another instance is mid-rotation with the same token: wait for its
		// grace record and hand back the winner's pair.
		rotated, waitErr := m.awaitRotation(ctx, oldHash, session.ID)
		if waitErr != nil {
			refreshErr := &TokenRefreshError{SessionID: session.ID, Reason: "concurrent rotation in progress", Retryable: true, Err: waitErr}
			finish(OutcomeFailed, "", refreshErr)
			return nil, record, refreshErr
		}
		updated := applyRotation(current, rotated)
		finish(OutcomeDeduplicated, sessions.TokenDigest(rotated.RefreshToken), nil)
		return updated, record, nil
	}
	defer m.releaseLock(ctx, session.ID)

	// Re-check under the lock: a previous holder may have rotated this very
	// token between our read and the acquire. The raw payload anchors the
	// conditional write in persistRotation.
	current, currentPayload, err := m.loadSessionRaw(ctx, session.ID)
	if err != nil {
		refreshErr := &TokenRefreshError{SessionID: session.ID, Reason: "session read failed", Retryable: true, Err: err}
		finish(OutcomeFailed, "", refreshErr)
		return nil, record, refreshErr
	}
	if sessions.TokenDigest(current.RefreshToken) != oldHash {
		rotated, found, lookupErr := m.lookupRotation(ctx, oldHash)
		if lookupErr != nil {
			refreshErr := &TokenRefreshError{SessionID: session.ID, Reason: "rotation lookup failed", Retryable: true, Err: lookupErr}
			finish(OutcomeFailed, "", refreshErr)
			return nil, record, refreshErr
		}
		if found && rotated.SessionID == session.ID {
			updated := applyRotation(current, rotated)
			finish(OutcomeDeduplicated, sessions.TokenDigest(rotated.RefreshToken), nil)
			return updated, record, nil
		}
		refreshErr := &TokenRefreshError{SessionID: session.ID, Reason: "refresh token superseded", Retryable: false}
		finish(OutcomeFailed, "", refreshErr)
		return nil, record, refreshErr
	}

	response, err := m.callProvider(ctx, current.RefreshToken, current.Scopes)
	if err != nil {
		var providerErr *ProviderError
		retryable := true
		if errors.As(err, &providerErr) {
			retryable = providerErr.Temporary()
		}
		refreshErr := &TokenRefreshError{SessionID: session.ID, Reason: "provider refresh failed", Retryable: retryable, Err: err}
		finish(OutcomeFailed, "", refreshErr)
		return nil, record, refreshErr
	}

	updated, err := m.persistRotation(ctx, current, currentPayload, oldHash, response)
	if err != nil {
		reason := "rotation persist failed"
		retryable := true
		if errors.Is(err, errSessionTerminated) {
			reason = "session terminated during refresh"
			retryable = false
		}
		refreshErr := &TokenRefreshError{SessionID: session.ID, Reason: reason, Retryable: retryable, Err: err}
		finish(OutcomeFailed, "", refreshErr)
		return nil, record, refreshErr
	}

	finish(OutcomeRotated, sessions.TokenDigest(updated.RefreshToken), nil)
	m.log.Info().
		Str("session_id", session.ID).
		Str("old_token", oldHash[:8]).
		Str("new_token", sessions.ShortDigest(updated.RefreshToken)).
		Str("reason", string(reason)).
		Msg("token pair rotated")
	return updated, record, nil
}

// Validate checks a token's remote validity via introspection without
// mutating it. Endpoint failures degrade to an indeterminate result unless
// the manager is configured to fail closed.
func (m *Manager) Validate(ctx context.Context, rawToken string) (*Introspection, error) {
	result, err := m.provider.Introspect(ctx, rawToken)
	if err != nil {
		if m.failClosed {
			return nil, &TokenValidationError{Reason: "introspection unavailable", Err: err}
		}
		m.log.Debug().Err(err).Msg("introspection unavailable, degrading to unknown")
		return &Introspection{Active: false, Indeterminate: true}, nil
	}
	return result, nil
}

// RefreshHistory returns the audit records for a session, oldest first.
func (m *Manager) RefreshHistory(ctx context.Context, sessionID string) ([]*RefreshRecord, error) {
	var records []*RefreshRecord
	err := m.store.Scan(ctx, recordPrefix+sessionID+":", func(_ string, value []byte) error {
		var record RefreshRecord
		if err := json.Unmarshal(value, &record); err != nil {
			return nil
		}
		records = append(records, &record)
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "[Manager.RefreshHistory] scan")
	}
	return records, nil
}

func (m *Manager) callProvider(ctx context.Context, refreshToken string, scopes []string) (*TokenResponse, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 250 * time.Millisecond
	policy.MaxInterval = m.maxDelay

	operation := func() (*TokenResponse, error) {
		response, err := m.provider.Refresh(ctx, refreshToken, scopes)
		if err != nil {
			var providerErr *ProviderError
			if errors.As(err, &providerErr) && !providerErr.Temporary() {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return response, nil
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(m.maxRetries)+1),
	)
}

// persistRotation rewrites the session record with the rotated pair. The
// write is conditional on the payload read under the rotation lock: the lock
// only serializes rotations, so a terminate landing mid-refresh still swaps
// the record underneath us. A terminated or deleted record aborts the
// rotation and denylists the pair the provider just issued; any other
// concurrent writer (an activity touch) is absorbed by re-applying the
// rotation onto the fresh record.
func (m *Manager) persistRotation(ctx context.Context, current *sessions.Session, currentPayload []byte, oldHash string, response *TokenResponse) (*sessions.Session, error) {
	now := m.nowFunc()

	var (
		updated        *sessions.Session
		rotatedRefresh bool
	)
	swapped := false
	for attempt := 0; attempt < persistCASAttempts && !swapped; attempt++ {
		updated, rotatedRefresh = m.applyResponse(current, response, now)
		payload, err := json.Marshal(updated)
		if err != nil {
			return nil, errors.Wrap(err, "[Manager.persistRotation] marshal session")
		}
		swapped, err = m.store.CompareAndSwap(ctx, sessions.StorageKey(updated.ID), currentPayload, payload, m.sessionTTL)
		if err != nil {
			return nil, errors.Wrap(err, "[Manager.persistRotation] write session")
		}
		if swapped {
			break
		}
		fresh, freshPayload, err := m.loadSessionRaw(ctx, updated.ID)
		if err == storage.ErrNotFound {
			m.discardRotatedPair(ctx, current, response)
			return nil, errSessionTerminated
		}
		if err != nil {
			return nil, errors.Wrap(err, "[Manager.persistRotation] reread session")
		}
		if fresh.State == sessions.StateTerminated {
			m.discardRotatedPair(ctx, current, response)
			return nil, errSessionTerminated
		}
		current, currentPayload = fresh, freshPayload
	}
	if !swapped {
		return nil, errors.New("[Manager.persistRotation] session record contention")
	}

	if m.rotationEnabled && rotatedRefresh {
		rotation := rotationRecord{
			SessionID:        updated.ID,
			AccessToken:      updated.AccessToken,
			RefreshToken:     updated.RefreshToken,
			IDToken:          updated.IDToken,
			AccessExpiresAt:  updated.AccessExpiresAt,
			RefreshExpiresAt: updated.RefreshExpiresAt,
			RotatedAt:        now,
		}
		rotationPayload, err := json.Marshal(&rotation)
		if err != nil {
			return nil, errors.Wrap(err, "[Manager.persistRotation] marshal rotation")
		}
		if err := m.store.Set(ctx, rotationPrefix+oldHash, rotationPayload, m.gracePeriod); err != nil {
			return nil, errors.Wrap(err, "[Manager.persistRotation] write rotation")
		}
	}

	return updated, nil
}

// applyResponse folds the provider's response onto a copy of the stored
// session record.
func (m *Manager) applyResponse(current *sessions.Session, response *TokenResponse, now time.Time) (*sessions.Session, bool) {
	updated := *current
	updated.AccessToken = response.AccessToken
	updated.IssuedAt = now
	if !response.Expiry.IsZero() {
		updated.AccessExpiresAt = response.Expiry
	}
	if response.IDToken != "" {
		updated.IDToken = response.IDToken
	}
	if len(response.Scopes) > 0 {
		updated.Scopes = response.Scopes
	}

	rotatedRefresh := response.RefreshToken != "" && response.RefreshToken != current.RefreshToken
	if m.rotationEnabled && rotatedRefresh {
		updated.RefreshToken = response.RefreshToken
		if m.refreshTokenTTL > 0 {
			updated.RefreshExpiresAt = now.Add(m.refreshTokenTTL)
		}
	}
	return &updated, rotatedRefresh
}

// discardRotatedPair denylists tokens issued for a session that was
// terminated while the provider call was in flight. Best-effort: the
// tombstone itself already blocks the session path.
func (m *Manager) discardRotatedPair(ctx context.Context, current *sessions.Session, response *TokenResponse) {
	expiry := response.Expiry
	if expiry.IsZero() {
		expiry = m.nowFunc().Add(m.gracePeriod)
	}
	type discard struct {
		raw       string
		tokenType revocation.TokenType
	}
	discarded := []discard{{response.AccessToken, revocation.TokenTypeAccess}}
	if response.RefreshToken != "" && response.RefreshToken != current.RefreshToken {
		discarded = append(discarded, discard{response.RefreshToken, revocation.TokenTypeRefresh})
	}
	for _, entry := range discarded {
		if entry.raw == "" {
			continue
		}
		if _, err := m.revocations.RevokeToken(ctx, entry.raw, entry.tokenType, current.ID, "session terminated during refresh", expiry); err != nil {
			m.log.Warn().Err(err).
				Str("session_id", current.ID).
				Str("token", sessions.ShortDigest(entry.raw)).
				Msg("discarded token not denylisted")
		}
	}
}

func (m *Manager) loadSession(ctx context.Context, sessionID string) (*sessions.Session, error) {
	session, _, err := m.loadSessionRaw(ctx, sessionID)
	return session, err
}

// loadSessionRaw also returns the stored payload so callers can anchor a
// conditional write on exactly what was read.
func (m *Manager) loadSessionRaw(ctx context.Context, sessionID string) (*sessions.Session, []byte, error) {
	payload, err := m.store.Get(ctx, sessions.StorageKey(sessionID))
	if err != nil {
		return nil, nil, err
	}
	var session sessions.Session
	if err := json.Unmarshal(payload, &session); err != nil {
		return nil, nil, errors.Wrap(err, "unmarshal session")
	}
	return &session, payload, nil
}

func (m *Manager) lookupRotation(ctx context.Context, oldHash string) (*rotationRecord, bool, error) {
	payload, err := m.store.Get(ctx, rotationPrefix+oldHash)
	if err == storage.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var rotation rotationRecord
	if err := json.Unmarshal(payload, &rotation); err != nil {
		return nil, false, err
	}
	return &rotation, true, nil
}

// awaitRotation polls for the lock holder's grace record until the lock TTL
// would have lapsed.
func (m *Manager) awaitRotation(ctx context.Context, oldHash, sessionID string) (*rotationRecord, error) {
	deadline := m.nowFunc().Add(m.lockTTL)
	for {
		rotation, found, err := m.lookupRotation(ctx, oldHash)
		if err != nil {
			return nil, err
		}
		if found && rotation.SessionID == sessionID {
			return rotation, nil
		}
		if m.nowFunc().After(deadline) {
			return nil, errors.New("rotation did not complete in time")
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func applyRotation(current *sessions.Session, rotation *rotationRecord) *sessions.Session {
	updated := *current
	updated.AccessToken = rotation.AccessToken
	updated.RefreshToken = rotation.RefreshToken
	updated.IDToken = rotation.IDToken
	updated.AccessExpiresAt = rotation.AccessExpiresAt
	updated.RefreshExpiresAt = rotation.RefreshExpiresAt
	updated.IssuedAt = rotation.RotatedAt
	return &updated
}

func (m *Manager) acquireLock(ctx context.Context, sessionID string) (bool, error) {
	return m.store.CompareAndSwap(ctx, lockPrefix+sessionID, nil, []byte(m.instanceID), m.lockTTL)
}

func (m *Manager) releaseLock(ctx context.Context, sessionID string) {
	released, err := m.store.CompareAndSwap(ctx, lockPrefix+sessionID, []byte(m.instanceID), nil, 0)
	if err != nil || !released {
		// The TTL reclaims an orphaned lock; nothing more to do here.
		m.log.Debug().Str("session_id", sessionID).Msg("rotation lock not released cleanly")
	}
}

// writeRecord persists the audit entry. Best-effort: audit availability must
// not gate the refresh path, but a write failure is still observable.
func (m *Manager) writeRecord(ctx context.Context, record *RefreshRecord) {
	payload, err := json.Marshal(record)
	if err != nil {
		m.log.Warn().Err(err).Str("session_id", record.SessionID).Msg("refresh record marshal failed")
		return
	}
	key := fmt.Sprintf("%s%s:%d:%s", recordPrefix, record.SessionID, record.Timestamp.UnixNano(), record.ID)
	if err := m.store.Set(ctx, key, payload, m.recordRetention); err != nil {
		m.log.Warn().Err(err).Str("session_id", record.SessionID).Msg("refresh record write failed")
	}
}
