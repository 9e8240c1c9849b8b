// Package auth provides the session manager, the top-level façade over the
// token, revocation and security services. It owns the session records and
// the per-user index; the other services act on snapshots it hands them.
package auth

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/sessionworks/go-session-server/revocation"
	"github.com/sessionworks/go-session-server/security"
	"github.com/sessionworks/go-session-server/sessions"
	"github.com/sessionworks/go-session-server/storage"
	"github.com/sessionworks/go-session-server/token"
)

// EvictionPolicy decides what happens when a user hits the session limit.
type EvictionPolicy string

const (
	// EvictLRU terminates the least recently used session to admit the new one.
	EvictLRU EvictionPolicy = "evict"
	// DenyCreation rejects the new session instead.
	DenyCreation EvictionPolicy = "deny"
)

const userIndexPrefix = "user_sessions:"

// Defaults for the manager's policy knobs.
const (
	DefaultIdleTimeout          = 30 * time.Minute
	DefaultAbsoluteTimeout      = 8 * time.Hour
	DefaultMaxSessionsPerUser   = 5
	DefaultDeviceMatchThreshold = 0.8
	DefaultTombstoneRetention   = 24 * time.Hour
	DefaultCleanupBatchSize     = 100
)

const indexCASAttempts = 5

// Manager implements session CRUD, timeout enforcement and device/IP
// validation. It holds no session state between calls; everything durable
// lives in the storage backend.
type Manager struct {
	store                storage.Backend
	tokens               *token.Manager
	revocations          *revocation.Service
	security             *security.Service
	idleTimeout          time.Duration
	absoluteTimeout      time.Duration
	maxSessionsPerUser   int
	evictionPolicy       EvictionPolicy
	deviceValidation     bool
	deviceMatchThreshold float64
	terminateOnHijack    bool
	tombstoneRetention   time.Duration
	cleanupBatchSize     int
	log                  zerolog.Logger
	nowFunc              func() time.Time
}

var _ revocation.SessionSource = (*Manager)(nil)

// Option configures a Manager.
type Option func(*Manager)

// WithTimeouts sets the idle and absolute session timeouts.
func WithTimeouts(idle, absolute time.Duration) Option {
	return func(m *Manager) {
		m.idleTimeout = idle
		m.absoluteTimeout = absolute
	}
}

// WithSessionLimit sets the per-user cap and the policy applied at the cap.
func WithSessionLimit(max int, policy EvictionPolicy) Option {
	return func(m *Manager) {
		m.maxSessionsPerUser = max
		m.evictionPolicy = policy
	}
}

// WithDeviceValidation enables fingerprint checking against the threshold.
func WithDeviceValidation(enabled bool, threshold float64) Option {
	return func(m *Manager) {
		m.deviceValidation = enabled
		if threshold > 0 {
			m.deviceMatchThreshold = threshold
		}
	}
}

// WithTerminateOnHijack controls whether a suspicious access terminates the
// session (on by default).
func WithTerminateOnHijack(enabled bool) Option {
	return func(m *Manager) { m.terminateOnHijack = enabled }
}

// WithTombstoneRetention sets how long terminated sessions stay readable.
func WithTombstoneRetention(d time.Duration) Option {
	return func(m *Manager) { m.tombstoneRetention = d }
}

// WithCleanupBatchSize bounds how many sessions one sweep iteration touches.
func WithCleanupBatchSize(n int) Option {
	return func(m *Manager) { m.cleanupBatchSize = n }
}

// WithNowFunc overrides the clock, primarily for tests.
func WithNowFunc(now func() time.Time) Option {
	return func(m *Manager) { m.nowFunc = now }
}

// WithLogger sets the manager logger.
func WithLogger(log zerolog.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// NewManager wires the façade and registers it as the revocation service's
// session source.
func NewManager(store storage.Backend, tokens *token.Manager, revocations *revocation.Service, sec *security.Service, options ...Option) (*Manager, error) {
	if store == nil {
		return nil, errors.New("[auth.NewManager] store is required")
	}
	if tokens == nil {
		return nil, errors.New("[auth.NewManager] token manager is required")
	}
	if revocations == nil {
		return nil, errors.New("[auth.NewManager] revocation service is required")
	}
	if sec == nil {
		return nil, errors.New("[auth.NewManager] security service is required")
	}

	m := &Manager{
		store:                store,
		tokens:               tokens,
		revocations:          revocations,
		security:             sec,
		idleTimeout:          DefaultIdleTimeout,
		absoluteTimeout:      DefaultAbsoluteTimeout,
		maxSessionsPerUser:   DefaultMaxSessionsPerUser,
		evictionPolicy:       EvictLRU,
		deviceValidation:     true,
		deviceMatchThreshold: DefaultDeviceMatchThreshold,
		terminateOnHijack:    true,
		tombstoneRetention:   DefaultTombstoneRetention,
		cleanupBatchSize:     DefaultCleanupBatchSize,
		log:                  zerolog.Nop(),
		nowFunc:              time.Now,
	}
	for _, opt := range options {
		opt(m)
	}

	revocations.SetSessionSource(m)
	return m, nil
}

// CreateParams carries everything needed to admit a new session. The token
// pair comes from an out-of-band authorization-code exchange.
type CreateParams struct {
	UserID      string
	Tokens      sessions.TokenPair
	Fingerprint *sessions.DeviceFingerprint
	IPAddress   string
	Scopes      []string
	Provider    string
}

// AccessContext carries the current request's client signals for device and
// hijack checks.
type AccessContext struct {
	Fingerprint *sessions.DeviceFingerprint
	IPAddress   string
}

// Create admits a new session. At the per-user limit the configured policy
// applies: LRU eviction (with cascaded revocation of the evicted session) or
// outright denial.
func (m *Manager) Create(ctx context.Context, params CreateParams) (*sessions.Session, error) {
	if params.UserID == "" {
		return nil, errors.New("[Manager.Create] user ID is required")
	}
	if params.Tokens.AccessToken == "" || params.Tokens.RefreshToken == "" {
		return nil, errors.New("[Manager.Create] access and refresh tokens are required")
	}

	if err := m.security.CheckRateLimit(ctx, security.RuleSessionCreate, params.UserID); err != nil {
		return nil, err
	}

	live, err := m.liveUserSessions(ctx, params.UserID)
	if err != nil {
		return nil, errors.Wrap(err, "[Manager.Create] list sessions")
	}
	if m.maxSessionsPerUser > 0 && len(live) >= m.maxSessionsPerUser {
		if m.evictionPolicy == DenyCreation {
			return nil, ErrSessionLimitExceeded
		}
		sort.Slice(live, func(i, j int) bool {
			return live[i].LastAccessedAt.Before(live[j].LastAccessedAt)
		})
		evicted := live[0]
		if err := m.Terminate(ctx, evicted.ID, "session limit eviction"); err != nil {
			return nil, errors.Wrap(err, "[Manager.Create] evict LRU session")
		}
	}

	now := m.nowFunc()
	scopes := params.Scopes
	if len(scopes) == 0 {
		scopes = params.Tokens.Scopes
	}
	session := &sessions.Session{
		ID:               uuid.New().String(),
		UserID:           params.UserID,
		State:            sessions.StateActive,
		AccessToken:      params.Tokens.AccessToken,
		RefreshToken:     params.Tokens.RefreshToken,
		IDToken:          params.Tokens.IDToken,
		IssuedAt:         now,
		AccessExpiresAt:  params.Tokens.AccessExpiresAt,
		RefreshExpiresAt: params.Tokens.RefreshExpiresAt,
		CreatedAt:        now,
		LastAccessedAt:   now,
		Fingerprint:      params.Fingerprint,
		IPAddress:        params.IPAddress,
		Scopes:           scopes,
		Provider:         params.Provider,
	}

	if err := m.writeSession(ctx, session); err != nil {
		return nil, errors.Wrap(err, "[Manager.Create] write session")
	}
	if err := m.addToIndex(ctx, session.UserID, session.ID); err != nil {
		return nil, errors.Wrap(err, "[Manager.Create] index session")
	}

	m.security.LogSecurityEvent(ctx, security.EventSessionCreated, session.UserID, session.ID, map[string]string{
		"ip":       session.IPAddress,
		"provider": session.Provider,
	})
	m.log.Info().
		Str("session_id", session.ID).
		Str("user_id", session.UserID).
		Str("access_token", sessions.ShortDigest(session.AccessToken)).
		Msg("session created")
	return session, nil
}

// Get validates and returns a session, updating its last-accessed time and
// transparently refreshing the token pair when it is near expiry. Terminated
// tombstones report ErrSessionExpired until their retention lapses.
func (m *Manager) Get(ctx context.Context, sessionID string, access AccessContext) (*sessions.Session, error) {
	session, err := m.loadSession(ctx, sessionID)
	if err == storage.ErrNotFound {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "[Manager.Get] load session")
	}

	if err := m.security.CheckRateLimit(ctx, security.RuleSessionRead, session.UserID); err != nil {
		return nil, err
	}

	if session.State == sessions.StateTerminated {
		return nil, ErrSessionExpired
	}

	now := m.nowFunc()
	if session.IdleExpired(now, m.idleTimeout) || session.AbsoluteExpired(now, m.absoluteTimeout) {
		if err := m.Terminate(ctx, sessionID, "timeout"); err != nil && !errors.Is(err, ErrSessionNotFound) {
			m.log.Warn().Err(err).Str("session_id", sessionID).Msg("timeout termination failed")
		}
		return nil, ErrSessionExpired
	}

	// Revocation lookup fails closed: a storage error denies the access.
	revoked, err := m.revocations.IsRevoked(ctx, session.AccessToken)
	if err != nil {
		return nil, errors.Wrap(err, "[Manager.Get] revocation check")
	}
	if revoked {
		if err := m.Terminate(ctx, sessionID, "access token revoked"); err != nil && !errors.Is(err, ErrSessionNotFound) {
			m.log.Warn().Err(err).Str("session_id", sessionID).Msg("revoked-token termination failed")
		}
		return nil, ErrSessionExpired
	}

	if m.deviceValidation && session.Fingerprint != nil && access.Fingerprint != nil {
		score := session.Fingerprint.Similarity(access.Fingerprint)
		if score < m.deviceMatchThreshold {
			m.security.LogSecurityEvent(ctx, security.EventDeviceMismatch, session.UserID, session.ID, map[string]string{
				"similarity": strconv.FormatFloat(score, 'f', 2, 64),
			})
			return nil, &DeviceValidationError{SessionID: session.ID, Score: score, Threshold: m.deviceMatchThreshold}
		}
	}

	assessment := m.security.DetectHijacking(session, access.IPAddress, access.Fingerprint)
	if assessment.Suspicious {
		m.security.LogSecurityEvent(ctx, security.EventHijackDetected, session.UserID, session.ID, map[string]string{
			"risk_score": strconv.FormatFloat(assessment.RiskScore, 'f', 2, 64),
		})
		if m.terminateOnHijack {
			if err := m.Terminate(ctx, sessionID, "hijack detected"); err != nil && !errors.Is(err, ErrSessionNotFound) {
				m.log.Warn().Err(err).Str("session_id", sessionID).Msg("hijack termination failed")
			}
			return nil, &SuspiciousActivityError{SessionID: session.ID, RiskScore: assessment.RiskScore, Reasons: assessment.Reasons}
		}
	}

	session, err = m.touchSession(ctx, session)
	if err != nil {
		return nil, errors.Wrap(err, "[Manager.Get] update last accessed")
	}

	if session.NearAccessExpiry(now, m.tokens.ProactiveWindow()) {
		refreshed, err := m.refreshNearExpiry(ctx, session)
		if err != nil {
			return nil, err
		}
		session = refreshed
	}

	return session, nil
}

// refreshNearExpiry runs the transparent proactive refresh. A transient
// failure while the access token is still valid is tolerated: the caller
// keeps the current pair and a later request retries.
func (m *Manager) refreshNearExpiry(ctx context.Context, session *sessions.Session) (*sessions.Session, error) {
	if err := m.security.CheckRateLimit(ctx, security.RuleTokenRefresh, session.UserID); err != nil {
		var limitErr *security.RateLimitError
		if errors.As(err, &limitErr) && m.nowFunc().Before(session.AccessExpiresAt) {
			m.log.Debug().Str("session_id", session.ID).Msg("proactive refresh rate limited, serving current pair")
			return session, nil
		}
		return nil, err
	}

	refreshed, _, err := m.tokens.Refresh(ctx, session, false, token.ReasonProactive)
	if err != nil {
		var refreshErr *token.TokenRefreshError
		if errors.As(err, &refreshErr) && refreshErr.Retryable && m.nowFunc().Before(session.AccessExpiresAt) {
			m.log.Warn().Err(err).Str("session_id", session.ID).Msg("proactive refresh failed, serving current pair")
			return session, nil
		}
		return nil, err
	}
	return refreshed, nil
}

// Terminate tombstones a session and cascades revocation over its token
// set. Terminating an already-terminated session is a no-op. A partial
// cascade failure is surfaced as *revocation.RevocationError and must not
// be ignored by callers.
func (m *Manager) Terminate(ctx context.Context, sessionID, reason string) error {
	session, err := m.loadSession(ctx, sessionID)
	if err == storage.ErrNotFound {
		return ErrSessionNotFound
	}
	if err != nil {
		return errors.Wrap(err, "[Manager.Terminate] load session")
	}
	if session.State == sessions.StateTerminated {
		return nil
	}

	if err := m.MarkTerminated(ctx, sessionID, reason); err != nil {
		return err
	}

	if _, err := m.revocations.RevokeSession(ctx, session, reason); err != nil {
		return err
	}

	m.security.LogSecurityEvent(ctx, security.EventSessionTerminated, session.UserID, session.ID, map[string]string{
		"reason": reason,
	})
	m.log.Info().
		Str("session_id", session.ID).
		Str("user_id", session.UserID).
		Str("reason", reason).
		Msg("session terminated")
	return nil
}

// MarkTerminated tombstones a session without cascading revocation. It is
// the revocation service's hook for bulk operations, which handle the token
// cascade themselves.
func (m *Manager) MarkTerminated(ctx context.Context, sessionID, reason string) error {
	session, err := m.loadSession(ctx, sessionID)
	if err == storage.ErrNotFound {
		return ErrSessionNotFound
	}
	if err != nil {
		return errors.Wrap(err, "[Manager.MarkTerminated] load session")
	}
	if session.State == sessions.StateTerminated {
		return nil
	}

	session.State = sessions.StateTerminated
	session.TerminatedReason = reason

	payload, err := json.Marshal(session)
	if err != nil {
		return errors.Wrap(err, "[Manager.MarkTerminated] marshal")
	}
	if err := m.store.Set(ctx, sessions.StorageKey(sessionID), payload, m.tombstoneRetention); err != nil {
		return errors.Wrap(err, "[Manager.MarkTerminated] write tombstone")
	}
	if err := m.removeFromIndex(ctx, session.UserID, sessionID); err != nil {
		return errors.Wrap(err, "[Manager.MarkTerminated] unindex")
	}
	return nil
}

// ListUserSessions returns the user's live sessions, most recently used
// first.
func (m *Manager) ListUserSessions(ctx context.Context, userID string) ([]*sessions.Session, error) {
	live, err := m.liveUserSessions(ctx, userID)
	if err != nil {
		return nil, err
	}
	sort.Slice(live, func(i, j int) bool {
		return live[i].LastAccessedAt.After(live[j].LastAccessedAt)
	})
	return live, nil
}

// CleanupExpired sweeps for sessions past either timeout and terminates
// them. One call processes at most the configured batch size so the sweep
// never monopolises the backend; the periodic job calls it repeatedly.
func (m *Manager) CleanupExpired(ctx context.Context) (int, error) {
	now := m.nowFunc()
	var expired []string
	err := m.store.Scan(ctx, sessions.KeyPrefix, func(_ string, value []byte) error {
		if len(expired) >= m.cleanupBatchSize {
			return nil
		}
		var session sessions.Session
		if err := json.Unmarshal(value, &session); err != nil {
			return nil
		}
		if session.State != sessions.StateActive {
			return nil
		}
		if session.IdleExpired(now, m.idleTimeout) || session.AbsoluteExpired(now, m.absoluteTimeout) {
			expired = append(expired, session.ID)
		}
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(err, "[Manager.CleanupExpired] scan")
	}

	terminated := 0
	for _, id := range expired {
		if err := m.Terminate(ctx, id, "timeout sweep"); err != nil {
			if errors.Is(err, ErrSessionNotFound) {
				continue
			}
			return terminated, errors.Wrap(err, "[Manager.CleanupExpired] terminate")
		}
		terminated++
	}
	return terminated, nil
}

func (m *Manager) loadSession(ctx context.Context, sessionID string) (*sessions.Session, error) {
	payload, err := m.store.Get(ctx, sessions.StorageKey(sessionID))
	if err != nil {
		return nil, err
	}
	var session sessions.Session
	if err := json.Unmarshal(payload, &session); err != nil {
		return nil, errors.Wrap(err, "unmarshal session")
	}
	return &session, nil
}

func (m *Manager) writeSession(ctx context.Context, session *sessions.Session) error {
	payload, err := json.Marshal(session)
	if err != nil {
		return err
	}
	return m.store.Set(ctx, sessions.StorageKey(session.ID), payload, m.sessionTTL())
}

// sessionTTL bounds a record's life in storage: the absolute timeout plus
// the tombstone retention, so nothing outlives its usefulness even if the
// sweep never runs.
func (m *Manager) sessionTTL() time.Duration {
	if m.absoluteTimeout <= 0 {
		return 0
	}
	return m.absoluteTimeout + m.tombstoneRetention
}

// touchSession bumps LastAccessedAt with a conditional write so a
// concurrent refresh or termination is never silently overwritten.
func (m *Manager) touchSession(ctx context.Context, session *sessions.Session) (*sessions.Session, error) {
	for attempt := 0; attempt < indexCASAttempts; attempt++ {
		expected, err := json.Marshal(session)
		if err != nil {
			return nil, err
		}

		updated := *session
		updated.LastAccessedAt = m.nowFunc()
		replacement, err := json.Marshal(&updated)
		if err != nil {
			return nil, err
		}

		swapped, err := m.store.CompareAndSwap(ctx, sessions.StorageKey(session.ID), expected, replacement, m.sessionTTL())
		if err != nil {
			return nil, err
		}
		if swapped {
			return &updated, nil
		}

		// Lost a race with another writer; reload and retry against the
		// fresh record.
		session, err = m.loadSession(ctx, session.ID)
		if err != nil {
			return nil, err
		}
		if session.State == sessions.StateTerminated {
			return nil, ErrSessionExpired
		}
	}
	return nil, errors.New("session record contention")
}

func (m *Manager) liveUserSessions(ctx context.Context, userID string) ([]*sessions.Session, error) {
	ids, err := m.loadIndex(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := m.nowFunc()
	var live []*sessions.Session
	for _, id := range ids {
		session, err := m.loadSession(ctx, id)
		if err == storage.ErrNotFound {
			continue // record lapsed, index entry is stale
		}
		if err != nil {
			return nil, err
		}
		if session.State != sessions.StateActive {
			continue
		}
		if session.IdleExpired(now, m.idleTimeout) || session.AbsoluteExpired(now, m.absoluteTimeout) {
			continue
		}
		live = append(live, session)
	}
	return live, nil
}

func (m *Manager) loadIndex(ctx context.Context, userID string) ([]string, error) {
	payload, err := m.store.Get(ctx, userIndexPrefix+userID)
	if err == storage.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ids []string
	if err := json.Unmarshal(payload, &ids); err != nil {
		return nil, errors.Wrap(err, "unmarshal session index")
	}
	return ids, nil
}

func (m *Manager) addToIndex(ctx context.Context, userID, sessionID string) error {
	return m.updateIndex(ctx, userID, func(ids []string) []string {
		for _, id := range ids {
			if id == sessionID {
				return ids
			}
		}
		return append(ids, sessionID)
	})
}

func (m *Manager) removeFromIndex(ctx context.Context, userID, sessionID string) error {
	return m.updateIndex(ctx, userID, func(ids []string) []string {
		out := ids[:0]
		for _, id := range ids {
			if id != sessionID {
				out = append(out, id)
			}
		}
		return out
	})
}

// updateIndex applies a mutation to the per-user session index through the
// conditional-write loop every shared mutation path uses.
func (m *Manager) updateIndex(ctx context.Context, userID string, mutate func([]string) []string) error {
	key := userIndexPrefix + userID
	for attempt := 0; attempt < indexCASAttempts; attempt++ {
		current, err := m.store.Get(ctx, key)
		var ids []string
		var expected []byte
		switch {
		case err == storage.ErrNotFound:
		case err != nil:
			return err
		default:
			if err := json.Unmarshal(current, &ids); err != nil {
				ids = nil
			}
			expected = current
		}

		ids = mutate(ids)
		replacement, err := json.Marshal(ids)
		if err != nil {
			return err
		}

		swapped, err := m.store.CompareAndSwap(ctx, key, expected, replacement, 0)
		if err != nil {
			return err
		}
		if swapped {
			return nil
		}
	}
	return errors.New("session index contention")
}
