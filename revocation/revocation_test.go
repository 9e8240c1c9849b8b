package revocation_test

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/sessionworks/go-session-server/revocation"
	"github.com/sessionworks/go-session-server/sessions"
	"github.com/sessionworks/go-session-server/storage"
	"github.com/sessionworks/go-session-server/storage/memorystore"
)

// flakyStore wraps a real backend and fails selected operations on demand.
type flakyStore struct {
	storage.Backend
	setErr error
	getErr error
}

func (f *flakyStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if f.setErr != nil {
		return f.setErr
	}
	return f.Backend.Set(ctx, key, value, ttl)
}

func (f *flakyStore) Get(ctx context.Context, key string) ([]byte, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.Backend.Get(ctx, key)
}

func newService(t *testing.T, now func() time.Time, options ...revocation.Option) (*revocation.Service, *memorystore.Store) {
	t.Helper()
	store := memorystore.New(memorystore.WithNowFunc(now))
	options = append(options, revocation.WithNowFunc(now))
	service, err := revocation.NewService(store, options...)
	require.NoError(t, err)
	return service, store
}

func signedJWT(t *testing.T, exp time.Time) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user-1",
		"exp": exp.Unix(),
	}).SignedString([]byte("unit-test-key"))
	require.NoError(t, err)
	return token
}

func TestRevokeToken_ThenIsRevoked(t *testing.T) {
	now := time.Now()
	service, _ := newService(t, func() time.Time { return now })
	ctx := context.Background()

	record, err := service.RevokeToken(ctx, "opaque-access", revocation.TokenTypeAccess, "sess-1", "logout", now.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, sessions.TokenDigest("opaque-access"), record.TokenHash)
	require.Equal(t, revocation.TokenTypeAccess, record.TokenType)
	require.Equal(t, "sess-1", record.SessionID)
	require.Equal(t, now.Add(time.Hour), record.ExpiresAt)

	revoked, err := service.IsRevoked(ctx, "opaque-access")
	require.NoError(t, err)
	require.True(t, revoked)

	revoked, err = service.IsRevoked(ctx, "some-other-token")
	require.NoError(t, err)
	require.False(t, revoked)
}

func TestRevokeToken_EmptyToken(t *testing.T) {
	service, _ := newService(t, time.Now)

	_, err := service.RevokeToken(context.Background(), "", revocation.TokenTypeAccess, "", "logout", time.Time{})
	require.Error(t, err)
}

func TestRevokeToken_JWTExpiryUsedWhenNoHint(t *testing.T) {
	now := time.Now()
	service, _ := newService(t, func() time.Time { return now })

	exp := now.Add(2 * time.Hour)
	token := signedJWT(t, exp)

	record, err := service.RevokeToken(context.Background(), token, revocation.TokenTypeAccess, "sess-1", "logout", time.Time{})
	require.NoError(t, err)
	require.WithinDuration(t, exp, record.ExpiresAt, time.Second)
}

func TestRevokeToken_ExpiryCappedAtMaxTTL(t *testing.T) {
	now := time.Now()
	service, _ := newService(t, func() time.Time { return now }, revocation.WithMaxTTL(time.Hour))

	// Opaque token with no hint falls back to the cap.
	record, err := service.RevokeToken(context.Background(), "opaque", revocation.TokenTypeRefresh, "", "logout", time.Time{})
	require.NoError(t, err)
	require.Equal(t, now.Add(time.Hour), record.ExpiresAt)

	// A far-future JWT exp is also capped.
	token := signedJWT(t, now.Add(30*24*time.Hour))
	record, err = service.RevokeToken(context.Background(), token, revocation.TokenTypeAccess, "", "logout", time.Time{})
	require.NoError(t, err)
	require.Equal(t, now.Add(time.Hour), record.ExpiresAt)
}

func TestRevokeToken_PastExpiryKeepsMinimalEntry(t *testing.T) {
	now := time.Now()
	service, _ := newService(t, func() time.Time { return now })
	ctx := context.Background()

	record, err := service.RevokeToken(ctx, "stale-token", revocation.TokenTypeAccess, "", "logout", now.Add(-time.Hour))
	require.NoError(t, err)
	require.Equal(t, now.Add(time.Minute), record.ExpiresAt)

	revoked, err := service.IsRevoked(ctx, "stale-token")
	require.NoError(t, err)
	require.True(t, revoked)
}

func TestIsRevoked_FailsClosedOnStorageError(t *testing.T) {
	store := &flakyStore{Backend: memorystore.New(), getErr: errors.New("backend down")}
	service, err := revocation.NewService(store)
	require.NoError(t, err)

	_, err = service.IsRevoked(context.Background(), "any-token")
	require.Error(t, err)
}

func TestIsRevoked_PastRecordedExpiry(t *testing.T) {
	now := time.Now()
	clock := now

	// Freeze the backend clock so its own TTL never fires; only the recorded
	// expiry inside the entry is under test.
	store := memorystore.New(memorystore.WithNowFunc(func() time.Time { return now }))
	service, err := revocation.NewService(store, revocation.WithNowFunc(func() time.Time { return clock }))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = service.RevokeToken(ctx, "short-lived", revocation.TokenTypeAccess, "", "logout", now.Add(time.Minute))
	require.NoError(t, err)

	clock = now.Add(2 * time.Minute)

	revoked, err := service.IsRevoked(ctx, "short-lived")
	require.NoError(t, err)
	require.False(t, revoked)
}

func TestRevokeSession_CascadesAllTokens(t *testing.T) {
	now := time.Now()
	service, _ := newService(t, func() time.Time { return now })
	ctx := context.Background()

	session := &sessions.Session{
		ID:               "sess-1",
		AccessToken:      "at-1",
		RefreshToken:     "rt-1",
		IDToken:          "idt-1",
		AccessExpiresAt:  now.Add(time.Hour),
		RefreshExpiresAt: now.Add(24 * time.Hour),
	}

	records, err := service.RevokeSession(ctx, session, "logout")
	require.NoError(t, err)
	require.Len(t, records, 3)

	for _, token := range []string{"at-1", "rt-1", "idt-1"} {
		revoked, err := service.IsRevoked(ctx, token)
		require.NoError(t, err)
		require.True(t, revoked, token)
	}
}

func TestRevokeSession_SkipsEmptyTokens(t *testing.T) {
	service, _ := newService(t, time.Now)

	session := &sessions.Session{ID: "sess-1", AccessToken: "at-1", RefreshToken: "rt-1"}
	records, err := service.RevokeSession(context.Background(), session, "logout")
	require.NoError(t, err)
	require.Len(t, records, 2)
}

func TestRevokeSession_PartialFailureReported(t *testing.T) {
	store := &flakyStore{Backend: memorystore.New(), setErr: errors.New("write refused")}
	service, err := revocation.NewService(store)
	require.NoError(t, err)

	session := &sessions.Session{ID: "sess-1", AccessToken: "at-1", RefreshToken: "rt-1"}
	records, err := service.RevokeSession(context.Background(), session, "logout")
	require.Empty(t, records)

	var revErr *revocation.RevocationError
	require.ErrorAs(t, err, &revErr)
	require.Equal(t, "sess-1", revErr.SessionID)
	require.ElementsMatch(t, []revocation.TokenType{revocation.TokenTypeAccess, revocation.TokenTypeRefresh}, revErr.Failed)
}

type stubSource struct {
	sessions   []*sessions.Session
	terminated []string
}

func (s *stubSource) ListUserSessions(_ context.Context, _ string) ([]*sessions.Session, error) {
	return s.sessions, nil
}

func (s *stubSource) MarkTerminated(_ context.Context, sessionID, _ string) error {
	s.terminated = append(s.terminated, sessionID)
	return nil
}

func TestRevokeUserSessions_SparesExcepted(t *testing.T) {
	now := time.Now()
	service, _ := newService(t, func() time.Time { return now })
	ctx := context.Background()

	source := &stubSource{sessions: []*sessions.Session{
		{ID: "sess-1", State: sessions.StateActive, AccessToken: "at-1", RefreshToken: "rt-1"},
		{ID: "sess-2", State: sessions.StateActive, AccessToken: "at-2", RefreshToken: "rt-2"},
		{ID: "sess-3", State: sessions.StateTerminated, AccessToken: "at-3", RefreshToken: "rt-3"},
	}}
	service.SetSessionSource(source)

	records, err := service.RevokeUserSessions(ctx, "user-1", "sess-1", "password change")
	require.NoError(t, err)
	require.Len(t, records, 2) // sess-2's pair only
	require.Equal(t, []string{"sess-2"}, source.terminated)

	revoked, err := service.IsRevoked(ctx, "at-1")
	require.NoError(t, err)
	require.False(t, revoked, "excepted session must keep its tokens")
}

func TestRevokeUserSessions_NoSourceRegistered(t *testing.T) {
	service, _ := newService(t, time.Now)

	_, err := service.RevokeUserSessions(context.Background(), "user-1", "", "logout")
	require.Error(t, err)
}

func TestCleanupExpired(t *testing.T) {
	now := time.Now()
	clock := now

	// The backend clock stays frozen: the sweep exists for backends whose TTL
	// support is lax, so TTL must not beat it to the delete here.
	store := memorystore.New(memorystore.WithNowFunc(func() time.Time { return now }))
	service, err := revocation.NewService(store, revocation.WithNowFunc(func() time.Time { return clock }))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = service.RevokeToken(ctx, "expires-soon", revocation.TokenTypeAccess, "", "logout", now.Add(time.Minute))
	require.NoError(t, err)
	_, err = service.RevokeToken(ctx, "expires-later", revocation.TokenTypeAccess, "", "logout", now.Add(time.Hour))
	require.NoError(t, err)

	// Nothing is stale yet.
	removed, err := service.CleanupExpired(ctx)
	require.NoError(t, err)
	require.Zero(t, removed)

	clock = now.Add(30 * time.Minute)
	removed, err = service.CleanupExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, removed)
	require.Equal(t, 1, store.Len())
}
