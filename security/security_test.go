package security_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sessionworks/go-session-server/security"
	"github.com/sessionworks/go-session-server/sessions"
	"github.com/sessionworks/go-session-server/storage/memorystore"
)

type testFixture struct {
	service *security.Service
	store   *memorystore.Store
	now     time.Time
}

func setupTestFixture(t *testing.T, options ...security.Option) *testFixture {
	t.Helper()

	f := &testFixture{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	f.store = memorystore.New(memorystore.WithNowFunc(func() time.Time { return f.now }))

	options = append(options, security.WithNowFunc(func() time.Time { return f.now }))
	service, err := security.NewService(f.store, options...)
	require.NoError(t, err)
	f.service = service
	return f
}

func (f *testFixture) advance(d time.Duration) {
	f.now = f.now.Add(d)
}

func TestCheckRateLimit_AllowsWithinBudget(t *testing.T) {
	f := setupTestFixture(t, security.WithRule(security.Rule{
		Name: "test_rule", MaxRequests: 5, Window: time.Minute,
	}))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, f.service.CheckRateLimit(ctx, "test_rule", "user-1"))
	}
}

func TestCheckRateLimit_DeniesOverBudget(t *testing.T) {
	f := setupTestFixture(t, security.WithRule(security.Rule{
		Name: "test_rule", MaxRequests: 5, Window: time.Minute,
	}))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, f.service.CheckRateLimit(ctx, "test_rule", "user-1"))
	}

	err := f.service.CheckRateLimit(ctx, "test_rule", "user-1")
	var limitErr *security.RateLimitError
	require.ErrorAs(t, err, &limitErr)
	require.Equal(t, "test_rule", limitErr.Rule)
	require.Equal(t, "user-1", limitErr.Key)
	require.Greater(t, limitErr.RetryAfter, time.Duration(0))
}

func TestCheckRateLimit_KeysAreIndependent(t *testing.T) {
	f := setupTestFixture(t, security.WithRule(security.Rule{
		Name: "test_rule", MaxRequests: 1, Window: time.Minute,
	}))
	ctx := context.Background()

	require.NoError(t, f.service.CheckRateLimit(ctx, "test_rule", "user-1"))
	require.Error(t, f.service.CheckRateLimit(ctx, "test_rule", "user-1"))

	// A different subject still has its full budget.
	require.NoError(t, f.service.CheckRateLimit(ctx, "test_rule", "user-2"))
}

func TestCheckRateLimit_WindowRecovery(t *testing.T) {
	f := setupTestFixture(t, security.WithRule(security.Rule{
		Name: "test_rule", MaxRequests: 2, Window: time.Minute,
	}))
	ctx := context.Background()

	require.NoError(t, f.service.CheckRateLimit(ctx, "test_rule", "user-1"))
	require.NoError(t, f.service.CheckRateLimit(ctx, "test_rule", "user-1"))
	require.Error(t, f.service.CheckRateLimit(ctx, "test_rule", "user-1"))

	f.advance(time.Minute + time.Second)
	require.NoError(t, f.service.CheckRateLimit(ctx, "test_rule", "user-1"))
}

func TestCheckRateLimit_BackoffExtendsOnRepeatViolations(t *testing.T) {
	f := setupTestFixture(t, security.WithRule(security.Rule{
		Name: "test_rule", MaxRequests: 1, Window: time.Minute,
		BackoffMultiplier: 2, MaxBackoff: 10 * time.Minute,
	}))
	ctx := context.Background()

	require.NoError(t, f.service.CheckRateLimit(ctx, "test_rule", "user-1"))

	// First violation blocks for the base window.
	err := f.service.CheckRateLimit(ctx, "test_rule", "user-1")
	var limitErr *security.RateLimitError
	require.ErrorAs(t, err, &limitErr)
	require.Equal(t, time.Minute, limitErr.RetryAfter)

	// Still inside the blocked window: denied without touching the counter.
	f.advance(30 * time.Second)
	err = f.service.CheckRateLimit(ctx, "test_rule", "user-1")
	require.ErrorAs(t, err, &limitErr)
	require.Equal(t, 30*time.Second, limitErr.RetryAfter)

	// Past the backoff, over budget again: the blocked window doubles.
	f.advance(31 * time.Second)
	require.NoError(t, f.service.CheckRateLimit(ctx, "test_rule", "user-1"))
	err = f.service.CheckRateLimit(ctx, "test_rule", "user-1")
	require.ErrorAs(t, err, &limitErr)
	require.Equal(t, 2*time.Minute, limitErr.RetryAfter)
}

func TestCheckRateLimit_UnknownRule(t *testing.T) {
	f := setupTestFixture(t)
	require.Error(t, f.service.CheckRateLimit(context.Background(), "no_such_rule", "user-1"))
}

func TestCheckRateLimit_DefaultRulesRegistered(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()

	require.NoError(t, f.service.CheckRateLimit(ctx, security.RuleTokenRefresh, "user-1"))
	require.NoError(t, f.service.CheckRateLimit(ctx, security.RuleSessionRead, "user-1"))
	require.NoError(t, f.service.CheckRateLimit(ctx, security.RuleSessionCreate, "user-1"))
}

func baselineSession() *sessions.Session {
	return &sessions.Session{
		ID:        "sess-1",
		UserID:    "user-1",
		IPAddress: "203.0.113.10",
		Fingerprint: &sessions.DeviceFingerprint{
			UserAgent: "Mozilla/5.0 Gecko/2010 Firefox/126.0",
			Platform:  "MacIntel",
			Timezone:  "Europe/London",
			Screen:    "2560x1440x24",
		},
	}
}

func TestDetectHijacking_NoDrift(t *testing.T) {
	f := setupTestFixture(t)
	session := baselineSession()

	assessment := f.service.DetectHijacking(session, session.IPAddress, session.Fingerprint)
	require.False(t, assessment.Suspicious)
	require.Zero(t, assessment.RiskScore)
	require.Empty(t, assessment.Reasons)
}

func TestDetectHijacking_IPAndDeviceChangeIsSuspicious(t *testing.T) {
	f := setupTestFixture(t)
	session := baselineSession()

	current := &sessions.DeviceFingerprint{
		UserAgent: "curl/8.0",
		Platform:  "Linux",
		Timezone:  "America/Chicago",
		Screen:    "1024x768x24",
	}
	assessment := f.service.DetectHijacking(session, "198.51.100.7", current)

	require.True(t, assessment.Suspicious)
	require.Greater(t, assessment.RiskScore, security.DefaultRiskThreshold)
	require.LessOrEqual(t, assessment.RiskScore, 1.0)
	require.NotEmpty(t, assessment.Reasons)
}

func TestDetectHijacking_UserAgentOnlyChangeIsNotSuspicious(t *testing.T) {
	f := setupTestFixture(t)
	session := baselineSession()

	current := *session.Fingerprint
	current.UserAgent = "completely different browser string"
	assessment := f.service.DetectHijacking(session, session.IPAddress, &current)

	require.False(t, assessment.Suspicious)
	require.Less(t, assessment.RiskScore, security.DefaultRiskThreshold)
	require.NotEmpty(t, assessment.Reasons)
}

func TestDetectHijacking_MissingSignalsScoreNothing(t *testing.T) {
	f := setupTestFixture(t)
	session := &sessions.Session{ID: "sess-1", UserID: "user-1"}

	assessment := f.service.DetectHijacking(session, "198.51.100.7", &sessions.DeviceFingerprint{Platform: "Linux"})
	require.False(t, assessment.Suspicious)
	require.Zero(t, assessment.RiskScore)
}

func TestDetectHijacking_ThresholdConfigurable(t *testing.T) {
	f := setupTestFixture(t, security.WithRiskThreshold(0.3))
	session := baselineSession()

	assessment := f.service.DetectHijacking(session, "198.51.100.7", session.Fingerprint)
	require.True(t, assessment.Suspicious, "lone IP change clears a 0.3 threshold")
}

func TestLogSecurityEvent_AndSummary(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()

	f.service.LogSecurityEvent(ctx, security.EventSessionCreated, "user-1", "sess-1", nil)
	f.advance(time.Second)
	f.service.LogSecurityEvent(ctx, security.EventTokenRefreshed, "user-1", "sess-1", map[string]string{"reason": "proactive"})
	f.advance(time.Second)
	f.service.LogSecurityEvent(ctx, security.EventTokenRefreshed, "user-1", "sess-1", nil)
	f.service.LogSecurityEvent(ctx, security.EventSessionCreated, "user-2", "sess-9", nil)

	summary, err := f.service.SecuritySummary(ctx, "user-1", 24)
	require.NoError(t, err)
	require.Equal(t, "user-1", summary.UserID)
	require.Equal(t, 3, summary.TotalEvents)
	require.Equal(t, 1, summary.ByType[security.EventSessionCreated])
	require.Equal(t, 2, summary.ByType[security.EventTokenRefreshed])
}

func TestSecuritySummary_ExcludesOldEvents(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()

	f.service.LogSecurityEvent(ctx, security.EventSessionCreated, "user-1", "sess-1", nil)
	f.advance(48 * time.Hour)
	f.service.LogSecurityEvent(ctx, security.EventSessionTerminated, "user-1", "sess-1", nil)

	summary, err := f.service.SecuritySummary(ctx, "user-1", 24)
	require.NoError(t, err)
	require.Equal(t, 1, summary.TotalEvents)
	require.Equal(t, 1, summary.ByType[security.EventSessionTerminated])
}

func TestSecuritySummary_EmptyHistory(t *testing.T) {
	f := setupTestFixture(t)

	summary, err := f.service.SecuritySummary(context.Background(), "nobody", 24)
	require.NoError(t, err)
	require.Zero(t, summary.TotalEvents)
	require.Empty(t, summary.ByType)
}
