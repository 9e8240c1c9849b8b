// Package security provides the cross-cutting safety checks the session and
// token services consult: named rate-limit rules, session-hijacking risk
// scoring, and an append-only audit trail. The service owns no session data
// of its own.
package security

import (
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/sessionworks/go-session-server/storage"
)

// Well-known rule names used by the session core. Operators may register
// additional rules.
const (
	RuleTokenRefresh  = "token_refresh"
	RuleSessionRead   = "session_read"
	RuleSessionCreate = "session_create"
)

// DefaultRiskThreshold is the risk score above which a session access is
// flagged as suspicious.
const DefaultRiskThreshold = 0.7

// Rule is an independently configurable rate limit.
type Rule struct {
	Name        string
	MaxRequests int
	Window      time.Duration
	// BackoffMultiplier, when > 1, extends the blocked window per repeated
	// violation, capped at MaxBackoff.
	BackoffMultiplier float64
	MaxBackoff        time.Duration
}

// Service implements rate limiting, hijack detection and audit logging.
// Rate-limit state and audit events live in the shared storage backend so
// every process instance sees the same counters.
type Service struct {
	store          storage.Backend
	rules          map[string]Rule
	riskThreshold  float64
	auditRetention time.Duration
	log            zerolog.Logger
	nowFunc        func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithRule registers or replaces a rate-limit rule.
func WithRule(rule Rule) Option {
	return func(s *Service) { s.rules[rule.Name] = rule }
}

// WithRiskThreshold overrides the suspicion threshold for hijack detection.
func WithRiskThreshold(threshold float64) Option {
	return func(s *Service) { s.riskThreshold = threshold }
}

// WithAuditRetention sets how long audit events are kept.
func WithAuditRetention(d time.Duration) Option {
	return func(s *Service) { s.auditRetention = d }
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
		return nil, errors.New("[security.NewService] store is required")
	}
	s := &Service{
		store: store,
		rules: map[string]Rule{
			RuleTokenRefresh:  {Name: RuleTokenRefresh, MaxRequests: 10, Window: time.Minute, BackoffMultiplier: 2, MaxBackoff: 15 * time.Minute},
			RuleSessionRead:   {Name: RuleSessionRead, MaxRequests: 120, Window: time.Minute},
			RuleSessionCreate: {Name: RuleSessionCreate, MaxRequests: 20, Window: time.Minute, BackoffMultiplier: 2, MaxBackoff: time.Hour},
		},
		riskThreshold:  DefaultRiskThreshold,
		auditRetention: 30 * 24 * time.Hour,
		log:            zerolog.Nop(),
		nowFunc:        time.Now,
	}
	for _, opt := range options {
		opt(s)
	}
	return s, nil
}
