package security

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const auditPrefix = "audit:"

// Event types emitted by the session core. The audit trail doubles as the
// counter source for the observability collaborator.
const (
	EventSessionCreated     = "session_created"
	EventSessionTerminated  = "session_terminated"
	EventTokenRefreshed     = "token_refreshed"
	EventTokenRefreshFailed = "token_refresh_failed"
	EventTokenRevoked       = "token_revoked"
	EventRateLimitViolation = "rate_limit_violation"
	EventHijackDetected     = "hijack_detected"
	EventDeviceMismatch     = "device_mismatch"
)

// AuditEvent is one append-only entry in the security trail.
type AuditEvent struct {
	ID        string            `json:"id"`
	EventType string            `json:"event_type"`
	UserID    string            `json:"user_id,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Summary aggregates a user's recent audit history.
type Summary struct {
	UserID      string         `json:"user_id"`
	Since       time.Time      `json:"since"`
	TotalEvents int            `json:"total_events"`
	ByType      map[string]int `json:"by_type"`
}

// LogSecurityEvent appends an event to the audit trail. Logging is
// best-effort: a storage failure is reported at warn level and swallowed so
// the primary operation is never blocked on the audit sink.
func (s *Service) LogSecurityEvent(ctx context.Context, eventType, userID, sessionID string, details map[string]string) {
	event := AuditEvent{
		ID:        uuid.New().String(),
		EventType: eventType,
		UserID:    userID,
		SessionID: sessionID,
		Details:   details,
		Timestamp: s.nowFunc(),
	}

	payload, err := json.Marshal(&event)
	if err != nil {
		s.log.Warn().Err(err).Str("event_type", eventType).Msg("audit event marshal failed")
		return
	}

	key := fmt.Sprintf("%s%s:%d:%s", auditPrefix, userID, event.Timestamp.UnixNano(), event.ID)
	if err := s.store.Set(ctx, key, payload, s.auditRetention); err != nil {
		s.log.Warn().Err(err).Str("event_type", eventType).Msg("audit event write failed")
	}
}

// SecuritySummary returns an aggregate view of a user's audit events over
// the trailing window.
func (s *Service) SecuritySummary(ctx context.Context, userID string, hours int) (*Summary, error) {
	since := s.nowFunc().Add(-time.Duration(hours) * time.Hour)
	summary := &Summary{
		UserID: userID,
		Since:  since,
		ByType: make(map[string]int),
	}

	err := s.store.Scan(ctx, auditPrefix+userID+":", func(_ string, value []byte) error {
		var event AuditEvent
		if err := json.Unmarshal(value, &event); err != nil {
			return nil // skip unreadable entries
		}
		if event.Timestamp.Before(since) {
			return nil
		}
		summary.TotalEvents++
		summary.ByType[event.EventType]++
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "[Service.SecuritySummary] scan")
	}
	return summary, nil
}
