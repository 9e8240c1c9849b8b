package security

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/sessionworks/go-session-server/storage"
)

const rateLimitPrefix = "ratelimit:"

// RateLimitState is the persisted counter for one (rule, subject) pair.
type RateLimitState struct {
	Count        int       `json:"count"`
	WindowStart  time.Time `json:"window_start"`
	Violations   int       `json:"violations"`
	BackoffUntil time.Time `json:"backoff_until,omitempty"`
}

// casAttempts bounds the optimistic-write loop under contention.
const casAttempts = 5

// CheckRateLimit counts a request against the named rule for the given
// subject key and returns a RateLimitError once the rule's budget for the
// current window is spent. Repeated violations extend the blocked window
// when the rule configures backoff. A storage failure is returned as an
// error: security checks fail closed, the caller must deny.
func (s *Service) CheckRateLimit(ctx context.Context, ruleName, key string) error {
	rule, ok := s.rules[ruleName]
	if !ok {
		return errors.Errorf("[Service.CheckRateLimit] unknown rule %q", ruleName)
	}

	storageKey := rateLimitPrefix + ruleName + ":" + key

	for attempt := 0; attempt < casAttempts; attempt++ {
		now := s.nowFunc()

		current, err := s.store.Get(ctx, storageKey)
		var state RateLimitState
		var expected []byte
		switch {
		case err == storage.ErrNotFound:
			state = RateLimitState{WindowStart: now}
		case err != nil:
			return errors.Wrap(err, "[Service.CheckRateLimit] read state")
		default:
			if err := json.Unmarshal(current, &state); err != nil {
				state = RateLimitState{WindowStart: now}
			} else {
				expected = current
			}
		}

		if now.Before(state.BackoffUntil) {
			return &RateLimitError{Rule: ruleName, Key: key, RetryAfter: state.BackoffUntil.Sub(now)}
		}

		if now.Sub(state.WindowStart) >= rule.Window {
			state.Count = 0
			state.WindowStart = now
		}

		state.Count++
		var limitErr *RateLimitError
		if state.Count > rule.MaxRequests {
			state.Violations++
			retryAfter := state.WindowStart.Add(rule.Window).Sub(now)
			if rule.BackoffMultiplier > 1 {
				backoff := rule.Window
				for i := 1; i < state.Violations; i++ {
					backoff = time.Duration(float64(backoff) * rule.BackoffMultiplier)
					if rule.MaxBackoff > 0 && backoff >= rule.MaxBackoff {
						backoff = rule.MaxBackoff
						break
					}
				}
				state.BackoffUntil = now.Add(backoff)
				retryAfter = backoff
			}
			limitErr = &RateLimitError{Rule: ruleName, Key: key, RetryAfter: retryAfter}
		} else if state.Violations > 0 && now.Sub(state.BackoffUntil) >= rule.Window {
			// A full quiet window since the last block ended; forgive the
			// violation streak so backoff does not escalate forever.
			state.Violations = 0
			state.BackoffUntil = time.Time{}
		}

		payload, err := json.Marshal(&state)
		if err != nil {
			return errors.Wrap(err, "[Service.CheckRateLimit] marshal state")
		}

		ttl := rule.Window
		if state.BackoffUntil.After(now) {
			ttl = state.BackoffUntil.Sub(now) + rule.Window
		}
		swapped, err := s.store.CompareAndSwap(ctx, storageKey, expected, payload, ttl)
		if err != nil {
			return errors.Wrap(err, "[Service.CheckRateLimit] write state")
		}
		if !swapped {
			continue // another instance moved the counter, retry
		}

		if limitErr != nil {
			s.log.Warn().
				Str("rule", ruleName).
				Str("key", key).
				Dur("retry_after", limitErr.RetryAfter).
				Msg("rate limit exceeded")
			return limitErr
		}
		return nil
	}

	// Persistent CAS contention counts as a denial rather than a free pass.
	return &RateLimitError{Rule: ruleName, Key: key, RetryAfter: rule.Window}
}
