package security

import (
	"fmt"
	"time"
)

// RateLimitError reports an exhausted rate-limit budget. RetryAfter tells
// the caller how long to back off.
type RateLimitError struct {
	Rule       string
	Key        string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit %q exceeded for %s, retry after %s", e.Rule, e.Key, e.RetryAfter)
}
