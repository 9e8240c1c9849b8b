package revocation

import (
	"fmt"
	"strings"
)

// RevocationError reports a partial cascade failure: some of a session's
// tokens were denylisted and others were not. It must never be swallowed -
// the session may still hold live tokens.
type RevocationError struct {
	SessionID string
	Failed    []TokenType
	Err       error
}

func (e *RevocationError) Error() string {
	types := make([]string, len(e.Failed))
	for i, t := range e.Failed {
		types[i] = string(t)
	}
	return fmt.Sprintf("revocation incomplete for session %s: %s tokens not denylisted: %v",
		e.SessionID, strings.Join(types, ", "), e.Err)
}

func (e *RevocationError) Unwrap() error {
	return e.Err
}
