// Package providerfake is an in-memory OAuth provider double for tests.
package providerfake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sessionworks/go-session-server/token"
)

var _ token.Provider = (*FakeProvider)(nil)

// FakeProvider issues deterministic token pairs and can be scripted to fail.
type FakeProvider struct {
	mu sync.Mutex

	// FailuresBeforeSuccess makes the next N Refresh calls fail with
	// TransientErr before succeeding.
	FailuresBeforeSuccess int
	// TransientErr is returned while FailuresBeforeSuccess > 0. Defaults to
	// a 503-shaped ProviderError.
	TransientErr error
	// PermanentErr, when set, makes every Refresh call fail without retry
	// budget being consumed usefully (an invalid_grant-shaped rejection).
	PermanentErr error
	// RotateRefreshToken controls whether a new refresh token is returned.
	RotateRefreshToken bool
	// AccessTokenTTL sets the expiry on issued access tokens.
	AccessTokenTTL time.Duration
	// Introspections maps raw token to the scripted introspection result.
	Introspections map[string]*token.Introspection
	// IntrospectErr, when set, makes Introspect fail.
	IntrospectErr error

	refreshCalls int
}

func New() *FakeProvider {
	return &FakeProvider{
		RotateRefreshToken: true,
		AccessTokenTTL:     time.Hour,
		Introspections:     make(map[string]*token.Introspection),
	}
}

func (p *FakeProvider) Refresh(_ context.Context, refreshToken string, _ []string) (*token.TokenResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.refreshCalls++

	if p.PermanentErr != nil {
		return nil, p.PermanentErr
	}
	if p.FailuresBeforeSuccess > 0 {
		p.FailuresBeforeSuccess--
		if p.TransientErr != nil {
			return nil, p.TransientErr
		}
		return nil, &token.ProviderError{StatusCode: 503, Err: fmt.Errorf("scripted transient failure")}
	}

	resp := &token.TokenResponse{
		AccessToken: fmt.Sprintf("access-%s-%d", refreshToken, p.refreshCalls),
		Expiry:      time.Now().Add(p.AccessTokenTTL),
	}
	if p.RotateRefreshToken {
		resp.RefreshToken = fmt.Sprintf("refresh-%s-%d", refreshToken, p.refreshCalls)
	}
	return resp, nil
}

func (p *FakeProvider) Introspect(_ context.Context, rawToken string) (*token.Introspection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.IntrospectErr != nil {
		return nil, p.IntrospectErr
	}
	if result, ok := p.Introspections[rawToken]; ok {
		return result, nil
	}
	return &token.Introspection{Active: false}, nil
}

// RefreshCalls reports how many Refresh calls reached the fake.
func (p *FakeProvider) RefreshCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refreshCalls
}
