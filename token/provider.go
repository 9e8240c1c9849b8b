package token

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"
)

// TokenResponse is the provider's answer to a refresh grant, in the shape of
// a standard OAuth2 token response.
type TokenResponse struct {
	AccessToken  string
	RefreshToken string // empty when the provider did not rotate
	IDToken      string
	Expiry       time.Time
	Scopes       []string
}

// Introspection mirrors the relevant fields of a standard OAuth2 token
// introspection response. Indeterminate is set when the endpoint could not
// be reached and the configuration allows degrading to "unknown".
type Introspection struct {
	Active        bool     `json:"active"`
	Scope         string   `json:"scope,omitempty"`
	Sub           string   `json:"sub,omitempty"`
	Exp           int64    `json:"exp,omitempty"`
	ClientID      string   `json:"client_id,omitempty"`
	TokenType     string   `json:"token_type,omitempty"`
	Audience      []string `json:"-"`
	Indeterminate bool     `json:"-"`
}

// Provider is the remote OAuth provider as seen by the token manager.
type Provider interface {
	// Refresh performs a refresh_token grant. Failures are reported as
	// *ProviderError so the manager can distinguish transient from permanent.
	Refresh(ctx context.Context, refreshToken string, scopes []string) (*TokenResponse, error)

	// Introspect queries the provider's introspection endpoint. It is
	// read-only with respect to the token.
	Introspect(ctx context.Context, rawToken string) (*Introspection, error)
}

// ProviderConfig configures the OAuth provider client. When TokenEndpoint is
// empty the endpoints are discovered from IssuerURL via OIDC discovery.
type ProviderConfig struct {
	IssuerURL             string
	TokenEndpoint         string
	IntrospectionEndpoint string
	ClientID              string
	ClientSecret          string
	HTTPTimeout           time.Duration
}

type oauthProvider struct {
	cfg        ProviderConfig
	httpClient *http.Client
}

var _ Provider = (*oauthProvider)(nil)

// NewOAuthProvider builds the provider client, performing OIDC discovery
// when explicit endpoints are not configured.
func NewOAuthProvider(ctx context.Context, cfg ProviderConfig) (Provider, error) {
	if cfg.ClientID == "" {
		return nil, errors.New("[token.NewOAuthProvider] client ID is required")
	}
	timeout := cfg.HTTPTimeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	httpClient := &http.Client{Timeout: timeout}

	if cfg.TokenEndpoint == "" {
		if cfg.IssuerURL == "" {
			return nil, errors.New("[token.NewOAuthProvider] either token endpoint or issuer URL is required")
		}
		discovered, err := oidc.NewProvider(oidc.ClientContext(ctx, httpClient), cfg.IssuerURL)
		if err != nil {
			return nil, errors.Wrap(err, "[token.NewOAuthProvider] discovery")
		}
		cfg.TokenEndpoint = discovered.Endpoint().TokenURL
		if cfg.IntrospectionEndpoint == "" {
			var extra struct {
				IntrospectionEndpoint string `json:"introspection_endpoint"`
			}
			if err := discovered.Claims(&extra); err == nil {
				cfg.IntrospectionEndpoint = extra.IntrospectionEndpoint
			}
		}
	}

	return &oauthProvider{cfg: cfg, httpClient: httpClient}, nil
}

func (p *oauthProvider) Refresh(ctx context.Context, refreshToken string, scopes []string) (*TokenResponse, error) {
	conf := &oauth2.Config{
		ClientID:     p.cfg.ClientID,
		ClientSecret: p.cfg.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: p.cfg.TokenEndpoint},
		Scopes:       scopes,
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	tok, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, classifyOAuthError(err)
	}

	resp := &TokenResponse{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}
	if idToken, ok := tok.Extra("id_token").(string); ok {
		resp.IDToken = idToken
	}
	if scope, ok := tok.Extra("scope").(string); ok && scope != "" {
		resp.Scopes = strings.Fields(scope)
	}
	return resp, nil
}

func (p *oauthProvider) Introspect(ctx context.Context, rawToken string) (*Introspection, error) {
	if p.cfg.IntrospectionEndpoint == "" {
		return nil, &ProviderError{Err: errors.New("no introspection endpoint configured")}
	}

	form := url.Values{"token": {rawToken}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.IntrospectionEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &ProviderError{Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(p.cfg.ClientID, p.cfg.ClientSecret)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, &ProviderError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &ProviderError{StatusCode: resp.StatusCode, Err: errors.Errorf("introspection returned status %d", resp.StatusCode)}
	}

	var result Introspection
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &ProviderError{Err: errors.Wrap(err, "decode introspection response")}
	}
	return &result, nil
}

func classifyOAuthError(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		status := 0
		if retrieveErr.Response != nil {
			status = retrieveErr.Response.StatusCode
		}
		return &ProviderError{StatusCode: status, Code: retrieveErr.ErrorCode, Err: err}
	}
	// Anything else is transport-level: DNS, timeout, connection reset.
	return &ProviderError{Err: err}
}
