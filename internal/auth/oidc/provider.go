package oidc

import (
	"context"
	"errors"
	"fmt"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

var (
	// ErrMissingIDToken is returned when the token response has no id_token.
	ErrMissingIDToken = errors.New("oidc: no id_token in token response")

	// ErrNonceMismatch is returned when the ID token nonce differs from the
	// one sent with the authorization request.
	ErrNonceMismatch = errors.New("oidc: nonce mismatch")

	// ErrSubjectMismatch is returned when userinfo describes a different
	// subject than the ID token.
	ErrSubjectMismatch = errors.New("oidc: userinfo subject mismatch")
)

// DefaultScopes are requested when none are configured.
var DefaultScopes = []string{gooidc.ScopeOpenID, "profile", "email"}

// ProviderConfig holds configuration for creating an OIDC provider.
type ProviderConfig struct {
	IssuerURL    string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
}

// Provider wraps OIDC discovery, token verification, and OAuth2 config for
// one client registration.
type Provider struct {
	oidcProvider *gooidc.Provider
	verifier     *gooidc.IDTokenVerifier
	oauth2Config oauth2.Config
}

// Discover performs OIDC discovery on issuerURL. The HTTP client used for
// discovery and later key fetches is taken from ctx (see gooidc.ClientContext).
func Discover(ctx context.Context, issuerURL string) (*gooidc.Provider, error) {
	p, err := gooidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery: %w", err)
	}
	return p, nil
}

// NewProvider creates a Provider by performing discovery on the issuer URL.
func NewProvider(ctx context.Context, cfg ProviderConfig) (*Provider, error) {
	discovered, err := Discover(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, err
	}
	return newProvider(discovered, cfg), nil
}

func newProvider(discovered *gooidc.Provider, cfg ProviderConfig) *Provider {
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}
	return &Provider{
		oidcProvider: discovered,
		verifier:     discovered.Verifier(&gooidc.Config{ClientID: cfg.ClientID}),
		oauth2Config: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     discovered.Endpoint(),
			Scopes:       scopes,
		},
	}
}

// AuthCodeURL builds the authorization endpoint URL for req, including the
// nonce and the S256 PKCE challenge.
func (p *Provider) AuthCodeURL(req *AuthRequest) string {
	return p.oauth2Config.AuthCodeURL(req.State,
		gooidc.Nonce(req.Nonce),
		oauth2.S256ChallengeOption(req.Verifier),
	)
}

// Exchange redeems code, verifies the ID token against req and returns the
// merged ID token and userinfo claims. Userinfo values win over ID token
// values when the provider advertises a userinfo endpoint.
func (p *Provider) Exchange(ctx context.Context, code string, req *AuthRequest) (claimSet, error) {
	token, err := p.oauth2Config.Exchange(ctx, code, oauth2.VerifierOption(req.Verifier))
	if err != nil {
		return nil, fmt.Errorf("token exchange: %w", err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, ErrMissingIDToken
	}

	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("verify id_token: %w", err)
	}
	if idToken.Nonce != req.Nonce {
		return nil, ErrNonceMismatch
	}

	claims := claimSet{}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("extract claims: %w", err)
	}

	if p.oidcProvider.UserInfoEndpoint() == "" {
		return claims, nil
	}

	info, err := p.oidcProvider.UserInfo(ctx, oauth2.StaticTokenSource(token))
	if err != nil {
		return nil, fmt.Errorf("userinfo: %w", err)
	}
	if info.Subject != idToken.Subject {
		return nil, ErrSubjectMismatch
	}
	extra := claimSet{}
	if err := info.Claims(&extra); err != nil {
		return nil, fmt.Errorf("extract userinfo claims: %w", err)
	}
	claims.merge(extra)
	return claims, nil
}
