package oidc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"github.com/hashicorp/go-cleanhttp"
)

var (
	// ErrSessionMismatch is returned when a callback arrives in a different
	// browser session than the one that started the login.
	ErrSessionMismatch = errors.New("oidc: callback from a different session")

	// ErrIncompleteCallback is returned when only one of code and state is present.
	ErrIncompleteCallback = errors.New("oidc: callback needs both code and state")
)

// DefaultHTTPTimeout bounds each request to the identity provider.
const DefaultHTTPTimeout = 10 * time.Second

// Step is the result of one Authenticate call. Exactly one of RedirectURL
// and Authenticated is set on success.
type Step struct {
	// RedirectURL is the authorization endpoint to send the browser to.
	RedirectURL string
	// Authenticated is true once the callback has been verified.
	Authenticated bool
}

// Client runs the authorization-code flow for one login attempt.
type Client interface {
	// HasCallbackError reports whether the provider returned an error response.
	HasCallbackError(p CallbackParameters) bool

	// Authenticate starts the flow (no code/state) or completes it.
	Authenticate(ctx context.Context, p CallbackParameters) (Step, error)

	// RequestClaim returns a string claim from the last successful
	// Authenticate. Missing and non-string claims report false.
	RequestClaim(name string) (string, bool)
}

// Factory builds a Client for a validated configuration. Build does no I/O.
type Factory interface {
	Build(cfg Configuration) Client
}

// ClientFactory is the production Factory. It owns the process-wide pieces
// shared by all clients: the HTTP client, the auth-request store and the
// discovery cache.
type ClientFactory struct {
	httpClient *http.Client
	states     *StateStore
	scopes     []string

	// bgCtx carries the HTTP client for discovery and JWKS refreshes, which
	// outlive the request that triggered them.
	bgCtx     context.Context
	providers sync.Map // issuer URL -> *gooidc.Provider
}

// FactoryOption configures a ClientFactory.
type FactoryOption func(*ClientFactory)

// WithHTTPClient overrides the pooled cleanhttp client.
func WithHTTPClient(c *http.Client) FactoryOption {
	return func(f *ClientFactory) {
		if c != nil {
			f.httpClient = c
		}
	}
}

// WithScopes overrides DefaultScopes.
func WithScopes(scopes ...string) FactoryOption {
	return func(f *ClientFactory) {
		if len(scopes) > 0 {
			f.scopes = scopes
		}
	}
}

// NewClientFactory creates a factory storing auth requests in states.
func NewClientFactory(states *StateStore, opts ...FactoryOption) *ClientFactory {
	hc := cleanhttp.DefaultPooledClient()
	hc.Timeout = DefaultHTTPTimeout
	f := &ClientFactory{
		httpClient: hc,
		states:     states,
		scopes:     DefaultScopes,
	}
	for _, opt := range opts {
		opt(f)
	}
	f.bgCtx = gooidc.ClientContext(context.Background(), f.httpClient)
	return f
}

// Build returns a Client for cfg.
func (f *ClientFactory) Build(cfg Configuration) Client {
	return &client{factory: f, cfg: cfg}
}

// provider returns the discovered provider for issuer, running discovery at
// most once per issuer on success. Failed discoveries are retried on the
// next login.
func (f *ClientFactory) provider(issuer string) (*gooidc.Provider, error) {
	if p, ok := f.providers.Load(issuer); ok {
		return p.(*gooidc.Provider), nil
	}
	discovered, err := Discover(f.bgCtx, issuer)
	if err != nil {
		return nil, err
	}
	actual, _ := f.providers.LoadOrStore(issuer, discovered)
	return actual.(*gooidc.Provider), nil
}

// forget drops the cached discovery for issuer.
func (f *ClientFactory) forget(issuer string) {
	f.providers.Delete(normalizeIssuer(issuer))
}

// normalizeIssuer only trims whitespace: discovery requires the issuer to
// match the provider's metadata exactly, trailing slash included.
func normalizeIssuer(u string) string {
	return strings.TrimSpace(u)
}

type client struct {
	factory *ClientFactory
	cfg     Configuration

	mu     sync.RWMutex
	claims claimSet
}

func (c *client) HasCallbackError(p CallbackParameters) bool {
	return p.HasError()
}

func (c *client) Authenticate(ctx context.Context, p CallbackParameters) (Step, error) {
	discovered, err := c.factory.provider(normalizeIssuer(c.cfg.ProviderURL))
	if err != nil {
		return Step{}, err
	}
	prov := newProvider(discovered, ProviderConfig{
		IssuerURL:    c.cfg.ProviderURL,
		ClientID:     c.cfg.ClientID,
		ClientSecret: c.cfg.ClientSecret,
		RedirectURL:  c.cfg.RedirectURL,
		Scopes:       c.factory.scopes,
	})

	if !p.IsCallback() {
		req, err := NewAuthRequest(normalizeIssuer(c.cfg.ProviderURL), p.SessionKey)
		if err != nil {
			return Step{}, err
		}
		if err := c.factory.states.Put(ctx, req); err != nil {
			return Step{}, err
		}
		return Step{RedirectURL: prov.AuthCodeURL(req)}, nil
	}

	if p.Code == "" || p.State == "" {
		return Step{}, ErrIncompleteCallback
	}
	req, err := c.factory.states.Take(ctx, p.State)
	if err != nil {
		return Step{}, err
	}
	if req.SessionKey != "" && req.SessionKey != p.SessionKey {
		return Step{}, ErrSessionMismatch
	}
	if req.Issuer != normalizeIssuer(c.cfg.ProviderURL) {
		return Step{}, fmt.Errorf("oidc: state issued for %q", req.Issuer)
	}

	claims, err := prov.Exchange(gooidc.ClientContext(ctx, c.factory.httpClient), p.Code, req)
	if err != nil {
		return Step{}, err
	}

	c.mu.Lock()
	c.claims = claims
	c.mu.Unlock()
	return Step{Authenticated: true}, nil
}

func (c *client) RequestClaim(name string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.claims == nil {
		return "", false
	}
	return c.claims.String(name)
}
