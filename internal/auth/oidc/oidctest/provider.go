// Package oidctest runs an in-process OpenID Connect provider for tests. It
// implements discovery, JWKS, the authorization endpoint with PKCE, the
// token endpoint and userinfo.
package oidctest

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

// Default client registration accepted by the provider.
const (
	ClientID     = "test-client-id"
	ClientSecret = "test-client-secret"
	keyID        = "test-key-1"
)

type grant struct {
	nonce       string
	challenge   string
	redirectURI string
}

// Provider is a disposable OIDC provider.
type Provider struct {
	srv *httptest.Server
	key *rsa.PrivateKey

	mu              sync.Mutex
	subject         string
	claims          map[string]any
	userinfo        map[string]any
	userInfoEnabled bool
	userInfoSubject string
	nonceOverride   string
	tokenFailure    bool
	omitIDToken     bool
	grants          map[string]grant
	tokens          map[string]string // access token -> subject
	tokenRequests   int
}

// New starts a provider and registers cleanup on t.
func New(t testing.TB) *Provider {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate RSA key: %v", err)
	}
	p := &Provider{
		key:     key,
		subject: "user-123",
		claims: map[string]any{
			"preferred_username": "alice",
			"email":              "alice@example.com",
			"given_name":         "Alice",
			"family_name":        "Liddell",
		},
		grants: make(map[string]grant),
		tokens: make(map[string]string),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/openid-configuration", p.handleDiscovery)
	mux.HandleFunc("GET /keys", p.handleKeys)
	mux.HandleFunc("GET /authorize", p.handleAuthorize)
	mux.HandleFunc("POST /token", p.handleToken)
	mux.HandleFunc("GET /userinfo", p.handleUserInfo)

	p.srv = httptest.NewServer(mux)
	t.Cleanup(p.srv.Close)
	return p
}

// Issuer returns the provider URL.
func (p *Provider) Issuer() string { return p.srv.URL }

// SetSubject sets the sub claim for subsequent logins.
func (p *Provider) SetSubject(sub string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subject = sub
}

// SetClaims replaces the extra ID token claims.
func (p *Provider) SetClaims(claims map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.claims = maps.Clone(claims)
}

// EnableUserInfo advertises the userinfo endpoint and serves claims from it.
func (p *Provider) EnableUserInfo(claims map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.userInfoEnabled = true
	p.userinfo = maps.Clone(claims)
}

// SetUserInfoSubject makes userinfo report a different subject.
func (p *Provider) SetUserInfoSubject(sub string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.userInfoSubject = sub
}

// SetNonceOverride makes issued ID tokens carry nonce instead of the requested one.
func (p *Provider) SetNonceOverride(nonce string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nonceOverride = nonce
}

// FailTokenRequests makes the token endpoint answer invalid_grant.
func (p *Provider) FailTokenRequests() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokenFailure = true
}

// OmitIDToken drops id_token from token responses.
func (p *Provider) OmitIDToken() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.omitIDToken = true
}

// TokenRequests returns how many times the token endpoint was called.
func (p *Provider) TokenRequests() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tokenRequests
}

// Authorize plays the browser at the authorization endpoint: it requests
// authURL without following redirects and returns the callback URL the
// provider sends the user back to.
func (p *Provider) Authorize(t testing.TB, authURL string) *url.URL {
	t.Helper()
	c := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	resp, err := c.Get(authURL)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("authorize: status %d", resp.StatusCode)
	}
	loc, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatalf("authorize: bad location: %v", err)
	}
	return loc
}

func (p *Provider) handleDiscovery(w http.ResponseWriter, _ *http.Request) {
	p.mu.Lock()
	userInfo := p.userInfoEnabled
	p.mu.Unlock()

	doc := map[string]any{
		"issuer":                                p.srv.URL,
		"authorization_endpoint":                p.srv.URL + "/authorize",
		"token_endpoint":                        p.srv.URL + "/token",
		"jwks_uri":                              p.srv.URL + "/keys",
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"subject_types_supported":               []string{"public"},
		"response_types_supported":              []string{"code"},
		"code_challenge_methods_supported":      []string{"S256"},
		"token_endpoint_auth_methods_supported": []string{"client_secret_basic", "client_secret_post"},
	}
	if userInfo {
		doc["userinfo_endpoint"] = p.srv.URL + "/userinfo"
	}
	writeJSON(w, http.StatusOK, doc)
}

func (p *Provider) handleKeys(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       &p.key.PublicKey,
		KeyID:     keyID,
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}}})
}

func (p *Provider) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	redirectURI := q.Get("redirect_uri")
	if q.Get("client_id") != ClientID || redirectURI == "" {
		http.Error(w, "unknown client or redirect_uri", http.StatusBadRequest)
		return
	}
	if q.Get("response_type") != "code" || q.Get("code_challenge_method") != "S256" || q.Get("code_challenge") == "" {
		http.Error(w, "code flow with S256 PKCE required", http.StatusBadRequest)
		return
	}

	code := randomString()
	p.mu.Lock()
	p.grants[code] = grant{nonce: q.Get("nonce"), challenge: q.Get("code_challenge"), redirectURI: redirectURI}
	p.mu.Unlock()

	cb, err := url.Parse(redirectURI)
	if err != nil {
		http.Error(w, "bad redirect_uri", http.StatusBadRequest)
		return
	}
	cq := cb.Query()
	cq.Set("code", code)
	cq.Set("state", q.Get("state"))
	cb.RawQuery = cq.Encode()
	http.Redirect(w, r, cb.String(), http.StatusFound)
}

func (p *Provider) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		tokenError(w, "invalid_request")
		return
	}
	id, secret, ok := r.BasicAuth()
	if ok {
		id, _ = url.QueryUnescape(id)
		secret, _ = url.QueryUnescape(secret)
	} else {
		id, secret = r.PostForm.Get("client_id"), r.PostForm.Get("client_secret")
	}
	if id != ClientID || secret != ClientSecret {
		w.Header().Set("WWW-Authenticate", `Basic realm="token"`)
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_client"})
		return
	}

	p.mu.Lock()
	p.tokenRequests++
	g, found := p.grants[r.PostForm.Get("code")]
	delete(p.grants, r.PostForm.Get("code"))
	fail, omit := p.tokenFailure, p.omitIDToken
	subject, claims := p.subject, maps.Clone(p.claims)
	if p.nonceOverride != "" {
		g.nonce = p.nonceOverride
	}
	p.mu.Unlock()

	if fail || !found || r.PostForm.Get("grant_type") != "authorization_code" ||
		r.PostForm.Get("redirect_uri") != g.redirectURI || !verifyPKCE(r.PostForm.Get("code_verifier"), g.challenge) {
		tokenError(w, "invalid_grant")
		return
	}

	accessToken := randomString()
	p.mu.Lock()
	p.tokens[accessToken] = subject
	p.mu.Unlock()

	resp := map[string]any{
		"access_token": accessToken,
		"token_type":   "Bearer",
		"expires_in":   3600,
	}
	if !omit {
		raw, err := p.signIDToken(subject, g.nonce, claims)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		resp["id_token"] = raw
	}
	writeJSON(w, http.StatusOK, resp)
}

func (p *Provider) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	p.mu.Lock()
	subject, ok := p.tokens[token]
	enabled, claims := p.userInfoEnabled, maps.Clone(p.userinfo)
	if p.userInfoSubject != "" {
		subject = p.userInfoSubject
	}
	p.mu.Unlock()

	if !enabled || !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if claims == nil {
		claims = map[string]any{}
	}
	claims["sub"] = subject
	writeJSON(w, http.StatusOK, claims)
}

func (p *Provider) signIDToken(subject, nonce string, extra map[string]any) (string, error) {
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: p.key},
		(&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", keyID),
	)
	if err != nil {
		return "", fmt.Errorf("create signer: %w", err)
	}

	now := time.Now()
	std := jwt.Claims{
		Issuer:    p.srv.URL,
		Subject:   subject,
		Audience:  jwt.Audience{ClientID},
		IssuedAt:  jwt.NewNumericDate(now),
		Expiry:    jwt.NewNumericDate(now.Add(time.Hour)),
		NotBefore: jwt.NewNumericDate(now.Add(-time.Minute)),
	}
	if extra == nil {
		extra = map[string]any{}
	}
	if nonce != "" {
		extra["nonce"] = nonce
	}
	return jwt.Signed(signer).Claims(std).Claims(extra).Serialize()
}

func verifyPKCE(verifier, challenge string) bool {
	if verifier == "" {
		return false
	}
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:]) == challenge
}

func tokenError(w http.ResponseWriter, code string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func randomString() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}
