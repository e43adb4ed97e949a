package oidc

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/oauth2"

	"oidcbridge/internal/cache"
)

// ErrUnknownState is returned when a callback carries a state that was never
// issued, was already used, or has expired.
var ErrUnknownState = errors.New("oidc: unknown or expired state")

// DefaultStateTTL bounds how long a user may take at the identity provider.
const DefaultStateTTL = 10 * time.Minute

const stateKeyPrefix = "oidc:state:"

// AuthRequest is the server-side half of one authorization request.
type AuthRequest struct {
	State      string    `json:"state"`
	Nonce      string    `json:"nonce"`
	Verifier   string    `json:"verifier"`
	Issuer     string    `json:"issuer"`
	SessionKey string    `json:"session_key,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// NewAuthRequest creates a request with fresh state, nonce and PKCE verifier.
func NewAuthRequest(issuer, sessionKey string) (*AuthRequest, error) {
	state, err := randomToken()
	if err != nil {
		return nil, err
	}
	nonce, err := randomToken()
	if err != nil {
		return nil, err
	}
	return &AuthRequest{
		State:      state,
		Nonce:      nonce,
		Verifier:   oauth2.GenerateVerifier(),
		Issuer:     issuer,
		SessionKey: sessionKey,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

// StateStore keeps in-flight auth requests keyed by state. Each request can
// be taken exactly once.
type StateStore struct {
	c   cache.Store
	ttl time.Duration
}

// NewStateStore creates a StateStore on c. A non-positive ttl uses DefaultStateTTL.
func NewStateStore(c cache.Store, ttl time.Duration) *StateStore {
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	return &StateStore{c: c, ttl: ttl}
}

// Put stores req until it is taken or expires.
func (s *StateStore) Put(ctx context.Context, req *AuthRequest) error {
	b, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal auth request: %w", err)
	}
	if err := s.c.Set(ctx, stateKeyPrefix+req.State, b, s.ttl); err != nil {
		return fmt.Errorf("store auth request: %w", err)
	}
	return nil
}

// Take consumes the request for state.
func (s *StateStore) Take(ctx context.Context, state string) (*AuthRequest, error) {
	if state == "" {
		return nil, ErrUnknownState
	}
	b, ok, err := s.c.Take(ctx, stateKeyPrefix+state)
	if err != nil {
		return nil, fmt.Errorf("load auth request: %w", err)
	}
	if !ok {
		return nil, ErrUnknownState
	}
	var req AuthRequest
	if err := json.Unmarshal(b, &req); err != nil {
		return nil, fmt.Errorf("decode auth request: %w", err)
	}
	return &req, nil
}

func randomToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
