package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"oidcbridge/internal/cache"
)

// DefaultPendingTTL bounds the gap between a successful callback and the
// host binding the session.
const DefaultPendingTTL = 10 * time.Minute

const pendingKeyPrefix = "federation:pending:"

// PendingIdentity records who authenticated in a browser session until the
// host binds it.
type PendingIdentity struct {
	PluginTag string    `json:"plugin_tag"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`
}

// PendingStore keeps one PendingIdentity per browser session. Each is
// consumed at most once.
type PendingStore struct {
	c   cache.Store
	ttl time.Duration
}

// NewPendingStore creates a store on c. A non-positive ttl uses DefaultPendingTTL.
func NewPendingStore(c cache.Store, ttl time.Duration) *PendingStore {
	if ttl <= 0 {
		ttl = DefaultPendingTTL
	}
	return &PendingStore{c: c, ttl: ttl}
}

// Put records p for sessionKey, replacing any earlier marker.
func (s *PendingStore) Put(ctx context.Context, sessionKey string, p PendingIdentity) error {
	if sessionKey == "" {
		return ErrNoSession
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal pending identity: %w", err)
	}
	if err := s.c.Set(ctx, pendingKeyPrefix+sessionKey, b, s.ttl); err != nil {
		return fmt.Errorf("store pending identity: %w", err)
	}
	return nil
}

// Take consumes the marker for sessionKey. It returns nil, nil when there
// is none.
func (s *PendingStore) Take(ctx context.Context, sessionKey string) (*PendingIdentity, error) {
	if sessionKey == "" {
		return nil, nil
	}
	b, ok, err := s.c.Take(ctx, pendingKeyPrefix+sessionKey)
	if err != nil {
		return nil, fmt.Errorf("load pending identity: %w", err)
	}
	if !ok {
		return nil, nil
	}
	var p PendingIdentity
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("decode pending identity: %w", err)
	}
	return &p, nil
}
