// Package auth holds local user accounts and the host's browser sessions.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"maps"
	"sync"
	"time"
)

// Session errors.
var (
	// ErrSessionNotFound indicates the session was not found.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionExpired indicates the session has expired.
	ErrSessionExpired = errors.New("session expired")

	// ErrInvalidSession indicates the session is invalid.
	ErrInvalidSession = errors.New("invalid session")
)

// DefaultSessionDuration is the default session lifetime.
const DefaultSessionDuration = 24 * time.Hour

// SessionIDLength is the number of random bytes used for session IDs.
const SessionIDLength = 32

// Session is an authenticated browser session created by the host after a
// successful local or federated login.
type Session struct {
	ID        string            `json:"id"`
	UserID    string            `json:"user_id"`
	CreatedAt time.Time         `json:"created_at"`
	ExpiresAt time.Time         `json:"expires_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// IsExpired returns true if the session has expired.
func (s *Session) IsExpired() bool {
	return time.Now().After(s.ExpiresAt)
}

// IsValid returns true if the session is valid (not expired and has required fields).
func (s *Session) IsValid() bool {
	return s.ID != "" && s.UserID != "" && !s.IsExpired()
}

// SessionStore defines the interface for session persistence.
type SessionStore interface {
	// Create stores a new session.
	Create(ctx context.Context, session *Session) error

	// Get retrieves a session by its ID.
	// Returns nil, nil if not found and ErrSessionExpired if expired.
	Get(ctx context.Context, id string) (*Session, error)

	// Delete removes a session by its ID.
	Delete(ctx context.Context, id string) error

	// Cleanup removes all expired sessions and returns how many were removed.
	Cleanup(ctx context.Context) (int, error)
}

// MemorySessionStore is an in-memory implementation of SessionStore.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewMemorySessionStore creates a new in-memory session store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]*Session)}
}

func (s *MemorySessionStore) Create(_ context.Context, session *Session) error {
	if session == nil || session.ID == "" || session.UserID == "" {
		return ErrInvalidSession
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[session.ID]; exists {
		return ErrInvalidSession
	}
	s.sessions[session.ID] = copySession(session)
	return nil
}

func (s *MemorySessionStore) Get(_ context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, nil
	}

	s.mu.RLock()
	session, exists := s.sessions[id]
	s.mu.RUnlock()

	if !exists {
		return nil, nil
	}
	if session.IsExpired() {
		return nil, ErrSessionExpired
	}
	return copySession(session), nil
}

func (s *MemorySessionStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[id]; !exists {
		return ErrSessionNotFound
	}
	delete(s.sessions, id)
	return nil
}

func (s *MemorySessionStore) Cleanup(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	count := 0
	for id, session := range s.sessions {
		if now.After(session.ExpiresAt) {
			delete(s.sessions, id)
			count++
		}
	}
	return count, nil
}

// Count returns the total number of sessions in the store.
func (s *MemorySessionStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func copySession(session *Session) *Session {
	if session == nil {
		return nil
	}
	cpy := *session
	cpy.Metadata = maps.Clone(session.Metadata)
	return &cpy
}

// GenerateSessionID generates a cryptographically secure session ID.
func GenerateSessionID() (string, error) {
	b := make([]byte, SessionIDLength)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// NewSession creates a session for userID with a fresh ID.
// A non-positive duration falls back to DefaultSessionDuration.
func NewSession(userID string, duration time.Duration, metadata map[string]string) (*Session, error) {
	id, err := GenerateSessionID()
	if err != nil {
		return nil, err
	}
	if duration <= 0 {
		duration = DefaultSessionDuration
	}

	now := time.Now().UTC()
	return &Session{
		ID:        id,
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(duration),
		Metadata:  maps.Clone(metadata),
	}, nil
}
