package auth

import (
	"context"
	"sort"
	"sync"
	"time"
)

// UserStore defines the interface for user persistence.
//
// Username uniqueness is enforced by the store itself: Create on a taken
// username returns ErrUserExists without touching the existing row.
type UserStore interface {
	// Create stores a new user.
	Create(ctx context.Context, user *User) error

	// GetByID retrieves a user by ID.
	// Returns nil, nil if not found.
	GetByID(ctx context.Context, id string) (*User, error)

	// GetByUsername retrieves a user by username (case-sensitive).
	// Returns nil, nil if not found.
	GetByUsername(ctx context.Context, username string) (*User, error)

	// List returns all users, oldest first. Password hashes are omitted.
	List(ctx context.Context) ([]*User, error)

	// UpdateLastLogin sets the last_login_at timestamp for a user.
	UpdateLastLogin(ctx context.Context, id string, t time.Time) error
}

// MemoryUserStore is an in-memory implementation of UserStore.
type MemoryUserStore struct {
	mu            sync.RWMutex
	users         map[string]*User  // keyed by ID
	usernameIndex map[string]string // username -> ID
}

// NewMemoryUserStore creates a new in-memory user store.
func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{
		users:         make(map[string]*User),
		usernameIndex: make(map[string]string),
	}
}

func (s *MemoryUserStore) Create(_ context.Context, user *User) error {
	if user == nil || user.ID == "" || user.Username == "" {
		return ErrInvalidUser
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[user.ID]; exists {
		return ErrUserExists
	}
	if _, exists := s.usernameIndex[user.Username]; exists {
		return ErrUserExists
	}

	s.users[user.ID] = copyUser(user)
	s.usernameIndex[user.Username] = user.ID
	return nil
}

func (s *MemoryUserStore) GetByID(_ context.Context, id string) (*User, error) {
	if id == "" {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyUser(s.users[id]), nil
}

func (s *MemoryUserStore) GetByUsername(_ context.Context, username string) (*User, error) {
	if username == "" {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.usernameIndex[username]
	if !ok {
		return nil, nil
	}
	return copyUser(s.users[id]), nil
}

func (s *MemoryUserStore) List(_ context.Context) ([]*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*User, 0, len(s.users))
	for _, u := range s.users {
		cpy := copyUser(u)
		cpy.PasswordHash = nil
		result = append(result, cpy)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].Username < result[j].Username
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *MemoryUserStore) UpdateLastLogin(_ context.Context, id string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, exists := s.users[id]
	if !exists {
		return ErrUserNotFound
	}
	user.LastLoginAt = &t
	return nil
}

// Count returns the number of stored users.
func (s *MemoryUserStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users)
}
