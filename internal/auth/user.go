package auth

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// User errors.
var (
	ErrUserNotFound    = errors.New("user not found")
	ErrUserExists      = errors.New("user already exists")
	ErrInvalidUser     = errors.New("invalid user")
	ErrInvalidPassword = errors.New("invalid password")
)

// RootParentID is the owner id assigned to every provisioned account.
const RootParentID int64 = 1

// Auth providers recorded on a user.
const (
	ProviderLocal = "local"
	ProviderOIDC  = "oidc"
)

// User represents a local user account.
type User struct {
	ID           string     `json:"id"`
	Username     string     `json:"username"`
	FullName     string     `json:"full_name,omitempty"`
	Email        string     `json:"email,omitempty"`
	ParentID     int64      `json:"parent_id"`
	Lang         string     `json:"lang"`
	PasswordHash []byte     `json:"-"` // bcrypt hash, never serialized
	AuthProvider string     `json:"auth_provider"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	LastLoginAt  *time.Time `json:"last_login_at,omitempty"`
}

// NewUserID returns a fresh random user id.
func NewUserID() string {
	return uuid.NewString()
}

func copyUser(u *User) *User {
	if u == nil {
		return nil
	}
	cpy := *u
	if u.PasswordHash != nil {
		cpy.PasswordHash = append([]byte(nil), u.PasswordHash...)
	}
	if u.LastLoginAt != nil {
		t := *u.LastLoginAt
		cpy.LastLoginAt = &t
	}
	return &cpy
}
