package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const bcryptCost = 12

// generatedPasswordBytes is the entropy of passwords minted for federated users.
const generatedPasswordBytes = 24

// Password length bounds. bcrypt ignores everything past 72 bytes.
const (
	DefaultMinPasswordLength = 12
	MaxPasswordLength        = 72
)

// ValidatePassword checks a locally chosen password against the length
// bounds. A non-positive minLength uses DefaultMinPasswordLength.
func ValidatePassword(password string, minLength int) error {
	if minLength <= 0 {
		minLength = DefaultMinPasswordLength
	}
	if len(password) < minLength {
		return fmt.Errorf("%w: must be at least %d characters", ErrInvalidPassword, minLength)
	}
	if len(password) > MaxPasswordLength {
		return fmt.Errorf("%w: must be at most %d bytes", ErrInvalidPassword, MaxPasswordLength)
	}
	return nil
}

// HashPassword hashes a plaintext password using bcrypt.
func HashPassword(password string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
}

// VerifyPassword checks a plaintext password against a bcrypt hash.
// Returns ErrInvalidPassword if the password does not match.
func VerifyPassword(password string, hash []byte) error {
	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil {
		return ErrInvalidPassword
	}
	return nil
}

// GeneratePassword returns a random password that is never shown to anyone.
// Federated accounts get one so the password column is never empty.
func GeneratePassword() (string, error) {
	b := make([]byte, generatedPasswordBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate password: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
