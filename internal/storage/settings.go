// Package storage holds the settings store shared by the login flow and the
// CLI, plus the health interface implemented by the SQL backends.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"oidcbridge/internal/auth/oidc"
)

// Setting keys.
const (
	KeyOIDC        = "oidc"
	KeyDefaultLang = "default_lang"
)

// ErrSecretUnavailable is returned when the stored client secret is
// encrypted but no key was configured.
var ErrSecretUnavailable = errors.New("storage: client secret is encrypted and no key is configured")

// SettingsStore manages the identity provider settings and the site default
// language. A store with nothing saved returns the zero configuration and
// an empty language, not an error.
type SettingsStore interface {
	GetOIDCSettings(ctx context.Context) (oidc.Configuration, error)
	UpdateOIDCSettings(ctx context.Context, cfg oidc.Configuration) error

	// UpdateRedirectURL replaces the redirect URL and leaves the other
	// fields, the secret in particular, as stored.
	UpdateRedirectURL(ctx context.Context, redirectURL string) error

	GetDefaultLang(ctx context.Context) (string, error)
	SetDefaultLang(ctx context.Context, lang string) error
}

// KV is the raw settings table: string values keyed by name.
type KV interface {
	GetSetting(ctx context.Context, key string) (value string, ok bool, err error)
	PutSetting(ctx context.Context, key, value string) error
}

// SecretCodec encrypts the client secret at rest. oidc.SecretBox implements it.
type SecretCodec interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// HealthCheck provides database health checking.
type HealthCheck interface {
	// Ping checks database connectivity.
	Ping(ctx context.Context) error

	// Stats returns database connection pool statistics.
	Stats() *DBStats
}

// DBStats contains database connection pool statistics.
type DBStats struct {
	MaxOpenConnections int   `json:"max_open_connections"`
	OpenConnections    int   `json:"open_connections"`
	InUse              int   `json:"in_use"`
	Idle               int   `json:"idle"`
	WaitCount          int64 `json:"wait_count"`
	WaitDuration       int64 `json:"wait_duration_ns"`
}

// oidcRecord is the JSON stored under KeyOIDC.
type oidcRecord struct {
	ProviderURL     string `json:"provider_url"`
	ClientID        string `json:"client_id"`
	ClientSecret    string `json:"client_secret"`
	SecretEncrypted bool   `json:"secret_encrypted,omitempty"`
	RedirectURL     string `json:"redirect_url"`
}

// Settings implements SettingsStore on any KV backend.
type Settings struct {
	kv    KV
	codec SecretCodec
}

var _ SettingsStore = (*Settings)(nil)

// NewSettings creates a settings store on kv. With a nil codec secrets are
// stored in plaintext.
func NewSettings(kv KV, codec SecretCodec) *Settings {
	return &Settings{kv: kv, codec: codec}
}

func (s *Settings) load(ctx context.Context) (oidcRecord, error) {
	var rec oidcRecord
	raw, ok, err := s.kv.GetSetting(ctx, KeyOIDC)
	if err != nil {
		return rec, fmt.Errorf("load oidc settings: %w", err)
	}
	if !ok {
		return rec, nil
	}
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return rec, fmt.Errorf("decode oidc settings: %w", err)
	}
	return rec, nil
}

func (s *Settings) save(ctx context.Context, rec oidcRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode oidc settings: %w", err)
	}
	if err := s.kv.PutSetting(ctx, KeyOIDC, string(b)); err != nil {
		return fmt.Errorf("save oidc settings: %w", err)
	}
	return nil
}

func (s *Settings) GetOIDCSettings(ctx context.Context) (oidc.Configuration, error) {
	rec, err := s.load(ctx)
	if err != nil {
		return oidc.Configuration{}, err
	}
	secret := rec.ClientSecret
	if rec.SecretEncrypted && secret != "" {
		if s.codec == nil {
			return oidc.Configuration{}, ErrSecretUnavailable
		}
		if secret, err = s.codec.Decrypt(secret); err != nil {
			return oidc.Configuration{}, fmt.Errorf("decrypt client secret: %w", err)
		}
	}
	return oidc.Configuration{
		ProviderURL:  rec.ProviderURL,
		ClientID:     rec.ClientID,
		ClientSecret: secret,
		RedirectURL:  rec.RedirectURL,
	}, nil
}

func (s *Settings) UpdateOIDCSettings(ctx context.Context, cfg oidc.Configuration) error {
	rec := oidcRecord{
		ProviderURL:  strings.TrimSpace(cfg.ProviderURL),
		ClientID:     strings.TrimSpace(cfg.ClientID),
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  strings.TrimSpace(cfg.RedirectURL),
	}
	if s.codec != nil && rec.ClientSecret != "" {
		enc, err := s.codec.Encrypt(rec.ClientSecret)
		if err != nil {
			return fmt.Errorf("encrypt client secret: %w", err)
		}
		rec.ClientSecret, rec.SecretEncrypted = enc, true
	}
	return s.save(ctx, rec)
}

func (s *Settings) UpdateRedirectURL(ctx context.Context, redirectURL string) error {
	rec, err := s.load(ctx)
	if err != nil {
		return err
	}
	rec.RedirectURL = strings.TrimSpace(redirectURL)
	return s.save(ctx, rec)
}

func (s *Settings) GetDefaultLang(ctx context.Context) (string, error) {
	v, _, err := s.kv.GetSetting(ctx, KeyDefaultLang)
	if err != nil {
		return "", fmt.Errorf("load default language: %w", err)
	}
	return v, nil
}

func (s *Settings) SetDefaultLang(ctx context.Context, lang string) error {
	if err := s.kv.PutSetting(ctx, KeyDefaultLang, strings.TrimSpace(lang)); err != nil {
		return fmt.Errorf("save default language: %w", err)
	}
	return nil
}
