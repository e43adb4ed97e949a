// Package config loads service configuration from an optional YAML file,
// optional .env files and OIDCBRIDGE_* environment variables, in that order
// of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"

	"oidcbridge/internal/auth"
	"oidcbridge/internal/auth/oidc"
	"oidcbridge/internal/cache"
	"oidcbridge/internal/observability"
	"oidcbridge/internal/storage"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "OIDCBRIDGE_"

// Storage drivers.
const (
	StorageMemory   = "memory"
	StorageSQLite   = "sqlite"
	StoragePostgres = "postgres"
)

// ErrInvalid marks a configuration that failed Validate.
var ErrInvalid = errors.New("config: invalid")

type Server struct {
	Addr string `yaml:"addr" env:"ADDR"`
	// BaseURL is the public URL of the service, used by activate and to
	// decide whether cookies are marked Secure.
	BaseURL         string        `yaml:"base_url" env:"BASE_URL"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

type Storage struct {
	Driver string `yaml:"driver" env:"STORAGE_DRIVER"`
	DSN    string `yaml:"dsn" env:"STORAGE_DSN"`
}

type Cache struct {
	Driver        string `yaml:"driver" env:"CACHE_DRIVER"`
	RedisAddr     string `yaml:"redis_addr" env:"REDIS_ADDR"`
	RedisPassword string `yaml:"redis_password" env:"REDIS_PASSWORD"`
	RedisDB       int    `yaml:"redis_db" env:"REDIS_DB"`
	Prefix        string `yaml:"prefix" env:"CACHE_PREFIX"`
}

type Security struct {
	// EncryptionKey is a hex-encoded 32-byte key for the client secret at rest.
	EncryptionKey     string        `yaml:"encryption_key" env:"ENCRYPTION_KEY"`
	SessionTTL        time.Duration `yaml:"session_ttl" env:"SESSION_TTL"`
	LoginRatePerMin   int           `yaml:"login_rate_per_minute" env:"LOGIN_RATE_PER_MINUTE"`
	LoginBurst        int           `yaml:"login_burst" env:"LOGIN_BURST"`
	MinPasswordLength int           `yaml:"min_password_length" env:"MIN_PASSWORD_LENGTH"`
}

type OIDC struct {
	Scopes      []string      `yaml:"scopes" env:"OIDC_SCOPES" envSeparator:","`
	StateTTL    time.Duration `yaml:"state_ttl" env:"OIDC_STATE_TTL"`
	PendingTTL  time.Duration `yaml:"pending_ttl" env:"OIDC_PENDING_TTL"`
	HTTPTimeout time.Duration `yaml:"http_timeout" env:"OIDC_HTTP_TIMEOUT"`
}

type Sentry struct {
	DSN         string `yaml:"dsn" env:"SENTRY_DSN"`
	Environment string `yaml:"environment" env:"SENTRY_ENVIRONMENT"`
}

type Log struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`
	Format string `yaml:"format" env:"LOG_FORMAT"`
}

// Config is the full service configuration.
type Config struct {
	Server   Server   `yaml:"server"`
	Storage  Storage  `yaml:"storage"`
	Cache    Cache    `yaml:"cache"`
	Security Security `yaml:"security"`
	OIDC     OIDC     `yaml:"oidc"`
	Sentry   Sentry   `yaml:"sentry"`
	Log      Log      `yaml:"log"`

	// DefaultLang is used for new accounts and notifications when the
	// settings store has no site language.
	DefaultLang string `yaml:"default_lang" env:"DEFAULT_LANG"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Server:  Server{Addr: ":8080", ShutdownTimeout: 15 * time.Second},
		Storage: Storage{Driver: StorageMemory},
		Cache:   Cache{Driver: cache.DriverMemory, Prefix: "oidcbridge:"},
		Security: Security{
			SessionTTL:        auth.DefaultSessionDuration,
			LoginRatePerMin:   10,
			LoginBurst:        5,
			MinPasswordLength: auth.DefaultMinPasswordLength,
		},
		OIDC: OIDC{
			Scopes:      oidc.DefaultScopes,
			StateTTL:    oidc.DefaultStateTTL,
			PendingTTL:  10 * time.Minute,
			HTTPTimeout: oidc.DefaultHTTPTimeout,
		},
		Log:         Log{Level: "info", Format: "json"},
		DefaultLang: "en",
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty) and the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	return cfg, cfg.Validate()
}

// LoadDotEnv loads the given .env files into the process environment.
// Missing files are skipped; variables already set are not overridden.
func LoadDotEnv(files ...string) error {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var result *multierror.Error
	add := func(format string, args ...any) {
		result = multierror.Append(result, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	switch c.Storage.Driver {
	case StorageMemory:
	case StorageSQLite, StoragePostgres:
		if c.Storage.DSN == "" {
			add("storage.dsn is required for driver %q", c.Storage.Driver)
		}
	default:
		add("unknown storage driver %q", c.Storage.Driver)
	}

	switch c.Cache.Driver {
	case cache.DriverMemory:
	case cache.DriverRedis:
		if c.Cache.RedisAddr == "" {
			add("cache.redis_addr is required for the redis driver")
		}
	default:
		add("unknown cache driver %q", c.Cache.Driver)
	}

	if c.Server.BaseURL != "" {
		u, err := url.Parse(c.Server.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			add("server.base_url %q is not an absolute URL", c.Server.BaseURL)
		}
	}
	if c.Security.EncryptionKey != "" {
		if _, err := oidc.ParseKey(c.Security.EncryptionKey); err != nil {
			add("security.encryption_key: %v", err)
		}
	}
	if c.Security.LoginRatePerMin < 0 || c.Security.LoginBurst < 0 {
		add("login rate limits must not be negative")
	}
	if c.Security.SessionTTL <= 0 {
		add("security.session_ttl must be positive")
	}
	if _, err := language.Parse(c.DefaultLang); err != nil {
		add("default_lang %q: %v", c.DefaultLang, err)
	}
	return result.ErrorOrNil()
}

// SecureCookies reports whether the public base URL is HTTPS.
func (c Config) SecureCookies() bool {
	return strings.HasPrefix(strings.ToLower(c.Server.BaseURL), "https://")
}

// Logger returns the logger configuration.
func (c Config) Logger() observability.Config {
	lc := observability.DefaultConfig()
	if c.Log.Level != "" {
		lc.Level = c.Log.Level
	}
	if c.Log.Format != "" {
		lc.Format = c.Log.Format
	}
	return lc
}

// CacheConfig returns the cache backend configuration.
func (c Config) CacheConfig() cache.Config {
	return cache.Config{
		Driver:        c.Cache.Driver,
		RedisAddr:     c.Cache.RedisAddr,
		RedisPassword: c.Cache.RedisPassword,
		RedisDB:       c.Cache.RedisDB,
		Prefix:        c.Cache.Prefix,
	}
}

// SecretCodec returns the codec for the configured encryption key, or nil
// when no key is set.
func (c Config) SecretCodec() (storage.SecretCodec, error) {
	if c.Security.EncryptionKey == "" {
		return nil, nil
	}
	key, err := oidc.ParseKey(c.Security.EncryptionKey)
	if err != nil {
		return nil, err
	}
	return oidc.NewSecretBox(key)
}
