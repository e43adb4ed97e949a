// Package cache provides a small TTL key/value store with in-process and
// Redis backends. It holds short-lived login state that must survive the
// redirect to the identity provider and back.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Drivers.
const (
	DriverMemory = "memory"
	DriverRedis  = "redis"
)

// ErrUnknownDriver is returned by New for an unsupported driver name.
var ErrUnknownDriver = errors.New("cache: unknown driver")

// Store is a TTL key/value store.
type Store interface {
	// Get returns the value for key. ok is false when the key is absent or expired.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)

	// Set stores value under key. A zero ttl uses the store default.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Take atomically returns and removes the value for key, so that
	// concurrent callers see it at most once.
	Take(ctx context.Context, key string) (value []byte, ok bool, err error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Ping checks the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Driver        string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Prefix        string
	DefaultTTL    time.Duration
}

// DefaultTTL applies when neither the config nor the caller set one.
const DefaultTTL = 10 * time.Minute

// New creates a Store for cfg.Driver.
func New(cfg Config) (Store, error) {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultTTL
	}
	switch strings.ToLower(cfg.Driver) {
	case "", DriverMemory:
		return NewMemory(cfg.DefaultTTL), nil
	case DriverRedis:
		return NewRedis(cfg)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
}
