package cache

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Memory is an in-process Store backed by patrickmn/go-cache.
type Memory struct {
	// mu serializes Take so a value is handed out at most once.
	mu sync.Mutex
	c  *gocache.Cache
}

// NewMemory creates an in-process store; expired items are purged every minute.
func NewMemory(defaultTTL time.Duration) *Memory {
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	return &Memory{c: gocache.New(defaultTTL, time.Minute)}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := m.c.Get(key)
	if !ok {
		return nil, false, nil
	}
	b, _ := v.([]byte)
	return b, true, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = gocache.DefaultExpiration
	}
	m.c.Set(key, append([]byte(nil), value...), ttl)
	return nil
}

func (m *Memory) Take(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.c.Get(key)
	if !ok {
		return nil, false, nil
	}
	m.c.Delete(key)
	b, _ := v.([]byte)
	return b, true, nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.c.Delete(key)
	return nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error {
	m.c.Flush()
	return nil
}

// Len returns the number of items, including expired ones not yet purged.
func (m *Memory) Len() int { return m.c.ItemCount() }
