package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxEvents is the default maximum number of events to store.
const DefaultMaxEvents = 10000

// MemoryAuditLogger is an in-memory AuditLogger that keeps the newest
// events first and drops the oldest past maxEvents.
type MemoryAuditLogger struct {
	mu        sync.RWMutex
	events    []*AuditEvent
	maxEvents int
}

// MemoryAuditLoggerOption configures a MemoryAuditLogger.
type MemoryAuditLoggerOption func(*MemoryAuditLogger)

// WithMaxEvents sets the maximum number of events to store.
func WithMaxEvents(max int) MemoryAuditLoggerOption {
	return func(m *MemoryAuditLogger) {
		if max > 0 {
			m.maxEvents = max
		}
	}
}

// NewMemoryAuditLogger creates a new in-memory audit logger.
func NewMemoryAuditLogger(opts ...MemoryAuditLoggerOption) *MemoryAuditLogger {
	m := &MemoryAuditLogger{maxEvents: DefaultMaxEvents}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MemoryAuditLogger) Log(_ context.Context, event *AuditEvent) error {
	if event == nil {
		return nil
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	stored := *event

	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append([]*AuditEvent{&stored}, m.events...)
	if len(m.events) > m.maxEvents {
		m.events = m.events[:m.maxEvents]
	}
	return nil
}

func (m *MemoryAuditLogger) List(_ context.Context, opts ListOptions) ([]*AuditEvent, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var filtered []*AuditEvent
	for _, e := range m.events {
		if matchesFilters(e, opts) {
			filtered = append(filtered, e)
		}
	}
	total := len(filtered)

	start := min(max(opts.Offset, 0), total)
	end := min(start+normalizeLimit(opts.Limit), total)

	out := make([]*AuditEvent, 0, end-start)
	for _, e := range filtered[start:end] {
		cpy := *e
		out = append(out, &cpy)
	}
	return out, total, nil
}

func matchesFilters(e *AuditEvent, opts ListOptions) bool {
	if opts.Actor != "" && e.Actor != opts.Actor {
		return false
	}
	if opts.Action != "" && e.Action != opts.Action {
		return false
	}
	if opts.ResourceType != "" && e.ResourceType != opts.ResourceType {
		return false
	}
	if opts.Since != nil && e.Timestamp.Before(*opts.Since) {
		return false
	}
	return true
}
