package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SQLiteAuditLogger is a SQLite-backed AuditLogger sharing the main database.
type SQLiteAuditLogger struct {
	db *sql.DB
}

// NewSQLiteAuditLogger creates an audit logger on an existing, migrated DB.
func NewSQLiteAuditLogger(db *sql.DB) *SQLiteAuditLogger {
	return &SQLiteAuditLogger{db: db}
}

func (s *SQLiteAuditLogger) Log(ctx context.Context, event *AuditEvent) error {
	if event == nil {
		return nil
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, timestamp, actor, action, resource_type, resource_id, resource_name, status_code, details, request_id, ip_address)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		event.ID, event.Timestamp.UTC().Format(time.RFC3339Nano),
		event.Actor, event.Action, event.ResourceType, event.ResourceID, event.ResourceName,
		event.StatusCode, event.Details, event.RequestID, event.IPAddress,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (s *SQLiteAuditLogger) List(ctx context.Context, opts ListOptions) ([]*AuditEvent, int, error) {
	var (
		conds []string
		args  []any
	)
	if opts.Actor != "" {
		conds = append(conds, "actor = ?")
		args = append(args, opts.Actor)
	}
	if opts.Action != "" {
		conds = append(conds, "action = ?")
		args = append(args, opts.Action)
	}
	if opts.ResourceType != "" {
		conds = append(conds, "resource_type = ?")
		args = append(args, opts.ResourceType)
	}
	if opts.Since != nil {
		conds = append(conds, "timestamp >= ?")
		args = append(args, opts.Since.UTC().Format(time.RFC3339Nano))
	}
	where := "1=1"
	if len(conds) > 0 {
		where = strings.Join(conds, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_events WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count audit events: %w", err)
	}

	args = append(args, normalizeLimit(opts.Limit), max(opts.Offset, 0))
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, actor, action, resource_type, resource_id, resource_name, status_code, details, request_id, ip_address
		FROM audit_events WHERE `+where+` ORDER BY timestamp DESC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var events []*AuditEvent
	for rows.Next() {
		var e AuditEvent
		var ts string
		if err := rows.Scan(&e.ID, &ts, &e.Actor, &e.Action, &e.ResourceType, &e.ResourceID,
			&e.ResourceName, &e.StatusCode, &e.Details, &e.RequestID, &e.IPAddress); err != nil {
			return nil, 0, fmt.Errorf("scan audit event: %w", err)
		}
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		events = append(events, &e)
	}
	return events, total, rows.Err()
}
