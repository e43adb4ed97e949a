package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresAuditLogger is a PostgreSQL-backed AuditLogger.
type PostgresAuditLogger struct {
	pool *pgxpool.Pool
}

// NewPostgresAuditLogger creates an audit logger on an existing, migrated pool.
func NewPostgresAuditLogger(pool *pgxpool.Pool) *PostgresAuditLogger {
	return &PostgresAuditLogger{pool: pool}
}

func (p *PostgresAuditLogger) Log(ctx context.Context, event *AuditEvent) error {
	if event == nil {
		return nil
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err := p.pool.Exec(ctx, `
		INSERT INTO audit_events (id, timestamp, actor, action, resource_type, resource_id, resource_name, status_code, details, request_id, ip_address)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		event.ID, event.Timestamp, event.Actor, event.Action, event.ResourceType,
		event.ResourceID, event.ResourceName, event.StatusCode, event.Details,
		event.RequestID, event.IPAddress,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (p *PostgresAuditLogger) List(ctx context.Context, opts ListOptions) ([]*AuditEvent, int, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if opts.Actor != "" {
		add("actor = $%d", opts.Actor)
	}
	if opts.Action != "" {
		add("action = $%d", opts.Action)
	}
	if opts.ResourceType != "" {
		add("resource_type = $%d", opts.ResourceType)
	}
	if opts.Since != nil {
		add("timestamp >= $%d", *opts.Since)
	}
	where := "TRUE"
	if len(conds) > 0 {
		where = strings.Join(conds, " AND ")
	}

	var total int
	if err := p.pool.QueryRow(ctx, "SELECT COUNT(*) FROM audit_events WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count audit events: %w", err)
	}

	n := len(args)
	args = append(args, normalizeLimit(opts.Limit), max(opts.Offset, 0))
	rows, err := p.pool.Query(ctx, fmt.Sprintf(`
		SELECT id, timestamp, actor, action, resource_type, resource_id, resource_name, status_code, details, request_id, ip_address
		FROM audit_events WHERE %s ORDER BY timestamp DESC LIMIT $%d OFFSET $%d`, where, n+1, n+2), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var events []*AuditEvent
	for rows.Next() {
		var e AuditEvent
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Actor, &e.Action, &e.ResourceType, &e.ResourceID,
			&e.ResourceName, &e.StatusCode, &e.Details, &e.RequestID, &e.IPAddress); err != nil {
			return nil, 0, fmt.Errorf("scan audit event: %w", err)
		}
		events = append(events, &e)
	}
	return events, total, rows.Err()
}
