package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSessionStore is a PostgreSQL-backed implementation of SessionStore.
type PostgresSessionStore struct {
	pool *pgxpool.Pool
}

// NewPostgresSessionStore creates a session store using an existing, migrated pool.
func NewPostgresSessionStore(pool *pgxpool.Pool) *PostgresSessionStore {
	return &PostgresSessionStore{pool: pool}
}

func (s *PostgresSessionStore) Create(ctx context.Context, session *Session) error {
	if session == nil || session.ID == "" || session.UserID == "" {
		return ErrInvalidSession
	}

	metadataJSON := []byte("{}")
	if session.Metadata != nil {
		b, err := json.Marshal(session.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		metadataJSON = b
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (id, user_id, created_at, expires_at, metadata)
		VALUES ($1, $2, $3, $4, $5::jsonb)`,
		session.ID, session.UserID, session.CreatedAt, session.ExpiresAt, string(metadataJSON),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *PostgresSessionStore) Get(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, nil
	}

	var session Session
	var metadataJSON []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, created_at, expires_at, metadata
		FROM sessions WHERE id = $1`, id).
		Scan(&session.ID, &session.UserID, &session.CreatedAt, &session.ExpiresAt, &metadataJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}

	if len(metadataJSON) > 0 {
		_ = json.Unmarshal(metadataJSON, &session.Metadata)
	}
	if session.IsExpired() {
		return nil, ErrSessionExpired
	}
	return &session, nil
}

func (s *PostgresSessionStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *PostgresSessionStore) Cleanup(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE expires_at < $1`, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("cleanup sessions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
