package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgUserColumns = `id, username, full_name, email, parent_id, lang, password_hash, auth_provider, created_at, updated_at, last_login_at`

// PostgresUserStore is a PostgreSQL-backed implementation of UserStore.
type PostgresUserStore struct {
	pool *pgxpool.Pool
}

// NewPostgresUserStore creates a user store using an existing, migrated pool.
func NewPostgresUserStore(pool *pgxpool.Pool) *PostgresUserStore {
	return &PostgresUserStore{pool: pool}
}

func (s *PostgresUserStore) Create(ctx context.Context, user *User) error {
	if user == nil || user.ID == "" || user.Username == "" {
		return ErrInvalidUser
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, username, full_name, email, parent_id, lang, password_hash, auth_provider, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		user.ID, user.Username, user.FullName, user.Email, user.ParentID, user.Lang,
		user.PasswordHash, user.AuthProvider, user.CreatedAt, user.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrUserExists
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresUserStore) GetByID(ctx context.Context, id string) (*User, error) {
	return scanPgUser(s.pool.QueryRow(ctx, `SELECT `+pgUserColumns+` FROM users WHERE id = $1`, id))
}

func (s *PostgresUserStore) GetByUsername(ctx context.Context, username string) (*User, error) {
	return scanPgUser(s.pool.QueryRow(ctx, `SELECT `+pgUserColumns+` FROM users WHERE username = $1`, username))
}

func (s *PostgresUserStore) List(ctx context.Context) ([]*User, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+pgUserColumns+` FROM users ORDER BY created_at ASC, username ASC`)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanPgUser(rows)
		if err != nil {
			return nil, err
		}
		u.PasswordHash = nil
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *PostgresUserStore) UpdateLastLogin(ctx context.Context, id string, t time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE users SET last_login_at = $2, updated_at = $2 WHERE id = $1`, id, t)
	if err != nil {
		return fmt.Errorf("update last login: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

func scanPgUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Username, &u.FullName, &u.Email, &u.ParentID, &u.Lang,
		&u.PasswordHash, &u.AuthProvider, &u.CreatedAt, &u.UpdatedAt, &u.LastLoginAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return &u, nil
}
