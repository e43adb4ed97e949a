package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const sqliteUserColumns = `id, username, full_name, email, parent_id, lang, password_hash, auth_provider, created_at, updated_at, last_login_at`

// SQLiteUserStore is a SQLite-backed implementation of UserStore.
// The users table is created by the storage/sqlite migrations.
type SQLiteUserStore struct {
	db *sql.DB
}

// NewSQLiteUserStore creates a store using an existing, migrated DB connection.
func NewSQLiteUserStore(db *sql.DB) *SQLiteUserStore {
	return &SQLiteUserStore{db: db}
}

func (s *SQLiteUserStore) Create(ctx context.Context, user *User) error {
	if user == nil || user.ID == "" || user.Username == "" {
		return ErrInvalidUser
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, full_name, email, parent_id, lang, password_hash, auth_provider, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		user.ID, user.Username, user.FullName, user.Email, user.ParentID, user.Lang,
		user.PasswordHash, user.AuthProvider,
		user.CreatedAt.UTC().Format(time.RFC3339Nano), user.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrUserExists
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *SQLiteUserStore) GetByID(ctx context.Context, id string) (*User, error) {
	return scanSQLiteUser(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteUserColumns+` FROM users WHERE id = ?`, id))
}

func (s *SQLiteUserStore) GetByUsername(ctx context.Context, username string) (*User, error) {
	return scanSQLiteUser(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteUserColumns+` FROM users WHERE username = ?`, username))
}

func (s *SQLiteUserStore) List(ctx context.Context) ([]*User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteUserColumns+` FROM users ORDER BY created_at ASC, username ASC`)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanSQLiteUser(rows)
		if err != nil {
			return nil, err
		}
		u.PasswordHash = nil
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *SQLiteUserStore) UpdateLastLogin(ctx context.Context, id string, t time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET last_login_at = ?, updated_at = ? WHERE id = ?`,
		t.UTC().Format(time.RFC3339Nano), t.UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("update last login: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrUserNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteUser(row rowScanner) (*User, error) {
	var (
		u                    User
		createdAt, updatedAt string
		lastLoginAt          sql.NullString
	)
	err := row.Scan(&u.ID, &u.Username, &u.FullName, &u.Email, &u.ParentID, &u.Lang,
		&u.PasswordHash, &u.AuthProvider, &createdAt, &updatedAt, &lastLoginAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}

	u.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	u.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	if lastLoginAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, lastLoginAt.String)
		u.LastLoginAt = &t
	}
	return &u, nil
}
