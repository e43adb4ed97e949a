// Package sqlite opens and migrates the SQLite database and stores settings
// in it. The user, session and audit stores share its *sql.DB.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // CGO-less SQLite driver

	"oidcbridge/internal/storage"
)

// Store is a migrated SQLite database.
type Store struct {
	db *sql.DB
}

var (
	_ storage.KV          = (*Store)(nil)
	_ storage.HealthCheck = (*Store)(nil)
)

// withPragmas adds per-connection pragmas to dsn. database/sql may open
// several connections, so they cannot be set once with Exec.
func withPragmas(dsn string) string {
	if strings.Contains(dsn, "_pragma=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
}

// Open opens dsn and applies pending migrations.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", withPragmas(dsn))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite allows one writer; serializing on one connection avoids
	// SQLITE_BUSY under concurrent first logins.
	db.SetMaxOpenConns(1)

	if err := runMigrations(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{db: db}, nil
}

// Status returns schema_migrations and schema_info summary for the given DSN without creating a Store.
func Status(dsn string) (string, error) {
	db, err := sql.Open("sqlite", withPragmas(dsn))
	if err != nil {
		return "", err
	}
	defer db.Close()

	files, err := listMigrations(embeddedMigrations())
	if err != nil {
		return "", err
	}
	available := 0
	if len(files) > 0 {
		available = files[len(files)-1].version
	}

	var latest, count int
	_ = db.QueryRow(`SELECT COALESCE(MAX(version),0), COUNT(1) FROM schema_migrations`).Scan(&latest, &count)
	var schemaVersion, minSupported int
	var appVersion, appliedAt string
	_ = db.QueryRow(`SELECT schema_version, min_supported_schema, app_version, applied_at FROM schema_info WHERE id=1`).
		Scan(&schemaVersion, &minSupported, &appVersion, &appliedAt)

	return fmt.Sprintf("schema_version=%d applied=%d latest=%d available=%d app_version=%s applied_at=%s min_supported=%d",
		schemaVersion, count, latest, available, appVersion, appliedAt, minSupported), nil
}

// DB returns the underlying database for the other SQLite-backed stores.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Stats returns connection pool statistics.
func (s *Store) Stats() *storage.DBStats {
	st := s.db.Stats()
	return &storage.DBStats{
		MaxOpenConnections: st.MaxOpenConnections,
		OpenConnections:    st.OpenConnections,
		InUse:              st.InUse,
		Idle:               st.Idle,
		WaitCount:          st.WaitCount,
		WaitDuration:       st.WaitDuration.Nanoseconds(),
	}
}

func (s *Store) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *Store) PutSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC().Format(time.RFC3339))
	return err
}
