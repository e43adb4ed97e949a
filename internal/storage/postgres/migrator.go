package postgres

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	pgmigrations "oidcbridge/migrations/postgres"
)

var migFileRe = regexp.MustCompile(`^(\d+)_.+\.up\.sql$`)

type migration struct {
	version int
	name    string
}

func listMigrations() ([]migration, error) {
	entries, err := fs.ReadDir(pgmigrations.Files, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	var files []migration
	for _, e := range entries {
		m := migFileRe.FindStringSubmatch(e.Name())
		if e.IsDir() || len(m) == 0 {
			continue
		}
		v, err := strconv.Atoi(m[1])
		if err != nil {
			return nil, fmt.Errorf("migration %s: %w", e.Name(), err)
		}
		files = append(files, migration{version: v, name: e.Name()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].version < files[j].version })
	return files, nil
}

func runMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version BIGINT PRIMARY KEY, name TEXT NOT NULL, applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW())`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	if _, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_info (id INTEGER PRIMARY KEY CHECK(id=1), schema_version INTEGER NOT NULL, min_supported_schema INTEGER NOT NULL DEFAULT 1, app_version TEXT NOT NULL, applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW())`); err != nil {
		return fmt.Errorf("create schema_info: %w", err)
	}

	files, err := listMigrations()
	if err != nil {
		return err
	}

	applied := map[int]bool{}
	rows, err := pool.Query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("query applied migrations: %w", err)
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return err
		}
		applied[v] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	latest := 0
	for _, f := range files {
		latest = max(latest, f.version)
		if applied[f.version] {
			continue
		}
		b, err := fs.ReadFile(pgmigrations.Files, f.name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f.name, err)
		}
		stmt := strings.TrimSpace(string(b))
		if stmt == "" {
			continue
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx for migration %s: %w", f.name, err)
		}
		if _, err := tx.Exec(ctx, stmt); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("migration %s failed: %w", f.name, err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations(version, name, applied_at) VALUES($1, $2, $3)`,
			f.version, f.name, time.Now().UTC()); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("record migration %s: %w", f.name, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit migration %s: %w", f.name, err)
		}
	}

	appVersion := os.Getenv("APP_VERSION")
	if appVersion == "" {
		appVersion = "dev"
	}
	_, err = pool.Exec(ctx, `
		INSERT INTO schema_info(id, schema_version, min_supported_schema, app_version, applied_at)
		VALUES(1, $1, COALESCE((SELECT min_supported_schema FROM schema_info WHERE id=1),1), $2, $3)
		ON CONFLICT(id) DO UPDATE SET schema_version=EXCLUDED.schema_version, app_version=EXCLUDED.app_version, applied_at=EXCLUDED.applied_at`,
		latest, appVersion, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update schema_info: %w", err)
	}
	return nil
}

// Status returns a summary of the migration state for the given connection string.
func Status(ctx context.Context, connStr string) (string, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return "", err
	}
	defer pool.Close()

	files, err := listMigrations()
	if err != nil {
		return "", err
	}
	available := 0
	if len(files) > 0 {
		available = files[len(files)-1].version
	}

	var latest, count int
	_ = pool.QueryRow(ctx, `SELECT COALESCE(MAX(version),0), COUNT(1) FROM schema_migrations`).Scan(&latest, &count)

	var schemaVersion, minSupported int
	var appVersion string
	var appliedAt time.Time
	_ = pool.QueryRow(ctx, `SELECT schema_version, min_supported_schema, app_version, applied_at FROM schema_info WHERE id=1`).
		Scan(&schemaVersion, &minSupported, &appVersion, &appliedAt)

	return fmt.Sprintf("schema_version=%d applied=%d latest=%d available=%d app_version=%s applied_at=%s min_supported=%d",
		schemaVersion, count, latest, available, appVersion, appliedAt.Format(time.RFC3339), minSupported), nil
}
