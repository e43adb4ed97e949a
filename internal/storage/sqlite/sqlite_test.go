package sqlite

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"oidcbridge/internal/auth/oidc"
	"oidcbridge/internal/storage"
)

func openTemp(t *testing.T) (*Store, string) {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "test.db")
	s, err := Open(dsn)
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, dsn
}

func TestOpen_MigratesSchema(t *testing.T) {
	s, dsn := openTemp(t)
	ctx := context.Background()

	for _, table := range []string{"settings", "users", "sessions", "audit_events"} {
		var name string
		err := s.DB().QueryRowContext(ctx,
			`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}

	files, err := listMigrations(embeddedMigrations())
	if err != nil {
		t.Fatal(err)
	}
	var count int
	if err := s.DB().QueryRow(`SELECT COUNT(1) FROM schema_migrations`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != len(files) {
		t.Errorf("applied %d migrations, want %d", count, len(files))
	}

	// Reopening must not re-apply anything.
	_ = s.Close()
	again, err := Open(dsn)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer again.Close()
	if err := again.DB().QueryRow(`SELECT COUNT(1) FROM schema_migrations`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != len(files) {
		t.Errorf("after reopen applied %d migrations, want %d", count, len(files))
	}

	status, err := Status(dsn)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(status, "applied=") || !strings.Contains(status, "app_version=") {
		t.Errorf("unexpected status %q", status)
	}
}

func TestUsernameUniqueness(t *testing.T) {
	s, _ := openTemp(t)
	insert := `INSERT INTO users (id, username, password_hash, created_at, updated_at) VALUES (?, ?, x'00', '2024-01-01T00:00:00Z', '2024-01-01T00:00:00Z')`
	if _, err := s.DB().Exec(insert, "id-1", "alice"); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if _, err := s.DB().Exec(insert, "id-2", "alice"); err == nil {
		t.Fatal("expected unique constraint error for duplicate username")
	}
}

func TestSettingsKV(t *testing.T) {
	s, _ := openTemp(t)
	ctx := context.Background()

	if _, ok, err := s.GetSetting(ctx, "missing"); err != nil || ok {
		t.Fatalf("GetSetting(missing) = %v, %v", ok, err)
	}
	if err := s.PutSetting(ctx, "k", "v1"); err != nil {
		t.Fatal(err)
	}
	if err := s.PutSetting(ctx, "k", "v2"); err != nil {
		t.Fatal(err)
	}
	if v, ok, err := s.GetSetting(ctx, "k"); err != nil || !ok || v != "v2" {
		t.Errorf("GetSetting(k) = %q, %v, %v", v, ok, err)
	}
}

func TestSettingsStore(t *testing.T) {
	s, _ := openTemp(t)
	ctx := context.Background()
	key, _ := oidc.GenerateEncryptionKey()
	box, _ := oidc.NewSecretBox(key)
	settings := storage.NewSettings(s, box)

	want := oidc.Configuration{
		ProviderURL:  "https://idp.example.com",
		ClientID:     "client",
		ClientSecret: "secret",
		RedirectURL:  "https://app.example.com/login",
	}
	if err := settings.UpdateOIDCSettings(ctx, want); err != nil {
		t.Fatal(err)
	}
	got, err := settings.GetOIDCSettings(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestPingAndStats(t *testing.T) {
	s, _ := openTemp(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatal(err)
	}
	if st := s.Stats(); st.MaxOpenConnections != 1 {
		t.Errorf("MaxOpenConnections = %d, want 1", st.MaxOpenConnections)
	}
}

func TestWithPragmas(t *testing.T) {
	if got := withPragmas("file:x.db"); !strings.HasPrefix(got, "file:x.db?_pragma=") {
		t.Errorf("got %q", got)
	}
	if got := withPragmas("file:x.db?cache=shared"); !strings.Contains(got, "cache=shared&_pragma=") {
		t.Errorf("got %q", got)
	}
	custom := "file:x.db?_pragma=foreign_keys(1)"
	if got := withPragmas(custom); got != custom {
		t.Errorf("caller pragmas overridden: %q", got)
	}
}
