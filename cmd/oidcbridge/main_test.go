package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"oidcbridge/internal/auth"
)

// run executes the CLI against a throwaway SQLite database.
func run(t *testing.T, dsn string, args ...string) (string, error) {
	t.Helper()
	t.Setenv("OIDCBRIDGE_STORAGE_DRIVER", "sqlite")
	t.Setenv("OIDCBRIDGE_STORAGE_DSN", dsn)
	t.Setenv("OIDCBRIDGE_LOG_LEVEL", "error")

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--env-file", filepath.Join(t.TempDir(), "missing.env")}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestSettingsSetAndShow(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "cli.db")

	out, err := run(t, dsn, "settings", "set",
		"--provider-url", "https://idp.example.com",
		"--client-id", "bridge",
		"--client-secret", "super-secret-value",
		"--default-lang", "de")
	if err != nil {
		t.Fatalf("settings set: %v", err)
	}
	if !strings.Contains(out, "saved") {
		t.Fatalf("unexpected output %q", out)
	}

	if _, err := run(t, dsn, "activate", "--base-url", "https://login.example.com"); err != nil {
		t.Fatalf("activate: %v", err)
	}

	out, err = run(t, dsn, "settings", "show", "--json")
	if err != nil {
		t.Fatalf("settings show: %v", err)
	}
	var view settingsView
	if err := json.Unmarshal([]byte(out), &view); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if view.ProviderURL != "https://idp.example.com" || view.ClientID != "bridge" {
		t.Errorf("unexpected settings %+v", view)
	}
	if view.ClientSecret != "********alue" {
		t.Errorf("secret not masked: %q", view.ClientSecret)
	}
	if view.RedirectURL != "https://login.example.com/login" {
		t.Errorf("RedirectURL = %q", view.RedirectURL)
	}
	if view.DefaultLang != "de" || !view.Ready {
		t.Errorf("unexpected settings %+v", view)
	}
}

func TestSettingsSetRequiresAFlag(t *testing.T) {
	if _, err := run(t, filepath.Join(t.TempDir(), "cli.db"), "settings", "set"); err == nil {
		t.Fatal("expected an error without flags")
	}
}

func TestActivateRequiresBaseURL(t *testing.T) {
	if _, err := run(t, filepath.Join(t.TempDir(), "cli.db"), "activate"); err == nil {
		t.Fatal("expected an error without a base URL")
	}
}

func TestUsersCreateAndList(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "cli.db")

	out, err := run(t, dsn, "users", "create", "--username", "admin", "--email", "admin@example.com")
	if err != nil {
		t.Fatalf("users create: %v", err)
	}
	if !strings.Contains(out, "password: ") {
		t.Fatalf("expected a generated password, got %q", out)
	}
	if _, err := run(t, dsn, "users", "create", "--username", "admin", "--password", "another-password-1"); err == nil {
		t.Fatal("expected duplicate username to fail")
	}

	out, err = run(t, dsn, "users", "list", "--json")
	if err != nil {
		t.Fatalf("users list: %v", err)
	}
	var users []auth.User
	if err := json.Unmarshal([]byte(out), &users); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if len(users) != 1 || users[0].Username != "admin" || users[0].AuthProvider != auth.ProviderLocal {
		t.Fatalf("unexpected users %+v", users)
	}
	if users[0].Lang != "en" {
		t.Errorf("Lang = %q, want en", users[0].Lang)
	}
}

func TestMigrateStatus(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "cli.db")
	out, err := run(t, dsn, "migrate", "up")
	if err != nil {
		t.Fatalf("migrate up: %v", err)
	}
	if strings.TrimSpace(out) == "" {
		t.Fatal("expected a status line")
	}
}

func TestMaskSecret(t *testing.T) {
	tests := map[string]string{
		"":                 "",
		"short":            "********",
		"exactly8":         "********",
		"longer-secret-42": "********t-42",
	}
	for in, want := range tests {
		if got := maskSecret(in); got != want {
			t.Errorf("maskSecret(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPrintUsersText(t *testing.T) {
	last := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	err := printUsers(&buf, []*auth.User{
		{Username: "alice", AuthProvider: auth.ProviderOIDC, Lang: "de", LastLoginAt: &last},
		{Username: "bob", AuthProvider: auth.ProviderLocal, Lang: "en"},
	}, false)
	if err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"USERNAME", "alice", "oidc", "2024-05-01T12:00:00Z", "bob"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}
