package config

import (
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"oidcbridge/internal/auth/oidc"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":8080" || cfg.Storage.Driver != StorageMemory || cfg.DefaultLang != "en" {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if cfg.OIDC.StateTTL != oidc.DefaultStateTTL {
		t.Errorf("state TTL = %v", cfg.OIDC.StateTTL)
	}
}

func TestLoad_YAMLThenEnv(t *testing.T) {
	path := writeFile(t, "oidcbridge.yaml", `
server:
  addr: ":9000"
  base_url: "https://login.example.com"
storage:
  driver: sqlite
  dsn: "file:/tmp/a.db"
security:
  session_ttl: 2h
oidc:
  scopes: [openid, email]
default_lang: de
`)
	t.Setenv("OIDCBRIDGE_ADDR", ":9100")
	t.Setenv("OIDCBRIDGE_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":9100" {
		t.Errorf("env did not override YAML: addr=%q", cfg.Server.Addr)
	}
	if cfg.Storage.Driver != StorageSQLite || cfg.Storage.DSN != "file:/tmp/a.db" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if cfg.Security.SessionTTL != 2*time.Hour {
		t.Errorf("session TTL = %v", cfg.Security.SessionTTL)
	}
	if strings.Join(cfg.OIDC.Scopes, ",") != "openid,email" {
		t.Errorf("scopes = %v", cfg.OIDC.Scopes)
	}
	if cfg.DefaultLang != "de" || cfg.Logger().Level != "debug" {
		t.Errorf("lang=%q level=%q", cfg.DefaultLang, cfg.Logger().Level)
	}
	if !cfg.SecureCookies() {
		t.Error("https base URL should enable secure cookies")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Storage.Driver = StoragePostgres
	cfg.Cache.Driver = "memcached"
	cfg.Server.BaseURL = "not a url"
	cfg.Security.EncryptionKey = "abcd"
	cfg.DefaultLang = "!!"

	err := cfg.Validate()
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
	for _, want := range []string{"storage.dsn", "cache driver", "base_url", "encryption_key", "default_lang"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error does not mention %s: %v", want, err)
		}
	}
}

func TestLoadDotEnv(t *testing.T) {
	path := writeFile(t, ".env", "OIDCBRIDGE_DEFAULT_LANG=es\n")
	t.Setenv("OIDCBRIDGE_DEFAULT_LANG", "")
	os.Unsetenv("OIDCBRIDGE_DEFAULT_LANG")

	if err := LoadDotEnv(path, filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DefaultLang != "es" {
		t.Errorf("DefaultLang = %q, want es", cfg.DefaultLang)
	}
}

func TestSecretCodec(t *testing.T) {
	cfg := Default()
	codec, err := cfg.SecretCodec()
	if err != nil || codec != nil {
		t.Fatalf("no key: codec=%v err=%v", codec, err)
	}

	key, _ := oidc.GenerateEncryptionKey()
	cfg.Security.EncryptionKey = strings.ToUpper(hex.EncodeToString(key))
	codec, err = cfg.SecretCodec()
	if err != nil || codec == nil {
		t.Fatalf("with key: codec=%v err=%v", codec, err)
	}
	ct, err := codec.Encrypt("x")
	if err != nil {
		t.Fatal(err)
	}
	if pt, err := codec.Decrypt(ct); err != nil || pt != "x" {
		t.Errorf("round trip = %q, %v", pt, err)
	}
}
