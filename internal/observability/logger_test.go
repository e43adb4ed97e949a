package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func decodeEntry(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse JSON log: %v, output: %s", err, buf.String())
	}
	return entry
}

func TestNewLoggerLevels(t *testing.T) {
	tests := []struct {
		name     string
		minLevel string
		emit     func(Logger)
		want     bool
	}{
		{"info emits info", "info", func(l Logger) { l.Info("login outcome") }, true},
		{"info drops debug", "info", func(l Logger) { l.Debug("login outcome") }, false},
		{"debug emits debug", "debug", func(l Logger) { l.Debug("login outcome") }, true},
		{"error drops warn", "error", func(l Logger) { l.Warn("login outcome") }, false},
		{"warning alias", "warning", func(l Logger) { l.Warn("login outcome") }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			tt.emit(NewLogger(Config{Level: tt.minLevel, Format: "json", Output: buf}))
			if got := strings.Contains(buf.String(), "login outcome"); got != tt.want {
				t.Errorf("message present=%v, want %v (output=%s)", got, tt.want, buf.String())
			}
		})
	}
}

func TestLoggerFormats(t *testing.T) {
	buf := &bytes.Buffer{}
	NewLogger(Config{Level: "info", Format: "json", Output: buf}).Info("redirecting", "issuer", "https://idp")
	entry := decodeEntry(t, buf)
	if entry["msg"] != "redirecting" || entry["issuer"] != "https://idp" {
		t.Errorf("unexpected json entry: %v", entry)
	}

	buf.Reset()
	NewLogger(Config{Level: "info", Format: "TEXT", Output: buf}).Info("redirecting", "state", "abc")
	if !strings.Contains(buf.String(), "state=abc") {
		t.Errorf("expected text output with state=abc, got: %s", buf.String())
	}
}

func TestLoggerWithAndComponent(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := NewLogger(Config{Level: "info", Format: "json", Output: buf}).
		WithComponent("federation").
		With("plugin", "AuthOpenIDConnect")

	logger.Info("bound")
	entry := decodeEntry(t, buf)
	if entry["component"] != "federation" {
		t.Errorf("component = %v", entry["component"])
	}
	if entry["plugin"] != "AuthOpenIDConnect" {
		t.Errorf("plugin = %v", entry["plugin"])
	}
}

func TestLoggerContextFields(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := NewLogger(Config{Level: "debug", Format: "json", Output: buf})

	ctx := WithComponent(WithRequestID(context.Background(), "req-123"), "oidc")
	logger.InfoContext(ctx, "exchange")

	entry := decodeEntry(t, buf)
	if entry["request_id"] != "req-123" {
		t.Errorf("request_id = %v", entry["request_id"])
	}
	if entry["component"] != "oidc" {
		t.Errorf("component = %v", entry["component"])
	}
}

func TestContextHelpersEmptyValues(t *testing.T) {
	ctx := context.Background()
	if WithRequestID(ctx, "") != ctx {
		t.Error("empty request id should return the original context")
	}
	if WithComponent(ctx, "") != ctx {
		t.Error("empty component should return the original context")
	}
	if got := RequestIDFromContext(nil); got != "" { //nolint:staticcheck // nil context handling
		t.Errorf("RequestIDFromContext(nil) = %q", got)
	}
	if got := ComponentFromContext(nil); got != "" { //nolint:staticcheck // nil context handling
		t.Errorf("ComponentFromContext(nil) = %q", got)
	}
	if args := appendContextFields(nil, []any{"k", "v"}); len(args) != 2 { //nolint:staticcheck // nil context handling
		t.Errorf("expected args untouched, got %v", args)
	}
}

func TestNewLoggerFromSlog(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := NewLoggerFromSlog(slog.New(slog.NewJSONHandler(buf, nil)))
	logger.Info("wrapped")
	if !strings.Contains(buf.String(), "wrapped") {
		t.Errorf("expected output, got %s", buf.String())
	}
	if logger.Slog() == nil {
		t.Error("Slog() returned nil")
	}
	if NewLoggerFromSlog(nil) == nil {
		t.Error("nil slog should fall back to default")
	}
}

func TestNopLogger(t *testing.T) {
	l := NopLogger()
	l.Error("ignored", "err", "boom")
	l.WithComponent("x").InfoContext(context.Background(), "ignored")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{" info ", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"WARNING", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ParseLevel(tt.input); got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Level != "info" || cfg.Format != "json" || cfg.AddSource {
		t.Errorf("unexpected default config: %+v", cfg)
	}
}
