// Package observability provides structured logging and metrics.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

type contextKey string

const (
	requestIDKey contextKey = "requestID"
	componentKey contextKey = "component"
)

// Logger defines the interface for structured logging.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)

	DebugContext(ctx context.Context, msg string, args ...any)
	InfoContext(ctx context.Context, msg string, args ...any)
	WarnContext(ctx context.Context, msg string, args ...any)
	ErrorContext(ctx context.Context, msg string, args ...any)

	// With returns a new Logger with the given attributes.
	With(args ...any) Logger
	// WithComponent returns a new Logger with the component field set.
	WithComponent(name string) Logger

	// Slog returns the underlying *slog.Logger.
	Slog() *slog.Logger
}

// Config holds configuration for the logger.
type Config struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string
	// Format is the output format (json, text).
	Format string
	// Output is the destination for logs (defaults to os.Stdout).
	Output io.Writer
	// AddSource adds source file and line to log entries.
	AddSource bool
}

// DefaultConfig returns the default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  "info",
		Format: "json",
		Output: os.Stdout,
	}
}

type slogLogger struct {
	slogger *slog.Logger
}

// NewLogger creates a new Logger with the given configuration.
func NewLogger(cfg Config) Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}

	opts := &slog.HandlerOptions{
		Level:     ParseLevel(cfg.Level),
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "text":
		handler = slog.NewTextHandler(cfg.Output, opts)
	default:
		handler = slog.NewJSONHandler(cfg.Output, opts)
	}

	return &slogLogger{slogger: slog.New(handler)}
}

// NewLoggerFromSlog creates a Logger wrapping an existing *slog.Logger.
func NewLoggerFromSlog(l *slog.Logger) Logger {
	if l == nil {
		l = slog.Default()
	}
	return &slogLogger{slogger: l}
}

// NopLogger returns a Logger that discards everything. Used by tests and
// by components constructed without a logger.
func NopLogger() Logger {
	return &slogLogger{slogger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// ParseLevel converts a string log level to slog.Level. Unknown values map to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (l *slogLogger) Debug(msg string, args ...any) { l.slogger.Debug(msg, args...) }
func (l *slogLogger) Info(msg string, args ...any)  { l.slogger.Info(msg, args...) }
func (l *slogLogger) Warn(msg string, args ...any)  { l.slogger.Warn(msg, args...) }
func (l *slogLogger) Error(msg string, args ...any) { l.slogger.Error(msg, args...) }

func (l *slogLogger) DebugContext(ctx context.Context, msg string, args ...any) {
	l.slogger.DebugContext(ctx, msg, appendContextFields(ctx, args)...)
}

func (l *slogLogger) InfoContext(ctx context.Context, msg string, args ...any) {
	l.slogger.InfoContext(ctx, msg, appendContextFields(ctx, args)...)
}

func (l *slogLogger) WarnContext(ctx context.Context, msg string, args ...any) {
	l.slogger.WarnContext(ctx, msg, appendContextFields(ctx, args)...)
}

func (l *slogLogger) ErrorContext(ctx context.Context, msg string, args ...any) {
	l.slogger.ErrorContext(ctx, msg, appendContextFields(ctx, args)...)
}

func (l *slogLogger) With(args ...any) Logger {
	return &slogLogger{slogger: l.slogger.With(args...)}
}

func (l *slogLogger) WithComponent(name string) Logger {
	return l.With("component", name)
}

func (l *slogLogger) Slog() *slog.Logger { return l.slogger }

// appendContextFields extracts request-scoped fields from ctx and appends them to args.
func appendContextFields(ctx context.Context, args []any) []any {
	if ctx == nil {
		return args
	}
	if reqID := RequestIDFromContext(ctx); reqID != "" {
		args = append(args, "request_id", reqID)
	}
	if component := ComponentFromContext(ctx); component != "" {
		args = append(args, "component", component)
	}
	return args
}

// WithRequestID stores the request ID in the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext retrieves the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// WithComponent stores the component name in the context.
func WithComponent(ctx context.Context, component string) context.Context {
	if component == "" {
		return ctx
	}
	return context.WithValue(ctx, componentKey, component)
}

// ComponentFromContext retrieves the component name from context.
func ComponentFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(componentKey).(string); ok {
		return v
	}
	return ""
}
