// Package api is the HTTP host for the delegated login: it adapts browser
// requests to the federation hooks, keeps the host's own session cookie and
// serves the conventional username/password form as the fallback path.
package api

import (
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"oidcbridge/internal/audit"
	"oidcbridge/internal/auth"
	"oidcbridge/internal/cache"
	"oidcbridge/internal/federation"
	"oidcbridge/internal/i18n"
	"oidcbridge/internal/observability"
	"oidcbridge/internal/storage"
	"oidcbridge/web"
)

type apiError struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) { s.status = code; s.ResponseWriter.WriteHeader(code) }

// Config holds the dependencies of a Server. Hooks, Users and Sessions are
// required.
type Config struct {
	Hooks    federation.Hooks
	Users    auth.UserStore
	Sessions auth.SessionStore
	Catalog  *i18n.Catalog

	// Health reports database health. Nil for the memory backend.
	Health storage.HealthCheck
	// Cache is pinged by /healthz when set.
	Cache cache.Store

	Audit   audit.AuditLogger
	Metrics *observability.Metrics
	Logger  observability.Logger

	SessionTTL time.Duration
	// SecureCookies forces the Secure attribute even on plain HTTP requests,
	// for deployments behind a TLS-terminating proxy.
	SecureCookies bool
	LoginRate     LoginRateLimitConfig
}

// Server serves the login pages and the small JSON API.
type Server struct {
	hooks    federation.Hooks
	users    auth.UserStore
	sessions auth.SessionStore
	catalog  *i18n.Catalog
	health   storage.HealthCheck
	cache    cache.Store
	audit    audit.AuditLogger
	metrics  *observability.Metrics
	logger   observability.Logger

	sessionTTL    time.Duration
	secureCookies bool
	loginRate     LoginRateLimitConfig
	templates     *template.Template
}

// NewServer creates a Server. It fails only if the embedded templates do
// not parse.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Catalog == nil {
		cfg.Catalog = i18n.Default()
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NopLogger()
	}
	if cfg.Audit == nil {
		cfg.Audit = audit.NewMemoryAuditLogger()
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = auth.DefaultSessionDuration
	}
	tmpl, err := template.ParseFS(web.Templates, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	return &Server{
		hooks:         cfg.Hooks,
		users:         cfg.Users,
		sessions:      cfg.Sessions,
		catalog:       cfg.Catalog,
		health:        cfg.Health,
		cache:         cfg.Cache,
		audit:         cfg.Audit,
		metrics:       cfg.Metrics,
		logger:        cfg.Logger.WithComponent("api"),
		sessionTTL:    cfg.SessionTTL,
		secureCookies: cfg.SecureCookies,
		loginRate:     cfg.LoginRate,
		templates:     tmpl,
	}, nil
}

// Handler returns the routed handler with the middleware stack applied.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(
		RequestIDMiddleware(),
		LoggingMiddleware(s.logger),
		observability.MetricsMiddleware(s.metrics),
	)

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(
			SessionMiddleware(s.sessions, s.users, s.logger),
			CSRFMiddleware(s.secureCookies),
		)
		r.Get("/", s.handleHome)
		r.Get(federation.LoginPath, s.handleLogin)
		r.With(LoginRateLimitMiddleware(s.loginRate, s.handleRateLimited)).
			Post("/login/local", s.handleLocalLogin)
		r.Get("/logout", s.handleLogout)
		r.Get("/api/v1/me", s.handleMe)
	})
	return r
}

func (s *Server) logAudit(r *http.Request, action, actor, resourceID, resourceName string, status int) {
	if actor == "" {
		actor = audit.ActorAnonymous
	}
	ctx := r.Context()
	ev := &audit.AuditEvent{
		Actor:        actor,
		Action:       action,
		ResourceType: audit.ResourceSession,
		ResourceID:   resourceID,
		ResourceName: resourceName,
		StatusCode:   status,
		RequestID:    observability.RequestIDFromContext(ctx),
		IPAddress:    clientKeyWithProxies(r, s.loginRate.ProxyConfig),
	}
	if err := s.audit.Log(ctx, ev); err != nil {
		s.logger.WarnContext(ctx, "audit log failed", "action", action, "error", err)
	}
}
