package main

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-cleanhttp"

	"oidcbridge/internal/audit"
	"oidcbridge/internal/auth"
	"oidcbridge/internal/auth/oidc"
	"oidcbridge/internal/cache"
	"oidcbridge/internal/config"
	"oidcbridge/internal/federation"
	"oidcbridge/internal/i18n"
	"oidcbridge/internal/observability"
	"oidcbridge/internal/storage"
	pgstore "oidcbridge/internal/storage/postgres"
	sqlitestore "oidcbridge/internal/storage/sqlite"
)

// backend holds the stores for the configured storage driver.
type backend struct {
	users    auth.UserStore
	sessions auth.SessionStore
	audit    audit.AuditLogger
	settings *storage.Settings
	// health is nil for the memory driver.
	health storage.HealthCheck
	close  func() error
}

// openBackend opens the database named by cfg.Storage and applies pending
// migrations.
func openBackend(ctx context.Context, cfg config.Config, logger observability.Logger) (*backend, error) {
	codec, err := cfg.SecretCodec()
	if err != nil {
		return nil, fmt.Errorf("encryption key: %w", err)
	}
	if codec == nil {
		logger.Warn("no encryption key configured; client secret is stored in plaintext")
	}

	switch cfg.Storage.Driver {
	case config.StorageSQLite:
		st, err := sqlitestore.Open(cfg.Storage.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		logger.Info("using sqlite store", "dsn", cfg.Storage.DSN)
		return &backend{
			users:    auth.NewSQLiteUserStore(st.DB()),
			sessions: auth.NewSQLiteSessionStore(st.DB()),
			audit:    audit.NewSQLiteAuditLogger(st.DB()),
			settings: storage.NewSettings(st, codec),
			health:   st,
			close:    st.Close,
		}, nil
	case config.StoragePostgres:
		st, err := pgstore.Open(ctx, cfg.Storage.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		logger.Info("using postgres store")
		return &backend{
			users:    auth.NewPostgresUserStore(st.Pool()),
			sessions: auth.NewPostgresSessionStore(st.Pool()),
			audit:    audit.NewPostgresAuditLogger(st.Pool()),
			settings: storage.NewSettings(st, codec),
			health:   st,
			close:    st.Close,
		}, nil
	default:
		logger.Info("using in-memory store; nothing survives a restart")
		return &backend{
			users:    auth.NewMemoryUserStore(),
			sessions: auth.NewMemorySessionStore(),
			audit:    audit.NewMemoryAuditLogger(),
			settings: storage.NewMemorySettings(codec),
			close:    func() error { return nil },
		}, nil
	}
}

// newFederation wires the login flow onto the backend and cache.
func newFederation(cfg config.Config, b *backend, c cache.Store, catalog *i18n.Catalog, metrics *observability.Metrics, logger observability.Logger) *federation.Plugin {
	hc := cleanhttp.DefaultPooledClient()
	hc.Timeout = cfg.OIDC.HTTPTimeout
	if hc.Timeout <= 0 {
		hc.Timeout = oidc.DefaultHTTPTimeout
	}
	stateTTL := cfg.OIDC.StateTTL
	if stateTTL <= 0 {
		stateTTL = oidc.DefaultStateTTL
	}
	factory := oidc.NewClientFactory(
		oidc.NewStateStore(c, stateTTL),
		oidc.WithScopes(cfg.OIDC.Scopes...),
		oidc.WithHTTPClient(hc),
	)

	pendingTTL := cfg.OIDC.PendingTTL
	if pendingTTL <= 0 {
		pendingTTL = 10 * time.Minute
	}
	pending := federation.NewPendingStore(c, pendingTTL)
	reporter := federation.NewReporter(catalog)
	resolver := federation.NewResolver(b.users,
		federation.WithLangSource(b.settings),
		federation.WithDefaultLang(cfg.DefaultLang),
		federation.WithAudit(b.audit),
		federation.WithMetrics(metrics),
		federation.WithLogger(logger),
	)
	orchestrator := federation.NewOrchestrator(federation.OrchestratorConfig{
		Settings: b.settings,
		Factory:  factory,
		Resolver: resolver,
		Pending:  pending,
		Reporter: reporter,
		Audit:    b.audit,
		Metrics:  metrics,
		Logger:   logger,
	})
	return federation.NewPlugin(federation.PluginConfig{
		Redirects:    b.settings,
		Orchestrator: orchestrator,
		Binder:       federation.NewBinder(b.users, logger),
		Pending:      pending,
		Reporter:     reporter,
		Audit:        b.audit,
		Logger:       logger,
	})
}
