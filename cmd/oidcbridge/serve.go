package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/spf13/cobra"

	"oidcbridge/internal/api"
	"oidcbridge/internal/auth"
	"oidcbridge/internal/cache"
	"oidcbridge/internal/config"
	"oidcbridge/internal/i18n"
	"oidcbridge/internal/observability"
)

const sessionCleanupInterval = 15 * time.Minute

func newServeCmd(g *globals) *cobra.Command {
	var addr, trustedProxies string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.load()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			return serve(cmd.Context(), cfg, trustedProxies, logger)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides server.addr")
	cmd.Flags().StringVar(&trustedProxies, "trusted-proxies", os.Getenv(config.EnvPrefix+"TRUSTED_PROXIES"), "comma-separated proxy CIDRs whose X-Forwarded-For is honoured")
	return cmd
}

func serve(ctx context.Context, cfg config.Config, trustedProxies string, logger observability.Logger) error {
	sentryEnabled := initSentry(cfg, logger)
	if sentryEnabled {
		defer func() {
			logger.Info("flushing sentry events", "deadline", "2s")
			sentry.Flush(2 * time.Second)
		}()
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.close(); err != nil {
			logger.Error("error closing store", "error", err)
		}
	}()

	c, err := cache.New(cfg.CacheConfig())
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	defer c.Close()
	logger.Info("cache ready", "driver", cfg.Cache.Driver)

	proxies, err := api.ParseTrustedProxies(trustedProxies)
	if err != nil {
		return err
	}
	if len(proxies.CIDRs) > 0 {
		logger.Info("trusted proxies configured", "count", len(proxies.CIDRs))
	}

	metrics := observability.NewMetrics(observability.MetricsConfig{Version: version})
	catalog := i18n.Default()
	plugin := newFederation(cfg, b, c, catalog, metrics, logger)

	srv, err := api.NewServer(api.Config{
		Hooks:         plugin,
		Users:         b.users,
		Sessions:      b.sessions,
		Catalog:       catalog,
		Health:        b.health,
		Cache:         c,
		Audit:         b.audit,
		Metrics:       metrics,
		Logger:        logger,
		SessionTTL:    cfg.Security.SessionTTL,
		SecureCookies: cfg.SecureCookies(),
		LoginRate: api.LoginRateLimitConfig{
			AttemptsPerMinute: cfg.Security.LoginRatePerMin,
			Burst:             cfg.Security.LoginBurst,
			ProxyConfig:       proxies,
		},
	})
	if err != nil {
		return err
	}

	go cleanupSessions(ctx, b.sessions, logger)

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("oidcbridge listening", "addr", cfg.Server.Addr, "version", version)
		serverErrors <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	}

	logger.Info("shutting down server", "timeout", cfg.Server.ShutdownTimeout.String())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
		return err
	}
	logger.Info("server stopped gracefully")
	return nil
}

// initSentry reports whether error reporting was enabled.
func initSentry(cfg config.Config, logger observability.Logger) bool {
	if cfg.Sentry.DSN == "" {
		return false
	}
	env := cfg.Sentry.Environment
	if env == "" {
		env = "production"
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.Sentry.DSN,
		Environment:      env,
		Release:          version,
		TracesSampleRate: 1.0,
		AttachStacktrace: true,
	})
	if err != nil {
		logger.Warn("sentry initialization failed", "error", err)
		return false
	}
	logger.Info("sentry initialized", "environment", env, "release", version)
	return true
}

func cleanupSessions(ctx context.Context, sessions auth.SessionStore, logger observability.Logger) {
	ticker := time.NewTicker(sessionCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := sessions.Cleanup(ctx)
			if err != nil {
				logger.Warn("session cleanup error", "error", err)
			} else if n > 0 {
				logger.Info("cleaned up expired sessions", "count", n)
			}
		}
	}
}
