package federation

import (
	"context"
	"fmt"

	"oidcbridge/internal/audit"
	"oidcbridge/internal/observability"
)

// LoginPath is the path the provider redirects back to.
const LoginPath = "/login"

// Hooks is the surface a host application calls into.
type Hooks interface {
	// OnActivate records the redirect URL for the serving host.
	OnActivate(ctx context.Context, rc *RequestContext) error
	// OnLoginAttempt runs one phase of the login flow.
	OnLoginAttempt(ctx context.Context, rc *RequestContext) Outcome
	// OnIdentityResolutionRequested binds a pending identity to the session.
	OnIdentityResolutionRequested(ctx context.Context, rc *RequestContext, identityPluginTag, pendingUsername string) BindResult
	// OnLogout returns where to send the browser.
	OnLogout(ctx context.Context, rc *RequestContext) string
	// TakePending consumes the pending identity of rc's session, if any.
	TakePending(ctx context.Context, rc *RequestContext) (*PendingIdentity, error)
}

// RedirectURLStore persists the redirect URL computed on activation.
type RedirectURLStore interface {
	UpdateRedirectURL(ctx context.Context, redirectURL string) error
}

// Plugin implements Hooks over the federation components.
type Plugin struct {
	redirects    RedirectURLStore
	orchestrator *Orchestrator
	binder       *Binder
	pending      *PendingStore
	reporter     *Reporter
	audit        audit.AuditLogger
	logger       observability.Logger
}

var _ Hooks = (*Plugin)(nil)

// PluginConfig holds the collaborators of a Plugin.
type PluginConfig struct {
	Redirects    RedirectURLStore
	Orchestrator *Orchestrator
	Binder       *Binder
	Pending      *PendingStore
	Reporter     *Reporter
	Audit        audit.AuditLogger
	Logger       observability.Logger
}

// NewPlugin creates a Plugin.
func NewPlugin(cfg PluginConfig) *Plugin {
	if cfg.Reporter == nil {
		cfg.Reporter = NewReporter(nil)
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NopLogger()
	}
	return &Plugin{
		redirects:    cfg.Redirects,
		orchestrator: cfg.Orchestrator,
		binder:       cfg.Binder,
		pending:      cfg.Pending,
		reporter:     cfg.Reporter,
		audit:        cfg.Audit,
		logger:       cfg.Logger.WithComponent("plugin"),
	}
}

func (p *Plugin) OnActivate(ctx context.Context, rc *RequestContext) error {
	if rc.Host == "" {
		return fmt.Errorf("activate: host is required")
	}
	redirectURL := rc.BaseURL() + LoginPath
	if err := p.redirects.UpdateRedirectURL(ctx, redirectURL); err != nil {
		return fmt.Errorf("activate: %w", err)
	}
	p.logger.InfoContext(ctx, "redirect url updated", "redirect_url", redirectURL)
	if p.audit != nil {
		ev := &audit.AuditEvent{
			Actor:        audit.ActorCLI,
			Action:       audit.ActionActivate,
			ResourceType: audit.ResourceSettings,
			ResourceName: "redirect_url",
			Details:      redirectURL,
			RequestID:    observability.RequestIDFromContext(ctx),
		}
		if err := p.audit.Log(ctx, ev); err != nil {
			p.logger.WarnContext(ctx, "audit activate failed", "error", err)
		}
	}
	return nil
}

func (p *Plugin) OnLoginAttempt(ctx context.Context, rc *RequestContext) Outcome {
	return p.orchestrator.Run(ctx, rc)
}

func (p *Plugin) OnIdentityResolutionRequested(ctx context.Context, rc *RequestContext, identityPluginTag, pendingUsername string) BindResult {
	res, err := p.binder.Bind(ctx, identityPluginTag, pendingUsername)
	if err == nil {
		return res
	}
	kind := KindOf(err)
	n := p.reporter.Report(kind, rc.Lang)
	res.Status = BindFailed
	res.Failure = kind
	res.Notification = &n
	rc.notify(n)
	p.logger.WarnContext(ctx, "identity binding failed", "username", pendingUsername, "error", err)
	return res
}

func (p *Plugin) OnLogout(context.Context, *RequestContext) string {
	return "/"
}

func (p *Plugin) TakePending(ctx context.Context, rc *RequestContext) (*PendingIdentity, error) {
	return p.pending.Take(ctx, rc.SessionKey)
}
