package federation

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"oidcbridge/internal/audit"
	"oidcbridge/internal/auth"
	"oidcbridge/internal/auth/oidc"
	"oidcbridge/internal/observability"
)

// State is a node of the login state machine.
type State int

const (
	StateIdle State = iota
	StateGated
	StateRedirecting
	StateAborted
	StateAwaitingCallback
	StateAuthenticated
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateGated:
		return "gated"
	case StateRedirecting:
		return "redirecting"
	case StateAborted:
		return "aborted"
	case StateAwaitingCallback:
		return "awaiting_callback"
	case StateAuthenticated:
		return "authenticated"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Outcome is where one Run ended. Only StateRedirecting, StateAuthenticated
// and StateFailed are terminal results.
type Outcome struct {
	State   State
	Failure FailureKind

	// RedirectURL is set for StateRedirecting.
	RedirectURL string
	// User is set for StateAuthenticated.
	User *auth.User
	// Notification is set for StateFailed.
	Notification *Notification
	// Err is the internal cause of a failure. It is for logs only.
	Err error
}

// ConfigSource loads the provider configuration for a login attempt.
type ConfigSource interface {
	GetOIDCSettings(ctx context.Context) (oidc.Configuration, error)
}

// Orchestrator drives one login attempt through gate, provider and
// provisioning. Each HTTP exchange is a separate Run; the redirect to the
// provider ends the first and the callback starts the second.
type Orchestrator struct {
	settings ConfigSource
	factory  oidc.Factory
	resolver *Resolver
	pending  *PendingStore
	reporter *Reporter
	audit    audit.AuditLogger
	metrics  *observability.Metrics
	logger   observability.Logger
}

// OrchestratorConfig holds the collaborators of an Orchestrator. Settings,
// Factory, Resolver and Pending are required.
type OrchestratorConfig struct {
	Settings ConfigSource
	Factory  oidc.Factory
	Resolver *Resolver
	Pending  *PendingStore
	Reporter *Reporter
	Audit    audit.AuditLogger
	Metrics  *observability.Metrics
	Logger   observability.Logger
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	if cfg.Reporter == nil {
		cfg.Reporter = NewReporter(nil)
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NopLogger()
	}
	return &Orchestrator{
		settings: cfg.Settings,
		factory:  cfg.Factory,
		resolver: cfg.Resolver,
		pending:  cfg.Pending,
		reporter: cfg.Reporter,
		audit:    cfg.Audit,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger.WithComponent("orchestrator"),
	}
}

// Run executes the phase of the login selected by rc.Params. It never
// returns an error; failures come back as a StateFailed outcome whose
// notification has already been sent to rc.Notify.
func (o *Orchestrator) Run(ctx context.Context, rc *RequestContext) Outcome {
	out := o.run(ctx, rc)
	o.metrics.ObserveLogin(out.State.String(), failureLabel(out.Failure))

	switch out.State {
	case StateFailed:
		n := o.reporter.Report(out.Failure, rc.Lang)
		out.Notification = &n
		rc.notify(n)
		o.reporter.Capture(ctx, out.Failure, out.Err)
		o.logger.WarnContext(ctx, "login failed", "failure", out.Failure.String(), "error", out.Err)
		o.record(ctx, audit.ActionLoginFailed, "", out.Failure.String())
	case StateAuthenticated:
		o.logger.InfoContext(ctx, "login authenticated", "username", out.User.Username)
		o.record(ctx, audit.ActionLogin, out.User.Username, "")
	case StateRedirecting:
		o.logger.DebugContext(ctx, "redirecting to identity provider")
	}
	return out
}

func (o *Orchestrator) run(ctx context.Context, rc *RequestContext) Outcome {
	stored, err := o.settings.GetOIDCSettings(ctx)
	if err != nil {
		return failed(FailureConfigMissing, fmt.Errorf("load settings: %w", err))
	}
	cfg, err := oidc.Gate(stored)
	if err != nil {
		return failed(FailureConfigMissing, err)
	}

	client := o.factory.Build(cfg)

	params := rc.Params
	params.SessionKey = rc.SessionKey
	if client.HasCallbackError(params) {
		err := ErrProviderAborted
		if params.Error != "" {
			err = fmt.Errorf("%w: %s", ErrProviderAborted, params.Error)
		}
		return failed(FailureProviderAborted, err)
	}

	if !params.IsCallback() {
		step, err := authenticate(ctx, client, params)
		if err != nil {
			return failed(FailureProviderError, err)
		}
		if step.RedirectURL == "" {
			return failed(FailureProviderError, fmt.Errorf("%w: no authorization redirect", ErrProviderFailure))
		}
		return Outcome{State: StateRedirecting, RedirectURL: step.RedirectURL}
	}

	step, err := authenticate(ctx, client, params)
	if err != nil {
		return failed(FailureProviderError, err)
	}
	if !step.Authenticated {
		return failed(FailureProviderError, fmt.Errorf("%w: callback not authenticated", ErrProviderFailure))
	}

	claims := oidc.ExtractClaims(client)
	user, err := o.resolver.Resolve(ctx, claims)
	if err != nil {
		return failed(FailureUserCreation, err)
	}

	if err := o.pending.Put(ctx, rc.SessionKey, PendingIdentity{
		PluginTag: PluginTag,
		Username:  user.Username,
	}); err != nil {
		return failed(FailureUserCreation, &UserCreationError{Username: user.Username, Err: err})
	}
	return Outcome{State: StateAuthenticated, User: user}
}

// authenticate calls the client and turns both errors and panics into
// ErrProviderFailure.
func authenticate(ctx context.Context, client oidc.Client, p oidc.CallbackParameters) (step oidc.Step, err error) {
	defer func() {
		if r := recover(); r != nil {
			step = oidc.Step{}
			err = fmt.Errorf("%w: panic: %v\n%s", ErrProviderFailure, r, debug.Stack())
		}
	}()
	step, err = client.Authenticate(ctx, p)
	if err != nil && !errors.Is(err, ErrProviderFailure) {
		err = fmt.Errorf("%w: %w", ErrProviderFailure, err)
	}
	return step, err
}

func (o *Orchestrator) record(ctx context.Context, action, actor, details string) {
	if o.audit == nil {
		return
	}
	if actor == "" {
		actor = audit.ActorAnonymous
	}
	ev := &audit.AuditEvent{
		Actor:        actor,
		Action:       action,
		ResourceType: audit.ResourceSession,
		ResourceName: PluginTag,
		Details:      details,
		RequestID:    observability.RequestIDFromContext(ctx),
	}
	if err := o.audit.Log(ctx, ev); err != nil {
		o.logger.WarnContext(ctx, "audit login failed", "error", err)
	}
}

func failed(kind FailureKind, err error) Outcome {
	return Outcome{State: StateFailed, Failure: kind, Err: err}
}

func failureLabel(k FailureKind) string {
	if k == FailureNone {
		return ""
	}
	return k.String()
}
