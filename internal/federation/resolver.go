package federation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/text/language"

	"oidcbridge/internal/audit"
	"oidcbridge/internal/auth"
	"oidcbridge/internal/auth/oidc"
	"oidcbridge/internal/observability"
)

// LangSource supplies the site default language for new accounts.
type LangSource interface {
	GetDefaultLang(ctx context.Context) (string, error)
}

// Resolver maps provider claims to a local account, creating it on first
// login. Existing accounts are returned as stored; claims never overwrite
// local edits.
type Resolver struct {
	users       auth.UserStore
	langs       LangSource
	defaultLang string
	audit       audit.AuditLogger
	metrics     *observability.Metrics
	logger      observability.Logger

	group singleflight.Group
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithLangSource reads the default language from src before falling back
// to the static default.
func WithLangSource(src LangSource) ResolverOption {
	return func(r *Resolver) { r.langs = src }
}

// WithDefaultLang sets the static default language (initially "en").
func WithDefaultLang(lang string) ResolverOption {
	return func(r *Resolver) {
		if lang != "" {
			r.defaultLang = lang
		}
	}
}

// WithAudit records provisioned accounts.
func WithAudit(a audit.AuditLogger) ResolverOption {
	return func(r *Resolver) { r.audit = a }
}

// WithMetrics counts provisioned accounts.
func WithMetrics(m *observability.Metrics) ResolverOption {
	return func(r *Resolver) { r.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l observability.Logger) ResolverOption {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewResolver creates a Resolver over users.
func NewResolver(users auth.UserStore, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		users:       users,
		defaultLang: "en",
		logger:      observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.WithComponent("resolver")
	return r
}

// Resolve returns the local account for claims.PreferredUsername, creating
// it when absent. Concurrent calls for one username in this process share a
// single lookup and insert; across processes the store's uniqueness
// constraint decides, and the loser returns the winner's record.
func (r *Resolver) Resolve(ctx context.Context, claims oidc.Claims) (*auth.User, error) {
	username := claims.PreferredUsername
	if strings.TrimSpace(username) == "" {
		return nil, &UserCreationError{Username: username, Err: ErrMissingUsername}
	}

	// The shared lookup and insert must not die with whichever caller
	// started it; each caller stops waiting on its own context instead.
	shared := context.WithoutCancel(ctx)
	ch := r.group.DoChan(username, func() (any, error) {
		return r.resolve(shared, claims)
	})
	select {
	case <-ctx.Done():
		return nil, &UserCreationError{Username: username, Err: ctx.Err()}
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*auth.User), nil
	}
}

func (r *Resolver) resolve(ctx context.Context, claims oidc.Claims) (*auth.User, error) {
	username := claims.PreferredUsername

	existing, err := r.users.GetByUsername(ctx, username)
	if err != nil {
		return nil, &UserCreationError{Username: username, Err: fmt.Errorf("lookup: %w", err)}
	}
	if existing != nil {
		return existing, nil
	}

	user, err := r.newUser(ctx, claims)
	if err != nil {
		return nil, &UserCreationError{Username: username, Err: err}
	}

	if err := r.users.Create(ctx, user); err != nil {
		if !errors.Is(err, auth.ErrUserExists) {
			return nil, &UserCreationError{Username: username, Err: err}
		}
		winner, gerr := r.users.GetByUsername(ctx, username)
		if gerr != nil || winner == nil {
			return nil, &UserCreationError{Username: username, Err: errors.Join(err, gerr)}
		}
		r.logger.InfoContext(ctx, "user created concurrently, using existing record", "username", username)
		return winner, nil
	}

	r.metrics.UserProvisioned()
	r.logger.InfoContext(ctx, "provisioned user", "username", username, "user_id", user.ID)
	if r.audit != nil {
		ev := &audit.AuditEvent{
			Actor:        username,
			Action:       audit.ActionProvision,
			ResourceType: audit.ResourceUser,
			ResourceID:   user.ID,
			ResourceName: username,
			StatusCode:   201,
			RequestID:    observability.RequestIDFromContext(ctx),
		}
		if err := r.audit.Log(ctx, ev); err != nil {
			r.logger.WarnContext(ctx, "audit provision failed", "error", err)
		}
	}
	return user, nil
}

func (r *Resolver) newUser(ctx context.Context, claims oidc.Claims) (*auth.User, error) {
	// The password only satisfies the schema; federated logins never check it.
	password, err := auth.GeneratePassword()
	if err != nil {
		return nil, err
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	return &auth.User{
		ID:           auth.NewUserID(),
		Username:     claims.PreferredUsername,
		FullName:     strings.TrimSpace(claims.GivenName + " " + claims.FamilyName),
		Email:        claims.Email,
		ParentID:     auth.RootParentID,
		Lang:         r.lang(ctx),
		PasswordHash: hash,
		AuthProvider: auth.ProviderOIDC,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// lang returns the site language, then the static default, then English.
func (r *Resolver) lang(ctx context.Context) string {
	candidates := []string{r.defaultLang}
	if r.langs != nil {
		if l, err := r.langs.GetDefaultLang(ctx); err != nil {
			r.logger.WarnContext(ctx, "load default language", "error", err)
		} else {
			candidates = append([]string{l}, candidates...)
		}
	}
	for _, c := range candidates {
		if tag, err := language.Parse(strings.TrimSpace(c)); err == nil && tag != language.Und {
			return tag.String()
		}
	}
	return language.English.String()
}
