package federation

import (
	"context"
	"time"

	"oidcbridge/internal/auth"
	"oidcbridge/internal/observability"
)

// BindStatus is the result of a session binding request.
type BindStatus int

const (
	// BindPassthrough means another identity source owns the session.
	BindPassthrough BindStatus = iota
	// BindSuccess means the session belongs to BindResult.User.
	BindSuccess
	// BindFailed means the identity is ours but could not be bound.
	BindFailed
)

func (s BindStatus) String() string {
	switch s {
	case BindPassthrough:
		return "passthrough"
	case BindSuccess:
		return "success"
	default:
		return "failed"
	}
}

// BindResult is the outcome of Binder.Bind and of the host hook.
type BindResult struct {
	Status       BindStatus
	User         *auth.User
	Failure      FailureKind
	Notification *Notification
}

// Binder finalizes a session for a pending identity.
type Binder struct {
	users  auth.UserStore
	logger observability.Logger
}

// NewBinder creates a Binder. A nil logger discards output.
func NewBinder(users auth.UserStore, logger observability.Logger) *Binder {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Binder{users: users, logger: logger.WithComponent("binder")}
}

// Bind resolves pendingUsername when identityPluginTag is PluginTag. Other
// tags pass through without touching the user store.
func (b *Binder) Bind(ctx context.Context, identityPluginTag, pendingUsername string) (BindResult, error) {
	if identityPluginTag != PluginTag {
		return BindResult{Status: BindPassthrough}, nil
	}

	user, err := b.users.GetByUsername(ctx, pendingUsername)
	if err != nil {
		return BindResult{Status: BindFailed, Failure: FailureUnknownIdentity},
			&UnknownIdentityError{Username: pendingUsername, Err: err}
	}
	if user == nil {
		return BindResult{Status: BindFailed, Failure: FailureUnknownIdentity},
			&UnknownIdentityError{Username: pendingUsername}
	}

	if err := b.users.UpdateLastLogin(ctx, user.ID, time.Now().UTC()); err != nil {
		b.logger.WarnContext(ctx, "update last login", "user_id", user.ID, "error", err)
	}
	return BindResult{Status: BindSuccess, User: user}, nil
}
