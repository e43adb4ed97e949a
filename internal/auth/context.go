package auth

import "context"

type contextKey string

const (
	userContextKey    contextKey = "user"
	sessionContextKey contextKey = "session"
)

// ContextWithUser returns a new context with the user stored in it.
func ContextWithUser(ctx context.Context, user *User) context.Context {
	if user == nil {
		return ctx
	}
	return context.WithValue(ctx, userContextKey, user)
}

// UserFromContext retrieves the user from the context.
// Returns nil if no user is present.
func UserFromContext(ctx context.Context) *User {
	if ctx == nil {
		return nil
	}
	user, _ := ctx.Value(userContextKey).(*User)
	return user
}

// ContextWithSession returns a new context with the session stored in it.
func ContextWithSession(ctx context.Context, session *Session) context.Context {
	if session == nil {
		return ctx
	}
	return context.WithValue(ctx, sessionContextKey, session)
}

// SessionFromContext retrieves the session from the context.
func SessionFromContext(ctx context.Context) *Session {
	if ctx == nil {
		return nil
	}
	session, _ := ctx.Value(sessionContextKey).(*Session)
	return session
}

// IsAuthenticated reports whether ctx carries a valid session.
func IsAuthenticated(ctx context.Context) bool {
	session := SessionFromContext(ctx)
	return session != nil && session.IsValid()
}
