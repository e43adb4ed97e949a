package federation

import (
	"context"

	"github.com/getsentry/sentry-go"

	"oidcbridge/internal/i18n"
)

var failureMessages = map[FailureKind]string{
	FailureConfigMissing:   i18n.KeyConfigMissing,
	FailureProviderAborted: i18n.KeyAuthError,
	FailureProviderError:   i18n.KeyAuthError,
	FailureUserCreation:    i18n.KeyUserCreation,
	FailureUnknownIdentity: i18n.KeyUserNotFound,
}

// Reporter turns failure kinds into user-facing notifications and forwards
// unexpected failures to Sentry.
type Reporter struct {
	catalog *i18n.Catalog
}

// NewReporter creates a Reporter. A nil catalog uses i18n.Default().
func NewReporter(catalog *i18n.Catalog) *Reporter {
	if catalog == nil {
		catalog = i18n.Default()
	}
	return &Reporter{catalog: catalog}
}

// Report returns the notification for kind in lang. Unknown kinds get the
// generic authentication error.
func (r *Reporter) Report(kind FailureKind, lang string) Notification {
	key, ok := failureMessages[kind]
	if !ok {
		key = i18n.KeyAuthError
	}
	return Notification{
		Level:   LevelError,
		Message: r.catalog.Translate(lang, key),
	}
}

// Capture sends err to Sentry when kind is one an operator should look at.
// Configuration and user-cancelled logins are expected and not captured.
func (r *Reporter) Capture(ctx context.Context, kind FailureKind, err error) {
	if err == nil || (kind != FailureProviderError && kind != FailureUserCreation) {
		return
	}
	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("component", "federation")
		scope.SetTag("failure", kind.String())
		hub.CaptureException(err)
	})
}
