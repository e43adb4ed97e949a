// Package federation is the delegated-login core: it gates the provider
// settings, drives the two-phase authorization-code flow through an OIDC
// client, provisions local accounts from claims and binds the resulting
// identity to the browser session when the host asks for it.
//
// Nothing in this package writes HTTP responses. The host adapter passes a
// RequestContext into each hook and acts on the returned outcome.
package federation

import (
	"net/url"

	"oidcbridge/internal/auth/oidc"
)

// PluginTag identifies identities established by this package.
const PluginTag = "AuthOpenIDConnect"

// Level is the severity of a user-facing notification.
type Level string

const (
	LevelError   Level = "error"
	LevelWarning Level = "warning"
	LevelInfo    Level = "info"
)

// Notification is a message for the end user. It never carries protocol
// or internal error detail.
type Notification struct {
	Level   Level  `json:"level"`
	Message string `json:"message"`
}

// NotificationSink receives notifications for display, typically as a
// flash message on the next rendered page.
type NotificationSink interface {
	Notify(n Notification)
}

// NotificationFunc adapts a function to NotificationSink.
type NotificationFunc func(Notification)

func (f NotificationFunc) Notify(n Notification) { f(n) }

// RequestContext carries what the hooks need to know about the current
// HTTP exchange.
type RequestContext struct {
	// Host is the serving host, with port if any.
	Host string
	// Secure is true when the request arrived over HTTPS.
	Secure bool
	// SessionKey identifies the browser session. Pending identities and
	// authorization requests are bound to it.
	SessionKey string
	// Lang selects the notification language.
	Lang string
	// Params are the authorization response parameters, empty on the
	// first phase.
	Params oidc.CallbackParameters
	// Notify receives failure notifications. May be nil.
	Notify NotificationSink
}

// BaseURL returns scheme://host for the request.
func (rc *RequestContext) BaseURL() string {
	u := url.URL{Scheme: "http", Host: rc.Host}
	if rc.Secure {
		u.Scheme = "https"
	}
	return u.String()
}

func (rc *RequestContext) notify(n Notification) {
	if rc.Notify != nil {
		rc.Notify.Notify(n)
	}
}
