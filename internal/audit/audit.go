// Package audit records security-relevant events such as user provisioning,
// logins and settings changes.
package audit

import (
	"context"
	"time"
)

// AuditEvent represents a single auditable action.
type AuditEvent struct {
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	Actor        string    `json:"actor"`         // username, "cli" or "anonymous"
	Action       string    `json:"action"`        // see Action* constants
	ResourceType string    `json:"resource_type"` // see Resource* constants
	ResourceID   string    `json:"resource_id"`
	ResourceName string    `json:"resource_name,omitempty"`
	StatusCode   int       `json:"status_code,omitempty"`
	Details      string    `json:"details,omitempty"`
	RequestID    string    `json:"request_id,omitempty"`
	IPAddress    string    `json:"ip_address,omitempty"`
}

// ListOptions provides filtering and pagination for listing audit events.
type ListOptions struct {
	Limit        int
	Offset       int
	Actor        string
	Action       string
	ResourceType string
	Since        *time.Time
}

// AuditLogger records and lists audit events.
type AuditLogger interface {
	// Log records an audit event, assigning ID and timestamp when unset.
	Log(ctx context.Context, event *AuditEvent) error

	// List retrieves events newest first plus the total matching count.
	List(ctx context.Context, opts ListOptions) ([]*AuditEvent, int, error)
}

// Actions.
const (
	ActionProvision      = "provision"
	ActionLogin          = "login"
	ActionLoginFailed    = "login_failed"
	ActionLogout         = "logout"
	ActionSettingsUpdate = "settings_update"
	ActionActivate       = "activate"
)

// Resource types.
const (
	ResourceUser     = "user"
	ResourceSession  = "session"
	ResourceSettings = "settings"
)

// Actor names for events not caused by a signed-in user.
const (
	ActorAnonymous = "anonymous"
	ActorCLI       = "cli"
)

const (
	defaultListLimit = 50
	maxListLimit     = 1000
)

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
