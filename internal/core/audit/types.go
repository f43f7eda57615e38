// Package audit implements the append-only structured event log: one
// JSON record per line, size-based rotation with a bounded backup
// count, tail-based retrieval, and the Audited wrapper form.
package audit

import "time"

// Action is the closed enum of auditable operations.
type Action string

const (
	ActionAuthLogin        Action = "auth.login"
	ActionAuthLogout       Action = "auth.logout"
	ActionAuthFailed       Action = "auth.failed"
	ActionAuthTokenCreated Action = "auth.token_created"
	ActionAuthTokenRevoked Action = "auth.token_revoked"

	ActionAPIKeyCreated Action = "api_key.created"
	ActionAPIKeyRevoked Action = "api_key.revoked"
	ActionAPIKeyDeleted Action = "api_key.deleted"
	ActionAPIKeyUsed    Action = "api_key.used"

	ActionUserCreated Action = "user.created"
	ActionUserDeleted Action = "user.deleted"
	ActionUserUpdated Action = "user.updated"

	ActionChatRequest  Action = "chat.request"
	ActionChatResponse Action = "chat.response"
	ActionChatError    Action = "chat.error"

	ActionSkillCalled    Action = "skill.called"
	ActionSkillCompleted Action = "skill.completed"
	ActionSkillError     Action = "skill.error"
	ActionSkillDenied    Action = "skill.denied"

	ActionToolCalled    Action = "tool.called"
	ActionToolCompleted Action = "tool.completed"
	ActionToolError     Action = "tool.error"

	ActionRateLimitExceeded Action = "rate_limit.exceeded"

	ActionServerStarted Action = "server.started"
	ActionServerStopped Action = "server.stopped"
	ActionConfigChanged Action = "config.changed"
)

// Severity is the closed enum of event severities.
type Severity string

const (
	SeverityDebug    Severity = "debug"
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// severityRank orders severities for the warning-and-above
// human-readable emission rule.
var severityRank = map[Severity]int{
	SeverityDebug:    0,
	SeverityInfo:     1,
	SeverityWarning:  2,
	SeverityError:    3,
	SeverityCritical: 4,
}

// Event is a single append-only audit record.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Action    Action    `json:"action"`
	Severity  Severity  `json:"severity"`

	UserID     string `json:"user_id,omitempty"`
	Username   string `json:"username,omitempty"`
	AuthType   string `json:"auth_type,omitempty"`
	ClientIP   string `json:"client_ip,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	Method     string `json:"method,omitempty"`
	Path       string `json:"path,omitempty"`
	Resource   string `json:"resource,omitempty"`
	ResourceID string `json:"resource_id,omitempty"`

	Details map[string]any `json:"details,omitempty"`

	Success      bool    `json:"success"`
	ErrorMessage string  `json:"error_message,omitempty"`
	DurationMs   float64 `json:"duration_ms,omitempty"`

	TraceID string `json:"trace_id,omitempty"`
	SpanID  string `json:"span_id,omitempty"`
}

// Filter narrows Recent() retrieval. A zero-value field is unconstrained.
type Filter struct {
	Action   Action
	UserID   string
	Success  *bool
}

// matches reports whether e satisfies f.
func (f Filter) matches(e Event) bool {
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if f.Success != nil && e.Success != *f.Success {
		return false
	}
	return true
}
