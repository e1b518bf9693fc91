package domain

import (
	"fmt"
	"strings"
	"time"
)

// EventKind is the stable snake_case kind of an audit event.
type EventKind string

const (
	EventAuthentication     EventKind = "authentication"
	EventAuthorization      EventKind = "authorization"
	EventToolExecution      EventKind = "tool_execution"
	EventSecurityViolation  EventKind = "security_violation"
	EventOAuthAuthorization EventKind = "oauth_authorization"
	EventOAuthTokenRefresh  EventKind = "oauth_token_refresh"
	EventOAuthTokenRevoked  EventKind = "oauth_token_revoked"
	EventAdminAction        EventKind = "admin_action"
	EventSystemHealth       EventKind = "system_health"
	EventPerformanceMetric  EventKind = "performance_metric"
)

var knownEventKinds = map[EventKind]struct{}{
	EventAuthentication:     {},
	EventAuthorization:      {},
	EventToolExecution:      {},
	EventSecurityViolation:  {},
	EventOAuthAuthorization: {},
	EventOAuthTokenRefresh:  {},
	EventOAuthTokenRevoked:  {},
	EventAdminAction:        {},
	EventSystemHealth:       {},
	EventPerformanceMetric:  {},
}

// KnownEventKind reports whether kind is in the enumerated set.
func KnownEventKind(kind EventKind) bool {
	_, ok := knownEventKinds[kind]
	return ok
}

// Severity of an audit event.
type Severity string

const (
	SeverityDebug    Severity = "debug"
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// ParseSeverity accepts snake_case and PascalCase spellings.
func ParseSeverity(value string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return SeverityDebug, nil
	case "info":
		return SeverityInfo, nil
	case "warning", "warn":
		return SeverityWarning, nil
	case "error":
		return SeverityError, nil
	case "critical":
		return SeverityCritical, nil
	default:
		return "", fmt.Errorf("unknown severity %q", value)
	}
}

// AuditEvent is a structured security or operational event.
type AuditEvent struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Kind      EventKind         `json:"kind"`
	Severity  Severity          `json:"severity"`
	UserID    string            `json:"user_id,omitempty"`
	ToolName  string            `json:"tool_name,omitempty"`
	Outcome   string            `json:"outcome,omitempty"`
	Message   string            `json:"message,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

// AuditSink receives audit events. Implementations must not block callers.
type AuditSink interface {
	Emit(event AuditEvent)
}
