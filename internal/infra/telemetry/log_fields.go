package telemetry

import (
	"time"

	"go.uber.org/zap"
)

const (
	FieldEvent      = "event"
	FieldServerID   = "server_id"
	FieldTool       = "tool"
	FieldUserID     = "user_id"
	FieldState      = "state"
	FieldFromState  = "from_state"
	FieldDurationMs = "duration_ms"
	FieldSource     = "source"
	FieldVersion    = "version"
	FieldRequestID  = "request_id"
	FieldTraceID    = "trace_id"
	FieldSpanID     = "span_id"
	FieldSeverity   = "severity"
)

const (
	EventConnectAttempt     = "connect_attempt"
	EventConnectSuccess     = "connect_success"
	EventConnectFailure     = "connect_failure"
	EventSessionState       = "session_state"
	EventReconnectScheduled = "reconnect_scheduled"
	EventReconnectExhausted = "reconnect_exhausted"
	EventToolsRefreshed     = "tools_refreshed"
	EventReloadSuccess      = "reload_success"
	EventReloadFailure      = "reload_failure"
	EventConflictResolved   = "conflict_resolved"
	EventRouteError         = "route_error"
	EventRouteRetry         = "route_retry"
	EventPermissionDenied   = "permission_denied"
	EventEmergencyClear     = "permission_emergency_clear"
	EventPolicyReload       = "policy_reload"
	EventEmbeddingSync      = "embedding_sync"
	EventDiscovery          = "discovery"
	EventServerRequest      = "server_request"
	EventMetricsPersist     = "metrics_persist"
)

func EventField(event string) zap.Field {
	return zap.String(FieldEvent, event)
}

func ServerIDField(serverID string) zap.Field {
	return zap.String(FieldServerID, serverID)
}

func ToolField(name string) zap.Field {
	return zap.String(FieldTool, name)
}

func UserIDField(userID string) zap.Field {
	return zap.String(FieldUserID, userID)
}

func StateField(state string) zap.Field {
	return zap.String(FieldState, state)
}

func FromStateField(state string) zap.Field {
	return zap.String(FieldFromState, state)
}

func SourceField(source string) zap.Field {
	return zap.String(FieldSource, source)
}

func VersionField(version uint64) zap.Field {
	return zap.Uint64(FieldVersion, version)
}

func DurationField(duration time.Duration) zap.Field {
	return zap.Int64(FieldDurationMs, duration.Milliseconds())
}

func SeverityField(severity string) zap.Field {
	return zap.String(FieldSeverity, severity)
}

func RequestIDField(value string) zap.Field {
	return zap.String(FieldRequestID, value)
}

func TraceIDField(value string) zap.Field {
	return zap.String(FieldTraceID, value)
}

func SpanIDField(value string) zap.Field {
	return zap.String(FieldSpanID, value)
}
