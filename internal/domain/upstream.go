package domain

import "time"

// SessionState is the lifecycle state of an upstream session.
type SessionState string

const (
	SessionDisconnected SessionState = "disconnected"
	SessionInitializing SessionState = "initializing"
	SessionReady        SessionState = "ready"
	SessionDegraded     SessionState = "degraded"
	SessionClosed       SessionState = "closed"
)

// Usable reports whether calls may be issued in this state.
func (s SessionState) Usable() bool {
	return s == SessionReady || s == SessionDegraded
}

// SessionHealth is the externally visible health of a session.
type SessionHealth struct {
	State     SessionState `json:"state"`
	LastError string       `json:"last_error,omitempty"`
	Since     time.Time    `json:"since"`
}

// SessionEvent reports a transition of one session.
type SessionEvent struct {
	ServerID string
	From     SessionState
	To       SessionState
	// ToolsChanged is set for tools/list_changed notifications without a state change.
	ToolsChanged bool
}

// ServerCapability names an optional capability an upstream server may negotiate.
type ServerCapability string

const (
	CapabilitySampling    ServerCapability = "sampling"
	CapabilityElicitation ServerCapability = "elicitation"
)

// UpstreamTransport selects how a session reaches its server.
type UpstreamTransport string

const (
	TransportStdio          UpstreamTransport = "stdio"
	TransportStreamableHTTP UpstreamTransport = "streamable_http"
)

// UpstreamServerConfig describes one upstream server.
type UpstreamServerConfig struct {
	ID                  string
	Transport           UpstreamTransport
	Command             []string
	Env                 map[string]string
	Cwd                 string
	URL                 string
	Headers             map[string]string
	SamplingStrategy    Strategy
	ElicitationStrategy Strategy
}

// UpstreamPolicy holds the session timing and retry settings.
type UpstreamPolicy struct {
	ConnectTimeout       time.Duration
	RequestTimeout       time.Duration
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
	MaxReconnectDelay    time.Duration
	AutoReconnect        bool
	QueueSize            int
	MaxInFlight          int
}
