package domain

import "encoding/json"

// CallSource labels who initiated an invocation.
type CallSource string

const (
	CallSourceDirect    CallSource = "direct"
	CallSourceDiscovery CallSource = "discovery"
	CallSourceAPI       CallSource = "api"
	CallSourceMCP       CallSource = "mcp"
)

// ToolCall is a resolved invocation request.
type ToolCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolResult is the normalized backend output.
type ToolResult struct {
	Success  bool              `json:"success"`
	Data     json.RawMessage   `json:"data,omitempty"`
	Error    string            `json:"error,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// DiscoveryContext attaches ranking information to calls made through discovery.
type DiscoveryContext struct {
	Position   int     `json:"position"`
	Confidence float64 `json:"confidence"`
	Method     string  `json:"method"`
	Query      string  `json:"query"`
}

// CallOptions carries per-call bookkeeping through the router.
type CallOptions struct {
	User          UserContext
	Source        CallSource
	ServiceSource string
	Discovery     *DiscoveryContext
	// SkipPolicy is set by callers that already checked policy on the same snapshot.
	SkipPolicy bool
}
