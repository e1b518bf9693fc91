package domain

import (
	"context"
	"encoding/json"
	"maps"
)

// Upstream servers may call back into the proxy with sampling/createMessage
// and elicitation/create. The shapes below mirror the MCP wire format so a
// request can be forwarded to the client without losing fields.

type SamplingContent struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

type SamplingMessage struct {
	Role    string          `json:"role"`
	Content SamplingContent `json:"content"`
}

type ModelPreferences struct {
	Hints []struct {
		Name string `json:"name"`
	} `json:"hints,omitempty"`
	IntelligencePriority *float64 `json:"intelligencePriority,omitempty"`
	SpeedPriority        *float64 `json:"speedPriority,omitempty"`
	CostPriority         *float64 `json:"costPriority,omitempty"`
}

type SamplingRequest struct {
	Messages         []SamplingMessage `json:"messages"`
	SystemPrompt     string            `json:"systemPrompt,omitempty"`
	MaxTokens        int64             `json:"maxTokens,omitempty"`
	Temperature      float64           `json:"temperature,omitempty"`
	StopSequences    []string          `json:"stopSequences,omitempty"`
	IncludeContext   string            `json:"includeContext,omitempty"`
	ModelPreferences *ModelPreferences `json:"modelPreferences,omitempty"`
	Metadata         any               `json:"metadata,omitempty"`
}

type SamplingResult struct {
	Role       string          `json:"role"`
	Content    SamplingContent `json:"content"`
	Model      string          `json:"model,omitempty"`
	StopReason string          `json:"stopReason,omitempty"`
	Meta       map[string]any  `json:"_meta,omitempty"`
}

// MarkSource records which handler produced the result under MetaSourceKey.
func (r *SamplingResult) MarkSource(h Handler) {
	r.Meta = withSource(r.Meta, h)
}

type ElicitationRequest struct {
	Message         string          `json:"message,omitempty"`
	RequestedSchema json.RawMessage `json:"requestedSchema,omitempty"`
	Mode            string          `json:"mode,omitempty"`
	URL             string          `json:"url,omitempty"`
	ElicitationID   string          `json:"elicitationId,omitempty"`
}

type ElicitationResult struct {
	Action  string         `json:"action"`
	Content map[string]any `json:"content,omitempty"`
	Meta    map[string]any `json:"_meta,omitempty"`
}

// MarkSource records which handler produced the result under MetaSourceKey.
func (r *ElicitationResult) MarkSource(h Handler) {
	r.Meta = withSource(r.Meta, h)
}

const (
	ElicitActionAccept  = "accept"
	ElicitActionDecline = "decline"
	ElicitActionCancel  = "cancel"
)

// MetaSourceKey is the _meta key naming the handler that answered.
const MetaSourceKey = "source"

func withSource(meta map[string]any, h Handler) map[string]any {
	out := make(map[string]any, len(meta)+1)
	maps.Copy(out, meta)
	out[MetaSourceKey] = string(h)
	return out
}

// SamplingHandler answers sampling/createMessage locally.
type SamplingHandler interface {
	CreateMessage(ctx context.Context, params *SamplingRequest) (*SamplingResult, error)
}

// ElicitationHandler answers elicitation/create locally.
type ElicitationHandler interface {
	Elicit(ctx context.Context, params *ElicitationRequest) (*ElicitationResult, error)
}

// ServerRequestHandler services upstream-initiated requests for a session.
type ServerRequestHandler interface {
	HandleSampling(ctx context.Context, serverID string, req *SamplingRequest) (*SamplingResult, error)
	HandleElicitation(ctx context.Context, serverID string, req *ElicitationRequest) (*ElicitationResult, error)
}

// ClientForwarder relays requests to the client that originated the active call.
type ClientForwarder interface {
	ForwardSampling(ctx context.Context, serverID string, req *SamplingRequest) (*SamplingResult, error)
	ForwardElicitation(ctx context.Context, serverID string, req *ElicitationRequest) (*ElicitationResult, error)
	HasClient(serverID string) bool
}
