package domain

import (
	"encoding/json"
	"math"
)

// MatchSource labels the scorer that produced a match.
type MatchSource string

const (
	MatchRule     MatchSource = "rule"
	MatchSemantic MatchSource = "semantic"
	MatchFuzzy    MatchSource = "fuzzy"
	MatchKeyword  MatchSource = "keyword"
	MatchCategory MatchSource = "category"
	MatchPartial  MatchSource = "partial"
)

// SelectionMode chooses the scoring pipeline.
type SelectionMode string

const (
	ModeRuleBased     SelectionMode = "rule_based"
	ModeSemanticBased SelectionMode = "semantic_based"
	ModeHybrid        SelectionMode = "hybrid"
)

// ToolMatch is a scored candidate.
type ToolMatch struct {
	ToolName   string      `json:"tool_name"`
	Confidence float64     `json:"confidence"`
	Reasoning  string      `json:"reasoning,omitempty"`
	Source     MatchSource `json:"source"`
}

// DiscoveryRequest mirrors the smart_tool_discovery arguments.
type DiscoveryRequest struct {
	Request             string   `json:"request"`
	Context             string   `json:"context,omitempty"`
	PreferredTools      []string `json:"preferred_tools,omitempty"`
	ConfidenceThreshold *float64 `json:"confidence_threshold,omitempty"`
	IncludeErrorDetails bool     `json:"include_error_details,omitempty"`
	SequentialMode      *bool    `json:"sequential_mode,omitempty"`
}

// DiscoveryMetadata describes how a response was produced.
type DiscoveryMetadata struct {
	Confidence   float64         `json:"confidence"`
	OriginalTool string          `json:"original_tool,omitempty"`
	Reasoning    string          `json:"reasoning,omitempty"`
	Alternatives []ToolMatch     `json:"alternatives,omitempty"`
	Parameters   json.RawMessage `json:"parameters,omitempty"`
	Mode         SelectionMode   `json:"mode,omitempty"`
	Attempts     int             `json:"attempts,omitempty"`
}

// DiscoveryResponse is always returned by the discovery engine.
type DiscoveryResponse struct {
	Success      bool              `json:"success"`
	Data         json.RawMessage   `json:"data,omitempty"`
	Error        string            `json:"error,omitempty"`
	ErrorDetails string            `json:"error_details,omitempty"`
	Metadata     DiscoveryMetadata `json:"metadata"`
}

// ClampConfidence keeps a score in [0,1].
func ClampConfidence(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
