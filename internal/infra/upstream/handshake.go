package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"magictunnel/internal/domain"
)

// SupportedProtocolVersions lists the versions offered during initialize, newest first.
var SupportedProtocolVersions = []string{
	"2025-11-25",
	"2025-06-18",
	"2025-03-26",
	"2024-11-05",
}

type initializeParams struct {
	ProtocolVersion string              `json:"protocolVersion"`
	ClientInfo      *mcp.Implementation `json:"clientInfo"`
	Capabilities    map[string]any      `json:"capabilities"`
}

type initializeResult struct {
	ProtocolVersion string                     `json:"protocolVersion"`
	Capabilities    map[string]json.RawMessage `json:"capabilities"`
	ServerInfo      *mcp.Implementation        `json:"serverInfo"`
}

// serverCapabilities records what the server negotiated.
type serverCapabilities struct {
	ProtocolVersion  string
	ServerName       string
	ToolsListChanged bool
	Sampling         bool
	Elicitation      bool
}

func (c serverCapabilities) has(capability domain.ServerCapability) bool {
	switch capability {
	case domain.CapabilitySampling:
		return c.Sampling
	case domain.CapabilityElicitation:
		return c.Elicitation
	default:
		return false
	}
}

func initialize(ctx context.Context, conn *rpcConn, clientInfo *mcp.Implementation) (serverCapabilities, error) {
	params := initializeParams{
		ProtocolVersion: SupportedProtocolVersions[0],
		ClientInfo:      clientInfo,
		Capabilities: map[string]any{
			"sampling":    map[string]any{},
			"elicitation": map[string]any{},
		},
	}
	raw, err := conn.Call(ctx, "initialize", params)
	if err != nil {
		return serverCapabilities{}, fmt.Errorf("initialize: %w", err)
	}
	caps, err := parseInitializeResult(raw)
	if err != nil {
		return serverCapabilities{}, err
	}
	if err := conn.Notify(ctx, "notifications/initialized", map[string]any{}); err != nil {
		return serverCapabilities{}, fmt.Errorf("send initialized: %w", err)
	}
	return caps, nil
}

func parseInitializeResult(raw json.RawMessage) (serverCapabilities, error) {
	if len(raw) == 0 {
		return serverCapabilities{}, errors.New("initialize response missing result")
	}
	var result initializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return serverCapabilities{}, fmt.Errorf("decode initialize result: %w", err)
	}
	if !slices.Contains(SupportedProtocolVersions, result.ProtocolVersion) {
		return serverCapabilities{}, fmt.Errorf("%w: %q", domain.ErrUnsupportedProtocol, result.ProtocolVersion)
	}
	if result.Capabilities == nil {
		return serverCapabilities{}, errors.New("initialize result missing capabilities")
	}

	caps := serverCapabilities{ProtocolVersion: result.ProtocolVersion}
	if result.ServerInfo != nil {
		caps.ServerName = result.ServerInfo.Name
	}
	if tools, ok := result.Capabilities["tools"]; ok {
		var toolsCap struct {
			ListChanged bool `json:"listChanged"`
		}
		if json.Unmarshal(tools, &toolsCap) == nil {
			caps.ToolsListChanged = toolsCap.ListChanged
		}
	}
	_, caps.Sampling = result.Capabilities["sampling"]
	_, caps.Elicitation = result.Capabilities["elicitation"]
	if experimental, ok := result.Capabilities["experimental"]; ok {
		var flags map[string]json.RawMessage
		if json.Unmarshal(experimental, &flags) == nil {
			if _, ok := flags["sampling"]; ok {
				caps.Sampling = true
			}
			if _, ok := flags["elicitation"]; ok {
				caps.Elicitation = true
			}
		}
	}
	return caps, nil
}
