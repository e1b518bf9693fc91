package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"magictunnel/internal/domain"
	"magictunnel/internal/infra/router"
	"magictunnel/internal/infra/telemetry"
	"magictunnel/internal/infra/view"
)

// DiscoveryToolName is the synthetic tool that resolves free-text requests.
const DiscoveryToolName = "smart_tool_discovery"

// Discoverer resolves and executes a discovery request.
type Discoverer interface {
	Discover(ctx context.Context, user domain.UserContext, req domain.DiscoveryRequest) domain.DiscoveryResponse
}

// Lister returns the tools a user may see.
type Lister interface {
	List(ctx context.Context, user domain.UserContext, opts view.ListOptions) (view.Result, error)
}

type Options struct {
	Name    string
	Version string
	// User is the identity of the client connected over stdio.
	User       domain.UserContext
	View       Lister
	Dispatcher router.Dispatcher
	Discovery  Discoverer
	Forwarder  *Forwarder
	Logger     *zap.Logger
}

// Gateway is the client-facing MCP server. It publishes the tools the user
// may see, plus smart_tool_discovery when discovery is enabled.
type Gateway struct {
	opts     Options
	logger   *zap.Logger
	server   *mcp.Server
	registry *toolRegistry
}

func New(opts Options) *Gateway {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Name == "" {
		opts.Name = "magictunnel"
	}
	g := &Gateway{opts: opts, logger: logger.Named("gateway")}
	g.server = mcp.NewServer(&mcp.Implementation{
		Name:    opts.Name,
		Version: opts.Version,
	}, &mcp.ServerOptions{
		HasTools:           true,
		InitializedHandler: g.initialized,
	})
	g.registry = newToolRegistry(g.server, g.toolHandler, g.logger)
	return g
}

// Server exposes the underlying MCP server.
func (g *Gateway) Server() *mcp.Server {
	return g.server
}

// Sync republishes the tool list from the current view.
func (g *Gateway) Sync(ctx context.Context) error {
	var extra []*mcp.Tool
	if g.opts.Discovery != nil {
		extra = append(extra, discoveryTool())
	}
	var tools []domain.Tool
	if g.opts.View != nil {
		result, err := g.opts.View.List(ctx, g.opts.User, view.ListOptions{})
		if err != nil {
			return err
		}
		tools = result.Tools
	}
	names := g.registry.apply(tools, extra...)
	g.logger.Debug("tools published", zap.Int("count", len(names)))
	return nil
}

// Run syncs once, serves transport, and re-syncs on every registry change.
func (g *Gateway) Run(ctx context.Context, transport mcp.Transport, changes <-chan domain.RegistryChange) error {
	if err := g.Sync(ctx); err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go g.watch(runCtx, changes)

	g.logger.Info("gateway starting")
	return g.server.Run(runCtx, transport)
}

func (g *Gateway) watch(ctx context.Context, changes <-chan domain.RegistryChange) {
	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-changes:
			if !ok {
				return
			}
			if err := g.Sync(ctx); err != nil {
				g.logger.Warn("tool resync failed", telemetry.VersionField(change.Version), zap.Error(err))
			}
		}
	}
}

func (g *Gateway) initialized(_ context.Context, req *mcp.InitializedRequest) {
	if g.opts.Forwarder == nil || req == nil || req.Session == nil {
		return
	}
	session := req.Session
	g.opts.Forwarder.Attach(session)
	go func() {
		_ = session.Wait()
		g.opts.Forwarder.Detach(session)
	}()
}

func (g *Gateway) toolHandler(name string) mcp.ToolHandler {
	if name == DiscoveryToolName {
		return g.discover
	}
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if g.opts.Dispatcher == nil {
			return errorResult("UNAVAILABLE: no dispatcher"), nil
		}
		var args json.RawMessage
		if req.Params != nil {
			args = req.Params.Arguments
		}
		ctx, _ = telemetry.StartCall(withSession(ctx, req.Session), name)
		result, err := g.opts.Dispatcher.Call(ctx, domain.ToolCall{Name: name, Arguments: args}, domain.CallOptions{
			User:   g.opts.User,
			Source: domain.CallSourceDirect,
		})
		if err != nil {
			return errorResult(domain.PublicMessage(err)), nil
		}
		return toolResult(result), nil
	}
}

func (g *Gateway) discover(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var request domain.DiscoveryRequest
	if req.Params != nil && len(req.Params.Arguments) > 0 {
		if err := json.Unmarshal(req.Params.Arguments, &request); err != nil {
			return errorResult("VALIDATION: " + err.Error()), nil
		}
	}
	if strings.TrimSpace(request.Request) == "" {
		return errorResult("VALIDATION: request is required"), nil
	}
	if t := request.ConfidenceThreshold; t != nil && (*t < 0 || *t > 1) {
		return errorResult("VALIDATION: confidence_threshold must be within [0,1]"), nil
	}
	ctx, _ = telemetry.StartCall(withSession(ctx, req.Session), DiscoveryToolName)
	resp := g.opts.Discovery.Discover(ctx, g.opts.User, request)
	return &mcp.CallToolResult{
		Content:           []mcp.Content{&mcp.TextContent{Text: renderDiscovery(resp)}},
		StructuredContent: resp,
		IsError:           !resp.Success,
	}, nil
}

func errorResult(message string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: message}},
		IsError: true,
	}
}

// toolResult renders backend data as text. JSON objects are also returned as
// structured content.
func toolResult(result domain.ToolResult) *mcp.CallToolResult {
	if !result.Success {
		message := result.Error
		if message == "" {
			message = "tool failed"
		}
		return errorResult(message)
	}
	out := &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: dataText(result.Data)}}}
	if trimmed := bytes.TrimSpace(result.Data); len(trimmed) > 0 && trimmed[0] == '{' {
		out.StructuredContent = json.RawMessage(trimmed)
	}
	return out
}

func dataText(data json.RawMessage) string {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		return text
	}
	return string(data)
}

func renderDiscovery(resp domain.DiscoveryResponse) string {
	var b strings.Builder
	meta := resp.Metadata
	if resp.Success {
		fmt.Fprintf(&b, "tool %s (confidence %.2f)", meta.OriginalTool, meta.Confidence)
		if len(resp.Data) > 0 {
			b.WriteString("\n")
			b.WriteString(dataText(resp.Data))
		}
	} else {
		b.WriteString(resp.Error)
		if resp.ErrorDetails != "" {
			b.WriteString("\n")
			b.WriteString(resp.ErrorDetails)
		}
	}
	if meta.Reasoning != "" {
		b.WriteString("\nreasoning: ")
		b.WriteString(meta.Reasoning)
	}
	for _, alt := range meta.Alternatives {
		fmt.Fprintf(&b, "\nalternative: %s (%.2f)", alt.ToolName, alt.Confidence)
	}
	return b.String()
}

// discoveryTool declares the smart_tool_discovery argument schema.
func discoveryTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        DiscoveryToolName,
		Description: "Find the best tool for a natural-language request, map its arguments and run it.",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []string{"request"},
			"properties": map[string]any{
				"request": map[string]any{
					"type":        "string",
					"description": "What you want to do, in plain language.",
				},
				"context": map[string]any{
					"type":        "string",
					"description": "Extra context used for parameter mapping.",
				},
				"preferred_tools": map[string]any{
					"type":  "array",
					"items": map[string]any{"type": "string"},
				},
				"confidence_threshold": map[string]any{
					"type":    "number",
					"minimum": 0,
					"maximum": 1,
				},
				"include_error_details": map[string]any{"type": "boolean"},
				"sequential_mode":       map[string]any{"type": "boolean"},
			},
		},
	}
}
