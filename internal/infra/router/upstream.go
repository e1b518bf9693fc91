package router

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"magictunnel/internal/domain"
)

const upstreamOp = "router.upstream"

// UpstreamCaller forwards tools/call to a named upstream session.
type UpstreamCaller interface {
	CallTool(ctx context.Context, serverID, name string, args json.RawMessage) (*mcp.CallToolResult, error)
}

type upstreamBackend struct {
	caller UpstreamCaller
}

func (b upstreamBackend) call(ctx context.Context, tool domain.Tool, args arguments) (domain.ToolResult, error) {
	if b.caller == nil {
		return domain.ToolResult{}, unavailable(upstreamOp, "no upstream manager", domain.ErrSessionNotReady)
	}
	cfg, err := tool.Routing.Upstream()
	if err != nil {
		return domain.ToolResult{}, configError(upstreamOp, "%v", err)
	}
	remote := cfg.RemoteName
	if remote == "" {
		remote = tool.Name
	}
	result, err := b.caller.CallTool(ctx, cfg.ServerID, remote, args.raw)
	if err != nil {
		if ctxErr := contextFailure(ctx, upstreamOp, err); ctxErr != nil {
			return domain.ToolResult{}, ctxErr
		}
		return domain.ToolResult{}, err
	}
	return convertCallResult(result, cfg.ServerID)
}

// convertCallResult prefers structured content, then a JSON text block, then
// the joined text.
func convertCallResult(result *mcp.CallToolResult, serverID string) (domain.ToolResult, error) {
	if result == nil {
		return domain.ToolResult{}, domain.E(domain.CodeProtocol, upstreamOp, "empty tools/call result", nil)
	}
	var texts []string
	for _, content := range result.Content {
		if text, ok := content.(*mcp.TextContent); ok {
			texts = append(texts, text.Text)
		}
	}
	joined := strings.Join(texts, "\n")
	out := domain.ToolResult{
		Success:  !result.IsError,
		Metadata: map[string]string{"server_id": serverID},
	}
	if result.IsError {
		out.Error = joined
		if out.Error == "" {
			out.Error = "upstream tool reported an error"
		}
		return out, nil
	}
	switch {
	case result.StructuredContent != nil:
		raw, err := json.Marshal(result.StructuredContent)
		if err != nil {
			return domain.ToolResult{}, domain.E(domain.CodeProtocol, upstreamOp, "encode structured content", err)
		}
		out.Data = raw
	case len(texts) == 1 && json.Valid([]byte(strings.TrimSpace(texts[0]))):
		out.Data = json.RawMessage(strings.TrimSpace(texts[0]))
	default:
		out.Data = textResult(joined)
	}
	return out, nil
}
