package gateway

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"magictunnel/internal/domain"
)

// toolRegistry mirrors a tool list onto an mcp.Server, adding new tools and
// removing vanished ones.
type toolRegistry struct {
	server     *mcp.Server
	handler    func(name string) mcp.ToolHandler
	logger     *zap.Logger
	mu         sync.Mutex
	registered map[string]struct{}
}

func newToolRegistry(server *mcp.Server, handler func(name string) mcp.ToolHandler, logger *zap.Logger) *toolRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &toolRegistry{
		server:     server,
		handler:    handler,
		logger:     logger.Named("tool_registry"),
		registered: make(map[string]struct{}),
	}
}

// apply publishes tools plus any extra synthetic tools. It returns the
// published names.
func (r *toolRegistry) apply(tools []domain.Tool, extra ...*mcp.Tool) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := make(map[string]struct{}, len(tools)+len(extra))
	names := make([]string, 0, len(tools)+len(extra))
	for _, tool := range extra {
		r.server.AddTool(tool, r.handler(tool.Name))
		next[tool.Name] = struct{}{}
		names = append(names, tool.Name)
	}
	for _, def := range tools {
		if _, dup := next[def.Name]; dup {
			r.logger.Warn("skip tool shadowing a built-in", zap.String("tool", def.Name))
			continue
		}
		schema, ok := objectSchema(def.InputSchema)
		if !ok {
			r.logger.Warn("skip tool with invalid input schema", zap.String("tool", def.Name))
			continue
		}
		r.server.AddTool(&mcp.Tool{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: schema,
		}, r.handler(def.Name))
		next[def.Name] = struct{}{}
		names = append(names, def.Name)
	}

	var remove []string
	for name := range r.registered {
		if _, ok := next[name]; !ok {
			remove = append(remove, name)
		}
	}
	if len(remove) > 0 {
		r.server.RemoveTools(remove...)
	}
	r.registered = next
	return names
}

// objectSchema decodes raw into a map and requires type "object". An empty
// schema stands for an argument-less tool.
func objectSchema(raw json.RawMessage) (map[string]any, bool) {
	if len(raw) == 0 {
		return map[string]any{"type": "object"}, true
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, false
	}
	typ, ok := obj["type"].(string)
	if !ok || !strings.EqualFold(typ, "object") {
		return nil, false
	}
	return obj, true
}
