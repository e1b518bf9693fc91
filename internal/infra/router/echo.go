package router

import (
	"context"
	"encoding/json"

	"magictunnel/internal/domain"
)

func callEcho(_ context.Context, tool domain.Tool, args arguments) (domain.ToolResult, error) {
	cfg, err := tool.Routing.Echo()
	if err != nil {
		return domain.ToolResult{}, configError("router.echo", "%v", err)
	}
	raw, err := json.Marshal(map[string]string{"response": expand(cfg.Response, args.values, nil)})
	if err != nil {
		return domain.ToolResult{}, domain.E(domain.CodeInternal, "router.echo", "encode response", err)
	}
	return domain.ToolResult{Success: true, Data: raw}, nil
}
