package router

import (
	"context"
	"time"

	"github.com/google/uuid"

	"magictunnel/internal/domain"
)

// Dispatcher executes a resolved call.
type Dispatcher interface {
	Call(ctx context.Context, call domain.ToolCall, opts domain.CallOptions) (domain.ToolResult, error)
}

// MetricRouter records every call it forwards.
type MetricRouter struct {
	inner    Dispatcher
	recorder domain.ExecutionRecorder
	now      func() time.Time
}

func NewMetricRouter(inner Dispatcher, recorder domain.ExecutionRecorder) *MetricRouter {
	return &MetricRouter{
		inner:    inner,
		recorder: recorder,
		now:      time.Now,
	}
}

func (r *MetricRouter) Call(ctx context.Context, call domain.ToolCall, opts domain.CallOptions) (domain.ToolResult, error) {
	start := r.now()
	result, err := r.inner.Call(ctx, call, opts)
	r.observe(call.Name, opts, start, result, err)
	return result, err
}

func (r *MetricRouter) observe(tool string, opts domain.CallOptions, start time.Time, result domain.ToolResult, err error) {
	if r.recorder == nil {
		return
	}
	source := opts.Source
	if source == "" {
		source = domain.CallSourceDirect
	}
	r.recorder.Record(domain.ExecutionRecord{
		ExecutionID:   uuid.NewString(),
		ToolName:      tool,
		StartTime:     start,
		Duration:      r.now().Sub(start),
		Result:        classifyResult(result, err),
		Source:        source,
		ServiceSource: opts.ServiceSource,
		Discovery:     opts.Discovery,
	})
}

func classifyResult(result domain.ToolResult, err error) domain.ExecutionResult {
	if err != nil {
		return domain.ResultFromError(err)
	}
	if !result.Success {
		return domain.ExecutionResult{Kind: domain.ResultError, ErrorKind: domain.CodeProtocol, Size: len(result.Error)}
	}
	return domain.ExecutionResult{Kind: domain.ResultSuccess, Size: len(result.Data), Type: "json"}
}
