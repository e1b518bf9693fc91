package telemetry

import (
	"context"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type callKey struct{}

// CallMeta identifies one client-initiated call across the components it
// passes through.
type CallMeta struct {
	RequestID string
	Tool      string
	TraceID   string
	SpanID    string
}

// StartCall attaches call metadata to ctx. A call already in flight keeps
// its request id, so nested dispatches (discovery executing a tool) share it.
func StartCall(ctx context.Context, tool string) (context.Context, CallMeta) {
	meta := CallMeta{Tool: tool}
	if parent, ok := CallFromContext(ctx); ok {
		meta.RequestID = parent.RequestID
	} else {
		meta.RequestID = uuid.NewString()
	}
	if span := trace.SpanContextFromContext(ctx); span.IsValid() {
		meta.TraceID = span.TraceID().String()
		meta.SpanID = span.SpanID().String()
	}
	return context.WithValue(ctx, callKey{}, meta), meta
}

func CallFromContext(ctx context.Context) (CallMeta, bool) {
	if ctx == nil {
		return CallMeta{}, false
	}
	meta, ok := ctx.Value(callKey{}).(CallMeta)
	return meta, ok && meta.RequestID != ""
}

// Fields renders the non-empty parts of meta.
func (m CallMeta) Fields() []zap.Field {
	fields := make([]zap.Field, 0, 3)
	if m.RequestID != "" {
		fields = append(fields, RequestIDField(m.RequestID))
	}
	if m.TraceID != "" {
		fields = append(fields, TraceIDField(m.TraceID), SpanIDField(m.SpanID))
	}
	return fields
}

// CallLogger decorates base with the call metadata carried by ctx.
func CallLogger(ctx context.Context, base *zap.Logger) *zap.Logger {
	if base == nil {
		base = zap.NewNop()
	}
	meta, ok := CallFromContext(ctx)
	if !ok {
		return base
	}
	return base.With(meta.Fields()...)
}
