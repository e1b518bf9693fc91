package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"magictunnel/internal/domain"
	"magictunnel/internal/infra/router"
)

// SnapshotSource returns the current registry snapshot.
type SnapshotSource interface {
	Snapshot() *domain.Snapshot
}

type sessionKey struct{}

func withSession(ctx context.Context, session *mcp.ServerSession) context.Context {
	if session == nil {
		return ctx
	}
	return context.WithValue(ctx, sessionKey{}, session)
}

func sessionFrom(ctx context.Context) *mcp.ServerSession {
	session, _ := ctx.Value(sessionKey{}).(*mcp.ServerSession)
	return session
}

// Forwarder relays upstream sampling and elicitation requests to the client
// session whose tool call reached that upstream server. It also remembers
// which tool is running on each server.
type Forwarder struct {
	registry SnapshotSource
	logger   *zap.Logger

	mu       sync.RWMutex
	sessions map[*mcp.ServerSession]struct{}
	byServer map[string]*mcp.ServerSession
	active   map[string]domain.Tool
}

func NewForwarder(registry SnapshotSource, logger *zap.Logger) *Forwarder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Forwarder{
		registry: registry,
		logger:   logger.Named("forwarder"),
		sessions: make(map[*mcp.ServerSession]struct{}),
		byServer: make(map[string]*mcp.ServerSession),
		active:   make(map[string]domain.Tool),
	}
}

// Attach records a connected client session.
func (f *Forwarder) Attach(session *mcp.ServerSession) {
	if session == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[session] = struct{}{}
}

// Detach forgets session and every server binding that points at it.
func (f *Forwarder) Detach(session *mcp.ServerSession) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, session)
	for id, s := range f.byServer {
		if s == session {
			delete(f.byServer, id)
		}
	}
}

// ActiveTool returns the tool currently executing on serverID.
func (f *Forwarder) ActiveTool(serverID string) (domain.Tool, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	tool, ok := f.active[serverID]
	return tool, ok
}

func (f *Forwarder) HasClient(serverID string) bool {
	return f.session(serverID) != nil
}

// session returns the client session bound to serverID. A server is bound
// only while one of its tools has been called from that session, so requests
// from a server no client has used yet are never sent to an unrelated client.
func (f *Forwarder) session(serverID string) *mcp.ServerSession {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.byServer[serverID]
}

func (f *Forwarder) begin(ctx context.Context, name string) (string, func()) {
	tool, ok := f.registry.Snapshot().Get(name)
	if !ok || tool.Routing.Kind != domain.RoutingUpstream {
		return "", func() {}
	}
	upstream, err := tool.Routing.Upstream()
	if err != nil {
		return "", func() {}
	}
	serverID := upstream.ServerID
	session := sessionFrom(ctx)

	f.mu.Lock()
	if session != nil {
		f.sessions[session] = struct{}{}
		f.byServer[serverID] = session
	}
	f.active[serverID] = tool
	f.mu.Unlock()

	return serverID, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if current, ok := f.active[serverID]; ok && current.Name == tool.Name {
			delete(f.active, serverID)
		}
	}
}

// Wrap returns a dispatcher that binds the caller's session and active tool
// for upstream-routed calls before delegating to inner.
func (f *Forwarder) Wrap(inner router.Dispatcher) router.Dispatcher {
	return trackingDispatcher{forwarder: f, inner: inner}
}

type trackingDispatcher struct {
	forwarder *Forwarder
	inner     router.Dispatcher
}

func (d trackingDispatcher) Call(ctx context.Context, call domain.ToolCall, opts domain.CallOptions) (domain.ToolResult, error) {
	_, done := d.forwarder.begin(ctx, call.Name)
	defer done()
	return d.inner.Call(ctx, call, opts)
}

func (f *Forwarder) ForwardSampling(ctx context.Context, serverID string, req *domain.SamplingRequest) (*domain.SamplingResult, error) {
	session := f.session(serverID)
	if session == nil {
		return nil, domain.Retryable(domain.CodeUnavailable, "gateway.forward_sampling", "no client session", domain.ErrNoClientForwarder, false)
	}
	var params mcp.CreateMessageParams
	if err := convert(req, &params); err != nil {
		return nil, domain.E(domain.CodeValidation, "gateway.forward_sampling", "encode sampling request", err)
	}
	result, err := session.CreateMessage(ctx, &params)
	if err != nil {
		return nil, clientError("gateway.forward_sampling", err)
	}
	var out domain.SamplingResult
	if err := convert(result, &out); err != nil {
		return nil, domain.E(domain.CodeProtocol, "gateway.forward_sampling", "decode sampling result", err)
	}
	return &out, nil
}

func (f *Forwarder) ForwardElicitation(ctx context.Context, serverID string, req *domain.ElicitationRequest) (*domain.ElicitationResult, error) {
	session := f.session(serverID)
	if session == nil {
		return nil, domain.Retryable(domain.CodeUnavailable, "gateway.forward_elicitation", "no client session", domain.ErrNoClientForwarder, false)
	}
	var params mcp.ElicitParams
	if err := convert(req, &params); err != nil {
		return nil, domain.E(domain.CodeValidation, "gateway.forward_elicitation", "encode elicitation request", err)
	}
	result, err := session.Elicit(ctx, &params)
	if err != nil {
		return nil, clientError("gateway.forward_elicitation", err)
	}
	var out domain.ElicitationResult
	if err := convert(result, &out); err != nil {
		return nil, domain.E(domain.CodeProtocol, "gateway.forward_elicitation", "decode elicitation result", err)
	}
	return &out, nil
}

// clientError keeps JSON-RPC errors from the client as protocol errors.
func clientError(op string, err error) error {
	var wire *jsonrpc.Error
	if errors.As(err, &wire) {
		return &domain.ProtocolError{Code: wire.Code, Message: wire.Message, Data: wire.Data}
	}
	return domain.Wrap(domain.CodeTransport, op, err)
}

// convert moves a value between the wire-compatible domain and SDK types.
func convert(from, to any) error {
	raw, err := json.Marshal(from)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	if err := json.Unmarshal(raw, to); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	return nil
}
