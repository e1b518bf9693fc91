package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"magictunnel/internal/domain"
	"magictunnel/internal/infra/backoff"
	"magictunnel/internal/infra/telemetry"
)

const (
	defaultQueueSize = 16
	degradeScore     = 3.0
	recoverScore     = 1.0
)

// SessionOptions configures one upstream session.
type SessionOptions struct {
	Config     domain.UpstreamServerConfig
	Policy     domain.UpstreamPolicy
	Dialer     Dialer
	Handler    domain.ServerRequestHandler
	ClientInfo *mcp.Implementation
	Logger     *zap.Logger
	// OnEvent observes state transitions and tool list changes. It runs under the session lock and must not block.
	OnEvent func(domain.SessionEvent)
}

// Session owns the connection to one upstream server.
type Session struct {
	id         string
	cfg        domain.UpstreamServerConfig
	policy     domain.UpstreamPolicy
	dialer     Dialer
	handler    domain.ServerRequestHandler
	clientInfo *mcp.Implementation
	logger     *zap.Logger
	onEvent    func(domain.SessionEvent)
	inflight   chan struct{}

	lifetime context.Context
	stop     context.CancelFunc

	mu           sync.Mutex
	state        domain.SessionState
	since        time.Time
	lastErr      string
	conn         *rpcConn
	caps         serverCapabilities
	tools        []domain.Tool
	errScore     float64
	connecting   bool
	connectDone  chan struct{}
	connectErr   error
	ready        chan struct{}
	closed       chan struct{}
	waiters      int
	reconnecting bool
}

func NewSession(opts SessionOptions) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	policy := opts.Policy
	if policy.QueueSize <= 0 {
		policy.QueueSize = defaultQueueSize
	}
	clientInfo := opts.ClientInfo
	if clientInfo == nil {
		clientInfo = &mcp.Implementation{Name: "magictunnel", Version: "dev"}
	}
	lifetime, stop := context.WithCancel(context.Background())
	s := &Session{
		id:         opts.Config.ID,
		cfg:        opts.Config,
		policy:     policy,
		dialer:     opts.Dialer,
		handler:    opts.Handler,
		clientInfo: clientInfo,
		logger:     logger.Named("session").With(telemetry.ServerIDField(opts.Config.ID)),
		onEvent:    opts.OnEvent,
		lifetime:   lifetime,
		stop:       stop,
		state:      domain.SessionDisconnected,
		since:      time.Now(),
		ready:      make(chan struct{}),
		closed:     make(chan struct{}),
	}
	if policy.MaxInFlight > 0 {
		s.inflight = make(chan struct{}, policy.MaxInFlight)
	}
	return s
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Config() domain.UpstreamServerConfig {
	return s.cfg
}

func (s *Session) State() domain.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Health() domain.SessionHealth {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.SessionHealth{State: s.state, LastError: s.lastErr, Since: s.since}
}

// Tools returns the cached tool list from the last refresh.
func (s *Session) Tools() []domain.Tool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Tool, len(s.tools))
	copy(out, s.tools)
	return out
}

// HasCapability reports a capability negotiated on the current connection.
func (s *Session) HasCapability(capability domain.ServerCapability) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Usable() && s.caps.has(capability)
}

// Start connects once and falls back to the reconnect loop when allowed.
func (s *Session) Start(ctx context.Context) error {
	err := s.Connect(ctx)
	if err != nil && s.policy.AutoReconnect && !errors.Is(err, domain.ErrSessionClosed) {
		s.scheduleReconnect()
	}
	return err
}

// Connect performs the handshake. Concurrent callers share one attempt.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state == domain.SessionClosed {
		s.mu.Unlock()
		return domain.E(domain.CodeUnavailable, "upstream.connect", "", domain.ErrSessionClosed)
	}
	if s.state.Usable() {
		s.mu.Unlock()
		return nil
	}
	if s.connecting {
		done := s.connectDone
		s.mu.Unlock()
		select {
		case <-done:
			s.mu.Lock()
			err := s.connectErr
			s.mu.Unlock()
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.connecting = true
	s.connectDone = make(chan struct{})
	s.setStateLocked(domain.SessionInitializing, nil)
	s.mu.Unlock()

	err := s.connectOnce(ctx)

	s.mu.Lock()
	s.connecting = false
	s.connectErr = err
	close(s.connectDone)
	s.mu.Unlock()
	return err
}

func (s *Session) connectOnce(ctx context.Context) error {
	started := time.Now()
	s.logger.Info("upstream connect attempt", telemetry.EventField(telemetry.EventConnectAttempt))

	if s.policy.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.policy.ConnectTimeout)
		defer cancel()
	}

	fail := func(err error) error {
		s.logger.Warn("upstream connect failed",
			telemetry.EventField(telemetry.EventConnectFailure),
			telemetry.DurationField(time.Since(started)),
			zap.Error(err),
		)
		s.mu.Lock()
		if s.state != domain.SessionClosed {
			s.setStateLocked(domain.SessionDisconnected, err)
		}
		s.mu.Unlock()
		return mapCallError("upstream.connect", err)
	}

	if s.dialer == nil {
		return fail(errors.New("no dialer configured"))
	}
	mc, err := s.dialer.Dial(ctx, s.cfg)
	if err != nil {
		return fail(err)
	}
	conn := newRPCConn(mc, rpcConnOptions{
		Logger:    s.logger.Named("conn"),
		OnRequest: s.handleServerRequest,
		OnNotify:  s.handleNotification,
		OnLost:    s.connectionLost,
	})

	caps, err := initialize(ctx, conn, s.clientInfo)
	if err != nil {
		_ = conn.Close()
		return fail(err)
	}
	tools, err := s.listToolsOn(ctx, conn)
	if err != nil {
		_ = conn.Close()
		return fail(err)
	}

	s.mu.Lock()
	if s.state == domain.SessionClosed {
		s.mu.Unlock()
		_ = conn.Close()
		return domain.E(domain.CodeUnavailable, "upstream.connect", "", domain.ErrSessionClosed)
	}
	s.conn = conn
	s.caps = caps
	s.tools = tools
	s.errScore = 0
	s.setStateLocked(domain.SessionReady, nil)
	s.mu.Unlock()

	s.logger.Info("upstream connected",
		telemetry.EventField(telemetry.EventConnectSuccess),
		telemetry.DurationField(time.Since(started)),
		zap.String("protocol_version", caps.ProtocolVersion),
		zap.Int("tools", len(tools)),
	)
	return nil
}

// ListTools fetches every page of the server's tool list and refreshes the cache.
func (s *Session) ListTools(ctx context.Context) ([]domain.Tool, error) {
	ctx, cancel := s.requestContext(ctx)
	defer cancel()
	conn, release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	tools, err := s.listToolsOn(ctx, conn)
	s.recordOutcome(err)
	if err != nil {
		return nil, mapCallError("upstream.list_tools", err)
	}
	s.mu.Lock()
	s.tools = tools
	s.mu.Unlock()
	return tools, nil
}

// CallTool invokes a tool by its remote name.
func (s *Session) CallTool(ctx context.Context, name string, args json.RawMessage) (*mcp.CallToolResult, error) {
	ctx, cancel := s.requestContext(ctx)
	defer cancel()
	conn, release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	params := map[string]any{"name": name, "arguments": args}
	raw, err := conn.Call(ctx, "tools/call", params)
	s.recordOutcome(err)
	if err != nil {
		return nil, mapCallError("upstream.call_tool", err)
	}
	var result mcp.CallToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, domain.E(domain.CodeProtocol, "upstream.call_tool", "decode tools/call result", err)
	}
	return &result, nil
}

// Close ends the session for good. Waiters are released with ErrSessionClosed.
func (s *Session) Close() error {
	return s.closeWith(nil)
}

func (s *Session) closeWith(cause error) error {
	s.mu.Lock()
	if s.state == domain.SessionClosed {
		s.mu.Unlock()
		return nil
	}
	conn := s.conn
	s.conn = nil
	s.setStateLocked(domain.SessionClosed, cause)
	close(s.closed)
	s.mu.Unlock()

	s.stop()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (s *Session) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.policy.RequestTimeout > 0 {
		return context.WithTimeout(ctx, s.policy.RequestTimeout)
	}
	return context.WithCancel(ctx)
}

// acquire waits for a usable connection and an in-flight slot.
func (s *Session) acquire(ctx context.Context) (*rpcConn, func(), error) {
	s.mu.Lock()
	for {
		if s.state == domain.SessionClosed {
			s.mu.Unlock()
			return nil, nil, domain.E(domain.CodeUnavailable, "upstream.acquire", "", domain.ErrSessionClosed)
		}
		if s.state.Usable() && s.conn != nil {
			break
		}
		if s.waiters >= s.policy.QueueSize {
			s.mu.Unlock()
			return nil, nil, domain.E(domain.CodeUnavailable, "upstream.acquire", "", domain.ErrQueueFull)
		}
		s.waiters++
		ready := s.ready
		closed := s.closed
		s.mu.Unlock()

		select {
		case <-ready:
		case <-closed:
		case <-ctx.Done():
		}

		s.mu.Lock()
		s.waiters--
		if err := ctx.Err(); err != nil {
			s.mu.Unlock()
			return nil, nil, mapCallError("upstream.acquire", err)
		}
	}
	conn := s.conn
	s.mu.Unlock()

	if s.inflight == nil {
		return conn, func() {}, nil
	}
	select {
	case s.inflight <- struct{}{}:
		return conn, func() { <-s.inflight }, nil
	case <-ctx.Done():
		return nil, nil, mapCallError("upstream.acquire", ctx.Err())
	}
}

// recordOutcome updates the rolling error score: +1 per failure, halved per success.
func (s *Session) recordOutcome(err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	failed := err != nil
	var protoErr *domain.ProtocolError
	if errors.As(err, &protoErr) && !protoErr.IsServerError() && protoErr.Code != domain.ErrCodeInternal {
		failed = false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if failed {
		s.errScore++
		if s.state == domain.SessionReady && s.errScore >= degradeScore {
			s.setStateLocked(domain.SessionDegraded, err)
		}
		return
	}
	s.errScore /= 2
	if s.state == domain.SessionDegraded && s.errScore < recoverScore {
		s.setStateLocked(domain.SessionReady, nil)
	}
}

func (s *Session) connectionLost(conn *rpcConn, err error) {
	s.mu.Lock()
	if s.conn != conn || s.state == domain.SessionClosed {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.setStateLocked(domain.SessionDisconnected, err)
	s.mu.Unlock()

	_ = conn.Close()
	s.logger.Warn("upstream connection lost", zap.Error(err))
	if s.policy.AutoReconnect {
		s.scheduleReconnect()
	}
}

func (s *Session) scheduleReconnect() {
	s.mu.Lock()
	if s.reconnecting || s.state == domain.SessionClosed {
		s.mu.Unlock()
		return
	}
	s.reconnecting = true
	s.mu.Unlock()

	s.logger.Info("upstream reconnect scheduled", telemetry.EventField(telemetry.EventReconnectScheduled))
	go s.reconnectLoop()
}

func (s *Session) reconnectLoop() {
	defer func() {
		s.mu.Lock()
		s.reconnecting = false
		s.mu.Unlock()
	}()

	delays := backoff.New(s.policy.ReconnectDelay, s.policy.MaxReconnectDelay)
	failures := 0
	for {
		if err := delays.Sleep(s.lifetime); err != nil {
			return
		}
		err := s.Connect(s.lifetime)
		if err == nil {
			return
		}
		if errors.Is(err, domain.ErrSessionClosed) || s.lifetime.Err() != nil {
			return
		}
		failures++
		if s.policy.MaxReconnectAttempts > 0 && failures >= s.policy.MaxReconnectAttempts {
			s.logger.Error("upstream reconnect attempts exhausted",
				telemetry.EventField(telemetry.EventReconnectExhausted),
				zap.Int("attempts", failures),
				zap.Error(err),
			)
			_ = s.closeWith(err)
			return
		}
	}
}

func (s *Session) handleServerRequest(ctx context.Context, method string, params json.RawMessage) (any, error) {
	s.logger.Debug("server request", telemetry.EventField(telemetry.EventServerRequest), zap.String("method", method))
	switch method {
	case "sampling/createMessage":
		if s.handler == nil {
			return nil, &domain.ProtocolError{Code: domain.ErrCodeMethodNotFound, Message: "sampling not supported"}
		}
		var req domain.SamplingRequest
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, &domain.ProtocolError{Code: domain.ErrCodeInvalidParams, Message: fmt.Sprintf("decode sampling params: %v", err)}
		}
		return s.handler.HandleSampling(ctx, s.id, &req)
	case "elicitation/create", "elicitation/request":
		if s.handler == nil {
			return nil, &domain.ProtocolError{Code: domain.ErrCodeMethodNotFound, Message: "elicitation not supported"}
		}
		var req domain.ElicitationRequest
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, &domain.ProtocolError{Code: domain.ErrCodeInvalidParams, Message: fmt.Sprintf("decode elicitation params: %v", err)}
		}
		return s.handler.HandleElicitation(ctx, s.id, &req)
	default:
		return nil, &domain.ProtocolError{Code: domain.ErrCodeMethodNotFound, Message: "method not found"}
	}
}

func (s *Session) handleNotification(method string, _ json.RawMessage) {
	switch method {
	case "notifications/tools/list_changed":
		go s.refreshTools()
	default:
		s.logger.Debug("ignore upstream notification", zap.String("method", method))
	}
}

func (s *Session) refreshTools() {
	tools, err := s.ListTools(s.lifetime)
	if err != nil {
		s.logger.Warn("refresh upstream tools failed", zap.Error(err))
		return
	}
	s.logger.Info("upstream tools refreshed", telemetry.EventField(telemetry.EventToolsRefreshed), zap.Int("tools", len(tools)))
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.onEvent != nil {
		s.onEvent(domain.SessionEvent{ServerID: s.id, From: s.state, To: s.state, ToolsChanged: true})
	}
}

func (s *Session) listToolsOn(ctx context.Context, conn *rpcConn) ([]domain.Tool, error) {
	var (
		tools  []domain.Tool
		cursor string
	)
	for {
		params := map[string]any{}
		if cursor != "" {
			params["cursor"] = cursor
		}
		raw, err := conn.Call(ctx, "tools/list", params)
		if err != nil {
			return nil, err
		}
		var page listToolsResult
		if err := json.Unmarshal(raw, &page); err != nil {
			return nil, fmt.Errorf("decode tools/list result: %w", err)
		}
		for _, item := range page.Tools {
			tools = append(tools, item.toTool(s.id))
		}
		if page.NextCursor == "" || page.NextCursor == cursor {
			return tools, nil
		}
		cursor = page.NextCursor
	}
}

// setStateLocked records a transition. Leaving a usable state re-arms the ready channel.
func (s *Session) setStateLocked(next domain.SessionState, cause error) {
	prev := s.state
	if cause != nil {
		s.lastErr = cause.Error()
	} else if next == domain.SessionReady {
		s.lastErr = ""
	}
	if prev == next {
		return
	}
	s.state = next
	s.since = time.Now()
	switch {
	case next.Usable() && !prev.Usable():
		close(s.ready)
	case prev.Usable() && !next.Usable():
		s.ready = make(chan struct{})
	}
	s.logger.Info("upstream session state",
		telemetry.EventField(telemetry.EventSessionState),
		telemetry.FromStateField(string(prev)),
		telemetry.StateField(string(next)),
	)
	if s.onEvent != nil {
		s.onEvent(domain.SessionEvent{ServerID: s.id, From: prev, To: next})
	}
}

type wireTool struct {
	Name        string          `json:"name"`
	Title       string          `json:"title,omitempty"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

type listToolsResult struct {
	Tools      []wireTool `json:"tools"`
	NextCursor string     `json:"nextCursor,omitempty"`
}

func (w wireTool) toTool(serverID string) domain.Tool {
	description := w.Description
	if description == "" {
		description = w.Title
	}
	return domain.Tool{
		Name:        w.Name,
		Description: description,
		InputSchema: w.InputSchema,
		Routing:     domain.UpstreamRoute(serverID, w.Name),
		Enabled:     true,
	}
}

func mapCallError(op string, err error) error {
	if err == nil {
		return nil
	}
	var domainErr *domain.Error
	if errors.As(err, &domainErr) {
		return domain.Wrap(domainErr.Code, op, err)
	}
	var protoErr *domain.ProtocolError
	if errors.As(err, &protoErr) {
		return domain.Retryable(domain.CodeProtocol, op, "", err, protoErr.IsServerError())
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return domain.E(domain.CodeTimeout, op, "", err)
	case errors.Is(err, context.Canceled):
		return domain.E(domain.CodeCancelled, op, "", err)
	case errors.Is(err, domain.ErrConnectionClosed), errors.Is(err, mcp.ErrConnectionClosed):
		return domain.E(domain.CodeUnavailable, op, "", err)
	case errors.Is(err, domain.ErrUnsupportedProtocol):
		return domain.E(domain.CodeTransport, op, "", err)
	default:
		return domain.E(domain.CodeTransport, op, "", err)
	}
}
