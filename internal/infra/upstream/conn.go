package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"magictunnel/internal/domain"
)

// requestFunc answers a request raised by the server. A *domain.ProtocolError keeps its code on the wire.
type requestFunc func(ctx context.Context, method string, params json.RawMessage) (any, error)

type notifyFunc func(method string, params json.RawMessage)

// rpcConn multiplexes client calls and server-initiated requests over one mcp.Connection.
type rpcConn struct {
	conn      mcp.Connection
	logger    *zap.Logger
	onRequest requestFunc
	onNotify  notifyFunc
	onLost    func(*rpcConn, error)

	nextID    atomic.Int64
	mu        sync.Mutex
	pending   map[string]chan callResult
	closeOnce sync.Once
	cancel    context.CancelFunc
	closed    chan struct{}
}

type rpcConnOptions struct {
	Logger    *zap.Logger
	OnRequest requestFunc
	OnNotify  notifyFunc
	// OnLost is called once when the read loop fails before Close.
	OnLost func(*rpcConn, error)
}

type callResult struct {
	resp *jsonrpc.Response
	err  error
}

type wireError struct {
	Code    int64           `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type wireResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *wireError      `json:"error"`
}

func newRPCConn(conn mcp.Connection, opts rpcConnOptions) *rpcConn {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &rpcConn{
		conn:      conn,
		logger:    logger,
		onRequest: opts.OnRequest,
		onNotify:  opts.OnNotify,
		onLost:    opts.OnLost,
		pending:   make(map[string]chan callResult),
		cancel:    cancel,
		closed:    make(chan struct{}),
	}
	go c.readLoop(ctx)
	return c
}

// Call sends a request and waits for its result. JSON-RPC errors come back as *domain.ProtocolError.
func (c *rpcConn) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if c.isClosed() {
		return nil, domain.ErrConnectionClosed
	}
	rawParams, err := encodeParams(params)
	if err != nil {
		return nil, err
	}
	id, err := jsonrpc.MakeID(c.nextID.Add(1))
	if err != nil {
		return nil, fmt.Errorf("build request id: %w", err)
	}
	key, err := idKey(id)
	if err != nil {
		return nil, err
	}

	resultCh := make(chan callResult, 1)
	c.mu.Lock()
	if c.pending == nil {
		c.mu.Unlock()
		return nil, domain.ErrConnectionClosed
	}
	c.pending[key] = resultCh
	c.mu.Unlock()

	req := &jsonrpc.Request{ID: id, Method: method, Params: rawParams}
	if err := c.conn.Write(ctx, req); err != nil {
		c.removePending(key)
		return nil, fmt.Errorf("write request: %w", err)
	}

	select {
	case result := <-resultCh:
		if result.err != nil {
			return nil, result.err
		}
		return decodeResult(result.resp)
	case <-ctx.Done():
		c.removePending(key)
		return nil, ctx.Err()
	}
}

func (c *rpcConn) Notify(ctx context.Context, method string, params any) error {
	if c.isClosed() {
		return domain.ErrConnectionClosed
	}
	if strings.TrimSpace(method) == "" {
		return errors.New("method is required")
	}
	rawParams, err := encodeParams(params)
	if err != nil {
		return err
	}
	if err := c.conn.Write(ctx, &jsonrpc.Request{Method: method, Params: rawParams}); err != nil {
		return fmt.Errorf("write notification: %w", err)
	}
	return nil
}

func (c *rpcConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.cancel()
		err = c.conn.Close()
		c.failPending(domain.ErrConnectionClosed)
	})
	return err
}

func (c *rpcConn) readLoop(ctx context.Context) {
	for {
		msg, err := c.conn.Read(ctx)
		if err != nil {
			c.failPending(fmt.Errorf("%w: read: %v", domain.ErrConnectionClosed, err))
			if !c.isClosed() && c.onLost != nil {
				c.onLost(c, err)
			}
			return
		}
		switch typed := msg.(type) {
		case *jsonrpc.Response:
			c.dispatchResponse(typed)
		case *jsonrpc.Request:
			if typed.ID.IsValid() {
				go c.handleServerCall(ctx, typed)
				continue
			}
			if c.onNotify != nil {
				c.onNotify(typed.Method, typed.Params)
			}
		}
	}
}

func (c *rpcConn) dispatchResponse(resp *jsonrpc.Response) {
	key, err := idKey(resp.ID)
	if err != nil {
		c.logger.Debug("drop response with invalid id", zap.Error(err))
		return
	}
	c.mu.Lock()
	ch := c.pending[key]
	delete(c.pending, key)
	c.mu.Unlock()
	if ch == nil {
		c.logger.Debug("drop response with no pending call", zap.String("id", key))
		return
	}
	ch <- callResult{resp: resp}
}

func (c *rpcConn) handleServerCall(ctx context.Context, req *jsonrpc.Request) {
	var resp *jsonrpc.Response
	if c.onRequest == nil {
		resp = newErrorResponse(req.ID, domain.ErrCodeMethodNotFound, "method not found", nil)
	} else {
		result, err := c.onRequest(ctx, req.Method, req.Params)
		resp = buildResponse(req.ID, result, err)
	}
	if err := c.conn.Write(ctx, resp); err != nil {
		c.logger.Warn("respond to server call failed", zap.String("method", req.Method), zap.Error(err))
	}
}

func (c *rpcConn) failPending(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()
	for _, ch := range pending {
		ch <- callResult{err: err}
	}
}

func (c *rpcConn) removePending(key string) {
	c.mu.Lock()
	if c.pending != nil {
		delete(c.pending, key)
	}
	c.mu.Unlock()
}

func (c *rpcConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func encodeParams(params any) (json.RawMessage, error) {
	switch typed := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return typed, nil
	default:
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encode params: %w", err)
		}
		return raw, nil
	}
}

func decodeResult(resp *jsonrpc.Response) (json.RawMessage, error) {
	wire, err := jsonrpc.EncodeMessage(resp)
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	var decoded wireResponse
	if err := json.Unmarshal(wire, &decoded); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if decoded.Error != nil {
		return nil, &domain.ProtocolError{
			Code:    decoded.Error.Code,
			Message: decoded.Error.Message,
			Data:    decoded.Error.Data,
		}
	}
	return decoded.Result, nil
}

func buildResponse(id jsonrpc.ID, result any, err error) *jsonrpc.Response {
	if err != nil {
		var protoErr *domain.ProtocolError
		if errors.As(err, &protoErr) {
			return newErrorResponse(id, protoErr.Code, protoErr.Message, protoErr.Data)
		}
		return newErrorResponse(id, domain.ErrCodeInternal, domain.PublicMessage(err), nil)
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return newErrorResponse(id, domain.ErrCodeInternal, "encode result failed", nil)
	}
	return &jsonrpc.Response{ID: id, Result: raw}
}

func idKey(id jsonrpc.ID) (string, error) {
	if !id.IsValid() {
		return "", errors.New("missing request id")
	}
	raw := id.Raw()
	switch typed := raw.(type) {
	case string:
		return "s:" + typed, nil
	case float64:
		return fmt.Sprintf("n:%v", typed), nil
	case int:
		return fmt.Sprintf("n:%v", typed), nil
	case int64:
		return fmt.Sprintf("n:%v", typed), nil
	case json.Number:
		return "n:" + typed.String(), nil
	default:
		return "", fmt.Errorf("unsupported id type %T", raw)
	}
}

// newErrorResponse round-trips through the wire form so the response carries a typed JSON-RPC error.
func newErrorResponse(id jsonrpc.ID, code int64, message string, data json.RawMessage) *jsonrpc.Response {
	errBody := map[string]any{
		"code":    code,
		"message": message,
	}
	if len(data) > 0 {
		errBody["data"] = data
	}
	payload := map[string]any{
		"jsonrpc": "2.0",
		"id":      id.Raw(),
		"error":   errBody,
	}
	fallback := &jsonrpc.Response{ID: id, Error: errors.New(message)}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fallback
	}
	msg, err := jsonrpc.DecodeMessage(raw)
	if err != nil {
		return fallback
	}
	resp, ok := msg.(*jsonrpc.Response)
	if !ok {
		return fallback
	}
	return resp
}
