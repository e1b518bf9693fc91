package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"magictunnel/internal/domain"
	"magictunnel/internal/infra/telemetry"
)

const (
	defaultStartWorkers = 4
	eventBufferSize     = 64
)

// ManagerOptions configures the upstream manager.
type ManagerOptions struct {
	Policy       domain.UpstreamPolicy
	Dialer       Dialer
	Handler      domain.ServerRequestHandler
	ClientInfo   *mcp.Implementation
	Logger       *zap.Logger
	StartWorkers int
}

// Manager owns one Session per configured upstream server.
type Manager struct {
	policy     domain.UpstreamPolicy
	dialer     Dialer
	clientInfo *mcp.Implementation
	logger     *zap.Logger
	workers    int
	events     chan domain.SessionEvent

	handlerMu sync.RWMutex
	handler   domain.ServerRequestHandler

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewManager(opts ManagerOptions) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	workers := opts.StartWorkers
	if workers <= 0 {
		workers = defaultStartWorkers
	}
	return &Manager{
		policy:     opts.Policy,
		dialer:     opts.Dialer,
		handler:    opts.Handler,
		clientInfo: opts.ClientInfo,
		logger:     logger.Named("upstream"),
		workers:    workers,
		events:     make(chan domain.SessionEvent, eventBufferSize),
		sessions:   make(map[string]*Session),
	}
}

// SetHandler installs the handler for server-initiated requests.
func (m *Manager) SetHandler(handler domain.ServerRequestHandler) {
	m.handlerMu.Lock()
	m.handler = handler
	m.handlerMu.Unlock()
}

// Apply reconciles sessions with configs and starts the new ones.
// Sessions whose config changed are replaced; missing ones are closed.
func (m *Manager) Apply(ctx context.Context, configs []domain.UpstreamServerConfig) error {
	wanted := make(map[string]domain.UpstreamServerConfig, len(configs))
	for _, cfg := range configs {
		if cfg.ID == "" {
			return domain.E(domain.CodeConfig, "upstream.apply", "server id is required", nil)
		}
		if _, dup := wanted[cfg.ID]; dup {
			return domain.E(domain.CodeConfig, "upstream.apply", fmt.Sprintf("duplicate server id %q", cfg.ID), nil)
		}
		wanted[cfg.ID] = cfg
	}

	var (
		toClose []*Session
		toStart []*Session
	)
	m.mu.Lock()
	for id, session := range m.sessions {
		cfg, keep := wanted[id]
		if keep && reflect.DeepEqual(cfg, session.Config()) {
			continue
		}
		toClose = append(toClose, session)
		delete(m.sessions, id)
	}
	for id, cfg := range wanted {
		if _, exists := m.sessions[id]; exists {
			continue
		}
		session := m.newSession(cfg)
		m.sessions[id] = session
		toStart = append(toStart, session)
	}
	m.mu.Unlock()

	for _, session := range toClose {
		m.logger.Info("closing upstream session", telemetry.ServerIDField(session.ID()))
		if err := session.Close(); err != nil {
			m.logger.Warn("close upstream session failed", telemetry.ServerIDField(session.ID()), zap.Error(err))
		}
	}
	return m.start(ctx, toStart)
}

// Start connects every session that is not yet usable.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.RLock()
	pending := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		if !session.State().Usable() {
			pending = append(pending, session)
		}
	}
	m.mu.RUnlock()
	return m.start(ctx, pending)
}

// start connects sessions in parallel. Connect failures are logged; the sessions keep reconnecting.
func (m *Manager) start(ctx context.Context, sessions []*Session) error {
	if len(sessions) == 0 {
		return nil
	}
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(m.workers)
	for _, session := range sessions {
		group.Go(func() error {
			if err := session.Start(groupCtx); err != nil {
				if errors.Is(err, context.Canceled) && ctx.Err() != nil {
					return ctx.Err()
				}
				m.logger.Warn("upstream start failed", telemetry.ServerIDField(session.ID()), zap.Error(err))
			}
			return nil
		})
	}
	return group.Wait()
}

// AllTools returns cached tools of usable sessions keyed by server id.
func (m *Manager) AllTools() map[string][]domain.Tool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string][]domain.Tool, len(m.sessions))
	for id, session := range m.sessions {
		if !session.State().Usable() {
			continue
		}
		out[id] = session.Tools()
	}
	return out
}

func (m *Manager) Health() map[string]domain.SessionHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]domain.SessionHealth, len(m.sessions))
	for id, session := range m.sessions {
		out[id] = session.Health()
	}
	return out
}

// ServersWithCapability lists usable servers that negotiated capability, sorted by id.
func (m *Manager) ServersWithCapability(capability domain.ServerCapability) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for id, session := range m.sessions {
		if session.HasCapability(capability) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Events delivers transitions into or out of a usable state and tool list changes.
func (m *Manager) Events() <-chan domain.SessionEvent {
	return m.events
}

func (m *Manager) Session(serverID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[serverID]
	return session, ok
}

// ServerConfig returns the configuration of a known server.
func (m *Manager) ServerConfig(serverID string) (domain.UpstreamServerConfig, bool) {
	session, ok := m.Session(serverID)
	if !ok {
		return domain.UpstreamServerConfig{}, false
	}
	return session.Config(), true
}

// CallTool invokes a remote tool on the named server.
func (m *Manager) CallTool(ctx context.Context, serverID, name string, args json.RawMessage) (*mcp.CallToolResult, error) {
	session, ok := m.Session(serverID)
	if !ok {
		return nil, domain.E(domain.CodeUnavailable, "upstream.call_tool", fmt.Sprintf("unknown upstream server %q", serverID), domain.ErrSessionNotReady)
	}
	return session.CallTool(ctx, name, args)
}

// Close closes every session.
func (m *Manager) Close() error {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	var errs []error
	for _, session := range sessions {
		if err := session.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) newSession(cfg domain.UpstreamServerConfig) *Session {
	return NewSession(SessionOptions{
		Config:     cfg,
		Policy:     m.policy,
		Dialer:     m.dialer,
		Handler:    handlerFunc{m},
		ClientInfo: m.clientInfo,
		Logger:     m.logger,
		OnEvent:    m.publish,
	})
}

func (m *Manager) publish(event domain.SessionEvent) {
	if !event.ToolsChanged && event.From.Usable() == event.To.Usable() {
		return
	}
	select {
	case m.events <- event:
	default:
		m.logger.Warn("upstream event dropped", telemetry.ServerIDField(event.ServerID), telemetry.StateField(string(event.To)))
	}
}

// handlerFunc resolves the manager's current handler at request time.
type handlerFunc struct {
	m *Manager
}

func (h handlerFunc) current() domain.ServerRequestHandler {
	h.m.handlerMu.RLock()
	defer h.m.handlerMu.RUnlock()
	return h.m.handler
}

func (h handlerFunc) HandleSampling(ctx context.Context, serverID string, req *domain.SamplingRequest) (*domain.SamplingResult, error) {
	handler := h.current()
	if handler == nil {
		return nil, &domain.ProtocolError{Code: domain.ErrCodeMethodNotFound, Message: "sampling not supported"}
	}
	return handler.HandleSampling(ctx, serverID, req)
}

func (h handlerFunc) HandleElicitation(ctx context.Context, serverID string, req *domain.ElicitationRequest) (*domain.ElicitationResult, error) {
	handler := h.current()
	if handler == nil {
		return nil, &domain.ProtocolError{Code: domain.ErrCodeMethodNotFound, Message: "elicitation not supported"}
	}
	return handler.HandleElicitation(ctx, serverID, req)
}
