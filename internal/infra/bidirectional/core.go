package bidirectional

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"magictunnel/internal/domain"
	"magictunnel/internal/infra/telemetry"
)

// ToolLookup reports the tool currently executing against serverID, if any.
type ToolLookup func(serverID string) (domain.Tool, bool)

type Options struct {
	Config     Config
	Sampler    domain.SamplingHandler
	Elicitor   domain.ElicitationHandler
	Forwarder  domain.ClientForwarder
	ActiveTool ToolLookup
	Logger     *zap.Logger
}

// Core routes server-initiated requests according to the configured strategy.
type Core struct {
	cfg        Config
	sampler    domain.SamplingHandler
	elicitor   domain.ElicitationHandler
	activeTool ToolLookup
	logger     *zap.Logger

	mu        sync.RWMutex
	forwarder domain.ClientForwarder
}

var _ domain.ServerRequestHandler = (*Core)(nil)

func New(opts Options) *Core {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	elicitor := opts.Elicitor
	if elicitor == nil {
		elicitor = NewDefaultsElicitor(logger)
	}
	return &Core{
		cfg:        opts.Config,
		sampler:    opts.Sampler,
		elicitor:   elicitor,
		activeTool: opts.ActiveTool,
		forwarder:  opts.Forwarder,
		logger:     logger.Named("bidirectional"),
	}
}

// SetForwarder installs the client forwarding channel once the gateway is up.
func (c *Core) SetForwarder(forwarder domain.ClientForwarder) {
	c.mu.Lock()
	c.forwarder = forwarder
	c.mu.Unlock()
}

func (c *Core) clientForwarder(serverID string) (domain.ClientForwarder, error) {
	c.mu.RLock()
	forwarder := c.forwarder
	c.mu.RUnlock()
	if forwarder == nil || !forwarder.HasClient(serverID) {
		return nil, domain.Retryable(domain.CodeUnavailable, "bidirectional.client", "no client connected for "+serverID, domain.ErrNoClientForwarder, false)
	}
	return forwarder, nil
}

func (c *Core) HandleSampling(ctx context.Context, serverID string, req *domain.SamplingRequest) (*domain.SamplingResult, error) {
	cfg := c.cfg.Sampling
	if !cfg.Enabled {
		return nil, &domain.ProtocolError{Code: domain.ErrCodeMethodNotFound, Message: "sampling not supported"}
	}
	strategy := c.strategyFor(domain.RequestSampling, serverID)
	attempt := func(ctx context.Context, h domain.Handler) (*domain.SamplingResult, error) {
		if h == domain.HandlerClient {
			forwarder, err := c.clientForwarder(serverID)
			if err != nil {
				return nil, err
			}
			return forwarder.ForwardSampling(ctx, serverID, req)
		}
		if c.sampler == nil {
			return nil, domain.Retryable(domain.CodeUnavailable, "bidirectional.local", "no local sampling provider", domain.ErrNoLocalProvider, false)
		}
		return c.sampler.CreateMessage(ctx, req)
	}
	result, handler, err := execute(ctx, c, run[*domain.SamplingResult]{
		kind:     domain.RequestSampling,
		serverID: serverID,
		strategy: strategy,
		cfg:      cfg,
		attempt:  attempt,
		empty:    func(r *domain.SamplingResult) bool { return r == nil },
	})
	if err != nil {
		return nil, err
	}
	result.MarkSource(handler)
	return result, nil
}

func (c *Core) HandleElicitation(ctx context.Context, serverID string, req *domain.ElicitationRequest) (*domain.ElicitationResult, error) {
	cfg := c.cfg.Elicitation
	if !cfg.Enabled {
		return nil, &domain.ProtocolError{Code: domain.ErrCodeMethodNotFound, Message: "elicitation not supported"}
	}
	strategy := c.strategyFor(domain.RequestElicitation, serverID)
	attempt := func(ctx context.Context, h domain.Handler) (*domain.ElicitationResult, error) {
		if h == domain.HandlerClient {
			forwarder, err := c.clientForwarder(serverID)
			if err != nil {
				return nil, err
			}
			return forwarder.ForwardElicitation(ctx, serverID, req)
		}
		return c.elicitor.Elicit(ctx, req)
	}
	result, handler, err := execute(ctx, c, run[*domain.ElicitationResult]{
		kind:     domain.RequestElicitation,
		serverID: serverID,
		strategy: strategy,
		cfg:      cfg,
		attempt:  attempt,
		empty:    func(r *domain.ElicitationResult) bool { return r == nil },
		declined: func(r *domain.ElicitationResult) bool {
			return r.Action == domain.ElicitActionDecline
		},
	})
	if err != nil {
		return nil, err
	}
	result.MarkSource(handler)
	return result, nil
}

// strategyFor resolves the tool override, then the server override, then the default.
func (c *Core) strategyFor(kind domain.RequestKind, serverID string) domain.Strategy {
	cfg := c.cfg.Sampling
	if kind == domain.RequestElicitation {
		cfg = c.cfg.Elicitation
	}
	if c.activeTool != nil {
		if tool, ok := c.activeTool(serverID); ok {
			override := tool.SamplingStrategy
			if kind == domain.RequestElicitation {
				override = tool.ElicitationStrategy
			}
			if override != "" {
				return override
			}
		}
	}
	if strategy, ok := cfg.ServerStrategies[serverID]; ok && strategy != "" {
		return strategy
	}
	if cfg.DefaultStrategy != "" {
		return cfg.DefaultStrategy
	}
	return domain.StrategyMagictunnelFirst
}

// plan drops fallback handlers the config disables.
func plan(kind domain.RequestKind, strategy domain.Strategy, cfg KindConfig) ([]domain.Handler, bool) {
	handlers, parallel := strategy.Plan(kind, cfg.Hybrid)
	if parallel || len(handlers) < 2 {
		return handlers, parallel
	}
	out := handlers[:1:1]
	for _, h := range handlers[1:] {
		if (h == domain.HandlerLocal && cfg.FallbackToLocal) || (h == domain.HandlerClient && cfg.FallbackToClient) {
			out = append(out, h)
		}
	}
	return out, false
}

type run[T any] struct {
	kind     domain.RequestKind
	serverID string
	strategy domain.Strategy
	cfg      KindConfig
	attempt  func(ctx context.Context, h domain.Handler) (T, error)
	empty    func(T) bool
	declined func(T) bool
}

type outcome[T any] struct {
	result  T
	handler domain.Handler
	err     error
}

// execute walks the plan until a handler succeeds. Sequential plans repeat
// while failures stay retryable and the attempt budget lasts; parallel plans
// race once and take the first success.
func execute[T any](ctx context.Context, c *Core, r run[T]) (T, domain.Handler, error) {
	var zero T
	handlers, parallel := plan(r.kind, r.strategy, r.cfg)
	if len(handlers) == 0 {
		return zero, "", failure(r, 0, domain.E(domain.CodeConfig, "bidirectional", "unknown strategy "+string(r.strategy), nil))
	}
	if parallel {
		return race(ctx, c, r, handlers)
	}

	budget := r.cfg.attempts()
	attempts := 0
	var lastErr error
	var declined *outcome[T]
	for attempts < budget {
		retry := false
		for i, h := range handlers {
			if attempts >= budget {
				break
			}
			attempts++
			result, err := try(ctx, c, r, h)
			if err == nil {
				if r.declined != nil && r.declined(result) && i < len(handlers)-1 {
					declined = &outcome[T]{result: result, handler: h}
					continue
				}
				return result, h, nil
			}
			lastErr = err
			if ctx.Err() != nil {
				return zero, "", failure(r, attempts, err)
			}
			if domain.IsRetryable(err) {
				retry = true
			}
		}
		if !retry {
			break
		}
	}
	if declined != nil {
		return declined.result, declined.handler, nil
	}
	return zero, "", failure(r, attempts, lastErr)
}

func race[T any](ctx context.Context, c *Core, r run[T], handlers []domain.Handler) (T, domain.Handler, error) {
	var zero T
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	results := make(chan outcome[T], len(handlers))
	for _, h := range handlers {
		go func(h domain.Handler) {
			result, err := try(raceCtx, c, r, h)
			results <- outcome[T]{result: result, handler: h, err: err}
		}(h)
	}
	var lastErr error
	for range handlers {
		out := <-results
		if out.err == nil {
			return out.result, out.handler, nil
		}
		lastErr = out.err
	}
	return zero, "", failure(r, len(handlers), lastErr)
}

// try runs one attempt under the per-attempt timeout.
func try[T any](ctx context.Context, c *Core, r run[T], h domain.Handler) (T, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, r.cfg.timeout())
	defer cancel()
	start := time.Now()
	result, err := r.attempt(attemptCtx, h)
	if err == nil && r.empty(result) {
		err = domain.E(domain.CodeProtocol, "bidirectional."+string(h), "empty response", nil)
	}
	if err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		err = domain.E(domain.CodeTimeout, "bidirectional."+string(h), fmt.Sprintf("no response within %s", r.cfg.timeout()), err)
	}
	fields := []zap.Field{
		telemetry.EventField(telemetry.EventServerRequest),
		telemetry.ServerIDField(r.serverID),
		zap.String("kind", string(r.kind)),
		zap.String("strategy", string(r.strategy)),
		zap.String("handler", string(h)),
		telemetry.DurationField(time.Since(start)),
	}
	if err != nil {
		c.logger.Warn("server request attempt failed", append(fields, zap.Error(err))...)
	} else {
		c.logger.Debug("server request handled", fields...)
	}
	return result, err
}

// failure renders the terminal error returned to the upstream server.
func failure[T any](r run[T], attempts int, err error) error {
	data, _ := json.Marshal(map[string]any{
		"strategy": r.strategy,
		"attempts": attempts,
	})
	return &domain.ProtocolError{
		Code:    domain.ErrCodeInternal,
		Message: fmt.Sprintf("%s request failed: %s", r.kind, domain.PublicMessage(err)),
		Data:    data,
	}
}
