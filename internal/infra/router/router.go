package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"magictunnel/internal/domain"
	"magictunnel/internal/infra/backoff"
	"magictunnel/internal/infra/permission"
	"magictunnel/internal/infra/schema"
	"magictunnel/internal/infra/telemetry"
)

const (
	defaultTimeout     = 30 * time.Second
	defaultMaxAttempts = 3
	defaultRetryDelay  = time.Second
	defaultRetryMax    = 30 * time.Second
)

// SnapshotSource returns the current registry snapshot.
type SnapshotSource interface {
	Snapshot() *domain.Snapshot
}

// arguments carries a call's arguments both raw and decoded.
type arguments struct {
	raw    json.RawMessage
	values map[string]any
}

// backendFunc executes one attempt against a routing variant.
type backendFunc func(ctx context.Context, tool domain.Tool, args arguments) (domain.ToolResult, error)

type Options struct {
	Registry    SnapshotSource
	Permissions *permission.Cache
	Validator   *schema.Validator
	Upstream    UpstreamCaller
	HTTPClient  *http.Client
	Tokens      TokenStore
	// Timeout bounds one attempt when the routing sets none.
	Timeout time.Duration
	// MaxAttempts counts the first try.
	MaxAttempts   int
	RetryDelay    time.Duration
	RetryMaxDelay time.Duration
	Logger        *zap.Logger
}

// Router dispatches resolved calls to the backend named by the tool's routing.
type Router struct {
	registry    SnapshotSource
	permissions *permission.Cache
	validator   *schema.Validator
	timeout     time.Duration
	maxAttempts int
	retryDelay  time.Duration
	retryMax    time.Duration
	logger      *zap.Logger

	databases *databasePool
	backends  map[domain.RoutingKind]backendFunc
}

func New(opts Options) *Router {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	validator := opts.Validator
	if validator == nil {
		validator = schema.NewValidator()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	retryDelay := opts.RetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}
	retryMax := opts.RetryMaxDelay
	if retryMax <= 0 {
		retryMax = defaultRetryMax
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	tokens := opts.Tokens
	if tokens == nil {
		tokens = EnvTokenStore{}
	}

	r := &Router{
		registry:    opts.Registry,
		permissions: opts.Permissions,
		validator:   validator,
		timeout:     timeout,
		maxAttempts: maxAttempts,
		retryDelay:  retryDelay,
		retryMax:    retryMax,
		logger:      logger.Named("router"),
		databases:   newDatabasePool(),
	}
	r.backends = map[domain.RoutingKind]backendFunc{
		domain.RoutingLocal:    callLocal,
		domain.RoutingHTTP:     httpBackend{client: client, tokens: tokens}.call,
		domain.RoutingDatabase: r.databases.call,
		domain.RoutingUpstream: upstreamBackend{caller: opts.Upstream}.call,
		domain.RoutingEcho:     callEcho,
	}
	return r
}

// Call runs the pre-dispatch checks, then dispatches with retries on
// retryable failures.
func (r *Router) Call(ctx context.Context, call domain.ToolCall, opts domain.CallOptions) (domain.ToolResult, error) {
	start := time.Now()
	result, err := r.call(ctx, call, opts)
	if err != nil {
		r.logRouteError(ctx, call.Name, opts, start, err)
		return domain.ToolResult{}, err
	}
	return result, nil
}

func (r *Router) call(ctx context.Context, call domain.ToolCall, opts domain.CallOptions) (domain.ToolResult, error) {
	tool, ok := r.snapshot().Get(call.Name)
	if !ok {
		return domain.ToolResult{}, domain.NewRouteError(domain.RouteStageLookup,
			domain.E(domain.CodeRegistry, "router.lookup", fmt.Sprintf("tool %q not found", call.Name), domain.ErrToolNotFound))
	}
	if !opts.SkipPolicy && r.permissions != nil {
		if err := r.permissions.Check(ctx, opts.User, tool.Name); err != nil {
			return domain.ToolResult{}, domain.NewRouteError(domain.RouteStagePolicy, err)
		}
	}
	if !tool.Dispatchable() {
		return domain.ToolResult{}, domain.NewRouteError(domain.RouteStagePolicy,
			policyDenied("router.policy", "disabled", domain.ErrToolDisabled))
	}
	if err := r.validator.Validate(tool.InputSchema, call.Arguments); err != nil {
		return domain.ToolResult{}, domain.NewRouteError(domain.RouteStageValidate, domain.Wrap(domain.CodeValidation, "router.validate", err))
	}
	args, err := decodeArguments(call.Arguments)
	if err != nil {
		return domain.ToolResult{}, domain.NewRouteError(domain.RouteStageDecode, err)
	}
	backend, ok := r.backends[tool.Routing.Kind]
	if !ok {
		return domain.ToolResult{}, domain.NewRouteError(domain.RouteStageDecode,
			configError("router.dispatch", "no backend for routing type %q", tool.Routing.Kind))
	}

	timeout := tool.Routing.Timeout()
	if timeout <= 0 {
		timeout = r.timeout
	}
	retry := backoff.New(r.retryDelay, r.retryMax)
	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		result, err := r.attempt(ctx, backend, tool, args, timeout)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if ctx.Err() != nil || !domain.IsRetryable(err) || attempt == r.maxAttempts {
			break
		}
		r.logger.Debug("retrying tool call",
			telemetry.EventField(telemetry.EventRouteRetry),
			telemetry.ToolField(tool.Name),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if err := retry.Sleep(ctx); err != nil {
			lastErr = contextFailure(ctx, "router.retry", err)
			break
		}
	}
	return domain.ToolResult{}, domain.NewRouteError(domain.RouteStageBackend, lastErr)
}

func (r *Router) attempt(ctx context.Context, backend backendFunc, tool domain.Tool, args arguments, timeout time.Duration) (domain.ToolResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	result, err := backend(callCtx, tool, args)
	if err == nil {
		return result, nil
	}
	if ctxErr := contextFailure(callCtx, "router."+string(tool.Routing.Kind), err); ctxErr != nil {
		var domainErr *domain.Error
		if !errors.As(err, &domainErr) || domainErr.Code == domain.CodeTransport || domainErr.Code == domain.CodeUnavailable {
			return domain.ToolResult{}, ctxErr
		}
	}
	return domain.ToolResult{}, domain.Wrap(domain.CodeInternal, "router."+string(tool.Routing.Kind), err)
}

// Close releases pooled database connections.
func (r *Router) Close() error {
	return r.databases.close()
}

func (r *Router) snapshot() *domain.Snapshot {
	if r.registry == nil {
		return domain.EmptySnapshot()
	}
	if snapshot := r.registry.Snapshot(); snapshot != nil {
		return snapshot
	}
	return domain.EmptySnapshot()
}

func (r *Router) logRouteError(ctx context.Context, tool string, opts domain.CallOptions, start time.Time, err error) {
	stage, _ := domain.RouteStageFrom(err)
	code, _ := domain.CodeFrom(err)
	fields := []zap.Field{
		telemetry.EventField(telemetry.EventRouteError),
		telemetry.ToolField(tool),
		telemetry.DurationField(time.Since(start)),
		zap.String("stage", string(stage)),
		zap.String("code", string(code)),
		zap.String("source", string(opts.Source)),
		zap.Error(err),
	}
	if opts.User.UserID != "" {
		fields = append(fields, telemetry.UserIDField(opts.User.UserID))
	}
	logger := telemetry.CallLogger(ctx, r.logger)
	if code == domain.CodeInternal {
		logger.Error("route failed", fields...)
		return
	}
	logger.Warn("route failed", fields...)
}

func decodeArguments(raw json.RawMessage) (arguments, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return arguments{raw: json.RawMessage(`{}`), values: map[string]any{}}, nil
	}
	values := map[string]any{}
	if err := json.Unmarshal(trimmed, &values); err != nil {
		return arguments{}, invalidInput("router.decode", "arguments must be a JSON object", err)
	}
	return arguments{raw: trimmed, values: values}, nil
}

// textResult wraps non-JSON output as {"text": ...}.
func textResult(text string) json.RawMessage {
	raw, _ := json.Marshal(map[string]string{"text": text})
	return raw
}
