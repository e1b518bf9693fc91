package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/exec"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"magictunnel/internal/domain"
	"magictunnel/internal/infra/envutil"
	"magictunnel/internal/infra/process"
)

const defaultStreamableHTTPMaxRetries = 3

// Dialer opens the transport for one upstream server.
type Dialer interface {
	Dial(ctx context.Context, cfg domain.UpstreamServerConfig) (mcp.Connection, error)
}

type DialerFunc func(ctx context.Context, cfg domain.UpstreamServerConfig) (mcp.Connection, error)

func (f DialerFunc) Dial(ctx context.Context, cfg domain.UpstreamServerConfig) (mcp.Connection, error) {
	return f(ctx, cfg)
}

// TransportDialer dials stdio commands and streamable HTTP endpoints.
type TransportDialer struct {
	logger *zap.Logger
}

func NewTransportDialer(logger *zap.Logger) *TransportDialer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TransportDialer{logger: logger.Named("upstream_dialer")}
}

func (d *TransportDialer) Dial(ctx context.Context, cfg domain.UpstreamServerConfig) (mcp.Connection, error) {
	switch cfg.Transport {
	case domain.TransportStdio, "":
		return d.dialStdio(ctx, cfg)
	case domain.TransportStreamableHTTP:
		return d.dialHTTP(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown upstream transport %q", cfg.Transport)
	}
}

func (d *TransportDialer) dialStdio(ctx context.Context, cfg domain.UpstreamServerConfig) (mcp.Connection, error) {
	if len(cfg.Command) == 0 {
		return nil, errors.New("command is required for stdio transport")
	}
	// The process must outlive the dial context, so it is not bound to ctx.
	cmd := exec.Command(cfg.Command[0], cfg.Command[1:]...)
	if cfg.Cwd != "" {
		cmd.Dir = cfg.Cwd
	}
	cmd.Env = envutil.ProcessEnv(cfg.Env)
	cleanup := process.Setup(cmd)

	transport := &mcp.CommandTransport{Command: cmd}
	conn, err := transport.Connect(ctx)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("connect stdio: %w", err)
	}
	d.logger.Debug("stdio upstream started",
		zap.String("server_id", cfg.ID),
		zap.String("executable", cfg.Command[0]),
	)
	return &cleanupConn{Connection: conn, cleanup: cleanup}, nil
}

func (d *TransportDialer) dialHTTP(ctx context.Context, cfg domain.UpstreamServerConfig) (mcp.Connection, error) {
	endpoint := strings.TrimSpace(cfg.URL)
	if endpoint == "" {
		return nil, errors.New("url is required for streamable http transport")
	}
	roundTripper, err := buildHeaderTransport(cfg.Headers)
	if err != nil {
		return nil, err
	}
	transport := &mcp.StreamableClientTransport{
		Endpoint:   endpoint,
		HTTPClient: &http.Client{Transport: roundTripper},
		MaxRetries: defaultStreamableHTTPMaxRetries,
	}
	conn, err := transport.Connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect streamable http: %w", err)
	}
	return conn, nil
}

type cleanupConn struct {
	mcp.Connection
	cleanup process.Cleanup
}

func (c *cleanupConn) Close() error {
	err := c.Connection.Close()
	if c.cleanup != nil {
		c.cleanup()
	}
	return err
}

func buildHeaderTransport(values map[string]string) (http.RoundTripper, error) {
	headers := http.Header{}
	for key, value := range values {
		name := http.CanonicalHeaderKey(strings.TrimSpace(key))
		if name == "" {
			return nil, errors.New("http headers contain empty key")
		}
		headers.Set(name, envutil.Expand(value, nil))
	}
	base := http.DefaultTransport
	if base == nil {
		return nil, errors.New("default http transport is nil")
	}
	return &headerRoundTripper{base: base, headers: headers}, nil
}

type headerRoundTripper struct {
	base    http.RoundTripper
	headers http.Header
}

func (h *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for key, values := range h.headers {
		req.Header.Del(key)
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	return h.base.RoundTrip(req)
}
