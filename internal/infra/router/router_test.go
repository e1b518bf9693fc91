package router

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"magictunnel/internal/domain"
	"magictunnel/internal/infra/permission"
)

type staticSnapshots struct {
	snapshot *domain.Snapshot
}

func (s staticSnapshots) Snapshot() *domain.Snapshot { return s.snapshot }

func mustRouting(t *testing.T, kind domain.RoutingKind, cfg any) domain.Routing {
	t.Helper()
	routing, err := domain.NewRouting(kind, cfg)
	require.NoError(t, err)
	return routing
}

func routedTool(name string, routing domain.Routing) domain.Tool {
	return domain.Tool{Name: name, Enabled: true, Routing: routing}
}

func newRouter(t *testing.T, opts Options, tools ...domain.Tool) *Router {
	t.Helper()
	opts.Registry = staticSnapshots{snapshot: domain.NewSnapshot(1, time.Now(), tools)}
	opts.Logger = zap.NewNop()
	if opts.RetryDelay == 0 {
		opts.RetryDelay = time.Millisecond
		opts.RetryMaxDelay = 2 * time.Millisecond
	}
	r := New(opts)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func call(name, args string) domain.ToolCall {
	return domain.ToolCall{Name: name, Arguments: json.RawMessage(args)}
}

func requireCode(t *testing.T, err error, code domain.ErrorCode) {
	t.Helper()
	require.Error(t, err)
	got, ok := domain.CodeFrom(err)
	require.True(t, ok, err.Error())
	require.Equal(t, code, got, err.Error())
}

func TestEchoExpandsTemplate(t *testing.T) {
	echo := routedTool("greet", mustRouting(t, domain.RoutingEcho, domain.EchoRouting{Response: "hello {{name}}, {{count}} times"}))
	r := newRouter(t, Options{}, echo)

	result, err := r.Call(context.Background(), call("greet", `{"name":"bob","count":2}`), domain.CallOptions{})
	require.NoError(t, err)
	require.True(t, result.Success)
	require.JSONEq(t, `{"response":"hello bob, 2 times"}`, string(result.Data))
}

func TestDisabledToolIsPolicyDenied(t *testing.T) {
	deploy := routedTool("deploy", mustRouting(t, domain.RoutingEcho, domain.EchoRouting{Response: "ok"}))
	deploy.Enabled = false
	r := newRouter(t, Options{}, deploy)

	_, err := r.Call(context.Background(), call("deploy", `{}`), domain.CallOptions{})
	requireCode(t, err, domain.CodePolicyDenied)
	require.ErrorIs(t, err, domain.ErrToolDisabled)
	stage, ok := domain.RouteStageFrom(err)
	require.True(t, ok)
	require.Equal(t, domain.RouteStagePolicy, stage)
	var domainErr *domain.Error
	require.True(t, errors.As(err, &domainErr))
	require.Equal(t, "disabled", domainErr.Meta["reason"])
}

func TestPermissionCheckBeforeDispatch(t *testing.T) {
	tools := []domain.Tool{
		routedTool("a", mustRouting(t, domain.RoutingEcho, domain.EchoRouting{Response: "a"})),
		routedTool("b", mustRouting(t, domain.RoutingEcho, domain.EchoRouting{Response: "b"})),
	}
	source := staticSnapshots{snapshot: domain.NewSnapshot(1, time.Now(), tools)}
	policy, err := permission.Compile(permission.PolicySpec{
		Roles: map[string]permission.RoleSpec{"user": {Tools: []string{"b"}}},
	})
	require.NoError(t, err)
	cache := permission.NewCache(permission.Options{Snapshots: source, Policy: policy})
	r := newRouter(t, Options{Permissions: cache}, tools...)
	alice := domain.NewUserContext("alice", []string{"user"}, 0)

	_, err = r.Call(context.Background(), call("a", `{}`), domain.CallOptions{User: alice})
	requireCode(t, err, domain.CodePolicyDenied)

	_, err = r.Call(context.Background(), call("b", `{}`), domain.CallOptions{User: alice})
	require.NoError(t, err)

	_, err = r.Call(context.Background(), call("a", `{}`), domain.CallOptions{User: alice, SkipPolicy: true})
	require.NoError(t, err)
}

func TestSchemaValidationRejectsArguments(t *testing.T) {
	echo := routedTool("greet", mustRouting(t, domain.RoutingEcho, domain.EchoRouting{Response: "{{name}}"}))
	echo.InputSchema = json.RawMessage(`{"type":"object","properties":{"name":{"type":"string"}},"required":["name"]}`)
	r := newRouter(t, Options{}, echo)

	_, err := r.Call(context.Background(), call("greet", `{}`), domain.CallOptions{})
	requireCode(t, err, domain.CodeValidation)
	stage, _ := domain.RouteStageFrom(err)
	require.Equal(t, domain.RouteStageValidate, stage)

	_, err = r.Call(context.Background(), call("missing", `{}`), domain.CallOptions{})
	requireCode(t, err, domain.CodeRegistry)
}

func TestHTTPGetEscapesPathAndMovesRestToQuery(t *testing.T) {
	var gotPath, gotQuery, gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		gotPath, gotQuery, gotMethod = req.URL.EscapedPath(), req.URL.RawQuery, req.Method
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"ok":true}`)
	}))
	defer srv.Close()

	tool := routedTool("get_item", mustRouting(t, domain.RoutingHTTP, domain.HTTPRouting{URL: srv.URL + "/items/{{id}}"}))
	r := newRouter(t, Options{}, tool)

	result, err := r.Call(context.Background(), call("get_item", `{"id":"a b","limit":5}`), domain.CallOptions{})
	require.NoError(t, err)
	require.Equal(t, http.MethodGet, gotMethod)
	require.Equal(t, "/items/a%20b", gotPath)
	require.Equal(t, "limit=5", gotQuery)
	require.JSONEq(t, `{"ok":true}`, string(result.Data))
	require.Equal(t, "200", result.Metadata["status"])
}

func TestHTTPPostJSONWithBearer(t *testing.T) {
	t.Setenv("MAGICTUNNEL_TEST_BEARER", "secret")
	var gotAuth, gotType string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		gotAuth, gotType = req.Header.Get("Authorization"), req.Header.Get("Content-Type")
		_ = json.NewDecoder(req.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, "done")
	}))
	defer srv.Close()

	tool := routedTool("create", mustRouting(t, domain.RoutingHTTP, domain.HTTPRouting{
		URL:     srv.URL + "/things",
		Method:  "post",
		Headers: map[string]string{"X-Trace": "t-{{name}}"},
		Auth:    &domain.HTTPAuth{Type: domain.AuthBearer, TokenEnv: "MAGICTUNNEL_TEST_BEARER"},
	}))
	r := newRouter(t, Options{}, tool)

	result, err := r.Call(context.Background(), call("create", `{"name":"x","size":2}`), domain.CallOptions{})
	require.NoError(t, err)
	require.Equal(t, "Bearer secret", gotAuth)
	require.Equal(t, "application/json", gotType)
	require.Equal(t, map[string]any{"name": "x", "size": float64(2)}, gotBody)
	require.JSONEq(t, `{"text":"done"}`, string(result.Data))
}

func TestHTTPAuthVariants(t *testing.T) {
	var mu sync.Mutex
	var headers http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		mu.Lock()
		headers = req.Header.Clone()
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{}`)
	}))
	defer srv.Close()

	tokens := NewMemoryTokenStore()
	tokens.Set("github", "oauth-token")
	tools := []domain.Tool{
		routedTool("apikey", mustRouting(t, domain.RoutingHTTP, domain.HTTPRouting{URL: srv.URL, Auth: &domain.HTTPAuth{Type: domain.AuthAPIKey, Key: "k1", Header: "X-Key"}})),
		routedTool("basic", mustRouting(t, domain.RoutingHTTP, domain.HTTPRouting{URL: srv.URL, Auth: &domain.HTTPAuth{Type: domain.AuthBasic, Username: "u", Password: "p"}})),
		routedTool("oauth", mustRouting(t, domain.RoutingHTTP, domain.HTTPRouting{URL: srv.URL, Auth: &domain.HTTPAuth{Type: domain.AuthOAuth, Provider: "github"}})),
		routedTool("oauth_missing", mustRouting(t, domain.RoutingHTTP, domain.HTTPRouting{URL: srv.URL, Auth: &domain.HTTPAuth{Type: domain.AuthOAuth, Provider: "nobody-configured"}})),
	}
	r := newRouter(t, Options{Tokens: tokens}, tools...)
	ctx := context.Background()

	_, err := r.Call(ctx, call("apikey", `{}`), domain.CallOptions{})
	require.NoError(t, err)
	require.Equal(t, "k1", headers.Get("X-Key"))

	_, err = r.Call(ctx, call("basic", `{}`), domain.CallOptions{})
	require.NoError(t, err)
	require.Contains(t, headers.Get("Authorization"), "Basic ")

	_, err = r.Call(ctx, call("oauth", `{}`), domain.CallOptions{})
	require.NoError(t, err)
	require.Equal(t, "Bearer oauth-token", headers.Get("Authorization"))

	_, err = r.Call(ctx, call("oauth_missing", `{}`), domain.CallOptions{})
	requireCode(t, err, domain.CodePolicyDenied)
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		status int
		code   domain.ErrorCode
		hits   int32
	}{
		{http.StatusServiceUnavailable, domain.CodeUnavailable, 3},
		{http.StatusTooManyRequests, domain.CodeUnavailable, 3},
		{http.StatusInternalServerError, domain.CodeProtocol, 3},
		{http.StatusNotFound, domain.CodeValidation, 1},
		{http.StatusUnauthorized, domain.CodePolicyDenied, 1},
		{http.StatusForbidden, domain.CodePolicyDenied, 1},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			var hits atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				hits.Add(1)
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			tool := routedTool("remote", mustRouting(t, domain.RoutingHTTP, domain.HTTPRouting{URL: srv.URL}))
			r := newRouter(t, Options{MaxAttempts: 3}, tool)

			_, err := r.Call(context.Background(), call("remote", `{}`), domain.CallOptions{})
			requireCode(t, err, tc.code)
			require.Equal(t, tc.hits, hits.Load())
		})
	}
}

func TestHTTPStreamingCollectsEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: {\"n\":1}\n\ndata: {\"n\":2}\n\ndata: [DONE]\n\n")
	}))
	defer srv.Close()

	tool := routedTool("stream", mustRouting(t, domain.RoutingHTTP, domain.HTTPRouting{URL: srv.URL, Streaming: domain.StreamingServer}))
	r := newRouter(t, Options{}, tool)

	result, err := r.Call(context.Background(), call("stream", `{}`), domain.CallOptions{})
	require.NoError(t, err)
	require.JSONEq(t, `[{"n":1},{"n":2}]`, string(result.Data))
}

func TestDatabaseSQLiteQuery(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inventory.db")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE items (name TEXT, qty INTEGER)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO items VALUES ('bolt', 3), ('nut', 7)`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	tool := routedTool("item_qty", mustRouting(t, domain.RoutingDatabase, domain.DatabaseRouting{
		Connection:    path,
		QueryTemplate: "SELECT name, qty FROM items WHERE name = {{name}}",
	}))
	r := newRouter(t, Options{}, tool)

	result, err := r.Call(context.Background(), call("item_qty", `{"name":"bolt"}`), domain.CallOptions{})
	require.NoError(t, err)
	require.JSONEq(t, `[{"name":"bolt","qty":3}]`, string(result.Data))
	require.Equal(t, "1", result.Metadata["row_count"])

	result, err = r.Call(context.Background(), call("item_qty", `{"name":"x' OR '1'='1"}`), domain.CallOptions{})
	require.NoError(t, err)
	require.JSONEq(t, `[]`, string(result.Data))

	_, err = r.Call(context.Background(), call("item_qty", `{}`), domain.CallOptions{})
	requireCode(t, err, domain.CodeValidation)
}

func TestCompileQuery(t *testing.T) {
	values := map[string]any{"a": float64(1), "b": "x"}

	query, params, err := compileQuery("SELECT * FROM t WHERE a = {{a}} AND b = {{ b }} OR c = {{a}}", driverPostgres, values)
	require.NoError(t, err)
	require.Equal(t, "SELECT * FROM t WHERE a = $1 AND b = $2 OR c = $1", query)
	require.Equal(t, []any{float64(1), "x"}, params)

	query, params, err = compileQuery("SELECT * FROM t WHERE a = {{a}} AND b = {{b}} OR c = {{a}}", driverSQLite, values)
	require.NoError(t, err)
	require.Equal(t, "SELECT * FROM t WHERE a = ? AND b = ? OR c = ?", query)
	require.Equal(t, []any{float64(1), "x", float64(1)}, params)

	query, _, err = compileQuery("SELECT 'it''s', {{b}}", driverSQLite, values)
	require.NoError(t, err)
	require.Equal(t, "SELECT 'it''s', ?", query)

	_, _, err = compileQuery("SELECT * FROM t WHERE name = '{{b}}'", driverSQLite, values)
	requireCode(t, err, domain.CodeValidation)

	_, _, err = compileQuery("SELECT {{missing}}", driverSQLite, values)
	requireCode(t, err, domain.CodeValidation)

	_, _, err = compileQuery("SELECT 'open", driverSQLite, values)
	requireCode(t, err, domain.CodeValidation)
}

func TestResolveDriver(t *testing.T) {
	driverName, dsn, err := resolveDriver("", "postgres://u@localhost/db")
	require.NoError(t, err)
	require.Equal(t, driverPostgres, driverName)
	require.Equal(t, "postgres://u@localhost/db", dsn)

	driverName, dsn, err = resolveDriver("", "sqlite:///tmp/x.db")
	require.NoError(t, err)
	require.Equal(t, driverSQLite, driverName)
	require.Equal(t, "/tmp/x.db", dsn)

	driverName, _, err = resolveDriver("sqlite", ":memory:")
	require.NoError(t, err)
	require.Equal(t, driverSQLite, driverName)

	_, _, err = resolveDriver("", "mysql://x")
	requireCode(t, err, domain.CodeConfig)
	_, _, err = resolveDriver("oracle", "x")
	requireCode(t, err, domain.CodeConfig)
}

func TestLocalCommand(t *testing.T) {
	tools := []domain.Tool{
		routedTool("cat", mustRouting(t, domain.RoutingLocal, domain.LocalRouting{Command: "cat"})),
		routedTool("say", mustRouting(t, domain.RoutingLocal, domain.LocalRouting{Command: "sh", Args: []string{"-c", "echo hello {{who}}"}})),
		routedTool("env", mustRouting(t, domain.RoutingLocal, domain.LocalRouting{
			Command: "sh",
			Args:    []string{"-c", `printf "%s" "$GREETING"`},
			Env:     map[string]string{"GREETING": "hi {{who}}"},
		})),
		routedTool("fail", mustRouting(t, domain.RoutingLocal, domain.LocalRouting{Command: "sh", Args: []string{"-c", "echo boom >&2; exit 3"}})),
		routedTool("flaky", mustRouting(t, domain.RoutingLocal, domain.LocalRouting{Command: "sh", Args: []string{"-c", "echo 'resource temporarily unavailable' >&2; exit 1"}})),
	}
	r := newRouter(t, Options{MaxAttempts: 2}, tools...)
	ctx := context.Background()

	result, err := r.Call(ctx, call("cat", `{"who":"world"}`), domain.CallOptions{})
	require.NoError(t, err)
	require.JSONEq(t, `{"who":"world"}`, string(result.Data))

	result, err = r.Call(ctx, call("say", `{"who":"world"}`), domain.CallOptions{})
	require.NoError(t, err)
	require.JSONEq(t, `{"text":"hello world\n"}`, string(result.Data))

	result, err = r.Call(ctx, call("env", `{"who":"world"}`), domain.CallOptions{})
	require.NoError(t, err)
	require.JSONEq(t, `{"text":"hi world"}`, string(result.Data))

	_, err = r.Call(ctx, call("fail", `{}`), domain.CallOptions{})
	requireCode(t, err, domain.CodeProtocol)
	require.False(t, domain.IsRetryable(err))
	require.Contains(t, err.Error(), "boom")

	_, err = r.Call(ctx, call("flaky", `{}`), domain.CallOptions{})
	requireCode(t, err, domain.CodeUnavailable)
}

func TestLocalCommandTimeout(t *testing.T) {
	sleeper := routedTool("sleep", mustRouting(t, domain.RoutingLocal, domain.LocalRouting{Command: "sh", Args: []string{"-c", "sleep 5"}}))
	r := newRouter(t, Options{Timeout: 100 * time.Millisecond, MaxAttempts: 1}, sleeper)

	start := time.Now()
	_, err := r.Call(context.Background(), call("sleep", `{}`), domain.CallOptions{})
	requireCode(t, err, domain.CodeTimeout)
	require.Less(t, time.Since(start), 4*time.Second)
}

func TestLocalCommandOutputIsCapped(t *testing.T) {
	noisy := routedTool("noisy", mustRouting(t, domain.RoutingLocal, domain.LocalRouting{
		Command: "sh",
		Args:    []string{"-c", `head -c 200000 /dev/zero | tr '\0' e >&2; exit 3`},
	}))
	r := newRouter(t, Options{MaxAttempts: 1}, noisy)

	_, err := r.Call(context.Background(), call("noisy", `{}`), domain.CallOptions{})
	requireCode(t, err, domain.CodeProtocol)
	require.Contains(t, err.Error(), "eeee")
	require.Less(t, len(err.Error()), maxLocalStderr+1024)
}

func TestCappedBuffer(t *testing.T) {
	buf := &cappedBuffer{limit: 8}
	n, err := buf.Write([]byte("hello "))
	require.NoError(t, err)
	require.Equal(t, 6, n)
	require.False(t, buf.truncated)

	n, err = buf.Write([]byte("world"))
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.True(t, buf.truncated)
	require.Equal(t, "hello wo", buf.String())

	_, err = buf.Write([]byte("!"))
	require.NoError(t, err)
	require.Equal(t, "hello wo", buf.String())
}

type fakeUpstream struct {
	mu      sync.Mutex
	calls   []string
	servers []string
	result  *mcp.CallToolResult
	err     error
}

func (f *fakeUpstream) CallTool(_ context.Context, serverID, name string, _ json.RawMessage) (*mcp.CallToolResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	f.servers = append(f.servers, serverID)
	return f.result, f.err
}

func TestUpstreamBackend(t *testing.T) {
	tool := routedTool("srv1:search", domain.UpstreamRoute("srv1", "search"))
	upstream := &fakeUpstream{result: &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: `{"hits":2}`}}}}
	r := newRouter(t, Options{Upstream: upstream, MaxAttempts: 3}, tool)
	ctx := context.Background()

	result, err := r.Call(ctx, call("srv1:search", `{"q":"go"}`), domain.CallOptions{})
	require.NoError(t, err)
	require.True(t, result.Success)
	require.JSONEq(t, `{"hits":2}`, string(result.Data))
	require.Equal(t, []string{"search"}, upstream.calls)
	require.Equal(t, []string{"srv1"}, upstream.servers)

	upstream.result = &mcp.CallToolResult{IsError: true, Content: []mcp.Content{&mcp.TextContent{Text: "no index"}}}
	result, err = r.Call(ctx, call("srv1:search", `{}`), domain.CallOptions{})
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Equal(t, "no index", result.Error)

	upstream.calls = nil
	upstream.err = domain.Retryable(domain.CodeProtocol, "upstream.call_tool", "", &domain.ProtocolError{Code: -32001, Message: "busy"}, true)
	_, err = r.Call(ctx, call("srv1:search", `{}`), domain.CallOptions{})
	requireCode(t, err, domain.CodeProtocol)
	require.Len(t, upstream.calls, 3)

	upstream.calls = nil
	upstream.err = domain.Retryable(domain.CodeProtocol, "upstream.call_tool", "", &domain.ProtocolError{Code: domain.ErrCodeInvalidParams, Message: "bad"}, false)
	_, err = r.Call(ctx, call("srv1:search", `{}`), domain.CallOptions{})
	requireCode(t, err, domain.CodeProtocol)
	require.Len(t, upstream.calls, 1)
}

type recordingRecorder struct {
	mu      sync.Mutex
	records []domain.ExecutionRecord
}

func (r *recordingRecorder) Record(record domain.ExecutionRecord) {
	r.mu.Lock()
	r.records = append(r.records, record)
	r.mu.Unlock()
}

func TestMetricRouterRecordsEveryCall(t *testing.T) {
	echo := routedTool("greet", mustRouting(t, domain.RoutingEcho, domain.EchoRouting{Response: "hi"}))
	off := routedTool("off", mustRouting(t, domain.RoutingEcho, domain.EchoRouting{Response: "hi"}))
	off.Enabled = false
	recorder := &recordingRecorder{}
	metered := NewMetricRouter(newRouter(t, Options{}, echo, off), recorder)

	discovery := &domain.DiscoveryContext{Position: 1, Confidence: 0.8, Method: "rule", Query: "say hi"}
	_, err := metered.Call(context.Background(), call("greet", `{}`), domain.CallOptions{Source: domain.CallSourceDiscovery, Discovery: discovery})
	require.NoError(t, err)
	_, err = metered.Call(context.Background(), call("off", `{}`), domain.CallOptions{})
	require.Error(t, err)

	require.Len(t, recorder.records, 2)
	first, second := recorder.records[0], recorder.records[1]
	require.NotEmpty(t, first.ExecutionID)
	require.NotEqual(t, first.ExecutionID, second.ExecutionID)
	require.Equal(t, domain.ResultSuccess, first.Result.Kind)
	require.Equal(t, domain.CallSourceDiscovery, first.Source)
	require.Equal(t, discovery, first.Discovery)
	require.Equal(t, domain.ResultError, second.Result.Kind)
	require.Equal(t, domain.CodePolicyDenied, second.Result.ErrorKind)
	require.Equal(t, domain.CallSourceDirect, second.Source)
}

func TestCancellationStopsRetries(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	tool := routedTool("remote", mustRouting(t, domain.RoutingHTTP, domain.HTTPRouting{URL: srv.URL}))
	r := newRouter(t, Options{MaxAttempts: 10, RetryDelay: time.Second, RetryMaxDelay: time.Second}, tool)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := r.Call(ctx, call("remote", `{}`), domain.CallOptions{})
	require.Error(t, err)
	require.Equal(t, int32(1), hits.Load())
}
