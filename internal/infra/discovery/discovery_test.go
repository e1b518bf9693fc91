package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"magictunnel/internal/domain"
	"magictunnel/internal/infra/permission"
)

type staticSnapshots struct {
	snapshot *domain.Snapshot
}

func (s staticSnapshots) Snapshot() *domain.Snapshot { return s.snapshot }

type stubScorer struct {
	matches []domain.ToolMatch
	calls   atomic.Int32
	seen    []string
	mu      sync.Mutex
}

func (s *stubScorer) Score(_ context.Context, _ string, candidates []domain.Tool) ([]domain.ToolMatch, error) {
	s.calls.Add(1)
	s.mu.Lock()
	s.seen = s.seen[:0]
	for _, tool := range candidates {
		s.seen = append(s.seen, tool.Name)
	}
	s.mu.Unlock()
	allowed := map[string]bool{}
	for _, tool := range candidates {
		allowed[tool.Name] = true
	}
	var out []domain.ToolMatch
	for _, m := range s.matches {
		if allowed[m.ToolName] {
			out = append(out, m)
		}
	}
	return out, nil
}

type stubSemantic struct {
	matches   []domain.ToolMatch
	available bool
	err       error
}

func (s stubSemantic) Available() bool { return s.available }

func (s stubSemantic) SearchText(context.Context, string, int, map[string]struct{}) ([]domain.ToolMatch, error) {
	return s.matches, s.err
}

type recordingDispatcher struct {
	mu    sync.Mutex
	calls []domain.ToolCall
	opts  []domain.CallOptions
	fail  map[string]error
}

func (d *recordingDispatcher) Call(_ context.Context, call domain.ToolCall, opts domain.CallOptions) (domain.ToolResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, call)
	d.opts = append(d.opts, opts)
	if err := d.fail[call.Name]; err != nil {
		return domain.ToolResult{}, err
	}
	return domain.ToolResult{Success: true, Data: json.RawMessage(`{"ok":true}`)}, nil
}

func tool(name, description, inputSchema string) domain.Tool {
	t := domain.Tool{
		Name:        name,
		Description: description,
		Enabled:     true,
		Routing:     domain.Routing{Kind: domain.RoutingEcho},
	}
	if inputSchema != "" {
		t.InputSchema = json.RawMessage(inputSchema)
	}
	return t
}

const urlSchema = `{"type":"object","properties":{"url":{"type":"string"}},"required":["url"]}`

func networkTools() []domain.Tool {
	return []domain.Tool{
		tool("ping", "Check whether a host answers", `{"type":"object","properties":{"host":{"type":"string"}},"required":["host"]}`),
		tool("http_get", "Fetch a URL over HTTP", urlSchema),
		tool("db_query", "Run a SQL query", `{"type":"object","properties":{"sql":{"type":"string"}},"required":["sql"]}`),
	}
}

func newEngine(t *testing.T, tools []domain.Tool, opts Options) *Engine {
	t.Helper()
	if opts.Config.Mode == "" {
		opts.Config = DefaultConfig()
	}
	opts.Registry = staticSnapshots{snapshot: domain.NewSnapshot(1, time.Now(), tools)}
	opts.Logger = zap.NewNop()
	return New(opts)
}

func TestHybridDiscoveryPicksWeightedTop(t *testing.T) {
	rule := &stubScorer{matches: []domain.ToolMatch{
		{ToolName: "ping", Confidence: 0.62, Source: domain.MatchRule},
		{ToolName: "http_get", Confidence: 0.58, Source: domain.MatchRule},
	}}
	semantic := stubSemantic{available: true, matches: []domain.ToolMatch{
		{ToolName: "http_get", Confidence: 0.71, Source: domain.MatchSemantic},
		{ToolName: "ping", Confidence: 0.49, Source: domain.MatchSemantic},
	}}
	dispatcher := &recordingDispatcher{}
	engine := newEngine(t, networkTools(), Options{Rule: rule, Semantic: semantic, Dispatcher: dispatcher})

	resp := engine.Discover(context.Background(), domain.UserContext{}, domain.DiscoveryRequest{Request: "check if api.example.com is up"})
	require.True(t, resp.Success, resp.Error)
	require.Equal(t, "http_get", resp.Metadata.OriginalTool)
	require.InDelta(t, 0.6*0.71, resp.Metadata.Confidence, 1e-9)
	require.Equal(t, domain.ModeHybrid, resp.Metadata.Mode)
	require.JSONEq(t, `{"url":"https://api.example.com"}`, string(resp.Metadata.Parameters))

	require.Len(t, dispatcher.calls, 1)
	require.Equal(t, "http_get", dispatcher.calls[0].Name)
	require.JSONEq(t, `{"url":"https://api.example.com"}`, string(dispatcher.calls[0].Arguments))
	require.Equal(t, domain.CallSourceDiscovery, dispatcher.opts[0].Source)
	require.Equal(t, 1, dispatcher.opts[0].Discovery.Position)
	require.Equal(t, "check if api.example.com is up", dispatcher.opts[0].Discovery.Query)
}

func TestSemanticUnavailableFallsBackToRule(t *testing.T) {
	rule := &stubScorer{matches: []domain.ToolMatch{{ToolName: "http_get", Confidence: 0.8, Source: domain.MatchRule}}}
	engine := newEngine(t, networkTools(), Options{Rule: rule, Semantic: stubSemantic{available: false}, Dispatcher: &recordingDispatcher{}})

	resp := engine.Discover(context.Background(), domain.UserContext{}, domain.DiscoveryRequest{Request: "get https://example.com/status"})
	require.True(t, resp.Success, resp.Error)
	require.Equal(t, domain.ModeRuleBased, resp.Metadata.Mode)
	require.InDelta(t, 0.8, resp.Metadata.Confidence, 1e-9)
	require.Contains(t, resp.Metadata.Reasoning, "semantic search unavailable")
}

func TestSequentialFallbackOnUnavailable(t *testing.T) {
	tools := []domain.Tool{tool("primary_fetch", "", urlSchema), tool("backup_fetch", "", urlSchema)}
	rule := &stubScorer{matches: []domain.ToolMatch{
		{ToolName: "primary_fetch", Confidence: 0.9, Source: domain.MatchRule},
		{ToolName: "backup_fetch", Confidence: 0.5, Source: domain.MatchRule},
	}}
	dispatcher := &recordingDispatcher{fail: map[string]error{
		"primary_fetch": domain.E(domain.CodeUnavailable, "router.dispatch", "upstream down", nil),
	}}
	cfg := DefaultConfig()
	cfg.Mode = domain.ModeRuleBased
	engine := newEngine(t, tools, Options{Config: cfg, Rule: rule, Dispatcher: dispatcher})

	resp := engine.Discover(context.Background(), domain.UserContext{}, domain.DiscoveryRequest{Request: "fetch https://example.com"})
	require.True(t, resp.Success, resp.Error)
	require.Equal(t, "backup_fetch", resp.Metadata.OriginalTool)
	require.Equal(t, 2, resp.Metadata.Attempts)
	require.Len(t, dispatcher.calls, 2)
	require.Equal(t, 2, dispatcher.opts[1].Discovery.Position)
}

func TestNonRetryableFailureStops(t *testing.T) {
	tools := []domain.Tool{tool("primary_fetch", "", urlSchema), tool("backup_fetch", "", urlSchema)}
	rule := &stubScorer{matches: []domain.ToolMatch{
		{ToolName: "primary_fetch", Confidence: 0.9, Source: domain.MatchRule},
		{ToolName: "backup_fetch", Confidence: 0.5, Source: domain.MatchRule},
	}}
	dispatcher := &recordingDispatcher{fail: map[string]error{
		"primary_fetch": domain.E(domain.CodePolicyDenied, "router.policy", "denied", nil),
	}}
	cfg := DefaultConfig()
	cfg.Mode = domain.ModeRuleBased
	engine := newEngine(t, tools, Options{Config: cfg, Rule: rule, Dispatcher: dispatcher})

	resp := engine.Discover(context.Background(), domain.UserContext{}, domain.DiscoveryRequest{Request: "fetch https://example.com", IncludeErrorDetails: true})
	require.False(t, resp.Success)
	require.Len(t, dispatcher.calls, 1)
	require.NotEmpty(t, resp.Error)
	require.NotEmpty(t, resp.ErrorDetails)
	require.Len(t, resp.Metadata.Alternatives, 2)
}

func TestValidationFailureMovesToNextCandidate(t *testing.T) {
	tools := []domain.Tool{
		tool("needs_email", "", `{"type":"object","properties":{"email":{"type":"string"}},"required":["email"]}`),
		tool("http_get", "", urlSchema),
	}
	rule := &stubScorer{matches: []domain.ToolMatch{
		{ToolName: "needs_email", Confidence: 0.9, Source: domain.MatchRule},
		{ToolName: "http_get", Confidence: 0.6, Source: domain.MatchRule},
	}}
	cfg := DefaultConfig()
	cfg.Mode = domain.ModeRuleBased
	dispatcher := &recordingDispatcher{}
	engine := newEngine(t, tools, Options{Config: cfg, Rule: rule, Dispatcher: dispatcher})

	resp := engine.Discover(context.Background(), domain.UserContext{}, domain.DiscoveryRequest{Request: "open https://example.com"})
	require.True(t, resp.Success, resp.Error)
	require.Equal(t, "http_get", resp.Metadata.OriginalTool)
	require.Len(t, dispatcher.calls, 1)
}

func TestBelowThresholdWithoutSequentialFails(t *testing.T) {
	rule := &stubScorer{matches: []domain.ToolMatch{{ToolName: "http_get", Confidence: 0.5, Source: domain.MatchRule}}}
	cfg := DefaultConfig()
	cfg.Mode = domain.ModeRuleBased
	dispatcher := &recordingDispatcher{}
	engine := newEngine(t, networkTools(), Options{Config: cfg, Rule: rule, Dispatcher: dispatcher})

	sequential := false
	resp := engine.Discover(context.Background(), domain.UserContext{}, domain.DiscoveryRequest{
		Request:        "fetch https://example.com",
		SequentialMode: &sequential,
	})
	require.False(t, resp.Success)
	require.Empty(t, dispatcher.calls)
	require.Equal(t, "http_get", resp.Metadata.Alternatives[0].ToolName)

	threshold := 0.4
	resp = engine.Discover(context.Background(), domain.UserContext{}, domain.DiscoveryRequest{
		Request:             "fetch https://example.com",
		SequentialMode:      &sequential,
		ConfidenceThreshold: &threshold,
	})
	require.True(t, resp.Success, resp.Error)
}

func TestFallbackMatchersWhenNothingScores(t *testing.T) {
	tools := []domain.Tool{tool("deployment_manager", "", ""), tool("db_query", "", "")}
	cfg := DefaultConfig()
	cfg.Mode = domain.ModeRuleBased
	engine := newEngine(t, tools, Options{Config: cfg, Rule: &stubScorer{}, Dispatcher: &recordingDispatcher{}})

	resp := engine.Discover(context.Background(), domain.UserContext{}, domain.DiscoveryRequest{Request: "deploy staging"})
	require.True(t, resp.Success, resp.Error)
	require.Equal(t, "deployment_manager", resp.Metadata.OriginalTool)
	require.Contains(t, resp.Metadata.Reasoning, "fallback")
}

func TestNoMatchReturnsFailure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mode = domain.ModeRuleBased
	cfg.Fallback = FallbackConfig{}
	engine := newEngine(t, networkTools(), Options{Config: cfg, Rule: &stubScorer{}})

	resp := engine.Discover(context.Background(), domain.UserContext{}, domain.DiscoveryRequest{Request: "bake a cake"})
	require.False(t, resp.Success)
	require.NotEmpty(t, resp.Error)
	require.Empty(t, resp.ErrorDetails)

	resp = engine.Discover(context.Background(), domain.UserContext{}, domain.DiscoveryRequest{Request: "  "})
	require.False(t, resp.Success)
}

func TestResolveDoesNotDispatch(t *testing.T) {
	rule := &stubScorer{matches: []domain.ToolMatch{{ToolName: "http_get", Confidence: 0.9, Source: domain.MatchRule}}}
	dispatcher := &recordingDispatcher{}
	cfg := DefaultConfig()
	cfg.Mode = domain.ModeRuleBased
	engine := newEngine(t, networkTools(), Options{Config: cfg, Rule: rule, Dispatcher: dispatcher})

	resp := engine.Resolve(context.Background(), domain.UserContext{}, domain.DiscoveryRequest{Request: "fetch https://example.com/health"})
	require.True(t, resp.Success, resp.Error)
	require.Equal(t, "http_get", resp.Metadata.OriginalTool)
	require.JSONEq(t, `{"url":"https://example.com/health"}`, string(resp.Metadata.Parameters))
	require.Empty(t, dispatcher.calls)
}

func TestPermissionsFilterCandidates(t *testing.T) {
	tools := networkTools()
	source := staticSnapshots{snapshot: domain.NewSnapshot(1, time.Now(), tools)}
	policy, err := permission.Compile(permission.PolicySpec{
		Roles: map[string]permission.RoleSpec{"user": {Tools: []string{"ping", "db_query"}}},
	})
	require.NoError(t, err)
	cache := permission.NewCache(permission.Options{Snapshots: source, Policy: policy})

	hidden := tool("secret_get", "", urlSchema)
	hidden.Hidden = true
	disabled := tool("old_get", "", urlSchema)
	disabled.Enabled = false
	all := append(tools, hidden, disabled)

	rule := &stubScorer{matches: []domain.ToolMatch{{ToolName: "http_get", Confidence: 0.9, Source: domain.MatchRule}}}
	cfg := DefaultConfig()
	cfg.Mode = domain.ModeRuleBased
	engine := newEngine(t, all, Options{Config: cfg, Rule: rule, Permissions: cache, Dispatcher: &recordingDispatcher{}})

	alice := domain.NewUserContext("alice", []string{"user"}, 0)
	resp := engine.Discover(context.Background(), alice, domain.DiscoveryRequest{Request: "get https://example.com"})
	require.False(t, resp.Success)
	require.ElementsMatch(t, []string{"ping", "db_query"}, rule.seen)
}

func TestToolMatchCacheSkipsScoring(t *testing.T) {
	rule := &stubScorer{matches: []domain.ToolMatch{{ToolName: "http_get", Confidence: 0.9, Source: domain.MatchRule}}}
	cfg := DefaultConfig()
	cfg.Mode = domain.ModeRuleBased
	engine := newEngine(t, networkTools(), Options{Config: cfg, Rule: rule, Dispatcher: &recordingDispatcher{}})

	req := domain.DiscoveryRequest{Request: "fetch https://example.com"}
	require.True(t, engine.Discover(context.Background(), domain.UserContext{}, req).Success)
	require.True(t, engine.Discover(context.Background(), domain.UserContext{}, req).Success)
	require.Equal(t, int32(1), rule.calls.Load())

	req.Context = "different context"
	require.True(t, engine.Discover(context.Background(), domain.UserContext{}, req).Success)
	require.Equal(t, int32(2), rule.calls.Load())
}

func TestPreferredToolConfidenceStaysBounded(t *testing.T) {
	rule := &stubScorer{matches: []domain.ToolMatch{
		{ToolName: "ping", Confidence: 0.97, Source: domain.MatchRule},
		{ToolName: "http_get", Confidence: 0.96, Source: domain.MatchRule},
	}}
	cfg := DefaultConfig()
	cfg.Mode = domain.ModeRuleBased
	engine := newEngine(t, networkTools(), Options{Config: cfg, Rule: rule})

	resp := engine.Resolve(context.Background(), domain.UserContext{}, domain.DiscoveryRequest{
		Request:        "reach https://example.com",
		PreferredTools: []string{"http_get"},
	})
	require.True(t, resp.Success, resp.Error)
	require.Equal(t, "http_get", resp.Metadata.OriginalTool)
	require.Equal(t, 1.0, resp.Metadata.Confidence)
	for _, alt := range resp.Metadata.Alternatives {
		require.GreaterOrEqual(t, alt.Confidence, 0.0)
		require.LessOrEqual(t, alt.Confidence, 1.0)
	}
}

func TestCancelledContext(t *testing.T) {
	engine := newEngine(t, networkTools(), Options{Rule: &stubScorer{}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	resp := engine.Discover(ctx, domain.UserContext{}, domain.DiscoveryRequest{Request: "ping example.com"})
	require.False(t, resp.Success)
}

func TestRuleScorerRanksNameMatches(t *testing.T) {
	scorer := NewRuleScorer(DefaultRuleWeights(), 5, 0.95)
	matches, err := scorer.Score(context.Background(), "run a db query against users", networkTools())
	require.NoError(t, err)
	require.NotEmpty(t, matches)
	require.Equal(t, "db_query", matches[0].ToolName)
	for _, m := range matches {
		require.GreaterOrEqual(t, m.Confidence, 0.0)
		require.LessOrEqual(t, m.Confidence, 1.0)
	}
}

func TestRuleScorerParallelMatchesSequential(t *testing.T) {
	var tools []domain.Tool
	for i := 0; i < 300; i++ {
		tools = append(tools, tool("noise_"+string(rune('a'+i%26))+"_tool", "unrelated", ""))
	}
	tools = append(tools, tool("db_query", "Run a SQL query", ""))
	scorer := NewRuleScorer(DefaultRuleWeights(), 0, 0.95)
	matches, err := scorer.Score(context.Background(), "db query", tools)
	require.NoError(t, err)
	require.Equal(t, "db_query", matches[0].ToolName)
}

func TestDamerauLevenshtein(t *testing.T) {
	require.Equal(t, 0, damerauLevenshtein("query", "query"))
	require.Equal(t, 1, damerauLevenshtein("ca", "ac"))
	require.Equal(t, 3, damerauLevenshtein("kitten", "sitting"))
	require.Equal(t, 4, damerauLevenshtein("", "ping"))
	require.InDelta(t, 0.6, similarity("deployment", "deploy"), 1e-9)
}

func TestFallbackMatches(t *testing.T) {
	categorized := tool("cert_tool", "", "")
	categorized.Annotations = map[string]string{domain.AnnotationCategory: "security"}
	tools := []domain.Tool{categorized, tool("list_files", "List files in a directory", "")}

	matches := fallbackMatches(AllFallbacks(), "security audit", tools)
	require.Len(t, matches, 1)
	require.Equal(t, domain.MatchCategory, matches[0].Source)
	require.InDelta(t, 0.5, matches[0].Confidence, 1e-9)

	matches = fallbackMatches(FallbackConfig{Keyword: true}, "show directory", tools)
	require.Len(t, matches, 1)
	require.Equal(t, "list_files", matches[0].ToolName)
	require.Equal(t, domain.MatchKeyword, matches[0].Source)

	require.Empty(t, fallbackMatches(FallbackConfig{}, "security", tools))
}

func TestMapRule(t *testing.T) {
	cases := []struct {
		name    string
		schema  string
		request string
		want    map[string]any
	}{
		{"url from host", urlSchema, "check if api.example.com is up", map[string]any{"url": "https://api.example.com"}},
		{"explicit url", urlSchema, "get http://localhost:8080/health now", map[string]any{"url": "http://localhost:8080/health"}},
		{
			"pairs and numbers",
			`{"type":"object","properties":{"limit":{"type":"integer"},"table":{"type":"string"}}}`,
			"select from table=users limit 5",
			map[string]any{"limit": int64(5), "table": "users"},
		},
		{
			"email and enum",
			`{"type":"object","properties":{"to":{"type":"string"},"email":{"type":"string"},"priority":{"type":"string","enum":["low","high"]}}}`,
			"mail ops@example.com with high priority",
			map[string]any{"email": "ops@example.com", "priority": "high"},
		},
		{
			"path",
			`{"type":"object","properties":{"path":{"type":"string"}}}`,
			"read /var/log/syslog please",
			map[string]any{"path": "/var/log/syslog"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := mapRule(tool("t", "", tc.schema), tc.request)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestApplyDefaultsAndMissingRequired(t *testing.T) {
	target := tool("t", "", `{"type":"object","properties":{"a":{"type":"string"},"b":{"type":"integer","default":3}},"required":["a"]}`)
	args := map[string]any{}
	require.Equal(t, []string{"a"}, missingRequired(target, args))
	applyDefaults(target, args)
	require.Equal(t, map[string]any{"b": float64(3)}, args)
}

type fakeChatModel struct {
	content string
	err     error
	calls   atomic.Int32
}

func (f *fakeChatModel) Generate(context.Context, []*schema.Message, ...model.Option) (*schema.Message, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return schema.AssistantMessage(f.content, nil), nil
}

func (f *fakeChatModel) Stream(context.Context, []*schema.Message, ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("not supported")
}

func (f *fakeChatModel) WithTools([]*schema.ToolInfo) (model.ToolCallingChatModel, error) {
	return f, nil
}

func TestLLMMapperFillsMissingRequired(t *testing.T) {
	chat := &fakeChatModel{content: "```json\n{\"sql\": \"select 1\"}\n```"}
	rule := &stubScorer{matches: []domain.ToolMatch{{ToolName: "db_query", Confidence: 0.9, Source: domain.MatchRule}}}
	cfg := DefaultConfig()
	cfg.Mode = domain.ModeRuleBased
	engine := newEngine(t, networkTools(), Options{Config: cfg, Rule: rule, Mapper: NewLLMMapper(chat)})

	req := domain.DiscoveryRequest{Request: "how many rows are there"}
	resp := engine.Resolve(context.Background(), domain.UserContext{}, req)
	require.True(t, resp.Success, resp.Error)
	require.JSONEq(t, `{"sql":"select 1"}`, string(resp.Metadata.Parameters))

	resp = engine.Resolve(context.Background(), domain.UserContext{}, req)
	require.True(t, resp.Success, resp.Error)
	require.Equal(t, int32(1), chat.calls.Load())
}

func TestLLMMapperErrorKeepsRuleMapping(t *testing.T) {
	chat := &fakeChatModel{err: errors.New("rate limited")}
	rule := &stubScorer{matches: []domain.ToolMatch{{ToolName: "db_query", Confidence: 0.9, Source: domain.MatchRule}}}
	cfg := DefaultConfig()
	cfg.Mode = domain.ModeRuleBased
	engine := newEngine(t, networkTools(), Options{Config: cfg, Rule: rule, Mapper: NewLLMMapper(chat)})

	resp := engine.Resolve(context.Background(), domain.UserContext{}, domain.DiscoveryRequest{Request: "how many rows are there"})
	require.False(t, resp.Success)
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.Mode = "magic"
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.MinConfidenceThreshold = 0.9
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.RuleWeights.Fuzzy = -1
	require.Error(t, cfg.Validate())
}

func TestTTLCacheEvictsOldest(t *testing.T) {
	now := time.Unix(0, 0)
	clock := func() time.Time { return now }
	cache := newTTLCache[int](time.Minute, 2, clock)
	cache.put("a", 1)
	now = now.Add(time.Second)
	cache.put("b", 2)
	now = now.Add(time.Second)
	cache.put("c", 3)
	_, ok := cache.get("a")
	require.False(t, ok)
	v, ok := cache.get("c")
	require.True(t, ok)
	require.Equal(t, 3, v)

	now = now.Add(2 * time.Minute)
	_, ok = cache.get("c")
	require.False(t, ok)
}

func TestPolicyChangeReachesCachedDiscovery(t *testing.T) {
	source := staticSnapshots{snapshot: domain.NewSnapshot(1, time.Now(), networkTools())}
	cache := permission.NewCache(permission.Options{Snapshots: source})
	rule := &stubScorer{matches: []domain.ToolMatch{{ToolName: "http_get", Confidence: 0.9, Source: domain.MatchRule}}}
	cfg := DefaultConfig()
	cfg.Mode = domain.ModeRuleBased
	engine := New(Options{Config: cfg, Registry: source, Permissions: cache, Rule: rule, Logger: zap.NewNop()})
	user := domain.NewUserContext("alice", []string{"user"}, 0)
	req := domain.DiscoveryRequest{Request: "fetch https://example.com"}

	resp := engine.Resolve(context.Background(), user, req)
	require.True(t, resp.Success, resp.Error)
	require.Equal(t, "http_get", resp.Metadata.OriginalTool)

	lockdown, err := permission.Compile(permission.PolicySpec{EmergencyLockdown: true})
	require.NoError(t, err)
	cache.SetPolicy(lockdown)

	resp = engine.Resolve(context.Background(), user, req)
	require.False(t, resp.Success)
	require.Empty(t, resp.Metadata.OriginalTool)
	for _, alt := range resp.Metadata.Alternatives {
		require.NotEqual(t, "http_get", alt.ToolName)
	}

	cache.SetPolicy(permission.AllowAll())
	cache.EmergencyClear("rotate credentials")
	resp = engine.Resolve(context.Background(), user, req)
	require.True(t, resp.Success, resp.Error)
}

func TestInternalErrorDetailsAreRedacted(t *testing.T) {
	rule := &stubScorer{matches: []domain.ToolMatch{{ToolName: "http_get", Confidence: 0.9, Source: domain.MatchRule}}}
	dispatcher := &recordingDispatcher{fail: map[string]error{
		"http_get": domain.E(domain.CodeInternal, "router.database", "open postgres://admin:hunter2@db/prod failed", nil),
	}}
	cfg := DefaultConfig()
	cfg.Mode = domain.ModeRuleBased
	engine := newEngine(t, networkTools(), Options{Config: cfg, Rule: rule, Dispatcher: dispatcher})

	resp := engine.Discover(context.Background(), domain.UserContext{}, domain.DiscoveryRequest{
		Request:             "fetch https://example.com",
		IncludeErrorDetails: true,
	})
	require.False(t, resp.Success)
	require.Equal(t, "INTERNAL: internal error", resp.ErrorDetails)
	require.NotContains(t, resp.Error, "hunter2")

	dispatcher.fail["http_get"] = domain.E(domain.CodeProtocol, "router.external", "upstream rejected url", nil)
	resp = engine.Discover(context.Background(), domain.UserContext{}, domain.DiscoveryRequest{
		Request:             "fetch https://example.com",
		IncludeErrorDetails: true,
	})
	require.Contains(t, resp.ErrorDetails, "upstream rejected url")
}
