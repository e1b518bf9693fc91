package permission

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"magictunnel/internal/domain"
)

const yamlPolicy = `permissions: [read, write, admin]
roles:
  user:
    permissions: [read]
    tools: [b, c]
  admin:
    permissions: [read, write, admin]
    tools: ["*"]
rules:
  - tool: "db_*"
    action: deny
    forbidden_permissions: [admin]
  - tool: "report"
    action: allow
    permissions: [read]
`

const tomlPolicy = `permissions = ["read"]

[roles.user]
tools = ["b", "c"]

[[rules]]
tool = "a"
action = "deny"
roles = ["user"]
`

const jsoncPolicy = `{
  // comments are allowed
  "emergency_lockdown": true,
  "roles": {"user": {"tools": ["b"]}},
}`

type snapshotHolder struct {
	ptr atomic.Pointer[domain.Snapshot]
}

func (h *snapshotHolder) Snapshot() *domain.Snapshot {
	return h.ptr.Load()
}

func (h *snapshotHolder) set(version uint64, names ...string) *domain.Snapshot {
	tools := make([]domain.Tool, 0, len(names))
	for _, name := range names {
		tools = append(tools, domain.Tool{Name: name, Enabled: true, Routing: domain.Routing{Kind: domain.RoutingEcho}})
	}
	snapshot := domain.NewSnapshot(version, time.Now(), tools)
	h.ptr.Store(snapshot)
	return snapshot
}

type recordingSink struct {
	mu     sync.Mutex
	events []domain.AuditEvent
}

func (r *recordingSink) Emit(event domain.AuditEvent) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

func mustCompile(t *testing.T, ext, data string) *Policy {
	t.Helper()
	spec, err := DecodePolicy(ext, []byte(data))
	require.NoError(t, err)
	policy, err := Compile(spec)
	require.NoError(t, err)
	return policy
}

func TestUserRoleFiltersTools(t *testing.T) {
	holder := &snapshotHolder{}
	holder.set(1, "a", "b", "c", "d")
	cache := NewCache(Options{Snapshots: holder, Policy: mustCompile(t, "yaml", yamlPolicy), Logger: zap.NewNop()})
	alice := domain.NewUserContext("alice", []string{"user"}, 0)

	entry, err := cache.Get(context.Background(), alice)
	require.NoError(t, err)
	require.Len(t, entry.Allowed, 2)
	require.Contains(t, entry.Allowed, "b")
	require.Contains(t, entry.Allowed, "c")
	require.Len(t, entry.Denied, 2)
	for name := range entry.Allowed {
		_, denied := entry.Denied[name]
		require.False(t, denied)
		require.True(t, holder.Snapshot().Has(name))
	}

	again, err := cache.Get(context.Background(), alice)
	require.NoError(t, err)
	require.Same(t, entry, again)
	require.Equal(t, uint64(1), cache.Builds())

	decisions, err := cache.BatchAllowed(context.Background(), alice, []string{"d", "c", "b", "a"})
	require.NoError(t, err)
	require.Equal(t, []bool{false, true, true, false}, decisions)
}

func TestEvaluationOrder(t *testing.T) {
	policy := mustCompile(t, "yml", yamlPolicy)
	admin := policy.Effective(domain.NewUserContext("root", []string{"admin"}, 0))
	reader := policy.Effective(domain.NewUserContext("bob", nil, policy.PermissionBits([]string{"read"})))

	allowed, reason := policy.Evaluate(admin, "db_query")
	require.True(t, allowed)
	require.Equal(t, ReasonRoleGrant, reason)

	allowed, reason = policy.Evaluate(reader, "db_query")
	require.False(t, allowed)
	require.Equal(t, ReasonDenyRule, reason)

	allowed, reason = policy.Evaluate(reader, "report")
	require.True(t, allowed)
	require.Equal(t, ReasonAllowRule, reason)

	allowed, reason = policy.Evaluate(reader, "other")
	require.False(t, allowed)
	require.Equal(t, ReasonDefaultDeny, reason)
}

func TestPolicyFormats(t *testing.T) {
	toml := mustCompile(t, ".toml", tomlPolicy)
	user := toml.Effective(domain.NewUserContext("u", []string{"user"}, 0))
	allowed, reason := toml.Evaluate(user, "a")
	require.False(t, allowed)
	require.Equal(t, ReasonDenyRule, reason)
	allowed, _ = toml.Evaluate(user, "b")
	require.True(t, allowed)

	jsonc := mustCompile(t, ".jsonc", jsoncPolicy)
	require.True(t, jsonc.Lockdown())
	allowed, reason = jsonc.Evaluate(jsonc.Effective(domain.NewUserContext("u", []string{"user"}, 0)), "b")
	require.False(t, allowed)
	require.Equal(t, ReasonLockdown, reason)

	_, err := DecodePolicy(".ini", nil)
	require.Error(t, err)
}

func TestLoadPolicyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.toml")
	require.NoError(t, os.WriteFile(path, []byte(tomlPolicy), 0o644))
	spec, err := LoadPolicyFile(path)
	require.NoError(t, err)
	require.Len(t, spec.Rules, 1)

	_, err = LoadPolicyFile(filepath.Join(t.TempDir(), "missing.yaml"))
	code, _ := domain.CodeFrom(err)
	require.Equal(t, domain.CodeConfig, code)
}

func TestCompileRejectsInvalidPolicies(t *testing.T) {
	_, err := Compile(PolicySpec{Rules: []RuleSpec{{Tool: "a*b", Action: ActionAllow}}})
	require.Error(t, err)
	_, err = Compile(PolicySpec{Rules: []RuleSpec{{Tool: "a", Action: "maybe"}}})
	require.Error(t, err)
	_, err = Compile(PolicySpec{Rules: []RuleSpec{{Tool: "a", Action: ActionAllow, Permissions: []string{"ghost"}}}})
	require.Error(t, err)

	many := make([]string, maxPermissions+1)
	for i := range many {
		many[i] = string(rune('A'+i%26)) + string(rune('a'+i/26))
	}
	_, err = Compile(PolicySpec{Permissions: many})
	code, _ := domain.CodeFrom(err)
	require.Equal(t, domain.CodeConfig, code)
}

func TestRulesGroupByMask(t *testing.T) {
	policy := mustCompile(t, "yaml", `permissions: [read]
rules:
  - {tool: a, action: allow, permissions: [read]}
  - {tool: b, action: allow, permissions: [read]}
  - {tool: c, action: allow}
`)
	require.Len(t, policy.allow, 2)
	require.Len(t, policy.allow[0].rules, 2)
}

func TestRegistryChangeEvictsAffectedCaches(t *testing.T) {
	holder := &snapshotHolder{}
	holder.set(1, "a", "b", "c", "d")
	cache := NewCache(Options{Snapshots: holder, Policy: mustCompile(t, "yaml", yamlPolicy)})
	alice := domain.NewUserContext("alice", []string{"user"}, 0)
	root := domain.NewUserContext("root", []string{"admin"}, 0)
	ctx := context.Background()

	_, err := cache.Get(ctx, alice)
	require.NoError(t, err)
	_, err = cache.Get(ctx, root)
	require.NoError(t, err)
	require.Equal(t, 2, cache.Len())

	// alice never had d, so only root's cache is evicted.
	holder.set(2, "a", "b", "c")
	cache.RegistryChanged(domain.RegistryChange{Version: 2, Removed: []string{"d"}})
	require.Equal(t, 1, cache.Len())

	holder.set(3, "a", "b", "c", "e")
	cache.RegistryChanged(domain.RegistryChange{Version: 3, Added: []string{"e"}})
	require.Equal(t, 0, cache.Len())

	allowed, err := cache.Allowed(ctx, root, "e")
	require.NoError(t, err)
	require.True(t, allowed)
	allowed, err = cache.Allowed(ctx, root, "d")
	require.NoError(t, err)
	require.True(t, allowed, "names outside the snapshot fall back to the policy")
}

func TestUserAndPolicyInvalidation(t *testing.T) {
	holder := &snapshotHolder{}
	holder.set(1, "a", "b")
	cache := NewCache(Options{Snapshots: holder, Policy: mustCompile(t, "yaml", yamlPolicy)})
	ctx := context.Background()
	_, err := cache.Get(ctx, domain.NewUserContext("alice", []string{"user"}, 0))
	require.NoError(t, err)
	_, err = cache.Get(ctx, domain.NewUserContext("bob", []string{"user"}, 0))
	require.NoError(t, err)

	cache.UserPermissionsChanged("alice")
	require.Equal(t, 1, cache.Len())

	cache.SetPolicy(mustCompile(t, "jsonc", jsoncPolicy))
	require.Equal(t, 0, cache.Len())
	err = cache.Check(ctx, domain.NewUserContext("bob", []string{"user"}, 0), "b")
	require.ErrorIs(t, err, domain.ErrPermissionDenied)
	code, _ := domain.CodeFrom(err)
	require.Equal(t, domain.CodePolicyDenied, code)
}

func TestEmergencyClear(t *testing.T) {
	holder := &snapshotHolder{}
	holder.set(1, "a")
	sink := &recordingSink{}
	cache := NewCache(Options{Snapshots: holder, Audit: sink, Logger: zap.NewNop()})
	_, err := cache.Get(context.Background(), domain.NewUserContext("alice", nil, 0))
	require.NoError(t, err)

	cache.EmergencyClear("credential leak")
	require.Equal(t, 0, cache.Len())
	require.Len(t, sink.events, 1)
	require.Equal(t, domain.SeverityCritical, sink.events[0].Severity)
	require.Equal(t, "credential leak", sink.events[0].Message)
}

func TestTTLExpiryRebuilds(t *testing.T) {
	holder := &snapshotHolder{}
	holder.set(1, "a")
	now := time.Unix(1000, 0)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	cache := NewCache(Options{Snapshots: holder, TTL: time.Minute, Now: clock})
	user := domain.NewUserContext("alice", nil, 0)

	first, err := cache.Get(context.Background(), user)
	require.NoError(t, err)
	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()
	second, err := cache.Get(context.Background(), user)
	require.NoError(t, err)
	require.NotSame(t, first, second)
	require.Equal(t, uint64(2), cache.Builds())
}

func TestConcurrentGetBuildsOnce(t *testing.T) {
	holder := &snapshotHolder{}
	holder.set(1, "a", "b", "c")
	cache := NewCache(Options{Snapshots: holder})
	user := domain.NewUserContext("alice", []string{"user"}, 0)

	var wg sync.WaitGroup
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cache.Get(context.Background(), user)
			require.NoError(t, err)
		}()
	}
	wg.Wait()
	require.LessOrEqual(t, cache.Builds(), uint64(2))
	require.Equal(t, 1, cache.Len())
}

func TestRunAppliesChanges(t *testing.T) {
	holder := &snapshotHolder{}
	holder.set(1, "a")
	cache := NewCache(Options{Snapshots: holder})
	_, err := cache.Get(context.Background(), domain.NewUserContext("alice", nil, 0))
	require.NoError(t, err)

	changes := make(chan domain.RegistryChange, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go cache.Run(ctx, changes)
	changes <- domain.RegistryChange{Version: 2, Removed: []string{"a"}}
	require.Eventually(t, func() bool { return cache.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestReloadPolicyKeepsActiveOnError(t *testing.T) {
	holder := &snapshotHolder{}
	holder.set(1, "a", "b")
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yamlPolicy), 0o600))

	cache := NewCache(Options{Snapshots: holder})
	require.NoError(t, cache.ReloadPolicy(path))
	alice := domain.NewUserContext("alice", []string{"user"}, 0)
	require.NoError(t, cache.Check(context.Background(), alice, "b"))

	active := cache.Policy()
	require.NoError(t, os.WriteFile(path, []byte("rules:\n  - tool: a\n    action: maybe\n"), 0o600))
	err := cache.ReloadPolicy(path)
	require.Error(t, err)
	code, _ := domain.CodeFrom(err)
	require.Equal(t, domain.CodeConfig, code)
	require.Same(t, active, cache.Policy())
}

func TestWatchPolicyReloadsOnWrite(t *testing.T) {
	holder := &snapshotHolder{}
	holder.set(1, "a", "b")
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yamlPolicy), 0o600))

	cache := NewCache(Options{Snapshots: holder, Policy: mustCompile(t, "yaml", yamlPolicy)})
	alice := domain.NewUserContext("alice", []string{"user"}, 0)
	require.NoError(t, cache.Check(context.Background(), alice, "b"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- cache.WatchPolicy(ctx, path, 10*time.Millisecond) }()

	// The watcher registers asynchronously, so keep rewriting until a reload lands.
	require.Eventually(t, func() bool {
		require.NoError(t, os.WriteFile(path, []byte("emergency_lockdown: true\n"), 0o600))
		return cache.Policy().Lockdown()
	}, 2*time.Second, 50*time.Millisecond)
	require.ErrorIs(t, cache.Check(context.Background(), alice, "b"), domain.ErrPermissionDenied)

	cancel()
	require.NoError(t, <-done)
}
