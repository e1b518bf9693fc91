package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"magictunnel/internal/domain"
	"magictunnel/internal/infra/aggregator"
	"magictunnel/internal/infra/capability"
)

const opsFile = `metadata:
  name: ops
tools:
  - name: deploy
    description: Deploy the service
    routing:
      type: echo
      config:
        response: "deployed {{service}}"
  - name: status
    description: Show status
    routing:
      type: echo
`

type fakeUpstream struct {
	mu    sync.Mutex
	tools map[string][]domain.Tool
}

func (f *fakeUpstream) AllTools() map[string][]domain.Tool {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string][]domain.Tool, len(f.tools))
	for id, tools := range f.tools {
		out[id] = append([]domain.Tool(nil), tools...)
	}
	return out
}

func (f *fakeUpstream) set(serverID string, tools ...domain.Tool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tools == nil {
		f.tools = map[string][]domain.Tool{}
	}
	f.tools[serverID] = tools
}

func writeCapability(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func newTestService(t *testing.T, root string, upstream UpstreamTools) *Service {
	t.Helper()
	return New(Options{
		Roots:    []string{root},
		Local:    capability.NewStore(zap.NewNop()),
		Upstream: upstream,
		Logger:   zap.NewNop(),
		Debounce: 20 * time.Millisecond,
	})
}

func TestReloadBuildsSnapshotAndDiff(t *testing.T) {
	dir := t.TempDir()
	writeCapability(t, dir, "ops.yaml", opsFile)
	upstream := &fakeUpstream{}
	upstream.set("srv1", domain.Tool{Name: "logs", Routing: domain.UpstreamRoute("srv1", "logs"), Enabled: true})
	svc := newTestService(t, dir, upstream)

	require.Equal(t, uint64(0), svc.Snapshot().Version)
	change, err := svc.Reload(context.Background(), domain.ReloadSourceInitial)
	require.NoError(t, err)
	want := domain.RegistryChange{
		Version: 1,
		Source:  domain.ReloadSourceInitial,
		Added:   []string{"deploy", "logs", "status"},
	}
	if diff := cmp.Diff(want, change); diff != "" {
		t.Fatalf("change mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, []string{"deploy", "logs", "status"}, svc.Names())
	src, ok := svc.Source("logs")
	require.True(t, ok)
	require.Equal(t, domain.UpstreamSource("srv1"), src)

	change, err = svc.Reload(context.Background(), domain.ReloadSourceManual)
	require.NoError(t, err)
	require.True(t, change.IsEmpty())
	require.Equal(t, uint64(1), svc.Snapshot().Version)

	upstream.set("srv1")
	change, err = svc.Reload(context.Background(), domain.ReloadSourceUpstream)
	require.NoError(t, err)
	require.Equal(t, []string{"logs"}, change.Removed)
	require.Equal(t, uint64(2), svc.Snapshot().Version)
}

func TestReloadFailureKeepsSnapshot(t *testing.T) {
	dir := t.TempDir()
	path := writeCapability(t, dir, "ops.yaml", opsFile)
	svc := newTestService(t, dir, nil)
	_, err := svc.Reload(context.Background(), domain.ReloadSourceInitial)
	require.NoError(t, err)
	before := svc.Snapshot()

	require.NoError(t, os.WriteFile(path, []byte("tools: [\n"), 0o644))
	_, err = svc.Reload(context.Background(), domain.ReloadSourceManual)
	require.Error(t, err)
	code, ok := domain.CodeFrom(err)
	require.True(t, ok)
	require.Equal(t, domain.CodeRegistry, code)
	require.Same(t, before, svc.Snapshot())
}

func TestReloadRejectConflictKeepsSnapshot(t *testing.T) {
	dir := t.TempDir()
	writeCapability(t, dir, "ops.yaml", opsFile)
	upstream := &fakeUpstream{}
	svc := New(Options{
		Roots:      []string{dir},
		Local:      capability.NewStore(zap.NewNop()),
		Upstream:   upstream,
		Aggregator: aggregator.New(aggregator.Config{Strategy: domain.ConflictReject}, zap.NewNop()),
		Logger:     zap.NewNop(),
	})
	_, err := svc.Reload(context.Background(), domain.ReloadSourceInitial)
	require.NoError(t, err)

	upstream.set("srv1", domain.Tool{Name: "deploy", Routing: domain.UpstreamRoute("srv1", "deploy"), Enabled: true})
	_, err = svc.Reload(context.Background(), domain.ReloadSourceUpstream)
	require.ErrorIs(t, err, domain.ErrDuplicateTool)
	src, ok := svc.Source("deploy")
	require.True(t, ok)
	require.Equal(t, domain.LocalSource(), src)
}

func TestDisableToolPublishesModification(t *testing.T) {
	dir := t.TempDir()
	path := writeCapability(t, dir, "ops.yaml", opsFile)
	store := capability.NewStore(zap.NewNop())
	svc := New(Options{Roots: []string{dir}, Local: store, Logger: zap.NewNop()})
	_, err := svc.Reload(context.Background(), domain.ReloadSourceInitial)
	require.NoError(t, err)
	held := svc.Snapshot()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes := svc.Subscribe(ctx)

	changed, err := store.SetToolEnabled(path, "deploy", false)
	require.NoError(t, err)
	require.True(t, changed)
	_, err = svc.Reload(context.Background(), domain.ReloadSourceManual)
	require.NoError(t, err)

	select {
	case change := <-changes:
		require.Equal(t, []string{"deploy"}, change.Modified)
		require.Empty(t, change.Added)
		require.Empty(t, change.Removed)
	case <-time.After(time.Second):
		t.Fatal("no change published")
	}
	tool, ok := svc.Tool("deploy")
	require.True(t, ok)
	require.False(t, tool.Enabled)

	old, ok := held.Get("deploy")
	require.True(t, ok)
	require.True(t, old.Enabled)
}

func TestSubscribeDropsOldest(t *testing.T) {
	dir := t.TempDir()
	svc := New(Options{
		Roots:            []string{dir},
		Local:            capability.NewStore(zap.NewNop()),
		Logger:           zap.NewNop(),
		SubscriberBuffer: 2,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes := svc.Subscribe(ctx)

	for i, name := range []string{"a.yaml", "b.yaml", "c.yaml"} {
		content := "tools:\n  - name: tool_" + string(rune('a'+i)) + "\n    routing:\n      type: echo\n"
		writeCapability(t, dir, name, content)
		_, err := svc.Reload(context.Background(), domain.ReloadSourceManual)
		require.NoError(t, err)
	}

	first := <-changes
	second := <-changes
	require.Equal(t, uint64(2), first.Version)
	require.Equal(t, uint64(3), second.Version)
}

func TestSubscribeClosesOnCancel(t *testing.T) {
	svc := New(Options{Logger: zap.NewNop()})
	ctx, cancel := context.WithCancel(context.Background())
	changes := svc.Subscribe(ctx)
	cancel()
	select {
	case _, ok := <-changes:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription not closed")
	}
}

func TestRunReloadsOnFileChange(t *testing.T) {
	dir := t.TempDir()
	writeCapability(t, dir, "ops.yaml", opsFile)
	svc := newTestService(t, dir, nil)
	_, err := svc.Reload(context.Background(), domain.ReloadSourceInitial)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = svc.Run(ctx, true, nil) }()

	require.Eventually(t, func() bool {
		writeCapability(t, dir, "extra.yml", "tools:\n  - name: extra\n    routing:\n      type: echo\n")
		_, ok := svc.Tool("extra")
		return ok
	}, 3*time.Second, 100*time.Millisecond)
}

func TestRunReloadsOnUpstreamEvent(t *testing.T) {
	dir := t.TempDir()
	upstream := &fakeUpstream{}
	svc := newTestService(t, dir, upstream)

	events := make(chan domain.SessionEvent, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = svc.Run(ctx, false, events) }()

	upstream.set("srv1", domain.Tool{Name: "logs", Routing: domain.UpstreamRoute("srv1", "logs"), Enabled: true})
	events <- domain.SessionEvent{ServerID: "srv1", From: domain.SessionInitializing, To: domain.SessionReady}

	require.Eventually(t, func() bool {
		_, ok := svc.Tool("logs")
		return ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConcurrentReadersSeeWholeSnapshots(t *testing.T) {
	dir := t.TempDir()
	writeCapability(t, dir, "ops.yaml", opsFile)
	upstream := &fakeUpstream{}
	names := []string{"logs", "metrics", "traces"}
	publish := func(gen int) {
		tools := make([]domain.Tool, 0, len(names))
		for _, name := range names {
			tools = append(tools, domain.Tool{
				Name:        name,
				Description: fmt.Sprintf("generation %d", gen),
				Routing:     domain.UpstreamRoute("srv1", name),
				Enabled:     true,
			})
		}
		upstream.set("srv1", tools...)
	}
	publish(0)
	svc := newTestService(t, dir, upstream)
	_, err := svc.Reload(context.Background(), domain.ReloadSourceInitial)
	require.NoError(t, err)

	var (
		stop     atomic.Bool
		wg       sync.WaitGroup
		mu       sync.Mutex
		problems []string
	)
	report := func(format string, args ...any) {
		mu.Lock()
		defer mu.Unlock()
		problems = append(problems, fmt.Sprintf(format, args...))
	}
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var lastVersion uint64
			for !stop.Load() {
				snap := svc.Snapshot()
				if snap.Version < lastVersion {
					report("version went back from %d to %d", lastVersion, snap.Version)
				}
				lastVersion = snap.Version
				if snap.Len() != len(names)+2 {
					report("snapshot %d has %d tools", snap.Version, snap.Len())
					continue
				}
				first, _ := snap.Get(names[0])
				for _, name := range names[1:] {
					tool, ok := snap.Get(name)
					if !ok || tool.Description != first.Description {
						report("snapshot %d mixes %q and %q", snap.Version, first.Description, tool.Description)
					}
				}
			}
		}()
	}

	for gen := 1; gen <= 50; gen++ {
		publish(gen)
		change, err := svc.Reload(context.Background(), domain.ReloadSourceUpstream)
		require.NoError(t, err)
		require.ElementsMatch(t, names, change.Modified)
	}
	stop.Store(true)
	wg.Wait()

	require.Empty(t, problems)
	require.Equal(t, uint64(51), svc.Snapshot().Version)
	tool, ok := svc.Tool("traces")
	require.True(t, ok)
	require.Equal(t, "generation 50", tool.Description)
}
