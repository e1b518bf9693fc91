package embedding

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	einoembed "github.com/cloudwego/eino/components/embedding"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"magictunnel/internal/domain"
)

type countingEmbedder struct {
	inner *HashEmbedder
	mu    sync.Mutex
	texts int
	fail  bool
}

func (c *countingEmbedder) EmbedStrings(ctx context.Context, texts []string, opts ...einoembed.Option) ([][]float64, error) {
	c.mu.Lock()
	fail := c.fail
	c.texts += len(texts)
	c.mu.Unlock()
	if fail {
		return nil, errors.New("provider down")
	}
	return c.inner.EmbedStrings(ctx, texts, opts...)
}

func (c *countingEmbedder) setFail(fail bool) {
	c.mu.Lock()
	c.fail = fail
	c.mu.Unlock()
}

func (c *countingEmbedder) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.texts
}

func tool(name, description string) domain.Tool {
	return domain.Tool{Name: name, Description: description, Enabled: true, Routing: domain.Routing{Kind: domain.RoutingEcho}}
}

func snapshot(version uint64, tools ...domain.Tool) *domain.Snapshot {
	return domain.NewSnapshot(version, time.Now(), tools)
}

func openIndex(t *testing.T, path string, embedder einoembed.Embedder) *Index {
	t.Helper()
	idx, err := Open(Options{Embedder: embedder, Model: "hash", StoragePath: path, BatchSize: 2, Logger: zap.NewNop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func TestHashEmbedderIsDeterministic(t *testing.T) {
	e := NewHashEmbedder(64)
	first, err := e.EmbedStrings(context.Background(), []string{"read a file"})
	require.NoError(t, err)
	second, err := e.EmbedStrings(context.Background(), []string{"read a file"})
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Len(t, first[0], 64)
}

func TestSyncPersistsAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "embeddings.db")
	embedder := &countingEmbedder{inner: NewHashEmbedder(128)}
	idx, err := Open(Options{Embedder: embedder, Model: "hash", StoragePath: path, BatchSize: 2, Logger: zap.NewNop()})
	require.NoError(t, err)

	snap := snapshot(1, tool("read_file", "Read a file"), tool("write_file", "Write a file"), tool("ping_host", "Ping a host"))
	stats, err := idx.Sync(context.Background(), snap)
	require.NoError(t, err)
	require.Equal(t, SyncStats{Embedded: 3}, stats)
	require.Equal(t, 3, embedder.count())
	require.True(t, idx.Available())
	require.NoError(t, idx.Close())

	reopened := openIndex(t, path, embedder)
	require.Equal(t, 3, reopened.Len())
	stats, err = reopened.Sync(context.Background(), snap)
	require.NoError(t, err)
	require.Equal(t, SyncStats{}, stats)
	require.Equal(t, 3, embedder.count(), "unchanged tools are not re-embedded")
}

func TestSyncDiff(t *testing.T) {
	embedder := &countingEmbedder{inner: NewHashEmbedder(128)}
	idx := openIndex(t, filepath.Join(t.TempDir(), "e.db"), embedder)
	_, err := idx.Sync(context.Background(), snapshot(1, tool("a", "alpha"), tool("b", "beta")))
	require.NoError(t, err)

	hidden := tool("b", "beta")
	hidden.Hidden = true
	stats, err := idx.Sync(context.Background(), snapshot(2, tool("a", "alpha changed"), hidden, tool("c", "gamma")))
	require.NoError(t, err)
	require.Equal(t, SyncStats{Embedded: 2, Updated: 1}, stats)
	record, ok := idx.Record("b")
	require.True(t, ok)
	require.True(t, record.Hidden)

	stats, err = idx.Sync(context.Background(), snapshot(3, tool("c", "gamma")))
	require.NoError(t, err)
	require.Equal(t, 2, stats.Removed)
	require.Equal(t, 1, idx.Len())
}

func TestProviderFailureServesCachedVectors(t *testing.T) {
	embedder := &countingEmbedder{inner: NewHashEmbedder(128)}
	idx := openIndex(t, "", embedder)
	_, err := idx.Sync(context.Background(), snapshot(1, tool("read_file", "Read a file")))
	require.NoError(t, err)
	before, _ := idx.Record("read_file")

	embedder.setFail(true)
	stats, err := idx.Sync(context.Background(), snapshot(2, tool("read_file", "Read a file from disk"), tool("new_tool", "New")))
	require.Error(t, err)
	require.True(t, domain.IsRetryable(err))
	require.Equal(t, 2, stats.Failed)
	require.False(t, idx.Available())

	after, ok := idx.Record("read_file")
	require.True(t, ok)
	require.Equal(t, before.Vector, after.Vector)
	_, ok = idx.Record("new_tool")
	require.False(t, ok)

	_, err = idx.EmbedQuery(context.Background(), "read")
	code, _ := domain.CodeFrom(err)
	require.Equal(t, domain.CodeUnavailable, code)

	embedder.setFail(false)
	stats, err = idx.Sync(context.Background(), snapshot(3, tool("read_file", "Read a file from disk"), tool("new_tool", "New")))
	require.NoError(t, err)
	require.Equal(t, 2, stats.Embedded)
	require.True(t, idx.Available())
}

func TestSearchRanksAndFilters(t *testing.T) {
	idx := openIndex(t, "", NewHashEmbedder(256))
	disabled := tool("read_archive", "Read an archive file")
	disabled.Enabled = false
	_, err := idx.Sync(context.Background(), snapshot(1,
		tool("read_file", "Read a file from disk"),
		tool("send_email", "Send an email message"),
		tool("http_request", "Make an HTTP request"),
		disabled,
	))
	require.NoError(t, err)

	query, err := idx.EmbedQuery(context.Background(), "read file")
	require.NoError(t, err)
	hits := idx.Search(query, 2, 0, nil)
	require.NotEmpty(t, hits)
	require.Equal(t, "read_file", hits[0].ToolName)
	for _, hit := range hits {
		require.NotEqual(t, "read_archive", hit.ToolName)
		require.GreaterOrEqual(t, hit.Similarity, 0.0)
		require.LessOrEqual(t, hit.Similarity, 1.0)
	}

	hits = idx.Search(query, 5, 0, map[string]struct{}{"send_email": {}})
	for _, hit := range hits {
		require.Equal(t, "send_email", hit.ToolName)
	}
	require.Empty(t, idx.Search(query, 0, 0, nil))
}

func TestNewEmbedder(t *testing.T) {
	e, err := NewEmbedder(ProviderConfig{})
	require.NoError(t, err)
	require.IsType(t, &HashEmbedder{}, e)

	_, err = NewEmbedder(ProviderConfig{Provider: "openai", APIKeyEnv: "MAGICTUNNEL_TEST_UNSET_KEY"})
	code, _ := domain.CodeFrom(err)
	require.Equal(t, domain.CodeConfig, code)

	_, err = NewEmbedder(ProviderConfig{Provider: "word2vec"})
	require.Error(t, err)
}

func TestUnchangedSyncNoticesProviderRecovery(t *testing.T) {
	embedder := &countingEmbedder{inner: NewHashEmbedder(128)}
	idx := openIndex(t, "", embedder)
	snap := snapshot(1, tool("read_file", "Read a file"))
	_, err := idx.Sync(context.Background(), snap)
	require.NoError(t, err)

	embedder.setFail(true)
	_, err = idx.EmbedQuery(context.Background(), "read")
	require.Error(t, err)
	require.False(t, idx.Available())

	embedder.setFail(false)
	stats, err := idx.Sync(context.Background(), snap)
	require.NoError(t, err)
	require.Equal(t, SyncStats{}, stats)
	require.True(t, idx.Available())
}

func TestFailedProviderRetriedAfterCooldown(t *testing.T) {
	now := time.Unix(1000, 0)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	embedder := &countingEmbedder{inner: NewHashEmbedder(128), fail: true}
	idx, err := Open(Options{Embedder: embedder, Model: "hash", RetryAfter: time.Minute, Logger: zap.NewNop(), Now: clock})
	require.NoError(t, err)
	require.True(t, idx.Available())

	_, err = idx.EmbedQuery(context.Background(), "read")
	require.Error(t, err)
	require.False(t, idx.Available())

	embedder.setFail(false)
	mu.Lock()
	now = now.Add(30 * time.Second)
	mu.Unlock()
	require.False(t, idx.Available(), "still cooling down")

	mu.Lock()
	now = now.Add(time.Minute)
	mu.Unlock()
	require.True(t, idx.Available())
	_, err = idx.EmbedQuery(context.Background(), "read")
	require.NoError(t, err)
	require.True(t, idx.Available())
}
