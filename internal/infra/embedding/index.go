package embedding

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	einoembed "github.com/cloudwego/eino/components/embedding"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"magictunnel/internal/domain"
	"magictunnel/internal/infra/hashutil"
	"magictunnel/internal/infra/telemetry"
)

const (
	defaultBatchSize  = 32
	defaultWorkers    = 4
	defaultRetryAfter = 30 * time.Second
	recoveryText      = "health"
)

// Options configures the index.
type Options struct {
	Embedder einoembed.Embedder
	// Model tags records so a model change forces re-embedding.
	Model string
	// StoragePath is the bbolt file; empty keeps the index in memory.
	StoragePath string
	BatchSize   int
	Workers     int
	// RetryAfter is how long a failed provider is skipped before it is tried again.
	RetryAfter time.Duration
	Logger     *zap.Logger
	Now         func() time.Time
}

// Hit is one search result.
type Hit struct {
	ToolName   string
	Similarity float64
}

// SyncStats summarizes one Sync.
type SyncStats struct {
	Embedded int
	Updated  int
	Removed  int
	Failed   int
}

// Index keeps tool embeddings in sync with registry snapshots.
type Index struct {
	embedder  einoembed.Embedder
	model     string
	store     *store
	batchSize  int
	workers    int
	retryAfter time.Duration
	logger     *zap.Logger
	now        func() time.Time

	writeMu sync.Mutex
	records atomic.Pointer[map[string]Record]
	// failedAt is the UnixNano of the last provider failure; zero means healthy.
	failedAt atomic.Int64
}

// Open loads persisted records and returns a ready index.
func Open(opts Options) (*Index, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	idx := &Index{
		embedder:  opts.Embedder,
		model:     opts.Model,
		batchSize:  opts.BatchSize,
		workers:    opts.Workers,
		retryAfter: opts.RetryAfter,
		logger:     logger.Named("embedding"),
		now:        now,
	}
	if idx.batchSize <= 0 {
		idx.batchSize = defaultBatchSize
	}
	if idx.workers <= 0 {
		idx.workers = defaultWorkers
	}
	if idx.retryAfter <= 0 {
		idx.retryAfter = defaultRetryAfter
	}
	records := map[string]Record{}
	if opts.StoragePath != "" {
		st, err := openStore(opts.StoragePath)
		if err != nil {
			return nil, domain.E(domain.CodeConfig, "embedding.open", err.Error(), err)
		}
		loaded, err := st.loadAll()
		if err != nil {
			_ = st.close()
			return nil, domain.E(domain.CodeInternal, "embedding.open", err.Error(), err)
		}
		hashes, err := st.hashes()
		if err != nil {
			_ = st.close()
			return nil, domain.E(domain.CodeInternal, "embedding.open", err.Error(), err)
		}
		for name, record := range loaded {
			// A record without a matching hash entry is re-embedded on the next sync.
			if hashes[name] == record.ContentHash {
				records[name] = record
			}
		}
		idx.store = st
	}
	idx.records.Store(&records)
	return idx, nil
}

// Close releases the backing store.
func (i *Index) Close() error {
	i.writeMu.Lock()
	defer i.writeMu.Unlock()
	if i.store == nil {
		return nil
	}
	err := i.store.close()
	i.store = nil
	return err
}

// Available reports whether the provider should be asked. A failed provider
// is skipped for RetryAfter, then tried again.
func (i *Index) Available() bool {
	if i.embedder == nil {
		return false
	}
	failed := i.failedAt.Load()
	return failed == 0 || i.now().Sub(time.Unix(0, failed)) >= i.retryAfter
}

func (i *Index) markFailed() {
	i.failedAt.Store(i.now().UnixNano())
}

func (i *Index) markHealthy() {
	if i.failedAt.Swap(0) != 0 {
		i.logger.Info("embedding provider recovered")
	}
}

// checkRecovery asks a provider marked failed for one vector, so a sync with nothing
// to embed still notices recovery.
func (i *Index) checkRecovery(ctx context.Context) {
	if i.embedder == nil || i.failedAt.Load() == 0 {
		return
	}
	vectors, err := i.embedder.EmbedStrings(ctx, []string{recoveryText})
	if err != nil || len(vectors) != 1 {
		i.markFailed()
		return
	}
	i.markHealthy()
}

// Len counts indexed tools.
func (i *Index) Len() int {
	return len(*i.records.Load())
}

// Record returns the stored record for name.
func (i *Index) Record(name string) (Record, bool) {
	record, ok := (*i.records.Load())[name]
	return record, ok
}

type pending struct {
	tool domain.Tool
	hash string
}

// Sync embeds new and changed tools, drops removed ones and refreshes flags.
// Only one Sync runs at a time; readers keep the previous map until it finishes.
func (i *Index) Sync(ctx context.Context, snapshot *domain.Snapshot) (SyncStats, error) {
	i.writeMu.Lock()
	defer i.writeMu.Unlock()

	current := *i.records.Load()
	next := make(map[string]Record, snapshot.Len())
	var (
		stats   SyncStats
		queue   []pending
		puts    []Record
		deletes []string
	)
	snapshot.Range(func(tool domain.Tool) bool {
		hash, err := hashutil.ContentHash(tool)
		if err != nil {
			i.logger.Warn("embedding content hash failed", telemetry.ToolField(tool.Name), zap.Error(err))
			stats.Failed++
			return true
		}
		existing, ok := current[tool.Name]
		if ok && existing.ContentHash == hash && existing.Model == i.model {
			if existing.Enabled != tool.Enabled || existing.Hidden != tool.Hidden {
				existing.Enabled = tool.Enabled
				existing.Hidden = tool.Hidden
				existing.LastUpdated = i.now()
				puts = append(puts, existing)
				stats.Updated++
			}
			next[tool.Name] = existing
			return true
		}
		if ok {
			// Stale vectors keep serving until the new one lands.
			existing.Enabled = tool.Enabled
			existing.Hidden = tool.Hidden
			next[tool.Name] = existing
		}
		queue = append(queue, pending{tool: tool, hash: hash})
		return true
	})
	for name := range current {
		if !snapshot.Has(name) {
			deletes = append(deletes, name)
			stats.Removed++
		}
	}
	sort.Strings(deletes)

	embedded, err := i.embedQueue(ctx, queue)
	for _, record := range embedded {
		next[record.ToolName] = record
		puts = append(puts, record)
	}
	stats.Embedded = len(embedded)
	stats.Failed += len(queue) - len(embedded)

	if i.store != nil {
		if storeErr := i.store.apply(puts, deletes); storeErr != nil {
			i.logger.Error("embedding persist failed", zap.Error(storeErr))
			err = errors.Join(err, domain.E(domain.CodeInternal, "embedding.sync", storeErr.Error(), storeErr))
		}
	}
	i.records.Store(&next)
	i.logger.Info("embeddings synced",
		telemetry.EventField(telemetry.EventEmbeddingSync),
		telemetry.VersionField(snapshot.Version),
		zap.Int("embedded", stats.Embedded),
		zap.Int("updated", stats.Updated),
		zap.Int("removed", stats.Removed),
		zap.Int("failed", stats.Failed),
	)
	return stats, err
}

// embedQueue embeds in batches on a bounded worker group. Failed batches are skipped.
func (i *Index) embedQueue(ctx context.Context, queue []pending) ([]Record, error) {
	if len(queue) == 0 {
		i.checkRecovery(ctx)
		return nil, nil
	}
	if i.embedder == nil {
		return nil, domain.E(domain.CodeUnavailable, "embedding.sync", "no embedding provider configured", nil)
	}
	batches := make([][]pending, 0, len(queue)/i.batchSize+1)
	for start := 0; start < len(queue); start += i.batchSize {
		end := min(start+i.batchSize, len(queue))
		batches = append(batches, queue[start:end])
	}
	results := make([][]Record, len(batches))
	errs := make([]error, len(batches))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(i.workers)
	for b, batch := range batches {
		group.Go(func() error {
			texts := make([]string, len(batch))
			for j, item := range batch {
				texts[j] = Text(item.tool)
			}
			vectors, err := i.embedder.EmbedStrings(groupCtx, texts)
			if err == nil && len(vectors) != len(batch) {
				err = errors.New("embedder returned a mismatched vector count")
			}
			if err != nil {
				errs[b] = err
				return nil
			}
			now := i.now()
			out := make([]Record, len(batch))
			for j, item := range batch {
				out[j] = Record{
					ToolName:    item.tool.Name,
					Vector:      normalize(vectors[j]),
					ContentHash: item.hash,
					Model:       i.model,
					Enabled:     item.tool.Enabled,
					Hidden:      item.tool.Hidden,
					LastUpdated: now,
				}
			}
			results[b] = out
			return nil
		})
	}
	_ = group.Wait()

	var out []Record
	for _, batch := range results {
		out = append(out, batch...)
	}
	if err := errors.Join(errs...); err != nil {
		i.markFailed()
		i.logger.Warn("embedding provider failed; serving cached vectors", zap.Error(err))
		return out, domain.Retryable(domain.CodeUnavailable, "embedding.sync", "embedding provider failed", err, true)
	}
	i.markHealthy()
	return out, nil
}

// EmbedQuery embeds free text into a unit vector.
func (i *Index) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if i.embedder == nil {
		return nil, domain.E(domain.CodeUnavailable, "embedding.query", "no embedding provider configured", nil)
	}
	vectors, err := i.embedder.EmbedStrings(ctx, []string{text})
	if err != nil || len(vectors) != 1 {
		if err == nil {
			err = errors.New("embedder returned no vector")
		}
		i.markFailed()
		return nil, domain.Retryable(domain.CodeUnavailable, "embedding.query", "embedding provider failed", err, true)
	}
	i.markHealthy()
	return normalize(vectors[0]), nil
}

// Search returns the top k enabled, visible tools by cosine similarity at or
// above threshold. A nil allowed set permits every tool.
func (i *Index) Search(vector []float32, k int, threshold float64, allowed map[string]struct{}) []Hit {
	if k <= 0 {
		return nil
	}
	records := *i.records.Load()
	hits := make([]Hit, 0, min(k, len(records)))
	for name, record := range records {
		if !record.Enabled || record.Hidden {
			continue
		}
		if allowed != nil {
			if _, ok := allowed[name]; !ok {
				continue
			}
		}
		similarity := domain.ClampConfidence(dot(vector, record.Vector))
		if similarity < threshold {
			continue
		}
		hits = append(hits, Hit{ToolName: name, Similarity: similarity})
	}
	sort.Slice(hits, func(a, b int) bool {
		if hits[a].Similarity != hits[b].Similarity {
			return hits[a].Similarity > hits[b].Similarity
		}
		return hits[a].ToolName < hits[b].ToolName
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}

// Run syncs on every registry change until ctx ends. It is the index's single writer.
func (i *Index) Run(ctx context.Context, snapshots func() *domain.Snapshot, changes <-chan domain.RegistryChange) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-changes:
			if !ok {
				return
			}
			if _, err := i.Sync(ctx, snapshots()); err != nil {
				i.logger.Warn("embedding sync incomplete", zap.Error(err))
			}
		}
	}
}
