// Package metrics aggregates per-tool execution statistics.
package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"magictunnel/internal/domain"
	"magictunnel/internal/infra/fsutil"
	"magictunnel/internal/infra/telemetry"
)

const (
	DefaultWindowSize      = 1000
	DefaultPersistInterval = 5 * time.Minute
	snapshotVersion        = 1
)

type Options struct {
	WindowSize      int
	StoragePath     string
	PersistInterval time.Duration
	Prometheus      *telemetry.PrometheusMetrics
	Logger          *zap.Logger
}

// Collector implements domain.ExecutionRecorder.
type Collector struct {
	window   int
	path     string
	interval time.Duration
	prom     *telemetry.PrometheusMetrics
	logger   *zap.Logger

	mu    sync.Mutex
	tools map[string]*toolStats
	dirty bool
}

var _ domain.ExecutionRecorder = (*Collector)(nil)

func NewCollector(opts Options) *Collector {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	window := opts.WindowSize
	if window <= 0 {
		window = DefaultWindowSize
	}
	interval := opts.PersistInterval
	if interval <= 0 {
		interval = DefaultPersistInterval
	}
	return &Collector{
		window:   window,
		path:     opts.StoragePath,
		interval: interval,
		prom:     opts.Prometheus,
		logger:   logger.Named("metrics"),
		tools:    make(map[string]*toolStats),
	}
}

func (c *Collector) Record(record domain.ExecutionRecord) {
	if record.ToolName == "" {
		return
	}
	c.mu.Lock()
	stats, ok := c.tools[record.ToolName]
	if !ok {
		stats = newToolStats()
		c.tools[record.ToolName] = stats
	}
	stats.add(record, c.window)
	c.dirty = true
	c.mu.Unlock()

	c.prom.ObserveToolCall(record.ToolName, string(record.Result.Kind), record.Duration)
	if d := record.Discovery; d != nil && d.Method != "" {
		c.prom.ObserveDiscovery(d.Method, d.Confidence)
	}
}

// Tool returns the summary for one tool.
func (c *Collector) Tool(name string) (ToolSummary, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	stats, ok := c.tools[name]
	if !ok {
		return ToolSummary{}, false
	}
	return stats.summary(name), true
}

// Summaries lists every tool, busiest first.
func (c *Collector) Summaries() []ToolSummary {
	c.mu.Lock()
	out := make([]ToolSummary, 0, len(c.tools))
	for name, stats := range c.tools {
		out = append(out, stats.summary(name))
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Total != out[j].Total {
			return out[i].Total > out[j].Total
		}
		return out[i].Name < out[j].Name
	})
	return out
}

type snapshot struct {
	Version int                   `json:"version"`
	SavedAt time.Time             `json:"saved_at"`
	Tools   map[string]*toolStats `json:"tools"`
}

// Load restores a persisted snapshot. A missing file is not an error.
func (c *Collector) Load() error {
	if c.path == "" {
		return nil
	}
	compressed, err := os.ReadFile(c.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read metrics snapshot: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return err
	}
	defer decoder.Close()
	raw, err := decoder.DecodeAll(compressed, nil)
	if err != nil {
		return fmt.Errorf("decompress metrics snapshot: %w", err)
	}
	var snap snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return fmt.Errorf("decode metrics snapshot: %w", err)
	}
	if snap.Version != snapshotVersion {
		return fmt.Errorf("unsupported metrics snapshot version %d", snap.Version)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, stats := range snap.Tools {
		if stats == nil {
			continue
		}
		stats.trim(c.window)
		c.tools[name] = stats
	}
	return nil
}

// Persist writes the current state when it changed since the last write.
func (c *Collector) Persist() error {
	if c.path == "" {
		return nil
	}
	c.mu.Lock()
	if !c.dirty {
		c.mu.Unlock()
		return nil
	}
	raw, err := json.Marshal(snapshot{Version: snapshotVersion, SavedAt: time.Now().UTC(), Tools: c.tools})
	c.dirty = false
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("encode metrics snapshot: %w", err)
	}
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	defer encoder.Close()
	if err := fsutil.WriteFileAtomic(c.path, encoder.EncodeAll(raw, nil)); err != nil {
		c.markDirty()
		return fmt.Errorf("write metrics snapshot: %w", err)
	}
	return nil
}

func (c *Collector) markDirty() {
	c.mu.Lock()
	c.dirty = true
	c.mu.Unlock()
}

// Run persists on an interval and once more when ctx ends.
func (c *Collector) Run(ctx context.Context) {
	if c.path == "" {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.persistAndLog()
			return
		case <-ticker.C:
			c.persistAndLog()
		}
	}
}

func (c *Collector) persistAndLog() {
	start := time.Now()
	if err := c.Persist(); err != nil {
		c.logger.Warn("metrics persist failed", telemetry.EventField(telemetry.EventMetricsPersist), zap.Error(err))
		return
	}
	c.logger.Debug("metrics persisted", telemetry.EventField(telemetry.EventMetricsPersist), telemetry.DurationField(time.Since(start)))
}
