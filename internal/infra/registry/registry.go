package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"magictunnel/internal/domain"
	"magictunnel/internal/infra/aggregator"
	"magictunnel/internal/infra/telemetry"
)

const defaultSubscriberBuffer = 16

// LocalLoader loads tools from capability files.
type LocalLoader interface {
	LoadAll(roots []string) ([]domain.Tool, error)
}

// UpstreamTools reports the cached tools of usable upstream sessions.
type UpstreamTools interface {
	AllTools() map[string][]domain.Tool
}

// Options configures the registry service.
type Options struct {
	Roots            []string
	Local            LocalLoader
	Upstream         UpstreamTools
	Aggregator       *aggregator.Aggregator
	Logger           *zap.Logger
	SubscriberBuffer int
	Debounce         time.Duration
	Now              func() time.Time
}

type state struct {
	snapshot *domain.Snapshot
	sources  map[string]domain.Source
}

// Service owns the authoritative tool catalog.
type Service struct {
	roots      []string
	local      LocalLoader
	upstream   UpstreamTools
	aggregator *aggregator.Aggregator
	logger     *zap.Logger
	buffer     int
	debounce   time.Duration
	now        func() time.Time

	current  atomic.Pointer[state]
	reloadMu sync.Mutex

	subsMu sync.Mutex
	subs   map[chan domain.RegistryChange]struct{}
}

func New(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	agg := opts.Aggregator
	if agg == nil {
		agg = aggregator.New(aggregator.DefaultConfig(), logger)
	}
	buffer := opts.SubscriberBuffer
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = defaultReloadDebounce
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	s := &Service{
		roots:      append([]string(nil), opts.Roots...),
		local:      opts.Local,
		upstream:   opts.Upstream,
		aggregator: agg,
		logger:     logger.Named("registry"),
		buffer:     buffer,
		debounce:   debounce,
		now:        now,
		subs:       make(map[chan domain.RegistryChange]struct{}),
	}
	s.current.Store(&state{snapshot: domain.EmptySnapshot(), sources: map[string]domain.Source{}})
	return s
}

// Snapshot returns the current snapshot. It is never nil.
func (s *Service) Snapshot() *domain.Snapshot {
	return s.current.Load().snapshot
}

func (s *Service) Tool(name string) (domain.Tool, bool) {
	return s.Snapshot().Get(name)
}

// Names returns the sorted tool names of the current snapshot.
func (s *Service) Names() []string {
	return s.Snapshot().Names()
}

// Source reports where a tool of the current snapshot came from.
func (s *Service) Source(name string) (domain.Source, bool) {
	src, ok := s.current.Load().sources[name]
	return src, ok
}

// Reload rebuilds the catalog. A failure keeps the previous snapshot.
// An empty diff publishes nothing and keeps the version.
func (s *Service) Reload(ctx context.Context, source domain.ReloadSource) (domain.RegistryChange, error) {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	started := s.now()
	if err := ctx.Err(); err != nil {
		return domain.RegistryChange{}, domain.Wrap(domain.CodeCancelled, "registry.reload", err)
	}

	entries, err := s.collect()
	if err != nil {
		wrapped := domain.Wrap(domain.CodeRegistry, "registry.reload", err)
		s.logger.Warn("registry reload failed",
			telemetry.EventField(telemetry.EventReloadFailure),
			zap.String("source", string(source)),
			zap.Error(wrapped),
		)
		return domain.RegistryChange{}, wrapped
	}

	prev := s.current.Load()
	tools := aggregator.Tools(entries)
	next := domain.NewSnapshot(prev.snapshot.Version+1, s.now(), tools)
	change := domain.DiffSnapshots(prev.snapshot, next)
	change.Source = source
	if change.IsEmpty() {
		s.logger.Debug("registry unchanged", zap.String("source", string(source)))
		change.Version = prev.snapshot.Version
		return change, nil
	}

	sources := make(map[string]domain.Source, len(entries))
	for _, entry := range entries {
		sources[entry.ResolvedName] = entry.Source
	}
	s.current.Store(&state{snapshot: next, sources: sources})
	s.logger.Info("registry reloaded",
		telemetry.EventField(telemetry.EventReloadSuccess),
		telemetry.VersionField(next.Version),
		zap.String("source", string(source)),
		zap.Int("tools", next.Len()),
		zap.Int("added", len(change.Added)),
		zap.Int("removed", len(change.Removed)),
		zap.Int("modified", len(change.Modified)),
		telemetry.DurationField(s.now().Sub(started)),
	)
	s.broadcast(change)
	return change, nil
}

func (s *Service) collect() ([]domain.AggregatedEntry, error) {
	var in aggregator.Input
	if s.local != nil {
		local, err := s.local.LoadAll(s.roots)
		if err != nil {
			return nil, err
		}
		in.Local = local
	}
	if s.upstream != nil {
		in.Upstream = s.upstream.AllTools()
	}
	return s.aggregator.Aggregate(in)
}

// Subscribe delivers published changes until ctx ends. A slow subscriber loses its oldest change.
func (s *Service) Subscribe(ctx context.Context) <-chan domain.RegistryChange {
	ch := make(chan domain.RegistryChange, s.buffer)
	s.subsMu.Lock()
	s.subs[ch] = struct{}{}
	s.subsMu.Unlock()

	go func() {
		<-ctx.Done()
		s.subsMu.Lock()
		delete(s.subs, ch)
		close(ch)
		s.subsMu.Unlock()
	}()
	return ch
}

func (s *Service) broadcast(change domain.RegistryChange) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- change:
			continue
		default:
		}
		select {
		case <-ch:
			s.logger.Warn("registry subscriber lagging; dropped oldest change")
		default:
		}
		select {
		case ch <- change:
		default:
		}
	}
}
