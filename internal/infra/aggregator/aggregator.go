package aggregator

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"magictunnel/internal/domain"
	"magictunnel/internal/infra/telemetry"
)

const (
	DefaultLocalPrefix       = "local"
	DefaultProxyPrefixFormat = "{server}"
	serverPlaceholder        = "{server}"
)

// Config selects the conflict strategy and prefix naming.
type Config struct {
	Strategy                domain.ConflictStrategy
	LocalPrefix             string
	ProxyPrefixFormat       string
	LogConflicts            bool
	IncludeConflictMetadata bool
}

// DefaultConfig returns local_first with metadata on renamed tools.
func DefaultConfig() Config {
	return Config{
		Strategy:                domain.ConflictLocalFirst,
		LocalPrefix:             DefaultLocalPrefix,
		ProxyPrefixFormat:       DefaultProxyPrefixFormat,
		IncludeConflictMetadata: true,
	}
}

// Validate checks that both prefixes yield valid tool names.
func (c Config) Validate() error {
	if _, err := domain.ParseConflictStrategy(string(c.Strategy)); err != nil {
		return err
	}
	if c.Strategy != domain.ConflictPrefix {
		return nil
	}
	if err := domain.ValidateToolName(qualify(c.localPrefix(), "x")); err != nil {
		return fmt.Errorf("local_prefix: %w", err)
	}
	if !strings.Contains(c.proxyFormat(), serverPlaceholder) {
		return fmt.Errorf("proxy_prefix_format %q must contain %s", c.ProxyPrefixFormat, serverPlaceholder)
	}
	return nil
}

func (c Config) localPrefix() string {
	if c.LocalPrefix == "" {
		return DefaultLocalPrefix
	}
	return c.LocalPrefix
}

func (c Config) proxyFormat() string {
	if c.ProxyPrefixFormat == "" {
		return DefaultProxyPrefixFormat
	}
	return c.ProxyPrefixFormat
}

// Input holds one aggregation round. Upstream tools are keyed by server id.
type Input struct {
	Local    []domain.Tool
	Upstream map[string][]domain.Tool
}

// Aggregator merges local and upstream tools under a conflict strategy.
type Aggregator struct {
	cfg    Config
	logger *zap.Logger
}

func New(cfg Config, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Strategy == "" {
		cfg.Strategy = domain.ConflictLocalFirst
	}
	return &Aggregator{cfg: cfg, logger: logger.Named("aggregator")}
}

type candidate struct {
	tool   domain.Tool
	source domain.Source
}

type group struct {
	name    string
	members []candidate
}

// Aggregate resolves name conflicts. Output follows first appearance: local tools in
// input order, then upstream servers by id with each server's tools in input order.
func (a *Aggregator) Aggregate(in Input) ([]domain.AggregatedEntry, error) {
	groups := groupByName(orderedCandidates(in))

	var (
		entries   []domain.AggregatedEntry
		conflicts []string
	)
	for _, g := range groups {
		if len(g.members) == 1 {
			entries = append(entries, plainEntry(g.members[0]))
			continue
		}
		switch a.cfg.Strategy {
		case domain.ConflictReject:
			conflicts = append(conflicts, describeConflict(g))
		case domain.ConflictPrefix:
			entries = append(entries, a.prefixGroup(g)...)
		default:
			kept := a.pick(g)
			entries = append(entries, plainEntry(kept))
			a.logResolution(g.name, kept.source, len(g.members)-1)
		}
	}
	if len(conflicts) > 0 {
		return nil, domain.E(domain.CodeRegistry, "aggregator.aggregate",
			"tool name conflicts: "+strings.Join(conflicts, "; "), domain.ErrDuplicateTool)
	}
	return a.dedupe(entries), nil
}

// Tools projects entries onto tools carrying their resolved names.
func Tools(entries []domain.AggregatedEntry) []domain.Tool {
	out := make([]domain.Tool, 0, len(entries))
	for _, entry := range entries {
		out = append(out, entry.Tool)
	}
	return out
}

func orderedCandidates(in Input) []candidate {
	out := make([]candidate, 0, len(in.Local))
	for _, tool := range in.Local {
		out = append(out, candidate{tool: tool, source: domain.LocalSource()})
	}
	servers := make([]string, 0, len(in.Upstream))
	for id := range in.Upstream {
		servers = append(servers, id)
	}
	sort.Strings(servers)
	for _, id := range servers {
		for _, tool := range in.Upstream[id] {
			out = append(out, candidate{tool: tool, source: domain.UpstreamSource(id)})
		}
	}
	return out
}

func groupByName(candidates []candidate) []group {
	index := make(map[string]int, len(candidates))
	var groups []group
	for _, c := range candidates {
		pos, ok := index[c.tool.Name]
		if !ok {
			index[c.tool.Name] = len(groups)
			groups = append(groups, group{name: c.tool.Name, members: []candidate{c}})
			continue
		}
		groups[pos].members = append(groups[pos].members, c)
	}
	return groups
}

func (a *Aggregator) pick(g group) candidate {
	var preferred domain.SourceKind
	switch a.cfg.Strategy {
	case domain.ConflictLocalFirst:
		preferred = domain.SourceLocal
	case domain.ConflictRemoteFirst:
		preferred = domain.SourceUpstream
	default:
		return g.members[0]
	}
	for _, member := range g.members {
		if member.source.Kind == preferred {
			return member
		}
	}
	return g.members[0]
}

func (a *Aggregator) prefixGroup(g group) []domain.AggregatedEntry {
	out := make([]domain.AggregatedEntry, 0, len(g.members))
	for _, member := range g.members {
		resolved := qualify(a.prefixFor(member.source), g.name)
		tool := member.tool.Clone()
		tool.Name = resolved
		if a.cfg.IncludeConflictMetadata {
			tool = tool.WithAnnotation(domain.AnnotationConflictResolved, "true").
				WithAnnotation(domain.AnnotationOriginalName, g.name)
		}
		out = append(out, domain.AggregatedEntry{
			ResolvedName:     resolved,
			Tool:             tool,
			Source:           member.source,
			ConflictResolved: true,
			OriginalName:     g.name,
		})
	}
	a.logResolution(g.name, domain.Source{}, 0)
	return out
}

func (a *Aggregator) prefixFor(source domain.Source) string {
	if source.Kind == domain.SourceLocal {
		return a.cfg.localPrefix()
	}
	return strings.ReplaceAll(a.cfg.proxyFormat(), serverPlaceholder, source.ServerID)
}

// dedupe drops entries whose resolved name was already taken or is not a valid tool name.
func (a *Aggregator) dedupe(entries []domain.AggregatedEntry) []domain.AggregatedEntry {
	seen := make(map[string]domain.Source, len(entries))
	out := entries[:0]
	for _, entry := range entries {
		if err := domain.ValidateToolName(entry.ResolvedName); err != nil {
			a.logger.Warn("drop tool with invalid resolved name",
				telemetry.ToolField(entry.ResolvedName),
				telemetry.SourceField(entry.Source.String()),
				zap.Error(err),
			)
			continue
		}
		if first, taken := seen[entry.ResolvedName]; taken {
			a.logger.Warn("drop tool shadowed by resolved name",
				telemetry.ToolField(entry.ResolvedName),
				telemetry.SourceField(entry.Source.String()),
				zap.String("kept_source", first.String()),
			)
			continue
		}
		seen[entry.ResolvedName] = entry.Source
		out = append(out, entry)
	}
	return out
}

func (a *Aggregator) logResolution(name string, kept domain.Source, dropped int) {
	if !a.cfg.LogConflicts {
		return
	}
	fields := []zap.Field{
		telemetry.EventField(telemetry.EventConflictResolved),
		telemetry.ToolField(name),
		zap.String("strategy", string(a.cfg.Strategy)),
	}
	if kept.Kind != "" {
		fields = append(fields, telemetry.SourceField(kept.String()), zap.Int("dropped", dropped))
	}
	a.logger.Info("tool name conflict resolved", fields...)
}

func plainEntry(c candidate) domain.AggregatedEntry {
	return domain.AggregatedEntry{
		ResolvedName: c.tool.Name,
		Tool:         c.tool,
		Source:       c.source,
	}
}

func describeConflict(g group) string {
	sources := make([]string, 0, len(g.members))
	for _, member := range g.members {
		sources = append(sources, member.source.String())
	}
	return fmt.Sprintf("%s (%s)", g.name, strings.Join(sources, ", "))
}

func qualify(prefix, name string) string {
	return prefix + ":" + name
}
