package view

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"magictunnel/internal/domain"
	"magictunnel/internal/infra/permission"
	"magictunnel/internal/infra/telemetry"
)

const (
	defaultBudget = 100 * time.Millisecond
	checkEvery    = 64
)

// SortOrder selects the ordering of listed tools.
type SortOrder string

const (
	SortByName      SortOrder = "name"
	SortByRelevance SortOrder = "relevance"
)

// Scorer rates a tool against a query; higher is more relevant.
type Scorer func(query string, tool domain.Tool) float64

// ListOptions narrows a listing.
type ListOptions struct {
	IncludeHidden   bool
	IncludeDisabled bool
	Sort            SortOrder
	Query           string
	Scorer          Scorer
	Limit           int
}

// AuditEntry records the decision for one tool.
type AuditEntry struct {
	Name    string `json:"name"`
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
}

// Metrics describes the cost of one listing.
type Metrics struct {
	ToolsPerSecond         float64       `json:"tools_per_second"`
	CompletedWithinTimeout bool          `json:"completed_within_timeout"`
	Elapsed                time.Duration `json:"elapsed"`
}

// Result is a permission-scoped listing.
type Result struct {
	Tools           []domain.Tool `json:"tools"`
	ExcludedCount   int           `json:"excluded_count"`
	AuditTrail      []AuditEntry  `json:"audit_trail,omitempty"`
	Metrics         Metrics       `json:"metrics"`
	SnapshotVersion uint64        `json:"snapshot_version"`
}

// Names returns the listed tool names in order.
func (r Result) Names() []string {
	out := make([]string, 0, len(r.Tools))
	for _, tool := range r.Tools {
		out = append(out, tool.Name)
	}
	return out
}

// Options configures the view.
type Options struct {
	Registry    permission.SnapshotSource
	Permissions *permission.Cache
	Budget      time.Duration
	AuditTrail  bool
	Logger      *zap.Logger
	Now         func() time.Time
}

// View serves permission-scoped list, search and get.
type View struct {
	registry    permission.SnapshotSource
	permissions *permission.Cache
	budget      time.Duration
	auditTrail  bool
	logger      *zap.Logger
	now         func() time.Time
}

func New(opts Options) *View {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	budget := opts.Budget
	if budget <= 0 {
		budget = defaultBudget
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &View{
		registry:    opts.Registry,
		permissions: opts.Permissions,
		budget:      budget,
		auditTrail:  opts.AuditTrail,
		logger:      logger.Named("view"),
		now:         now,
	}
}

// List returns the tools user may see. On budget overrun a non-empty partial
// result is returned with CompletedWithinTimeout false.
func (v *View) List(ctx context.Context, user domain.UserContext, opts ListOptions) (Result, error) {
	return v.scan(ctx, user, opts, nil)
}

// Search lists allowed tools matching query by substring or keyword, most hits first.
func (v *View) Search(ctx context.Context, user domain.UserContext, query string, opts ListOptions) (Result, error) {
	tokens := Keywords(query)
	needle := strings.ToLower(strings.TrimSpace(query))
	match := func(tool domain.Tool) bool {
		return keywordScore(needle, tokens, tool) > 0
	}
	if opts.Scorer == nil {
		opts.Scorer = func(_ string, tool domain.Tool) float64 {
			return keywordScore(needle, tokens, tool)
		}
	}
	opts.Query = query
	if opts.Sort == "" {
		opts.Sort = SortByRelevance
	}
	return v.scan(ctx, user, opts, match)
}

// Get returns one tool by name. Hidden tools are returned when allowed.
func (v *View) Get(ctx context.Context, user domain.UserContext, name string) (domain.Tool, error) {
	tool, ok := v.snapshot().Get(name)
	if !ok {
		return domain.Tool{}, domain.E(domain.CodeRegistry, "view.get", fmt.Sprintf("tool %q not found", name), domain.ErrToolNotFound)
	}
	if err := v.permissions.Check(ctx, user, name); err != nil {
		return domain.Tool{}, err
	}
	return tool, nil
}

func (v *View) snapshot() *domain.Snapshot {
	if v.registry == nil {
		return domain.EmptySnapshot()
	}
	if snapshot := v.registry.Snapshot(); snapshot != nil {
		return snapshot
	}
	return domain.EmptySnapshot()
}

func (v *View) scan(ctx context.Context, user domain.UserContext, opts ListOptions, match func(domain.Tool) bool) (Result, error) {
	started := v.now()
	deadline := started.Add(v.budget)
	snapshot := v.snapshot()

	entry, err := v.permissions.Get(ctx, user)
	if err != nil {
		return Result{}, err
	}

	result := Result{
		Tools:           make([]domain.Tool, 0, len(entry.Allowed)),
		SnapshotVersion: snapshot.Version,
	}
	completed := true
	scanned := 0
	audit := func(name string, allowed bool, reason string) {
		if v.auditTrail {
			result.AuditTrail = append(result.AuditTrail, AuditEntry{Name: name, Allowed: allowed, Reason: reason})
		}
	}
	snapshot.Range(func(tool domain.Tool) bool {
		if scanned > 0 && scanned%checkEvery == 0 {
			if ctx.Err() != nil || v.now().After(deadline) {
				if len(result.Tools) > 0 {
					completed = false
					return false
				}
			}
		}
		scanned++
		allowed, reason := entry.Allow(tool.Name)
		switch {
		case !allowed:
			result.ExcludedCount++
			audit(tool.Name, false, string(reason))
		case tool.Hidden && !opts.IncludeHidden:
			result.ExcludedCount++
			audit(tool.Name, false, "hidden")
		case !tool.Enabled && !opts.IncludeDisabled:
			result.ExcludedCount++
			audit(tool.Name, false, "disabled")
		case match != nil && !match(tool):
			// not a search hit; neither listed nor excluded
		default:
			result.Tools = append(result.Tools, tool)
			audit(tool.Name, true, string(reason))
		}
		return true
	})
	if err := ctx.Err(); err != nil && len(result.Tools) == 0 {
		return Result{}, domain.Wrap(domain.CodeCancelled, "view.list", err)
	}

	sortTools(result.Tools, opts)
	if opts.Limit > 0 && len(result.Tools) > opts.Limit {
		result.Tools = result.Tools[:opts.Limit]
	}

	elapsed := v.now().Sub(started)
	result.Metrics = Metrics{
		CompletedWithinTimeout: completed && elapsed <= v.budget,
		Elapsed:                elapsed,
		ToolsPerSecond:         rate(scanned, elapsed),
	}
	if !result.Metrics.CompletedWithinTimeout {
		v.logger.Warn("filtered listing exceeded budget",
			telemetry.UserIDField(user.UserID),
			telemetry.DurationField(elapsed),
			zap.Int("scanned", scanned),
			zap.Int("snapshot_size", snapshot.Len()),
		)
	}
	return result, nil
}

func sortTools(tools []domain.Tool, opts ListOptions) {
	if opts.Sort != SortByRelevance || opts.Scorer == nil {
		sort.SliceStable(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
		return
	}
	scores := make(map[string]float64, len(tools))
	for _, tool := range tools {
		scores[tool.Name] = opts.Scorer(opts.Query, tool)
	}
	sort.SliceStable(tools, func(i, j int) bool {
		si, sj := scores[tools[i].Name], scores[tools[j].Name]
		if si != sj {
			return si > sj
		}
		return tools[i].Name < tools[j].Name
	})
}

func rate(n int, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return float64(n)
	}
	return float64(n) / elapsed.Seconds()
}

// Keywords lowercases and splits text on non-alphanumerics.
func Keywords(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	out := fields[:0]
	for _, field := range fields {
		if len(field) > 1 {
			out = append(out, field)
		}
	}
	return out
}

func keywordScore(needle string, tokens []string, tool domain.Tool) float64 {
	name := strings.ToLower(tool.Name)
	description := strings.ToLower(tool.Description)
	score := 0.0
	if needle != "" && (strings.Contains(name, needle) || strings.Contains(description, needle)) {
		score += 2
	}
	for _, token := range tokens {
		if strings.Contains(name, token) {
			score++
		} else if strings.Contains(description, token) {
			score += 0.5
		}
	}
	return score
}
