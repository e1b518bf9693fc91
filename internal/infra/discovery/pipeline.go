package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"magictunnel/internal/domain"
	"magictunnel/internal/infra/hashutil"
	"magictunnel/internal/infra/permission"
	"magictunnel/internal/infra/telemetry"
)

const maxAlternatives = 5

// ranked is a merged candidate; rank orders, confidence is reported.
type ranked struct {
	match domain.ToolMatch
	rank  float64
	rule  float64
}

// state flows through the stages. Stages return a new value and never share
// slices they later mutate.
type state struct {
	cfg        Config
	user       domain.UserContext
	req        domain.DiscoveryRequest
	dispatch   bool
	mode       domain.SelectionMode
	threshold  float64
	sequential bool

	snapshot   *domain.Snapshot
	permGen    uint64
	candidates []domain.Tool
	allowed    map[string]struct{}

	rule      []domain.ToolMatch
	semantic  []domain.ToolMatch
	shortlist []domain.ToolMatch
	cached    bool
	attempts  []domain.ToolMatch
	notes     []string

	selected domain.ToolMatch
	params   json.RawMessage
	result   *domain.ToolResult
	tried    int
}

func newState(cfg Config, user domain.UserContext, req domain.DiscoveryRequest, dispatch bool) state {
	st := state{
		cfg:        cfg,
		user:       user,
		req:        req,
		dispatch:   dispatch,
		mode:       cfg.Mode,
		threshold:  cfg.DefaultConfidenceThreshold,
		sequential: cfg.SequentialMode,
	}
	if req.ConfidenceThreshold != nil {
		st.threshold = domain.ClampConfidence(*req.ConfidenceThreshold)
	}
	if req.SequentialMode != nil {
		st.sequential = *req.SequentialMode
	}
	return st
}

func (s state) query() string {
	if strings.TrimSpace(s.req.Context) == "" {
		return s.req.Request
	}
	return s.req.Request + " " + s.req.Context
}

type stage struct {
	name string
	run  func(context.Context, state) (state, error)
}

func (e *Engine) pipeline(ctx context.Context, st state) (state, error) {
	stages := []stage{
		{"fetch_candidates", e.fetchCandidates},
		{"score", e.score},
		{"merge", e.merge},
		{"select_top", e.selectTop},
		{"execute", e.execute},
	}
	for _, s := range stages {
		if err := ctx.Err(); err != nil {
			return st, domain.Wrap(domain.CodeCancelled, "discovery."+s.name, err)
		}
		next, err := s.run(ctx, st)
		if err != nil {
			return next, err
		}
		st = next
	}
	return st, nil
}

func (e *Engine) fetchCandidates(ctx context.Context, st state) (state, error) {
	if strings.TrimSpace(st.req.Request) == "" {
		return st, domain.E(domain.CodeValidation, "discovery.fetch_candidates", "request must not be empty", domain.ErrInvalidArguments)
	}
	st.snapshot = e.snapshot()
	var entry *permission.UserCache
	if e.permissions != nil {
		userCache, err := e.permissions.Get(ctx, st.user)
		if err != nil {
			return st, err
		}
		entry = userCache
		st.permGen = entry.Generation
	}
	key := hashutil.Key(fmt.Sprint(st.snapshot.Version), st.user.RoleHash(), fmt.Sprint(st.permGen))
	candidates, ok := e.registryCache.get(key)
	if !ok {
		st.snapshot.Range(func(tool domain.Tool) bool {
			if !tool.Listed() {
				return true
			}
			if entry != nil {
				if allowed, _ := entry.Allow(tool.Name); !allowed {
					return true
				}
			}
			candidates = append(candidates, tool)
			return true
		})
		e.registryCache.put(key, candidates)
	}
	st.candidates = candidates
	st.allowed = make(map[string]struct{}, len(candidates))
	for _, tool := range candidates {
		st.allowed[tool.Name] = struct{}{}
	}
	return st, nil
}

func (e *Engine) matchKey(st state) string {
	preferred := append([]string(nil), st.req.PreferredTools...)
	sort.Strings(preferred)
	return hashutil.Key(st.req.Request, st.req.Context, strings.Join(preferred, ","), string(st.cfg.Mode), st.user.RoleHash(), fmt.Sprint(st.snapshot.Version), fmt.Sprint(st.permGen))
}

func (e *Engine) score(ctx context.Context, st state) (state, error) {
	if cached, ok := e.matchCache.get(e.matchKey(st)); ok {
		st.shortlist = cached
		st.cached = true
		return st, nil
	}
	if len(st.candidates) == 0 {
		return st, nil
	}
	useSemantic := st.mode != domain.ModeRuleBased && e.semantic != nil && e.semantic.Available()
	if st.mode != domain.ModeRuleBased && !useSemantic {
		st.notes = append(st.notes, "semantic search unavailable; rule scoring only")
		st.mode = domain.ModeRuleBased
	}
	useRule := st.mode != domain.ModeSemanticBased

	var rule, semantic []domain.ToolMatch
	var semanticErr error
	group, groupCtx := errgroup.WithContext(ctx)
	if useRule {
		group.Go(func() error {
			matches, err := e.rule.Score(groupCtx, st.query(), st.candidates)
			rule = matches
			return err
		})
	}
	if useSemantic {
		group.Go(func() error {
			semantic, semanticErr = e.semantic.SearchText(groupCtx, st.query(), e.cfg.SemanticTopK, st.allowed)
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return st, domain.Wrap(domain.CodeCancelled, "discovery.score", err)
	}
	if semanticErr != nil {
		e.logger.Warn("semantic search failed; rule scoring only", zap.Error(semanticErr))
		st.notes = append(st.notes, "semantic search failed; rule scoring only")
		semantic = nil
		if !useRule {
			var err error
			rule, err = e.rule.Score(ctx, st.query(), st.candidates)
			if err != nil {
				return st, domain.Wrap(domain.CodeCancelled, "discovery.score", err)
			}
		}
		st.mode = domain.ModeRuleBased
	}
	st.rule = rule
	st.semantic = semantic
	return st, nil
}

// merge normalizes each source by its maximum and ranks by
// max(w*semantic, (1-w)*rule). The reported confidence applies the same
// weights to the raw scores. Ties go to the higher rule score.
func (e *Engine) merge(_ context.Context, st state) (state, error) {
	if st.cached {
		return st, nil
	}
	w := st.cfg.SemanticWeight
	byName := map[string]*ranked{}
	get := func(name string) *ranked {
		r, ok := byName[name]
		if !ok {
			r = &ranked{match: domain.ToolMatch{ToolName: name}}
			byName[name] = r
		}
		return r
	}
	ruleMax, semMax := maxConfidence(st.rule), maxConfidence(st.semantic)
	hybrid := st.mode == domain.ModeHybrid && len(st.semantic) > 0

	semRaw := map[string]float64{}
	for _, m := range st.semantic {
		semRaw[m.ToolName] = m.Confidence
	}
	ruleRaw := map[string]float64{}
	for _, m := range st.rule {
		ruleRaw[m.ToolName] = m.Confidence
	}
	reasons := map[string][]string{}
	for _, m := range st.rule {
		reasons[m.ToolName] = append(reasons[m.ToolName], "rule: "+m.Reasoning)
		get(m.ToolName)
	}
	for _, m := range st.semantic {
		reasons[m.ToolName] = append(reasons[m.ToolName], m.Reasoning)
		get(m.ToolName)
	}

	for name, r := range byName {
		r.rule = ruleRaw[name]
		if !hybrid {
			if _, ok := ruleRaw[name]; ok {
				r.match = domain.ToolMatch{ToolName: name, Confidence: ruleRaw[name], Source: domain.MatchRule}
			} else {
				r.match = domain.ToolMatch{ToolName: name, Confidence: semRaw[name], Source: domain.MatchSemantic}
			}
			r.rank = r.match.Confidence
		} else {
			semN, ruleN := normalizeBy(semRaw[name], semMax), normalizeBy(ruleRaw[name], ruleMax)
			semPart, rulePart := w*semN, (1-w)*ruleN
			r.rank = max(semPart, rulePart)
			r.match = domain.ToolMatch{
				ToolName:   name,
				Confidence: max(w*semRaw[name], (1-w)*ruleRaw[name]),
				Source:     domain.MatchSemantic,
			}
			if rulePart > semPart {
				r.match.Source = domain.MatchRule
			}
		}
		r.match.Reasoning = strings.Join(reasons[name], "; ")
	}
	for _, name := range st.req.PreferredTools {
		if r, ok := byName[name]; ok {
			r.rank += preferredBonus
			r.match.Confidence += preferredBonus
			r.match.Reasoning += "; preferred"
		}
	}

	list := make([]ranked, 0, len(byName))
	for _, r := range byName {
		r.match.Confidence = domain.ClampConfidence(r.match.Confidence)
		list = append(list, *r)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].rank != list[j].rank {
			return list[i].rank > list[j].rank
		}
		if list[i].rule != list[j].rule {
			return list[i].rule > list[j].rule
		}
		return list[i].match.ToolName < list[j].match.ToolName
	})
	if len(list) > st.cfg.MaxToolsToConsider {
		list = list[:st.cfg.MaxToolsToConsider]
	}
	shortlist := make([]domain.ToolMatch, 0, len(list))
	for _, r := range list {
		shortlist = append(shortlist, r.match)
	}
	st.shortlist = shortlist
	e.matchCache.put(e.matchKey(st), shortlist)
	return st, nil
}

func (e *Engine) selectTop(_ context.Context, st state) (state, error) {
	eligible := aboveThreshold(st.shortlist, st.cfg.MinConfidenceThreshold)
	if len(eligible) == 0 {
		fallback := fallbackMatches(st.cfg.Fallback, st.query(), st.candidates)
		if len(fallback) > st.cfg.MaxToolsToConsider {
			fallback = fallback[:st.cfg.MaxToolsToConsider]
		}
		if len(fallback) > 0 {
			st.notes = append(st.notes, "primary scoring found nothing above the minimum; using fallback matchers")
			if len(st.shortlist) == 0 {
				st.shortlist = fallback
			}
		}
		eligible = aboveThreshold(fallback, st.cfg.MinConfidenceThreshold)
		if len(eligible) > 0 {
			st.shortlist = fallback
		}
	}
	if len(eligible) == 0 {
		return st, domain.E(domain.CodeRegistry, "discovery.select_top", "no tool matched the request", domain.ErrToolNotFound)
	}
	top := eligible[0]
	if top.Confidence < st.threshold && !st.sequential {
		return st, domain.E(domain.CodeValidation, "discovery.select_top",
			fmt.Sprintf("best match %s has confidence %.2f below threshold %.2f", top.ToolName, top.Confidence, st.threshold), nil)
	}
	limit := 1
	if st.sequential {
		limit = st.cfg.SequentialMaxAttempts
	}
	if len(eligible) > limit {
		eligible = eligible[:limit]
	}
	st.attempts = eligible
	return st, nil
}

// execute maps, validates and dispatches candidates in order. In sequential
// mode a validation or retryable routing failure moves on to the next one.
func (e *Engine) execute(ctx context.Context, st state) (state, error) {
	var lastErr error
	for position, match := range st.attempts {
		if err := ctx.Err(); err != nil {
			return st, domain.Wrap(domain.CodeCancelled, "discovery.execute", err)
		}
		st.tried++
		tool, ok := st.snapshot.Get(match.ToolName)
		if !ok {
			lastErr = domain.E(domain.CodeRegistry, "discovery.execute", fmt.Sprintf("tool %q not found", match.ToolName), domain.ErrToolNotFound)
			continue
		}
		params, err := e.mapParameters(ctx, st, tool)
		if err != nil {
			lastErr = err
			continue
		}
		if err := e.validator.Validate(tool.InputSchema, params); err != nil {
			lastErr = domain.Wrap(domain.CodeValidation, "discovery.validate", err)
			e.logger.Debug("discovery candidate failed validation", telemetry.ToolField(tool.Name), zap.Error(err))
			continue
		}
		st.selected = match
		st.params = params
		if !st.dispatch {
			return st, nil
		}
		if e.dispatcher == nil {
			return st, domain.E(domain.CodeInternal, "discovery.dispatch", "no dispatcher configured", nil)
		}
		result, err := e.dispatcher.Call(ctx, domain.ToolCall{Name: tool.Name, Arguments: params}, domain.CallOptions{
			User:   st.user,
			Source: domain.CallSourceDiscovery,
			Discovery: &domain.DiscoveryContext{
				Position:   position + 1,
				Confidence: match.Confidence,
				Method:     string(match.Source),
				Query:      st.req.Request,
			},
		})
		if err == nil {
			st.result = &result
			return st, nil
		}
		lastErr = err
		code, _ := domain.CodeFrom(err)
		if code == domain.CodeCancelled || (!domain.IsRetryable(err) && code != domain.CodeValidation) {
			break
		}
		e.logger.Info("discovery candidate failed; trying next",
			telemetry.ToolField(tool.Name),
			zap.Int("position", position+1),
			zap.Error(err),
		)
	}
	st.selected = domain.ToolMatch{}
	st.params = nil
	if lastErr == nil {
		lastErr = domain.E(domain.CodeRegistry, "discovery.execute", "no candidate could be attempted", domain.ErrToolNotFound)
	}
	return st, lastErr
}

func (s state) response(err error) domain.DiscoveryResponse {
	resp := domain.DiscoveryResponse{
		Metadata: domain.DiscoveryMetadata{
			Mode:     s.mode,
			Attempts: s.tried,
		},
	}
	if err == nil {
		resp.Success = true
		resp.Metadata.Confidence = domain.ClampConfidence(s.selected.Confidence)
		resp.Metadata.OriginalTool = s.selected.ToolName
		resp.Metadata.Reasoning = joinNotes(s.selected.Reasoning, s.notes)
		resp.Metadata.Parameters = s.params
		resp.Metadata.Alternatives = alternatives(s.shortlist, s.selected.ToolName)
		if s.result != nil {
			resp.Success = s.result.Success
			resp.Data = s.result.Data
			resp.Error = s.result.Error
		}
		return resp
	}
	resp.Error = domain.PublicMessage(err)
	resp.Metadata.Alternatives = alternatives(s.shortlist, "")
	if len(s.shortlist) > 0 {
		resp.Metadata.Confidence = domain.ClampConfidence(s.shortlist[0].Confidence)
	}
	if s.req.IncludeErrorDetails {
		resp.ErrorDetails = errorDetails(err)
		reasoning := ""
		if len(s.shortlist) > 0 {
			reasoning = s.shortlist[0].Reasoning
		}
		resp.Metadata.Reasoning = joinNotes(reasoning, s.notes)
	}
	return resp
}

// errorDetails renders err for the client. Internal and unclassified errors carry only the public message.
func errorDetails(err error) string {
	if code, ok := domain.CodeFrom(err); !ok || code == domain.CodeInternal {
		return domain.PublicMessage(err)
	}
	return err.Error()
}

func joinNotes(reasoning string, notes []string) string {
	parts := make([]string, 0, len(notes)+1)
	if reasoning != "" {
		parts = append(parts, reasoning)
	}
	parts = append(parts, notes...)
	return strings.Join(parts, "; ")
}

func alternatives(shortlist []domain.ToolMatch, exclude string) []domain.ToolMatch {
	out := make([]domain.ToolMatch, 0, min(len(shortlist), maxAlternatives))
	for _, m := range shortlist {
		if m.ToolName == exclude {
			continue
		}
		out = append(out, m)
		if len(out) == maxAlternatives {
			break
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func aboveThreshold(matches []domain.ToolMatch, threshold float64) []domain.ToolMatch {
	var out []domain.ToolMatch
	for _, m := range matches {
		if m.Confidence >= threshold {
			out = append(out, m)
		}
	}
	return out
}

func maxConfidence(matches []domain.ToolMatch) float64 {
	best := 0.0
	for _, m := range matches {
		best = max(best, m.Confidence)
	}
	return best
}

func normalizeBy(v, maximum float64) float64 {
	if maximum <= 0 {
		return 0
	}
	return v / maximum
}
