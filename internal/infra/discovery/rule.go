package discovery

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"magictunnel/internal/domain"
)

const (
	parallelScoreThreshold = 256
	scoreWorkers           = 4
)

var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {}, "by": {},
	"can": {}, "do": {}, "for": {}, "from": {}, "how": {}, "i": {}, "if": {}, "in": {},
	"is": {}, "it": {}, "me": {}, "my": {}, "of": {}, "on": {}, "or": {}, "please": {},
	"should": {}, "some": {}, "that": {}, "the": {}, "this": {}, "to": {}, "up": {},
	"use": {}, "what": {}, "with": {}, "you": {}, "check": {},
}

// RuleWeights weights the rule scorer's signals. They are normalized to sum to 1.
type RuleWeights struct {
	Name        float64 `mapstructure:"name"`
	Description float64 `mapstructure:"description"`
	Fuzzy       float64 `mapstructure:"fuzzy"`
	Category    float64 `mapstructure:"category"`
	Schema      float64 `mapstructure:"schema"`
}

// DefaultRuleWeights favors name and description evidence.
func DefaultRuleWeights() RuleWeights {
	return RuleWeights{Name: 0.3, Description: 0.25, Fuzzy: 0.15, Category: 0.15, Schema: 0.15}
}

// Normalized scales the weights to sum to 1. All-zero weights fall back to the defaults.
func (w RuleWeights) Normalized() RuleWeights {
	sum := w.Name + w.Description + w.Fuzzy + w.Category + w.Schema
	if sum <= 0 {
		return DefaultRuleWeights().Normalized()
	}
	return RuleWeights{
		Name:        w.Name / sum,
		Description: w.Description / sum,
		Fuzzy:       w.Fuzzy / sum,
		Category:    w.Category / sum,
		Schema:      w.Schema / sum,
	}
}

// Validate rejects negative weights.
func (w RuleWeights) Validate() error {
	for name, v := range map[string]float64{"name": w.Name, "description": w.Description, "fuzzy": w.Fuzzy, "category": w.Category, "schema": w.Schema} {
		if v < 0 {
			return fmt.Errorf("rule weight %s must not be negative", name)
		}
	}
	return nil
}

// Scorer ranks candidates for a query.
type Scorer interface {
	Score(ctx context.Context, query string, candidates []domain.Tool) ([]domain.ToolMatch, error)
}

// RuleScorer scores candidates by lexical evidence. Scoring stops early once
// enough candidates reach the high-quality threshold.
type RuleScorer struct {
	weights          RuleWeights
	maxHighQuality   int
	highQualityScore float64
}

func NewRuleScorer(weights RuleWeights, maxHighQuality int, highQualityScore float64) *RuleScorer {
	return &RuleScorer{
		weights:          weights.Normalized(),
		maxHighQuality:   maxHighQuality,
		highQualityScore: highQualityScore,
	}
}

func (r *RuleScorer) Score(ctx context.Context, query string, candidates []domain.Tool) ([]domain.ToolMatch, error) {
	q := newQueryTerms(query)
	if len(q.tokens) == 0 {
		return nil, nil
	}
	var highQuality atomic.Int32
	enough := func() bool {
		return r.maxHighQuality > 0 && int(highQuality.Load()) >= r.maxHighQuality
	}
	scoreOne := func(tool domain.Tool) (domain.ToolMatch, bool) {
		score, reasoning := r.scoreTool(q, tool)
		if score <= 0 {
			return domain.ToolMatch{}, false
		}
		if score >= r.highQualityScore {
			highQuality.Add(1)
		}
		return domain.ToolMatch{
			ToolName:   tool.Name,
			Confidence: domain.ClampConfidence(score),
			Reasoning:  reasoning,
			Source:     domain.MatchRule,
		}, true
	}

	var out []domain.ToolMatch
	if len(candidates) <= parallelScoreThreshold {
		for _, tool := range candidates {
			if enough() {
				break
			}
			if match, ok := scoreOne(tool); ok {
				out = append(out, match)
			}
		}
	} else {
		var mu sync.Mutex
		group, groupCtx := errgroup.WithContext(ctx)
		group.SetLimit(scoreWorkers)
		chunk := (len(candidates) + scoreWorkers - 1) / scoreWorkers
		for start := 0; start < len(candidates); start += chunk {
			part := candidates[start:min(start+chunk, len(candidates))]
			group.Go(func() error {
				local := make([]domain.ToolMatch, 0, len(part))
				for _, tool := range part {
					if groupCtx.Err() != nil || enough() {
						break
					}
					if match, ok := scoreOne(tool); ok {
						local = append(local, match)
					}
				}
				mu.Lock()
				out = append(out, local...)
				mu.Unlock()
				return nil
			})
		}
		_ = group.Wait()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sortMatches(out)
	return out, nil
}

func (r *RuleScorer) scoreTool(q queryTerms, tool domain.Tool) (float64, string) {
	nameParts := splitName(tool.Name)
	signals := []struct {
		label  string
		weight float64
		value  float64
	}{
		{"name", r.weights.Name, nameMatch(q, tool.Name, nameParts)},
		{"description", r.weights.Description, overlap(q.tokens, tokenize(tool.Description))},
		{"fuzzy", r.weights.Fuzzy, fuzzyName(q.tokens, nameParts)},
		{"category", r.weights.Category, categoryMatch(q, tool)},
		{"schema", r.weights.Schema, schemaMatch(q, tool.SchemaProperties())},
	}
	score := 0.0
	var parts []string
	for _, s := range signals {
		if s.value <= 0 {
			continue
		}
		score += s.weight * s.value
		parts = append(parts, fmt.Sprintf("%s=%.2f", s.label, s.value))
	}
	return score, strings.Join(parts, ", ")
}

type queryTerms struct {
	raw    string
	tokens []string
	set    map[string]struct{}
}

func newQueryTerms(query string) queryTerms {
	tokens := tokenize(query)
	set := make(map[string]struct{}, len(tokens))
	for _, token := range tokens {
		set[token] = struct{}{}
	}
	return queryTerms{raw: strings.ToLower(query), tokens: tokens, set: set}
}

func (q queryTerms) has(token string) bool {
	_, ok := q.set[token]
	return ok
}

// tokenize lowercases, splits on non-alphanumerics and drops stop words.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	out := make([]string, 0, len(fields))
	seen := make(map[string]struct{}, len(fields))
	for _, field := range fields {
		if _, stop := stopWords[field]; stop {
			continue
		}
		if _, dup := seen[field]; dup {
			continue
		}
		seen[field] = struct{}{}
		out = append(out, field)
	}
	return out
}

func splitName(name string) []string {
	return tokenize(strings.NewReplacer("_", " ", "-", " ", ":", " ").Replace(name))
}

// nameMatch is 1 when the whole name appears in the query, else the share of
// name parts present as query tokens.
func nameMatch(q queryTerms, name string, parts []string) float64 {
	lower := strings.ToLower(name)
	if strings.Contains(q.raw, lower) || strings.Contains(q.raw, strings.ReplaceAll(lower, "_", " ")) {
		return 1
	}
	if len(parts) == 0 {
		return 0
	}
	hits := 0
	for _, part := range parts {
		if q.has(part) {
			hits++
		}
	}
	return float64(hits) / float64(len(parts))
}

// overlap is the share of query tokens found in text tokens.
func overlap(query []string, text []string) float64 {
	if len(query) == 0 || len(text) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(text))
	for _, token := range text {
		set[token] = struct{}{}
	}
	hits := 0
	for _, token := range query {
		if _, ok := set[token]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(query))
}

// fuzzyName averages, over name parts, the best similarity to any query token.
func fuzzyName(query []string, parts []string) float64 {
	if len(query) == 0 || len(parts) == 0 {
		return 0
	}
	total := 0.0
	for _, part := range parts {
		best := 0.0
		for _, token := range query {
			best = max(best, similarity(part, token))
		}
		total += best
	}
	return total / float64(len(parts))
}

func categoryMatch(q queryTerms, tool domain.Tool) float64 {
	terms := tokenize(tool.Annotation(domain.AnnotationCategory) + " " + tool.Annotation(domain.AnnotationKeywords))
	if len(terms) == 0 {
		return 0
	}
	for _, term := range terms {
		if q.has(term) {
			return 1
		}
	}
	return 0
}

func schemaMatch(q queryTerms, props []string) float64 {
	if len(props) == 0 {
		return 0
	}
	hits := 0
	for _, prop := range props {
		for _, part := range splitName(prop) {
			if q.has(part) || strings.Contains(q.raw, part+"=") || strings.Contains(q.raw, part+":") {
				hits++
				break
			}
		}
	}
	return float64(hits) / float64(len(props))
}

// similarity is 1 minus the normalized Damerau-Levenshtein distance.
func similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	longest := max(len(a), len(b))
	if longest == 0 {
		return 1
	}
	return 1 - float64(damerauLevenshtein(a, b))/float64(longest)
}

// damerauLevenshtein computes the optimal string alignment distance over runes.
func damerauLevenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	n, m := len(ra), len(rb)
	if n == 0 {
		return m
	}
	if m == 0 {
		return n
	}
	prev2 := make([]int, m+1)
	prev := make([]int, m+1)
	curr := make([]int, m+1)
	for j := 0; j <= m; j++ {
		prev[j] = j
	}
	for i := 1; i <= n; i++ {
		curr[0] = i
		for j := 1; j <= m; j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
			if i > 1 && j > 1 && ra[i-1] == rb[j-2] && ra[i-2] == rb[j-1] {
				curr[j] = min(curr[j], prev2[j-2]+1)
			}
		}
		prev2, prev, curr = prev, curr, prev2
	}
	return prev[m]
}

// sortMatches orders by confidence, then name.
func sortMatches(matches []domain.ToolMatch) {
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Confidence != matches[j].Confidence {
			return matches[i].Confidence > matches[j].Confidence
		}
		return matches[i].ToolName < matches[j].ToolName
	})
}
