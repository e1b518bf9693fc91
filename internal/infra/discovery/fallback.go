package discovery

import (
	"fmt"
	"strings"

	"magictunnel/internal/domain"
)

const fuzzyFloor = 0.6

// FallbackConfig toggles the secondary matchers used when primary scoring finds nothing.
type FallbackConfig struct {
	Fuzzy    bool `mapstructure:"fuzzy"`
	Keyword  bool `mapstructure:"keyword"`
	Category bool `mapstructure:"category"`
	Partial  bool `mapstructure:"partial"`
}

// AllFallbacks enables every fallback.
func AllFallbacks() FallbackConfig {
	return FallbackConfig{Fuzzy: true, Keyword: true, Category: true, Partial: true}
}

type fallbackFunc func(q queryTerms, tool domain.Tool) (float64, string)

// fallbackMatches runs the enabled fallbacks and keeps the best match per tool.
func fallbackMatches(cfg FallbackConfig, query string, candidates []domain.Tool) []domain.ToolMatch {
	q := newQueryTerms(query)
	if len(q.tokens) == 0 {
		return nil
	}
	var strategies []struct {
		source domain.MatchSource
		fn     fallbackFunc
	}
	add := func(on bool, source domain.MatchSource, fn fallbackFunc) {
		if on {
			strategies = append(strategies, struct {
				source domain.MatchSource
				fn     fallbackFunc
			}{source, fn})
		}
	}
	add(cfg.Fuzzy, domain.MatchFuzzy, fuzzyFallback)
	add(cfg.Keyword, domain.MatchKeyword, keywordFallback)
	add(cfg.Category, domain.MatchCategory, categoryFallback)
	add(cfg.Partial, domain.MatchPartial, partialFallback)
	if len(strategies) == 0 {
		return nil
	}

	var out []domain.ToolMatch
	for _, tool := range candidates {
		best := domain.ToolMatch{}
		for _, strategy := range strategies {
			score, reasoning := strategy.fn(q, tool)
			if score > best.Confidence {
				best = domain.ToolMatch{
					ToolName:   tool.Name,
					Confidence: domain.ClampConfidence(score),
					Reasoning:  reasoning,
					Source:     strategy.source,
				}
			}
		}
		if best.Confidence > 0 {
			out = append(out, best)
		}
	}
	sortMatches(out)
	return out
}

func fuzzyFallback(q queryTerms, tool domain.Tool) (float64, string) {
	best, bestToken, bestPart := 0.0, "", ""
	for _, part := range splitName(tool.Name) {
		for _, token := range q.tokens {
			if s := similarity(part, token); s > best {
				best, bestToken, bestPart = s, token, part
			}
		}
	}
	if best < fuzzyFloor {
		return 0, ""
	}
	return best * 0.8, fmt.Sprintf("%q resembles %q", bestToken, bestPart)
}

func keywordFallback(q queryTerms, tool domain.Tool) (float64, string) {
	terms := tokenize(tool.Description + " " + tool.Annotation(domain.AnnotationKeywords))
	share := overlap(q.tokens, terms)
	if share == 0 {
		return 0, ""
	}
	return 0.3 + 0.4*share, fmt.Sprintf("keyword overlap %.2f", share)
}

func categoryFallback(q queryTerms, tool domain.Tool) (float64, string) {
	category := strings.ToLower(strings.TrimSpace(tool.Annotation(domain.AnnotationCategory)))
	if category == "" {
		return 0, ""
	}
	for _, term := range tokenize(category) {
		if q.has(term) {
			return 0.5, fmt.Sprintf("category %q", category)
		}
	}
	return 0, ""
}

// partialFallback matches name parts that prefix a query token, or the reverse.
func partialFallback(q queryTerms, tool domain.Tool) (float64, string) {
	for _, part := range splitName(tool.Name) {
		if len(part) < 3 {
			continue
		}
		for _, token := range q.tokens {
			if len(token) < 3 {
				continue
			}
			if strings.HasPrefix(token, part) || strings.HasPrefix(part, token) {
				return 0.4, fmt.Sprintf("%q partially matches %q", token, part)
			}
		}
	}
	return 0, ""
}
