package discovery

import (
	"context"
	"fmt"

	"magictunnel/internal/domain"
	"magictunnel/internal/infra/embedding"
)

// SemanticSearcher returns similarity matches for free text.
type SemanticSearcher interface {
	Available() bool
	SearchText(ctx context.Context, query string, k int, allowed map[string]struct{}) ([]domain.ToolMatch, error)
}

// IndexSearcher adapts an embedding index.
type IndexSearcher struct {
	Index     *embedding.Index
	Threshold float64
}

func (s IndexSearcher) Available() bool {
	return s.Index != nil && s.Index.Available() && s.Index.Len() > 0
}

func (s IndexSearcher) SearchText(ctx context.Context, query string, k int, allowed map[string]struct{}) ([]domain.ToolMatch, error) {
	vector, err := s.Index.EmbedQuery(ctx, query)
	if err != nil {
		return nil, err
	}
	hits := s.Index.Search(vector, k, s.Threshold, allowed)
	out := make([]domain.ToolMatch, 0, len(hits))
	for _, hit := range hits {
		out = append(out, domain.ToolMatch{
			ToolName:   hit.ToolName,
			Confidence: domain.ClampConfidence(hit.Similarity),
			Reasoning:  fmt.Sprintf("semantic similarity %.2f", hit.Similarity),
			Source:     domain.MatchSemantic,
		})
	}
	return out, nil
}
