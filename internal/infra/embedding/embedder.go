package embedding

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"strings"

	einoembed "github.com/cloudwego/eino/components/embedding"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/zeebo/blake3"

	"magictunnel/internal/domain"
)

const defaultHashDimensions = 256

// ProviderConfig selects and configures an embedder.
type ProviderConfig struct {
	Provider   string
	Model      string
	APIKey     string
	APIKeyEnv  string
	BaseURL    string
	Dimensions int
}

// NewEmbedder builds the embedder named by cfg.Provider.
func NewEmbedder(cfg ProviderConfig) (einoembed.Embedder, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", "hash":
		return NewHashEmbedder(cfg.Dimensions), nil
	case "openai":
		apiKey := strings.TrimSpace(cfg.APIKey)
		if apiKey == "" && cfg.APIKeyEnv != "" {
			apiKey = os.Getenv(cfg.APIKeyEnv)
		}
		if apiKey == "" {
			return nil, domain.E(domain.CodeConfig, "embedding.new", "openai embedder requires an API key", nil)
		}
		return NewOpenAIEmbedder(apiKey, cfg.BaseURL, cfg.Model, cfg.Dimensions), nil
	default:
		return nil, domain.E(domain.CodeConfig, "embedding.new", fmt.Sprintf("unsupported embedding provider %q", cfg.Provider), nil)
	}
}

// OpenAIEmbedder calls the OpenAI embeddings endpoint, or any compatible base URL.
type OpenAIEmbedder struct {
	client     openai.Client
	model      string
	dimensions int
}

func NewOpenAIEmbedder(apiKey, baseURL, model string, dimensions int) *OpenAIEmbedder {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if model == "" {
		model = string(openai.EmbeddingModelTextEmbedding3Small)
	}
	return &OpenAIEmbedder{
		client:     openai.NewClient(opts...),
		model:      model,
		dimensions: dimensions,
	}
}

func (e *OpenAIEmbedder) EmbedStrings(ctx context.Context, texts []string, _ ...einoembed.Option) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	params := openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model: openai.EmbeddingModel(e.model),
	}
	if e.dimensions > 0 {
		params.Dimensions = openai.Int(int64(e.dimensions))
	}
	resp, err := e.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}
	out := make([][]float64, len(texts))
	for _, item := range resp.Data {
		if item.Index < 0 || int(item.Index) >= len(out) {
			return nil, fmt.Errorf("openai embeddings: index %d out of range", item.Index)
		}
		out[item.Index] = item.Embedding
	}
	for i, vec := range out {
		if vec == nil {
			return nil, fmt.Errorf("openai embeddings: missing vector %d", i)
		}
	}
	return out, nil
}

// HashEmbedder is a deterministic feature-hashing embedder over words and
// character trigrams. It needs no network and keeps similar names close.
type HashEmbedder struct {
	dimensions int
}

func NewHashEmbedder(dimensions int) *HashEmbedder {
	if dimensions <= 0 {
		dimensions = defaultHashDimensions
	}
	return &HashEmbedder{dimensions: dimensions}
}

func (e *HashEmbedder) EmbedStrings(ctx context.Context, texts []string, _ ...einoembed.Option) ([][]float64, error) {
	out := make([][]float64, 0, len(texts))
	for _, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out = append(out, e.embed(text))
	}
	return out, nil
}

func (e *HashEmbedder) embed(text string) []float64 {
	vec := make([]float64, e.dimensions)
	for _, word := range words(text) {
		e.add(vec, "w:"+word, 1)
		padded := "^" + word + "$"
		for i := 0; i+3 <= len(padded); i++ {
			e.add(vec, "t:"+padded[i:i+3], 0.5)
		}
	}
	return vec
}

func (e *HashEmbedder) add(vec []float64, feature string, weight float64) {
	sum := blake3.Sum256([]byte(feature))
	idx := binary.LittleEndian.Uint64(sum[:8]) % uint64(len(vec))
	if sum[8]&1 == 1 {
		weight = -weight
	}
	vec[idx] += weight
}

func words(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
}

// Text renders the embedding input for a tool.
func Text(tool domain.Tool) string {
	var sb strings.Builder
	sb.WriteString(strings.NewReplacer("_", " ", "-", " ", ":", " ").Replace(tool.Name))
	if tool.Description != "" {
		sb.WriteString(". ")
		sb.WriteString(tool.Description)
	}
	if category := tool.Annotation(domain.AnnotationCategory); category != "" {
		sb.WriteString(". category: ")
		sb.WriteString(category)
	}
	if keywords := tool.Annotation(domain.AnnotationKeywords); keywords != "" {
		sb.WriteString(". keywords: ")
		sb.WriteString(keywords)
	}
	if props := tool.SchemaProperties(); len(props) > 0 {
		sb.WriteString(". parameters: ")
		sb.WriteString(strings.Join(props, ", "))
	}
	return sb.String()
}

// normalize converts to float32 and scales to unit length. A zero vector stays zero.
func normalize(in []float64) []float32 {
	var norm float64
	for _, v := range in {
		norm += v * v
	}
	norm = math.Sqrt(norm)
	out := make([]float32, len(in))
	if norm == 0 {
		return out
	}
	for i, v := range in {
		out[i] = float32(v / norm)
	}
	return out
}

func dot(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
