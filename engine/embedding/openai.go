package embedding

import (
	"context"
	"fmt"

	"github.com/sashabaranov/go-openai"
)

// EmbeddingsAPI is the part of the OpenAI client used for embeddings.
type EmbeddingsAPI interface {
	CreateEmbeddings(ctx context.Context, conv openai.EmbeddingRequestConverter) (openai.EmbeddingResponse, error)
}

// OpenAIBackend embeds texts with an OpenAI-compatible embeddings endpoint.
type OpenAIBackend struct {
	api   EmbeddingsAPI
	model openai.EmbeddingModel
}

// NewOpenAIBackend wraps an existing client.
func NewOpenAIBackend(api EmbeddingsAPI, model string) *OpenAIBackend {
	if model == "" {
		model = string(openai.AdaEmbeddingV2)
	}
	return &OpenAIBackend{api: api, model: openai.EmbeddingModel(model)}
}

// NewOpenAIClient builds a go-openai client. An empty baseURL uses api.openai.com.
func NewOpenAIClient(apiKey, baseURL string) *openai.Client {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return openai.NewClientWithConfig(cfg)
}

// EmbedBatch sends all texts in one request and returns vectors in input order.
func (b *OpenAIBackend) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := b.api.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: b.model,
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai: got %d embeddings for %d inputs", len(resp.Data), len(texts))
	}
	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("openai: embedding index %d out of range", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}
