// Package embedding converts text into vectors through an external model,
// batching inputs and backing off when the provider rate-limits.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/sethvargo/go-retry"

	"github.com/MdHelalUddinBiswas/langchain-rag/engine/domain"
	"github.com/MdHelalUddinBiswas/langchain-rag/pkg/ollama"
	"github.com/MdHelalUddinBiswas/langchain-rag/pkg/resilience"
)

// Embedder turns texts into vectors, one per input, in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Backend performs a single embedding request for a batch of texts.
type Backend interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Options configures the Gateway.
type Options struct {
	// MaxBatch is the largest number of inputs the provider accepts per request.
	MaxBatch int
	// StripNewLines replaces newlines with spaces before embedding.
	StripNewLines bool
	// MaxRetries bounds retries of rate-limited requests.
	MaxRetries uint64
	// Backoff is the base delay of the exponential backoff.
	Backoff time.Duration
	// RatePerSecond limits outgoing requests; zero disables limiting.
	RatePerSecond float64
	Burst         int
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		MaxBatch:      2048,
		StripNewLines: true,
		MaxRetries:    3,
		Backoff:       500 * time.Millisecond,
		RatePerSecond: 0,
		Burst:         1,
	}
}

// Gateway is the Embedder used by both pipelines.
type Gateway struct {
	backend Backend
	opts    Options
	limiter *resilience.Limiter
	logger  *slog.Logger
}

var _ Embedder = (*Gateway)(nil)

// NewGateway creates a Gateway over backend.
func NewGateway(backend Backend, opts Options, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = DefaultOptions().MaxBatch
	}
	if opts.Backoff <= 0 {
		opts.Backoff = DefaultOptions().Backoff
	}
	return &Gateway{
		backend: backend,
		opts:    opts,
		limiter: resilience.NewLimiter(resilience.LimiterOpts{Rate: opts.RatePerSecond, Burst: opts.Burst}),
		logger:  logger,
	}
}

// Embed embeds texts using as few provider calls as MaxBatch allows.
func (g *Gateway) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	inputs := texts
	if g.opts.StripNewLines {
		inputs = make([]string, len(texts))
		for i, t := range texts {
			inputs[i] = strings.ReplaceAll(t, "\n", " ")
		}
	}

	out := make([][]float32, 0, len(inputs))
	for start := 0; start < len(inputs); start += g.opts.MaxBatch {
		end := min(start+g.opts.MaxBatch, len(inputs))
		vecs, err := g.embedBatch(ctx, inputs[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func (g *Gateway) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	backoff := retry.WithMaxRetries(g.opts.MaxRetries, retry.WithJitterPercent(10, retry.NewExponential(g.opts.Backoff)))

	var vecs [][]float32
	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		return g.limiter.CallWait(ctx, func(ctx context.Context) error {
			v, err := g.backend.EmbedBatch(ctx, batch)
			if err != nil {
				if IsRateLimited(err) {
					g.logger.Warn("embedding rate limited", "attempt", attempt, "inputs", len(batch))
					return retry.RetryableError(err)
				}
				return err
			}
			vecs = v
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("embedding: %d inputs after %d attempts: %w: %w", len(batch), attempt, domain.ErrEmbeddingUnavailable, err)
	}
	if len(vecs) != len(batch) {
		return nil, fmt.Errorf("embedding: got %d vectors for %d inputs: %w", len(vecs), len(batch), domain.ErrEmbeddingUnavailable)
	}
	return vecs, nil
}

// IsRateLimited reports whether err is an HTTP 429 from a known backend.
func IsRateLimited(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == http.StatusTooManyRequests
	}
	var stErr *ollama.StatusError
	if errors.As(err, &stErr) {
		return stErr.Code == http.StatusTooManyRequests
	}
	return false
}
