// Package stack connects the external services named by a config.Config and
// builds the pipelines on top of them. Every binary wires itself through Build.
package stack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/sashabaranov/go-openai"

	"github.com/MdHelalUddinBiswas/langchain-rag/engine/catalog"
	"github.com/MdHelalUddinBiswas/langchain-rag/engine/document"
	"github.com/MdHelalUddinBiswas/langchain-rag/engine/embedding"
	"github.com/MdHelalUddinBiswas/langchain-rag/engine/ingest"
	"github.com/MdHelalUddinBiswas/langchain-rag/engine/rag"
	"github.com/MdHelalUddinBiswas/langchain-rag/engine/semantic"
	"github.com/MdHelalUddinBiswas/langchain-rag/pkg/config"
	"github.com/MdHelalUddinBiswas/langchain-rag/pkg/keylock"
	"github.com/MdHelalUddinBiswas/langchain-rag/pkg/metrics"
	"github.com/MdHelalUddinBiswas/langchain-rag/pkg/ollama"
)

// Stack holds the connected services and the pipelines built on them.
type Stack struct {
	Embedder *embedding.Gateway
	Store    semantic.Store
	Locker   keylock.Locker
	Catalog  *catalog.Catalog // nil when NEO4J_URL is unset
	Metrics  *metrics.Registry
	Ingest   *ingest.Pipeline
	RAG      *rag.Service

	closers []func(context.Context) error
}

// Build connects everything cfg asks for. On error, whatever was already
// connected is closed.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *Stack, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Stack{Metrics: metrics.New()}
	defer func() {
		if err != nil {
			_ = s.Close(context.Background())
		}
	}()

	oai := embedding.NewOpenAIClient(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL)

	s.Embedder = NewEmbedder(cfg, oai, logger)

	if s.Store, err = s.openStore(ctx, cfg); err != nil {
		return nil, err
	}

	s.Locker = keylock.NewLocal()
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		s.onClose(func(context.Context) error { return rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("stack: redis ping %s: %w", cfg.RedisAddr, err)
		}
		s.Locker = keylock.NewRedis(rdb, keylock.DefaultRedisOpts, logger)
		logger.Info("ingest locks backed by redis", "addr", cfg.RedisAddr)
	}

	if cfg.Neo4jURL != "" {
		driver, err := catalog.Connect(ctx, cfg.Neo4jURL, cfg.Neo4jUser, cfg.Neo4jPass)
		if err != nil {
			return nil, fmt.Errorf("stack: %w", err)
		}
		s.onClose(driver.Close)
		s.Catalog = catalog.New(driver, cfg.Neo4jDatabase)
		if err := s.Catalog.Init(ctx); err != nil {
			return nil, fmt.Errorf("stack: catalog init: %w", err)
		}
	}

	if cfg.OpenAIAPIKey == "" {
		logger.Warn("OPENAI_API_KEY unset; chat completions will fail")
	}

	s.Ingest = ingest.NewPipeline(ingest.Deps{
		Ingestor: document.NewIngestor(document.NewSplitter(cfg.ChunkSize, cfg.ChunkOverlap)),
		Embedder: s.Embedder,
		Store:    s.Store,
		Locker:   s.Locker,
		Catalog:  s.catalogOrNil(),
		Logger:   logger,
		Metrics:  s.Metrics,
	}, ingest.Options{ReplaceDeleteFirst: cfg.ReplaceDeleteFirst})

	ropts := rag.DefaultOptions()
	ropts.TopK = cfg.TopK
	ropts.ChatRatePerSecond = cfg.ChatRatePerSecond
	s.RAG = rag.New(rag.Deps{
		Embedder: s.Embedder,
		Searcher: s.Store,
		Chat:     rag.NewOpenAIChat(oai, cfg.ChatModel, cfg.ChatMaxTokens),
		Logger:   logger,
		Metrics:  s.Metrics,
	}, ropts)

	return s, nil
}

// NewEmbedder builds the embedding gateway for the configured backend.
func NewEmbedder(cfg *config.Config, oai *openai.Client, logger *slog.Logger) *embedding.Gateway {
	var backend embedding.Backend = embedding.NewOpenAIBackend(oai, cfg.EmbeddingModel)
	if cfg.EmbeddingBackend == config.BackendOllama {
		backend = ollama.NewEmbedClient(cfg.OllamaURL, cfg.OllamaEmbedModel)
	}
	opts := embedding.DefaultOptions()
	opts.RatePerSecond = cfg.EmbedRatePerSecond
	if cfg.EmbedMaxRetries >= 0 {
		opts.MaxRetries = uint64(cfg.EmbedMaxRetries)
	}
	return embedding.NewGateway(backend, opts, logger)
}

func (s *Stack) openStore(ctx context.Context, cfg *config.Config) (semantic.Store, error) {
	switch cfg.VectorStore {
	case config.StoreQdrant:
		q, err := semantic.NewQdrant(cfg.QdrantAddr, cfg.Collection, cfg.Dimension)
		if err != nil {
			return nil, fmt.Errorf("stack: %w", err)
		}
		s.onClose(func(context.Context) error { return q.Close() })
		if err := q.EnsureCollection(ctx); err != nil {
			return nil, fmt.Errorf("stack: %w", err)
		}
		return q, nil
	default:
		c, err := semantic.NewChromem(cfg.ChromemDir, cfg.Collection, cfg.Dimension)
		if err != nil {
			return nil, fmt.Errorf("stack: %w", err)
		}
		return c, nil
	}
}

// catalogOrNil keeps a nil *Catalog from becoming a non-nil interface.
func (s *Stack) catalogOrNil() ingest.Catalog {
	if s.Catalog == nil {
		return nil
	}
	return s.Catalog
}

func (s *Stack) onClose(f func(context.Context) error) { s.closers = append(s.closers, f) }

// Close releases connections in reverse order of opening.
func (s *Stack) Close(ctx context.Context) error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i](ctx))
	}
	s.closers = nil
	return errors.Join(errs...)
}

// Pings returns the named connectivity checks for /health.
func (s *Stack) Pings() map[string]func(context.Context) error {
	checks := map[string]func(context.Context) error{"vector_store": s.Store.Ping}
	if s.Catalog != nil {
		checks["catalog"] = s.Catalog.Ping
	}
	return checks
}
