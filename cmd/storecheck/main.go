// Command storecheck verifies the embedding provider and the vector store
// end to end: it embeds a fixed sentence, stores it, queries it back, and
// removes it again.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/MdHelalUddinBiswas/langchain-rag/engine/domain"
	"github.com/MdHelalUddinBiswas/langchain-rag/engine/embedding"
	"github.com/MdHelalUddinBiswas/langchain-rag/engine/semantic"
	"github.com/MdHelalUddinBiswas/langchain-rag/pkg/config"
	"github.com/MdHelalUddinBiswas/langchain-rag/pkg/stack"
)

const (
	checkText   = "This is a test document. It contains some sample text to verify vector store integration."
	checkSource = "test"
	checkID     = "test-record-1"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config", "err", err)
		os.Exit(1)
	}
	logger := cfg.Logger(os.Stdout)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	err = run(ctx, cfg, logger)
	cancel()
	if err != nil {
		logger.Error("store check failed", "err", err)
		os.Exit(1)
	}
	logger.Info("store check passed", "vector_store", cfg.VectorStore, "embedding", cfg.EmbeddingBackend)
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	st, err := stack.Build(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build stack: %w", err)
	}
	defer st.Close(context.Background())
	return check(ctx, st.Embedder, st.Store, logger)
}

// check round-trips one record through embedder and store.
func check(ctx context.Context, emb embedding.Embedder, store semantic.Store, logger *slog.Logger) (err error) {
	if err := store.Ping(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}

	vecs, err := emb.Embed(ctx, []string{checkText})
	if err != nil {
		return fmt.Errorf("embed: %w", err)
	}
	if len(vecs) != 1 {
		return fmt.Errorf("embed: got %d vectors for 1 input", len(vecs))
	}
	logger.Info("embedded test text", "dimension", len(vecs[0]))

	rec := domain.VectorRecord{
		ID:     checkID,
		Values: vecs[0],
		Metadata: domain.Metadata{
			Text:   checkText,
			Source: checkSource,
			Type:   domain.DocumentType,
		},
	}
	if err := store.Upsert(ctx, []domain.VectorRecord{rec}); err != nil {
		return fmt.Errorf("upsert: %w", err)
	}
	logger.Info("test record added", "id", checkID)
	defer func() {
		if derr := store.DeleteBySource(ctx, checkSource); derr != nil && err == nil {
			err = fmt.Errorf("cleanup: %w", derr)
		}
	}()

	matches, err := store.Query(ctx, vecs[0], 1, map[string]string{"source": checkSource})
	if err != nil {
		return fmt.Errorf("query: %w", err)
	}
	if len(matches) != 1 || matches[0].ID != checkID {
		return fmt.Errorf("query: test record not returned, got %d matches", len(matches))
	}
	logger.Info("query response", "id", matches[0].ID, "score", matches[0].Score)
	return nil
}
