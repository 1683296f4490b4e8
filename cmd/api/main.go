// Package main implements the PDF question answering API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MdHelalUddinBiswas/langchain-rag/pkg/config"
	"github.com/MdHelalUddinBiswas/langchain-rag/pkg/mid"
	"github.com/MdHelalUddinBiswas/langchain-rag/pkg/stack"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config", "err", err)
		os.Exit(1)
	}
	logger := cfg.Logger(os.Stdout)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := stack.Build(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build stack: %w", err)
	}
	defer st.Close(context.Background())

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      newHandler(cfg, st, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// --- Graceful shutdown ---
	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "port", cfg.Port, "vector_store", cfg.VectorStore, "embedding", cfg.EmbeddingBackend)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

// newHandler mounts the routes behind the middleware chain.
func newHandler(cfg *config.Config, st *stack.Stack, logger *slog.Logger) http.Handler {
	s := &server{
		ingest:    st.Ingest,
		rag:       st.RAG,
		store:     st.Store,
		pings:     st.Pings(),
		metrics:   st.Metrics,
		pdfDir:    cfg.PDFDir,
		maxUpload: cfg.MaxUploadBytes,
		logger:    logger,
	}
	if st.Catalog != nil {
		s.docs = st.Catalog
	}
	return mid.Chain(s.routes(),
		mid.Recover(logger),
		mid.OTel("pdfrag-api"),
		mid.Metrics(st.Metrics),
		mid.Logger(logger),
		mid.CORS(cfg.CORSOrigin),
	)
}
