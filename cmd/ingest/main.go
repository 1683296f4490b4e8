// Command ingest runs the indexing pipeline outside the API server: as a
// NATS worker consuming ingestion jobs, or once over a directory of PDFs.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/MdHelalUddinBiswas/langchain-rag/engine/ingest"
	"github.com/MdHelalUddinBiswas/langchain-rag/pkg/config"
	"github.com/MdHelalUddinBiswas/langchain-rag/pkg/natsutil"
	"github.com/MdHelalUddinBiswas/langchain-rag/pkg/stack"
)

func main() {
	var (
		dir         = flag.String("dir", "", "ingest every PDF in this directory once and exit")
		enqueueJobs = flag.Bool("enqueue", false, "publish the PDF files named as arguments as jobs and exit")
		baseDir     = flag.String("base", "", "directory path jobs are resolved under (default PDF_DIR)")
		metricsAddr = flag.String("metrics-addr", ":9091", "address serving /metrics in worker mode; empty disables")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config", "err", err)
		os.Exit(1)
	}
	logger := cfg.Logger(os.Stdout)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch {
	case *enqueueJobs:
		err = runEnqueue(ctx, cfg, flag.Args(), logger)
	case *dir != "":
		err = withStack(ctx, cfg, logger, func(st *stack.Stack) error {
			return runDir(ctx, st.Ingest, *dir, logger)
		})
	default:
		if *baseDir == "" {
			*baseDir = cfg.PDFDir
		}
		err = withStack(ctx, cfg, logger, func(st *stack.Stack) error {
			return runWorker(ctx, cfg, st, *baseDir, *metricsAddr, logger)
		})
	}
	if err != nil {
		logger.Error("ingest exited with error", "err", err)
		stop()
		os.Exit(1)
	}
}

// withStack builds the stack, runs f, and closes the stack before returning.
func withStack(ctx context.Context, cfg *config.Config, logger *slog.Logger, f func(*stack.Stack) error) error {
	st, err := stack.Build(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build stack: %w", err)
	}
	defer st.Close(context.Background())
	return f(st)
}

func connect(cfg *config.Config, logger *slog.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(cfg.NATSURL,
		nats.Name("pdfrag-ingest"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) { logger.Info("nats reconnected", "url", c.ConnectedUrl()) }),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", cfg.NATSURL, err)
	}
	return nc, nil
}

func runEnqueue(ctx context.Context, cfg *config.Config, paths []string, logger *slog.Logger) error {
	if len(paths) == 0 {
		return errors.New("enqueue: no PDF files given")
	}
	nc, err := connect(cfg, logger)
	if err != nil {
		return err
	}
	defer nc.Close()
	if err := enqueue(ctx, natsutil.Conn{NC: nc}, paths, logger); err != nil {
		return err
	}
	return nc.Flush()
}

// enqueue publishes one inline job per file, named by its base name.
func enqueue(ctx context.Context, pub natsutil.Publisher, paths []string, logger *slog.Logger) error {
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("enqueue: %w", err)
		}
		job := ingest.NewJob(filepath.Base(p), data)
		if err := pub.Publish(ctx, ingest.IngestSubject, job, nil); err != nil {
			return fmt.Errorf("enqueue %s: %w", p, err)
		}
		logger.Info("job enqueued", "job_id", job.ID, "source", job.Source, "bytes", len(data))
	}
	return nil
}

// runDir ingests a directory once. It fails when no PDF was ingested.
func runDir(ctx context.Context, p dirIngester, dir string, logger *slog.Logger) error {
	reports, err := p.IngestDir(ctx, dir)
	if err != nil {
		return err
	}
	for _, r := range reports {
		if r.Success {
			logger.Info("ingested", "source", r.Source, "chunks", r.Chunks)
		} else {
			logger.Warn("not ingested", "source", r.Source, "failed_in", r.FailedIn, "err", r.Error)
		}
	}
	ok := ingest.Succeeded(reports)
	logger.Info("directory done", "dir", dir, "succeeded", ok, "total", len(reports))
	if ok == 0 {
		return errors.New("no PDFs were processed successfully")
	}
	return nil
}

type dirIngester interface {
	IngestDir(ctx context.Context, dir string) ([]ingest.Report, error)
}

// runWorker consumes jobs from NATS until ctx is cancelled.
func runWorker(ctx context.Context, cfg *config.Config, st *stack.Stack, baseDir, metricsAddr string, logger *slog.Logger) error {
	nc, err := connect(cfg, logger)
	if err != nil {
		return err
	}
	defer nc.Drain()

	consumer := ingest.NewConsumer(st.Ingest, natsutil.Conn{NC: nc}, baseDir, logger)
	sub, err := consumer.Start(nc)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", ingest.IngestSubject, err)
	}
	defer sub.Unsubscribe()
	logger.Info("ingest worker started", "subject", ingest.IngestSubject, "base_dir", baseDir)

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", st.Metrics.Handler())
		srv := &http.Server{Addr: metricsAddr, Handler: mux, ReadTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server", "addr", metricsAddr, "err", err)
			}
		}()
		defer func() {
			shutCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			_ = srv.Shutdown(shutCtx)
		}()
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")
	return nil
}
