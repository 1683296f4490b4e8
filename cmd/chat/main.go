// Command chat asks the indexed PDFs questions from the terminal, either
// one question given with -q or one per input line.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/MdHelalUddinBiswas/langchain-rag/engine/rag"
	"github.com/MdHelalUddinBiswas/langchain-rag/pkg/config"
	"github.com/MdHelalUddinBiswas/langchain-rag/pkg/stack"
)

func main() {
	question := flag.String("q", "", "ask a single question and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config", "err", err)
		os.Exit(1)
	}
	// Logs go to stderr so answers on stdout stay clean.
	logger := cfg.Logger(os.Stderr)
	slog.SetDefault(logger)

	if err := run(cfg, logger, *question); err != nil {
		logger.Error("chat", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger, question string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := stack.Build(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build stack: %w", err)
	}
	defer st.Close(context.Background())

	in := io.Reader(os.Stdin)
	if question != "" {
		in = strings.NewReader(question)
	}
	return repl(ctx, st.RAG, in, os.Stdout, question == "")
}

type asker interface {
	Query(ctx context.Context, question string) (*rag.Answer, error)
}

// repl answers one question per non-blank line of in. Failed questions are
// reported inline and do not end the session.
func repl(ctx context.Context, a asker, in io.Reader, out io.Writer, prompt bool) error {
	sc := bufio.NewScanner(in)
	for {
		if prompt {
			fmt.Fprint(out, "> ")
		}
		if !sc.Scan() {
			return sc.Err()
		}
		q := strings.TrimSpace(sc.Text())
		if q == "" {
			continue
		}
		if ctx.Err() != nil {
			return nil
		}
		ans, err := a.Query(ctx, q)
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			continue
		}
		fmt.Fprintln(out, ans.Text)
		if len(ans.Sources) > 0 {
			fmt.Fprintf(out, "sources: %s\n", strings.Join(ans.Sources, ", "))
		}
	}
}
