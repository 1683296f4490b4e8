// Package rag answers questions about the indexed PDFs. It checks the index,
// embeds the question, retrieves the nearest chunks, restores their reading
// order, and asks a chat model to answer from that context only.
package rag

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MdHelalUddinBiswas/langchain-rag/engine/domain"
	"github.com/MdHelalUddinBiswas/langchain-rag/pkg/fn"
	"github.com/MdHelalUddinBiswas/langchain-rag/pkg/metrics"
	"github.com/MdHelalUddinBiswas/langchain-rag/pkg/resilience"
)

// Fixed replies.
const (
	EmptyIndexMessage = "I don't have any information from the PDF yet. Please upload a PDF document first."
	NoMatchesMessage  = "I couldn't find any relevant information in the PDF to answer your question. Please try rephrasing your question or upload a different PDF."
	FallbackAnswer    = "I couldn't generate an answer from the PDF content."
)

// State is a step of the retrieval state machine.
type State string

const (
	StateReceived      State = "received"
	StateEmbeddedQuery State = "embedded_query"
	StateSearched      State = "searched"
	StateRanked        State = "ranked"
	StateSynthesized   State = "synthesized"
	StateDone          State = "done"
	StateEmptyIndex    State = "empty_index"
	StateNoMatches     State = "no_matches"
	StateFailed        State = "failed"
)

// Embedder turns texts into vectors, one per input.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Searcher is the read side of the vector store.
type Searcher interface {
	Query(ctx context.Context, vector []float32, topK int, filter map[string]string) ([]domain.Match, error)
	Stats(ctx context.Context) (domain.Stats, error)
}

// ChatModel produces a completion for a system and user message.
type ChatModel interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// Deps holds the external dependencies of the retrieval pipeline.
type Deps struct {
	Embedder Embedder
	Searcher Searcher
	Chat     ChatModel
	Logger   *slog.Logger
	Metrics  *metrics.Registry
}

// Options configures the RAG pipeline behaviour.
type Options struct {
	TopK          int
	SystemPrompt  string
	SearchTimeout time.Duration
	// Breaker guards the chat model.
	Breaker resilience.BreakerOpts
	// ChatRatePerSecond caps chat completions per second. Zero disables the cap.
	ChatRatePerSecond float64
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		TopK:          5,
		SystemPrompt:  DefaultSystemPrompt,
		SearchTimeout: 10 * time.Second,
		Breaker:       resilience.DefaultBreakerOpts,
	}
}

// DefaultSystemPrompt restricts answers to the retrieved context.
const DefaultSystemPrompt = `Use the following pieces of context to answer the question at the end.
If you don't know the answer, just say that you don't know, don't try to make up an answer.`

// Answer is the outcome of a question.
type Answer struct {
	Text    string         `json:"text"`
	State   State          `json:"state"`
	Sources []string       `json:"sources,omitempty"`
	Matches []domain.Match `json:"matches,omitempty"`
}

// Service is the RAG orchestration service.
type Service struct {
	deps    Deps
	opts    Options
	logger  *slog.Logger
	breaker *resilience.Breaker
	limiter *resilience.Limiter

	reg      *metrics.Registry
	duration *metrics.Histogram
}

// New creates a new RAG Service.
func New(deps Deps, opts Options) *Service {
	def := DefaultOptions()
	if opts.TopK <= 0 {
		opts.TopK = def.TopK
	}
	if opts.SystemPrompt == "" {
		opts.SystemPrompt = def.SystemPrompt
	}
	if opts.SearchTimeout <= 0 {
		opts.SearchTimeout = def.SearchTimeout
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	logger := deps.Logger
	bopts := opts.Breaker
	bopts.OnStateChange = func(from, to resilience.State) {
		logger.Warn("rag: chat breaker state change", "from", from.String(), "to", to.String())
	}
	return &Service{
		deps:     deps,
		opts:     opts,
		logger:   logger,
		breaker:  resilience.NewBreaker(bopts),
		limiter:  resilience.NewLimiter(resilience.LimiterOpts{Rate: opts.ChatRatePerSecond, Burst: 1}),
		reg:      deps.Metrics,
		duration: deps.Metrics.Histogram("pdfrag_rag_duration_seconds", "End-to-end question latency.", nil),
	}
}

var tracer = otel.Tracer("engine/rag")

// Query runs the full RAG pipeline for a user question. Empty index and no
// matches are answers, not errors.
func (s *Service) Query(ctx context.Context, question string) (*Answer, error) {
	ctx, span := tracer.Start(ctx, "rag.query")
	defer span.End()
	start := time.Now()
	defer s.duration.Since(start)

	q, err := domain.ValidateQuestion(question)
	if err != nil {
		return s.fail(span, StateReceived, err)
	}
	s.logger.InfoContext(ctx, "rag query start", "question_len", len(q))

	// 1. Make sure there is anything to search.
	searchCtx, cancel := context.WithTimeout(ctx, s.opts.SearchTimeout)
	stats, err := s.deps.Searcher.Stats(searchCtx)
	cancel()
	if err != nil {
		return s.fail(span, StateReceived, storeErr("stats", err))
	}
	if stats.TotalRecordCount == 0 {
		s.logger.InfoContext(ctx, "rag index empty")
		return s.early(span, EmptyIndexMessage, StateEmptyIndex), nil
	}

	// 2. Embed the question.
	vecs, err := s.deps.Embedder.Embed(ctx, []string{q})
	if err == nil && len(vecs) != 1 {
		err = fmt.Errorf("got %d vectors for 1 question", len(vecs))
	}
	if err != nil {
		if !domain.IsUpstream(err) {
			err = fmt.Errorf("%w: %w", domain.ErrEmbeddingUnavailable, err)
		}
		return s.fail(span, StateReceived, fmt.Errorf("rag: embed query: %w", err))
	}

	// 3. Semantic search.
	searchCtx, cancel = context.WithTimeout(ctx, s.opts.SearchTimeout)
	matches, err := s.deps.Searcher.Query(searchCtx, vecs[0], s.opts.TopK, nil)
	cancel()
	if err != nil {
		return s.fail(span, StateEmbeddedQuery, storeErr("query", err))
	}
	s.logger.InfoContext(ctx, "rag semantic search done", "results", len(matches))
	if len(matches) == 0 {
		return s.early(span, NoMatchesMessage, StateNoMatches), nil
	}

	// 4. Restore reading order and build the prompt.
	ranked := Rank(matches)
	user := BuildPrompt(BuildContext(ranked), q)

	// 5. Call the chat model.
	text, err := s.complete(ctx, user)
	if err != nil {
		return s.fail(span, StateRanked, err)
	}
	if strings.TrimSpace(text) == "" {
		text = FallbackAnswer
	}

	s.count(StateDone)
	span.SetAttributes(attribute.String("rag.state", string(StateDone)), attribute.Int("rag.matches", len(ranked)))
	s.logger.InfoContext(ctx, "rag query done", "matches", len(ranked), "duration", time.Since(start))
	return &Answer{
		Text:    text,
		State:   StateDone,
		Sources: fn.Unique(fn.Map(ranked, func(m domain.Match) string { return m.Metadata.Source })),
		Matches: ranked,
	}, nil
}

// complete calls the chat model through the rate limiter and breaker.
func (s *Service) complete(ctx context.Context, user string) (string, error) {
	call := fn.LiftStage(func(ctx context.Context, user string) (string, error) {
		return s.deps.Chat.Complete(ctx, s.opts.SystemPrompt, user)
	})
	guarded := resilience.LimiterStageWait(s.limiter, resilience.BreakerStage(s.breaker, call))
	text, err := fn.TracedStage("rag.complete", guarded)(ctx, user).Unwrap()
	if err != nil {
		if !domain.IsUpstream(err) {
			err = fmt.Errorf("%w: %w", domain.ErrModelUnavailable, err)
		}
		return "", fmt.Errorf("rag: chat: %w", err)
	}
	return text, nil
}

func (s *Service) early(span trace.Span, text string, st State) *Answer {
	s.count(st)
	span.SetAttributes(attribute.String("rag.state", string(st)))
	return &Answer{Text: text, State: st}
}

func (s *Service) fail(span trace.Span, from State, err error) (*Answer, error) {
	s.count(StateFailed)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.SetAttributes(attribute.String("rag.failed_in", string(from)))
	s.logger.Error("rag query failed", "state", from, "err", err)
	return nil, err
}

func (s *Service) count(st State) {
	s.reg.Counter(metrics.WithLabels("pdfrag_rag_queries_total", "outcome", string(st)), "Questions by outcome.").Inc()
}

func storeErr(op string, err error) error {
	if !domain.IsUpstream(err) {
		err = fmt.Errorf("%w: %w", domain.ErrVectorStoreUnavailable, err)
	}
	return fmt.Errorf("rag: %s: %w", op, err)
}

// Rank returns a copy of matches in ascending chunk order, keeping the
// search order among equal chunk indices. Each match's score is copied into
// its metadata.
func Rank(matches []domain.Match) []domain.Match {
	out := make([]domain.Match, len(matches))
	copy(out, matches)
	for i := range out {
		score := out[i].Score
		out[i].Metadata.Score = &score
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Metadata.Chunk < out[j].Metadata.Chunk
	})
	return out
}

// BuildContext joins the match texts with blank lines.
func BuildContext(ranked []domain.Match) string {
	return strings.Join(fn.Map(ranked, func(m domain.Match) string { return m.Metadata.Text }), "\n\n")
}

// BuildPrompt formats the user message from context and question.
func BuildPrompt(context, question string) string {
	return context + "\n\nQuestion: " + question + "\nHelpful Answer:"
}
