// Package ingest runs uploaded PDFs through the indexing pipeline: parse,
// chunk, embed, and replace the source's records in the vector store.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MdHelalUddinBiswas/langchain-rag/engine/document"
	"github.com/MdHelalUddinBiswas/langchain-rag/engine/domain"
	"github.com/MdHelalUddinBiswas/langchain-rag/engine/semantic"
	"github.com/MdHelalUddinBiswas/langchain-rag/pkg/fn"
	"github.com/MdHelalUddinBiswas/langchain-rag/pkg/keylock"
	"github.com/MdHelalUddinBiswas/langchain-rag/pkg/metrics"
)

// Embedder turns chunk texts into vectors, one per input, in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Catalog records successfully ingested documents.
type Catalog interface {
	Record(ctx context.Context, doc domain.Document) error
}

// Deps holds the external dependencies for the ingestion pipeline.
type Deps struct {
	Ingestor *document.Ingestor
	Embedder Embedder
	Store    semantic.Store
	Locker   keylock.Locker // nil: in-process lock
	Catalog  Catalog        // optional
	Logger   *slog.Logger
	Metrics  *metrics.Registry
}

// Options tunes the replace step.
type Options struct {
	// ReplaceDeleteFirst deletes every record of the source before upserting
	// the new ones. The default upserts first and then drops only the stale
	// tail, so a failed upsert never leaves the source without records.
	ReplaceDeleteFirst bool
}

// Pipeline is the indexing state machine. It is safe for concurrent use;
// ingestions of the same source are serialized.
type Pipeline struct {
	deps Deps
	opts Options
	log  *slog.Logger
	run  fn.Stage[Upload, EmbeddedDoc]

	total    *metrics.Counter
	failed   *metrics.Counter
	chunks   *metrics.Counter
	inFlight *metrics.Gauge
	duration *metrics.Histogram
}

// NewPipeline constructs the pipeline with all stages wired.
func NewPipeline(deps Deps, opts Options) *Pipeline {
	if deps.Ingestor == nil {
		deps.Ingestor = document.NewIngestor(nil)
	}
	if deps.Locker == nil {
		deps.Locker = keylock.NewLocal()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	reg := deps.Metrics
	p := &Pipeline{
		deps:     deps,
		opts:     opts,
		log:      deps.Logger,
		total:    reg.Counter(metrics.WithLabels("pdfrag_ingest_total", "result", "ok"), "Ingestions by result."),
		failed:   reg.Counter(metrics.WithLabels("pdfrag_ingest_total", "result", "error"), "Ingestions by result."),
		chunks:   reg.Counter("pdfrag_ingest_chunks_total", "Chunks written to the vector store."),
		inFlight: reg.Gauge("pdfrag_ingest_in_flight", "Ingestions currently running."),
		duration: reg.Histogram("pdfrag_ingest_duration_seconds", "End-to-end ingestion latency.", nil),
	}

	log := p.log
	// Parse -> Chunk -> Embed -> Replace, with logging taps between stages.
	parsed := fn.Then(LoggedTap[Upload]("parse", log), observe(p, "parse", StateReceived, p.parse))
	chunked := fn.Then(parsed, fn.Then(LoggedTap[ParsedDoc]("chunk", log), observe(p, "chunk", StateParsed, p.chunk)))
	embedded := fn.Then(chunked, fn.Then(LoggedTap[ChunkedDoc]("embed", log), observe(p, "embed", StateChunked, p.embed)))
	p.run = fn.Then(embedded, fn.Then(LoggedTap[EmbeddedDoc]("replace", log), observe(p, "replace", StateEmbedded, p.replace)))
	return p
}

// LoggedTap returns a stage that logs entry into the named stage.
func LoggedTap[T any](name string, log *slog.Logger) fn.Stage[T, T] {
	return fn.TapStage(func(ctx context.Context, _ T) {
		log.DebugContext(ctx, "ingest stage.enter", "stage", name)
	})
}

// observe traces and times a stage and tags its failure with the state the
// document was in when it ran.
func observe[In, Out any](p *Pipeline, name string, from State, stage fn.Stage[In, Out]) fn.Stage[In, Out] {
	hist := p.deps.Metrics.Histogram(metrics.WithLabels("pdfrag_ingest_stage_seconds", "stage", name), "Per-stage ingestion latency.", nil)
	return fn.TracedStage("ingest."+name, func(ctx context.Context, in In) fn.Result[Out] {
		start := time.Now()
		r := stage(ctx, in)
		hist.Since(start)
		p.log.DebugContext(ctx, "ingest stage.exit", "stage", name, "duration", time.Since(start))
		if r.IsErr() {
			_, err := r.Unwrap()
			return fn.Err[Out](&StageError{State: from, Err: err})
		}
		return r
	})
}

// Ingest runs up through the pipeline and reports the final state. The
// returned error, when non-nil, is also recorded in the report.
func (p *Pipeline) Ingest(ctx context.Context, up Upload) (Report, error) {
	start := time.Now()
	p.inFlight.Inc()
	defer p.inFlight.Dec()
	defer p.duration.Since(start)

	rep := Report{Source: up.Source, State: StateReceived}
	p.log.InfoContext(ctx, "ingest start", "source", up.Source, "bytes", len(up.Data))

	if err := domain.ValidateSource(up.Source); err != nil {
		return p.fail(ctx, rep, StateReceived, err)
	}
	if err := domain.ValidateUpload(up.Source, up.Data); err != nil {
		return p.fail(ctx, rep, StateReceived, err)
	}

	unlock, err := p.deps.Locker.Lock(ctx, up.Source)
	if err != nil {
		return p.fail(ctx, rep, StateReceived, fmt.Errorf("ingest: lock %s: %w", up.Source, err))
	}
	defer unlock()

	doc, err := p.run(ctx, up).Unwrap()
	if err != nil {
		from := StateReceived
		var se *StageError
		if errors.As(err, &se) {
			from = se.State
		}
		return p.fail(ctx, rep, from, err)
	}
	rep.State = StateReplaced
	rep.Chunks = len(doc.Chunks)

	if p.deps.Catalog != nil {
		entry := domain.Document{
			Source:     up.Source,
			Pages:      len(doc.Pages),
			Chunks:     len(doc.Chunks),
			Bytes:      len(up.Data),
			IngestedAt: time.Now().UTC(),
		}
		if err := p.deps.Catalog.Record(ctx, entry); err != nil {
			p.log.WarnContext(ctx, "ingest: catalog record failed", "source", up.Source, "err", err)
		}
	}

	rep.State = StateDone
	rep.Success = true
	p.total.Inc()
	p.chunks.Add(int64(rep.Chunks))
	p.log.InfoContext(ctx, "ingest done", "source", up.Source, "chunks", rep.Chunks, "duration", time.Since(start))
	return rep, nil
}

func (p *Pipeline) fail(ctx context.Context, rep Report, from State, err error) (Report, error) {
	rep.State = StateFailed
	rep.FailedIn = from
	rep.Err = err
	rep.Error = err.Error()
	p.failed.Inc()
	p.log.ErrorContext(ctx, "ingest failed", "source", rep.Source, "state", from, "err", err)
	return rep, err
}

// --- Pipeline Stages ---

func (p *Pipeline) parse(_ context.Context, up Upload) fn.Result[ParsedDoc] {
	pages, err := document.ExtractPages(up.Data)
	if err != nil {
		return fn.Err[ParsedDoc](fmt.Errorf("ingest: parse %s: %w", up.Source, err))
	}
	return fn.Ok(ParsedDoc{Upload: up, Pages: pages})
}

func (p *Pipeline) chunk(_ context.Context, doc ParsedDoc) fn.Result[ChunkedDoc] {
	chunks, err := p.deps.Ingestor.ChunkPages(doc.Pages, doc.Source)
	if err != nil {
		return fn.Err[ChunkedDoc](err)
	}
	return fn.Ok(ChunkedDoc{ParsedDoc: doc, Chunks: chunks})
}

func (p *Pipeline) embed(ctx context.Context, doc ChunkedDoc) fn.Result[EmbeddedDoc] {
	texts := fn.Map(doc.Chunks, func(c domain.Chunk) string { return c.Text })
	vecs, err := p.deps.Embedder.Embed(ctx, texts)
	if err != nil {
		if !domain.IsUpstream(err) {
			err = fmt.Errorf("%w: %w", domain.ErrEmbeddingUnavailable, err)
		}
		return fn.Err[EmbeddedDoc](fmt.Errorf("ingest: embed %s: %w", doc.Source, err))
	}
	if len(vecs) != len(texts) {
		return fn.Err[EmbeddedDoc](fmt.Errorf("ingest: embed %s: got %d vectors for %d chunks: %w",
			doc.Source, len(vecs), len(texts), domain.ErrEmbeddingUnavailable))
	}
	return fn.Ok(EmbeddedDoc{ChunkedDoc: doc, Vectors: vecs})
}

// replace swaps the source's records in the store for the new ones.
func (p *Pipeline) replace(ctx context.Context, doc EmbeddedDoc) fn.Result[EmbeddedDoc] {
	records := make([]domain.VectorRecord, len(doc.Chunks))
	for i, c := range doc.Chunks {
		records[i] = domain.NewVectorRecord(c, doc.Vectors[i])
	}
	store := p.deps.Store
	if len(records) > 0 && domain.AmbiguousID(doc.Source) {
		p.log.WarnContext(ctx, "ingest: record ids normalize whitespace and may collide with another source",
			"source", doc.Source, "id_prefix", records[0].ID)
	}

	if p.opts.ReplaceDeleteFirst {
		if err := store.DeleteBySource(ctx, doc.Source); err != nil {
			p.log.WarnContext(ctx, "ingest: delete old records failed", "source", doc.Source, "err", err)
		}
		if err := store.Upsert(ctx, records); err != nil {
			return fn.Err[EmbeddedDoc](upsertErr(doc.Source, len(records), err))
		}
		return fn.Ok(doc)
	}

	if err := store.Upsert(ctx, records); err != nil {
		return fn.Err[EmbeddedDoc](upsertErr(doc.Source, len(records), err))
	}
	if err := store.DeleteStale(ctx, doc.Source, len(records)); err != nil {
		// New records are in, but chunks from a longer previous version remain.
		return fn.Err[EmbeddedDoc](&domain.PartialIngestionError{
			Source:    doc.Source,
			Committed: len(records),
			Total:     len(records),
			Err:       storeErr("delete stale", doc.Source, err),
		})
	}
	return fn.Ok(doc)
}

func storeErr(op, source string, err error) error {
	if !domain.IsUpstream(err) {
		err = fmt.Errorf("%w: %w", domain.ErrVectorStoreUnavailable, err)
	}
	return fmt.Errorf("ingest: %s %s: %w", op, source, err)
}

func upsertErr(source string, total int, err error) error {
	var ue *semantic.UpsertError
	if errors.As(err, &ue) && ue.Committed > 0 {
		return &domain.PartialIngestionError{Source: source, Committed: ue.Committed, Total: total, Err: err}
	}
	return storeErr("upsert", source, err)
}
