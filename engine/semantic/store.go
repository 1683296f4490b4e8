// Package semantic owns the vector index: batched upserts, replace-by-source
// deletes, similarity queries, and dimension enforcement.
package semantic

import (
	"context"
	"fmt"

	"github.com/MdHelalUddinBiswas/langchain-rag/engine/domain"
	"github.com/MdHelalUddinBiswas/langchain-rag/pkg/fn"
)

// Store is the vector index used by the ingestion and retrieval pipelines.
type Store interface {
	// Upsert writes records in sequential batches of BatchSize.
	Upsert(ctx context.Context, records []domain.VectorRecord) error
	// DeleteBySource removes every record whose source matches. No match is not an error.
	DeleteBySource(ctx context.Context, source string) error
	// DeleteStale removes the records of source whose chunk index is >= keep.
	DeleteStale(ctx context.Context, source string, keep int) error
	// Query returns at most topK nearest records, optionally filtered by exact metadata values.
	Query(ctx context.Context, vector []float32, topK int, filter map[string]string) ([]domain.Match, error)
	Stats(ctx context.Context) (domain.Stats, error)
	Ping(ctx context.Context) error
}

// Truncate cuts vec to dim values. Values below dim are unchanged.
// A vector shorter than dim cannot be stored in the index.
func Truncate(vec []float32, dim int) ([]float32, error) {
	if dim <= 0 || len(vec) == dim {
		return vec, nil
	}
	if len(vec) < dim {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vec), dim)
	}
	return vec[:dim:dim], nil
}

// upsertBatches calls write for each consecutive batch, stopping at the first
// failure. The returned error is an *UpsertError carrying the committed count.
func upsertBatches(ctx context.Context, records []domain.VectorRecord, size int, write func(context.Context, []domain.VectorRecord) error) error {
	committed := 0
	for _, batch := range fn.Chunk(records, size) {
		if err := ctx.Err(); err != nil {
			return &UpsertError{Committed: committed, Total: len(records), Err: err}
		}
		if err := write(ctx, batch); err != nil {
			return &UpsertError{Committed: committed, Total: len(records), Err: err}
		}
		committed += len(batch)
	}
	return nil
}

// fitRecords truncates every record's values to dim.
func fitRecords(records []domain.VectorRecord, dim int) ([]domain.VectorRecord, error) {
	out := make([]domain.VectorRecord, len(records))
	for i, r := range records {
		v, err := Truncate(r.Values, dim)
		if err != nil {
			return nil, fmt.Errorf("record %s: %w", r.ID, err)
		}
		r.Values = v
		out[i] = r
	}
	return out, nil
}
