package semantic

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strconv"

	"github.com/philippgille/chromem-go"

	"github.com/MdHelalUddinBiswas/langchain-rag/engine/domain"
)

var errNoEmbedder = errors.New("semantic: chromem store requires precomputed embeddings")

// ChromemStore is a Store backed by an embedded chromem-go collection,
// held in memory or persisted to a directory.
type ChromemStore struct {
	db   *chromem.DB
	coll *chromem.Collection
	dim  int
}

var _ Store = (*ChromemStore)(nil)

// NewChromem opens (or creates) the named collection. An empty dir keeps
// everything in memory.
func NewChromem(dir, collection string, dim int) (*ChromemStore, error) {
	if dim <= 0 {
		dim = DefaultDimension
	}
	db := chromem.NewDB()
	if dir != "" {
		var err error
		db, err = chromem.NewPersistentDB(dir, false)
		if err != nil {
			return nil, fmt.Errorf("semantic: open chromem db %s: %w", dir, err)
		}
	}
	noEmbed := func(context.Context, string) ([]float32, error) { return nil, errNoEmbedder }
	coll, err := db.GetOrCreateCollection(collection, nil, noEmbed)
	if err != nil {
		return nil, fmt.Errorf("semantic: collection %s: %w", collection, err)
	}
	return &ChromemStore{db: db, coll: coll, dim: dim}, nil
}

// Upsert stores records in batches of BatchSize. Existing ids are overwritten.
func (c *ChromemStore) Upsert(ctx context.Context, records []domain.VectorRecord) error {
	if len(records) == 0 {
		return nil
	}
	fitted, err := fitRecords(records, c.dim)
	if err != nil {
		return fmt.Errorf("semantic: upsert: %w", err)
	}
	return upsertBatches(ctx, fitted, BatchSize, func(ctx context.Context, batch []domain.VectorRecord) error {
		docs := make([]chromem.Document, len(batch))
		for i, r := range batch {
			docs[i] = chromem.Document{
				ID:        r.ID,
				Content:   r.Metadata.Text,
				Embedding: r.Values,
				Metadata: map[string]string{
					keySource: r.Metadata.Source,
					keyChunk:  strconv.Itoa(r.Metadata.Chunk),
					keyType:   r.Metadata.Type,
				},
			}
		}
		if err := c.coll.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
			return fmt.Errorf("semantic: add %d documents: %w: %w", len(batch), domain.ErrVectorStoreUnavailable, err)
		}
		return nil
	})
}

// DeleteBySource removes every document whose source matches.
func (c *ChromemStore) DeleteBySource(ctx context.Context, source string) error {
	if err := c.coll.Delete(ctx, map[string]string{keySource: source}, nil); err != nil {
		return fmt.Errorf("semantic: delete source %s: %w", source, err)
	}
	return nil
}

// DeleteStale removes the documents of source with chunk >= keep.
func (c *ChromemStore) DeleteStale(ctx context.Context, source string, keep int) error {
	docs, err := c.sourceDocs(ctx, source)
	if err != nil {
		return err
	}
	var stale []string
	for _, d := range docs {
		if d.Metadata.Chunk >= keep {
			stale = append(stale, d.ID)
		}
	}
	if len(stale) == 0 {
		return nil
	}
	if err := c.coll.Delete(ctx, nil, nil, stale...); err != nil {
		return fmt.Errorf("semantic: delete %d stale documents of %s: %w", len(stale), source, err)
	}
	return nil
}

// sourceDocs lists every document of a source. chromem has no scan API, so a
// filtered query over the whole collection stands in for one.
func (c *ChromemStore) sourceDocs(ctx context.Context, source string) ([]domain.Match, error) {
	n := c.coll.Count()
	if n == 0 {
		return nil, nil
	}
	axis := make([]float32, c.dim)
	axis[0] = 1
	return c.query(ctx, axis, n, map[string]string{keySource: source})
}

// Query returns the topK most similar documents. topK is capped at the collection size.
func (c *ChromemStore) Query(ctx context.Context, vector []float32, topK int, filter map[string]string) ([]domain.Match, error) {
	vec, err := Truncate(vector, c.dim)
	if err != nil {
		return nil, fmt.Errorf("semantic: query: %w", err)
	}
	n := min(topK, c.coll.Count())
	if n <= 0 {
		return nil, nil
	}
	return c.query(ctx, vec, n, filter)
}

func (c *ChromemStore) query(ctx context.Context, vec []float32, n int, filter map[string]string) ([]domain.Match, error) {
	if len(filter) == 0 {
		filter = nil
	}
	res, err := c.coll.QueryEmbedding(ctx, vec, n, filter, nil)
	if err != nil {
		return nil, fmt.Errorf("semantic: query: %w: %w", domain.ErrVectorStoreUnavailable, err)
	}
	matches := make([]domain.Match, len(res))
	for i, r := range res {
		score := r.Similarity
		chunk, _ := strconv.Atoi(r.Metadata[keyChunk])
		matches[i] = domain.Match{
			ID:    r.ID,
			Score: score,
			Metadata: domain.Metadata{
				Text:   r.Content,
				Source: r.Metadata[keySource],
				Chunk:  chunk,
				Score:  &score,
				Type:   r.Metadata[keyType],
			},
		}
	}
	return matches, nil
}

// Stats returns the number of stored documents.
func (c *ChromemStore) Stats(context.Context) (domain.Stats, error) {
	return domain.Stats{TotalRecordCount: c.coll.Count()}, nil
}

// Ping always succeeds for an embedded store.
func (c *ChromemStore) Ping(context.Context) error { return nil }
