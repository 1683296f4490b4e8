// Package document turns raw PDF bytes into ordered, overlapping text chunks.
package document

import (
	"fmt"

	"github.com/MdHelalUddinBiswas/langchain-rag/engine/domain"
)

// Ingestor extracts and chunks PDF documents. It performs no I/O.
type Ingestor struct {
	splitter *Splitter
}

// NewIngestor creates an Ingestor. A nil splitter uses the default size and overlap.
func NewIngestor(s *Splitter) *Ingestor {
	if s == nil {
		s = NewSplitter(DefaultChunkSize, DefaultOverlap)
	}
	return &Ingestor{splitter: s}
}

// Ingest parses raw as a PDF and returns its chunks. Each page is split on its
// own and chunk indices run contiguously from 0 across the whole document.
func (in *Ingestor) Ingest(raw []byte, sourceID string) ([]domain.Chunk, error) {
	pages, err := ExtractPages(raw)
	if err != nil {
		return nil, err
	}
	return in.ChunkPages(pages, sourceID)
}

// ChunkPages splits already-extracted page texts into chunks.
func (in *Ingestor) ChunkPages(pages []string, sourceID string) ([]domain.Chunk, error) {
	var chunks []domain.Chunk
	for _, page := range pages {
		for _, text := range in.splitter.Split(page) {
			chunks = append(chunks, domain.Chunk{
				Text:       text,
				SourceID:   sourceID,
				ChunkIndex: len(chunks),
			})
		}
	}
	if len(chunks) == 0 {
		return nil, fmt.Errorf("document: %s: %w", sourceID, domain.ErrEmptyDocument)
	}
	return chunks, nil
}
