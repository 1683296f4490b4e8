// Package domain defines the core types, record identity rules, and error
// taxonomy shared by the ingestion and retrieval pipelines.
package domain

import (
	"regexp"
	"strconv"
	"time"
)

// DocumentType is the metadata type tag carried by every stored record.
const DocumentType = "pdf"

// Chunk is a bounded slice of a document's text.
type Chunk struct {
	Text       string `json:"text"`
	SourceID   string `json:"source_id"`
	ChunkIndex int    `json:"chunk_index"`
}

// Metadata is the payload stored alongside each vector.
type Metadata struct {
	Text   string   `json:"text"`
	Source string   `json:"source"`
	Chunk  int      `json:"chunk"`
	Score  *float32 `json:"score,omitempty"`
	Type   string   `json:"type"`
}

// VectorRecord is a single embedded chunk as persisted in the vector index.
type VectorRecord struct {
	ID       string
	Values   []float32
	Metadata Metadata
}

// Match is one similarity-search hit.
type Match struct {
	ID       string   `json:"id"`
	Score    float32  `json:"score"`
	Metadata Metadata `json:"metadata"`
}

// Stats summarizes the vector index.
type Stats struct {
	TotalRecordCount int `json:"total_record_count"`
}

// Document describes one ingested source as kept in the document catalog.
type Document struct {
	Source     string    `json:"source"`
	Pages      int       `json:"pages"`
	Chunks     int       `json:"chunks"`
	Bytes      int       `json:"bytes"`
	IngestedAt time.Time `json:"ingested_at"`
}

var whitespaceRun = regexp.MustCompile(`\s+`)

// RecordID derives the deterministic record id for a chunk of a source.
func RecordID(source string, chunkIndex int) string {
	return whitespaceRun.ReplaceAllString(source, "-") + "-chunk-" + strconv.Itoa(chunkIndex)
}

// AmbiguousID reports whether RecordID rewrites whitespace in source, in
// which case another source differing only by '-' maps to the same ids.
func AmbiguousID(source string) bool {
	return whitespaceRun.MatchString(source)
}

// NewVectorRecord builds the record for an embedded chunk.
func NewVectorRecord(c Chunk, values []float32) VectorRecord {
	return VectorRecord{
		ID:     RecordID(c.SourceID, c.ChunkIndex),
		Values: values,
		Metadata: Metadata{
			Text:   c.Text,
			Source: c.SourceID,
			Chunk:  c.ChunkIndex,
			Type:   DocumentType,
		},
	}
}
