package ingest

import (
	"github.com/MdHelalUddinBiswas/langchain-rag/engine/domain"
)

// State is a step of the indexing state machine.
type State string

const (
	StateReceived State = "received"
	StateParsed   State = "parsed"
	StateChunked  State = "chunked"
	StateEmbedded State = "embedded"
	StateReplaced State = "replaced"
	StateDone     State = "done"
	StateFailed   State = "failed"
)

// Upload is a named PDF handed to the pipeline.
type Upload struct {
	Source string
	Data   []byte
}

// ParsedDoc is an upload after text extraction, one entry per page.
type ParsedDoc struct {
	Upload
	Pages []string
}

// ChunkedDoc is a parsed document split into ordered chunks.
type ChunkedDoc struct {
	ParsedDoc
	Chunks []domain.Chunk
}

// EmbeddedDoc pairs every chunk with its vector.
type EmbeddedDoc struct {
	ChunkedDoc
	Vectors [][]float32
}

// Report is the outcome of one ingestion.
type Report struct {
	Source   string `json:"source,omitempty"`
	Success  bool   `json:"success"`
	State    State  `json:"state"`
	FailedIn State  `json:"failed_in,omitempty"`
	Chunks   int    `json:"chunks,omitempty"`
	Error    string `json:"error,omitempty"`
	Err      error  `json:"-"`
}

// StageError carries the state an ingestion had reached when a stage failed.
// Its message is the message of the underlying error.
type StageError struct {
	State State
	Err   error
}

func (e *StageError) Error() string { return e.Err.Error() }

func (e *StageError) Unwrap() error { return e.Err }
