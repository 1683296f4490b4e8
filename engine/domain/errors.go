package domain

import (
	"errors"
	"fmt"
)

// Top-level error classes. Every error produced by the pipelines wraps one of them.
var (
	ErrInvalidInput        = errors.New("invalid input")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)

// Invalid input.
var (
	ErrMissingFile       = fmt.Errorf("no file received: %w", ErrInvalidInput)
	ErrUnsupportedFormat = fmt.Errorf("unsupported format: %w", ErrInvalidInput)
	ErrEmptyDocument     = fmt.Errorf("document has no extractable text: %w", ErrInvalidInput)
	ErrEmptyQuestion     = fmt.Errorf("question is empty: %w", ErrInvalidInput)
	ErrQuestionTooLong   = fmt.Errorf("question too long: %w", ErrInvalidInput)
	ErrInvalidSource     = fmt.Errorf("invalid source name: %w", ErrInvalidInput)
)

// Upstream failures.
var (
	ErrEmbeddingUnavailable   = fmt.Errorf("embedding unavailable: %w", ErrUpstreamUnavailable)
	ErrModelUnavailable       = fmt.Errorf("language model unavailable: %w", ErrUpstreamUnavailable)
	ErrVectorStoreUnavailable = fmt.Errorf("vector store unavailable: %w", ErrUpstreamUnavailable)
	ErrPartialIngestion       = fmt.Errorf("partial ingestion: %w", ErrUpstreamUnavailable)
)

// ValidationError wraps a sentinel with context.
type ValidationError struct {
	Field   string
	Value   string
	Wrapped error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s (value=%q)", e.Wrapped, e.Field, e.Value)
}

func (e *ValidationError) Unwrap() error { return e.Wrapped }

// NewValidationError creates a ValidationError.
func NewValidationError(field, value string, wrapped error) *ValidationError {
	return &ValidationError{Field: field, Value: value, Wrapped: wrapped}
}

// PartialIngestionError reports an ingestion that committed some but not all
// of a source's records before failing.
type PartialIngestionError struct {
	Source    string
	Committed int
	Total     int
	Err       error
}

func (e *PartialIngestionError) Error() string {
	return fmt.Sprintf("partial ingestion of %q: %d/%d records committed: %v", e.Source, e.Committed, e.Total, e.Err)
}

// Unwrap exposes both the class sentinel and the underlying cause.
func (e *PartialIngestionError) Unwrap() []error { return []error{ErrPartialIngestion, e.Err} }

// IsInvalidInput reports whether err belongs to the invalid-input class.
func IsInvalidInput(err error) bool { return errors.Is(err, ErrInvalidInput) }

// IsUpstream reports whether err belongs to the upstream-unavailable class.
func IsUpstream(err error) bool { return errors.Is(err, ErrUpstreamUnavailable) }
