package semantic

import (
	"errors"
	"fmt"
)

const (
	// DefaultDimension is the index dimension raw embeddings are truncated to.
	DefaultDimension = 1024
	// BatchSize is the number of records sent per upsert call.
	BatchSize = 100
)

// ErrDimensionMismatch is returned for vectors shorter than the index dimension.
var ErrDimensionMismatch = errors.New("semantic: vector shorter than index dimension")

// UpsertError reports a multi-batch upsert that failed part way through.
// Records in batches before the failing one remain committed.
type UpsertError struct {
	Committed int
	Total     int
	Err       error
}

func (e *UpsertError) Error() string {
	return fmt.Sprintf("semantic: upsert: %d/%d records committed: %v", e.Committed, e.Total, e.Err)
}

func (e *UpsertError) Unwrap() error { return e.Err }
