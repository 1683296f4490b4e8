// Package repo defines a generic keyed repository and its Neo4j implementation.
package repo

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when no entity has the requested id.
var ErrNotFound = errors.New("repo: not found")

// Repository is a generic keyed store. Upsert creates or overwrites by id;
// deleting a missing id is not an error.
type Repository[T any, ID comparable] interface {
	Get(ctx context.Context, id ID) (T, error)
	List(ctx context.Context, opts ListOpts) ([]T, error)
	Upsert(ctx context.Context, entity T) (T, error)
	Delete(ctx context.Context, id ID) error
}

// ListOpts controls pagination for List operations.
type ListOpts struct {
	Offset int
	Limit  int
}

// DefaultListLimit applies when ListOpts.Limit is not positive.
const DefaultListLimit = 100
