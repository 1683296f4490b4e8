// Package catalog keeps a record of every ingested document in Neo4j.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/MdHelalUddinBiswas/langchain-rag/engine/domain"
	"github.com/MdHelalUddinBiswas/langchain-rag/pkg/repo"
)

// Label is the node label of catalog entries.
const Label = "PDFDocument"

// ErrNotFound is returned by Get for an unknown source.
var ErrNotFound = repo.ErrNotFound

// Catalog lists ingested documents.
type Catalog struct {
	repo   *repo.Neo4jRepo[domain.Document, string]
	driver neo4j.DriverWithContext
}

// New creates a Catalog over driver, optionally in a named database.
func New(driver neo4j.DriverWithContext, database string) *Catalog {
	return &Catalog{
		repo: repo.NewNeo4jRepo[domain.Document, string](driver, Label, toMap, fromRecord,
			repo.WithIDKey[domain.Document, string]("source"),
			repo.WithOrderBy[domain.Document, string]("source"),
			repo.WithDatabase[domain.Document, string](database),
		),
		driver: driver,
	}
}

// Connect opens a driver for uri with basic auth and verifies it.
func Connect(ctx context.Context, uri, user, password string) (neo4j.DriverWithContext, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, fmt.Errorf("catalog: driver %s: %w", uri, err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("catalog: connect %s: %w", uri, err)
	}
	return driver, nil
}

// Init creates the uniqueness constraint on source.
func (c *Catalog) Init(ctx context.Context) error { return c.repo.EnsureConstraint(ctx) }

// Record creates or replaces the entry for doc.Source.
func (c *Catalog) Record(ctx context.Context, doc domain.Document) error {
	if _, err := c.repo.Upsert(ctx, doc); err != nil {
		return fmt.Errorf("catalog: record %s: %w", doc.Source, err)
	}
	return nil
}

// Get returns the entry for source.
func (c *Catalog) Get(ctx context.Context, source string) (domain.Document, error) {
	return c.repo.Get(ctx, source)
}

// List returns entries ordered by source.
func (c *Catalog) List(ctx context.Context, offset, limit int) ([]domain.Document, error) {
	docs, err := c.repo.List(ctx, repo.ListOpts{Offset: offset, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	return docs, nil
}

// Delete removes the entry for source. Unknown sources are ignored.
func (c *Catalog) Delete(ctx context.Context, source string) error {
	return c.repo.Delete(ctx, source)
}

// Ping checks connectivity to the database.
func (c *Catalog) Ping(ctx context.Context) error {
	if c.driver == nil {
		return errors.New("catalog: no driver")
	}
	return c.driver.VerifyConnectivity(ctx)
}

func toMap(d domain.Document) map[string]any {
	return map[string]any{
		"source":      d.Source,
		"pages":       int64(d.Pages),
		"chunks":      int64(d.Chunks),
		"bytes":       int64(d.Bytes),
		"ingested_at": d.IngestedAt.UTC(),
	}
}

func fromRecord(rec *neo4j.Record) (domain.Document, error) {
	node, _, err := neo4j.GetRecordValue[neo4j.Node](rec, "n")
	if err != nil {
		return domain.Document{}, err
	}
	source, err := neo4j.GetProperty[string](node, "source")
	if err != nil {
		return domain.Document{}, err
	}
	doc := domain.Document{
		Source: source,
		Pages:  intProp(node, "pages"),
		Chunks: intProp(node, "chunks"),
		Bytes:  intProp(node, "bytes"),
	}
	if t, ok := node.Props["ingested_at"].(time.Time); ok {
		doc.IngestedAt = t.UTC()
	}
	return doc, nil
}

func intProp(node neo4j.Node, key string) int {
	v, err := neo4j.GetProperty[int64](node, key)
	if err != nil {
		return 0
	}
	return int(v)
}
