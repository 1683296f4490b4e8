package repo

import (
	"context"
	"errors"
	"testing"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Mock infrastructure ---

type mockResult struct {
	records []*neo4j.Record
	idx     int
	err     error
}

func (m *mockResult) Next(context.Context) bool {
	if m.idx < len(m.records) {
		m.idx++
		return true
	}
	return false
}

func (m *mockResult) Record() *neo4j.Record { return m.records[m.idx-1] }

func (m *mockResult) Err() error { return m.err }

type call struct {
	cypher string
	params map[string]any
	mode   neo4j.AccessMode
}

type mockRunner struct {
	records []*neo4j.Record
	resErr  error
	err     error
	mode    neo4j.AccessMode
	calls   []call
	closed  int
}

func (m *mockRunner) Run(_ context.Context, cypher string, params map[string]any) (result, error) {
	m.calls = append(m.calls, call{cypher: cypher, params: params, mode: m.mode})
	if m.err != nil {
		return nil, m.err
	}
	return &mockResult{records: m.records, err: m.resErr}, nil
}

func (m *mockRunner) Close(context.Context) error {
	m.closed++
	return nil
}

type doc struct {
	Name  string
	Pages int64
}

func docRecord(name string, pages int64) *neo4j.Record {
	return &neo4j.Record{
		Keys:   []string{"n"},
		Values: []any{neo4j.Node{Labels: []string{"Doc"}, Props: map[string]any{"name": name, "pages": pages}}},
	}
}

func decodeDoc(rec *neo4j.Record) (doc, error) {
	node, _, err := neo4j.GetRecordValue[neo4j.Node](rec, "n")
	if err != nil {
		return doc{}, err
	}
	name, err := neo4j.GetProperty[string](node, "name")
	if err != nil {
		return doc{}, err
	}
	pages, err := neo4j.GetProperty[int64](node, "pages")
	if err != nil {
		return doc{}, err
	}
	return doc{Name: name, Pages: pages}, nil
}

func newTestRepo(r *mockRunner, opts ...Neo4jOption[doc, string]) *Neo4jRepo[doc, string] {
	repo := NewNeo4jRepo[doc, string](nil, "Doc",
		func(d doc) map[string]any { return map[string]any{"name": d.Name, "pages": d.Pages} },
		decodeDoc,
		append([]Neo4jOption[doc, string]{WithIDKey[doc, string]("name")}, opts...)...,
	)
	repo.newSession = func(_ context.Context, mode neo4j.AccessMode) runner {
		r.mode = mode
		return r
	}
	return repo
}

// --- Tests ---

func TestNewNeo4jRepo_Defaults(t *testing.T) {
	r := NewNeo4jRepo[doc, string](nil, "Doc", nil, nil)
	assert.Equal(t, "id", r.idKey)
	assert.Empty(t, r.orderBy)
	assert.Nil(t, r.newSession)
}

func TestGet(t *testing.T) {
	r := &mockRunner{records: []*neo4j.Record{docRecord("a.pdf", 3)}}
	got, err := newTestRepo(r).Get(context.Background(), "a.pdf")
	require.NoError(t, err)
	assert.Equal(t, doc{Name: "a.pdf", Pages: 3}, got)

	require.Len(t, r.calls, 1)
	assert.Equal(t, "MATCH (n:Doc {name: $id}) RETURN n", r.calls[0].cypher)
	assert.Equal(t, "a.pdf", r.calls[0].params["id"])
	assert.Equal(t, neo4j.AccessModeRead, r.calls[0].mode)
	assert.Equal(t, 1, r.closed)
}

func TestGet_NotFound(t *testing.T) {
	_, err := newTestRepo(&mockRunner{}).Get(context.Background(), "missing.pdf")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGet_Errors(t *testing.T) {
	_, err := newTestRepo(&mockRunner{err: errors.New("conn")}).Get(context.Background(), "a")
	assert.ErrorContains(t, err, "conn")

	_, err = newTestRepo(&mockRunner{resErr: errors.New("stream")}).Get(context.Background(), "a")
	assert.ErrorContains(t, err, "stream")
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestList(t *testing.T) {
	r := &mockRunner{records: []*neo4j.Record{docRecord("a.pdf", 1), docRecord("b.pdf", 2)}}
	got, err := newTestRepo(r, WithOrderBy[doc, string]("name")).List(context.Background(), ListOpts{Offset: 5})
	require.NoError(t, err)
	assert.Equal(t, []doc{{"a.pdf", 1}, {"b.pdf", 2}}, got)

	assert.Equal(t, "MATCH (n:Doc) RETURN n ORDER BY n.name SKIP $offset LIMIT $limit", r.calls[0].cypher)
	assert.Equal(t, 5, r.calls[0].params["offset"])
	assert.Equal(t, DefaultListLimit, r.calls[0].params["limit"])
}

func TestList_DecodeError(t *testing.T) {
	bad := &neo4j.Record{Keys: []string{"n"}, Values: []any{"not a node"}}
	_, err := newTestRepo(&mockRunner{records: []*neo4j.Record{bad}}).List(context.Background(), ListOpts{Limit: 1})
	assert.Error(t, err)
}

func TestUpsert(t *testing.T) {
	r := &mockRunner{records: []*neo4j.Record{docRecord("a.pdf", 4)}}
	got, err := newTestRepo(r).Upsert(context.Background(), doc{Name: "a.pdf", Pages: 4})
	require.NoError(t, err)
	assert.Equal(t, int64(4), got.Pages)

	assert.Equal(t, "MERGE (n:Doc {name: $id}) SET n += $props RETURN n", r.calls[0].cypher)
	assert.Equal(t, "a.pdf", r.calls[0].params["id"])
	assert.Equal(t, neo4j.AccessModeWrite, r.calls[0].mode)

	_, err = newTestRepo(&mockRunner{}).Upsert(context.Background(), doc{Name: "x"})
	assert.ErrorContains(t, err, "no row")
}

func TestDelete(t *testing.T) {
	r := &mockRunner{}
	require.NoError(t, newTestRepo(r).Delete(context.Background(), "a.pdf"))
	assert.Equal(t, "MATCH (n:Doc {name: $id}) DETACH DELETE n", r.calls[0].cypher)

	err := newTestRepo(&mockRunner{err: errors.New("down")}).Delete(context.Background(), "a.pdf")
	assert.ErrorContains(t, err, "down")
}

func TestEnsureConstraint(t *testing.T) {
	r := &mockRunner{}
	require.NoError(t, newTestRepo(r).EnsureConstraint(context.Background()))
	assert.Equal(t, "CREATE CONSTRAINT Doc_name_unique IF NOT EXISTS FOR (n:Doc) REQUIRE n.name IS UNIQUE", r.calls[0].cypher)
}
