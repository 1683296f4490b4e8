package rag

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MdHelalUddinBiswas/langchain-rag/engine/domain"
	"github.com/MdHelalUddinBiswas/langchain-rag/pkg/metrics"
	"github.com/MdHelalUddinBiswas/langchain-rag/pkg/resilience"
)

// --- mocks ---

type mockEmbedder struct {
	calls int
	err   error
}

func (m *mockEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0, 0}
	}
	return out, nil
}

type mockSearcher struct {
	count    int
	matches  []domain.Match
	statsErr error
	queryErr error
	topK     int
	queried  bool
}

func (m *mockSearcher) Stats(context.Context) (domain.Stats, error) {
	return domain.Stats{TotalRecordCount: m.count}, m.statsErr
}

func (m *mockSearcher) Query(_ context.Context, _ []float32, topK int, _ map[string]string) ([]domain.Match, error) {
	m.queried = true
	m.topK = topK
	return m.matches, m.queryErr
}

type mockChat struct {
	reply  string
	err    error
	calls  int
	system string
	user   string
}

func (m *mockChat) Complete(_ context.Context, system, user string) (string, error) {
	m.calls++
	m.system, m.user = system, user
	return m.reply, m.err
}

func match(source string, chunk int, score float32, text string) domain.Match {
	return domain.Match{
		ID:       domain.RecordID(source, chunk),
		Score:    score,
		Metadata: domain.Metadata{Text: text, Source: source, Chunk: chunk, Type: domain.DocumentType},
	}
}

func newService(emb *mockEmbedder, s *mockSearcher, chat *mockChat, opts Options) *Service {
	return New(Deps{Embedder: emb, Searcher: s, Chat: chat}, opts)
}

// --- tests ---

func TestQuery_EmptyQuestion(t *testing.T) {
	emb, s, chat := &mockEmbedder{}, &mockSearcher{count: 3}, &mockChat{}
	svc := newService(emb, s, chat, DefaultOptions())

	_, err := svc.Query(context.Background(), "   \n")
	assert.ErrorIs(t, err, domain.ErrEmptyQuestion)
	assert.True(t, domain.IsInvalidInput(err))
	assert.Zero(t, emb.calls)
	assert.False(t, s.queried)
}

func TestQuery_EmptyIndexSkipsEmbedding(t *testing.T) {
	emb, s, chat := &mockEmbedder{}, &mockSearcher{count: 0}, &mockChat{}
	reg := metrics.New()
	svc := New(Deps{Embedder: emb, Searcher: s, Chat: chat, Metrics: reg}, DefaultOptions())

	ans, err := svc.Query(context.Background(), "What is this about?")
	require.NoError(t, err)
	assert.Equal(t, EmptyIndexMessage, ans.Text)
	assert.Equal(t, StateEmptyIndex, ans.State)
	assert.Zero(t, emb.calls)
	assert.Zero(t, chat.calls)
	assert.Contains(t, reg.Render(), `pdfrag_rag_queries_total{outcome="empty_index"} 1`)
}

func TestQuery_NoMatches(t *testing.T) {
	emb, s, chat := &mockEmbedder{}, &mockSearcher{count: 4}, &mockChat{}
	svc := newService(emb, s, chat, DefaultOptions())

	ans, err := svc.Query(context.Background(), "Anything about whales?")
	require.NoError(t, err)
	assert.Equal(t, NoMatchesMessage, ans.Text)
	assert.Equal(t, StateNoMatches, ans.State)
	assert.Equal(t, 1, emb.calls)
	assert.Zero(t, chat.calls)
}

func TestQuery_ContextInChunkOrder(t *testing.T) {
	s := &mockSearcher{count: 10, matches: []domain.Match{
		match("a.pdf", 3, 0.9, "three"),
		match("a.pdf", 1, 0.8, "one"),
		match("a.pdf", 2, 0.7, "two"),
	}}
	chat := &mockChat{reply: "It is about numbers."}
	svc := newService(&mockEmbedder{}, s, chat, DefaultOptions())

	ans, err := svc.Query(context.Background(), "  What is it about?  ")
	require.NoError(t, err)
	assert.Equal(t, "It is about numbers.", ans.Text)
	assert.Equal(t, StateDone, ans.State)
	assert.Equal(t, 5, s.topK)

	assert.Equal(t, DefaultSystemPrompt, chat.system)
	assert.True(t, strings.HasPrefix(chat.user, "one\n\ntwo\n\nthree\n\n"), chat.user)
	assert.Contains(t, chat.user, "Question: What is it about?\n")

	require.Len(t, ans.Matches, 3)
	assert.Equal(t, 1, ans.Matches[0].Metadata.Chunk)
	require.NotNil(t, ans.Matches[0].Metadata.Score)
	assert.InDelta(t, 0.8, *ans.Matches[0].Metadata.Score, 1e-6)
	assert.Equal(t, []string{"a.pdf"}, ans.Sources)
}

func TestQuery_FallbackOnEmptyAnswer(t *testing.T) {
	s := &mockSearcher{count: 1, matches: []domain.Match{match("a.pdf", 0, 0.5, "text")}}
	svc := newService(&mockEmbedder{}, s, &mockChat{reply: "  \n"}, DefaultOptions())

	ans, err := svc.Query(context.Background(), "q?")
	require.NoError(t, err)
	assert.Equal(t, FallbackAnswer, ans.Text)
}

func TestQuery_EmbedFailure(t *testing.T) {
	chat := &mockChat{}
	s := &mockSearcher{count: 1}
	svc := newService(&mockEmbedder{err: errors.New("429")}, s, chat, DefaultOptions())

	_, err := svc.Query(context.Background(), "q?")
	assert.ErrorIs(t, err, domain.ErrEmbeddingUnavailable)
	assert.False(t, s.queried)
	assert.Zero(t, chat.calls)
}

func TestQuery_StoreFailure(t *testing.T) {
	svc := newService(&mockEmbedder{}, &mockSearcher{statsErr: errors.New("conn refused")}, &mockChat{}, DefaultOptions())
	_, err := svc.Query(context.Background(), "q?")
	assert.ErrorIs(t, err, domain.ErrVectorStoreUnavailable)

	svc = newService(&mockEmbedder{}, &mockSearcher{count: 1, queryErr: errors.New("timeout")}, &mockChat{}, DefaultOptions())
	_, err = svc.Query(context.Background(), "q?")
	assert.ErrorIs(t, err, domain.ErrVectorStoreUnavailable)
	assert.True(t, domain.IsUpstream(err))
}

func TestQuery_ChatFailureOpensBreaker(t *testing.T) {
	s := &mockSearcher{count: 1, matches: []domain.Match{match("a.pdf", 0, 0.5, "text")}}
	chat := &mockChat{err: errors.New("500 from model")}
	opts := DefaultOptions()
	opts.Breaker = resilience.BreakerOpts{FailThreshold: 2}
	svc := newService(&mockEmbedder{}, s, chat, opts)

	for i := 0; i < 2; i++ {
		_, err := svc.Query(context.Background(), "q?")
		assert.ErrorIs(t, err, domain.ErrModelUnavailable)
	}
	assert.Equal(t, 2, chat.calls)

	_, err := svc.Query(context.Background(), "q?")
	assert.ErrorIs(t, err, domain.ErrModelUnavailable)
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.Equal(t, 2, chat.calls, "open breaker must not reach the model")
}

func TestRank_StableOnTies(t *testing.T) {
	in := []domain.Match{
		match("b.pdf", 0, 0.9, "b0"),
		match("a.pdf", 0, 0.8, "a0"),
		match("a.pdf", 1, 0.7, "a1"),
	}
	out := Rank(in)
	assert.Equal(t, []string{"b0", "a0", "a1"}, []string{out[0].Metadata.Text, out[1].Metadata.Text, out[2].Metadata.Text})
	assert.Nil(t, in[0].Metadata.Score, "input must not be modified")
}

func TestBuildContext(t *testing.T) {
	assert.Equal(t, "x\n\ny", BuildContext([]domain.Match{match("a", 0, 0, "x"), match("a", 1, 0, "y")}))
	assert.Empty(t, BuildContext(nil))
}

func TestNew_Defaults(t *testing.T) {
	svc := New(Deps{}, Options{})
	assert.Equal(t, 5, svc.opts.TopK)
	assert.Equal(t, DefaultSystemPrompt, svc.opts.SystemPrompt)
	assert.Positive(t, svc.opts.SearchTimeout)
}
