package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MdHelalUddinBiswas/langchain-rag/engine/domain"
	"github.com/MdHelalUddinBiswas/langchain-rag/engine/ingest"
	"github.com/MdHelalUddinBiswas/langchain-rag/engine/rag"
	"github.com/MdHelalUddinBiswas/langchain-rag/engine/semantic"
	"github.com/MdHelalUddinBiswas/langchain-rag/pkg/config"
	"github.com/MdHelalUddinBiswas/langchain-rag/pkg/metrics"
	"github.com/MdHelalUddinBiswas/langchain-rag/pkg/pdftest"
	"github.com/MdHelalUddinBiswas/langchain-rag/pkg/stack"
)

// --- Fakes ---

type fakeIngester struct {
	got     []ingest.Upload
	rep     ingest.Report
	err     error
	reports []ingest.Report
	dirErr  error
}

func (f *fakeIngester) Ingest(_ context.Context, up ingest.Upload) (ingest.Report, error) {
	f.got = append(f.got, up)
	return f.rep, f.err
}

func (f *fakeIngester) IngestDir(context.Context, string) ([]ingest.Report, error) {
	return f.reports, f.dirErr
}

type fakeAsker struct {
	answer *rag.Answer
	err    error
}

func (f *fakeAsker) Query(_ context.Context, q string) (*rag.Answer, error) {
	if strings.TrimSpace(q) == "" {
		return nil, domain.NewValidationError("question", q, domain.ErrEmptyQuestion)
	}
	return f.answer, f.err
}

type fakeCatalog struct {
	docs    []domain.Document
	err     error
	deleted []string
}

func (f *fakeCatalog) List(context.Context, int, int) ([]domain.Document, error) {
	return f.docs, f.err
}

func (f *fakeCatalog) Delete(_ context.Context, source string) error {
	f.deleted = append(f.deleted, source)
	return f.err
}

type fakeDeleter struct {
	deleted []string
	err     error
}

func (f *fakeDeleter) DeleteBySource(_ context.Context, source string) error {
	f.deleted = append(f.deleted, source)
	return f.err
}

func newTestServer(in Ingester, ask Asker) *server {
	return &server{
		ingest:    in,
		rag:       ask,
		store:     &fakeDeleter{},
		pings:     map[string]func(context.Context) error{},
		metrics:   metrics.New(),
		pdfDir:    "pdfs",
		maxUpload: 1 << 20,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func serve(t *testing.T, s *server, req *http.Request) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, req)
	var body map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func uploadRequest(t *testing.T, field, filename, contentType string, data []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if field != "" {
		h := textproto.MIMEHeader{}
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, filename))
		if contentType != "" {
			h.Set("Content-Type", contentType)
		}
		part, err := mw.CreatePart(h)
		require.NoError(t, err)
		_, err = part.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, "/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

// --- Upload ---

func TestUpload_Success(t *testing.T) {
	in := &fakeIngester{rep: ingest.Report{Success: true, Chunks: 3}}
	rec, body := serve(t, newTestServer(in, nil), uploadRequest(t, "file", "manual.pdf", "application/pdf", []byte("%PDF-1.4")))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "PDF processed successfully. Created 3 chunks.", body["message"])
	assert.Equal(t, true, body["success"])
	assert.EqualValues(t, 3, body["chunks"])
	require.Len(t, in.got, 1)
	assert.Equal(t, "manual.pdf", in.got[0].Source)
	assert.Equal(t, []byte("%PDF-1.4"), in.got[0].Data)
}

func TestUpload_MissingFile(t *testing.T) {
	in := &fakeIngester{}
	rec, body := serve(t, newTestServer(in, nil), uploadRequest(t, "", "", "", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "No file received.", body["error"])
	assert.Equal(t, false, body["success"])
	assert.Empty(t, in.got)

	rec, _ = serve(t, newTestServer(in, nil), uploadRequest(t, "other", "a.pdf", "application/pdf", []byte("x")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = serve(t, newTestServer(in, nil), httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader("raw")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpload_WrongContentType(t *testing.T) {
	in := &fakeIngester{}
	rec, body := serve(t, newTestServer(in, nil), uploadRequest(t, "file", "notes.txt", "text/plain", []byte("hello")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Please upload a PDF file.", body["error"])
	assert.Empty(t, in.got)
}

func TestUpload_PipelineErrors(t *testing.T) {
	in := &fakeIngester{err: fmt.Errorf("ingest: parse: %w", domain.ErrUnsupportedFormat)}
	rec, body := serve(t, newTestServer(in, nil), uploadRequest(t, "file", "x.pdf", "", []byte("nope")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, body["error"], "unsupported format")

	in = &fakeIngester{err: fmt.Errorf("ingest: embed: %w: %w", domain.ErrEmbeddingUnavailable, errors.New("429 Too Many Requests"))}
	rec, body = serve(t, newTestServer(in, nil), uploadRequest(t, "file", "x.pdf", "application/pdf", []byte("%PDF-")))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, body["error"], "429 Too Many Requests")
	assert.Equal(t, false, body["success"])
}

func TestUpload_TooLarge(t *testing.T) {
	s := newTestServer(&fakeIngester{}, nil)
	s.maxUpload = 64
	rec, _ := serve(t, s, uploadRequest(t, "file", "big.pdf", "application/pdf", bytes.Repeat([]byte("a"), 1024)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestAcceptsPDF(t *testing.T) {
	assert.True(t, acceptsPDF(""))
	assert.True(t, acceptsPDF("application/pdf"))
	assert.True(t, acceptsPDF("application/x-pdf; charset=binary"))
	assert.True(t, acceptsPDF("application/octet-stream"))
	assert.False(t, acceptsPDF("image/png"))
	assert.False(t, acceptsPDF(";;;"))
}

// --- Chat ---

func chatRequest(body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestChat_Success(t *testing.T) {
	ask := &fakeAsker{answer: &rag.Answer{Text: "Berth **4**.", State: rag.StateDone, Sources: []string{"port.pdf"}}}
	rec, body := serve(t, newTestServer(nil, ask), chatRequest(`{"question":"Where do ferries dock?"}`))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Berth **4**.", body["answer"])
	assert.Equal(t, true, body["success"])
	assert.Equal(t, []any{"port.pdf"}, body["sources"])
	assert.NotContains(t, body, "answer_html")
}

func TestChat_HTMLFormat(t *testing.T) {
	ask := &fakeAsker{answer: &rag.Answer{Text: "Berth **4**.", State: rag.StateDone}}
	rec, body := serve(t, newTestServer(nil, ask), chatRequest(`{"question":"q","format":"html"}`))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "<p>Berth <strong>4</strong>.</p>\n", body["answer_html"])
}

func TestChat_EarlyExitIsSuccess(t *testing.T) {
	ask := &fakeAsker{answer: &rag.Answer{Text: rag.EmptyIndexMessage, State: rag.StateEmptyIndex}}
	rec, body := serve(t, newTestServer(nil, ask), chatRequest(`{"question":"anything?"}`))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, rag.EmptyIndexMessage, body["answer"])
}

func TestChat_EmptyQuestion(t *testing.T) {
	rec, body := serve(t, newTestServer(nil, &fakeAsker{}), chatRequest(`{"question":"   "}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, false, body["success"])
}

func TestChat_InvalidJSON(t *testing.T) {
	rec, _ := serve(t, newTestServer(nil, &fakeAsker{}), chatRequest("not json"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChat_UpstreamFailure(t *testing.T) {
	ask := &fakeAsker{err: fmt.Errorf("rag: complete: %w: %w", domain.ErrModelUnavailable, errors.New("model overloaded"))}
	rec, body := serve(t, newTestServer(nil, ask), chatRequest(`{"question":"q"}`))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, body["error"], "model overloaded")
	assert.Equal(t, false, body["success"])
}

// --- Process local PDFs ---

func TestProcessLocal_Success(t *testing.T) {
	in := &fakeIngester{reports: []ingest.Report{
		{Source: "a.pdf", Success: true, State: ingest.StateDone, Chunks: 2},
		{Source: "b.pdf", Success: false, State: ingest.StateFailed, Error: "unsupported format"},
		{Source: "c.pdf", Success: true, State: ingest.StateDone, Chunks: 1},
	}}
	rec, body := serve(t, newTestServer(in, nil), httptest.NewRequest(http.MethodPost, "/process-local-pdfs", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Successfully processed 2 PDFs", body["message"])
	assert.Equal(t, true, body["success"])
	assert.Len(t, body["results"], 3)
}

func TestProcessLocal_NoneSucceeded(t *testing.T) {
	in := &fakeIngester{reports: []ingest.Report{{Source: "b.pdf", State: ingest.StateFailed, Error: "boom"}}}
	rec, body := serve(t, newTestServer(in, nil), httptest.NewRequest(http.MethodPost, "/process-local-pdfs", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "No PDFs were processed successfully", body["error"])
	assert.Equal(t, false, body["success"])
	assert.Len(t, body["details"], 1)
}

func TestProcessLocal_EmptyFolder(t *testing.T) {
	in := &fakeIngester{dirErr: fmt.Errorf("ingest: pdfs: %w", ingest.ErrNoPDFs)}
	rec, body := serve(t, newTestServer(in, nil), httptest.NewRequest(http.MethodPost, "/process-local-pdfs", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	details := body["details"].([]any)
	require.Len(t, details, 1)
	assert.Equal(t, "no PDF files found in the specified folder", details[0].(map[string]any)["error"])
}

// --- Health, documents, metrics ---

func TestHealth(t *testing.T) {
	s := newTestServer(nil, nil)
	s.pings = map[string]func(context.Context) error{
		"vector_store": func(context.Context) error { return nil },
	}
	rec, body := serve(t, s, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])

	s.pings["catalog"] = func(context.Context) error { return errors.New("neo4j down") }
	rec, body = serve(t, s, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, map[string]any{"vector_store": "ok", "catalog": "neo4j down"}, body["components"])
}

func TestDocuments_NoCatalog(t *testing.T) {
	rec, body := serve(t, newTestServer(nil, nil), httptest.NewRequest(http.MethodGet, "/documents", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{}, body["documents"])
}

func TestDocuments_List(t *testing.T) {
	s := newTestServer(nil, nil)
	s.docs = &fakeCatalog{docs: []domain.Document{{Source: "a.pdf", Pages: 2, Chunks: 3, IngestedAt: time.Unix(0, 0).UTC()}}}
	rec, body := serve(t, s, httptest.NewRequest(http.MethodGet, "/documents?limit=10", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	docs := body["documents"].([]any)
	require.Len(t, docs, 1)
	assert.Equal(t, "a.pdf", docs[0].(map[string]any)["source"])

	s.docs = &fakeCatalog{err: errors.New("catalog: boom")}
	rec, _ = serve(t, s, httptest.NewRequest(http.MethodGet, "/documents", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestDeleteDocument(t *testing.T) {
	s := newTestServer(nil, nil)
	store := &fakeDeleter{}
	cat := &fakeCatalog{}
	s.store, s.docs = store, cat

	rec, body := serve(t, s, httptest.NewRequest(http.MethodDelete, "/documents/harbour%20guide.pdf", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, []string{"harbour guide.pdf"}, store.deleted)
	assert.Equal(t, []string{"harbour guide.pdf"}, cat.deleted)

	store.err = errors.New("qdrant down")
	rec, _ = serve(t, s, httptest.NewRequest(http.MethodDelete, "/documents/a.pdf", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(nil, nil)
	s.metrics.Counter("pdfrag_test_total", "").Inc()
	rec, _ := serve(t, s, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pdfrag_test_total 1")
}

// --- Full stack ---

// keywordEmbedder maps text onto a few keyword axes so related chunks and
// questions land near each other.
type keywordEmbedder struct{}

var keywords = []string{"ferry", "lighthouse", "tide", "harbour"}

func (keywordEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v := make([]float32, semantic.DefaultDimension)
		for k, w := range keywords {
			if strings.Contains(strings.ToLower(t), w) {
				v[k] = 1
			}
		}
		v[len(v)-1] = 0.01
		out[i] = v
	}
	return out, nil
}

type echoChat struct{ lastUser string }

func (c *echoChat) Complete(_ context.Context, _, user string) (string, error) {
	c.lastUser = user
	return "From the guide.", nil
}

func TestNewHandler_UploadThenChat(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := semantic.NewChromem("", "test", semantic.DefaultDimension)
	require.NoError(t, err)
	reg := metrics.New()
	chat := &echoChat{}

	st := &stack.Stack{
		Store:   store,
		Metrics: reg,
		Ingest:  ingest.NewPipeline(ingest.Deps{Embedder: keywordEmbedder{}, Store: store, Logger: logger, Metrics: reg}, ingest.Options{}),
		RAG:     rag.New(rag.Deps{Embedder: keywordEmbedder{}, Searcher: store, Chat: chat, Logger: logger, Metrics: reg}, rag.Options{TopK: 1}),
	}
	cfg := &config.Config{CORSOrigin: "*", MaxUploadBytes: 1 << 20, PDFDir: t.TempDir()}
	h := newHandler(cfg, st, logger)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, chatRequest(`{"question":"When does the ferry leave?"}`))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "upload a PDF document first")

	pdf := pdftest.Build("The ferry leaves at noon.", "The lighthouse was built in 1902.")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, uploadRequest(t, "file", "coast guide.pdf", "application/pdf", pdf))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "Created 2 chunks.")
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, chatRequest(`{"question":"How old is the lighthouse?"}`))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "From the guide.")
	assert.Contains(t, chat.lastUser, "1902")
	assert.NotContains(t, chat.lastUser, "noon")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), `pdfrag_http_requests_total{route="POST /upload",code="200"} 1`)
	assert.Contains(t, rec.Body.String(), `pdfrag_rag_queries_total{outcome="done"} 1`)
}

func TestNewHandler_ProcessLocalPDFs(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := semantic.NewChromem("", "test", semantic.DefaultDimension)
	require.NoError(t, err)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tides.PDF"), pdftest.Build("Tide tables for the harbour."), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.pdf"), []byte("not a pdf"), 0o600))

	st := &stack.Stack{
		Store:   store,
		Metrics: metrics.New(),
		Ingest:  ingest.NewPipeline(ingest.Deps{Embedder: keywordEmbedder{}, Store: store, Logger: logger}, ingest.Options{}),
		RAG:     rag.New(rag.Deps{Embedder: keywordEmbedder{}, Searcher: store, Chat: &echoChat{}, Logger: logger}, rag.Options{}),
	}
	h := newHandler(&config.Config{CORSOrigin: "*", MaxUploadBytes: 1 << 20, PDFDir: dir}, st, logger)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/process-local-pdfs", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body processResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Successfully processed 1 PDFs", body.Message)
	require.Len(t, body.Results, 2)
	assert.Equal(t, "broken.pdf", body.Results[0].Source)
	assert.False(t, body.Results[0].Success)
	assert.True(t, body.Results[1].Success)
}
