package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/yuin/goldmark"

	"github.com/MdHelalUddinBiswas/langchain-rag/engine/domain"
	"github.com/MdHelalUddinBiswas/langchain-rag/engine/ingest"
	"github.com/MdHelalUddinBiswas/langchain-rag/engine/rag"
	"github.com/MdHelalUddinBiswas/langchain-rag/pkg/fn"
	"github.com/MdHelalUddinBiswas/langchain-rag/pkg/metrics"
)

// Ingester runs uploads through the indexing pipeline.
type Ingester interface {
	Ingest(ctx context.Context, up ingest.Upload) (ingest.Report, error)
	IngestDir(ctx context.Context, dir string) ([]ingest.Report, error)
}

// Asker answers questions.
type Asker interface {
	Query(ctx context.Context, question string) (*rag.Answer, error)
}

// DocumentCatalog lists and forgets ingested documents.
type DocumentCatalog interface {
	List(ctx context.Context, offset, limit int) ([]domain.Document, error)
	Delete(ctx context.Context, source string) error
}

// SourceDeleter removes a source's records from the vector store.
type SourceDeleter interface {
	DeleteBySource(ctx context.Context, source string) error
}

type server struct {
	ingest    Ingester
	rag       Asker
	store     SourceDeleter
	docs      DocumentCatalog // nil without a catalog
	pings     map[string]func(context.Context) error
	metrics   *metrics.Registry
	pdfDir    string
	maxUpload int64
	logger    *slog.Logger
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /upload", s.handleUpload)
	mux.HandleFunc("POST /chat", s.handleChat)
	mux.HandleFunc("POST /process-local-pdfs", s.handleProcessLocal)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /documents", s.handleListDocuments)
	mux.HandleFunc("DELETE /documents/{source}", s.handleDeleteDocument)
	mux.Handle("GET /metrics", s.metrics.Handler())
	return mux
}

// --- Responses ---

type errorResponse struct {
	Error   string `json:"error"`
	Success bool   `json:"success"`
	Details any    `json:"details,omitempty"`
}

type uploadResponse struct {
	Message string `json:"message"`
	Success bool   `json:"success"`
	Chunks  int    `json:"chunks"`
}

// ChatRequest is the JSON body for POST /chat.
type ChatRequest struct {
	Question string `json:"question"`
	// Format "html" adds the answer rendered from Markdown.
	Format string `json:"format,omitempty"`
}

// ChatResponse is the JSON response for POST /chat.
type ChatResponse struct {
	Answer     string   `json:"answer"`
	AnswerHTML string   `json:"answer_html,omitempty"`
	Sources    []string `json:"sources,omitempty"`
	Success    bool     `json:"success"`
}

type processResponse struct {
	Message string          `json:"message"`
	Success bool            `json:"success"`
	Results []ingest.Report `json:"results"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// statusFor maps the error taxonomy onto HTTP.
func statusFor(err error) int {
	if domain.IsInvalidInput(err) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// --- Handlers ---

func (s *server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooBig *http.MaxBytesError
		switch {
		case errors.As(err, &tooBig):
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("File exceeds the %d byte upload limit.", tooBig.Limit))
		case errors.Is(err, http.ErrMissingFile), errors.Is(err, http.ErrNotMultipart):
			writeError(w, http.StatusBadRequest, "No file received.")
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	defer file.Close()

	if ct := header.Header.Get("Content-Type"); !acceptsPDF(ct) {
		writeError(w, http.StatusBadRequest, "Please upload a PDF file.")
		return
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(file); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("read upload: %v", err))
		return
	}

	rep, err := s.ingest.Ingest(r.Context(), ingest.Upload{Source: header.Filename, Data: buf.Bytes()})
	if err != nil {
		s.logger.Error("upload failed", "source", header.Filename, "failed_in", rep.FailedIn, "err", err)
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, uploadResponse{
		Message: fmt.Sprintf("PDF processed successfully. Created %d chunks.", rep.Chunks),
		Success: true,
		Chunks:  rep.Chunks,
	})
}

// acceptsPDF reports whether a part's declared media type can carry a PDF.
// Clients that send no type, or a generic binary type, are left to the
// content check in the pipeline.
func acceptsPDF(contentType string) bool {
	if contentType == "" {
		return true
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return strings.Contains(mt, "pdf") || mt == "application/octet-stream"
}

func (s *server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	answer, err := s.rag.Query(r.Context(), req.Question)
	if err != nil {
		if statusFor(err) >= 500 {
			s.logger.Error("rag query failed", "err", err)
		}
		writeError(w, statusFor(err), err.Error())
		return
	}

	resp := ChatResponse{Answer: answer.Text, Sources: answer.Sources, Success: true}
	if strings.EqualFold(req.Format, "html") {
		var html bytes.Buffer
		if err := goldmark.Convert([]byte(answer.Text), &html); err != nil {
			s.logger.Warn("render answer", "err", err)
		} else {
			resp.AnswerHTML = html.String()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleProcessLocal(w http.ResponseWriter, r *http.Request) {
	reports, err := s.ingest.IngestDir(r.Context(), s.pdfDir)
	if err != nil {
		msg := err.Error()
		if errors.Is(err, ingest.ErrNoPDFs) {
			msg = ingest.ErrNoPDFs.Error()
		}
		s.logger.Error("process local pdfs", "dir", s.pdfDir, "err", err)
		reports = append(reports, ingest.Report{State: ingest.StateFailed, Error: msg})
	}

	ok := ingest.Succeeded(reports)
	if ok == 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error:   "No PDFs were processed successfully",
			Details: reports,
		})
		return
	}
	writeJSON(w, http.StatusOK, processResponse{
		Message: fmt.Sprintf("Successfully processed %d PDFs", ok),
		Success: true,
		Results: reports,
	})
}

type healthCheck struct {
	name string
	err  error
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := make([]func() healthCheck, 0, len(s.pings))
	for name, ping := range s.pings {
		checks = append(checks, func() healthCheck { return healthCheck{name, ping(ctx)} })
	}

	status, code := "ok", http.StatusOK
	components := map[string]string{}
	for _, c := range fn.FanOut(checks...) {
		components[c.name] = "ok"
		if c.err != nil {
			components[c.name] = c.err.Error()
			status, code = "degraded", http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, map[string]any{"status": status, "components": components})
}

func (s *server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	if s.docs == nil {
		writeJSON(w, http.StatusOK, map[string]any{"documents": []domain.Document{}, "success": true})
		return
	}
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	docs, err := s.docs.List(r.Context(), offset, limit)
	if err != nil {
		s.logger.Error("list documents", "err", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if docs == nil {
		docs = []domain.Document{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": docs, "success": true})
}

func (s *server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	source := r.PathValue("source")
	if err := domain.ValidateSource(source); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.DeleteBySource(r.Context(), source); err != nil {
		s.logger.Error("delete source", "source", source, "err", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if s.docs != nil {
		if err := s.docs.Delete(r.Context(), source); err != nil {
			s.logger.Error("delete catalog entry", "source", source, "err", err)
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": fmt.Sprintf("Deleted %s.", source), "success": true})
}
