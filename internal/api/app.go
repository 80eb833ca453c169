// Package api exposes the coordinator over HTTP and MCP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/docqa/internal/coordinator"
	"github.com/kalambet/docqa/internal/domain"
	"github.com/kalambet/docqa/internal/retrieval"
)

const (
	maxRequestBodySize = 1 << 20 // 1MB
	defaultMaxUpload   = 50 << 20
	// multipartMemory is how much of an upload is buffered before spilling to disk.
	multipartMemory = 8 << 20
)

// Workflows is the coordinator surface used by the API.
type Workflows interface {
	// CheckUpload validates a file without submitting it.
	CheckUpload(fileName string, size int64) error
	SubmitIngest(ctx context.Context, fileName string, data []byte) (string, error)
	SubmitQuery(ctx context.Context, question, sessionID string) (string, error)
	Status(ctx context.Context, traceID string) (coordinator.StatusView, error)
	History(ctx context.Context, sessionID string) ([]domain.Turn, error)
	ClearHistory(ctx context.Context, sessionID string) (int, error)
}

// Documents lists and removes indexed documents.
type Documents interface {
	ListDocuments(ctx context.Context) ([]retrieval.DocumentRecord, error)
	DeleteDocument(ctx context.Context, id string) error
}

// HealthReport is the body of GET /health.
type HealthReport struct {
	Status        string   `json:"status"`
	Agents        []string `json:"agents"`
	JobBackend    string   `json:"job_backend"`
	IndexedChunks int      `json:"indexed_chunks"`
	EmbedModel    string   `json:"embed_model"`
	Generator     string   `json:"generator"`
	OllamaRunning bool     `json:"ollama_running"`
}

type AppDeps struct {
	Workflows Workflows
	Documents Documents
	// Health is optional; without it /health reports only "healthy".
	Health func(ctx context.Context) HealthReport
	// Metrics is optional; mounted at /metrics without auth.
	Metrics        http.Handler
	Token          string
	MaxUploadBytes int64
}

type UploadResult struct {
	TraceID  string `json:"trace_id"`
	FileName string `json:"file_name"`
	FileSize int64  `json:"file_size"`
}

type AskRequest struct {
	Question  string `json:"question"`
	SessionID string `json:"session_id"`
}

func NewAppHandler(deps AppDeps) http.Handler {
	if deps.MaxUploadBytes <= 0 {
		deps.MaxUploadBytes = defaultMaxUpload
	}

	r := chi.NewRouter()
	r.Get("/health", handleHealth(deps))
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/upload", handleUpload(deps))
		r.Post("/ask", handleAsk(deps))
		r.Get("/status/{trace_id}", handleStatus(deps))
		r.Get("/conversation/{session_id}", handleGetConversation(deps))
		r.Delete("/conversation/{session_id}", handleClearConversation(deps))
		r.Get("/documents", handleListDocuments(deps))
		r.Delete("/documents/{id}", handleDeleteDocument(deps))
	})

	return r
}

func handleUpload(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, deps.MaxUploadBytes+maxRequestBodySize)
		defer r.Body.Close()

		if err := r.ParseMultipartForm(multipartMemory); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				httpError(w, http.StatusRequestEntityTooLarge, "invalid_request_error", "upload exceeds %d bytes", deps.MaxUploadBytes)
				return
			}
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid multipart body: %v", err)
			return
		}
		defer r.MultipartForm.RemoveAll()

		files := r.MultipartForm.File["files"]
		if len(files) == 0 {
			files = r.MultipartForm.File["file"]
		}
		if len(files) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "no files in request (use form field \"files\")")
			return
		}

		// Read and check every file before submitting any, so a rejected
		// file never leaves its siblings queued without a trace ID.
		type pending struct {
			name string
			data []byte
		}
		batch := make([]pending, 0, len(files))
		for _, fh := range files {
			f, err := fh.Open()
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "reading %s: %v", fh.Filename, err)
				return
			}
			data, err := io.ReadAll(io.LimitReader(f, deps.MaxUploadBytes+1))
			f.Close()
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "reading %s: %v", fh.Filename, err)
				return
			}
			if err := deps.Workflows.CheckUpload(fh.Filename, int64(len(data))); err != nil {
				writeSubmitError(w, fh.Filename, err, nil)
				return
			}
			batch = append(batch, pending{name: fh.Filename, data: data})
		}

		results := make([]UploadResult, 0, len(batch))
		for _, p := range batch {
			traceID, err := deps.Workflows.SubmitIngest(r.Context(), p.name, p.data)
			if err != nil {
				writeSubmitError(w, p.name, err, results)
				return
			}
			results = append(results, UploadResult{TraceID: traceID, FileName: p.name, FileSize: int64(len(p.data))})
		}

		writeJSON(w, http.StatusAccepted, map[string]any{"uploads": results})
	}
}

// writeSubmitError reports a rejected file. Files already submitted in the
// same request are listed under "uploads" so their trace IDs are not lost.
func writeSubmitError(w http.ResponseWriter, name string, err error, submitted []UploadResult) {
	code, errType, msg := http.StatusInternalServerError, "api_error", fmt.Sprintf("submitting %s: %v", name, err)
	switch {
	case errors.Is(err, coordinator.ErrTooLarge):
		code, errType, msg = http.StatusRequestEntityTooLarge, "invalid_request_error", fmt.Sprintf("%s: %v", name, err)
	case errors.Is(err, coordinator.ErrUnsupportedType), errors.Is(err, coordinator.ErrEmptyFile):
		code, errType, msg = http.StatusBadRequest, "invalid_request_error", fmt.Sprintf("%s: %v", name, err)
	}
	body := map[string]any{"error": map[string]any{"message": msg, "type": errType}}
	if len(submitted) > 0 {
		body["uploads"] = submitted
	}
	writeJSON(w, code, body)
}

func handleAsk(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req AskRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if strings.TrimSpace(req.Question) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "question is required")
			return
		}

		traceID, err := deps.Workflows.SubmitQuery(r.Context(), req.Question, req.SessionID)
		if errors.Is(err, coordinator.ErrEmptyQuestion) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "question is required")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "submitting question: %v", err)
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]string{"trace_id": traceID})
	}
}

func handleStatus(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view, err := deps.Workflows.Status(r.Context(), chi.URLParam(r, "trace_id"))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "reading status: %v", err)
			return
		}
		// not_found is a status, not an HTTP error.
		writeJSON(w, http.StatusOK, view)
	}
}

func handleGetConversation(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := chi.URLParam(r, "session_id")
		turns, err := deps.Workflows.History(r.Context(), sessionID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "reading history: %v", err)
			return
		}
		if turns == nil {
			turns = []domain.Turn{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"session_id": sessionID, "history": turns})
	}
}

func handleClearConversation(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := chi.URLParam(r, "session_id")
		n, err := deps.Workflows.ClearHistory(r.Context(), sessionID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "clearing history: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"session_id": sessionID, "cleared": n})
	}
}

func handleListDocuments(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		docs, err := deps.Documents.ListDocuments(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing documents: %v", err)
			return
		}
		if docs == nil {
			docs = []retrieval.DocumentRecord{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"documents": docs})
	}
}

func handleDeleteDocument(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		err := deps.Documents.DeleteDocument(r.Context(), id)
		if errors.Is(err, retrieval.ErrDocumentNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "document not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "deleting document: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "document_id": id})
	}
}

func handleHealth(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := HealthReport{Status: "healthy"}
		if deps.Health != nil {
			report = deps.Health(r.Context())
		}
		code := http.StatusOK
		if report.Status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, report)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}
