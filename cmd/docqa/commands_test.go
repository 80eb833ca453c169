package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/docqa/internal/config"
	"github.com/kalambet/docqa/internal/coordinator"
	"github.com/kalambet/docqa/internal/jobs"
	"github.com/kalambet/docqa/internal/storage"
)

type recordedRequest struct {
	Method      string
	Path        string
	Body        string
	Auth        string
	ContentType string
}

type testServer struct {
	server *httptest.Server

	mu       sync.Mutex
	requests []recordedRequest
}

// newTestServer answers "METHOD /path" keys from responses. A response
// listed more than once under the same key is served in order, the last
// one repeating.
func newTestServer(t *testing.T, responses map[string][]string) *testServer {
	t.Helper()
	ts := &testServer{}
	served := make(map[string]int)

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.mu.Lock()
		ts.requests = append(ts.requests, recordedRequest{
			Method:      r.Method,
			Path:        r.URL.RequestURI(),
			Body:        body.String(),
			Auth:        r.Header.Get("Authorization"),
			ContentType: r.Header.Get("Content-Type"),
		})
		key := r.Method + " " + r.URL.Path
		seq, ok := responses[key]
		i := served[key]
		served[key]++
		ts.mu.Unlock()

		if ok && len(seq) > 0 {
			if i >= len(seq) {
				i = len(seq) - 1
			}
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(seq[i]))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

func (ts *testServer) recorded() []recordedRequest {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return append([]recordedRequest(nil), ts.requests...)
}

// useServer points newAPIClient at ts for the duration of the test.
func useServer(t *testing.T, ts *testServer) {
	t.Helper()
	old := newAPIClient
	newAPIClient = func() (*apiClient, error) { return ts.client(), nil }
	t.Cleanup(func() { newAPIClient = old })

	oldInterval := pollInterval
	pollInterval = 5 * time.Millisecond
	t.Cleanup(func() { pollInterval = oldInterval })
}

func runCLI(t *testing.T, args ...string) error {
	t.Helper()
	t.Cleanup(func() { rootCmd.SetArgs(nil) })
	rootCmd.SetArgs(args)
	return rootCmd.Execute()
}

var ctx = context.Background()

func TestUploadClient_Multipart(t *testing.T) {
	ts := newTestServer(t, map[string][]string{
		"POST /upload": {`{"uploads":[{"trace_id":"t1","file_name":"notes.md","file_size":11}]}`},
	})

	dir := t.TempDir()
	path := filepath.Join(dir, "notes.md")
	if err := os.WriteFile(path, []byte("alpha beta\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	resp, err := ts.client().upload(ctx, []string{path})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var result struct {
		Uploads []struct {
			TraceID string `json:"trace_id"`
		} `json:"uploads"`
	}
	if err := decodeJSON(resp, &result); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if len(result.Uploads) != 1 || result.Uploads[0].TraceID != "t1" {
		t.Fatalf("uploads = %+v", result.Uploads)
	}

	reqs := ts.recorded()
	if len(reqs) != 1 {
		t.Fatalf("expected 1 request, got %d", len(reqs))
	}
	r := reqs[0]
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}

	mediaType, params, err := mime.ParseMediaType(r.ContentType)
	if err != nil || mediaType != "multipart/form-data" {
		t.Fatalf("content type = %q", r.ContentType)
	}
	mr := multipart.NewReader(strings.NewReader(r.Body), params["boundary"])
	part, err := mr.NextPart()
	if err != nil {
		t.Fatalf("reading part: %v", err)
	}
	if part.FormName() != "files" || part.FileName() != "notes.md" {
		t.Errorf("part = %s/%s, want files/notes.md", part.FormName(), part.FileName())
	}
	data, _ := io.ReadAll(part)
	if string(data) != "alpha beta\n" {
		t.Errorf("part data = %q", data)
	}
}

func TestUploadClient_MissingFile(t *testing.T) {
	ts := newTestServer(t, nil)
	_, err := ts.client().upload(ctx, []string{filepath.Join(t.TempDir(), "nope.pdf")})
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if len(ts.recorded()) != 0 {
		t.Error("no request should be sent when a file cannot be read")
	}
}

func TestNoAuthHeaderWithoutToken(t *testing.T) {
	ts := newTestServer(t, map[string][]string{"GET /health": {`{"status":"healthy"}`}})
	c := ts.client()
	c.token = ""

	resp, err := c.get(ctx, "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if auth := ts.recorded()[0].Auth; auth != "" {
		t.Errorf("auth = %q, want empty", auth)
	}
}

func TestWaitForStatus_PollsUntilTerminal(t *testing.T) {
	ts := newTestServer(t, map[string][]string{
		"GET /status/t1": {
			`{"trace_id":"t1","status":"queued"}`,
			`{"trace_id":"t1","status":"processing","phase":"retrieving"}`,
			`{"trace_id":"t1","status":"processing","phase":"generating"}`,
			`{"trace_id":"t1","status":"completed","result":{"response":"ok","sources":[],"query":"q","grounded":false}}`,
		},
	})
	useServer(t, ts)

	var phases []string
	view, err := ts.client().waitForStatus(ctx, "t1", func(v coordinator.StatusView) {
		phases = append(phases, string(v.Status)+"/"+string(v.Phase))
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if view.Status != jobs.StatusCompleted {
		t.Errorf("status = %s, want completed", view.Status)
	}
	want := []string{"queued/", "processing/retrieving", "processing/generating", "completed/"}
	if strings.Join(phases, ",") != strings.Join(want, ",") {
		t.Errorf("phases = %v, want %v", phases, want)
	}
}

func TestWaitForStatus_NotFound(t *testing.T) {
	ts := newTestServer(t, map[string][]string{
		"GET /status/gone": {`{"trace_id":"gone","status":"not_found"}`},
	})
	useServer(t, ts)

	_, err := ts.client().waitForStatus(ctx, "gone", nil)
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestWaitForStatus_ContextDeadline(t *testing.T) {
	ts := newTestServer(t, map[string][]string{
		"GET /status/slow": {`{"trace_id":"slow","status":"processing","phase":"indexing"}`},
	})
	useServer(t, ts)

	c, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	view, err := ts.client().waitForStatus(c, "slow", nil)
	if err == nil {
		t.Fatal("expected deadline error")
	}
	if view.Phase != jobs.PhaseIndexing {
		t.Errorf("last phase = %q, want indexing", view.Phase)
	}
}

func TestDecodeJSON_ErrorMessage(t *testing.T) {
	rec := httptest.NewRecorder()
	rec.WriteHeader(http.StatusRequestEntityTooLarge)
	rec.WriteString(`{"error":{"message":"big.pdf: file too large","type":"invalid_request_error"}}`)

	var v any
	err := decodeJSON(rec.Result(), &v)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "413") || !strings.Contains(err.Error(), "big.pdf: file too large") {
		t.Errorf("err = %q", err.Error())
	}
}

func TestDecodeUploads_PartialFailureKeepsQueuedTraceIDs(t *testing.T) {
	rec := httptest.NewRecorder()
	rec.WriteHeader(http.StatusInternalServerError)
	rec.WriteString(`{"error":{"message":"submitting b.md: database is locked","type":"api_error"},` +
		`"uploads":[{"trace_id":"t-a","file_name":"a.txt","file_size":5}]}`)

	uploads, err := decodeUploads(rec.Result())
	if err == nil || !strings.Contains(err.Error(), "database is locked") {
		t.Fatalf("err = %v, want the server message", err)
	}
	if len(uploads) != 1 || uploads[0].TraceID != "t-a" {
		t.Errorf("uploads = %+v, want the queued a.txt", uploads)
	}
}

func TestDecodeUploads_Accepted(t *testing.T) {
	rec := httptest.NewRecorder()
	rec.WriteHeader(http.StatusAccepted)
	rec.WriteString(`{"uploads":[{"trace_id":"t-a","file_name":"a.txt","file_size":5},{"trace_id":"t-b","file_name":"b.md","file_size":7}]}`)

	uploads, err := decodeUploads(rec.Result())
	if err != nil {
		t.Fatalf("decodeUploads: %v", err)
	}
	if len(uploads) != 2 || uploads[1].FileName != "b.md" {
		t.Errorf("uploads = %+v", uploads)
	}
}

func TestAskCommand_WaitsAndSendsSession(t *testing.T) {
	ts := newTestServer(t, map[string][]string{
		"POST /ask": {`{"trace_id":"q1"}`},
		"GET /status/q1": {
			`{"trace_id":"q1","status":"processing","phase":"generating"}`,
			`{"trace_id":"q1","status":"completed","result":{"response":"Alpha [1].","sources":[{"file_name":"a.txt","chunk_id":0,"content_preview":"alpha"}],"query":"what is alpha?","grounded":true}}`,
		},
	})
	useServer(t, ts)

	if err := runCLI(t, "ask", "--session", "s1", "what", "is", "alpha?"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	askCmd.Flags().Set("session", "default")

	reqs := ts.recorded()
	if reqs[0].Method != "POST" || reqs[0].Path != "/ask" {
		t.Fatalf("first request = %s %s", reqs[0].Method, reqs[0].Path)
	}
	var body map[string]string
	if err := json.Unmarshal([]byte(reqs[0].Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["question"] != "what is alpha?" || body["session_id"] != "s1" {
		t.Errorf("body = %v", body)
	}
	if last := reqs[len(reqs)-1]; last.Path != "/status/q1" {
		t.Errorf("last request = %s", last.Path)
	}
}

func TestAskCommand_ErrorStatus(t *testing.T) {
	ts := newTestServer(t, map[string][]string{
		"POST /ask":      {`{"trace_id":"q2"}`},
		"GET /status/q2": {`{"trace_id":"q2","status":"error","error":"generation failed: provider down"}`},
	})
	useServer(t, ts)

	err := runCLI(t, "ask", "anything")
	if err == nil || !strings.Contains(err.Error(), "provider down") {
		t.Fatalf("err = %v, want generation failure", err)
	}
}

func TestUploadCommand_MissingArgs(t *testing.T) {
	err := runCLI(t, "upload")
	if err == nil {
		t.Fatal("expected error for missing args")
	}
}

func TestHistoryCommand_Clear(t *testing.T) {
	ts := newTestServer(t, map[string][]string{
		"DELETE /conversation/work": {`{"session_id":"work","cleared":4}`},
	})
	useServer(t, ts)

	if err := runCLI(t, "history", "--clear", "work"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	historyCmd.Flags().Set("clear", "false")

	reqs := ts.recorded()
	if len(reqs) != 1 || reqs[0].Method != "DELETE" || reqs[0].Path != "/conversation/work" {
		t.Errorf("requests = %+v", reqs)
	}
}

func TestDocsDelete_NotFound(t *testing.T) {
	ts := newTestServer(t, nil)
	useServer(t, ts)

	err := runCLI(t, "docs", "delete", "missing")
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Fatalf("err = %v, want 404", err)
	}
}

func TestColorize(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	if result := colorize(colorRed, "hello"); result != "hello" {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}

	noColor = false
	if result := colorize(colorRed, "hello"); !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestNewLogger_Format(t *testing.T) {
	var buf bytes.Buffer
	newLogger(config.LogConfig{Level: "debug", Format: "json"}, &buf).Debug("hello", "k", "v")
	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("json log line: %v (%q)", err, buf.String())
	}
	if rec["msg"] != "hello" || rec["k"] != "v" {
		t.Errorf("record = %v", rec)
	}

	buf.Reset()
	l := newLogger(config.LogConfig{Level: "warn", Format: "text"}, &buf)
	l.Info("dropped")
	if buf.Len() != 0 {
		t.Errorf("info logged at warn level: %q", buf.String())
	}
	if !l.Enabled(ctx, slog.LevelWarn) {
		t.Error("warn should be enabled")
	}
}

func TestOpenJobStore(t *testing.T) {
	store, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	js, release, err := openJobStore(ctx, config.JobsConfig{Backend: "memory"}, store)
	if err != nil {
		t.Fatal(err)
	}
	release()
	if _, ok := js.(*jobs.MemoryStore); !ok {
		t.Errorf("memory backend = %T", js)
	}

	js, release, err = openJobStore(ctx, config.JobsConfig{Backend: "sqlite"}, store)
	if err != nil {
		t.Fatal(err)
	}
	release()
	if _, ok := js.(*jobs.SQLiteStore); !ok {
		t.Errorf("sqlite backend = %T", js)
	}

	if _, _, err := openJobStore(ctx, config.JobsConfig{Backend: "redis", RedisAddr: "127.0.0.1:1"}, store); err == nil {
		t.Error("expected error for unreachable redis")
	}
}
