package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/kalambet/docqa/internal/api"
	"github.com/kalambet/docqa/internal/config"
	"github.com/kalambet/docqa/internal/coordinator"
	"github.com/kalambet/docqa/internal/jobs"
)

type apiClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

var newAPIClient = func() (*apiClient, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	return &apiClient{
		baseURL:    fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port),
		token:      cfg.Server.APIToken,
		httpClient: &http.Client{Timeout: 2 * time.Minute},
	}, nil
}

func (c *apiClient) send(req *http.Request) (*http.Response, error) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("server not reachable, is docqa running? (%w)", err)
	}
	return resp, nil
}

func (c *apiClient) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshalling request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req)
}

func (c *apiClient) get(ctx context.Context, path string) (*http.Response, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

func (c *apiClient) post(ctx context.Context, path string, body any) (*http.Response, error) {
	return c.do(ctx, http.MethodPost, path, body)
}

func (c *apiClient) delete(ctx context.Context, path string) (*http.Response, error) {
	return c.do(ctx, http.MethodDelete, path, nil)
}

// upload sends the files as one multipart request under the "files" field.
func (c *apiClient) upload(ctx context.Context, paths []string) (*http.Response, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", p, err)
		}
		part, err := mw.CreateFormFile("files", filepath.Base(p))
		if err != nil {
			return nil, err
		}
		if _, err := part.Write(data); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload", &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return c.send(req)
}

// decodeUploads decodes an /upload reply. A batch that failed part-way still
// lists the uploads queued before the failure, and those come back with the
// error.
func decodeUploads(resp *http.Response) ([]api.UploadResult, error) {
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("reading upload reply: %w", err)
	}
	var reply struct {
		Uploads []api.UploadResult `json:"uploads"`
	}
	decodeErr := json.Unmarshal(body, &reply)
	if resp.StatusCode >= 400 {
		resp.Body = io.NopCloser(bytes.NewReader(body))
		return reply.Uploads, decodeJSON(resp, nil)
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("decoding upload reply: %w", decodeErr)
	}
	return reply.Uploads, nil
}

// pollInterval is a variable so tests can shorten it.
var pollInterval = 500 * time.Millisecond

// waitForStatus polls /status until the trace is terminal or ctx is done.
func (c *apiClient) waitForStatus(ctx context.Context, traceID string, onChange func(coordinator.StatusView)) (coordinator.StatusView, error) {
	var last coordinator.StatusView
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		resp, err := c.get(ctx, "/status/"+traceID)
		if err != nil {
			return last, err
		}
		var view coordinator.StatusView
		if err := decodeJSON(resp, &view); err != nil {
			return last, err
		}
		if onChange != nil && (view.Status != last.Status || view.Phase != last.Phase) {
			onChange(view)
		}
		last = view
		if view.Status == jobs.StatusNotFound {
			return view, fmt.Errorf("trace %s not found", traceID)
		}
		if view.Status.Terminal() {
			return view, nil
		}
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-ticker.C:
		}
	}
}

func decodeJSON(resp *http.Response, v any) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("server returned %d (failed to read body: %w)", resp.StatusCode, err)
		}
		var apiErr struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error.Message != "" {
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, apiErr.Error.Message)
		}
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
