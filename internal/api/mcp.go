package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/docqa/internal/coordinator"
)

const (
	mcpPollInterval = 250 * time.Millisecond
	mcpMaxWait      = 5 * time.Minute
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Workflows Workflows
	Documents Documents
	Version   string
}

// NewMCPServer creates an MCP server with the document QA tools and the
// documents resource registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"docqa",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("docqa answers questions about uploaded documents with cited sources. Upload, then ask; both return a trace_id to poll with get_status."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("upload_document",
			mcp.WithDescription("Upload a document for indexing. Returns a trace_id; poll get_status until completed."),
			mcp.WithString("file_name", mcp.Description("File name including extension (.pdf, .docx, .pptx, .csv, .html, .txt, .md)"), mcp.Required()),
			mcp.WithString("content", mcp.Description("File content: plain text, or base64 when encoding is base64"), mcp.Required()),
			mcp.WithString("encoding", mcp.Description("text (default) or base64")),
		),
		mcpUploadDocument(deps),
	)

	s.AddTool(
		mcp.NewTool("ask_question",
			mcp.WithDescription("Ask a question about the uploaded documents."),
			mcp.WithString("question", mcp.Description("The question"), mcp.Required()),
			mcp.WithString("session_id", mcp.Description("Conversation session (default \"default\")")),
			mcp.WithNumber("wait_seconds", mcp.Description("Wait up to this many seconds for the answer instead of returning the trace_id immediately")),
		),
		mcpAskQuestion(deps),
	)

	s.AddTool(
		mcp.NewTool("get_status",
			mcp.WithDescription("Get the status and result of an upload or question by trace_id."),
			mcp.WithString("trace_id", mcp.Description("Trace ID returned by upload_document or ask_question"), mcp.Required()),
		),
		mcpGetStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("get_history",
			mcp.WithDescription("Return the conversation history of a session."),
			mcp.WithString("session_id", mcp.Description("Conversation session"), mcp.Required()),
		),
		mcpGetHistory(deps),
	)

	s.AddTool(
		mcp.NewTool("clear_history",
			mcp.WithDescription("Delete the conversation history of a session. Other sessions are not affected."),
			mcp.WithString("session_id", mcp.Description("Conversation session"), mcp.Required()),
		),
		mcpClearHistory(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"docqa://documents",
			"Indexed Documents",
			mcp.WithResourceDescription("Documents available for questions"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceDocuments(deps),
	)

	return s
}

func mcpUploadDocument(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name, err := req.RequireString("file_name")
		if err != nil {
			return mcpError("file_name is required"), nil
		}
		content, err := req.RequireString("content")
		if err != nil {
			return mcpError("content is required"), nil
		}

		data := []byte(content)
		switch enc := req.GetString("encoding", "text"); enc {
		case "text", "":
		case "base64":
			data, err = base64.StdEncoding.DecodeString(content)
			if err != nil {
				return mcpError("invalid base64 content"), nil
			}
		default:
			return mcpError(fmt.Sprintf("unknown encoding %q", enc)), nil
		}

		traceID, err := deps.Workflows.SubmitIngest(ctx, name, data)
		if err != nil {
			return mcpError(fmt.Sprintf("upload failed: %v", err)), nil
		}
		return mcpJSON(UploadResult{TraceID: traceID, FileName: name, FileSize: int64(len(data))})
	}
}

func mcpAskQuestion(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		question, err := req.RequireString("question")
		if err != nil {
			return mcpError("question is required"), nil
		}
		session := req.GetString("session_id", "")

		traceID, err := deps.Workflows.SubmitQuery(ctx, question, session)
		if err != nil {
			return mcpError(fmt.Sprintf("ask failed: %v", err)), nil
		}

		wait := time.Duration(req.GetFloat("wait_seconds", 0) * float64(time.Second))
		if wait <= 0 {
			return mcpJSON(map[string]string{"trace_id": traceID})
		}
		if wait > mcpMaxWait {
			wait = mcpMaxWait
		}

		view, err := waitTerminal(ctx, deps.Workflows, traceID, wait)
		if err != nil {
			return mcpError(fmt.Sprintf("waiting for answer: %v", err)), nil
		}
		return mcpJSON(view)
	}
}

// waitTerminal polls until the job is terminal or wait elapses, returning the
// last observed status either way.
func waitTerminal(ctx context.Context, wf Workflows, traceID string, wait time.Duration) (coordinator.StatusView, error) {
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	ticker := time.NewTicker(mcpPollInterval)
	defer ticker.Stop()
	for {
		view, err := wf.Status(ctx, traceID)
		if err != nil {
			return view, err
		}
		if view.Status.Terminal() {
			return view, nil
		}
		select {
		case <-ctx.Done():
			return view, nil
		case <-ticker.C:
		}
	}
}

func mcpGetStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		traceID, err := req.RequireString("trace_id")
		if err != nil {
			return mcpError("trace_id is required"), nil
		}
		view, err := deps.Workflows.Status(ctx, traceID)
		if err != nil {
			return mcpError(fmt.Sprintf("status failed: %v", err)), nil
		}
		return mcpJSON(view)
	}
}

func mcpGetHistory(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		session, err := req.RequireString("session_id")
		if err != nil {
			return mcpError("session_id is required"), nil
		}
		turns, err := deps.Workflows.History(ctx, session)
		if err != nil {
			return mcpError(fmt.Sprintf("history failed: %v", err)), nil
		}
		if len(turns) == 0 {
			return mcpText("[]"), nil
		}
		return mcpJSON(turns)
	}
}

func mcpClearHistory(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		session, err := req.RequireString("session_id")
		if err != nil {
			return mcpError("session_id is required"), nil
		}
		n, err := deps.Workflows.ClearHistory(ctx, session)
		if err != nil {
			return mcpError(fmt.Sprintf("clear failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Cleared %d turns from session %s", n, session)), nil
	}
}

func mcpResourceDocuments(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		docs, err := deps.Documents.ListDocuments(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list documents: %w", err)
		}

		type docSummary struct {
			ID         string `json:"document_id"`
			Name       string `json:"file_name"`
			Chunks     int    `json:"chunks"`
			UploadedAt string `json:"uploaded_at"`
		}
		summaries := make([]docSummary, len(docs))
		for i, d := range docs {
			summaries[i] = docSummary{
				ID:         d.ID,
				Name:       d.Name,
				Chunks:     d.ChunkCount,
				UploadedAt: d.UploadedAt.Format(time.RFC3339),
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal documents: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
