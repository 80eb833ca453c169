package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/docqa/internal/api"
	"github.com/kalambet/docqa/internal/config"
	"github.com/kalambet/docqa/internal/coordinator"
	"github.com/kalambet/docqa/internal/domain"
	"github.com/kalambet/docqa/internal/jobs"
	"github.com/kalambet/docqa/internal/retrieval"
)

// --- upload ---

var uploadCmd = &cobra.Command{
	Use:   "upload <file>...",
	Short: "Upload documents for indexing",
	Long: `Upload one or more documents for indexing.

Supported formats: .pdf, .docx, .pptx, .csv, .html, .txt, .md

Examples:
  docqa upload report.pdf
  docqa upload --wait notes.md slides.pptx`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		wait, _ := cmd.Flags().GetDuration("wait")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.upload(cmd.Context(), args)
		if err != nil {
			return err
		}
		uploads, err := decodeUploads(resp)
		for _, u := range uploads {
			printSuccess("Queued %s (%d bytes) as %s", u.FileName, u.FileSize, colorize(colorBold, u.TraceID))
		}
		if err != nil {
			return err
		}
		if wait <= 0 {
			return nil
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), wait)
		defer cancel()

		var failed int
		for _, u := range uploads {
			view, err := client.waitForStatus(ctx, u.TraceID, nil)
			if err != nil {
				return fmt.Errorf("waiting for %s: %w", u.FileName, err)
			}
			if view.Status == jobs.StatusError {
				failed++
				printError("%s: %s", u.FileName, view.Error)
				continue
			}
			var ing domain.IngestResult
			if err := json.Unmarshal(view.Result, &ing); err == nil {
				printSuccess("Indexed %s: %d chunks", u.FileName, ing.Chunks)
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d uploads failed", failed, len(uploads))
		}
		return nil
	},
}

func init() {
	uploadCmd.Flags().Duration("wait", 0, "wait up to this long for indexing to finish (e.g. 2m)")
}

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a question about the uploaded documents",
	Long: `Ask a question about the uploaded documents.

By default the answer is awaited and printed with its sources. Use
--no-wait to print only the trace ID.

Examples:
  docqa ask "What were Q3 revenues?"
  docqa ask --session work "And Q4?"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		session, _ := cmd.Flags().GetString("session")
		noWait, _ := cmd.Flags().GetBool("no-wait")
		timeout, _ := cmd.Flags().GetDuration("timeout")
		asJSON, _ := cmd.Flags().GetBool("json")

		question := strings.Join(args, " ")
		if strings.TrimSpace(question) == "" {
			return fmt.Errorf("question is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/ask", api.AskRequest{Question: question, SessionID: session})
		if err != nil {
			return err
		}
		var submitted struct {
			TraceID string `json:"trace_id"`
		}
		if err := decodeJSON(resp, &submitted); err != nil {
			return err
		}
		if noWait {
			fmt.Println(submitted.TraceID)
			return nil
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		view, err := client.waitForStatus(ctx, submitted.TraceID, func(v coordinator.StatusView) {
			if v.Phase != jobs.PhaseNone {
				printStep("%s", v.Phase)
			}
		})
		if err != nil {
			return fmt.Errorf("waiting for answer (trace %s): %w", submitted.TraceID, err)
		}
		if view.Status == jobs.StatusError {
			return fmt.Errorf("question failed: %s", view.Error)
		}

		var res domain.AskResult
		if err := json.Unmarshal(view.Result, &res); err != nil {
			return fmt.Errorf("decoding answer: %w", err)
		}
		if asJSON {
			return printJSON(os.Stdout, res)
		}
		printAnswer(res)
		return nil
	},
}

func printAnswer(res domain.AskResult) {
	fmt.Println(res.Response)
	if len(res.Sources) == 0 {
		return
	}
	fmt.Println()
	fmt.Println(colorize(colorBold, "Sources:"))
	for i, s := range res.Sources {
		loc := ""
		if s.Locator != "" {
			loc = ", " + s.Locator
		}
		fmt.Printf("  [%d] %s (chunk %d%s)\n", i+1, colorize(colorCyan, s.FileName), s.ChunkID, loc)
		fmt.Printf("      %s\n", colorize(colorDim, s.ContentPreview))
	}
}

func init() {
	askCmd.Flags().String("session", coordinator.DefaultSession, "conversation session ID")
	askCmd.Flags().Bool("no-wait", false, "print the trace ID and return immediately")
	askCmd.Flags().Duration("timeout", 5*time.Minute, "how long to wait for the answer")
	askCmd.Flags().Bool("json", false, "print the result as JSON")
}

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status [trace_id]",
	Short: "Show a job's status, or the server's health when no trace ID is given",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		if len(args) == 0 {
			return showHealth(cmd.Context(), client)
		}

		resp, err := client.get(cmd.Context(), "/status/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var view coordinator.StatusView
		if err := decodeJSON(resp, &view); err != nil {
			return err
		}
		return printJSON(os.Stdout, view)
	},
}

func showHealth(ctx context.Context, client *apiClient) error {
	resp, err := client.get(ctx, "/health")
	if err != nil {
		printStatus("Server", "stopped")
		return nil
	}
	defer resp.Body.Close()

	var report api.HealthReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return fmt.Errorf("decoding health: %w", err)
	}

	state := colorize(colorGreen, report.Status)
	if report.Status != "healthy" {
		state = colorize(colorYellow, report.Status)
	}
	printStatus("Server", "%s at %s", state, client.baseURL)
	printStatus("Agents", "%s", strings.Join(report.Agents, ", "))
	printStatus("Ollama", "%t", report.OllamaRunning)
	printStatus("Generator", "%s", report.Generator)
	printStatus("Embed model", "%s", report.EmbedModel)
	printStatus("Job backend", "%s", report.JobBackend)
	printStatus("Indexed chunks", "%d", report.IndexedChunks)
	return nil
}

// --- history ---

var historyCmd = &cobra.Command{
	Use:   "history [session_id]",
	Short: "Show or clear a session's conversation history",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		clearAll, _ := cmd.Flags().GetBool("clear")
		session := coordinator.DefaultSession
		if len(args) == 1 {
			session = args[0]
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path := "/conversation/" + url.PathEscape(session)

		if clearAll {
			resp, err := client.delete(cmd.Context(), path)
			if err != nil {
				return err
			}
			var result struct {
				Cleared int `json:"cleared"`
			}
			if err := decodeJSON(resp, &result); err != nil {
				return err
			}
			printSuccess("Cleared %d turns from session %s", result.Cleared, session)
			return nil
		}

		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}
		var result struct {
			History []domain.Turn `json:"history"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		if len(result.History) == 0 {
			printWarning("No history for session %s", session)
			return nil
		}
		for _, t := range result.History {
			role := colorize(colorCyan, string(t.Role))
			if t.Role == domain.RoleAssistant {
				role = colorize(colorGreen, string(t.Role))
			}
			fmt.Printf("%s %s\n%s\n\n", colorize(colorDim, t.CreatedAt.Local().Format(time.DateTime)), role, t.Content)
		}
		return nil
	},
}

func init() {
	historyCmd.Flags().Bool("clear", false, "delete the session's history")
}

// --- docs ---

var docsCmd = &cobra.Command{
	Use:   "docs",
	Short: "List or delete indexed documents",
}

var docsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List indexed documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/documents")
		if err != nil {
			return err
		}
		var result struct {
			Documents []retrieval.DocumentRecord `json:"documents"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		if len(result.Documents) == 0 {
			printWarning("No documents indexed")
			return nil
		}
		for _, d := range result.Documents {
			fmt.Printf("%s  %s  %d chunks  %s\n",
				colorize(colorDim, d.ID), colorize(colorBold, d.Name), d.ChunkCount, d.UploadedAt.Local().Format(time.DateTime))
		}
		return nil
	},
}

var docsDeleteCmd = &cobra.Command{
	Use:   "delete <document_id>",
	Short: "Delete a document and its chunks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/documents/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Deleted document %s", args[0])
		return nil
	},
}

func init() {
	docsCmd.AddCommand(docsListCmd)
	docsCmd.AddCommand(docsDeleteCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		printStatus("Config file", "%s", config.ConfigFilePath())
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value in the config file",
	Long: `Set a configuration value in the config file.

Secrets (API keys and the server token) are read only from the
environment or a .env file and cannot be set here.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
