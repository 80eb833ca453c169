package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mark3labs/mcp-go/server"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/kalambet/docqa/internal/api"
	"github.com/kalambet/docqa/internal/bus"
	"github.com/kalambet/docqa/internal/composer"
	"github.com/kalambet/docqa/internal/config"
	"github.com/kalambet/docqa/internal/coordinator"
	"github.com/kalambet/docqa/internal/engine"
	"github.com/kalambet/docqa/internal/extract"
	"github.com/kalambet/docqa/internal/generate"
	"github.com/kalambet/docqa/internal/ingest"
	"github.com/kalambet/docqa/internal/jobs"
	"github.com/kalambet/docqa/internal/metrics"
	"github.com/kalambet/docqa/internal/reranking"
	"github.com/kalambet/docqa/internal/respond"
	"github.com/kalambet/docqa/internal/retrieval"
	"github.com/kalambet/docqa/internal/storage"
)

const shutdownTimeout = 30 * time.Second

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the docqa server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		mcpStdio, _ := cmd.Flags().GetBool("mcp-stdio")
		skipModels, _ := cmd.Flags().GetBool("skip-model-check")
		return runServer(serverOptions{mcpStdio: mcpStdio, skipModelCheck: skipModels})
	},
}

func init() {
	startCmd.Flags().Bool("mcp-stdio", false, "also serve MCP over stdin/stdout")
	startCmd.Flags().Bool("skip-model-check", false, "do not verify or pull Ollama models at startup")
}

type serverOptions struct {
	mcpStdio       bool
	skipModelCheck bool
}

func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// openJobStore returns the configured job backend and a func releasing it.
func openJobStore(ctx context.Context, cfg config.JobsConfig, store *storage.Store) (jobs.Store, func(), error) {
	switch cfg.Backend {
	case "memory":
		return jobs.NewMemoryStore(), func() {}, nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("connecting to redis at %s: %w", cfg.RedisAddr, err)
		}
		return jobs.NewRedisStore(client, cfg.Retention), func() { client.Close() }, nil
	default:
		js := jobs.NewSQLiteStore(store)
		n, err := js.FailInterrupted(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("recovering jobs: %w", err)
		}
		if n > 0 {
			slog.Warn("marked jobs interrupted by the previous shutdown as failed", "count", n)
		}
		return js, func() {}, nil
	}
}

func runServer(opts serverOptions) error {
	// stdout belongs to the MCP transport when --mcp-stdio is set.
	fmt.Fprintf(os.Stderr, "docqa version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.SetDefault(newLogger(cfg.Log, os.Stderr))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng := engine.New(engine.Config{
		OllamaBaseURL:     cfg.Ollama.BaseURL,
		RequestsPerSecond: cfg.Limits.CollaboratorRPS,
	})
	if !opts.skipModelCheck {
		models := []string{cfg.Ollama.EmbedModel}
		if cfg.Generation.Provider == generate.ProviderOllama || cfg.Retrieval.RerankEnabled {
			models = append(models, cfg.Ollama.ChatModel)
		}
		if err := engine.EnsureReady(ctx, eng, os.Stderr, models...); err != nil {
			return err
		}
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("closing storage", "error", err)
		}
	}()

	vectors := retrieval.NewSQLiteStore(store.DB(), cfg.Ollama.EmbedModel)
	if err := vectors.EnsureEmbeddingModel(ctx); err != nil {
		return err
	}
	embedder := retrieval.NewEmbedder(eng, cfg.Ollama.EmbedModel, cfg.Embedding.BatchSize, cfg.Embedding.Concurrency)

	var reranker retrieval.Reranker
	if cfg.Retrieval.RerankEnabled {
		reranker = reranking.New(eng, cfg.Ollama.ChatModel, cfg.Retrieval.RerankTimeout, cfg.Retrieval.RerankThreshold, cfg.Retrieval.TopK).
			WithLogger(slog.Default().With("component", "reranker"))
	}
	retriever := retrieval.NewRetriever(embedder, vectors, reranker)

	genModel := cfg.Generation.Model
	if genModel == "" && cfg.Generation.Provider == generate.ProviderOllama {
		genModel = cfg.Ollama.ChatModel
	}
	gen, err := generate.New(generate.Config{
		Provider:          cfg.Generation.Provider,
		Model:             genModel,
		APIKey:            cfg.Generation.APIKey(),
		RequestsPerSecond: cfg.Limits.CollaboratorRPS,
	}, eng)
	if err != nil {
		return fmt.Errorf("configuring generator: %w", err)
	}

	chunker, err := ingest.NewChunker(cfg.Chunking.Size, cfg.Chunking.Overlap)
	if err != nil {
		return err
	}

	m := metrics.New()
	b := bus.New(
		bus.WithLogger(slog.Default()),
		bus.WithMetrics(m),
		bus.WithHandlerTimeout(cfg.Timeouts.Handler),
	)

	jobStore, closeJobs, err := openJobStore(ctx, cfg.Jobs, store)
	if err != nil {
		return err
	}
	defer closeJobs()

	extractor := extract.New()
	coord := coordinator.New(b, jobStore, store, extractor, coordinator.Config{
		HistoryTurns:   cfg.Response.HistoryTurns,
		TopK:           cfg.Retrieval.TopK,
		MaxUploadBytes: int64(cfg.Server.MaxUploadMB) << 20,
		Retention:      cfg.Jobs.Retention,
		SweepInterval:  cfg.Jobs.SweepInterval,
	}, m)

	ingestAgent := ingest.NewAgent(extractor, chunker, embedder, vectors, ingest.Timeouts{
		Extract: cfg.Timeouts.Extract,
		Embed:   cfg.Timeouts.Embed,
		Index:   cfg.Timeouts.Index,
	}, m)
	retrievalAgent := retrieval.NewAgent(retriever, cfg.Retrieval.TopK, cfg.Timeouts.Retrieve, m)
	responseAgent := respond.NewAgent(composer.New(cfg.Response.MaxContextTokens, cfg.Response.HistoryTurns), gen, cfg.Timeouts.Generate, m)

	b.Subscribe(bus.IngestRequested, ingestAgent)
	b.Subscribe(bus.RetrievalRequested, retrievalAgent)
	b.Subscribe(bus.ResponseRequested, responseAgent)
	agents := []string{coord.Name(), ingestAgent.Name(), retrievalAgent.Name(), responseAgent.Name()}

	janitorCtx, stopJanitor := context.WithCancel(ctx)
	defer stopJanitor()
	go coord.RunJanitor(janitorCtx)

	health := func(ctx context.Context) api.HealthReport {
		report := api.HealthReport{
			Status:        "healthy",
			Agents:        agents,
			JobBackend:    cfg.Jobs.Backend,
			EmbedModel:    cfg.Ollama.EmbedModel,
			Generator:     gen.Name(),
			OllamaRunning: eng.IsRunning(ctx),
		}
		n, err := vectors.Count(ctx)
		if err != nil {
			slog.Warn("health: counting chunks", "error", err)
			report.Status = "degraded"
		}
		report.IndexedChunks = n
		if !report.OllamaRunning {
			report.Status = "degraded"
		}
		return report
	}

	appHandler := api.NewAppHandler(api.AppDeps{
		Workflows:      coord,
		Documents:      vectors,
		Health:         health,
		Metrics:        m.Handler(),
		Token:          cfg.Server.APIToken,
		MaxUploadBytes: int64(cfg.Server.MaxUploadMB) << 20,
	})

	mcpSrv := api.NewMCPServer(api.MCPDeps{Workflows: coord, Documents: vectors, Version: version})

	top := chi.NewRouter()
	top.With(api.BearerAuth(cfg.Server.APIToken)).Handle("/mcp", server.NewStreamableHTTPServer(mcpSrv))
	top.Mount("/", appHandler)

	if opts.mcpStdio {
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           top,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("docqa listening", "addr", addr, "generator", gen.Name(), "jobs", cfg.Jobs.Backend)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			serveErr = fmt.Errorf("server error: %w", err)
		}
	}

	// HTTP first so no new work arrives, then drain in-flight traces.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown", "error", err)
	}
	stopJanitor()
	if err := b.Close(shutdownCtx); err != nil {
		slog.Warn("bus did not drain before shutdown timeout", "error", err)
	}
	return serveErr
}
