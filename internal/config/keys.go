package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
)

func (t keyType) String() string {
	switch t {
	case kInt:
		return "integer"
	case kBool:
		return "bool"
	case kFloat:
		return "float"
	case kDuration:
		return "duration"
	default:
		return "string"
	}
}

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "DOCQA_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_token", typ: kString, env: "DOCQA_API_TOKEN",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "server.max_upload_mb", typ: kInt, env: "DOCQA_SERVER_MAX_UPLOAD_MB",
		apply:   func(cfg *Config, v any) { cfg.Server.MaxUploadMB = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.MaxUploadMB },
	},
	{
		key: "storage.data_dir", typ: kString, env: "DOCQA_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "ollama.base_url", typ: kString, env: "DOCQA_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.chat_model", typ: kString, env: "DOCQA_OLLAMA_CHAT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.ChatModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.ChatModel },
	},
	{
		key: "ollama.embed_model", typ: kString, env: "DOCQA_OLLAMA_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.EmbedModel },
	},
	{
		key: "generation.provider", typ: kString, env: "DOCQA_GENERATION_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.Generation.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.Generation.Provider },
	},
	{
		key: "generation.model", typ: kString, env: "DOCQA_GENERATION_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Generation.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Generation.Model },
	},
	{
		key: "gemini.api_key", typ: kString, env: "DOCQA_GEMINI_API_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Generation.GeminiAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Generation.GeminiAPIKey },
	},
	{
		key: "openrouter.api_key", typ: kString, env: "DOCQA_OPENROUTER_API_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Generation.OpenRouterAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Generation.OpenRouterAPIKey },
	},
	{
		key: "chunking.size", typ: kInt, env: "DOCQA_CHUNKING_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Chunking.Size = v.(int) },
		extract: func(cfg Config) any { return cfg.Chunking.Size },
	},
	{
		key: "chunking.overlap", typ: kInt, env: "DOCQA_CHUNKING_OVERLAP",
		apply:   func(cfg *Config, v any) { cfg.Chunking.Overlap = v.(int) },
		extract: func(cfg Config) any { return cfg.Chunking.Overlap },
	},
	{
		key: "embedding.batch_size", typ: kInt, env: "DOCQA_EMBEDDING_BATCH_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Embedding.BatchSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Embedding.BatchSize },
	},
	{
		key: "embedding.concurrency", typ: kInt, env: "DOCQA_EMBEDDING_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Concurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Embedding.Concurrency },
	},
	{
		key: "retrieval.top_k", typ: kInt, env: "DOCQA_RETRIEVAL_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.TopK },
	},
	{
		key: "retrieval.rerank_enabled", typ: kBool, env: "DOCQA_RETRIEVAL_RERANK_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.RerankEnabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Retrieval.RerankEnabled },
	},
	{
		key: "retrieval.rerank_timeout", typ: kDuration, env: "DOCQA_RETRIEVAL_RERANK_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.RerankTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Retrieval.RerankTimeout },
	},
	{
		key: "retrieval.rerank_threshold", typ: kFloat, env: "DOCQA_RETRIEVAL_RERANK_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.RerankThreshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Retrieval.RerankThreshold },
	},
	{
		key: "response.history_turns", typ: kInt, env: "DOCQA_RESPONSE_HISTORY_TURNS",
		apply:   func(cfg *Config, v any) { cfg.Response.HistoryTurns = v.(int) },
		extract: func(cfg Config) any { return cfg.Response.HistoryTurns },
	},
	{
		key: "response.max_context_tokens", typ: kInt, env: "DOCQA_RESPONSE_MAX_CONTEXT_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Response.MaxContextTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Response.MaxContextTokens },
	},
	{
		key: "timeouts.extract", typ: kDuration, env: "DOCQA_TIMEOUTS_EXTRACT",
		apply:   func(cfg *Config, v any) { cfg.Timeouts.Extract = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Timeouts.Extract },
	},
	{
		key: "timeouts.embed", typ: kDuration, env: "DOCQA_TIMEOUTS_EMBED",
		apply:   func(cfg *Config, v any) { cfg.Timeouts.Embed = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Timeouts.Embed },
	},
	{
		key: "timeouts.index", typ: kDuration, env: "DOCQA_TIMEOUTS_INDEX",
		apply:   func(cfg *Config, v any) { cfg.Timeouts.Index = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Timeouts.Index },
	},
	{
		key: "timeouts.retrieve", typ: kDuration, env: "DOCQA_TIMEOUTS_RETRIEVE",
		apply:   func(cfg *Config, v any) { cfg.Timeouts.Retrieve = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Timeouts.Retrieve },
	},
	{
		key: "timeouts.generate", typ: kDuration, env: "DOCQA_TIMEOUTS_GENERATE",
		apply:   func(cfg *Config, v any) { cfg.Timeouts.Generate = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Timeouts.Generate },
	},
	{
		key: "timeouts.handler", typ: kDuration, env: "DOCQA_TIMEOUTS_HANDLER",
		apply:   func(cfg *Config, v any) { cfg.Timeouts.Handler = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Timeouts.Handler },
	},
	{
		key: "jobs.backend", typ: kString, env: "DOCQA_JOBS_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Jobs.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Jobs.Backend },
	},
	{
		key: "jobs.redis_addr", typ: kString, env: "DOCQA_JOBS_REDIS_ADDR",
		apply:   func(cfg *Config, v any) { cfg.Jobs.RedisAddr = v.(string) },
		extract: func(cfg Config) any { return cfg.Jobs.RedisAddr },
	},
	{
		key: "jobs.retention", typ: kDuration, env: "DOCQA_JOBS_RETENTION",
		apply:   func(cfg *Config, v any) { cfg.Jobs.Retention = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Jobs.Retention },
	},
	{
		key: "jobs.sweep_interval", typ: kDuration, env: "DOCQA_JOBS_SWEEP_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Jobs.SweepInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Jobs.SweepInterval },
	},
	{
		key: "limits.collaborator_rps", typ: kFloat, env: "DOCQA_LIMITS_COLLABORATOR_RPS",
		apply:   func(cfg *Config, v any) { cfg.Limits.CollaboratorRPS = v.(float64) },
		extract: func(cfg Config) any { return cfg.Limits.CollaboratorRPS },
	},
	{
		key: "log.level", typ: kString, env: "DOCQA_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.format", typ: kString, env: "DOCQA_LOG_FORMAT",
		apply:   func(cfg *Config, v any) { cfg.Log.Format = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Format },
	},
}

// parseValue converts raw text to the Go type of t.
func parseValue(t keyType, raw string) (any, error) {
	switch t {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}

		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse %s from config key %s=%q: %v. Using default value.\n", s.typ, s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

// applyEnvOverrides applies every key whose variable lookup returns a
// non-empty value.
func applyEnvOverrides(cfg *Config, lookup func(string) string) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := lookup(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse %s from env var %s=%q: %v. Using default value.\n", s.typ, s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
