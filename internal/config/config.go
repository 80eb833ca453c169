// Package config loads layered settings: built-in defaults, the JSON config
// file, a .env file, and DOCQA_* environment variables, in increasing
// precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server     ServerConfig
	Storage    StorageConfig
	Ollama     OllamaConfig
	Generation GenerationConfig
	Chunking   ChunkingConfig
	Embedding  EmbeddingConfig
	Retrieval  RetrievalConfig
	Response   ResponseConfig
	Timeouts   TimeoutsConfig
	Jobs       JobsConfig
	Limits     LimitsConfig
	Log        LogConfig
}

type ServerConfig struct {
	Port int
	// APIToken enables bearer auth on the HTTP API when set.
	APIToken    string
	MaxUploadMB int
}

type StorageConfig struct {
	DataDir string
}

type OllamaConfig struct {
	BaseURL    string
	ChatModel  string
	EmbedModel string
}

type GenerationConfig struct {
	Provider         string
	Model            string
	GeminiAPIKey     string
	OpenRouterAPIKey string
}

// APIKey returns the key for the configured provider.
func (g GenerationConfig) APIKey() string {
	switch g.Provider {
	case "gemini":
		return g.GeminiAPIKey
	case "openrouter":
		return g.OpenRouterAPIKey
	}
	return ""
}

type ChunkingConfig struct {
	Size    int
	Overlap int
}

type EmbeddingConfig struct {
	BatchSize   int
	Concurrency int
}

type RetrievalConfig struct {
	TopK            int
	RerankEnabled   bool
	RerankTimeout   time.Duration
	RerankThreshold float64
}

type ResponseConfig struct {
	HistoryTurns     int
	MaxContextTokens int
}

type TimeoutsConfig struct {
	Extract  time.Duration
	Embed    time.Duration
	Index    time.Duration
	Retrieve time.Duration
	Generate time.Duration
	Handler  time.Duration
}

type JobsConfig struct {
	Backend       string
	RedisAddr     string
	Retention     time.Duration
	SweepInterval time.Duration
}

type LimitsConfig struct {
	// CollaboratorRPS caps calls to the model backends. Zero disables it.
	CollaboratorRPS float64
}

type LogConfig struct {
	Level  string
	Format string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:        8000,
			MaxUploadMB: 50,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Ollama: OllamaConfig{
			BaseURL:    "http://localhost:11434",
			ChatModel:  "llama3.2",
			EmbedModel: "nomic-embed-text",
		},
		Generation: GenerationConfig{
			Provider: "ollama",
		},
		Chunking: ChunkingConfig{
			Size:    1000,
			Overlap: 200,
		},
		Embedding: EmbeddingConfig{
			BatchSize:   16,
			Concurrency: 4,
		},
		Retrieval: RetrievalConfig{
			TopK:            5,
			RerankTimeout:   3 * time.Second,
			RerankThreshold: 0.3,
		},
		Response: ResponseConfig{
			HistoryTurns:     10,
			MaxContextTokens: 4000,
		},
		Timeouts: TimeoutsConfig{
			Extract:  time.Minute,
			Embed:    5 * time.Minute,
			Index:    30 * time.Second,
			Retrieve: 30 * time.Second,
			Generate: 2 * time.Minute,
			Handler:  10 * time.Minute,
		},
		Jobs: JobsConfig{
			Backend:       "sqlite",
			RedisAddr:     "localhost:6379",
			Retention:     24 * time.Hour,
			SweepInterval: 10 * time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the JSON file at ConfigFilePath, then ./.env, then the
// environment. Real environment variables win over .env entries.
func Load() (Config, error) {
	return loadWith(newFileBackend(ConfigFilePath()), ".env")
}

func loadWith(b ConfigBackend, envFile string) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	dotenv, err := readDotEnv(envFile)
	if err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg, func(key string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		return dotenv[key]
	})

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func readDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	vals, err := godotenv.Read(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return vals, nil
}

// Validate reports the first setting that cannot work.
func (c Config) Validate() error {
	switch {
	case c.Server.Port <= 0 || c.Server.Port > 65535:
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	case c.Server.MaxUploadMB <= 0:
		return fmt.Errorf("server.max_upload_mb must be positive")
	case c.Chunking.Size <= 0:
		return fmt.Errorf("chunking.size must be positive")
	case c.Chunking.Overlap < 0 || c.Chunking.Overlap >= c.Chunking.Size:
		return fmt.Errorf("chunking.overlap %d must be in [0, chunking.size %d)", c.Chunking.Overlap, c.Chunking.Size)
	case c.Retrieval.TopK <= 0:
		return fmt.Errorf("retrieval.top_k must be positive")
	case c.Ollama.EmbedModel == "":
		return fmt.Errorf("ollama.embed_model is required")
	}

	switch c.Generation.Provider {
	case "ollama":
		if c.Ollama.ChatModel == "" && c.Generation.Model == "" {
			return fmt.Errorf("ollama.chat_model is required for the ollama provider")
		}
	case "gemini", "openrouter":
		if c.Generation.APIKey() == "" {
			env := "DOCQA_" + strings.ToUpper(c.Generation.Provider) + "_API_KEY"
			return fmt.Errorf("missing required config: %s API key. Set it via environment variable %s or .env", c.Generation.Provider, env)
		}
	default:
		return fmt.Errorf("generation.provider %q: want ollama, gemini, or openrouter", c.Generation.Provider)
	}

	switch c.Jobs.Backend {
	case "memory", "sqlite":
	case "redis":
		if c.Jobs.RedisAddr == "" {
			return fmt.Errorf("jobs.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("jobs.backend %q: want memory, sqlite, or redis", c.Jobs.Backend)
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q: want debug, info, warn, or error", c.Log.Level)
	}
	return nil
}
