// Package config loads service configuration from the environment, a .env
// file, and an optional YAML file. Process environment wins over .env, and
// .env wins over YAML.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all service configuration.
type Config struct {
	Port            string        `env:"PORT" envDefault:"8080"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	CORSOrigin      string        `env:"CORS_ORIGIN" envDefault:"*"`
	MaxUploadBytes  int64         `env:"MAX_UPLOAD_BYTES" envDefault:"33554432"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	PDFDir          string        `env:"PDF_DIR" envDefault:"pdfs"`

	OpenAIAPIKey  string `env:"OPENAI_API_KEY"`
	OpenAIBaseURL string `env:"OPENAI_BASE_URL"`

	EmbeddingBackend   string  `env:"EMBEDDING_BACKEND" envDefault:"openai"`
	EmbeddingModel     string  `env:"EMBEDDING_MODEL" envDefault:"text-embedding-ada-002"`
	OllamaURL          string  `env:"OLLAMA_URL" envDefault:"http://localhost:11434"`
	OllamaEmbedModel   string  `env:"OLLAMA_EMBED_MODEL" envDefault:"nomic-embed-text"`
	EmbedRatePerSecond float64 `env:"EMBED_RATE_PER_SECOND" envDefault:"0"`
	EmbedMaxRetries    int     `env:"EMBED_MAX_RETRIES" envDefault:"3"`

	ChatModel         string  `env:"CHAT_MODEL" envDefault:"gpt-3.5-turbo"`
	ChatMaxTokens     int     `env:"CHAT_MAX_TOKENS" envDefault:"512"`
	ChatRatePerSecond float64 `env:"CHAT_RATE_PER_SECOND" envDefault:"0"`
	TopK              int     `env:"TOP_K" envDefault:"5"`

	VectorStore  string `env:"VECTOR_STORE" envDefault:"chromem"`
	ChromemDir   string `env:"CHROMEM_DIR" envDefault:"data/chromem"`
	QdrantAddr   string `env:"QDRANT_ADDR" envDefault:"localhost:6334"`
	Collection   string `env:"VECTOR_COLLECTION" envDefault:"pdf-chunks"`
	Dimension    int    `env:"VECTOR_DIMENSION"` // unset: per-backend default
	ChunkSize    int    `env:"CHUNK_SIZE" envDefault:"1000"`
	ChunkOverlap int    `env:"CHUNK_OVERLAP" envDefault:"200"`

	ReplaceDeleteFirst bool `env:"REPLACE_DELETE_FIRST" envDefault:"false"`

	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	Neo4jURL      string `env:"NEO4J_URL"`
	Neo4jUser     string `env:"NEO4J_USER" envDefault:"neo4j"`
	Neo4jPass     string `env:"NEO4J_PASS"`
	Neo4jDatabase string `env:"NEO4J_DATABASE"`

	NATSURL string `env:"NATS_URL" envDefault:"nats://localhost:4222"`
}

// Supported backends.
const (
	BackendOpenAI = "openai"
	BackendOllama = "ollama"
	StoreChromem  = "chromem"
	StoreQdrant   = "qdrant"
)

// Index dimensions used when VECTOR_DIMENSION is unset. nomic-embed-text
// returns 768 values; OpenAI vectors are truncated to 1024.
const (
	DefaultOpenAIDimension = 1024
	DefaultOllamaDimension = 768
)

// Load reads configuration from the process environment, ".env" in the
// working directory if present, and the YAML file named by CONFIG_FILE.
func Load() (*Config, error) {
	return LoadFrom(os.Environ(), ".env")
}

// LoadFrom is Load with an explicit environment and .env path.
func LoadFrom(environ []string, dotenvPath string) (*Config, error) {
	process := envMap(environ)

	dotenv := map[string]string{}
	if dotenvPath != "" {
		m, err := godotenv.Read(dotenvPath)
		switch {
		case err == nil:
			dotenv = m
		case !errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("config: read %s: %w", dotenvPath, err)
		}
	}

	merged := map[string]string{}
	file := lookup("CONFIG_FILE", process, dotenv)
	if file != "" {
		overlay, err := readYAML(file)
		if err != nil {
			return nil, err
		}
		mergeInto(merged, overlay)
	}
	mergeInto(merged, dotenv)
	mergeInto(merged, process)

	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Environment: merged}); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if merged["VECTOR_DIMENSION"] == "" {
		cfg.Dimension = DefaultOpenAIDimension
		if cfg.EmbeddingBackend == BackendOllama {
			cfg.Dimension = DefaultOllamaDimension
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges and cross-field requirements.
func (c *Config) Validate() error {
	var errs []error
	switch c.EmbeddingBackend {
	case BackendOpenAI:
		if c.OpenAIAPIKey == "" {
			errs = append(errs, errors.New("OPENAI_API_KEY is required for the openai embedding backend"))
		}
	case BackendOllama:
	default:
		errs = append(errs, fmt.Errorf("EMBEDDING_BACKEND %q: want openai or ollama", c.EmbeddingBackend))
	}
	if c.VectorStore != StoreChromem && c.VectorStore != StoreQdrant {
		errs = append(errs, fmt.Errorf("VECTOR_STORE %q: want chromem or qdrant", c.VectorStore))
	}
	if c.Dimension <= 0 {
		errs = append(errs, fmt.Errorf("VECTOR_DIMENSION %d: must be positive", c.Dimension))
	}
	if c.ChunkSize <= 0 || c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		errs = append(errs, fmt.Errorf("CHUNK_SIZE %d / CHUNK_OVERLAP %d: need 0 <= overlap < size", c.ChunkSize, c.ChunkOverlap))
	}
	if c.TopK <= 0 {
		errs = append(errs, fmt.Errorf("TOP_K %d: must be positive", c.TopK))
	}
	if c.MaxUploadBytes <= 0 {
		errs = append(errs, fmt.Errorf("MAX_UPLOAD_BYTES %d: must be positive", c.MaxUploadBytes))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// Logger builds the JSON logger for LogLevel.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

// readYAML reads a flat mapping of environment variable names to scalar
// values. Keys are matched case-insensitively.
func readYAML(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		switch v.(type) {
		case map[string]any, []any:
			return nil, fmt.Errorf("config: %s: key %q must be a scalar", path, k)
		case nil:
			continue
		}
		out[strings.ToUpper(k)] = fmt.Sprint(v)
	}
	return out, nil
}

func envMap(environ []string) map[string]string {
	m := make(map[string]string, len(environ))
	for _, kv := range environ {
		if k, v, ok := strings.Cut(kv, "="); ok {
			m[k] = v
		}
	}
	return m
}

func mergeInto(dst, src map[string]string) {
	for k, v := range src {
		dst[k] = v
	}
}

func lookup(key string, layers ...map[string]string) string {
	for _, m := range layers {
		if v, ok := m[key]; ok && v != "" {
			return v
		}
	}
	return ""
}
