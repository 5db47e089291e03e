// Package config loads process configuration from an optional .env file, an
// optional YAML file and the environment, in that order of precedence (the
// environment always wins).
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

const (
	ProviderOllama    = "ollama"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverSQLite   = "sqlite"
	StoreDriverMemory   = "memory"
)

type Config struct {
	HTTPAddr       string `yaml:"http_addr" env:"HTTP_ADDR" env-default:":8080"`
	LogLevel       string `yaml:"log_level" env:"LOG_LEVEL" env-default:"info"`
	MaxUploadBytes int64  `yaml:"max_upload_bytes" env:"MAX_UPLOAD_BYTES" env-default:"52428800"`

	Store    StoreConfig    `yaml:"store"`
	Neo4j    Neo4jConfig    `yaml:"neo4j"`
	BlobDir  string         `yaml:"blob_dir" env:"BLOB_DIR" env-default:"./data/uploads"`
	Tabular  TabularConfig  `yaml:"tabular"`
	Vectors  VectorConfig   `yaml:"vectorize"`
	Retrieve RetrieveConfig `yaml:"retrieve"`
	Context  ContextConfig  `yaml:"context"`

	Embeddings EmbeddingConfig `yaml:"embeddings"`
	LLM        LLMConfig       `yaml:"llm"`

	OllamaHost      string `yaml:"ollama_host" env:"OLLAMA_HOST" env-default:"http://localhost:11434"`
	OpenAIAPIKey    string `yaml:"-" env:"OPENAI_API_KEY"`
	OpenAIBaseURL   string `yaml:"openai_base_url" env:"OPENAI_BASE_URL"`
	AnthropicAPIKey string `yaml:"-" env:"ANTHROPIC_API_KEY"`
}

type StoreConfig struct {
	Driver      string `yaml:"driver" env:"STORE_DRIVER" env-default:"postgres"`
	PostgresDSN string `yaml:"-" env:"POSTGRES_DSN" env-default:"postgres://localhost:5432/csv-analyst?sslmode=disable"`
	SQLitePath  string `yaml:"sqlite_path" env:"SQLITE_PATH" env-default:"csv-analyst.db"`
}

// Neo4jConfig is optional; an empty URI disables the knowledge graph.
type Neo4jConfig struct {
	URI  string `yaml:"uri" env:"NEO4J_URI"`
	User string `yaml:"user" env:"NEO4J_USERNAME" env-default:"neo4j"`
	Pass string `yaml:"-" env:"NEO4J_PASSWORD"`
}

type TabularConfig struct {
	MaxRows        int `yaml:"max_rows" env:"TABULAR_MAX_ROWS" env-default:"10000"`
	StatsRows      int `yaml:"stats_rows" env:"TABULAR_STATS_ROWS" env-default:"1000"`
	StatsColumns   int `yaml:"stats_columns" env:"TABULAR_STATS_COLUMNS" env-default:"5"`
	DistinctSample int `yaml:"distinct_sample" env:"TABULAR_DISTINCT_SAMPLE" env-default:"100"`
}

type VectorConfig struct {
	BatchSize int           `yaml:"batch_size" env:"VECTORIZE_BATCH_SIZE" env-default:"50"`
	Pacing    time.Duration `yaml:"pacing" env:"VECTORIZE_PACING" env-default:"100ms"`
}

type RetrieveConfig struct {
	Threshold         float64 `yaml:"threshold" env:"RETRIEVE_THRESHOLD" env-default:"0.5"`
	TopK              int     `yaml:"top_k" env:"RETRIEVE_TOP_K" env-default:"8"`
	LowSimilarityTopK int     `yaml:"low_similarity_top_k" env:"RETRIEVE_LOW_SIMILARITY_TOP_K" env-default:"5"`
	KeywordCandidates int     `yaml:"keyword_candidates" env:"RETRIEVE_KEYWORD_CANDIDATES" env-default:"20"`
	KeywordTopK       int     `yaml:"keyword_top_k" env:"RETRIEVE_KEYWORD_TOP_K" env-default:"8"`
	RecentTopK        int     `yaml:"recent_top_k" env:"RETRIEVE_RECENT_TOP_K" env-default:"5"`
}

type ContextConfig struct {
	MaxChars int `yaml:"max_chars" env:"CONTEXT_MAX_CHARS" env-default:"12000"`
}

type EmbeddingConfig struct {
	Provider  string `yaml:"provider" env:"EMBEDDINGS_PROVIDER" env-default:"openai"`
	Model     string `yaml:"model" env:"EMBEDDINGS_MODEL" env-default:"text-embedding-ada-002"`
	Dimension int    `yaml:"dimension" env:"EMBEDDINGS_DIMENSION" env-default:"1536"`
}

type LLMConfig struct {
	Provider    string  `yaml:"provider" env:"LLM_PROVIDER" env-default:"openai"`
	Model       string  `yaml:"model" env:"LLM_MODEL" env-default:"gpt-4o-mini"`
	Temperature float32 `yaml:"temperature" env:"LLM_TEMPERATURE" env-default:"0.7"`
	MaxTokens   int     `yaml:"max_tokens" env:"LLM_MAX_TOKENS" env-default:"1000"`
}

// Load reads configuration. path names an optional YAML file; a missing file
// is not an error.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := cleanenv.ReadConfig(path, &cfg); err != nil {
				return Config{}, fmt.Errorf("read config %s: %w", path, err)
			}
			return cfg, cfg.Validate()
		}
	}

	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return Config{}, fmt.Errorf("read env: %w", err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch c.Store.Driver {
	case StoreDriverPostgres, StoreDriverSQLite, StoreDriverMemory:
	default:
		return fmt.Errorf("unknown store driver: %s", c.Store.Driver)
	}
	if c.Embeddings.Dimension <= 0 {
		return fmt.Errorf("embedding dimension must be positive")
	}
	if c.Retrieve.Threshold < -1 || c.Retrieve.Threshold > 1 {
		return fmt.Errorf("similarity threshold must be within [-1, 1], got %v", c.Retrieve.Threshold)
	}
	if c.Vectors.BatchSize <= 0 {
		return fmt.Errorf("vectorize batch size must be positive")
	}
	return nil
}
