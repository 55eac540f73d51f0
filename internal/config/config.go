package config

import (
	"fmt"
	"strings"
	"time"
)

// Backend selects the memory store implementation.
const (
	BackendLocal  = "vector_local"
	BackendCloud  = "vector_cloud"
	BackendQdrant = "vector_qdrant"
)

// CompletionsConfig holds the settings for the completion endpoint the LLM
// gateway talks to.
type CompletionsConfig struct {
	BaseURL         string  `yaml:"base_url"`
	APIKey          string  `yaml:"api_key"`
	Model           string  `yaml:"model"`
	ReasoningEffort string  `yaml:"reasoning_effort"`
	Temperature     float64 `yaml:"temperature"`
	MaxTokens       int     `yaml:"max_tokens"`

	// Connection pool and the (connect, read) timeout pair.
	PoolSize       int           `yaml:"pool_size"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`

	// Retry schedule.
	RetryBase   time.Duration `yaml:"retry_base"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// CacheConfig bounds the deterministic response cache.
type CacheConfig struct {
	MaxSize int           `yaml:"max_size"`
	TTL     time.Duration `yaml:"ttl"`

	// Optional Redis second tier shared across replicas.
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

// EmbeddingConfig points at the embedding endpoint.
type EmbeddingConfig struct {
	BaseURL    string        `yaml:"base_url"`
	Path       string        `yaml:"path"`
	Model      string        `yaml:"model"`
	APIKey     string        `yaml:"api_key"`
	APIHeader  string        `yaml:"api_header"`
	Dimensions int           `yaml:"dimensions"`
	Timeout    time.Duration `yaml:"timeout"`
}

// StoreConfig selects and configures the memory store backend.
type StoreConfig struct {
	Backend string `yaml:"backend"`

	// vector_local: snapshot file for the embedded store ("" = memory only).
	LocalPath string `yaml:"local_path"`

	// vector_cloud: Postgres + pgvector.
	DatabaseURL string `yaml:"database_url"`

	// vector_qdrant: dedicated ANN server.
	QdrantAddr       string `yaml:"qdrant_addr"`
	QdrantCollection string `yaml:"qdrant_collection"`
}

// ScoringConfig holds the composite scorer weights and decay parameters.
type ScoringConfig struct {
	SimilarityWeight float64 `yaml:"similarity_weight"`
	RecencyWeight    float64 `yaml:"recency_weight"`
	ErrorWeight      float64 `yaml:"error_weight"`
	HalfLifeDays     float64 `yaml:"half_life_days"`
	ErrorBoost       float64 `yaml:"error_boost"`
}

// ReasoningConfig bounds the iterative controller and MaTTS orchestrator.
type ReasoningConfig struct {
	MaxIterations    int     `yaml:"max_iterations"`
	SuccessThreshold float64 `yaml:"success_threshold"`
	MaxPromptTokens  int     `yaml:"max_prompt_tokens"`
	RequestBudget    int     `yaml:"request_budget"`
	MattsMaxParallel int     `yaml:"matts_max_parallel"`
	StoreFailures    bool    `yaml:"store_failures"`
	RetrieveTopN     int     `yaml:"retrieve_top_n"`
}

// Config is the full service configuration.
type Config struct {
	Listen       string            `yaml:"listen"`
	LogPath      string            `yaml:"log_path"`
	LogLevel     string            `yaml:"log_level"`
	WorkspaceDir string            `yaml:"workspace_dir"`
	Completions  CompletionsConfig `yaml:"completions"`
	Cache        CacheConfig       `yaml:"cache"`
	Embeddings   EmbeddingConfig   `yaml:"embeddings"`
	Store        StoreConfig       `yaml:"store"`
	Scoring      ScoringConfig     `yaml:"scoring"`
	Reasoning    ReasoningConfig   `yaml:"reasoning"`
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	if c.Completions.BaseURL == "" {
		return fmt.Errorf("completions base_url is required")
	}
	if c.Embeddings.Dimensions <= 0 {
		return fmt.Errorf("embeddings dimensions must be positive")
	}
	switch c.Store.Backend {
	case BackendLocal:
	case BackendCloud:
		if c.Store.DatabaseURL == "" {
			return fmt.Errorf("store backend %s requires database_url", BackendCloud)
		}
	case BackendQdrant:
		if c.Store.QdrantAddr == "" {
			return fmt.Errorf("store backend %s requires qdrant_addr", BackendQdrant)
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Reasoning.SuccessThreshold < 0 || c.Reasoning.SuccessThreshold > 1 {
		return fmt.Errorf("success_threshold must be in [0,1]")
	}
	return nil
}

// applyDefaults fills zero-valued fields with the documented defaults.
func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8321"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Completions.Model == "" {
		c.Completions.Model = "gpt-4o-mini"
	}
	if c.Completions.ReasoningEffort == "" {
		c.Completions.ReasoningEffort = "medium"
	}
	if c.Completions.MaxTokens <= 0 {
		c.Completions.MaxTokens = 4096
	}
	if c.Completions.PoolSize <= 0 {
		c.Completions.PoolSize = 10
	}
	if c.Completions.ConnectTimeout <= 0 {
		c.Completions.ConnectTimeout = 10 * time.Second
	}
	if c.Completions.ReadTimeout <= 0 {
		c.Completions.ReadTimeout = 120 * time.Second
	}
	if c.Completions.RetryBase <= 0 {
		c.Completions.RetryBase = time.Second
	}
	if c.Completions.MaxAttempts <= 0 {
		c.Completions.MaxAttempts = 3
	}
	if c.Cache.MaxSize <= 0 {
		c.Cache.MaxSize = 100
	}
	if c.Cache.TTL <= 0 {
		c.Cache.TTL = time.Hour
	}
	if c.Embeddings.Path == "" {
		c.Embeddings.Path = "/v1/embeddings"
	}
	if c.Embeddings.Timeout <= 0 {
		c.Embeddings.Timeout = 30 * time.Second
	}
	if c.Store.Backend == "" {
		c.Store.Backend = BackendLocal
	}
	if c.Store.QdrantCollection == "" {
		c.Store.QdrantCollection = "memories"
	}
	if c.Scoring.SimilarityWeight == 0 && c.Scoring.RecencyWeight == 0 && c.Scoring.ErrorWeight == 0 {
		c.Scoring.SimilarityWeight = 0.6
		c.Scoring.RecencyWeight = 0.3
		c.Scoring.ErrorWeight = 0.1
	}
	if c.Scoring.HalfLifeDays <= 0 {
		c.Scoring.HalfLifeDays = 30
	}
	if c.Scoring.ErrorBoost <= 0 {
		c.Scoring.ErrorBoost = 1.2
	}
	if c.Reasoning.MaxIterations <= 0 {
		c.Reasoning.MaxIterations = 3
	}
	if c.Reasoning.SuccessThreshold == 0 {
		c.Reasoning.SuccessThreshold = 0.8
	}
	if c.Reasoning.MaxPromptTokens <= 0 {
		c.Reasoning.MaxPromptTokens = 12000
	}
	if c.Reasoning.RequestBudget <= 0 {
		c.Reasoning.RequestBudget = 100000
	}
	if c.Reasoning.MattsMaxParallel <= 0 {
		c.Reasoning.MattsMaxParallel = 10
	}
	if c.Reasoning.RetrieveTopN <= 0 {
		c.Reasoning.RetrieveTopN = 5
	}
}

func normalizeBackend(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}
