package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

// Load reads configuration from an optional YAML file (CONFIG_PATH) and then
// applies environment-variable overrides. Callers that want .env support load
// it with godotenv before calling Load.
func Load() (Config, error) {
	cfg := Config{}
	cfg.Reasoning.StoreFailures = true

	if path := strings.TrimSpace(os.Getenv("CONFIG_PATH")); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setStr(&cfg.Listen, "LISTEN_ADDR")
	setStr(&cfg.LogPath, "LOG_PATH")
	setStr(&cfg.LogLevel, "LOG_LEVEL")
	setStr(&cfg.WorkspaceDir, "WORKSPACE_DIR")

	setStr(&cfg.Completions.BaseURL, "LLM_BASE_URL")
	setStr(&cfg.Completions.APIKey, "LLM_API_KEY")
	setStr(&cfg.Completions.Model, "LLM_MODEL")
	setStr(&cfg.Completions.ReasoningEffort, "LLM_REASONING_EFFORT")
	setFloat(&cfg.Completions.Temperature, "LLM_TEMPERATURE")
	setInt(&cfg.Completions.MaxTokens, "LLM_MAX_TOKENS")
	setInt(&cfg.Completions.PoolSize, "LLM_POOL_SIZE")
	setDur(&cfg.Completions.ConnectTimeout, "LLM_CONNECT_TIMEOUT")
	setDur(&cfg.Completions.ReadTimeout, "LLM_READ_TIMEOUT")
	setDur(&cfg.Completions.RetryBase, "LLM_RETRY_BASE")
	setInt(&cfg.Completions.MaxAttempts, "LLM_MAX_ATTEMPTS")

	setInt(&cfg.Cache.MaxSize, "CACHE_MAX_SIZE")
	setDur(&cfg.Cache.TTL, "CACHE_TTL")
	setStr(&cfg.Cache.RedisAddr, "CACHE_REDIS_ADDR")
	setStr(&cfg.Cache.RedisPassword, "CACHE_REDIS_PASSWORD")
	setInt(&cfg.Cache.RedisDB, "CACHE_REDIS_DB")

	setStr(&cfg.Embeddings.BaseURL, "EMBED_BASE_URL")
	setStr(&cfg.Embeddings.Path, "EMBED_PATH")
	setStr(&cfg.Embeddings.Model, "EMBED_MODEL")
	setStr(&cfg.Embeddings.APIKey, "EMBED_API_KEY")
	setStr(&cfg.Embeddings.APIHeader, "EMBED_API_HEADER")
	setInt(&cfg.Embeddings.Dimensions, "EMBED_DIMENSIONS")
	setDur(&cfg.Embeddings.Timeout, "EMBED_TIMEOUT")

	if v := strings.TrimSpace(os.Getenv("STORE_BACKEND")); v != "" {
		cfg.Store.Backend = normalizeBackend(v)
	}
	setStr(&cfg.Store.LocalPath, "STORE_LOCAL_PATH")
	setStr(&cfg.Store.DatabaseURL, "DATABASE_URL")
	setStr(&cfg.Store.QdrantAddr, "QDRANT_ADDR")
	setStr(&cfg.Store.QdrantCollection, "QDRANT_COLLECTION")

	setFloat(&cfg.Scoring.SimilarityWeight, "SCORE_SIMILARITY_WEIGHT")
	setFloat(&cfg.Scoring.RecencyWeight, "SCORE_RECENCY_WEIGHT")
	setFloat(&cfg.Scoring.ErrorWeight, "SCORE_ERROR_WEIGHT")
	setFloat(&cfg.Scoring.HalfLifeDays, "SCORE_HALF_LIFE_DAYS")
	setFloat(&cfg.Scoring.ErrorBoost, "SCORE_ERROR_BOOST")

	setInt(&cfg.Reasoning.MaxIterations, "MAX_ITERATIONS")
	setFloat(&cfg.Reasoning.SuccessThreshold, "SUCCESS_THRESHOLD")
	setInt(&cfg.Reasoning.MaxPromptTokens, "MAX_PROMPT_TOKENS")
	setInt(&cfg.Reasoning.RequestBudget, "REQUEST_TOKEN_BUDGET")
	setInt(&cfg.Reasoning.MattsMaxParallel, "MATTS_MAX_PARALLEL")
	setInt(&cfg.Reasoning.RetrieveTopN, "RETRIEVE_TOP_N")
	if v := strings.TrimSpace(os.Getenv("STORE_FAILURES")); v != "" {
		cfg.Reasoning.StoreFailures = parseBool(v)
	}
}

func setStr(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

// setDur accepts Go duration strings ("90s") and falls back to plain seconds.
func setDur(dst *time.Duration, key string) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = d
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(n) * time.Second
	}
}

func parseBool(v string) bool {
	return strings.EqualFold(v, "true") || v == "1" || strings.EqualFold(v, "yes")
}
