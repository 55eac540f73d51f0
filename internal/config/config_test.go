package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("LLM_BASE_URL", "http://localhost:9000/v1/chat/completions")
	t.Setenv("EMBED_DIMENSIONS", "768")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Completions.PoolSize != 10 {
		t.Fatalf("pool size default = %d, want 10", cfg.Completions.PoolSize)
	}
	if cfg.Completions.ConnectTimeout != 10*time.Second || cfg.Completions.ReadTimeout != 120*time.Second {
		t.Fatalf("timeout pair defaults = (%v, %v)", cfg.Completions.ConnectTimeout, cfg.Completions.ReadTimeout)
	}
	if cfg.Completions.RetryBase != time.Second || cfg.Completions.MaxAttempts != 3 {
		t.Fatalf("retry defaults = (%v, %d)", cfg.Completions.RetryBase, cfg.Completions.MaxAttempts)
	}
	if cfg.Cache.MaxSize != 100 || cfg.Cache.TTL != time.Hour {
		t.Fatalf("cache defaults = (%d, %v)", cfg.Cache.MaxSize, cfg.Cache.TTL)
	}
	if cfg.Store.Backend != BackendLocal {
		t.Fatalf("backend default = %s", cfg.Store.Backend)
	}
	if cfg.Scoring.SimilarityWeight != 0.6 || cfg.Scoring.RecencyWeight != 0.3 || cfg.Scoring.ErrorWeight != 0.1 {
		t.Fatalf("score weights = %+v", cfg.Scoring)
	}
	if cfg.Scoring.HalfLifeDays != 30 || cfg.Scoring.ErrorBoost != 1.2 {
		t.Fatalf("decay defaults = %+v", cfg.Scoring)
	}
	if cfg.Reasoning.MaxIterations != 3 || cfg.Reasoning.SuccessThreshold != 0.8 {
		t.Fatalf("reasoning defaults = %+v", cfg.Reasoning)
	}
	if cfg.Reasoning.MaxPromptTokens != 12000 {
		t.Fatalf("max prompt tokens = %d", cfg.Reasoning.MaxPromptTokens)
	}
	if !cfg.Reasoning.StoreFailures {
		t.Fatal("failures persist by default")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("LLM_BASE_URL", "http://llm:8080/v1/chat/completions")
	t.Setenv("EMBED_DIMENSIONS", "384")
	t.Setenv("LLM_MODEL", "my-model")
	t.Setenv("LLM_READ_TIMEOUT", "90s")
	t.Setenv("CACHE_MAX_SIZE", "250")
	t.Setenv("SUCCESS_THRESHOLD", "0.9")
	t.Setenv("STORE_BACKEND", "Vector_Local")
	t.Setenv("STORE_FAILURES", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Completions.Model != "my-model" {
		t.Fatalf("model = %s", cfg.Completions.Model)
	}
	if cfg.Completions.ReadTimeout != 90*time.Second {
		t.Fatalf("read timeout = %v", cfg.Completions.ReadTimeout)
	}
	if cfg.Cache.MaxSize != 250 {
		t.Fatalf("cache max size = %d", cfg.Cache.MaxSize)
	}
	if cfg.Reasoning.SuccessThreshold != 0.9 {
		t.Fatalf("threshold = %v", cfg.Reasoning.SuccessThreshold)
	}
	if cfg.Store.Backend != BackendLocal {
		t.Fatalf("backend selector must normalize case: %s", cfg.Store.Backend)
	}
	if cfg.Reasoning.StoreFailures {
		t.Fatal("store failures override ignored")
	}
}

func TestValidateRejectsBrokenConfig(t *testing.T) {
	t.Run("MissingEndpoint", func(t *testing.T) {
		cfg := Config{}
		cfg.applyDefaults()
		if err := cfg.Validate(); err == nil {
			t.Fatal("missing completions endpoint must be rejected")
		}
	})

	t.Run("CloudBackendWithoutDSN", func(t *testing.T) {
		t.Setenv("LLM_BASE_URL", "http://x/v1")
		t.Setenv("EMBED_DIMENSIONS", "64")
		t.Setenv("STORE_BACKEND", BackendCloud)
		if _, err := Load(); err == nil {
			t.Fatal("vector_cloud without database_url must be rejected")
		}
	})

	t.Run("UnknownBackend", func(t *testing.T) {
		t.Setenv("LLM_BASE_URL", "http://x/v1")
		t.Setenv("EMBED_DIMENSIONS", "64")
		t.Setenv("STORE_BACKEND", "vector_bogus")
		if _, err := Load(); err == nil {
			t.Fatal("unknown backend must be rejected")
		}
	})

	t.Run("MissingDimensions", func(t *testing.T) {
		t.Setenv("LLM_BASE_URL", "http://x/v1")
		if _, err := Load(); err == nil {
			t.Fatal("missing embedding dimensions must be rejected")
		}
	})
}
