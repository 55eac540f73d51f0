package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spotty118/mattthinking/internal/config"
)

func completionsConfig(url string) config.CompletionsConfig {
	return config.CompletionsConfig{
		BaseURL:        url,
		APIKey:         "test-key",
		Model:          "test-model",
		MaxTokens:      256,
		PoolSize:       4,
		ConnectTimeout: time.Second,
		ReadTimeout:    5 * time.Second,
		RetryBase:      10 * time.Millisecond,
		MaxAttempts:    3,
	}
}

func okBody(text string) []byte {
	b, _ := json.Marshal(map[string]any{
		"id":    "cmpl-1",
		"model": "test-model",
		"choices": []map[string]any{
			{"index": 0, "message": map[string]string{"role": "assistant", "content": text}, "finish_reason": "stop"},
		},
		"usage": map[string]int{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
	})
	return b
}

func TestClientCacheHitSkipsEndpoint(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write(okBody("cached answer"))
	}))
	defer srv.Close()

	c := NewClient(completionsConfig(srv.URL), config.CacheConfig{MaxSize: 10, TTL: time.Hour})
	req := CompletionRequest{Temperature: 0, Messages: []Message{{Role: "user", Content: "q"}}}

	first, err := c.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	second, err := c.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("second call: %v", err)
	}

	if calls.Load() != 1 {
		t.Fatalf("endpoint hit %d times, want 1", calls.Load())
	}
	if first.Text != second.Text || second.Text != "cached answer" {
		t.Fatalf("cached response differs: %q vs %q", first.Text, second.Text)
	}
	if hits := c.CacheStats().Hits; hits != 1 {
		t.Fatalf("cache hits = %d, want 1", hits)
	}
}

func TestClientNonDeterministicBypassesCache(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write(okBody("fresh"))
	}))
	defer srv.Close()

	c := NewClient(completionsConfig(srv.URL), config.CacheConfig{MaxSize: 10, TTL: time.Hour})
	req := CompletionRequest{Temperature: 0.7, Messages: []Message{{Role: "user", Content: "q"}}}

	for i := 0; i < 2; i++ {
		if _, err := c.Complete(context.Background(), req); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}

	if calls.Load() != 2 {
		t.Fatalf("endpoint hit %d times, want 2 (no caching)", calls.Load())
	}
	stats := c.CacheStats()
	if stats.Bypassed != 2 {
		t.Fatalf("bypassed = %d, want 2", stats.Bypassed)
	}
	if stats.Hits != 0 || stats.Misses != 0 {
		t.Fatalf("non-deterministic calls must not touch lookup: %+v", stats)
	}
}

func TestClientRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write(okBody("finally"))
	}))
	defer srv.Close()

	c := NewClient(completionsConfig(srv.URL), config.CacheConfig{MaxSize: 10, TTL: time.Hour})
	req := CompletionRequest{Temperature: 0, Messages: []Message{{Role: "user", Content: "q"}}}

	resp, err := c.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("expected success after retries: %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("attempts = %d, want 3", calls.Load())
	}
	if resp.Text != "finally" {
		t.Fatalf("unexpected text %q", resp.Text)
	}

	// The successful response is inserted once at the end.
	if _, ok := c.cache.Lookup(Key(CompletionRequest{
		Model: "test-model", MaxTokens: 256, ReasoningEffort: "", Temperature: 0,
		Messages: []Message{{Role: "user", Content: "q"}},
	})); !ok {
		t.Fatal("response should be cached after a retried success")
	}
}

func TestClientTerminalErrorNoRetry(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error": {"message": "bad key"}}`))
	}))
	defer srv.Close()

	c := NewClient(completionsConfig(srv.URL), config.CacheConfig{})
	_, err := c.Complete(context.Background(), CompletionRequest{Temperature: 0, Messages: []Message{{Role: "user", Content: "q"}}})
	if err == nil {
		t.Fatal("expected error on 401")
	}
	if calls.Load() != 1 {
		t.Fatalf("terminal errors must not retry: %d attempts", calls.Load())
	}
}

func TestClientExhaustionPreservesChain(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(completionsConfig(srv.URL), config.CacheConfig{})
	_, err := c.Complete(context.Background(), CompletionRequest{Temperature: 0, Messages: []Message{{Role: "user", Content: "q"}}})

	var callErr *CallError
	if !errors.As(err, &callErr) {
		t.Fatalf("expected CallError, got %T: %v", err, err)
	}
	if callErr.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", callErr.Attempts)
	}
	if len(callErr.Intermediate) != 2 {
		t.Fatalf("intermediate errors = %d, want 2", len(callErr.Intermediate))
	}
}

func TestClientProbe(t *testing.T) {
	cfg := completionsConfig("http://localhost:0")
	cfg.APIKey = ""
	c := NewClient(cfg, config.CacheConfig{})
	if err := c.Probe(context.Background()); err == nil {
		t.Fatal("probe must fail fast without an api key")
	}
}

func TestClientStats(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(okBody("ok"))
	}))
	defer srv.Close()

	c := NewClient(completionsConfig(srv.URL), config.CacheConfig{})
	if _, err := c.Complete(context.Background(), CompletionRequest{Temperature: 0.5, Messages: []Message{{Role: "user", Content: "a"}}}); err != nil {
		t.Fatal(err)
	}
	stats := c.Stats()
	if stats.Calls != 1 || stats.Errors != 0 {
		t.Fatalf("stats = %+v", stats)
	}
}
