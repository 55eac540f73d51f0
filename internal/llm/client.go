package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/spotty118/mattthinking/internal/config"
	"github.com/spotty118/mattthinking/internal/observability"
)

// APIStats is a snapshot of gateway call counters.
type APIStats struct {
	Calls        int64   `json:"calls"`
	Errors       int64   `json:"errors"`
	AvgLatencyMS float64 `json:"avg_latency_ms"`
	ErrorRate    float64 `json:"error_rate"`
}

// Client is the gateway to the completion endpoint: deterministic-response
// cache in front of a retrying, pooled HTTP transport.
type Client struct {
	cfg    config.CompletionsConfig
	http   *http.Client
	cache  *ResponseCache
	remote RemoteCache
	policy *RetryPolicy

	calls     atomic.Int64
	errs      atomic.Int64
	latencyMS atomic.Int64
}

// NewClient builds a gateway from config. The transport keeps a fixed pool
// of persistent connections and expresses timeouts as the (connect, read)
// pair; a single overall timeout is not sufficient for long completions.
func NewClient(cfg config.CompletionsConfig, cacheCfg config.CacheConfig) *Client {
	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		MaxIdleConns:          cfg.PoolSize,
		MaxIdleConnsPerHost:   cfg.PoolSize,
		MaxConnsPerHost:       cfg.PoolSize,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: cfg.ReadTimeout,
	}
	httpClient := observability.NewHTTPClient(&http.Client{
		Transport: transport,
		Timeout:   cfg.ConnectTimeout + cfg.ReadTimeout,
	})

	c := &Client{
		cfg:    cfg,
		http:   httpClient,
		cache:  NewResponseCache(cacheCfg.MaxSize, cacheCfg.TTL),
		policy: NewRetryPolicy(cfg.RetryBase, cfg.MaxAttempts),
	}
	return c
}

// WithRemoteCache attaches an optional shared second cache tier.
func (c *Client) WithRemoteCache(remote RemoteCache) *Client {
	c.remote = remote
	return c
}

// Probe fails fast when the gateway cannot possibly make a successful call.
func (c *Client) Probe(ctx context.Context) error {
	if c.cfg.APIKey == "" {
		return ErrMissingAPIKey
	}
	return nil
}

// Complete runs one LLM call through the cache → retry → pool path. Requests
// with non-zero temperature bypass the cache in both directions.
func (c *Client) Complete(ctx context.Context, req CompletionRequest) (Response, error) {
	log := observability.LoggerWithTrace(ctx)

	if req.Model == "" {
		req.Model = c.cfg.Model
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = c.cfg.MaxTokens
	}
	if req.ReasoningEffort == "" {
		req.ReasoningEffort = c.cfg.ReasoningEffort
	}

	cacheable := Cacheable(req)
	var key string
	if cacheable {
		key = Key(req)
		if resp, ok := c.cache.Lookup(key); ok {
			log.Debug().Str("model", req.Model).Msg("llm_cache_hit")
			return resp, nil
		}
		if c.remote != nil {
			if resp, ok := c.remote.Get(ctx, key); ok {
				c.cache.Insert(key, resp)
				log.Debug().Str("model", req.Model).Msg("llm_remote_cache_hit")
				return resp, nil
			}
		}
	} else {
		c.cache.Bypass()
	}

	resp, err := c.completeWithRetry(ctx, req)
	if err != nil {
		return Response{}, err
	}

	if cacheable {
		c.cache.Insert(key, resp)
		if c.remote != nil {
			c.remote.Set(ctx, key, resp)
		}
	}
	return resp, nil
}

// completeWithRetry drives the backoff schedule around the raw endpoint post.
func (c *Client) completeWithRetry(ctx context.Context, req CompletionRequest) (Response, error) {
	log := observability.LoggerWithTrace(ctx)

	var intermediate []error
	var lastErr error
	for attempt := 1; attempt <= c.policy.MaxAttempts; attempt++ {
		resp, err := c.post(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return Response{}, ctx.Err()
		}
		if !retryable(err) || attempt == c.policy.MaxAttempts {
			break
		}
		intermediate = append(intermediate, err)

		var retryAfter time.Duration
		if apiErr, ok := asAPIError(err); ok && apiErr.RateLimited() {
			retryAfter = apiErr.RetryAfter
		}
		delay := c.policy.Delay(attempt, retryAfter)
		log.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("llm_retrying")
		if err := sleep(ctx, delay); err != nil {
			return Response{}, err
		}
	}

	c.errs.Add(1)
	return Response{}, &CallError{
		Attempts:     len(intermediate) + 1,
		Cause:        lastErr,
		Intermediate: intermediate,
	}
}

// post performs a single HTTP round trip to the completion endpoint.
func (c *Client) post(ctx context.Context, req CompletionRequest) (Response, error) {
	start := time.Now()
	c.calls.Add(1)

	body, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("marshal completion request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("create completion request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("post completion: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return Response{}, fmt.Errorf("read completion response: %w", err)
	}
	c.latencyMS.Add(time.Since(start).Milliseconds())

	if httpResp.StatusCode != http.StatusOK {
		apiErr := &APIError{StatusCode: httpResp.StatusCode}
		var parsed errorResponse
		if json.Unmarshal(respBody, &parsed) == nil {
			apiErr.Message = parsed.Error.Message
		}
		if ra := httpResp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
				apiErr.RetryAfter = time.Duration(secs) * time.Second
			}
		}
		return Response{}, apiErr
	}

	var completion completionResponse
	if err := json.Unmarshal(respBody, &completion); err != nil {
		return Response{}, fmt.Errorf("parse completion response: %w", err)
	}
	if len(completion.Choices) == 0 {
		return Response{}, fmt.Errorf("no choices in completion response")
	}

	return Response{
		Text:             completion.Choices[0].Message.Content,
		Model:            completion.Model,
		PromptTokens:     completion.Usage.PromptTokens,
		CompletionTokens: completion.Usage.CompletionTokens,
		ReasoningTokens:  completion.Usage.ReasoningTokens,
	}, nil
}

func asAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// CacheStats exposes the response cache counters.
func (c *Client) CacheStats() CacheStats { return c.cache.Stats() }

// Stats exposes the gateway call counters.
func (c *Client) Stats() APIStats {
	calls := c.calls.Load()
	errs := c.errs.Load()
	s := APIStats{Calls: calls, Errors: errs}
	if calls > 0 {
		s.AvgLatencyMS = float64(c.latencyMS.Load()) / float64(calls)
		s.ErrorRate = float64(errs) / float64(calls)
	}
	return s
}
