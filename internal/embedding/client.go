package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/spotty118/mattthinking/internal/config"
	"github.com/spotty118/mattthinking/internal/observability"
)

// EmbedFunc is an injectable embedding function. In production it is bound to
// Client.Embed; tests stub it with a deterministic vectorizer.
type EmbedFunc func(ctx context.Context, texts []string) ([][]float32, error)

type embedReq struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResp struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Client calls the configured embedding endpoint. Embeddings are assumed
// deterministic: the same text always yields the same vector.
type Client struct {
	cfg  config.EmbeddingConfig
	http *http.Client
}

// NewClient builds an embedding client over an otel-instrumented transport.
func NewClient(cfg config.EmbeddingConfig) *Client {
	return &Client{
		cfg:  cfg,
		http: observability.NewHTTPClient(&http.Client{Timeout: cfg.Timeout}),
	}
}

// Dimensions returns the fixed embedding dimensionality.
func (c *Client) Dimensions() int { return c.cfg.Dimensions }

// Embed returns one embedding per input string.
func (c *Client) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("embedding: no inputs")
	}
	reqBody, _ := json.Marshal(embedReq{Model: c.cfg.Model, Input: inputs})

	url := c.cfg.BaseURL + c.cfg.Path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	switch c.cfg.APIHeader {
	case "", "Authorization":
		if c.cfg.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		}
	default:
		req.Header.Set(c.cfg.APIHeader, c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("embedding: read response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("embedding: %s: %s", resp.Status, truncateBody(body))
	}

	var er embedResp
	if err := json.Unmarshal(body, &er); err != nil {
		return nil, fmt.Errorf("embedding: parse response: %w", err)
	}
	if len(er.Data) != len(inputs) {
		return nil, fmt.Errorf("embedding: unexpected embedding count: got %d, want %d", len(er.Data), len(inputs))
	}

	out := make([][]float32, len(er.Data))
	for i := range er.Data {
		if c.cfg.Dimensions > 0 && len(er.Data[i].Embedding) != c.cfg.Dimensions {
			return nil, fmt.Errorf("embedding: dimension mismatch: got %d, want %d", len(er.Data[i].Embedding), c.cfg.Dimensions)
		}
		out[i] = er.Data[i].Embedding
	}
	return out, nil
}

// CheckReachability verifies the endpoint with a tiny test request.
func (c *Client) CheckReachability(ctx context.Context) error {
	if _, err := c.Embed(ctx, []string{"ping"}); err != nil {
		return fmt.Errorf("embedding endpoint reachability check failed: %w", err)
	}
	return nil
}

func truncateBody(b []byte) string {
	if len(b) > 200 {
		b = b[:200]
	}
	return string(b)
}
