// Package ollama provides an embedding client backed by a local Ollama
// server.
//
// Ollama (https://ollama.com) hosts local models including embedding models
// such as nomic-embed-text, mxbai-embed-large and all-minilm. This package
// talks to Ollama's native /api/embed endpoint; only the standard library
// is needed.
//
// Example:
//
//	c, err := ollama.New("", "nomic-embed-text") // http://localhost:11434
//	if err != nil { … }
//	vec, err := c.Embed(ctx, "query: where do returns go?")
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/toolgate/pkg/knowledge/embed"
)

// DefaultBaseURL is the default base URL for a locally running Ollama
// instance.
const DefaultBaseURL = "http://localhost:11434"

// Ensure Client implements the embed.Client interface at compile time.
var _ embed.Client = (*Client)(nil)

// Client implements embed.Client using a local Ollama server.
//
// Dimension resolution happens in this order:
//  1. Value supplied via WithDimensions (highest priority).
//  2. Look-up in the built-in knownDimensions table.
//  3. Auto-detection: a single probe embed is issued on the first
//     Dimensions call and the vector length is cached for the lifetime
//     of the Client.
//
// Client is safe for concurrent use.
type Client struct {
	baseURL    string
	model      string
	httpClient *http.Client

	// dimensions holds the resolved vector length. When zero after
	// construction, it is populated lazily by detectOnce.
	dimensions int
	detectOnce sync.Once
	detectErr  error
}

// config holds optional configuration collected from functional options.
type config struct {
	timeout    time.Duration
	dimensions int
}

// Option is a functional option for Client.
type Option func(*config)

// WithTimeout sets a per-request HTTP timeout. A zero or negative value
// means no timeout (the default).
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithDimensions pre-sets the embedding dimension, bypassing the look-up
// table and the probe request Dimensions would otherwise issue for unknown
// models.
func WithDimensions(dims int) Option {
	return func(c *config) {
		c.dimensions = dims
	}
}

// New constructs an Ollama embedding client.
//
// baseURL is the Ollama server address; if empty, DefaultBaseURL is used.
// A trailing slash is stripped. model is the Ollama model name (e.g.,
// "nomic-embed-text") and must not be empty.
func New(baseURL string, model string, opts ...Option) (*Client, error) {
	if model == "" {
		return nil, fmt.Errorf("ollama embeddings: model must not be empty")
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	httpClient := &http.Client{}
	if cfg.timeout > 0 {
		httpClient.Timeout = cfg.timeout
	}

	c := &Client{
		baseURL:    baseURL,
		model:      model,
		httpClient: httpClient,
		dimensions: cfg.dimensions,
	}

	// Well-known models resolve without a probe request.
	if c.dimensions == 0 {
		c.dimensions = knownDimensions(model)
	}

	return c, nil
}

// embedRequest is the JSON request body sent to Ollama's /api/embed
// endpoint.
type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

// embedResponse is the JSON response body returned by /api/embed.
type embedResponse struct {
	Model      string      `json:"model"`
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed implements embed.Client.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.callEmbed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("ollama embeddings: embed: %w", err)
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("ollama embeddings: embed: empty response")
	}
	return vecs[0], nil
}

// EmbedBatch implements embed.Client. All texts go out in a single
// /api/embed request. Passing a nil or empty slice returns (nil, nil)
// without issuing any network request.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vecs, err := c.callEmbed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("ollama embeddings: embed batch: %w", err)
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("ollama embeddings: embed batch: expected %d embeddings, got %d", len(texts), len(vecs))
	}
	return vecs, nil
}

// Dimensions implements embed.Client. For unknown models a probe embed is
// issued once against the live server; the result is cached and 0 is
// returned if the probe fails.
func (c *Client) Dimensions() int {
	if c.dimensions != 0 {
		return c.dimensions
	}
	c.detectOnce.Do(func() {
		vecs, err := c.callEmbed(context.Background(), []string{"probe"})
		if err != nil {
			c.detectErr = err
			return
		}
		if len(vecs) > 0 {
			c.dimensions = len(vecs[0])
		}
	})
	return c.dimensions
}

// ModelID implements embed.Client.
func (c *Client) ModelID() string {
	return c.model
}

// callEmbed sends a POST /api/embed request and returns the raw embedding
// vectors. Context cancellation is respected via http.NewRequestWithContext.
func (c *Client) callEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embedRequest{
		Model: c.model,
		Input: texts,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var result embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(result.Embeddings) == 0 {
		return nil, fmt.Errorf("empty embeddings in response")
	}
	return result.Embeddings, nil
}

// knownDimensions returns the well-known output dimension for recognised
// Ollama embedding model names. Returns 0 for unknown models, which
// triggers auto-detection on the first Dimensions() call.
func knownDimensions(model string) int {
	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "nomic-embed-text"):
		return 768
	case strings.Contains(lower, "mxbai-embed-large"):
		return 1024
	case strings.Contains(lower, "all-minilm"):
		return 384
	default:
		return 0 // probed on first Dimensions() call
	}
}
