// Package mock provides a test double for the embed.Client interface.
//
// Use Client to return pre-canned embedding vectors without a live model
// and to verify which texts were submitted.
//
// Example:
//
//	c := &mock.Client{
//	    EmbedResult:     []float32{0.1, 0.2, 0.3},
//	    DimensionsValue: 3,
//	    ModelIDValue:    "test-embed-v1",
//	}
//	vec, _ := c.Embed(ctx, "hello world")
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/toolgate/pkg/knowledge/embed"
)

// Client is a mock implementation of embed.Client.
type Client struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// EmbedResult is returned by Embed. If nil, a nil slice is returned.
	EmbedResult []float32

	// EmbedErr, if non-nil, is returned as the error from Embed.
	EmbedErr error

	// EmbedBatchResult is returned by EmbedBatch. If nil, a slice of nil
	// slices matching the input length is returned.
	EmbedBatchResult [][]float32

	// EmbedBatchErr, if non-nil, is returned as the error from EmbedBatch.
	EmbedBatchErr error

	// DimensionsValue is returned by Dimensions.
	DimensionsValue int

	// ModelIDValue is returned by ModelID.
	ModelIDValue string

	// --- Call records ---

	// EmbedCalls records every text passed to Embed in order.
	EmbedCalls []string

	// EmbedBatchCalls records a copy of every slice passed to EmbedBatch.
	EmbedBatchCalls [][]string
}

// Embed records the call and returns EmbedResult, EmbedErr.
func (c *Client) Embed(_ context.Context, text string) ([]float32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.EmbedCalls = append(c.EmbedCalls, text)
	return c.EmbedResult, c.EmbedErr
}

// EmbedBatch records the call and returns EmbedBatchResult, EmbedBatchErr.
func (c *Client) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]string, len(texts))
	copy(cp, texts)
	c.EmbedBatchCalls = append(c.EmbedBatchCalls, cp)
	if c.EmbedBatchErr != nil {
		return nil, c.EmbedBatchErr
	}
	if c.EmbedBatchResult != nil {
		return c.EmbedBatchResult, nil
	}
	return make([][]float32, len(texts)), nil
}

// Dimensions returns DimensionsValue.
func (c *Client) Dimensions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.DimensionsValue
}

// ModelID returns ModelIDValue.
func (c *Client) ModelID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ModelIDValue
}

// Reset clears all recorded calls. Thread-safe.
func (c *Client) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.EmbedCalls = nil
	c.EmbedBatchCalls = nil
}

// Ensure Client implements embed.Client at compile time.
var _ embed.Client = (*Client)(nil)
