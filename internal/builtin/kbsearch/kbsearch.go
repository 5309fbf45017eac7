// Package kbsearch provides the built-in knowledge-base tools backed by a
// vector chunk store and an embeddings client.
//
// Two tools are exported via [NewTools]:
//   - "kb_search" — semantic retrieval over stored chunks (cosine distance).
//   - "kb_store"  — embed and persist a new chunk.
//
// All handlers are safe for concurrent use.
package kbsearch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/toolgate/pkg/knowledge"
	"github.com/MrWong99/toolgate/pkg/knowledge/embed"
	"github.com/MrWong99/toolgate/pkg/tool"
)

// ─────────────────────────────────────────────────────────────────────────────
// kb_search
// ─────────────────────────────────────────────────────────────────────────────

// kbSearchArgs is the JSON-decoded input for the "kb_search" tool.
type kbSearchArgs struct {
	// Query is the natural-language search string to embed and match
	// against stored chunks.
	Query string `json:"query"`

	// TopK caps the number of results returned. Defaults to 5 when ≤ 0.
	TopK int `json:"top_k,omitempty"`

	// Source restricts results to chunks from this source. Leave empty to
	// search all sources.
	Source string `json:"source,omitempty"`

	// Topic restricts results to chunks tagged with this topic. Leave empty
	// to search all topics.
	Topic string `json:"topic,omitempty"`
}

// kbHit is one kb_search result row.
type kbHit struct {
	ID       string  `json:"id"`
	Source   string  `json:"source,omitempty"`
	Topic    string  `json:"topic,omitempty"`
	Content  string  `json:"content"`
	Distance float64 `json:"distance"`
}

// defaultTopK is the default result limit when top_k is not provided.
const defaultTopK = 5

// makeKBSearchHandler returns a handler for the "kb_search" tool that embeds
// the query and delegates to index.Search.
func makeKBSearchHandler(index knowledge.Index, embedder embed.Client) tool.Handler {
	return func(ctx context.Context, call tool.Call) (tool.Result, error) {
		var a kbSearchArgs
		if err := json.Unmarshal(call.Args, &a); err != nil {
			return tool.Result{}, tool.Errorf(tool.KindValidation,
				"kb_search arguments are not a JSON object: %v", err)
		}
		if strings.TrimSpace(a.Query) == "" {
			return tool.Result{}, tool.Errorf(tool.KindValidation,
				"query must not be empty; pass the search terms in the \"query\" argument")
		}

		topK := a.TopK
		if topK <= 0 {
			topK = defaultTopK
		}

		vec, err := embedder.Embed(ctx, a.Query)
		if err != nil {
			return tool.Result{}, fmt.Errorf("kb tool: kb_search: embed query: %w", err)
		}

		results, err := index.Search(ctx, vec, topK, knowledge.Filter{
			Source: a.Source,
			Topic:  a.Topic,
		})
		if err != nil {
			return tool.Result{}, fmt.Errorf("kb tool: kb_search: %w", err)
		}

		hits := make([]kbHit, 0, len(results))
		for _, r := range results {
			hits = append(hits, kbHit{
				ID:       r.Chunk.ID,
				Source:   r.Chunk.Source,
				Topic:    r.Chunk.Topic,
				Content:  r.Chunk.Content,
				Distance: r.Distance,
			})
		}
		return tool.Result{Data: hits, Empty: len(hits) == 0}, nil
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// kb_store
// ─────────────────────────────────────────────────────────────────────────────

// kbStoreArgs is the JSON-decoded input for the "kb_store" tool.
type kbStoreArgs struct {
	// Content is the text to embed and persist.
	Content string `json:"content"`

	// ID optionally fixes the chunk ID. Storing under an existing ID
	// replaces that chunk. Leave empty to derive a stable ID from the
	// content.
	ID string `json:"id,omitempty"`

	// Source labels where the content came from (e.g. a URL or document
	// name). Used by kb_search's source filter.
	Source string `json:"source,omitempty"`

	// Topic tags the content for kb_search's topic filter.
	Topic string `json:"topic,omitempty"`
}

// kbStoreResult is the payload returned by a successful kb_store call.
type kbStoreResult struct {
	// ID is the chunk ID the content was stored under.
	ID string `json:"id"`

	// Stored is always true on success.
	Stored bool `json:"stored"`
}

// deriveChunkID returns a stable content-addressed chunk ID.
func deriveChunkID(content string) string {
	sum := sha256.Sum256([]byte(content))
	return "chunk-" + hex.EncodeToString(sum[:])[:12]
}

// makeKBStoreHandler returns a handler for the "kb_store" tool that embeds
// the content and delegates to index.Upsert.
func makeKBStoreHandler(index knowledge.Index, embedder embed.Client) tool.Handler {
	return func(ctx context.Context, call tool.Call) (tool.Result, error) {
		var a kbStoreArgs
		if err := json.Unmarshal(call.Args, &a); err != nil {
			return tool.Result{}, tool.Errorf(tool.KindValidation,
				"kb_store arguments are not a JSON object: %v", err)
		}
		if strings.TrimSpace(a.Content) == "" {
			return tool.Result{}, tool.Errorf(tool.KindValidation,
				"content must not be empty; pass the text to store in the \"content\" argument")
		}

		id := strings.TrimSpace(a.ID)
		if id == "" {
			id = deriveChunkID(a.Content)
		}

		vec, err := embedder.Embed(ctx, a.Content)
		if err != nil {
			return tool.Result{}, fmt.Errorf("kb tool: kb_store: embed content: %w", err)
		}

		err = index.Upsert(ctx, knowledge.Chunk{
			ID:        id,
			Source:    a.Source,
			Topic:     a.Topic,
			Content:   a.Content,
			Embedding: vec,
			CreatedAt: time.Now().UTC(),
		})
		if err != nil {
			return tool.Result{}, fmt.Errorf("kb tool: kb_store: %w", err)
		}

		return tool.Result{Data: kbStoreResult{ID: id, Stored: true}}, nil
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// NewTools
// ─────────────────────────────────────────────────────────────────────────────

// NewTools constructs the knowledge-base tool set wired to the provided chunk
// store and embeddings client. Both parameters must be non-nil.
func NewTools(index knowledge.Index, embedder embed.Client) []tool.Tool {
	return []tool.Tool{
		{
			Definition: tool.Definition{
				ID:          "kb_search",
				Version:     "1.0.0",
				Description: "Search the knowledge base for chunks semantically similar to a query. Results are ordered by cosine distance (smaller is closer). Use source or topic to narrow the search, and top_k to control result count.",
				Category:    tool.CategoryRetrieval,
				Modes:       []tool.Mode{tool.ModeText, tool.ModeVoice},
				Schema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"query": map[string]any{
							"type":        "string",
							"description": "Natural-language search query.",
						},
						"top_k": map[string]any{
							"type":        "integer",
							"description": "Maximum number of results to return. Defaults to 5.",
							"minimum":     1,
							"maximum":     50,
						},
						"source": map[string]any{
							"type":        "string",
							"description": "Restrict results to chunks from this source. Omit to search all sources.",
						},
						"topic": map[string]any{
							"type":        "string",
							"description": "Restrict results to chunks tagged with this topic. Omit to search all topics.",
						},
					},
					"required": []string{"query"},
				},
				EstimatedDurationMs: 250,
				MaxDurationMs:       1500,
			},
			Handler: makeKBSearchHandler(index, embedder),
		},
		{
			Definition: tool.Definition{
				ID:          "kb_store",
				Version:     "1.0.0",
				Description: "Store a piece of text in the knowledge base for later retrieval with kb_search. Pass an id to replace an existing chunk; omit it to derive a stable ID from the content. Label chunks with source and topic to make them filterable.",
				Category:    tool.CategoryAction,
				Modes:       []tool.Mode{tool.ModeText},
				Schema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"content": map[string]any{
							"type":        "string",
							"description": "The text to embed and store.",
						},
						"id": map[string]any{
							"type":        "string",
							"description": "Chunk ID to store under. Omit to derive one from the content.",
						},
						"source": map[string]any{
							"type":        "string",
							"description": "Label for where the content came from (e.g. a URL).",
						},
						"topic": map[string]any{
							"type":        "string",
							"description": "Topic tag for filtering.",
						},
					},
					"required": []string{"content"},
				},
				EstimatedDurationMs: 400,
				MaxDurationMs:       3000,
			},
			Handler: makeKBStoreHandler(index, embedder),
		},
	}
}
