// Package knowledge defines the vocabulary for the engine's semantic
// knowledge base: embedded text chunks, search filters and the [Index]
// contract.
//
// A chunk is a piece of reference text with a dense vector embedding
// attached. The kb_search and kb_store built-in tools read and write
// chunks through an [Index]; pkg/knowledge/postgres implements it on
// PostgreSQL with pgvector, pkg/knowledge/mock provides a test double.
// Embeddings themselves come from a [pkg/knowledge/embed.Client].
package knowledge

import (
	"context"
	"time"
)

// Chunk is one embedded passage of reference text.
type Chunk struct {
	// ID uniquely identifies the chunk. Re-storing an existing ID replaces
	// the previous version.
	ID string

	// Source names where the text came from (document, URL, channel).
	Source string

	// Topic is an optional coarse label used for scoped searches.
	Topic string

	// Content is the passage text.
	Content string

	// Embedding is the dense vector for Content. Its length must match the
	// dimension the index was created with.
	Embedding []float32

	// CreatedAt is when the chunk was stored.
	CreatedAt time.Time
}

// Filter narrows a search to matching chunks. Zero-valued fields are
// ignored.
type Filter struct {
	// Source restricts results to chunks from one source.
	Source string

	// Topic restricts results to one topic label.
	Topic string

	// After excludes chunks stored at or before this time.
	After time.Time

	// Before excludes chunks stored at or after this time.
	Before time.Time
}

// SearchResult is one search hit with its distance from the query vector.
type SearchResult struct {
	Chunk Chunk

	// Distance is the cosine distance to the query embedding; lower is
	// more similar.
	Distance float64
}

// Index is the knowledge-base storage contract.
//
// Implementations must be safe for concurrent use. Search returns an empty
// (non-nil) slice when nothing matches.
type Index interface {
	// Upsert stores a chunk, replacing any existing chunk with the same ID.
	Upsert(ctx context.Context, chunk Chunk) error

	// Search returns the topK chunks closest to embedding (ascending cosine
	// distance), optionally narrowed by filter.
	Search(ctx context.Context, embedding []float32, topK int, filter Filter) ([]SearchResult, error)
}
