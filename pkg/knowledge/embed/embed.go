// Package embed defines the Client interface for vector embedding backends.
//
// An embedding client maps text strings to dense float32 vectors. The
// knowledge base uses these vectors for semantic retrieval: chunk content
// is embedded when stored and queries are embedded at search time. Both
// sides must use the same model, or distances are meaningless.
//
// Implementations must be safe for concurrent use.
package embed

import "context"

// Client is the abstraction over any text-embedding backend.
//
// All vectors returned by a single Client instance share the dimensionality
// reported by Dimensions. Callers must not mix vectors from different Client
// instances in the same similarity computation unless both use the same
// model and space.
type Client interface {
	// Embed computes the embedding vector for a single text string. Returns
	// a float32 slice of length Dimensions() or an error if the request
	// fails or ctx is cancelled.
	//
	// Text is passed to the backend verbatim; any model-specific prompt
	// formatting (such as a "query: " prefix) is the caller's concern.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch computes embedding vectors for a slice of texts in a single
	// backend call. The returned slice has the same length as texts and the
	// i-th element corresponds to texts[i].
	//
	// On any error the entire result is nil; partial results are never
	// returned.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the fixed length of every vector produced by this
	// client. The value is determined by the underlying model and constant
	// for the lifetime of the instance.
	Dimensions() int

	// ModelID returns the backend-specific model identifier (e.g.,
	// "text-embedding-3-small", "nomic-embed-text").
	ModelID() string
}
