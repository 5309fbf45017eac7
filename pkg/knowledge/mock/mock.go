// Package mock provides a test double for the knowledge.Index interface.
//
// Use Index to return pre-canned search hits without a database and to
// verify which chunks were stored and which queries were issued.
//
// Example:
//
//	idx := &mock.Index{
//	    SearchResults: []knowledge.SearchResult{
//	        {Chunk: knowledge.Chunk{ID: "c1", Content: "hit"}, Distance: 0.1},
//	    },
//	}
//	hits, _ := idx.Search(ctx, queryVec, 5, knowledge.Filter{})
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/toolgate/pkg/knowledge"
)

// SearchCall records a single invocation of Search.
type SearchCall struct {
	// Embedding is a copy of the query vector passed to Search.
	Embedding []float32
	// TopK is the result limit passed to Search.
	TopK int
	// Filter is the filter passed to Search.
	Filter knowledge.Filter
}

// Index is a mock implementation of knowledge.Index.
type Index struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// UpsertErr, if non-nil, is returned as the error from Upsert.
	UpsertErr error

	// SearchResults is returned by Search. If nil, an empty slice is
	// returned (matching the real store's no-hits behavior).
	SearchResults []knowledge.SearchResult

	// SearchErr, if non-nil, is returned as the error from Search.
	SearchErr error

	// --- Call records ---

	// UpsertCalls records every chunk passed to Upsert in order.
	UpsertCalls []knowledge.Chunk

	// SearchCalls records every call to Search in order.
	SearchCalls []SearchCall
}

// Upsert records the chunk and returns UpsertErr.
func (m *Index) Upsert(_ context.Context, chunk knowledge.Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.UpsertCalls = append(m.UpsertCalls, chunk)
	return m.UpsertErr
}

// Search records the call and returns SearchResults, SearchErr. A nil
// SearchResults yields an empty non-nil slice.
func (m *Index) Search(_ context.Context, embedding []float32, topK int, filter knowledge.Filter) ([]knowledge.SearchResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SearchCalls = append(m.SearchCalls, SearchCall{
		Embedding: slices.Clone(embedding),
		TopK:      topK,
		Filter:    filter,
	})
	if m.SearchErr != nil {
		return nil, m.SearchErr
	}
	if m.SearchResults != nil {
		return m.SearchResults, nil
	}
	return []knowledge.SearchResult{}, nil
}

// Reset clears all recorded calls. Thread-safe.
func (m *Index) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.UpsertCalls = nil
	m.SearchCalls = nil
}

// Ensure Index implements knowledge.Index at compile time.
var _ knowledge.Index = (*Index)(nil)
