package kbsearch

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/MrWong99/toolgate/pkg/knowledge"
	embedmock "github.com/MrWong99/toolgate/pkg/knowledge/embed/mock"
	kbmock "github.com/MrWong99/toolgate/pkg/knowledge/mock"
	"github.com/MrWong99/toolgate/pkg/tool"
)

// ─────────────────────────────────────────────────────────────────────────────
// kb_search
// ─────────────────────────────────────────────────────────────────────────────

func TestKBSearch_Success(t *testing.T) {
	t.Parallel()
	index := &kbmock.Index{
		SearchResults: []knowledge.SearchResult{
			{Chunk: knowledge.Chunk{ID: "c1", Source: "lore.md", Topic: "dragons", Content: "The dragon sleeps."}, Distance: 0.12},
			{Chunk: knowledge.Chunk{ID: "c2", Content: "Dragons hoard gold."}, Distance: 0.31},
		},
	}
	embedder := &embedmock.Client{EmbedResult: []float32{0.1, 0.2, 0.3}}
	handler := makeKBSearchHandler(index, embedder)

	res, err := handler(context.Background(), tool.Call{
		Tool: "kb_search",
		Args: json.RawMessage(`{"query":"dragon lore"}`),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Empty {
		t.Error("result with hits should not be marked empty")
	}

	hits, ok := res.Data.([]kbHit)
	if !ok {
		t.Fatalf("Data is %T, want []kbHit", res.Data)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	if hits[0].ID != "c1" || hits[0].Content != "The dragon sleeps." || hits[0].Distance != 0.12 {
		t.Errorf("first hit = %+v, want chunk c1 fields", hits[0])
	}

	if len(embedder.EmbedCalls) != 1 || embedder.EmbedCalls[0] != "dragon lore" {
		t.Errorf("EmbedCalls = %v, want the raw query", embedder.EmbedCalls)
	}
	if len(index.SearchCalls) != 1 {
		t.Fatalf("expected 1 Search call, got %d", len(index.SearchCalls))
	}
	if index.SearchCalls[0].TopK != defaultTopK {
		t.Errorf("TopK = %d, want default %d", index.SearchCalls[0].TopK, defaultTopK)
	}
}

func TestKBSearch_FiltersForwarded(t *testing.T) {
	t.Parallel()
	index := &kbmock.Index{}
	embedder := &embedmock.Client{EmbedResult: []float32{1}}
	handler := makeKBSearchHandler(index, embedder)

	_, err := handler(context.Background(), tool.Call{
		Args: json.RawMessage(`{"query":"gold","top_k":3,"source":"lore.md","topic":"dragons"}`),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	call := index.SearchCalls[0]
	if call.TopK != 3 {
		t.Errorf("TopK = %d, want 3", call.TopK)
	}
	if call.Filter.Source != "lore.md" {
		t.Errorf("Filter.Source = %q, want lore.md", call.Filter.Source)
	}
	if call.Filter.Topic != "dragons" {
		t.Errorf("Filter.Topic = %q, want dragons", call.Filter.Topic)
	}
}

func TestKBSearch_NoHits(t *testing.T) {
	t.Parallel()
	index := &kbmock.Index{} // no results configured → empty slice
	embedder := &embedmock.Client{EmbedResult: []float32{1}}
	handler := makeKBSearchHandler(index, embedder)

	res, err := handler(context.Background(), tool.Call{
		Args: json.RawMessage(`{"query":"nothing matches this"}`),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Empty {
		t.Error("zero hits should be marked empty")
	}
	hits, ok := res.Data.([]kbHit)
	if !ok {
		t.Fatalf("Data is %T, want []kbHit even with no hits", res.Data)
	}
	if hits == nil || len(hits) != 0 {
		t.Errorf("hits = %v, want empty non-nil slice", hits)
	}
}

func TestKBSearch_EmptyQuery(t *testing.T) {
	t.Parallel()
	embedder := &embedmock.Client{}
	handler := makeKBSearchHandler(&kbmock.Index{}, embedder)

	_, err := handler(context.Background(), tool.Call{
		Args: json.RawMessage(`{"query":"  "}`),
	})
	if err == nil {
		t.Fatal("expected error for blank query")
	}
	var ce *tool.CallError
	if !errors.As(err, &ce) || ce.Kind != tool.KindValidation {
		t.Errorf("error %v should be a VALIDATION CallError", err)
	}
	if len(embedder.EmbedCalls) != 0 {
		t.Error("embedder must not be called for invalid arguments")
	}
}

func TestKBSearch_BadJSON(t *testing.T) {
	t.Parallel()
	handler := makeKBSearchHandler(&kbmock.Index{}, &embedmock.Client{})

	_, err := handler(context.Background(), tool.Call{
		Args: json.RawMessage(`{bad json}`),
	})
	if err == nil {
		t.Fatal("expected error for bad JSON")
	}
	if got := tool.KindOf(err); got != tool.KindValidation {
		t.Errorf("KindOf = %s, want %s", got, tool.KindValidation)
	}
}

func TestKBSearch_EmbedThrottled(t *testing.T) {
	t.Parallel()
	embedder := &embedmock.Client{EmbedErr: errors.New("openai embeddings: too many requests")}
	handler := makeKBSearchHandler(&kbmock.Index{}, embedder)

	_, err := handler(context.Background(), tool.Call{
		Args: json.RawMessage(`{"query":"anything"}`),
	})
	if err == nil {
		t.Fatal("expected error from embedder")
	}
	if got := tool.KindOf(err); got != tool.KindRateLimit {
		t.Errorf("KindOf = %s, want %s", got, tool.KindRateLimit)
	}
}

func TestKBSearch_StoreError(t *testing.T) {
	t.Parallel()
	index := &kbmock.Index{SearchErr: errors.New("database unavailable")}
	embedder := &embedmock.Client{EmbedResult: []float32{1}}
	handler := makeKBSearchHandler(index, embedder)

	_, err := handler(context.Background(), tool.Call{
		Args: json.RawMessage(`{"query":"anything"}`),
	})
	if err == nil {
		t.Fatal("expected error from store")
	}
	if !strings.HasPrefix(err.Error(), "kb tool:") {
		t.Errorf("error %q should be prefixed with 'kb tool:'", err.Error())
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// kb_store
// ─────────────────────────────────────────────────────────────────────────────

func TestKBStore_Success(t *testing.T) {
	t.Parallel()
	index := &kbmock.Index{}
	embedder := &embedmock.Client{EmbedResult: []float32{0.5, 0.6}}
	handler := makeKBStoreHandler(index, embedder)

	res, err := handler(context.Background(), tool.Call{
		Tool: "kb_store",
		Args: json.RawMessage(`{"content":"The dragon sleeps.","source":"lore.md","topic":"dragons"}`),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	out, ok := res.Data.(kbStoreResult)
	if !ok {
		t.Fatalf("Data is %T, want kbStoreResult", res.Data)
	}
	if !out.Stored {
		t.Error("Stored should be true on success")
	}
	if out.ID != deriveChunkID("The dragon sleeps.") {
		t.Errorf("ID = %q, want derived content ID", out.ID)
	}

	if len(index.UpsertCalls) != 1 {
		t.Fatalf("expected 1 Upsert call, got %d", len(index.UpsertCalls))
	}
	chunk := index.UpsertCalls[0]
	if chunk.ID != out.ID || chunk.Source != "lore.md" || chunk.Topic != "dragons" {
		t.Errorf("stored chunk = %+v, want labelled fields", chunk)
	}
	if chunk.Content != "The dragon sleeps." {
		t.Errorf("Content = %q, want original text", chunk.Content)
	}
	if len(chunk.Embedding) != 2 {
		t.Errorf("Embedding = %v, want the embedder's vector", chunk.Embedding)
	}
	if chunk.CreatedAt.IsZero() {
		t.Error("CreatedAt must be set before storing")
	}
}

func TestKBStore_ExplicitID(t *testing.T) {
	t.Parallel()
	index := &kbmock.Index{}
	embedder := &embedmock.Client{EmbedResult: []float32{1}}
	handler := makeKBStoreHandler(index, embedder)

	res, err := handler(context.Background(), tool.Call{
		Args: json.RawMessage(`{"content":"updated text","id":"chunk-custom"}`),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out := res.Data.(kbStoreResult); out.ID != "chunk-custom" {
		t.Errorf("ID = %q, want chunk-custom", out.ID)
	}
	if index.UpsertCalls[0].ID != "chunk-custom" {
		t.Errorf("stored ID = %q, want chunk-custom", index.UpsertCalls[0].ID)
	}
}

func TestKBStore_DerivedIDStable(t *testing.T) {
	t.Parallel()
	a := deriveChunkID("same content")
	b := deriveChunkID("same content")
	c := deriveChunkID("other content")

	if a != b {
		t.Errorf("same content derived %q and %q, want equal IDs", a, b)
	}
	if a == c {
		t.Error("different content must derive different IDs")
	}
	if !strings.HasPrefix(a, "chunk-") {
		t.Errorf("ID %q should carry the chunk- prefix", a)
	}
	if len(a) != len("chunk-")+12 {
		t.Errorf("ID %q length = %d, want %d", a, len(a), len("chunk-")+12)
	}
}

func TestKBStore_EmptyContent(t *testing.T) {
	t.Parallel()
	index := &kbmock.Index{}
	embedder := &embedmock.Client{}
	handler := makeKBStoreHandler(index, embedder)

	_, err := handler(context.Background(), tool.Call{
		Args: json.RawMessage(`{"content":""}`),
	})
	if err == nil {
		t.Fatal("expected error for empty content")
	}
	var ce *tool.CallError
	if !errors.As(err, &ce) || ce.Kind != tool.KindValidation {
		t.Errorf("error %v should be a VALIDATION CallError", err)
	}
	if len(index.UpsertCalls) != 0 || len(embedder.EmbedCalls) != 0 {
		t.Error("nothing may be stored for invalid arguments")
	}
}

func TestKBStore_EmbedError(t *testing.T) {
	t.Parallel()
	embedder := &embedmock.Client{EmbedErr: errors.New("connection refused")}
	handler := makeKBStoreHandler(&kbmock.Index{}, embedder)

	_, err := handler(context.Background(), tool.Call{
		Args: json.RawMessage(`{"content":"anything"}`),
	})
	if err == nil {
		t.Fatal("expected error from embedder")
	}
}

func TestKBStore_UpsertError(t *testing.T) {
	t.Parallel()
	index := &kbmock.Index{UpsertErr: errors.New("disk full")}
	embedder := &embedmock.Client{EmbedResult: []float32{1}}
	handler := makeKBStoreHandler(index, embedder)

	_, err := handler(context.Background(), tool.Call{
		Args: json.RawMessage(`{"content":"anything"}`),
	})
	if err == nil {
		t.Fatal("expected error from store")
	}
	if !strings.HasPrefix(err.Error(), "kb tool:") {
		t.Errorf("error %q should be prefixed with 'kb tool:'", err.Error())
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// NewTools
// ─────────────────────────────────────────────────────────────────────────────

func TestNewTools_Shape(t *testing.T) {
	t.Parallel()
	ts := NewTools(&kbmock.Index{}, &embedmock.Client{})
	if len(ts) != 2 {
		t.Fatalf("NewTools returned %d tools, want 2", len(ts))
	}

	byID := map[string]tool.Tool{}
	for _, tl := range ts {
		byID[tl.Definition.ID] = tl
		if tl.Handler == nil {
			t.Errorf("tool %q has nil Handler", tl.Definition.ID)
		}
		d := tl.Definition
		if d.EstimatedDurationMs <= 0 || d.MaxDurationMs <= d.EstimatedDurationMs {
			t.Errorf("tool %q duration hints %d/%d are not ordered", d.ID, d.EstimatedDurationMs, d.MaxDurationMs)
		}
	}

	search, ok := byID["kb_search"]
	if !ok {
		t.Fatal("kb_search missing")
	}
	if search.Definition.Category != tool.CategoryRetrieval {
		t.Errorf("kb_search Category = %s, want retrieval", search.Definition.Category)
	}
	if len(search.Definition.Modes) != 2 {
		t.Errorf("kb_search Modes = %v, want text and voice", search.Definition.Modes)
	}

	store, ok := byID["kb_store"]
	if !ok {
		t.Fatal("kb_store missing")
	}
	if store.Definition.Category != tool.CategoryAction {
		t.Errorf("kb_store Category = %s, want action", store.Definition.Category)
	}
	if len(store.Definition.Modes) != 1 || store.Definition.Modes[0] != tool.ModeText {
		t.Errorf("kb_store Modes = %v, want text only", store.Definition.Modes)
	}
}
