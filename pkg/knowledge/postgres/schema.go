// Package postgres provides a PostgreSQL-backed implementation of the
// [knowledge.Index] contract.
//
// Chunks live in a single kb_chunks table with a pgvector column and an
// HNSW index for approximate nearest-neighbour search. The pgvector
// extension must be available in the target database; [Migrate] installs
// it automatically via CREATE EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	store, err := postgres.New(ctx, dsn, 1536)
//	if err != nil { … }
//	defer store.Close()
//
//	_ = store.Upsert(ctx, chunk)
//	hits, _ := store.Search(ctx, queryVec, 5, knowledge.Filter{})
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ddlChunks returns the chunk-table DDL with the embedding dimension
// substituted. The vector dimension is baked into the column type at schema
// creation time.
func ddlChunks(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS kb_chunks (
    id          TEXT         PRIMARY KEY,
    source      TEXT         NOT NULL DEFAULT '',
    topic       TEXT         NOT NULL DEFAULT '',
    content     TEXT         NOT NULL,
    embedding   vector(%d),
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_kb_chunks_source
    ON kb_chunks (source);

CREATE INDEX IF NOT EXISTS idx_kb_chunks_topic
    ON kb_chunks (topic);

CREATE INDEX IF NOT EXISTS idx_kb_chunks_embedding
    ON kb_chunks USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}

// Migrate creates or ensures the kb_chunks table and the pgvector extension
// exist. It is idempotent and safe to call on every application start.
//
// embeddingDimensions must match the embedding model configured for the
// deployment (e.g., 1536 for OpenAI text-embedding-3-small, 768 for
// nomic-embed-text). Changing this value after the first migration requires
// a manual schema update.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	if _, err := pool.Exec(ctx, ddlChunks(embeddingDimensions)); err != nil {
		return fmt.Errorf("knowledge migrate: %w", err)
	}
	return nil
}
