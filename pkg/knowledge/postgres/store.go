package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/MrWong99/toolgate/pkg/knowledge"
)

// Compile-time interface check.
var _ knowledge.Index = (*Store)(nil)

// Store is the PostgreSQL-backed knowledge index. It holds a single
// [pgxpool.Pool] and is safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store, establishes a connection pool to the PostgreSQL
// database at dsn, registers pgvector types on every connection, and runs
// [Migrate] so the chunk table exists.
//
// embeddingDimensions must match the output dimension of the embedding
// model used to produce [knowledge.Chunk.Embedding] values.
func New(ctx context.Context, dsn string, embeddingDimensions int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("knowledge store: parse dsn: %w", err)
	}

	// Register pgvector types on every new connection so that vector columns
	// can be scanned into and inserted from pgvector.Vector values.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("knowledge store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("knowledge store: ping: %w", err)
	}

	if err := Migrate(ctx, pool, embeddingDimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("knowledge store: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Upsert implements [knowledge.Index]. A chunk with an existing ID is
// completely replaced.
func (s *Store) Upsert(ctx context.Context, chunk knowledge.Chunk) error {
	const q = `
		INSERT INTO kb_chunks
		    (id, source, topic, content, embedding, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
		    source      = EXCLUDED.source,
		    topic       = EXCLUDED.topic,
		    content     = EXCLUDED.content,
		    embedding   = EXCLUDED.embedding,
		    created_at  = EXCLUDED.created_at`

	vec := pgvector.NewVector(chunk.Embedding)
	_, err := s.pool.Exec(ctx, q,
		chunk.ID,
		chunk.Source,
		chunk.Topic,
		chunk.Content,
		vec,
		chunk.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("knowledge store: upsert chunk: %w", err)
	}
	return nil
}

// Search implements [knowledge.Index]. It finds the topK chunks whose
// embeddings are closest (cosine distance) to the supplied query embedding,
// optionally narrowed by filter.
//
// Results are ordered by ascending cosine distance (most similar first).
func (s *Store) Search(ctx context.Context, embedding []float32, topK int, filter knowledge.Filter) ([]knowledge.SearchResult, error) {
	queryVec := pgvector.NewVector(embedding)

	args := []any{queryVec} // $1 = query vector
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	var conditions []string
	if filter.Source != "" {
		conditions = append(conditions, "source = "+next(filter.Source))
	}
	if filter.Topic != "" {
		conditions = append(conditions, "topic = "+next(filter.Topic))
	}
	if !filter.After.IsZero() {
		conditions = append(conditions, "created_at > "+next(filter.After))
	}
	if !filter.Before.IsZero() {
		conditions = append(conditions, "created_at < "+next(filter.Before))
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, "\n  AND ")
	}

	args = append(args, topK)
	limitArg := fmt.Sprintf("$%d", len(args))

	q := fmt.Sprintf(`
		SELECT id, source, topic, content, embedding, created_at,
		       embedding <=> $1 AS distance
		FROM   kb_chunks
		%s
		ORDER  BY distance
		LIMIT  %s`, whereClause, limitArg)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("knowledge store: search: %w", err)
	}

	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (knowledge.SearchResult, error) {
		var (
			sr  knowledge.SearchResult
			vec pgvector.Vector
		)
		if err := row.Scan(
			&sr.Chunk.ID,
			&sr.Chunk.Source,
			&sr.Chunk.Topic,
			&sr.Chunk.Content,
			&vec,
			&sr.Chunk.CreatedAt,
			&sr.Distance,
		); err != nil {
			return knowledge.SearchResult{}, err
		}
		sr.Chunk.Embedding = vec.Slice()
		return sr, nil
	})
	if err != nil {
		return nil, fmt.Errorf("knowledge store: scan rows: %w", err)
	}
	if results == nil {
		results = []knowledge.SearchResult{}
	}
	return results, nil
}

// Ping verifies the database connection. Readiness probes call it to
// confirm the knowledge store is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("knowledge store: ping: %w", err)
	}
	return nil
}

// Close releases all connections held by the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}
