// Package docstore persists uploaded document text as embedded chunks in
// PostgreSQL and retrieves the chunks most relevant to a chat question.
//
// The store holds exactly one document at a time: each upload fully replaces
// the previous content. Chunks are embedded through an
// [embeddings.Provider] and indexed with a pgvector HNSW cosine index.
//
// All methods are safe for concurrent use.
package docstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/parlance-dev/parlance/pkg/provider/embeddings"
)

// SearchLimit is the number of chunks returned per search.
const SearchLimit = 3

// Separator joins retrieved chunks into one context block.
const Separator = "\n---\n"

// ddlChunks returns the schema DDL with the embedding dimension substituted.
// The vector dimension is baked into the column type at creation time.
func ddlChunks(dimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS document_chunks (
    position    INT          PRIMARY KEY,
    content     TEXT         NOT NULL,
    embedding   vector(%d),
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_document_chunks_embedding
    ON document_chunks USING hnsw (embedding vector_cosine_ops);
`, dimensions)
}

// Migrate creates or ensures the chunks table and pgvector extension exist.
// Idempotent and safe to call on every application start. dimensions must
// match the configured embedding model; changing it after the first migration
// requires a manual schema change.
func Migrate(ctx context.Context, pool *pgxpool.Pool, dimensions int) error {
	if _, err := pool.Exec(ctx, ddlChunks(dimensions)); err != nil {
		return fmt.Errorf("docstore: migrate: %w", err)
	}
	return nil
}

// Store is the PostgreSQL-backed document chunk store.
type Store struct {
	pool     *pgxpool.Pool
	embedder embeddings.Provider
}

// New opens a connection pool to dsn, registers pgvector types on every
// connection, and runs [Migrate] with the embedder's dimension.
func New(ctx context.Context, dsn string, embedder embeddings.Provider) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("docstore: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("docstore: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("docstore: ping: %w", err)
	}
	if err := Migrate(ctx, pool, embedder.Dimensions()); err != nil {
		pool.Close()
		return nil, err
	}

	return &Store{pool: pool, embedder: embedder}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping reports whether the database is reachable. Used by readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Replace indexes text as the store's sole document, discarding whatever was
// stored before. Text is split into chunks, the chunks are embedded in one
// batch, and the table is swapped inside a transaction so readers never see a
// half-replaced document. Returns the number of chunks stored.
func (s *Store) Replace(ctx context.Context, text string) (int, error) {
	chunks := Chunk(text, ChunkSize)

	var vecs [][]float32
	if len(chunks) > 0 {
		var err error
		vecs, err = s.embedder.EmbedBatch(ctx, chunks)
		if err != nil {
			return 0, fmt.Errorf("docstore: embed chunks: %w", err)
		}
		if len(vecs) != len(chunks) {
			return 0, fmt.Errorf("docstore: expected %d embeddings, got %d", len(chunks), len(vecs))
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("docstore: begin replace: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM document_chunks`); err != nil {
		return 0, fmt.Errorf("docstore: clear chunks: %w", err)
	}
	for i, content := range chunks {
		_, err := tx.Exec(ctx,
			`INSERT INTO document_chunks (position, content, embedding) VALUES ($1, $2, $3)`,
			i, content, pgvector.NewVector(vecs[i]),
		)
		if err != nil {
			return 0, fmt.Errorf("docstore: insert chunk %d: %w", i, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("docstore: commit replace: %w", err)
	}
	return len(chunks), nil
}

// Search embeds query and returns the [SearchLimit] closest chunks by cosine
// distance, joined with [Separator]. An empty store yields an empty string
// and no error.
func (s *Store) Search(ctx context.Context, query string) (string, error) {
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return "", fmt.Errorf("docstore: embed query: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT content
		FROM   document_chunks
		ORDER  BY embedding <=> $1
		LIMIT  $2`,
		pgvector.NewVector(vec), SearchLimit,
	)
	if err != nil {
		return "", fmt.Errorf("docstore: search: %w", err)
	}

	contents, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return "", fmt.Errorf("docstore: collect results: %w", err)
	}
	return strings.Join(contents, Separator), nil
}
