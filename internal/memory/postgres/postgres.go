// Package postgres provides the PostgreSQL-backed memory store.
//
// Session key-value state lands in memory_kv, the audit log in memory_audit.
// When an embeddings provider is supplied, each audit row is embedded on
// insert and Recall performs cosine-distance search over the pgvector index;
// without one, Recall falls back to recency ordering.
//
// The pgvector extension must be available in the target database; Migrate
// installs it via CREATE EXTENSION IF NOT EXISTS and is safe to run on every
// start.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/parlancehq/parlance/internal/memory"
	"github.com/parlancehq/parlance/pkg/provider/embeddings"
)

// Compile-time interface check.
var _ memory.Store = (*Store)(nil)

const ddlKV = `
CREATE TABLE IF NOT EXISTS memory_kv (
    session_id TEXT         NOT NULL,
    key        TEXT         NOT NULL,
    value      JSONB        NOT NULL,
    updated_at TIMESTAMPTZ  NOT NULL DEFAULT now(),
    PRIMARY KEY (session_id, key)
);
`

// ddlAudit returns the audit DDL with the embedding dimension substituted.
// The vector dimension is baked into the column type at schema creation time.
func ddlAudit(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS memory_audit (
    id         BIGSERIAL    PRIMARY KEY,
    session_id TEXT         NOT NULL,
    role       TEXT         NOT NULL,
    agent      TEXT         NOT NULL DEFAULT '',
    text       TEXT         NOT NULL,
    tool_name  TEXT         NOT NULL DEFAULT '',
    timestamp  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    embedding  vector(%d)
);

CREATE INDEX IF NOT EXISTS idx_memory_audit_session
    ON memory_audit (session_id, timestamp);

CREATE INDEX IF NOT EXISTS idx_memory_audit_embedding
    ON memory_audit USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}

// Migrate creates or ensures all required tables and extensions exist.
// Idempotent. embeddingDimensions must match the configured embedding model
// (e.g. 1536 for OpenAI text-embedding-3-small); changing it after the first
// migration requires a manual schema update.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	for _, stmt := range []string{ddlKV, ddlAudit(embeddingDimensions)} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}

// Store is the PostgreSQL memory store. Safe for concurrent use.
type Store struct {
	pool     *pgxpool.Pool
	embedder embeddings.Provider // nil disables semantic recall
}

// NewStore connects to the database at dsn, registers pgvector types on every
// connection, and runs Migrate. embedder may be nil; Recall then degrades to
// recency ordering.
func NewStore(ctx context.Context, dsn string, embeddingDimensions int, embedder embeddings.Provider) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	if err := Migrate(ctx, pool, embeddingDimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{pool: pool, embedder: embedder}, nil
}

// Ping verifies database connectivity. Used by readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// SaveKV upserts the session's full key-value snapshot.
func (s *Store) SaveKV(ctx context.Context, sessionID string, kv map[string][]byte) error {
	const q = `
		INSERT INTO memory_kv (session_id, key, value, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (session_id, key) DO UPDATE SET
		    value      = EXCLUDED.value,
		    updated_at = now()`

	batch := &pgx.Batch{}
	for k, v := range kv {
		batch.Queue(q, sessionID, k, v)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("postgres store: save kv: %w", err)
	}
	return nil
}

// LoadKV returns the persisted snapshot for the session.
func (s *Store) LoadKV(ctx context.Context, sessionID string) (map[string][]byte, error) {
	const q = `SELECT key, value FROM memory_kv WHERE session_id = $1`
	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: load kv: %w", err)
	}
	defer rows.Close()

	kv := make(map[string][]byte)
	for rows.Next() {
		var k string
		var v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("postgres store: scan kv: %w", err)
		}
		kv[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres store: load kv: %w", err)
	}
	return kv, nil
}

// AppendAudit inserts a batch of audit entries in order, embedding each
// entry's text when an embeddings provider is configured. An embedding
// failure degrades the batch to un-embedded rows rather than losing them.
func (s *Store) AppendAudit(ctx context.Context, sessionID string, entries []memory.AuditEntry) error {
	var vectors []pgvector.Vector
	if s.embedder != nil {
		texts := make([]string, len(entries))
		for i, e := range entries {
			texts[i] = e.Text
		}
		embedded, err := s.embedder.EmbedBatch(ctx, texts)
		if err == nil && len(embedded) == len(entries) {
			vectors = make([]pgvector.Vector, len(embedded))
			for i, v := range embedded {
				vectors[i] = pgvector.NewVector(v)
			}
		}
	}

	const q = `
		INSERT INTO memory_audit (session_id, role, agent, text, tool_name, timestamp, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	batch := &pgx.Batch{}
	for i, e := range entries {
		var vec any
		if vectors != nil {
			vec = vectors[i]
		}
		batch.Queue(q, sessionID, e.Role, e.Agent, e.Text, e.ToolName, e.Timestamp, vec)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("postgres store: append audit: %w", err)
	}
	return nil
}

// Recall returns up to limit entries for the session, ranked by cosine
// distance to the embedded query, or by recency when embeddings are
// unavailable.
func (s *Store) Recall(ctx context.Context, sessionID, query string, limit int) ([]memory.RecallResult, error) {
	if limit <= 0 {
		limit = 5
	}

	if s.embedder != nil && query != "" {
		vec, err := s.embedder.Embed(ctx, query)
		if err == nil {
			return s.recallSemantic(ctx, sessionID, pgvector.NewVector(vec), limit)
		}
	}
	return s.recallRecent(ctx, sessionID, limit)
}

func (s *Store) recallSemantic(ctx context.Context, sessionID string, vec pgvector.Vector, limit int) ([]memory.RecallResult, error) {
	const q = `
		SELECT role, agent, text, tool_name, timestamp, embedding <=> $2 AS distance
		FROM   memory_audit
		WHERE  session_id = $1
		  AND  embedding IS NOT NULL
		ORDER  BY distance
		LIMIT  $3`

	rows, err := s.pool.Query(ctx, q, sessionID, vec, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres store: recall: %w", err)
	}
	return collectRecall(rows)
}

func (s *Store) recallRecent(ctx context.Context, sessionID string, limit int) ([]memory.RecallResult, error) {
	const q = `
		SELECT role, agent, text, tool_name, timestamp, 0.0
		FROM   memory_audit
		WHERE  session_id = $1
		ORDER  BY timestamp DESC
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres store: recall recent: %w", err)
	}
	return collectRecall(rows)
}

func collectRecall(rows pgx.Rows) ([]memory.RecallResult, error) {
	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.RecallResult, error) {
		var (
			r  memory.RecallResult
			ts time.Time
		)
		if err := row.Scan(&r.Entry.Role, &r.Entry.Agent, &r.Entry.Text, &r.Entry.ToolName, &ts, &r.Distance); err != nil {
			return memory.RecallResult{}, err
		}
		r.Entry.Timestamp = ts
		return r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan recall rows: %w", err)
	}
	if results == nil {
		results = []memory.RecallResult{}
	}
	return results, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
