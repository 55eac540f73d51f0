package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
)

// PgStore is the vector_cloud backend: Postgres with the pgvector extension.
// Indexed metadata columns let filter predicates push down to SQL;
// error-context presence is a nullable error_type column tested with
// IS [NOT] NULL.
type PgStore struct {
	pool *pgxpool.Pool
	dims int
}

// NewPgStore connects and ensures the schema exists.
func NewPgStore(ctx context.Context, databaseURL string, dims int) (*PgStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("pgstore: connect: %w", err)
	}
	s := &PgStore{pool: pool, dims: dims}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PgStore) ensureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS memory_records (
			id           UUID PRIMARY KEY,
			kind         TEXT NOT NULL,
			workspace_id TEXT NOT NULL,
			trace_id     TEXT,
			ts           TIMESTAMPTZ NOT NULL,
			outcome      TEXT,
			domain       TEXT,
			pattern_tags TEXT[],
			error_type   TEXT,
			payload      JSONB NOT NULL,
			embedding    vector(%d)
		)`, s.dims),
		`CREATE INDEX IF NOT EXISTS memory_records_ws_kind_ts_idx
			ON memory_records (workspace_id, kind, ts DESC)`,
	}
	for _, stmt := range statements {
		if err := s.execWithRetry(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// execWithRetry executes a DB command, retrying transient failures.
func (s *PgStore) execWithRetry(ctx context.Context, sql string, args ...any) error {
	var err error
	const maxRetries = 3
	for i := 0; i < maxRetries; i++ {
		_, err = s.pool.Exec(ctx, sql, args...)
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(i+1) * time.Second):
		}
	}
	return fmt.Errorf("pgstore: exec failed after retries: %w", err)
}

// whereClause translates the filter into SQL, returning the clause and args.
func whereClause(f Filter, startArg int) (string, []any) {
	var conds []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", startArg+len(args)-1)
	}
	if f.WorkspaceID != "" {
		conds = append(conds, "workspace_id = "+arg(f.WorkspaceID))
	}
	if f.Kind != "" {
		conds = append(conds, "kind = "+arg(string(f.Kind)))
	}
	if f.TraceID != "" {
		conds = append(conds, "trace_id = "+arg(f.TraceID))
	}
	if f.Domain != "" {
		conds = append(conds, "domain = "+arg(f.Domain))
	}
	if f.Outcome != "" {
		conds = append(conds, "outcome = "+arg(string(f.Outcome)))
	}
	if !f.Before.IsZero() {
		conds = append(conds, "ts < "+arg(f.Before))
	}
	if f.ExcludeErrors {
		conds = append(conds, "error_type IS NULL")
	}
	if f.OnlyErrors {
		conds = append(conds, "error_type IS NOT NULL")
	}
	if len(f.PatternTags) > 0 {
		conds = append(conds, "pattern_tags && "+arg(f.PatternTags))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

const recordColumns = `id, kind, workspace_id, COALESCE(trace_id, ''), ts,
	COALESCE(outcome, ''), COALESCE(domain, ''), COALESCE(pattern_tags, '{}'),
	error_type, payload`

func scanRecord(row interface{ Scan(...any) error }) (Record, error) {
	var r Record
	var errorType *string
	if err := row.Scan(&r.ID, &r.Kind, &r.WorkspaceID, &r.TraceID, &r.Timestamp,
		&r.Outcome, &r.Domain, &r.PatternTags, &errorType, &r.Payload); err != nil {
		return Record{}, err
	}
	r.HasError = errorType != nil
	return r, nil
}

// Upsert writes records in one batch inside a transaction so a trace and its
// memories land atomically.
func (s *PgStore) Upsert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return &StorageError{Op: "upsert", Cause: err}
	}
	defer tx.Rollback(ctx)

	const insert = `INSERT INTO memory_records
		(id, kind, workspace_id, trace_id, ts, outcome, domain, pattern_tags, error_type, payload, embedding)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (id) DO UPDATE SET
			kind = EXCLUDED.kind, workspace_id = EXCLUDED.workspace_id,
			trace_id = EXCLUDED.trace_id, ts = EXCLUDED.ts,
			outcome = EXCLUDED.outcome, domain = EXCLUDED.domain,
			pattern_tags = EXCLUDED.pattern_tags, error_type = EXCLUDED.error_type,
			payload = EXCLUDED.payload, embedding = EXCLUDED.embedding`

	for _, r := range records {
		var embedding any
		if len(r.Vector) > 0 {
			embedding = pgvector.NewVector(r.Vector)
		}
		var errorType any
		if r.HasError {
			errorType = "error"
		}
		if _, err := tx.Exec(ctx, insert,
			r.ID, string(r.Kind), r.WorkspaceID, nilIfEmpty(r.TraceID), r.Timestamp,
			nilIfEmpty(string(r.Outcome)), nilIfEmpty(r.Domain), r.PatternTags,
			errorType, r.Payload, embedding); err != nil {
			return &StorageError{Op: "upsert", Cause: err}
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return &StorageError{Op: "upsert", Cause: err}
	}
	return nil
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// ANNQuery orders by pgvector cosine distance. Distance d in [0,2] maps to
// similarity 1 - d/2 in [0,1].
func (s *PgStore) ANNQuery(ctx context.Context, embedding []float32, k int, f Filter) ([]Match, error) {
	if k <= 0 {
		return nil, nil
	}
	if f.Kind == "" {
		f.Kind = KindMemory
	}
	where, args := whereClause(f, 3)
	sql := fmt.Sprintf(`SELECT %s, embedding <=> $1 AS distance
		FROM memory_records%s
		ORDER BY embedding <=> $1
		LIMIT $2`, recordColumns, withEmbeddingGuard(where))
	allArgs := append([]any{pgvector.NewVector(embedding), k}, args...)

	rows, err := s.pool.Query(ctx, sql, allArgs...)
	if err != nil {
		return nil, &RetrievalError{Op: "ann_query", Cause: err}
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var r Record
		var errorType *string
		var distance float64
		if err := rows.Scan(&r.ID, &r.Kind, &r.WorkspaceID, &r.TraceID, &r.Timestamp,
			&r.Outcome, &r.Domain, &r.PatternTags, &errorType, &r.Payload, &distance); err != nil {
			return nil, &RetrievalError{Op: "ann_query", Cause: err}
		}
		r.HasError = errorType != nil
		sim := 1 - distance/2
		if sim < 0 {
			sim = 0
		} else if sim > 1 {
			sim = 1
		}
		matches = append(matches, Match{Record: r, Similarity: sim})
	}
	if err := rows.Err(); err != nil {
		return nil, &RetrievalError{Op: "ann_query", Cause: err}
	}
	return matches, nil
}

// withEmbeddingGuard ensures ANN queries never order over NULL embeddings.
func withEmbeddingGuard(where string) string {
	if where == "" {
		return " WHERE embedding IS NOT NULL"
	}
	return where + " AND embedding IS NOT NULL"
}

// Scan returns all records matching the filter.
func (s *PgStore) Scan(ctx context.Context, f Filter) ([]Record, error) {
	where, args := whereClause(f, 1)
	sql := fmt.Sprintf("SELECT %s FROM memory_records%s ORDER BY ts", recordColumns, where)
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, &RetrievalError{Op: "scan", Cause: err}
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, &RetrievalError{Op: "scan", Cause: err}
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, &RetrievalError{Op: "scan", Cause: err}
	}
	return out, nil
}

// Delete removes matching records and returns the affected count.
func (s *PgStore) Delete(ctx context.Context, f Filter) (int, error) {
	where, args := whereClause(f, 1)
	tag, err := s.pool.Exec(ctx, "DELETE FROM memory_records"+where, args...)
	if err != nil {
		return 0, &StorageError{Op: "delete", Cause: err}
	}
	return int(tag.RowsAffected()), nil
}

// Count returns how many records match the filter.
func (s *PgStore) Count(ctx context.Context, f Filter) (int, error) {
	where, args := whereClause(f, 1)
	var n int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM memory_records"+where, args...).Scan(&n); err != nil {
		return 0, &RetrievalError{Op: "count", Cause: err}
	}
	return n, nil
}

// Close releases the connection pool.
func (s *PgStore) Close() error {
	s.pool.Close()
	return nil
}
