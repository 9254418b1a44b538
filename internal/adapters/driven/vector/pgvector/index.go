// Package pgvector provides a PostgreSQL vector index using the pgvector extension.
package pgvector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pgv "github.com/pgvector/pgvector-go"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
	"github.com/custodia-labs/sercha-rag/internal/core/ports/driven"
)

// Ensure Index implements the interface.
var _ driven.VectorIndex = (*Index)(nil)

// DefaultTable is the chunk table name.
const DefaultTable = "sercha_chunks"

var identifier = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config holds connection settings.
type Config struct {
	DSN        string
	Table      string
	Dimensions int
}

// Index stores chunks in one table. Upsert deletes and re-inserts a
// document's rows inside a single transaction, so readers never observe a
// partially written document.
type Index struct {
	pool  *pgxpool.Pool
	table string
	dims  int
}

// Open connects, enables the extension and creates the table if missing.
func Open(ctx context.Context, cfg Config) (*Index, error) {
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("pgvector needs a fixed dimension: %w", domain.ErrInvalidInput)
	}
	table := cfg.Table
	if table == "" {
		table = DefaultTable
	}
	if !identifier.MatchString(table) {
		return nil, fmt.Errorf("table name %q: %w", table, domain.ErrInvalidInput)
	}

	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect: %w: %v", domain.ErrIndexUnavailable, err)
	}
	x := &Index{pool: pool, table: table, dims: cfg.Dimensions}
	if err := x.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return x, nil
}

func (x *Index) ensureSchema(ctx context.Context) error {
	stmts := []string{
		"CREATE EXTENSION IF NOT EXISTS vector",
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			document_id TEXT NOT NULL,
			ordinal INT NOT NULL,
			content TEXT NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
			embedding VECTOR(%d) NOT NULL,
			UNIQUE(document_id, ordinal)
		)`, x.table, x.dims),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s_document_idx ON %s(document_id)", x.table, x.table),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s_embedding_idx ON %s USING hnsw (embedding vector_cosine_ops)", x.table, x.table),
	}
	for _, stmt := range stmts {
		if _, err := x.pool.Exec(ctx, stmt); err != nil {
			return classify("execute schema statement", err)
		}
	}

	var existing int
	err := x.pool.QueryRow(ctx, `
		SELECT atttypmod FROM pg_attribute
		WHERE attrelid = $1::regclass AND attname = 'embedding'`, x.table).Scan(&existing)
	if err != nil {
		return classify("read embedding column", err)
	}
	if existing > 0 && existing != x.dims {
		return fmt.Errorf("table %s stores %d dimensions, configured %d: %w", x.table, existing, x.dims, domain.ErrDimensionMismatch)
	}
	return nil
}

// Name returns the backend name.
func (x *Index) Name() string { return string(domain.VectorBackendPgvector) }

// Atomic reports that replacement is transactional.
func (x *Index) Atomic() bool { return true }

// Dimensions returns the configured vector size.
func (x *Index) Dimensions() int { return x.dims }

// Upsert replaces all chunks of documentID in one transaction.
func (x *Index) Upsert(ctx context.Context, documentID string, chunks []domain.Chunk) (err error) {
	for _, c := range chunks {
		if c.DocumentID != documentID {
			return fmt.Errorf("chunk %s belongs to %s: %w", c.ID, c.DocumentID, domain.ErrInvalidInput)
		}
		if len(c.Embedding) != x.dims {
			return fmt.Errorf("chunk %s has %d dimensions, index has %d: %w", c.ID, len(c.Embedding), x.dims, domain.ErrDimensionMismatch)
		}
	}

	tx, err := x.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return classify("begin", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err = tx.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE document_id = $1", x.table), documentID); err != nil {
		return classify("delete previous chunks", err)
	}

	batch := &pgx.Batch{}
	insert := fmt.Sprintf(`INSERT INTO %s (id, document_id, ordinal, content, metadata, embedding)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6)`, x.table)
	for _, c := range chunks {
		meta, mErr := json.Marshal(c.Metadata)
		if mErr != nil {
			return fmt.Errorf("encode metadata of %s: %w", c.ID, mErr)
		}
		batch.Queue(insert, c.ID, c.DocumentID, c.Ordinal, c.Content, string(meta), pgv.NewVector(c.Embedding))
	}
	if batch.Len() > 0 {
		if err = tx.SendBatch(ctx, batch).Close(); err != nil {
			return classify("insert chunks", err)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return classify("commit", err)
	}
	return nil
}

// Delete removes all chunks of documentID.
func (x *Index) Delete(ctx context.Context, documentID string) error {
	if _, err := x.pool.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE document_id = $1", x.table), documentID); err != nil {
		return classify("delete", err)
	}
	return nil
}

// Search returns the k nearest chunks by cosine distance.
func (x *Index) Search(ctx context.Context, query []float32, k int, filters domain.Filters) ([]domain.Candidate, error) {
	if k <= 0 {
		return nil, nil
	}
	if len(query) != x.dims {
		return nil, fmt.Errorf("query has %d dimensions, index has %d: %w", len(query), x.dims, domain.ErrDimensionMismatch)
	}

	sql, args := buildSearch(x.table, filters, pgv.NewVector(query), k)
	rows, err := x.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, classify("search", err)
	}
	defer rows.Close()

	var hits []domain.Candidate
	for rows.Next() {
		var (
			c        domain.Chunk
			meta     []byte
			distance float64
		)
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Ordinal, &c.Content, &meta, &distance); err != nil {
			return nil, classify("scan", err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &c.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata of %s: %w", c.ID, domain.ErrCorruptIndex)
			}
		}
		hits = append(hits, domain.Candidate{Chunk: c, Score: 1 - distance, Origin: domain.OriginVector})
	}
	if err := rows.Err(); err != nil {
		return nil, classify("search rows", err)
	}

	domain.SortCandidates(hits)
	return hits, nil
}

// Close releases the pool.
func (x *Index) Close() error {
	x.pool.Close()
	return nil
}

// buildSearch renders the similarity query. Filter keys and values are bound
// as parameters, never interpolated.
func buildSearch(table string, filters domain.Filters, query any, k int) (string, []any) {
	args := []any{query}
	var where []string

	keys := make([]string, 0, len(filters))
	for key := range filters {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		args = append(args, key, filters[key])
		where = append(where, fmt.Sprintf("metadata->>$%d = $%d", len(args)-1, len(args)))
	}
	args = append(args, k)

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT id, document_id, ordinal, content, metadata, embedding <=> $1::vector AS distance FROM %s", table)
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	fmt.Fprintf(&b, " ORDER BY distance, ordinal, id LIMIT $%d", len(args))
	return b.String(), args
}

// classify maps driver errors onto domain errors. Connection-level failures
// are unavailability; anything else is reported as is.
func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %w", op, domain.ErrIndexUnavailable, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == "22000" && strings.Contains(pgErr.Message, "dimensions") {
			return fmt.Errorf("%s: %w: %s", op, domain.ErrDimensionMismatch, pgErr.Message)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %v", op, domain.ErrIndexUnavailable, err)
}
