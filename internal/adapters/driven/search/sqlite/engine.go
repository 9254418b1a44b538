// Package sqlite provides a keyword index on SQLite FTS5 (modernc.org/sqlite).
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
	"github.com/custodia-labs/sercha-rag/internal/core/ports/driven"
)

// Ensure Engine implements the interface.
var _ driven.SearchEngine = (*Engine)(nil)

const schema = `
CREATE VIRTUAL TABLE IF NOT EXISTS chunk_fts USING fts5(
    chunk_id UNINDEXED,
    document_id UNINDEXED,
    ordinal UNINDEXED,
    metadata UNINDEXED,
    content,
    tokenize = 'unicode61 remove_diacritics 2'
);
`

// filterKey limits metadata filter keys to what can sit inside a JSON path.
var filterKey = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.-]*$`)

// Engine stores chunk text in an FTS5 table and ranks matches with bm25().
type Engine struct {
	db   *sql.DB
	path string
}

// New opens (creating if needed) the index database at path.
func New(path string) (*Engine, error) {
	if path == "" {
		return nil, fmt.Errorf("keyword index path is required: %w", domain.ErrInvalidInput)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("creating index directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening keyword index: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating keyword index: %w", err)
	}
	return &Engine{db: db, path: path}, nil
}

// Index replaces all chunks of documentID in one transaction.
func (e *Engine) Index(ctx context.Context, documentID string, chunks []domain.Chunk) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("begin", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, "DELETE FROM chunk_fts WHERE document_id = ?", documentID); err != nil {
		return unavailable("delete", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunk_fts (chunk_id, document_id, ordinal, metadata, content)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return unavailable("prepare", err)
	}
	defer stmt.Close()

	for _, c := range chunks {
		meta, err := json.Marshal(c.Metadata)
		if err != nil {
			return fmt.Errorf("marshalling chunk metadata: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, c.ID, documentID, c.Ordinal, string(meta), c.Content); err != nil {
			return unavailable("insert", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return unavailable("commit", err)
	}
	return nil
}

// Delete removes all chunks of documentID.
func (e *Engine) Delete(ctx context.Context, documentID string) error {
	if _, err := e.db.ExecContext(ctx, "DELETE FROM chunk_fts WHERE document_id = ?", documentID); err != nil {
		return unavailable("delete", err)
	}
	return nil
}

// Search returns up to limit chunks matching any query term. Scores are
// negated bm25() values, so higher is better.
func (e *Engine) Search(ctx context.Context, query string, limit int, filters domain.Filters) ([]domain.Candidate, error) {
	match := MatchExpression(query)
	if match == "" || limit <= 0 {
		return nil, nil
	}

	stmt, args, err := buildQuery(match, limit, filters)
	if err != nil {
		return nil, err
	}

	rows, err := e.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, unavailable("search", err)
	}
	defer rows.Close()

	var out []domain.Candidate
	for rows.Next() {
		var c domain.Chunk
		var meta string
		var score float64
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Ordinal, &meta, &c.Content, &score); err != nil {
			return nil, fmt.Errorf("scanning keyword hit: %w", err)
		}
		if meta != "" && meta != "null" {
			if err := json.Unmarshal([]byte(meta), &c.Metadata); err != nil {
				return nil, fmt.Errorf("keyword hit %s metadata: %w", c.ID, domain.ErrCorruptIndex)
			}
		}
		out = append(out, domain.Candidate{Chunk: c, Score: -score, Origin: domain.OriginKeyword})
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("search", err)
	}

	domain.SortCandidates(out)
	return out, nil
}

// Close closes the database.
func (e *Engine) Close() error {
	return e.db.Close()
}

// MatchExpression turns free text into an FTS5 query that ORs the quoted
// terms, so user punctuation can never be read as FTS5 syntax.
func MatchExpression(text string) string {
	terms := domain.Tokenize(text)
	if len(terms) == 0 {
		return ""
	}
	seen := make(map[string]struct{}, len(terms))
	quoted := make([]string, 0, len(terms))
	for _, t := range terms {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		quoted = append(quoted, `"`+strings.ReplaceAll(t, `"`, `""`)+`"`)
	}
	return strings.Join(quoted, " OR ")
}

func buildQuery(match string, limit int, filters domain.Filters) (string, []any, error) {
	var b strings.Builder
	b.WriteString(`SELECT chunk_id, document_id, ordinal, metadata, content, bm25(chunk_fts) AS score
		FROM chunk_fts WHERE chunk_fts MATCH ?`)
	args := []any{match}

	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !filterKey.MatchString(k) {
			return "", nil, fmt.Errorf("filter key %q: %w", k, domain.ErrInvalidInput)
		}
		b.WriteString(" AND CAST(json_extract(metadata, ?) AS TEXT) = ?")
		args = append(args, `$."`+k+`"`, filters[k])
	}

	b.WriteString(" ORDER BY score, CAST(ordinal AS INTEGER), chunk_id LIMIT ?")
	args = append(args, limit)
	return b.String(), args, nil
}

func unavailable(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("keyword %s: %w: %v", op, domain.ErrKeywordUnavailable, err)
}
