// Package redisvec provides a vector index on Redis Stack (RediSearch HNSW).
package redisvec

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
	"github.com/custodia-labs/sercha-rag/internal/core/ports/driven"
	"github.com/custodia-labs/sercha-rag/internal/logger"
)

// Ensure Index implements the interface.
var _ driven.VectorIndex = (*Index)(nil)

// Defaults.
const (
	DefaultIndexName = "sercha-chunks"
	DefaultPrefix    = "sercha:chunk:"
	defaultEF        = 200
	defaultM         = 16
	maxTxRetries     = 3
)

// Hash fields.
const (
	fieldVector     = "vector"
	fieldContent    = "content"
	fieldDocumentID = "document_id"
	fieldOrdinal    = "ordinal"
	fieldMetadata   = "metadata"
	fieldScore      = "score"
)

// tagFields are metadata keys indexed as TAG fields and filtered server side.
// Other filter keys are applied to the returned rows.
var tagFields = []string{domain.MetaSource, domain.MetaMimeType, domain.MetaTitle}

// Config holds connection settings.
type Config struct {
	Addr       string
	Password   string
	DB         int
	IndexName  string
	Prefix     string
	Dimensions int
}

// Index stores each chunk as a hash and keeps a set of chunk keys per
// document. Upsert and Delete run inside WATCH/MULTI/EXEC, so a document's
// chunks change all at once.
type Index struct {
	client *redis.Client
	name   string
	prefix string
	dims   int
}

// Open connects and creates the search index if it does not exist.
func Open(ctx context.Context, cfg Config) (*Index, error) {
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("redis index needs a fixed dimension: %w", domain.ErrInvalidInput)
	}
	x := &Index{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
			// FT.SEARCH replies are parsed in their RESP2 array form.
			Protocol: 2,
		}),
		name:   orDefault(cfg.IndexName, DefaultIndexName),
		prefix: orDefault(cfg.Prefix, DefaultPrefix),
		dims:   cfg.Dimensions,
	}
	if err := x.client.Ping(ctx).Err(); err != nil {
		_ = x.client.Close()
		return nil, classify("ping", err)
	}
	if err := x.ensureIndex(ctx); err != nil {
		_ = x.client.Close()
		return nil, err
	}
	return x, nil
}

func (x *Index) ensureIndex(ctx context.Context) error {
	if _, err := x.client.Do(ctx, "FT.INFO", x.name).Result(); err == nil {
		return nil
	}

	args := []any{
		"FT.CREATE", x.name,
		"ON", "HASH",
		"PREFIX", "1", x.prefix,
		"SCHEMA",
		fieldVector, "VECTOR", "HNSW", "10",
		"TYPE", "FLOAT32",
		"DIM", strconv.Itoa(x.dims),
		"DISTANCE_METRIC", "COSINE",
		"EF_CONSTRUCTION", strconv.Itoa(defaultEF),
		"M", strconv.Itoa(defaultM),
		fieldContent, "TEXT",
		fieldDocumentID, "TAG",
		fieldOrdinal, "NUMERIC", "SORTABLE",
	}
	for _, f := range tagFields {
		args = append(args, tagField(f), "TAG")
	}
	if err := x.client.Do(ctx, args...).Err(); err != nil {
		return classify("create index", err)
	}
	logger.Info("Created RediSearch index %s (%d dimensions)", x.name, x.dims)
	return nil
}

// Name returns the backend name.
func (x *Index) Name() string { return string(domain.VectorBackendRedis) }

// Atomic reports that replacement runs in one MULTI/EXEC.
func (x *Index) Atomic() bool { return true }

// Dimensions returns the configured vector size.
func (x *Index) Dimensions() int { return x.dims }

func (x *Index) docKey(documentID string) string {
	return x.prefix + "doc:" + documentID
}

func (x *Index) chunkKey(chunkID string) string {
	return x.prefix + chunkID
}

// Upsert replaces all chunks of documentID.
func (x *Index) Upsert(ctx context.Context, documentID string, chunks []domain.Chunk) error {
	type row struct {
		key    string
		fields []any
	}
	rows := make([]row, 0, len(chunks))
	for _, c := range chunks {
		if c.DocumentID != documentID {
			return fmt.Errorf("chunk %s belongs to %s: %w", c.ID, c.DocumentID, domain.ErrInvalidInput)
		}
		if len(c.Embedding) != x.dims {
			return fmt.Errorf("chunk %s has %d dimensions, index has %d: %w", c.ID, len(c.Embedding), x.dims, domain.ErrDimensionMismatch)
		}
		meta, err := json.Marshal(c.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata of %s: %w", c.ID, err)
		}
		fields := []any{
			fieldVector, EncodeVector(c.Embedding),
			fieldContent, c.Content,
			fieldDocumentID, c.DocumentID,
			fieldOrdinal, c.Ordinal,
			fieldMetadata, string(meta),
		}
		for _, f := range tagFields {
			if v, ok := c.Metadata[f]; ok {
				fields = append(fields, tagField(f), fmt.Sprint(v))
			}
		}
		rows = append(rows, row{key: x.chunkKey(c.ID), fields: fields})
	}

	setKey := x.docKey(documentID)
	return x.transact(ctx, setKey, func(old []string, pipe redis.Pipeliner) {
		if len(old) > 0 {
			pipe.Del(ctx, old...)
		}
		pipe.Del(ctx, setKey)
		for _, r := range rows {
			pipe.HSet(ctx, r.key, r.fields...)
			pipe.SAdd(ctx, setKey, r.key)
		}
	})
}

// Delete removes all chunks of documentID.
func (x *Index) Delete(ctx context.Context, documentID string) error {
	setKey := x.docKey(documentID)
	return x.transact(ctx, setKey, func(old []string, pipe redis.Pipeliner) {
		if len(old) > 0 {
			pipe.Del(ctx, old...)
		}
		pipe.Del(ctx, setKey)
	})
}

// transact reads the document's chunk keys under WATCH and applies write
// inside MULTI/EXEC, retrying when a concurrent writer touched the set.
func (x *Index) transact(ctx context.Context, setKey string, write func(old []string, pipe redis.Pipeliner)) error {
	var err error
	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err = x.client.Watch(ctx, func(tx *redis.Tx) error {
			old, err := tx.SMembers(ctx, setKey).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				write(old, pipe)
				return nil
			})
			return err
		}, setKey)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		return classify("transaction", err)
	}
	return nil
}

// Search runs a KNN query. Filters on TAG fields are pushed into the query;
// other filters are applied to the returned rows after oversampling.
func (x *Index) Search(ctx context.Context, query []float32, k int, filters domain.Filters) ([]domain.Candidate, error) {
	if k <= 0 {
		return nil, nil
	}
	if len(query) != x.dims {
		return nil, fmt.Errorf("query has %d dimensions, index has %d: %w", len(query), x.dims, domain.ErrDimensionMismatch)
	}

	pre, post := splitFilters(filters)
	fetch := k
	if len(post) > 0 {
		fetch = k * 4
	}

	res, err := x.client.Do(ctx, "FT.SEARCH", x.name, knnQuery(pre, fetch),
		"PARAMS", "2", "query_vector", EncodeVector(query),
		"SORTBY", fieldScore, "ASC",
		"RETURN", "5", fieldContent, fieldDocumentID, fieldOrdinal, fieldMetadata, fieldScore,
		"LIMIT", "0", strconv.Itoa(fetch),
		"DIALECT", "2",
	).Result()
	if err != nil {
		return nil, classify("search", err)
	}

	hits, err := parseSearch(res, x.prefix)
	if err != nil {
		return nil, err
	}

	out := hits[:0]
	for _, h := range hits {
		if post.Matches(h.Chunk.Metadata) {
			out = append(out, h)
		}
	}
	domain.SortCandidates(out)
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// Close releases the client.
func (x *Index) Close() error {
	return x.client.Close()
}

// knnQuery renders the hybrid query: a TAG pre-filter (or *) and the KNN clause.
func knnQuery(filters domain.Filters, k int) string {
	base := "*"
	if len(filters) > 0 {
		keys := make([]string, 0, len(filters))
		for key := range filters {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, key := range keys {
			parts = append(parts, fmt.Sprintf("@%s:{%s}", tagField(key), escapeTag(filters[key])))
		}
		base = "(" + strings.Join(parts, " ") + ")"
	}
	return fmt.Sprintf("%s=>[KNN %d @%s $query_vector AS %s]", base, k, fieldVector, fieldScore)
}

func splitFilters(filters domain.Filters) (pre, post domain.Filters) {
	for key, value := range filters {
		if isTagField(key) {
			if pre == nil {
				pre = domain.Filters{}
			}
			pre[key] = value
			continue
		}
		if post == nil {
			post = domain.Filters{}
		}
		post[key] = value
	}
	return pre, post
}

func isTagField(key string) bool {
	for _, f := range tagFields {
		if f == key {
			return true
		}
	}
	return false
}

// parseSearch decodes the RESP2 reply [total, key, [field, value, ...], ...].
func parseSearch(res any, prefix string) ([]domain.Candidate, error) {
	values, ok := res.([]any)
	if !ok {
		return nil, fmt.Errorf("unexpected FT.SEARCH reply %T: %w", res, domain.ErrCorruptIndex)
	}

	var hits []domain.Candidate
	for i := 1; i+1 < len(values); i += 2 {
		key, ok := values[i].(string)
		if !ok {
			continue
		}
		raw, ok := values[i+1].([]any)
		if !ok {
			continue
		}
		fields := make(map[string]string, len(raw)/2)
		for j := 0; j+1 < len(raw); j += 2 {
			name, _ := raw[j].(string)
			value, _ := raw[j+1].(string)
			fields[name] = value
		}

		c := domain.Chunk{
			ID:         strings.TrimPrefix(key, prefix),
			DocumentID: fields[fieldDocumentID],
			Content:    fields[fieldContent],
		}
		c.Ordinal, _ = strconv.Atoi(fields[fieldOrdinal])
		if m := fields[fieldMetadata]; m != "" {
			if err := json.Unmarshal([]byte(m), &c.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata of %s: %w", key, domain.ErrCorruptIndex)
			}
		}
		distance, err := strconv.ParseFloat(fields[fieldScore], 64)
		if err != nil {
			return nil, fmt.Errorf("score of %s: %w", key, domain.ErrCorruptIndex)
		}
		hits = append(hits, domain.Candidate{Chunk: c, Score: 1 - distance, Origin: domain.OriginVector})
	}
	return hits, nil
}

// EncodeVector packs a vector as little-endian FLOAT32, the layout RediSearch expects.
func EncodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

// DecodeVector unpacks a little-endian FLOAT32 blob.
func DecodeVector(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return out
}

func tagField(key string) string {
	return "meta_" + key
}

// escapeTag escapes the characters RediSearch treats as TAG syntax.
func escapeTag(s string) string {
	var b strings.Builder
	for _, r := range s {
		if strings.ContainsRune(",.<>{}[]\"':;!@#$%^&*()-+=~|/\\ ", r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func classify(op string, err error) error {
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("%s: %w", op, err)
	}
	var rerr redis.Error
	if errors.As(err, &rerr) && !strings.Contains(strings.ToLower(rerr.Error()), "no such index") &&
		!strings.Contains(strings.ToLower(rerr.Error()), "unknown index") {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %v", op, domain.ErrIndexUnavailable, err)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
