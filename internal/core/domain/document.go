package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Well-known metadata keys. Documents may carry others; chunks inherit the
// document keys listed in InheritedMetadataKeys.
const (
	MetaSource      = "source"
	MetaTitle       = "title"
	MetaMimeType    = "mimeType"
	MetaIngestedAt  = "ingestedAt"
	MetaStart       = "start"
	MetaEnd         = "end"
	MetaOrdinal     = "ordinal"
	MetaContentHash = "contentHash"
)

// InheritedMetadataKeys are copied from a document onto each of its chunks.
var InheritedMetadataKeys = []string{MetaSource, MetaTitle, MetaMimeType}

// Document is extracted text handed to ingestion by a document source.
// It is immutable once stored.
type Document struct {
	// ID is the stable, content-derived identifier.
	ID string

	// Source is the origin path or URI.
	Source string

	// Title is the human-readable title.
	Title string

	// Content is the full extracted text before chunking.
	Content string

	// Metadata holds scalar values such as mimeType or ingestedAt.
	Metadata map[string]any

	// CreatedAt is when the document was ingested.
	CreatedAt time.Time
}

// Chunk is a bounded slice of a document, embedded and indexed independently.
type Chunk struct {
	// ID is deterministic for a given (document, ordinal, text).
	ID string

	// DocumentID links to the owning Document.
	DocumentID string

	// Ordinal is the position within the document, starting at zero.
	Ordinal int

	// Content is the chunk text. It is an exact substring of the document.
	Content string

	// Embedding is the vector representation, dimension D across the index.
	Embedding []float32

	// Metadata holds inherited document metadata plus start/end offsets.
	Metadata map[string]any
}

// Start returns the rune offset of the chunk within its document.
func (c Chunk) Start() int {
	return metaInt(c.Metadata, MetaStart)
}

// End returns the exclusive rune end offset of the chunk within its document.
func (c Chunk) End() int {
	return metaInt(c.Metadata, MetaEnd)
}

// SourceLabel returns the best human-readable reference for citation.
func (c Chunk) SourceLabel() string {
	if v, ok := c.Metadata[MetaTitle].(string); ok && v != "" {
		return v
	}
	if v, ok := c.Metadata[MetaSource].(string); ok && v != "" {
		return v
	}
	return c.DocumentID
}

// DocumentIDFor derives a stable identifier for a document that arrived
// without one. The source wins when present, otherwise the content hash.
func DocumentIDFor(source, content string) string {
	key := source
	if key == "" {
		key = content
	}
	sum := sha256.Sum256([]byte(key))
	return "doc_" + hex.EncodeToString(sum[:8])
}

// ContentHash returns a short hash of text, used to detect unchanged re-ingestion.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:12])
}

func metaInt(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		var n int
		_, _ = fmt.Sscanf(v, "%d", &n)
		return n
	default:
		return 0
	}
}

// Filters restrict retrieval by metadata equality.
type Filters map[string]string

// Matches reports whether every filter key equals the metadata value.
// Scalar metadata values are compared by their string form.
func (f Filters) Matches(meta map[string]any) bool {
	for k, want := range f {
		got, ok := meta[k]
		if !ok || fmt.Sprint(got) != want {
			return false
		}
	}
	return true
}
