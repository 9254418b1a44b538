// Package chunker provides a boundary-aware sliding window chunker.
package chunker

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/google/uuid"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
)

// DefaultMaxSize is the default number of characters per chunk.
const DefaultMaxSize = 1000

// DefaultOverlapFraction is the default share of a window repeated in the next one.
const DefaultOverlapFraction = 0.2

// DefaultBoundaryLookback is how far back from a hard cut the chunker looks
// for a paragraph, sentence or word boundary.
const DefaultBoundaryLookback = 200

// chunkNamespace seeds deterministic chunk ids.
var chunkNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://sercha.dev/rag/chunk"))

// Processor splits document content into overlapping windows.
// Sizes are counted in characters (runes). Every chunk is an exact substring
// of the document and records its [start, end) offsets in metadata.
// It implements the PostProcessor interface.
type Processor struct {
	maxSize  int
	overlap  float64
	lookback int
}

// Option configures the chunker processor.
type Option func(*Processor)

// WithMaxSize sets the maximum chunk size in characters.
func WithMaxSize(size int) Option {
	return func(p *Processor) {
		if size > 0 {
			p.maxSize = size
		}
	}
}

// WithOverlapFraction sets the overlap as a fraction of the window, in [0, 1).
func WithOverlapFraction(f float64) Option {
	return func(p *Processor) {
		if f >= 0 && f < 1 {
			p.overlap = f
		}
	}
}

// WithBoundaryLookback sets the lookback window in characters.
func WithBoundaryLookback(n int) Option {
	return func(p *Processor) {
		if n >= 0 {
			p.lookback = n
		}
	}
}

// New creates a new chunker processor with the given options.
func New(opts ...Option) *Processor {
	p := &Processor{
		maxSize:  DefaultMaxSize,
		overlap:  DefaultOverlapFraction,
		lookback: DefaultBoundaryLookback,
	}

	for _, opt := range opts {
		opt(p)
	}

	// Lookback beyond half a window would let boundaries shrink chunks too far.
	if p.lookback > p.maxSize/2 {
		p.lookback = p.maxSize / 2
	}

	return p
}

// Name returns the processor name.
func (p *Processor) Name() string {
	return "chunker"
}

// MaxSize returns the configured window size in characters.
func (p *Processor) MaxSize() int {
	return p.maxSize
}

// OverlapChars returns the overlap in characters. Always below MaxSize.
func (p *Processor) OverlapChars() int {
	n := int(float64(p.maxSize) * p.overlap)
	if n >= p.maxSize {
		n = p.maxSize - 1
	}
	return n
}

// Process splits the document content into chunks.
// Input chunks are ignored; this processor creates new chunks from document content.
// Whitespace-only content is an error, never an empty result.
func (p *Processor) Process(ctx context.Context, doc *domain.Document, _ []domain.Chunk) ([]domain.Chunk, error) {
	if strings.TrimSpace(doc.Content) == "" {
		return nil, fmt.Errorf("document %s: %w", doc.ID, domain.ErrEmptyDocument)
	}

	runes := []rune(doc.Content)
	n := len(runes)
	overlap := p.OverlapChars()

	chunks := make([]domain.Chunk, 0, n/(p.maxSize-overlap)+1)
	start := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		end := start + p.maxSize
		if end >= n {
			end = n
		} else {
			end = p.boundary(runes, start+overlap+1, end)
		}

		chunks = append(chunks, p.newChunk(doc, len(chunks), string(runes[start:end]), start, end))

		if end == n {
			break
		}
		start = end - overlap
	}

	return chunks, nil
}

// boundary returns the best cut in [lo, hi]: after a blank line, then after
// a sentence end, then after whitespace. Falls back to hi.
func (p *Processor) boundary(runes []rune, lo, hi int) int {
	if from := hi - p.lookback; from > lo {
		lo = from
	}

	sentence, space := -1, -1
	for i := hi; i >= lo && i >= 2; i-- {
		prev := runes[i-1]
		if !unicode.IsSpace(prev) {
			continue
		}
		if prev == '\n' && runes[i-2] == '\n' {
			return i
		}
		if sentence < 0 && isSentenceEnd(runes[i-2]) {
			sentence = i
		}
		if space < 0 {
			space = i
		}
	}

	switch {
	case sentence >= 0:
		return sentence
	case space >= 0:
		return space
	default:
		return hi
	}
}

func isSentenceEnd(r rune) bool {
	return r == '.' || r == '!' || r == '?' || r == '。'
}

func (p *Processor) newChunk(doc *domain.Document, ordinal int, text string, start, end int) domain.Chunk {
	hash := domain.ContentHash(text)

	meta := map[string]any{
		domain.MetaStart:       start,
		domain.MetaEnd:         end,
		domain.MetaOrdinal:     ordinal,
		domain.MetaContentHash: hash,
	}
	if doc.Source != "" {
		meta[domain.MetaSource] = doc.Source
	}
	if doc.Title != "" {
		meta[domain.MetaTitle] = doc.Title
	}
	for _, key := range domain.InheritedMetadataKeys {
		if _, set := meta[key]; set {
			continue
		}
		if v, ok := doc.Metadata[key]; ok {
			meta[key] = v
		}
	}

	return domain.Chunk{
		ID:         ChunkID(doc.ID, ordinal, hash),
		DocumentID: doc.ID,
		Ordinal:    ordinal,
		Content:    text,
		Metadata:   meta,
	}
}

// ChunkID derives the deterministic id of a chunk. Re-chunking identical
// content yields identical ids.
func ChunkID(documentID string, ordinal int, contentHash string) string {
	name := documentID + "#" + strconv.Itoa(ordinal) + "#" + contentHash
	return uuid.NewSHA1(chunkNamespace, []byte(name)).String()
}

// Reconstruct joins chunk texts with the overlapping prefix of each chunk
// removed, using the recorded offsets.
func Reconstruct(chunks []domain.Chunk) string {
	var b strings.Builder
	covered := 0
	for _, c := range chunks {
		text := []rune(c.Content)
		skip := covered - c.Start()
		if skip < 0 {
			skip = 0
		}
		if skip < len(text) {
			b.WriteString(string(text[skip:]))
		}
		if c.End() > covered {
			covered = c.End()
		}
	}
	return b.String()
}
