// Package plaintext provides the text normalising post-processor.
package plaintext

import (
	"context"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
	"github.com/custodia-labs/sercha-rag/internal/core/ports/driven"
)

// Ensure Normaliser implements the interface.
var _ driven.PostProcessor = (*Normaliser)(nil)

// Normaliser canonicalises document text in place and fills a missing title.
// It runs first in the pipeline and passes chunks through untouched.
type Normaliser struct{}

// New creates a new plain text normaliser.
func New() *Normaliser {
	return &Normaliser{}
}

// Name returns the processor name.
func (n *Normaliser) Name() string {
	return "normaliser"
}

// Process rewrites doc.Content and doc.Title.
func (n *Normaliser) Process(_ context.Context, doc *domain.Document, chunks []domain.Chunk) ([]domain.Chunk, error) {
	if doc == nil {
		return nil, domain.ErrInvalidInput
	}

	doc.Content = Normalise(doc.Content)
	if doc.Title == "" {
		doc.Title = titleFromMetadataOrSource(doc)
	}
	return chunks, nil
}

// Normalise converts line endings to \n, drops the BOM and control
// characters, trims trailing spaces on each line and collapses runs of
// blank lines to one.
func Normalise(text string) string {
	text = strings.TrimPrefix(text, "\ufeff")
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	blank := 0
	for _, line := range lines {
		line = strings.TrimRightFunc(stripControl(line), unicode.IsSpace)
		if line == "" {
			blank++
			if blank > 1 {
				continue
			}
		} else {
			blank = 0
		}
		out = append(out, line)
	}
	return strings.Trim(strings.Join(out, "\n"), "\n")
}

func stripControl(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}

// titleFromMetadataOrSource checks metadata for a title first, then falls back to the source.
func titleFromMetadataOrSource(doc *domain.Document) string {
	if title, ok := doc.Metadata[domain.MetaTitle].(string); ok && title != "" {
		return title
	}
	if doc.Source == "" {
		return ""
	}
	return extractTitle(doc.Source)
}

// extractTitle extracts a human-readable title from a path or URI.
func extractTitle(uri string) string {
	filename := filepath.Base(uri)

	// Remove common extensions for cleaner title
	ext := filepath.Ext(filename)
	if ext != "" {
		filename = strings.TrimSuffix(filename, ext)
	}

	filename = strings.ReplaceAll(filename, "_", " ")
	filename = strings.ReplaceAll(filename, "-", " ")

	return filename
}
