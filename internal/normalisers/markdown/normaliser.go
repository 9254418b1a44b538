// Package markdown strips Markdown syntax from documents declared as Markdown.
package markdown

import (
	"context"
	"regexp"
	"strings"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
	"github.com/custodia-labs/sercha-rag/internal/core/ports/driven"
)

// Ensure Normaliser implements the interface.
var _ driven.PostProcessor = (*Normaliser)(nil)

// MIME types handled by the normaliser. Other documents pass through.
var mimeTypes = map[string]struct{}{
	"text/markdown":   {},
	"text/x-markdown": {},
}

var (
	codeFence    = regexp.MustCompile("(?s)```[^\n]*\n(.*?)```")
	inlineCode   = regexp.MustCompile("`([^`]+)`")
	images       = regexp.MustCompile(`!\[([^\]]*)\]\([^)]+\)`)
	links        = regexp.MustCompile(`\[([^\]]+)\]\([^)]+\)`)
	headings     = regexp.MustCompile(`(?m)^#{1,6}[ \t]+`)
	bold         = regexp.MustCompile(`(\*\*|__)([^*_]+)(\*\*|__)`)
	italicStar   = regexp.MustCompile(`\*([^*\s][^*]*)\*`)
	italicUnder  = regexp.MustCompile(`(?m)(^|\s)_([^_\s][^_]*)_`)
	blockquote   = regexp.MustCompile(`(?m)^>[ \t]?`)
	rule         = regexp.MustCompile(`(?m)^[ \t]*([-*_][ \t]*){3,}$`)
	listMarkers  = regexp.MustCompile(`(?m)^([ \t]*)[-*+][ \t]+`)
	numberedList = regexp.MustCompile(`(?m)^([ \t]*)\d+[.)][ \t]+`)
)

// Normaliser converts Markdown to plain text and takes the first level one
// heading as the title when none was given.
type Normaliser struct{}

// New creates a new Markdown normaliser.
func New() *Normaliser {
	return &Normaliser{}
}

// Name returns the processor name.
func (n *Normaliser) Name() string {
	return "markdown"
}

// Handles reports whether the document is declared as Markdown.
func Handles(doc *domain.Document) bool {
	mime, _ := doc.Metadata[domain.MetaMimeType].(string)
	_, ok := mimeTypes[strings.ToLower(strings.TrimSpace(mime))]
	return ok
}

// Process rewrites doc.Content for Markdown documents and leaves chunks alone.
func (n *Normaliser) Process(_ context.Context, doc *domain.Document, chunks []domain.Chunk) ([]domain.Chunk, error) {
	if doc == nil {
		return nil, domain.ErrInvalidInput
	}
	if !Handles(doc) {
		return chunks, nil
	}

	if doc.Title == "" {
		doc.Title = Title(doc.Content)
	}
	doc.Content = Strip(doc.Content)
	return chunks, nil
}

// Title returns the text of the first "# " heading, or "".
func Title(content string) string {
	for line := range strings.SplitSeq(content, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "# ") {
			return strings.TrimSpace(strings.TrimPrefix(line, "# "))
		}
	}
	return ""
}

// Strip removes Markdown formatting, keeping the words a reader would see.
// Fenced code keeps its body; link and image text is kept without the target.
func Strip(content string) string {
	content = codeFence.ReplaceAllString(content, "$1")
	content = inlineCode.ReplaceAllString(content, "$1")
	content = images.ReplaceAllString(content, "$1")
	content = links.ReplaceAllString(content, "$1")
	content = rule.ReplaceAllString(content, "")
	content = headings.ReplaceAllString(content, "")
	content = blockquote.ReplaceAllString(content, "")
	content = listMarkers.ReplaceAllString(content, "$1")
	content = numberedList.ReplaceAllString(content, "$1")
	content = bold.ReplaceAllString(content, "$2")
	content = italicStar.ReplaceAllString(content, "$1")
	content = italicUnder.ReplaceAllString(content, "$1$2")
	return strings.TrimSpace(content)
}
