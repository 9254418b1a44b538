package services

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
	"github.com/custodia-labs/sercha-rag/internal/core/ports/driving"
)

// Ensure ContextAssembler implements the interface.
var _ driving.ContextAssembler = (*ContextAssembler)(nil)

// Assembler defaults.
const (
	DefaultContextBudget = 12000
	DefaultHistoryShare  = 0.3
)

// ContextAssembler fits history and passages into a rune budget.
//
// History gets at most historyShare of the space left after the system
// prompt and message when passages are present, and all of it otherwise.
// Passages fill what history leaves, best first. Any space passages leave
// over goes back to history. Within history the most recent turns win.
type ContextAssembler struct {
	budget       int
	historyShare float64
}

// NewContextAssembler creates an assembler. Non-positive values use defaults.
func NewContextAssembler(budget int, historyShare float64) *ContextAssembler {
	if budget <= 0 {
		budget = DefaultContextBudget
	}
	if historyShare < 0 || historyShare > 1 {
		historyShare = DefaultHistoryShare
	}
	return &ContextAssembler{budget: budget, historyShare: historyShare}
}

// Budget returns the rune budget.
func (a *ContextAssembler) Budget() int {
	return a.budget
}

// Assemble builds the prompt. It is deterministic for identical input.
func (a *ContextAssembler) Assemble(in domain.AssembleInput) (*domain.AssembledPrompt, error) {
	fixed := runes(in.SystemPrompt) + runes(in.Message)
	if fixed > a.budget {
		return nil, fmt.Errorf("system prompt and message need %d of %d: %w", fixed, a.budget, domain.ErrContextBudget)
	}
	remaining := a.budget - fixed

	historyCap := remaining
	if len(in.Candidates) > 0 {
		historyCap = int(float64(remaining) * a.historyShare)
	}

	// Most recent turns first, stopping at the first that does not fit so
	// the kept history is a contiguous recent suffix.
	keepFrom := len(in.History)
	historySize := 0
	for keepFrom > 0 {
		n := runes(in.History[keepFrom-1].Content)
		if historySize+n > historyCap {
			break
		}
		historySize += n
		keepFrom--
	}

	passageCap := remaining - historySize
	var passages []domain.Passage
	user := in.Message
	for _, c := range in.Candidates {
		next := append(passages, domain.Passage{Number: len(passages) + 1, Candidate: c})
		rendered := renderUser(next, in.Message)
		if runes(rendered)-runes(in.Message) > passageCap {
			break
		}
		passages = next
		user = rendered
	}
	passageSize := runes(user) - runes(in.Message)

	leftover := remaining - historySize - passageSize
	for keepFrom > 0 {
		n := runes(in.History[keepFrom-1].Content)
		if n > leftover {
			break
		}
		leftover -= n
		historySize += n
		keepFrom--
	}

	out := &domain.AssembledPrompt{
		System:          in.SystemPrompt,
		History:         append([]domain.Turn(nil), in.History[keepFrom:]...),
		Passages:        passages,
		User:            user,
		Sources:         citedSources(passages),
		Size:            fixed + historySize + passageSize,
		DroppedTurns:    keepFrom,
		DroppedPassages: len(in.Candidates) - len(passages),
	}
	return out, nil
}

// renderUser prepends the numbered passage block to the message.
func renderUser(passages []domain.Passage, message string) string {
	if len(passages) == 0 {
		return message
	}
	var b strings.Builder
	b.WriteString("Context:\n")
	for _, p := range passages {
		b.WriteString("[")
		b.WriteString(strconv.Itoa(p.Number))
		b.WriteString("] (")
		b.WriteString(p.Candidate.Chunk.SourceLabel())
		b.WriteString(")\n")
		b.WriteString(p.Candidate.Chunk.Content)
		b.WriteString("\n\n")
	}
	b.WriteString("Question: ")
	b.WriteString(message)
	return b.String()
}

func citedSources(passages []domain.Passage) []domain.CitedSource {
	seen := make(map[string]struct{}, len(passages))
	var out []domain.CitedSource
	for _, p := range passages {
		chunk := p.Candidate.Chunk
		if _, ok := seen[chunk.DocumentID]; ok {
			continue
		}
		seen[chunk.DocumentID] = struct{}{}
		title, _ := chunk.Metadata[domain.MetaTitle].(string)
		source, _ := chunk.Metadata[domain.MetaSource].(string)
		out = append(out, domain.CitedSource{DocumentID: chunk.DocumentID, Title: title, Source: source})
	}
	return out
}

func runes(s string) int {
	return utf8.RuneCountInString(s)
}
