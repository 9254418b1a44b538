package domain

// AssembleInput is everything the context assembler may place in a prompt.
type AssembleInput struct {
	// SystemPrompt is always included.
	SystemPrompt string

	// History is in conversation order, oldest first.
	History []Turn

	// Candidates are in re-ranked order, best first.
	Candidates []Candidate

	// Message is the new user message. It is never dropped.
	Message string
}

// Passage is a candidate placed in the prompt with its citation number.
type Passage struct {
	Number    int
	Candidate Candidate
}

// AssembledPrompt is the bounded prompt in its final order: system prompt,
// history, passages, then the new message.
type AssembledPrompt struct {
	System   string
	History  []Turn
	Passages []Passage

	// User is the final user message with the passage block prepended.
	User string

	// Sources lists the documents behind the included passages, deduplicated,
	// in inclusion order.
	Sources []CitedSource

	// Size is the prompt size in runes. It never exceeds the budget.
	Size int

	DroppedTurns    int
	DroppedPassages int
}
