// Package driven defines the interfaces that core calls OUT to infrastructure.
//
// These are the "driven" or "secondary" ports in hexagonal architecture.
// Core services depend on these interfaces, and infrastructure adapters
// implement them.
//
// # Required Interfaces
//
// These must be provided for the application to function:
//
//   - EmbeddingService: Turns text into fixed-dimension vectors
//   - VectorIndex: Stores chunk vectors, owns them exclusively
//   - LLMService: Generates answers
//   - PostProcessor: Normalises and chunks documents
//
// # Optional Interfaces
//
// These can be nil - the application degrades gracefully:
//
//   - SearchEngine: Keyword search. Without it retrieval is vector-only.
//   - RerankScorer: Cross-encoder relevance. Without it the lexical scorer is used.
//   - DocumentStore: Document metadata lookup.
//   - SessionMirror: Audit copy of session events.
//   - EventPublisher: Index change notifications.
//   - PromptStore: Custom system prompts.
//
// # Import Rules
//
//   - Can Import: domain package only
//   - Cannot Import: Any adapter package
package driven
