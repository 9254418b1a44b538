// Package domain defines the core business entities for sercha-rag.
//
// This package is part of the hexagonal architecture's innermost layer.
// It has NO external dependencies and defines the fundamental types:
//
//   - Document: Extracted text plus metadata handed to ingestion
//   - Chunk: A bounded, embedded slice of a document
//   - Candidate: A transient, scored retrieval hit
//   - Session and Turn: Conversational state
//   - ChatRequest: The closed set of request modes (direct, session, RAG)
//
// # Architectural Position
//
// Domain is at the centre of the hexagon. It may only import
// the Go standard library. All other packages depend on domain,
// never the reverse.
//
// # Import Rules
//
//   - Can Import: Standard library only
//   - Cannot Import: Any internal/ package, any external dependency
package domain
