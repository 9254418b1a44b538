// Package sqlite provides SQLite-backed implementations of driven port interfaces.
//
// This adapter uses modernc.org/sqlite, a pure Go SQLite implementation that requires
// no CGO. A single database holds:
//
//   - DocumentStore: ingested document text and metadata
//   - SessionMirror: an append-only audit log of session events
//
// Chunks and embeddings are not stored here; the vector index owns them.
//
// # Schema
//
// The schema is managed through versioned migrations in the migrations/
// directory. Each migration is a pair of .up.sql and .down.sql files.
//
// # Data Location
//
// By default, the database is stored at ~/.sercha-rag/data/rag.db
package sqlite
