package domain

import (
	"errors"
	"fmt"
)

// Domain errors represent business logic failures.
// Adapters wrap them with %w so callers classify with errors.Is.
var (
	// ErrNotFound indicates a requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput indicates malformed or invalid input.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotImplemented indicates functionality is not yet available.
	ErrNotImplemented = errors.New("not implemented")

	// ErrUnsupportedType indicates an unknown backend or provider name.
	ErrUnsupportedType = errors.New("unsupported type")

	// ErrEmptyMessage indicates a chat message with no content.
	ErrEmptyMessage = errors.New("message is empty")

	// ErrMessageTooLarge indicates a chat message above the configured limit.
	ErrMessageTooLarge = errors.New("message too large")

	// ErrEmptyDocument indicates a document that produced zero chunks.
	ErrEmptyDocument = errors.New("document has no indexable text")

	// ErrConflictingModes indicates both direct and RAG mode were requested.
	ErrConflictingModes = errors.New("direct and rag modes are mutually exclusive")

	// ErrContextBudget indicates the system prompt plus message exceed the budget.
	ErrContextBudget = errors.New("message does not fit the context budget")

	// ErrSessionNotFound indicates an unknown session id.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionExpired indicates a session that passed its idle timeout.
	ErrSessionExpired = errors.New("session expired")

	// ErrEmbeddingUnavailable indicates the embedding service failed after retries.
	ErrEmbeddingUnavailable = errors.New("embedding service unavailable")

	// ErrIndexUnavailable indicates the vector index backend is unreachable.
	ErrIndexUnavailable = errors.New("vector index unavailable")

	// ErrKeywordUnavailable indicates the keyword index failed.
	ErrKeywordUnavailable = errors.New("keyword index unavailable")

	// ErrRerankUnavailable indicates the re-ranking service failed.
	ErrRerankUnavailable = errors.New("rerank service unavailable")

	// ErrLLMUnavailable indicates the generation service is unreachable.
	ErrLLMUnavailable = errors.New("generation service unavailable")

	// ErrGenerationFailed indicates generation failed or timed out.
	ErrGenerationFailed = errors.New("generation failed")

	// ErrDimensionMismatch indicates vectors of differing dimension.
	// This is a configuration error and is never retried.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrCorruptIndex indicates index state that cannot be trusted.
	ErrCorruptIndex = errors.New("index state corrupt")

	// ErrPartialUpsert indicates a backend that cannot replace a document
	// atomically wrote only part of it.
	ErrPartialUpsert = errors.New("partial upsert")

	// ErrRateLimited indicates the remote API rate limit was exceeded.
	ErrRateLimited = errors.New("rate limited")
)

// ErrorKind classifies errors for propagation policy.
type ErrorKind string

// Error kinds.
const (
	KindValidation            ErrorKind = "validation"
	KindDependencyUnavailable ErrorKind = "dependency_unavailable"
	KindPartialDegradation    ErrorKind = "partial_degradation"
	KindFatal                 ErrorKind = "fatal"
	KindGenerationFailed      ErrorKind = "generation_failed"
	KindInternal              ErrorKind = "internal"
)

// KindOf classifies err by the sentinel it wraps.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDimensionMismatch), errors.Is(err, ErrCorruptIndex):
		return KindFatal
	case errors.Is(err, ErrGenerationFailed):
		return KindGenerationFailed
	case errors.Is(err, ErrPartialUpsert):
		return KindPartialDegradation
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrEmptyMessage),
		errors.Is(err, ErrMessageTooLarge), errors.Is(err, ErrEmptyDocument),
		errors.Is(err, ErrConflictingModes), errors.Is(err, ErrContextBudget),
		errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrSessionExpired),
		errors.Is(err, ErrNotFound), errors.Is(err, ErrUnsupportedType):
		return KindValidation
	case errors.Is(err, ErrEmbeddingUnavailable), errors.Is(err, ErrIndexUnavailable),
		errors.Is(err, ErrKeywordUnavailable), errors.Is(err, ErrRerankUnavailable),
		errors.Is(err, ErrLLMUnavailable), errors.Is(err, ErrRateLimited):
		return KindDependencyUnavailable
	default:
		return KindInternal
	}
}

// Phase names a step of request handling.
type Phase string

// Phases.
const (
	PhaseValidate   Phase = "validate"
	PhaseSession    Phase = "session"
	PhaseRetrieval  Phase = "retrieval"
	PhaseRerank     Phase = "rerank"
	PhaseAssembly   Phase = "assembly"
	PhaseGeneration Phase = "generation"
	PhaseIngest     Phase = "ingest"
)

// PhaseError records which phase failed. It unwraps to the cause.
type PhaseError struct {
	Phase Phase
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s: %v", e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error {
	return e.Err
}

// InPhase wraps err with the phase. A nil err stays nil.
func InPhase(phase Phase, err error) error {
	if err == nil {
		return nil
	}
	var pe *PhaseError
	if errors.As(err, &pe) {
		return err
	}
	return &PhaseError{Phase: phase, Err: err}
}

// ErrorInfo is the caller-facing description of an error. Message never
// includes text from wrapped dependency errors.
type ErrorInfo struct {
	Code    string
	Message string
	Kind    ErrorKind
	Phase   Phase
}

// Describe maps err to a stable code and user-visible message.
func Describe(err error) ErrorInfo {
	info := ErrorInfo{Kind: KindOf(err)}
	var pe *PhaseError
	if errors.As(err, &pe) {
		info.Phase = pe.Phase
	}

	switch {
	case errors.Is(err, ErrConflictingModes):
		info.Code, info.Message = "INVALID_REQUEST", "Direct mode and RAG mode cannot be combined."
	case errors.Is(err, ErrEmptyMessage):
		info.Code, info.Message = "INVALID_REQUEST", "Message must not be empty."
	case errors.Is(err, ErrMessageTooLarge), errors.Is(err, ErrContextBudget):
		info.Code, info.Message = "INVALID_REQUEST", "Message is too large."
	case errors.Is(err, ErrEmptyDocument):
		info.Code, info.Message = "INGESTION_ERROR", "Document has no indexable text."
	case errors.Is(err, ErrSessionNotFound):
		info.Code, info.Message = "SESSION_NOT_FOUND", "Session does not exist."
	case errors.Is(err, ErrSessionExpired):
		info.Code, info.Message = "SESSION_EXPIRED", "Session has expired. Start a new chat."
	case errors.Is(err, ErrNotFound):
		info.Code, info.Message = "DOCUMENT_NOT_FOUND", "Document not found."
	case errors.Is(err, ErrEmbeddingUnavailable):
		info.Code, info.Message = "EMBEDDING_FAILED", "The embedding service is unavailable. Try again later."
	case errors.Is(err, ErrDimensionMismatch), errors.Is(err, ErrCorruptIndex):
		info.Code, info.Message = "CONFIGURATION_ERROR", "The search index is misconfigured."
	case errors.Is(err, ErrIndexUnavailable), errors.Is(err, ErrKeywordUnavailable), errors.Is(err, ErrPartialUpsert):
		info.Code, info.Message = "VECTOR_STORE_ERROR", "The search index is unavailable. Try again later."
	case errors.Is(err, ErrGenerationFailed), errors.Is(err, ErrLLMUnavailable):
		info.Code, info.Message = "LLM_ERROR", "The answer could not be generated. Try again later."
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrUnsupportedType):
		info.Code, info.Message = "INVALID_REQUEST", "The request is invalid."
	default:
		info.Code, info.Message = "INTERNAL_ERROR", "An internal error occurred."
	}
	return info
}
