package domain

import "errors"

// Domain errors - used across all layers
var (
	// ErrNotFound indicates the requested resource was not found
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates the resource already exists
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidInput indicates the input is invalid
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidTransition indicates a chunk plan status change that the
	// lifecycle table does not permit
	ErrInvalidTransition = errors.New("invalid plan transition")

	// ErrEmptyTree indicates the paper has no components to bundle
	ErrEmptyTree = errors.New("component tree is empty")

	// ErrSchemaMismatch indicates an existing vector collection whose
	// dimension or distance metric differs from the profile
	ErrSchemaMismatch = errors.New("vector index schema mismatch")

	// ErrVectorStore indicates a transient vector store failure (retryable)
	ErrVectorStore = errors.New("vector store unavailable")

	// ErrEmbedding indicates an embedding batch failure (retryable)
	ErrEmbedding = errors.New("embedding failed")

	// ErrLLMClient indicates a malformed response, transport failure or
	// timeout from the LLM; callers fall back to heuristics
	ErrLLMClient = errors.New("llm client error")

	// ErrSafeguardRejected indicates the query was rejected by the
	// safeguard gate; a designed outcome, not a failure
	ErrSafeguardRejected = errors.New("query rejected by safeguard")

	// ErrClarifyTimeout indicates no clarification arrived in time
	ErrClarifyTimeout = errors.New("clarification timed out")

	// ErrQuotaExceeded indicates the concurrency quota refused the run
	ErrQuotaExceeded = errors.New("concurrent search limit reached")

	// ErrRunCancelled indicates the retrieval run was cancelled externally
	ErrRunCancelled = errors.New("retrieval run cancelled")
)
