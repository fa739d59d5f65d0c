package memory

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for the store core. Providers and the coordinator wrap
// these with context; callers classify with errors.Is.
var (
	// ErrNotFound is returned when a memory does not exist
	ErrNotFound = errors.New("memory not found")

	// ErrUnavailable is returned when a provider cannot service the call
	ErrUnavailable = errors.New("provider unavailable")

	// ErrInvalidDimension is returned when an embedding length does not
	// match the store's declared dimension
	ErrInvalidDimension = errors.New("embedding dimension mismatch")

	// ErrInvalidEmbedding is returned when an embedding contains NaN or Inf
	ErrInvalidEmbedding = errors.New("invalid embedding")

	// ErrEmbeddingFailed is returned when the full model chain failed
	ErrEmbeddingFailed = errors.New("embedding generation failed")

	// ErrOutOfRange is returned when an importance score is outside [0,1]
	ErrOutOfRange = errors.New("importance score out of range")

	// ErrEmptyContent is returned when content is empty after normalization
	ErrEmptyContent = errors.New("content is empty")

	// ErrContentTooLarge is returned when content exceeds the size bound
	ErrContentTooLarge = errors.New("content exceeds maximum size")

	// ErrInvalidInput is returned on request validation failures
	ErrInvalidInput = errors.New("invalid input")

	// ErrConflict is returned on unique constraint violations
	ErrConflict = errors.New("conflict with existing memory")

	// ErrShutdown is returned when the store has been closed
	ErrShutdown = errors.New("store is shut down")
)

// ErrorKind buckets errors into the user-visible taxonomy.
type ErrorKind string

// Error kinds.
const (
	KindInvalidInput     ErrorKind = "invalid_input"
	KindEmbeddingFailed  ErrorKind = "embedding_failed"
	KindUnavailable      ErrorKind = "unavailable"
	KindNotFound         ErrorKind = "not_found"
	KindOutOfRange       ErrorKind = "out_of_range"
	KindConflict         ErrorKind = "conflict"
	KindDeadlineExceeded ErrorKind = "deadline_exceeded"
	KindInternal         ErrorKind = "internal"
)

// StoreError attaches the operation and provider to an underlying error.
type StoreError struct {
	Kind     ErrorKind
	Op       string
	Provider string
	Err      error
}

// Error implements the error interface
func (e *StoreError) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("%s: provider %s: %v", e.Op, e.Provider, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error
func (e *StoreError) Unwrap() error { return e.Err }

// NewStoreError wraps err with operation context.
func NewStoreError(kind ErrorKind, op, provider string, err error) *StoreError {
	return &StoreError{Kind: kind, Op: op, Provider: provider, Err: err}
}

// Classify maps an arbitrary error onto the taxonomy. Unrecognized errors
// are reported as internal.
func Classify(err error) ErrorKind {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Kind
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrUnavailable), errors.Is(err, ErrShutdown):
		return KindUnavailable
	case errors.Is(err, ErrOutOfRange):
		return KindOutOfRange
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrEmbeddingFailed):
		return KindEmbeddingFailed
	case errors.Is(err, ErrInvalidDimension),
		errors.Is(err, ErrInvalidEmbedding),
		errors.Is(err, ErrEmptyContent),
		errors.Is(err, ErrContentTooLarge),
		errors.Is(err, ErrInvalidInput):
		return KindInvalidInput
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return KindDeadlineExceeded
	default:
		return KindInternal
	}
}
