package types

import (
	"errors"
	"fmt"
)

// Sentinel errors forming the error taxonomy. Callers classify wrapped
// errors with errors.Is; the HTTP layer maps each kind to a status code.
var (
	// ErrConfig is returned for invalid or missing configuration.
	ErrConfig = errors.New("invalid configuration")

	// ErrInput is returned for malformed requests (missing fields, wrong types).
	ErrInput = errors.New("invalid input")

	// ErrNotFound is returned when a project, chunk, or group is unknown
	// where one was expected.
	ErrNotFound = errors.New("not found")

	// ErrUpstream is returned when the embedding service or vector store
	// failed after retries.
	ErrUpstream = errors.New("upstream failure")

	// ErrTimeout is returned when a deadline is exceeded.
	ErrTimeout = errors.New("operation timed out")

	// ErrIndex is returned when an indexing run fails irrecoverably.
	ErrIndex = errors.New("indexing failed")

	// ErrCanceled is returned on client or shutdown cancellation.
	ErrCanceled = errors.New("operation canceled")

	// ErrInternal signals a programmer-logic invariant violation.
	ErrInternal = errors.New("internal error")
)

// EmbeddingShapeError reports a vector whose dimension does not match the
// configured embedding dimension. It classifies as ErrUpstream.
type EmbeddingShapeError struct {
	Got  int
	Want int
}

func (e *EmbeddingShapeError) Error() string {
	return fmt.Sprintf("embedding dimension mismatch: got %d, want %d", e.Got, e.Want)
}

func (e *EmbeddingShapeError) Unwrap() error { return ErrUpstream }

// ErrorCode returns the short machine-readable string shipped in API
// responses for err, based on its taxonomy kind.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrConfig):
		return "config_error"
	case errors.Is(err, ErrInput):
		return "invalid_input"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrUpstream):
		return "upstream_error"
	case errors.Is(err, ErrIndex):
		return "index_error"
	case errors.Is(err, ErrCanceled):
		return "canceled"
	default:
		return "internal_error"
	}
}
