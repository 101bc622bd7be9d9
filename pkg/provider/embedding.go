// Package provider defines the interfaces between the indexing engine and
// its external collaborators: the embedding service and the vector store.
package provider

import "context"

// EmbeddingProvider converts text into dense vectors via an external
// embedding model. Implementations prepend the task-specific prefix before
// sending: the passage prefix for EmbedPassages, the query prefix for
// EmbedQuery.
type EmbeddingProvider interface {
	// EmbedQuery embeds a single search query.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)

	// EmbedPassages embeds a batch of passages for indexing. The result
	// has one vector per input, in input order.
	EmbedPassages(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the configured embedding dimension.
	Dimensions() int

	// Available probes the embedding service.
	Available(ctx context.Context) error

	// Close releases any resources.
	Close() error
}
