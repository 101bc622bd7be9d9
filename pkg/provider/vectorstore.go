package provider

import "context"

// Point is one vector with its payload, addressed by a stable point id
// derived from the chunk id.
type Point struct {
	ID      string
	Vector  []float32
	Payload map[string]any
}

// ScoredPayload is a search hit: similarity score plus the stored payload.
type ScoredPayload struct {
	Score   float32
	Payload map[string]any
}

// Condition matches a payload field against one value or any of several.
type Condition struct {
	Field  string
	Equals string
	AnyOf  []string
}

// Filter is an AND of conditions.
type Filter struct {
	Must []Condition
}

// VectorStore abstracts the external vector database. One collection
// exists per group; Search on a collection that does not exist yet returns
// an empty result, never an error.
type VectorStore interface {
	// EnsureCollection idempotently creates the group's collection with
	// cosine distance and keyword payload indices on project and file.
	EnsureCollection(ctx context.Context, group string, dim int) error

	Upsert(ctx context.Context, group string, points []Point) error

	Search(ctx context.Context, group string, vector []float32, limit int, filter *Filter) ([]ScoredPayload, error)

	DeleteByFilter(ctx context.Context, group string, filter *Filter) error

	// ScrollByFilter iterates all payloads matching the filter.
	ScrollByFilter(ctx context.Context, group string, filter *Filter) ([]map[string]any, error)

	// SetPayload patches payload fields on one point.
	SetPayload(ctx context.Context, group, pointID string, patch map[string]any) error

	DeleteCollection(ctx context.Context, group string) error

	ListCollections(ctx context.Context) ([]string, error)

	Close() error
}
