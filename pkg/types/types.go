// Package types contains shared data types used across the paparats-mcp project.
package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// ChunkKind classifies what a chunk primarily contains.
type ChunkKind string

const (
	KindFunction  ChunkKind = "function"
	KindClass     ChunkKind = "class"
	KindInterface ChunkKind = "interface"
	KindType      ChunkKind = "type"
	KindEnum      ChunkKind = "enum"
	KindConstant  ChunkKind = "constant"
	KindVariable  ChunkKind = "variable"
	KindMethod    ChunkKind = "method"
	KindRoute     ChunkKind = "route"
	KindModule    ChunkKind = "module"
	KindResource  ChunkKind = "resource"
)

// Chunk is the fundamental unit of indexing and search: a contiguous slice
// of a source file with its symbol and git metadata.
type Chunk struct {
	Group     string `json:"group"`    // Logical tenant, names the vector collection
	Project   string `json:"project"`  // Repository within the group
	File      string `json:"file"`     // Relative path, forward slashes
	Language  string `json:"language"` // Language id (go, typescript, ...)
	StartLine int    `json:"startLine"` // 1-indexed, inclusive
	EndLine   int    `json:"endLine"`   // 1-indexed, inclusive
	Content   string `json:"content"`   // Exact chunk text
	Hash      string `json:"hash"`      // First 16 hex chars of SHA-256 over Content

	SymbolName     string    `json:"symbol_name,omitempty"`
	Kind           ChunkKind `json:"kind,omitempty"`
	Service        string    `json:"service,omitempty"`
	BoundedContext string    `json:"bounded_context,omitempty"`
	Tags           []string  `json:"tags,omitempty"`

	DefinesSymbols []string `json:"defines_symbols,omitempty"`
	UsesSymbols    []string `json:"uses_symbols,omitempty"`

	LastCommitHash  string   `json:"last_commit_hash,omitempty"`
	LastCommitAt    string   `json:"last_commit_at,omitempty"` // ISO-8601 UTC
	LastAuthorEmail string   `json:"last_author_email,omitempty"`
	TicketKeys      []string `json:"ticket_keys,omitempty"`
}

// HashContent returns the canonical content hash: the first 16 hex
// characters of SHA-256 over the exact text.
func HashContent(content string) string {
	h := sha256.Sum256([]byte(content))
	return hex.EncodeToString(h[:])[:16]
}

// ID returns the globally unique chunk identifier
// group//project//file//startLine-endLine//hash.
func (c *Chunk) ID() string {
	return fmt.Sprintf("%s//%s//%s//%d-%d//%s",
		c.Group, c.Project, c.File, c.StartLine, c.EndLine, c.Hash)
}

// EmbeddedChunk is a Chunk paired with its vector.
type EmbeddedChunk struct {
	Chunk  *Chunk
	Vector []float32
}

// CommitRecord is one commit attributed to a chunk. Ordering by
// CommittedAt descending is stable.
type CommitRecord struct {
	ChunkID        string    `json:"chunk_id"`
	CommitHash     string    `json:"commit_hash"`
	CommittedAt    time.Time `json:"committed_at"`
	AuthorEmail    string    `json:"author_email"`
	MessageSummary string    `json:"message_summary"`
}

// TicketSource identifies which pattern family produced a ticket key.
type TicketSource string

const (
	TicketSourceJira   TicketSource = "jira"
	TicketSourceGitHub TicketSource = "github"
	TicketSourceCustom TicketSource = "custom"
)

// TicketRecord links a chunk to an issue-tracker key found in its commits.
type TicketRecord struct {
	ChunkID   string       `json:"chunk_id"`
	TicketKey string       `json:"ticket_key"`
	Source    TicketSource `json:"source"`
}

// EdgeRelation is the kind of a symbol edge.
type EdgeRelation string

const (
	RelationCalls      EdgeRelation = "calls"
	RelationReferences EdgeRelation = "references"
)

// SymbolEdge is a directed name-based relation between two chunks.
// Self-edges are never stored.
type SymbolEdge struct {
	FromChunkID string       `json:"from_chunk_id"`
	ToChunkID   string       `json:"to_chunk_id"`
	Relation    EdgeRelation `json:"relation"`
	SymbolName  string       `json:"symbol_name"`
}

// SearchResult is a single scored hit returned by the query engine.
type SearchResult struct {
	Score float32 `json:"score"`
	Chunk *Chunk  `json:"chunk"`
}

// SearchMetrics estimates how many tokens the caller saved by receiving
// chunks instead of whole files.
type SearchMetrics struct {
	TokensReturned  int `json:"tokens_returned"`
	EstimatedTokens int `json:"estimated_full_file_tokens"`
	TokensSaved     int `json:"tokens_saved"`
	SavingsPercent  int `json:"savings_percent"`
}

// IndexStats counts the outcome of one indexing run.
type IndexStats struct {
	Files   int `json:"files"`
	Chunks  int `json:"chunks"`
	Cached  int `json:"cached"`
	Errors  int `json:"errors"`
	Skipped int `json:"skipped"`
}

// Add accumulates another run's counters.
func (s *IndexStats) Add(o IndexStats) {
	s.Files += o.Files
	s.Chunks += o.Chunks
	s.Cached += o.Cached
	s.Errors += o.Errors
	s.Skipped += o.Skipped
}

// WatcherStats is a snapshot of a project watcher's state.
type WatcherStats struct {
	EventsProcessed int      `json:"events_processed"`
	EventsInQueue   int      `json:"events_in_queue"`
	ErrorCount      int      `json:"error_count"`
	InFlightCount   int      `json:"in_flight_count"`
	FailedFiles     []string `json:"failed_files"`
}
