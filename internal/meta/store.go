// Package meta is the durable metadata store: per-chunk commits, tickets,
// and symbol edges, keyed on chunk_id.
package meta

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/IBazylchuk/paparats-mcp-sub000/pkg/types"
)

// Store wraps a single sqlite file. Writes are serialized through one
// mutex; reads may run concurrently.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens or creates the metadata database at path.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open metadata store: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS commits (
		chunk_id        TEXT NOT NULL,
		commit_hash     TEXT NOT NULL,
		committed_at    INTEGER NOT NULL,
		author_email    TEXT NOT NULL,
		message_summary TEXT NOT NULL,
		PRIMARY KEY (chunk_id, commit_hash)
	);
	CREATE INDEX IF NOT EXISTS idx_commits_chunk ON commits(chunk_id, committed_at DESC);

	CREATE TABLE IF NOT EXISTS tickets (
		chunk_id   TEXT NOT NULL,
		ticket_key TEXT NOT NULL,
		source     TEXT NOT NULL,
		PRIMARY KEY (chunk_id, ticket_key)
	);

	CREATE TABLE IF NOT EXISTS symbol_edges (
		from_chunk_id TEXT NOT NULL,
		to_chunk_id   TEXT NOT NULL,
		relation      TEXT NOT NULL,
		symbol_name   TEXT NOT NULL,
		PRIMARY KEY (from_chunk_id, to_chunk_id, relation, symbol_name)
	);
	CREATE INDEX IF NOT EXISTS idx_edges_to ON symbol_edges(to_chunk_id);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create metadata schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// UpsertCommits replaces the commit set for a chunk atomically.
func (s *Store) UpsertCommits(chunkID string, commits []types.CommitRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM commits WHERE chunk_id = ?`, chunkID); err != nil {
		return err
	}
	for _, c := range commits {
		_, err := tx.Exec(
			`INSERT OR REPLACE INTO commits (chunk_id, commit_hash, committed_at, author_email, message_summary)
			 VALUES (?, ?, ?, ?, ?)`,
			chunkID, c.CommitHash, c.CommittedAt.UTC().Unix(), c.AuthorEmail, c.MessageSummary,
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetCommits returns a chunk's commits ordered by committed_at descending.
// limit <= 0 means no limit.
func (s *Store) GetCommits(chunkID string, limit int) ([]types.CommitRecord, error) {
	q := `SELECT commit_hash, committed_at, author_email, message_summary
	      FROM commits WHERE chunk_id = ? ORDER BY committed_at DESC, commit_hash`
	args := []any{chunkID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.CommitRecord
	for rows.Next() {
		var r types.CommitRecord
		var at int64
		if err := rows.Scan(&r.CommitHash, &at, &r.AuthorEmail, &r.MessageSummary); err != nil {
			return nil, err
		}
		r.ChunkID = chunkID
		r.CommittedAt = time.Unix(at, 0).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetLatestCommit returns the most recent commit for a chunk, or
// ErrNotFound.
func (s *Store) GetLatestCommit(chunkID string) (*types.CommitRecord, error) {
	commits, err := s.GetCommits(chunkID, 1)
	if err != nil {
		return nil, err
	}
	if len(commits) == 0 {
		return nil, fmt.Errorf("%w: no commits for chunk %s", types.ErrNotFound, chunkID)
	}
	return &commits[0], nil
}

// UpsertTickets replaces the ticket set for a chunk atomically.
func (s *Store) UpsertTickets(chunkID string, tickets []types.TicketRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM tickets WHERE chunk_id = ?`, chunkID); err != nil {
		return err
	}
	for _, t := range tickets {
		_, err := tx.Exec(
			`INSERT OR REPLACE INTO tickets (chunk_id, ticket_key, source) VALUES (?, ?, ?)`,
			chunkID, t.TicketKey, string(t.Source),
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetTickets returns a chunk's tickets.
func (s *Store) GetTickets(chunkID string) ([]types.TicketRecord, error) {
	rows, err := s.db.Query(
		`SELECT ticket_key, source FROM tickets WHERE chunk_id = ? ORDER BY ticket_key`, chunkID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.TicketRecord
	for rows.Next() {
		var t types.TicketRecord
		var source string
		if err := rows.Scan(&t.TicketKey, &source); err != nil {
			return nil, err
		}
		t.ChunkID = chunkID
		t.Source = types.TicketSource(source)
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpsertEdges replaces the outgoing edge set for a chunk atomically.
// Self-edges are dropped.
func (s *Store) UpsertEdges(fromChunkID string, edges []types.SymbolEdge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM symbol_edges WHERE from_chunk_id = ?`, fromChunkID); err != nil {
		return err
	}
	for _, e := range edges {
		if e.ToChunkID == fromChunkID {
			continue
		}
		_, err := tx.Exec(
			`INSERT OR REPLACE INTO symbol_edges (from_chunk_id, to_chunk_id, relation, symbol_name)
			 VALUES (?, ?, ?, ?)`,
			fromChunkID, e.ToChunkID, string(e.Relation), e.SymbolName,
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetEdgesFrom returns the edges leaving a chunk.
func (s *Store) GetEdgesFrom(chunkID string) ([]types.SymbolEdge, error) {
	return s.queryEdges(
		`SELECT from_chunk_id, to_chunk_id, relation, symbol_name
		 FROM symbol_edges WHERE from_chunk_id = ? ORDER BY to_chunk_id, symbol_name`, chunkID)
}

// GetEdgesTo returns the edges pointing at a chunk.
func (s *Store) GetEdgesTo(chunkID string) ([]types.SymbolEdge, error) {
	return s.queryEdges(
		`SELECT from_chunk_id, to_chunk_id, relation, symbol_name
		 FROM symbol_edges WHERE to_chunk_id = ? ORDER BY from_chunk_id, symbol_name`, chunkID)
}

func (s *Store) queryEdges(query, arg string) ([]types.SymbolEdge, error) {
	rows, err := s.db.Query(query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.SymbolEdge
	for rows.Next() {
		var e types.SymbolEdge
		var relation string
		if err := rows.Scan(&e.FromChunkID, &e.ToChunkID, &relation, &e.SymbolName); err != nil {
			return nil, err
		}
		e.Relation = types.EdgeRelation(relation)
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteChunk removes all metadata referencing a chunk: commits, tickets,
// and edges in both directions.
func (s *Store) DeleteChunk(chunkID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteWhere(`= ?`, chunkID)
}

// DeleteByProject removes metadata for every chunk of a project.
func (s *Store) DeleteByProject(group, project string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := escapeLike(group+"//"+project+"//") + "%"
	return s.deleteWhere(`LIKE ? ESCAPE '\'`, prefix)
}

// DeleteByFile removes metadata for every chunk of one file. LIKE
// wildcards in the path are escaped.
func (s *Store) DeleteByFile(group, project, file string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := escapeLike(group+"//"+project+"//"+file+"//") + "%"
	return s.deleteWhere(`LIKE ? ESCAPE '\'`, prefix)
}

// deleteWhere cascades one chunk_id predicate over all three tables.
func (s *Store) deleteWhere(predicate string, arg any) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	statements := []string{
		`DELETE FROM commits WHERE chunk_id ` + predicate,
		`DELETE FROM tickets WHERE chunk_id ` + predicate,
		`DELETE FROM symbol_edges WHERE from_chunk_id ` + predicate,
		`DELETE FROM symbol_edges WHERE to_chunk_id ` + predicate,
	}
	for _, stmt := range statements {
		if _, err := tx.Exec(stmt, arg); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// escapeLike escapes %, _ and the escape character itself for LIKE.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
