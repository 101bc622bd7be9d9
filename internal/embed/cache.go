// Package embed talks to the external embedding service and caches its
// output by content hash.
package embed

import (
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// Cache is a durable (content_hash, model_id) -> vector store backed by a
// single sqlite file. Writes are serialized; reads may run concurrently.
// When the entry count exceeds maxSize, the oldest entries by insertion
// order are evicted.
type Cache struct {
	db      *sql.DB
	maxSize int

	mu     sync.Mutex // serializes writes and the hit counters
	hits   int
	misses int
}

// OpenCache opens or creates the cache database at path.
func OpenCache(path string, maxSize int) (*Cache, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open embedding cache: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS embeddings (
		content_hash TEXT NOT NULL,
		model_id     TEXT NOT NULL,
		vector       BLOB NOT NULL,
		PRIMARY KEY (content_hash, model_id)
	);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create embedding cache schema: %w", err)
	}

	if maxSize <= 0 {
		maxSize = 100000
	}
	return &Cache{db: db, maxSize: maxSize}, nil
}

// Get returns the cached vector for (contentHash, modelID), or ok=false.
func (c *Cache) Get(contentHash, modelID string) ([]float32, bool) {
	var blob []byte
	err := c.db.QueryRow(
		`SELECT vector FROM embeddings WHERE content_hash = ? AND model_id = ?`,
		contentHash, modelID,
	).Scan(&blob)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.misses++
		return nil, false
	}
	c.hits++
	return decodeVector(blob), true
}

// Contains reports whether an entry exists without touching the hit
// counters.
func (c *Cache) Contains(contentHash, modelID string) bool {
	var one int
	err := c.db.QueryRow(
		`SELECT 1 FROM embeddings WHERE content_hash = ? AND model_id = ?`,
		contentHash, modelID,
	).Scan(&one)
	return err == nil
}

// Set stores a vector, evicting oldest entries when over the size limit.
func (c *Cache) Set(contentHash, modelID string, vector []float32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.db.Exec(
		`INSERT OR REPLACE INTO embeddings (content_hash, model_id, vector) VALUES (?, ?, ?)`,
		contentHash, modelID, encodeVector(vector),
	)
	if err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return c.evictLocked()
}

// evictLocked deletes oldest rows by insertion order until the count is
// within the limit.
func (c *Cache) evictLocked() error {
	var count int
	if err := c.db.QueryRow(`SELECT COUNT(*) FROM embeddings`).Scan(&count); err != nil {
		return err
	}
	if count <= c.maxSize {
		return nil
	}
	_, err := c.db.Exec(`
		DELETE FROM embeddings WHERE rowid IN (
			SELECT rowid FROM embeddings ORDER BY rowid ASC LIMIT ?
		)`, count-c.maxSize)
	return err
}

// Stats returns the in-memory hit and miss counters and the entry count.
func (c *Cache) Stats() (hits, misses, size int) {
	c.mu.Lock()
	hits, misses = c.hits, c.misses
	c.mu.Unlock()
	_ = c.db.QueryRow(`SELECT COUNT(*) FROM embeddings`).Scan(&size)
	return hits, misses, size
}

// Close closes the underlying database.
func (c *Cache) Close() error {
	return c.db.Close()
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}
