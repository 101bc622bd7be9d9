// Package index orchestrates ingestion: chunking, embedding, vector
// upserts, symbol-edge linking, git metadata, and file watching.
package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/IBazylchuk/paparats-mcp-sub000/internal/chunk"
	"github.com/IBazylchuk/paparats-mcp-sub000/internal/config"
	"github.com/IBazylchuk/paparats-mcp-sub000/internal/enumerate"
	"github.com/IBazylchuk/paparats-mcp-sub000/internal/gitmeta"
	"github.com/IBazylchuk/paparats-mcp-sub000/internal/meta"
	"github.com/IBazylchuk/paparats-mcp-sub000/internal/vector"
	"github.com/IBazylchuk/paparats-mcp-sub000/pkg/provider"
	"github.com/IBazylchuk/paparats-mcp-sub000/pkg/types"
)

// Project is a registered filesystem root within a group.
type Project struct {
	Group  string
	Name   string
	Root   string
	Config *config.Config
}

func (p *Project) key() string { return p.Group + "/" + p.Name }

// cachedCounter is implemented by embedding providers that can report
// how many texts would be served from cache.
type cachedCounter interface {
	CachedCount(texts []string) int
}

// Indexer owns ingestion orchestration and the project registry.
type Indexer struct {
	embedder provider.EmbeddingProvider
	vectors  provider.VectorStore
	meta     *meta.Store
	logger   *slog.Logger
	onWrite  func(group string)

	mu        sync.Mutex
	projects  map[string]*Project
	fileLocks map[string]*sync.Mutex
	totals    types.IndexStats
}

// New builds an indexer over the given stores.
func New(embedder provider.EmbeddingProvider, vectors provider.VectorStore, metaStore *meta.Store, logger *slog.Logger) *Indexer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Indexer{
		embedder:  embedder,
		vectors:   vectors,
		meta:      metaStore,
		logger:    logger,
		projects:  make(map[string]*Project),
		fileLocks: make(map[string]*sync.Mutex),
	}
}

// OnWrite registers a hook invoked after every write to a group. The
// query engine uses it to invalidate its cache.
func (ix *Indexer) OnWrite(fn func(group string)) {
	ix.onWrite = fn
}

func (ix *Indexer) invalidate(group string) {
	if ix.onWrite != nil {
		ix.onWrite(group)
	}
}

// RegisterProject makes a (group, project) pair known to the indexer.
func (ix *Indexer) RegisterProject(p *Project) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.projects[p.key()] = p
}

// Project looks up a registered project, or nil.
func (ix *Indexer) Project(group, name string) *Project {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.projects[group+"/"+name]
}

// Projects snapshots the registry.
func (ix *Indexer) Projects() []*Project {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	out := make([]*Project, 0, len(ix.projects))
	for _, p := range ix.projects {
		out = append(out, p)
	}
	return out
}

// Groups lists the distinct groups with at least one registered project.
func (ix *Indexer) Groups() []string {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, p := range ix.projects {
		if !seen[p.Group] {
			seen[p.Group] = true
			out = append(out, p.Group)
		}
	}
	return out
}

// Totals returns cumulative counters across all runs.
func (ix *Indexer) Totals() types.IndexStats {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.totals
}

func (ix *Indexer) addTotals(s types.IndexStats) {
	ix.mu.Lock()
	ix.totals.Add(s)
	ix.mu.Unlock()
}

// fileLock serializes operations on one (group, project, file) key.
func (ix *Indexer) fileLock(group, project, file string) *sync.Mutex {
	key := group + "//" + project + "//" + file
	ix.mu.Lock()
	defer ix.mu.Unlock()
	l, ok := ix.fileLocks[key]
	if !ok {
		l = &sync.Mutex{}
		ix.fileLocks[key] = l
	}
	return l
}

// IndexProject runs a full build over a project tree. Per-file errors
// are counted and logged; a vector-store batch failure aborts the run.
func (ix *Indexer) IndexProject(ctx context.Context, p *Project) (types.IndexStats, error) {
	ix.RegisterProject(p)

	var stats types.IndexStats
	if err := ix.vectors.EnsureCollection(ctx, p.Group, ix.embedder.Dimensions()); err != nil {
		return stats, err
	}

	en := enumerate.New(p.Root, enumerate.Options{
		Includes:          p.Config.IncludePatterns(),
		Excludes:          p.Config.ExcludePatterns(),
		RespectIgnoreFile: p.Config.RespectIgnoreFile,
	}, ix.logger)
	files, err := en.Files()
	if err != nil {
		return stats, fmt.Errorf("enumerate %s: %w", p.Root, err)
	}

	var statsMu sync.Mutex
	byFile := make(map[string][]*types.Chunk)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.Config.Concurrency)
	for _, rel := range files {
		rel := rel
		g.Go(func() error {
			content, err := os.ReadFile(filepath.Join(p.Root, rel))
			if err != nil {
				ix.logger.Warn("failed to read file", slog.String("file", rel), slog.String("error", err.Error()))
				statsMu.Lock()
				stats.Errors++
				statsMu.Unlock()
				return nil
			}
			var fileStats types.IndexStats
			chunks, changed, err := ix.indexFileContent(gctx, p, rel, content, &fileStats)
			statsMu.Lock()
			stats.Add(fileStats)
			if changed {
				byFile[rel] = chunks
			}
			statsMu.Unlock()
			if err != nil {
				if isFatal(err) {
					return err
				}
				ix.logger.Warn("failed to index file", slog.String("file", rel), slog.String("error", err.Error()))
				statsMu.Lock()
				stats.Errors++
				statsMu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return stats, err
	}

	if len(byFile) > 0 {
		var changed []*types.Chunk
		for _, chunks := range byFile {
			changed = append(changed, chunks...)
		}
		if err := ix.writeSymbolEdges(ctx, p.Group, p.Name, changed); err != nil {
			ix.logger.Warn("failed to write symbol edges", slog.String("project", p.Name), slog.String("error", err.Error()))
		}
		ix.extractGitMetadata(ctx, p, byFile)
		ix.invalidate(p.Group)
	}

	ix.addTotals(stats)
	ix.logger.Info("indexed project",
		slog.String("group", p.Group),
		slog.String("project", p.Name),
		slog.Int("files", stats.Files),
		slog.Int("chunks", stats.Chunks),
		slog.Int("skipped", stats.Skipped),
		slog.Int("errors", stats.Errors))
	return stats, nil
}

// IndexFile reads one file from disk and re-indexes it.
func (ix *Indexer) IndexFile(ctx context.Context, group, project, relPath string) (types.IndexStats, error) {
	p := ix.Project(group, project)
	if p == nil {
		return types.IndexStats{}, fmt.Errorf("%w: project %s/%s is not registered", types.ErrInput, group, project)
	}
	content, err := os.ReadFile(filepath.Join(p.Root, relPath))
	if err != nil {
		return types.IndexStats{}, fmt.Errorf("read %s: %w", relPath, err)
	}
	return ix.IndexFileContent(ctx, group, project, relPath, content)
}

// IndexFileContent re-indexes one file from supplied content. Identical
// content is an idempotent no-op counted in skipped.
func (ix *Indexer) IndexFileContent(ctx context.Context, group, project, relPath string, content []byte) (types.IndexStats, error) {
	p := ix.Project(group, project)
	if p == nil {
		return types.IndexStats{}, fmt.Errorf("%w: project %s/%s is not registered", types.ErrInput, group, project)
	}

	var stats types.IndexStats
	chunks, changed, err := ix.indexFileContent(ctx, p, relPath, content, &stats)
	if err != nil {
		ix.addTotals(stats)
		return stats, err
	}
	if changed {
		if err := ix.writeSymbolEdges(ctx, group, project, chunks); err != nil {
			ix.logger.Warn("failed to write symbol edges", slog.String("file", relPath), slog.String("error", err.Error()))
		}
		ix.extractGitMetadata(ctx, p, map[string][]*types.Chunk{relPath: chunks})
		ix.invalidate(group)
	}
	ix.addTotals(stats)
	return stats, nil
}

// indexFileContent is the shared single-file path: guard, chunk,
// annotate, compare against stored hashes, delete-then-upsert under the
// per-file lock. Returns the new chunks and whether anything was written.
func (ix *Indexer) indexFileContent(ctx context.Context, p *Project, relPath string, content []byte, stats *types.IndexStats) ([]*types.Chunk, bool, error) {
	sniff := content
	if len(sniff) > 8192 {
		sniff = sniff[:8192]
	}
	if !enumerate.ContentIndexable(sniff) {
		return nil, false, nil
	}
	stats.Files++

	language := config.LanguageForFile(relPath, p.Config.Languages)
	chunker := chunk.New(p.Config.ChunkSize, p.Config.MaxChunkSize, ix.logger)
	chunks, err := chunker.ChunkFile(ctx, p.Group, p.Name, relPath, language, content)
	if err != nil {
		return nil, false, err
	}
	if err := chunker.AnnotateSymbols(ctx, relPath, language, content, chunks); err != nil {
		ix.logger.Warn("symbol extraction failed", slog.String("file", relPath), slog.String("error", err.Error()))
	}
	ix.applyMetadataDefaults(p, relPath, chunks)

	lock := ix.fileLock(p.Group, p.Name, relPath)
	lock.Lock()
	defer lock.Unlock()

	existing, err := ix.existingHashes(ctx, p.Group, p.Name, relPath)
	if err != nil {
		return nil, false, err
	}
	if multisetEqual(existing, chunkHashes(chunks)) {
		stats.Skipped++
		return chunks, false, nil
	}

	fileFilter := &provider.Filter{Must: []provider.Condition{
		{Field: "project", Equals: p.Name},
		{Field: "file", Equals: relPath},
	}}
	if err := ix.vectors.DeleteByFilter(ctx, p.Group, fileFilter); err != nil {
		return nil, false, err
	}
	if err := ix.meta.DeleteByFile(p.Group, p.Name, relPath); err != nil {
		return nil, false, err
	}

	if len(chunks) == 0 {
		return nil, true, nil
	}
	if err := ix.upsertChunks(ctx, p, chunks, stats); err != nil {
		return nil, false, err
	}
	stats.Chunks += len(chunks)
	return chunks, true, nil
}

// upsertChunks embeds chunk contents and writes points in batches.
func (ix *Indexer) upsertChunks(ctx context.Context, p *Project, chunks []*types.Chunk, stats *types.IndexStats) error {
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	if counter, ok := ix.embedder.(cachedCounter); ok {
		stats.Cached += counter.CachedCount(texts)
	}
	vectors, err := ix.embedder.EmbedPassages(ctx, texts)
	if err != nil {
		return err
	}

	points := make([]provider.Point, len(chunks))
	for i, c := range chunks {
		points[i] = provider.Point{
			ID:      vector.PointID(c.ID()),
			Vector:  vectors[i],
			Payload: vector.ChunkPayload(c),
		}
	}
	batch := p.Config.BatchSize
	for start := 0; start < len(points); start += batch {
		end := start + batch
		if end > len(points) {
			end = len(points)
		}
		if err := ix.vectors.Upsert(ctx, p.Group, points[start:end]); err != nil {
			return fmt.Errorf("%w: upsert batch [%d:%d]: %v", types.ErrIndex, start, end, err)
		}
	}
	return nil
}

func (ix *Indexer) applyMetadataDefaults(p *Project, relPath string, chunks []*types.Chunk) {
	tags := p.Config.TagsForFile(relPath)
	for _, c := range chunks {
		c.Service = p.Config.Metadata.Service
		c.BoundedContext = p.Config.Metadata.BoundedContext
		if len(tags) > 0 {
			c.Tags = append(append([]string(nil), c.Tags...), tags...)
		}
	}
}

// existingHashes reads the chunk-hash multiset currently stored for a
// file.
func (ix *Indexer) existingHashes(ctx context.Context, group, project, relPath string) (map[string]int, error) {
	payloads, err := ix.vectors.ScrollByFilter(ctx, group, &provider.Filter{Must: []provider.Condition{
		{Field: "project", Equals: project},
		{Field: "file", Equals: relPath},
	}})
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(payloads))
	for _, payload := range payloads {
		if h, ok := payload["hash"].(string); ok {
			out[h]++
		}
	}
	return out, nil
}

func chunkHashes(chunks []*types.Chunk) map[string]int {
	out := make(map[string]int, len(chunks))
	for _, c := range chunks {
		out[c.Hash]++
	}
	return out
}

func multisetEqual(a, b map[string]int) bool {
	if len(a) != len(b) {
		return false
	}
	for k, n := range a {
		if b[k] != n {
			return false
		}
	}
	return true
}

// writeSymbolEdges links chunks by name: for every used symbol, an edge
// to each chunk in the project that defines it. Pure name matching.
func (ix *Indexer) writeSymbolEdges(ctx context.Context, group, project string, chunks []*types.Chunk) error {
	defs, err := ix.symbolDefinitions(ctx, group, project)
	if err != nil {
		return err
	}
	for _, c := range chunks {
		id := c.ID()
		var edges []types.SymbolEdge
		for _, s := range c.UsesSymbols {
			for _, target := range defs[s] {
				if target == id {
					continue
				}
				edges = append(edges, types.SymbolEdge{
					FromChunkID: id,
					ToChunkID:   target,
					Relation:    types.RelationCalls,
					SymbolName:  s,
				})
			}
		}
		if err := ix.meta.UpsertEdges(id, edges); err != nil {
			return err
		}
	}
	return nil
}

// symbolDefinitions scans the project's stored payloads and maps each
// defined symbol name to its defining chunk ids.
func (ix *Indexer) symbolDefinitions(ctx context.Context, group, project string) (map[string][]string, error) {
	payloads, err := ix.vectors.ScrollByFilter(ctx, group, &provider.Filter{Must: []provider.Condition{
		{Field: "project", Equals: project},
	}})
	if err != nil {
		return nil, err
	}
	defs := make(map[string][]string)
	for _, payload := range payloads {
		id, _ := payload["chunk_id"].(string)
		if id == "" {
			continue
		}
		for _, name := range stringList(payload["defines_symbols"]) {
			defs[name] = append(defs[name], id)
		}
	}
	return defs, nil
}

// stringList tolerates both []string and the []any the vector store
// hands back after payload round-trips.
func stringList(v any) []string {
	switch vals := v.(type) {
	case []string:
		return vals
	case []any:
		out := make([]string, 0, len(vals))
		for _, item := range vals {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// extractGitMetadata attributes commit history to chunks. Failures are
// warnings; the index itself is already written.
func (ix *Indexer) extractGitMetadata(ctx context.Context, p *Project, byFile map[string][]*types.Chunk) {
	git := p.Config.Metadata.Git
	if !git.Enabled || !gitmeta.IsRepo(p.Root) {
		return
	}
	extractor, err := gitmeta.New(p.Root, git.MaxCommitsPerFile, git.TicketPatterns, ix.meta, ix.vectors, ix.logger)
	if err != nil {
		ix.logger.Warn("git metadata disabled", slog.String("error", err.Error()))
		return
	}
	for rel, chunks := range byFile {
		if err := extractor.ExtractFile(ctx, chunks); err != nil {
			ix.logger.Warn("git metadata extraction failed",
				slog.String("file", rel),
				slog.String("error", err.Error()))
		}
	}
}

// DeleteFile removes a file's vector points and cascades its metadata.
func (ix *Indexer) DeleteFile(ctx context.Context, group, project, relPath string) error {
	lock := ix.fileLock(group, project, relPath)
	lock.Lock()
	defer lock.Unlock()

	err := ix.vectors.DeleteByFilter(ctx, group, &provider.Filter{Must: []provider.Condition{
		{Field: "project", Equals: project},
		{Field: "file", Equals: relPath},
	}})
	if err != nil {
		return err
	}
	if err := ix.meta.DeleteByFile(group, project, relPath); err != nil {
		return err
	}
	ix.invalidate(group)
	return nil
}

// DeleteProject removes every point and metadata row for a project. The
// registration survives so the project can be re-indexed.
func (ix *Indexer) DeleteProject(ctx context.Context, group, project string) error {
	err := ix.vectors.DeleteByFilter(ctx, group, &provider.Filter{Must: []provider.Condition{
		{Field: "project", Equals: project},
	}})
	if err != nil {
		return err
	}
	if err := ix.meta.DeleteByProject(group, project); err != nil {
		return err
	}
	ix.invalidate(group)
	return nil
}

// ReindexGroup rebuilds every registered project in a group.
func (ix *Indexer) ReindexGroup(ctx context.Context, group string) (types.IndexStats, error) {
	var projects []*Project
	for _, p := range ix.Projects() {
		if p.Group == group {
			projects = append(projects, p)
		}
	}
	if len(projects) == 0 {
		return types.IndexStats{}, fmt.Errorf("%w: no projects registered in group %s", types.ErrNotFound, group)
	}

	var statsMu sync.Mutex
	var stats types.IndexStats
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range projects {
		p := p
		g.Go(func() error {
			s, err := ix.IndexProject(gctx, p)
			statsMu.Lock()
			stats.Add(s)
			statsMu.Unlock()
			return err
		})
	}
	err := g.Wait()
	return stats, err
}

// isFatal reports whether a per-file error must abort the whole run.
func isFatal(err error) bool {
	return errors.Is(err, types.ErrIndex) || errors.Is(err, types.ErrCanceled)
}
