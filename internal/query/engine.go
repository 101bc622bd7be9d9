// Package query implements semantic search over indexed chunks: prefix
// injection, query expansion, fan-out merging, caching, and token
// accounting.
package query

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/IBazylchuk/paparats-mcp-sub000/internal/vector"
	"github.com/IBazylchuk/paparats-mcp-sub000/pkg/provider"
	"github.com/IBazylchuk/paparats-mcp-sub000/pkg/types"
)

const (
	defaultLimit  = 5
	maxLimit      = 100
	cacheCapacity = 512
)

// Options scope a search.
type Options struct {
	Project string
	Limit   int
}

// Response is a complete search answer.
type Response struct {
	Results []types.SearchResult `json:"results"`
	Total   int                  `json:"total"`
	Metrics types.SearchMetrics  `json:"metrics"`
}

// Engine runs searches against one vector store.
type Engine struct {
	embedder provider.EmbeddingProvider
	vectors  provider.VectorStore
	logger   *slog.Logger
	allowed  []string // project allow-list; empty means unrestricted

	cache *lru.Cache[string, *Response]

	mu        sync.Mutex
	groupKeys map[string]map[string]bool
	keyGroup  map[string]string
}

// New builds a query engine. allowedProjects restricts visible projects
// when non-empty.
func New(embedder provider.EmbeddingProvider, vectors provider.VectorStore, allowedProjects []string, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		embedder:  embedder,
		vectors:   vectors,
		logger:    logger,
		allowed:   allowedProjects,
		groupKeys: make(map[string]map[string]bool),
		keyGroup:  make(map[string]string),
	}
	cache, err := lru.NewWithEvict[string, *Response](cacheCapacity, e.dropKey)
	if err != nil {
		return nil, err
	}
	e.cache = cache
	return e, nil
}

// dropKey prunes the reverse index when the LRU evicts an entry. Every
// cache mutation happens under e.mu, so no extra locking here.
func (e *Engine) dropKey(key string, _ *Response) {
	group, ok := e.keyGroup[key]
	if !ok {
		return
	}
	delete(e.keyGroup, key)
	delete(e.groupKeys[group], key)
	if len(e.groupKeys[group]) == 0 {
		delete(e.groupKeys, group)
	}
}

// InvalidateGroup drops every cached result for a group. The indexer
// calls this on any write.
func (e *Engine) InvalidateGroup(group string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	keys := make([]string, 0, len(e.groupKeys[group]))
	for key := range e.groupKeys[group] {
		keys = append(keys, key)
	}
	for _, key := range keys {
		e.cache.Remove(key)
	}
	delete(e.groupKeys, group)
}

func (e *Engine) cachePut(group, key string, resp *Response) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.groupKeys[group] == nil {
		e.groupKeys[group] = make(map[string]bool)
	}
	e.groupKeys[group][key] = true
	e.keyGroup[key] = group
	e.cache.Add(key, resp)
}

func clampLimit(limit int) int {
	if limit == 0 {
		return defaultLimit
	}
	if limit < 1 {
		return 1
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}

// projectFilter resolves the allow-list against an explicit project.
// The second return is false when the project is denied outright.
func (e *Engine) projectFilter(project string) (*provider.Condition, bool) {
	if len(e.allowed) == 0 {
		if project == "" || project == "all" {
			return nil, true
		}
		return &provider.Condition{Field: "project", Equals: project}, true
	}
	if project == "" || project == "all" {
		return &provider.Condition{Field: "project", AnyOf: append([]string(nil), e.allowed...)}, true
	}
	for _, p := range e.allowed {
		if p == project {
			return &provider.Condition{Field: "project", Equals: project}, true
		}
	}
	return nil, false
}

// fingerprint derives the deterministic cache key for one operation.
func fingerprint(opTag, group, query, project string, limit int, extra *provider.Filter) string {
	h := sha256.New()
	for _, part := range []string{opTag, group, query, project, strconv.Itoa(limit), canonicalFilter(extra)} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalFilter renders a filter into a stable string form.
func canonicalFilter(f *provider.Filter) string {
	if f == nil || len(f.Must) == 0 {
		return ""
	}
	parts := make([]string, 0, len(f.Must))
	for _, c := range f.Must {
		if len(c.AnyOf) > 0 {
			anyOf := append([]string(nil), c.AnyOf...)
			sort.Strings(anyOf)
			parts = append(parts, c.Field+" in ["+strings.Join(anyOf, ",")+"]")
		} else {
			parts = append(parts, c.Field+"="+c.Equals)
		}
	}
	sort.Strings(parts)
	return strings.Join(parts, "&")
}

func validate(group, query string) error {
	if strings.TrimSpace(group) == "" {
		return fmt.Errorf("%w: group must not be empty", types.ErrInput)
	}
	if strings.TrimSpace(query) == "" {
		return fmt.Errorf("%w: query must not be empty", types.ErrInput)
	}
	return nil
}

// Search runs a plain similarity search.
func (e *Engine) Search(ctx context.Context, group, query string, opts Options) (*Response, error) {
	return e.searchTagged(ctx, "search", group, query, nil, opts)
}

// SearchWithFilter conjoins a caller-supplied filter into the search.
func (e *Engine) SearchWithFilter(ctx context.Context, group, query string, extra *provider.Filter, opts Options) (*Response, error) {
	return e.searchTagged(ctx, "filtered", group, query, extra, opts)
}

func (e *Engine) searchTagged(ctx context.Context, opTag, group, query string, extra *provider.Filter, opts Options) (*Response, error) {
	if err := validate(group, query); err != nil {
		return nil, err
	}
	limit := clampLimit(opts.Limit)

	key := fingerprint(opTag, group, query, opts.Project, limit, extra)
	if cached, ok := e.cache.Get(key); ok {
		return cached, nil
	}

	cond, allowed := e.projectFilter(opts.Project)
	if !allowed {
		return &Response{Results: []types.SearchResult{}}, nil
	}
	filter := combineFilter(cond, extra)

	results, err := e.runSearch(ctx, group, query, limit, filter)
	if err != nil {
		return nil, err
	}
	resp := &Response{
		Results: results,
		Total:   len(results),
		Metrics: computeMetrics(results),
	}
	e.cachePut(group, key, resp)
	return resp, nil
}

// ExpandedSearch fans the query out over up to three variations and
// merges the hits by chunk hash, keeping the best score per chunk.
func (e *Engine) ExpandedSearch(ctx context.Context, group, query string, opts Options) (*Response, error) {
	if err := validate(group, query); err != nil {
		return nil, err
	}
	limit := clampLimit(opts.Limit)

	key := fingerprint("expanded", group, query, opts.Project, limit, nil)
	if cached, ok := e.cache.Get(key); ok {
		return cached, nil
	}

	cond, allowed := e.projectFilter(opts.Project)
	if !allowed {
		return &Response{Results: []types.SearchResult{}}, nil
	}
	filter := combineFilter(cond, nil)

	best := make(map[string]types.SearchResult)
	for _, variation := range Expand(query) {
		hits, err := e.runSearch(ctx, group, variation, limit*2, filter)
		if err != nil {
			return nil, err
		}
		for _, hit := range hits {
			prev, ok := best[hit.Chunk.Hash]
			if !ok || hit.Score > prev.Score {
				best[hit.Chunk.Hash] = hit
			}
		}
	}

	merged := make([]types.SearchResult, 0, len(best))
	for _, r := range best {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Score != merged[j].Score {
			return merged[i].Score > merged[j].Score
		}
		return merged[i].Chunk.ID() < merged[j].Chunk.ID()
	})
	if len(merged) > limit {
		merged = merged[:limit]
	}

	resp := &Response{
		Results: merged,
		Total:   len(merged),
		Metrics: computeMetrics(merged),
	}
	e.cachePut(group, key, resp)
	return resp, nil
}

func combineFilter(cond *provider.Condition, extra *provider.Filter) *provider.Filter {
	var must []provider.Condition
	if cond != nil {
		must = append(must, *cond)
	}
	if extra != nil {
		must = append(must, extra.Must...)
	}
	if len(must) == 0 {
		return nil
	}
	return &provider.Filter{Must: must}
}

func (e *Engine) runSearch(ctx context.Context, group, query string, limit int, filter *provider.Filter) ([]types.SearchResult, error) {
	vec, err := e.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, err
	}
	hits, err := e.vectors.Search(ctx, group, vec, limit, filter)
	if err != nil {
		return nil, err
	}
	results := make([]types.SearchResult, 0, len(hits))
	for _, hit := range hits {
		results = append(results, types.SearchResult{
			Score: hit.Score,
			Chunk: vector.ChunkFromPayload(group, hit.Payload),
		})
	}
	return results, nil
}
