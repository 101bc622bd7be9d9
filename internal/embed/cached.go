package embed

import (
	"context"

	"github.com/IBazylchuk/paparats-mcp-sub000/pkg/provider"
	"github.com/IBazylchuk/paparats-mcp-sub000/pkg/types"
)

// CachedProvider composes an embedding provider with the content-hash
// cache: hits are served locally, misses go out as one batch and populate
// the cache.
type CachedProvider struct {
	inner provider.EmbeddingProvider
	cache *Cache
	model string
}

// NewCached wraps a provider with the cache.
func NewCached(inner provider.EmbeddingProvider, cache *Cache, model string) *CachedProvider {
	return &CachedProvider{inner: inner, cache: cache, model: model}
}

// EmbedQuery bypasses the cache: queries are ephemeral and prefixed
// differently per type.
func (c *CachedProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return c.inner.EmbedQuery(ctx, text)
}

// EmbedPassages returns vectors in request order, serving cached entries
// and embedding only the misses.
func (c *CachedProvider) EmbedPassages(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missTexts []string
	var missIdx []int

	for i, t := range texts {
		hash := types.HashContent(t)
		if vec, ok := c.cache.Get(hash, c.model); ok {
			out[i] = vec
			continue
		}
		missTexts = append(missTexts, t)
		missIdx = append(missIdx, i)
	}

	if len(missTexts) > 0 {
		vecs, err := c.inner.EmbedPassages(ctx, missTexts)
		if err != nil {
			return nil, err
		}
		for j, vec := range vecs {
			i := missIdx[j]
			out[i] = vec
			if err := c.cache.Set(types.HashContent(texts[i]), c.model, vec); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// CachedCount reports how many of the given texts are already cached.
func (c *CachedProvider) CachedCount(texts []string) int {
	n := 0
	for _, t := range texts {
		if c.cache.Contains(types.HashContent(t), c.model) {
			n++
		}
	}
	return n
}

func (c *CachedProvider) Dimensions() int { return c.inner.Dimensions() }

func (c *CachedProvider) Available(ctx context.Context) error { return c.inner.Available(ctx) }

func (c *CachedProvider) Close() error { return c.inner.Close() }

var _ provider.EmbeddingProvider = (*CachedProvider)(nil)
