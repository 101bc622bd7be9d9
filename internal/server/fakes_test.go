package server

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"

	"github.com/IBazylchuk/paparats-mcp-sub000/pkg/provider"
)

// fakeVector is an in-memory provider.VectorStore recording call counts.
type fakeVector struct {
	mu          sync.Mutex
	collections map[string]bool
	points      map[string]map[string]provider.Point
	upsertCalls int
	listErr     error
}

func newFakeVector() *fakeVector {
	return &fakeVector{
		collections: make(map[string]bool),
		points:      make(map[string]map[string]provider.Point),
	}
}

func payloadMatches(payload map[string]any, filter *provider.Filter) bool {
	if filter == nil {
		return true
	}
	for _, cond := range filter.Must {
		got, _ := payload[cond.Field].(string)
		if len(cond.AnyOf) > 0 {
			found := false
			for _, want := range cond.AnyOf {
				if got == want {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		} else if got != cond.Equals {
			return false
		}
	}
	return true
}

func (f *fakeVector) EnsureCollection(ctx context.Context, group string, dim int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.collections[group] = true
	if f.points[group] == nil {
		f.points[group] = make(map[string]provider.Point)
	}
	return nil
}

func (f *fakeVector) Upsert(ctx context.Context, group string, points []provider.Point) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upsertCalls++
	if f.points[group] == nil {
		f.points[group] = make(map[string]provider.Point)
	}
	for _, p := range points {
		f.points[group][p.ID] = p
	}
	return nil
}

func (f *fakeVector) Search(ctx context.Context, group string, vector []float32, limit int, filter *provider.Filter) ([]provider.ScoredPayload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []provider.ScoredPayload
	for _, p := range f.points[group] {
		if !payloadMatches(p.Payload, filter) {
			continue
		}
		out = append(out, provider.ScoredPayload{Score: 0.9, Payload: p.Payload})
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeVector) DeleteByFilter(ctx context.Context, group string, filter *provider.Filter) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, p := range f.points[group] {
		if payloadMatches(p.Payload, filter) {
			delete(f.points[group], id)
		}
	}
	return nil
}

func (f *fakeVector) ScrollByFilter(ctx context.Context, group string, filter *provider.Filter) ([]map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []map[string]any
	for _, p := range f.points[group] {
		if payloadMatches(p.Payload, filter) {
			out = append(out, p.Payload)
		}
	}
	return out, nil
}

func (f *fakeVector) SetPayload(ctx context.Context, group, pointID string, patch map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.points[group][pointID]
	if !ok {
		return fmt.Errorf("point %s not found", pointID)
	}
	for k, v := range patch {
		p.Payload[k] = v
	}
	f.points[group][pointID] = p
	return nil
}

func (f *fakeVector) DeleteCollection(ctx context.Context, group string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.collections, group)
	delete(f.points, group)
	return nil
}

func (f *fakeVector) ListCollections(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []string
	for name := range f.collections {
		out = append(out, name)
	}
	return out, nil
}

func (f *fakeVector) Close() error { return nil }

func (f *fakeVector) upserts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.upsertCalls
}

func (f *fakeVector) failListings() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listErr = errors.New("connection refused")
}

// fakeEmbedder returns deterministic content-derived vectors and can be
// switched into a failing state for health probes.
type fakeEmbedder struct {
	mu   sync.Mutex
	dims int
	down bool
}

func (f *fakeEmbedder) vec(text string) []float32 {
	sum := sha256.Sum256([]byte(text))
	out := make([]float32, f.dims)
	for i := range out {
		out[i] = float32(sum[i%len(sum)]) / 255
	}
	return out
}

func (f *fakeEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return f.vec(text), nil
}

func (f *fakeEmbedder) EmbedPassages(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = f.vec(t)
	}
	return out, nil
}

func (f *fakeEmbedder) Dimensions() int { return f.dims }

func (f *fakeEmbedder) Available(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return errors.New("embedding service unreachable")
	}
	return nil
}

func (f *fakeEmbedder) Close() error { return nil }

func (f *fakeEmbedder) setDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

var _ provider.VectorStore = (*fakeVector)(nil)
var _ provider.EmbeddingProvider = (*fakeEmbedder)(nil)
