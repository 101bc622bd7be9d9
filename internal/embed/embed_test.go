package embed

import (
	"context"
	"fmt"
	"path/filepath"
	"reflect"
	"testing"
)

func openTestCache(t *testing.T, maxSize int) *Cache {
	t.Helper()
	c, err := OpenCache(filepath.Join(t.TempDir(), "embeddings.db"), maxSize)
	if err != nil {
		t.Fatalf("OpenCache() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestCacheRoundTrip(t *testing.T) {
	c := openTestCache(t, 10)

	vec := []float32{0.1, -0.5, 3.25}
	if err := c.Set("abc", "model-a", vec); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, ok := c.Get("abc", "model-a")
	if !ok {
		t.Fatal("Get() miss for stored entry")
	}
	if !reflect.DeepEqual(got, vec) {
		t.Errorf("Get() = %v, want bit-identical %v", got, vec)
	}

	// same hash under a different model is a distinct entry
	if _, ok := c.Get("abc", "model-b"); ok {
		t.Error("Get() hit for wrong model")
	}
}

func TestCacheEvictionByInsertionOrder(t *testing.T) {
	c := openTestCache(t, 3)

	for i := 0; i < 5; i++ {
		if err := c.Set(fmt.Sprintf("h%d", i), "m", []float32{float32(i)}); err != nil {
			t.Fatal(err)
		}
	}

	// oldest two must be gone, newest three must remain
	for i := 0; i < 2; i++ {
		if c.Contains(fmt.Sprintf("h%d", i), "m") {
			t.Errorf("entry h%d not evicted", i)
		}
	}
	for i := 2; i < 5; i++ {
		if !c.Contains(fmt.Sprintf("h%d", i), "m") {
			t.Errorf("entry h%d evicted, want kept", i)
		}
	}

	_, _, size := c.Stats()
	if size != 3 {
		t.Errorf("size = %d, want 3", size)
	}
}

func TestCacheHitCounters(t *testing.T) {
	c := openTestCache(t, 10)
	c.Set("a", "m", []float32{1})

	c.Get("a", "m")
	c.Get("a", "m")
	c.Get("missing", "m")

	hits, misses, _ := c.Stats()
	if hits != 2 || misses != 1 {
		t.Errorf("hits=%d misses=%d, want 2 and 1", hits, misses)
	}
}

func TestQueryType(t *testing.T) {
	tests := []struct {
		query string
		want  string
	}{
		{"func main() {", "code"},
		{"def fetch_user(id):", "code"},
		{"const handler = () => {}", "code"},
		{"how does the retry logic work?", "question"},
		{"What is a bounded context", "question"},
		{"is the cache thread safe?", "question"},
		{"login handler", "nl"},
		{"database connection pooling", "nl"},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			if got := QueryType(tt.query); got != tt.want {
				t.Errorf("QueryType(%q) = %q, want %q", tt.query, got, tt.want)
			}
		})
	}
}

func TestQueryPrefix(t *testing.T) {
	if got := QueryPrefix("how do timeouts work?"); got != queryPrefixTechQA {
		t.Errorf("question prefix = %q, want %q", got, queryPrefixTechQA)
	}
	if got := QueryPrefix("login handler"); got != queryPrefixCode {
		t.Errorf("nl prefix = %q, want %q", got, queryPrefixCode)
	}
	if got := QueryPrefix("func main()"); got != queryPrefixCode {
		t.Errorf("code prefix = %q, want %q", got, queryPrefixCode)
	}
}

// fakeProvider records calls and returns deterministic vectors.
type fakeProvider struct {
	calls   int
	batches [][]string
}

func (f *fakeProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	f.calls++
	return []float32{float32(len(text))}, nil
}

func (f *fakeProvider) EmbedPassages(ctx context.Context, texts []string) ([][]float32, error) {
	f.calls++
	f.batches = append(f.batches, append([]string(nil), texts...))
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t)), float32(i)}
	}
	return out, nil
}

func (f *fakeProvider) Dimensions() int                     { return 2 }
func (f *fakeProvider) Available(ctx context.Context) error { return nil }
func (f *fakeProvider) Close() error                        { return nil }

func TestCachedProviderBatchesMissesOnly(t *testing.T) {
	cache := openTestCache(t, 100)
	fake := &fakeProvider{}
	cp := NewCached(fake, cache, "m")
	ctx := context.Background()

	first, err := cp.EmbedPassages(ctx, []string{"alpha", "beta"})
	if err != nil {
		t.Fatal(err)
	}
	if fake.calls != 1 {
		t.Fatalf("calls = %d, want 1", fake.calls)
	}

	// second round: one hit, one new miss
	second, err := cp.EmbedPassages(ctx, []string{"alpha", "gamma"})
	if err != nil {
		t.Fatal(err)
	}
	if fake.calls != 2 {
		t.Fatalf("calls = %d, want 2", fake.calls)
	}
	if got := fake.batches[1]; len(got) != 1 || got[0] != "gamma" {
		t.Errorf("second batch = %v, want only the miss [gamma]", got)
	}

	// cached vector is bit-identical to the original
	if !reflect.DeepEqual(first[0], second[0]) {
		t.Errorf("cached vector %v differs from original %v", second[0], first[0])
	}

	if n := cp.CachedCount([]string{"alpha", "beta", "gamma", "delta"}); n != 3 {
		t.Errorf("CachedCount = %d, want 3", n)
	}
}
