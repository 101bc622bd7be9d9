package chunk

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/IBazylchuk/paparats-mcp-sub000/pkg/types"
)

// checkChunkInvariants verifies ordering, non-overlap, and that every
// non-blank line of the source is covered by some chunk.
func checkChunkInvariants(t *testing.T, content string, chunks []*types.Chunk) {
	t.Helper()
	covered := map[int]bool{}
	prevEnd := 0
	for i, ch := range chunks {
		if ch.StartLine > ch.EndLine {
			t.Errorf("chunk %d: StartLine %d > EndLine %d", i, ch.StartLine, ch.EndLine)
		}
		if ch.StartLine <= prevEnd {
			t.Errorf("chunk %d overlaps or is out of order: starts at %d, previous ended at %d", i, ch.StartLine, prevEnd)
		}
		prevEnd = ch.EndLine
		for l := ch.StartLine; l <= ch.EndLine; l++ {
			covered[l] = true
		}
	}
	for i, line := range strings.Split(content, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if !covered[i+1] {
			t.Errorf("non-blank line %d not covered by any chunk: %q", i+1, line)
		}
	}
}

func TestChunkCommentAttachment(t *testing.T) {
	content := `// greet a name
function greet(n: string) { return n; }
// sum two ints
function sum(a: number, b: number) { return a+b; }`

	c := New(128, 600, nil)
	// budget below the size of two functions so each declaration stands alone
	c.chunkSize = 60
	chunks, err := c.ChunkFile(context.Background(), "g", "p", "math.ts", "typescript", []byte(content))
	if err != nil {
		t.Fatalf("ChunkFile() error = %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2: %+v", len(chunks), chunks)
	}
	if chunks[0].StartLine != 1 || chunks[0].EndLine != 2 {
		t.Errorf("chunk 1 lines %d-%d, want 1-2", chunks[0].StartLine, chunks[0].EndLine)
	}
	if !strings.Contains(chunks[0].Content, "// greet a name") || !strings.Contains(chunks[0].Content, "greet") {
		t.Errorf("chunk 1 missing comment or function: %q", chunks[0].Content)
	}
	if chunks[1].StartLine != 3 || chunks[1].EndLine != 4 {
		t.Errorf("chunk 2 lines %d-%d, want 3-4", chunks[1].StartLine, chunks[1].EndLine)
	}
	checkChunkInvariants(t, content, chunks)
}

func TestChunkOversizeSplit(t *testing.T) {
	var b strings.Builder
	b.WriteString("function big() {\n")
	for i := 1; i <= 300; i++ {
		fmt.Fprintf(&b, "const v%d=%d;\n", i, i)
	}
	b.WriteString("}")
	content := b.String()

	c := New(200, 600, nil)
	chunks, err := c.ChunkFile(context.Background(), "g", "p", "big.ts", "typescript", []byte(content))
	if err != nil {
		t.Fatalf("ChunkFile() error = %v", err)
	}
	if len(chunks) < 2 {
		t.Fatalf("got %d chunks, want >= 2", len(chunks))
	}
	for i, ch := range chunks {
		if len(ch.Content) > 600 {
			t.Errorf("chunk %d length %d exceeds max_chunk_size 600", i, len(ch.Content))
		}
	}
	checkChunkInvariants(t, content, chunks)
}

func TestChunkGreedyGrouping(t *testing.T) {
	content := `package main

func a() int { return 1 }

func b() int { return 2 }

func c() int { return 3 }
`
	c := New(2000, 6000, nil)
	chunks, err := c.ChunkFile(context.Background(), "g", "p", "main.go", "go", []byte(content))
	if err != nil {
		t.Fatalf("ChunkFile() error = %v", err)
	}
	// everything fits the soft target, so one chunk
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	checkChunkInvariants(t, content, chunks)
}

func TestChunkEmptyFile(t *testing.T) {
	c := New(1500, 4500, nil)
	for _, content := range []string{"", "\n\n\n", "   \n\t\n"} {
		chunks, err := c.ChunkFile(context.Background(), "g", "p", "empty.go", "go", []byte(content))
		if err != nil {
			t.Fatalf("ChunkFile(%q) error = %v", content, err)
		}
		if len(chunks) != 0 {
			t.Errorf("ChunkFile(%q) = %d chunks, want 0", content, len(chunks))
		}
	}
}

func TestChunkIDAndHashDeterministic(t *testing.T) {
	content := "package main\n\nfunc main() {}\n"
	c := New(1500, 4500, nil)

	first, err := c.ChunkFile(context.Background(), "g", "p", "main.go", "go", []byte(content))
	if err != nil {
		t.Fatal(err)
	}
	second, err := c.ChunkFile(context.Background(), "g", "p", "main.go", "go", []byte(content))
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != len(second) {
		t.Fatalf("chunk counts differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].ID() != second[i].ID() {
			t.Errorf("chunk %d id differs across runs: %q vs %q", i, first[i].ID(), second[i].ID())
		}
		if len(first[i].Hash) != 16 {
			t.Errorf("hash %q length = %d, want 16", first[i].Hash, len(first[i].Hash))
		}
	}

	id := first[0].ID()
	want := fmt.Sprintf("g//p//main.go//%d-%d//%s", first[0].StartLine, first[0].EndLine, first[0].Hash)
	if id != want {
		t.Errorf("ID() = %q, want %q", id, want)
	}
}

func TestChunkFallbackLanguage(t *testing.T) {
	content := "first block line one\nfirst block line two\n\nsecond block\n"
	c := New(1500, 4500, nil)
	c.chunkSize = 25

	chunks, err := c.ChunkFile(context.Background(), "g", "p", "notes.txt", "generic", []byte(content))
	if err != nil {
		t.Fatalf("ChunkFile() error = %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	if chunks[0].StartLine != 1 || chunks[0].EndLine != 2 {
		t.Errorf("chunk 1 lines %d-%d, want 1-2", chunks[0].StartLine, chunks[0].EndLine)
	}
	if chunks[1].StartLine != 4 || chunks[1].EndLine != 4 {
		t.Errorf("chunk 2 lines %d-%d, want 4-4", chunks[1].StartLine, chunks[1].EndLine)
	}
	checkChunkInvariants(t, content, chunks)
}

func TestChunkClassification(t *testing.T) {
	content := `package main

// Greeter says hello.
type Greeter interface {
	Greet() string
}
`
	c := New(1500, 4500, nil)
	chunks, err := c.ChunkFile(context.Background(), "g", "p", "greeter.go", "go", []byte(content))
	if err != nil {
		t.Fatal(err)
	}
	var found bool
	for _, ch := range chunks {
		if ch.Kind == types.KindInterface && ch.SymbolName == "Greeter" {
			found = true
		}
	}
	// a grouped chunk may drop the classification when several declarations
	// share it, but here only one is classified
	if !found && len(chunks) == 1 && chunks[0].Kind != types.KindInterface {
		t.Errorf("interface declaration not classified: %+v", chunks[0])
	}
}

func TestAnnotateSymbols(t *testing.T) {
	content := `package main

func helper() int { return 1 }

func caller() int { return helper() + other.Thing() }
`
	c := New(1500, 4500, nil)
	c.chunkSize = 40 // keep helper and caller in separate chunks

	chunks, err := c.ChunkFile(context.Background(), "g", "p", "main.go", "go", []byte(content))
	if err != nil {
		t.Fatal(err)
	}
	if err := c.AnnotateSymbols(context.Background(), "main.go", "go", []byte(content), chunks); err != nil {
		t.Fatal(err)
	}

	var helperChunk, callerChunk *types.Chunk
	for _, ch := range chunks {
		for _, d := range ch.DefinesSymbols {
			if d == "helper" {
				helperChunk = ch
			}
			if d == "caller" {
				callerChunk = ch
			}
		}
	}
	if helperChunk == nil {
		t.Fatal("no chunk defines helper")
	}
	if callerChunk == nil {
		t.Fatal("no chunk defines caller")
	}
	usesHelper := false
	for _, u := range callerChunk.UsesSymbols {
		if u == "helper" {
			usesHelper = true
		}
	}
	if !usesHelper {
		t.Errorf("caller chunk uses = %v, want to include helper", callerChunk.UsesSymbols)
	}
}

func TestAnnotateSymbolsGenericLanguage(t *testing.T) {
	c := New(1500, 4500, nil)
	chunks := []*types.Chunk{{StartLine: 1, EndLine: 2, Content: "plain text"}}
	if err := c.AnnotateSymbols(context.Background(), "notes.txt", "generic", []byte("plain text"), chunks); err != nil {
		t.Fatal(err)
	}
	if len(chunks[0].DefinesSymbols) != 0 || len(chunks[0].UsesSymbols) != 0 {
		t.Errorf("generic language produced symbols: %+v", chunks[0])
	}
}
