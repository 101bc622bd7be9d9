package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/IBazylchuk/paparats-mcp-sub000/pkg/types"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Group = "backend"
	cfg.Languages = []string{"go"}
	return cfg
}

func TestValidateRanges(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid defaults", func(c *Config) {}, false},
		{"missing group", func(c *Config) { c.Group = "" }, true},
		{"missing language", func(c *Config) { c.Languages = nil }, true},
		{"chunk_size too small", func(c *Config) { c.ChunkSize = 127 }, true},
		{"chunk_size lower bound", func(c *Config) { c.ChunkSize = 128 }, false},
		{"chunk_size upper bound", func(c *Config) { c.ChunkSize = 8192 }, false},
		{"chunk_size too large", func(c *Config) { c.ChunkSize = 8193 }, true},
		{"overlap negative", func(c *Config) { c.Overlap = -1 }, true},
		{"overlap equals chunk_size", func(c *Config) { c.Overlap = c.ChunkSize }, true},
		{"overlap below chunk_size", func(c *Config) { c.Overlap = c.ChunkSize - 1 }, false},
		{"concurrency zero", func(c *Config) { c.Concurrency = 0 }, true},
		{"concurrency max", func(c *Config) { c.Concurrency = 20 }, false},
		{"concurrency over max", func(c *Config) { c.Concurrency = 21 }, true},
		{"batch_size zero", func(c *Config) { c.BatchSize = 0 }, true},
		{"batch_size max", func(c *Config) { c.BatchSize = 1000 }, false},
		{"batch_size over max", func(c *Config) { c.BatchSize = 1001 }, true},
		{"debounce too low", func(c *Config) { c.Watcher.DebounceMs = 99 }, true},
		{"debounce too high", func(c *Config) { c.Watcher.DebounceMs = 10001 }, true},
		{"stability too low", func(c *Config) { c.Watcher.StabilityMs = 50 }, true},
		{"max_commits zero", func(c *Config) { c.Metadata.Git.MaxCommitsPerFile = 0 }, true},
		{"max_commits max", func(c *Config) { c.Metadata.Git.MaxCommitsPerFile = 500 }, false},
		{"max_commits over", func(c *Config) { c.Metadata.Git.MaxCommitsPerFile = 501 }, true},
		{"bad ticket pattern", func(c *Config) { c.Metadata.Git.TicketPatterns = []string{"["} }, true},
		{"good ticket pattern", func(c *Config) { c.Metadata.Git.TicketPatterns = []string{`PROJ-\d+`} }, false},
		{"absolute path", func(c *Config) { c.Paths = []string{"/etc"} }, true},
		{"escaping path", func(c *Config) { c.Paths = []string{"../other"} }, true},
		{"nested escaping path", func(c *Config) { c.Paths = []string{"src/../../other"} }, true},
		{"relative path", func(c *Config) { c.Paths = []string{"src/api"} }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			errs := cfg.Validate()
			if (len(errs) > 0) != tt.wantErr {
				t.Errorf("Validate() errs=%v, wantErr=%v", errs, tt.wantErr)
			}
		})
	}
}

func TestParse(t *testing.T) {
	doc := []byte(`
group: my group!
language: go
chunk_size: 1000
metadata:
  tags: [core]
  directory_tags:
    src/api: [api]
`)
	cfg, _, err := Parse(doc)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Group != "my-group" {
		t.Errorf("Group = %q, want sanitized %q", cfg.Group, "my-group")
	}
	if len(cfg.Languages) != 1 || cfg.Languages[0] != "go" {
		t.Errorf("Languages = %v, want [go]", cfg.Languages)
	}
	if cfg.ChunkSize != 1000 {
		t.Errorf("ChunkSize = %d, want 1000", cfg.ChunkSize)
	}
	if cfg.MaxChunkSize != 3000 {
		t.Errorf("MaxChunkSize = %d, want 3*chunk_size", cfg.MaxChunkSize)
	}

	tags := cfg.TagsForFile("src/api/login.go")
	if len(tags) != 2 || tags[0] != "core" || tags[1] != "api" {
		t.Errorf("TagsForFile = %v, want [core api]", tags)
	}
	if tags := cfg.TagsForFile("src/web/page.go"); len(tags) != 1 {
		t.Errorf("TagsForFile outside prefix = %v, want [core]", tags)
	}
}

func TestParseLanguageList(t *testing.T) {
	cfg, _, err := Parse([]byte("group: g\nlanguage: [go, typescript]\n"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(cfg.Languages) != 2 {
		t.Fatalf("Languages = %v, want two entries", cfg.Languages)
	}
}

func TestParseRejectsYAMLTags(t *testing.T) {
	_, _, err := Parse([]byte("group: g\nlanguage: go\nextra: !!python/object:os.system\n"))
	if err == nil {
		t.Fatal("Parse() accepted a document with YAML tags")
	}
	if !errors.Is(err, types.ErrConfig) {
		t.Errorf("error = %v, want ErrConfig", err)
	}
}

func TestParseUnknownKeyWarns(t *testing.T) {
	cfg, warnings, err := Parse([]byte("group: g\nlanguage: go\ntypo_key: 1\n"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg == nil || len(warnings) == 0 {
		t.Errorf("expected a warning for unknown key, got %v", warnings)
	}
}

func TestIncludePatternsScopedByPaths(t *testing.T) {
	cfg := validConfig()
	cfg.Paths = []string{"services/auth"}
	pats := cfg.IncludePatterns()
	if len(pats) == 0 {
		t.Fatal("no include patterns resolved")
	}
	for _, p := range pats {
		if p != "services/auth/**/*.go" {
			t.Errorf("pattern = %q, want scoped under services/auth", p)
		}
	}
}

func TestExcludeOverride(t *testing.T) {
	cfg := validConfig()
	cfg.Excludes = []string{"**/*_test.go"}
	pats := cfg.ExcludePatterns()
	if len(pats) != 1 || pats[0] != "**/*_test.go" {
		t.Errorf("ExcludePatterns = %v, want the user list only", pats)
	}
}

func TestSanitizeGroup(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"backend", "backend", false},
		{"My Team", "My-Team", false},
		{"a/b\\c", "a-b-c", false},
		{"  ", "", true},
		{"!!!", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := SanitizeGroup(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("SanitizeGroup(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("SanitizeGroup(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestDetectLanguages(t *testing.T) {
	root := t.TempDir()
	if got := DetectLanguages(root); len(got) != 1 || got[0] != "generic" {
		t.Errorf("DetectLanguages(empty) = %v, want [generic]", got)
	}

	if err := os.WriteFile(filepath.Join(root, "go.mod"), []byte("module x\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "tsconfig.json"), []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	got := DetectLanguages(root)
	if len(got) != 2 || got[0] != "go" || got[1] != "typescript" {
		t.Errorf("DetectLanguages = %v, want [go typescript]", got)
	}
}
