// Package config loads and validates per-project indexing configuration
// and resolves language profiles into concrete include/exclude patterns.
package config

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/spf13/viper"

	"github.com/IBazylchuk/paparats-mcp-sub000/pkg/types"
)

// Config is the resolved per-project configuration document.
type Config struct {
	Group     string   `mapstructure:"group" yaml:"group"`
	Languages []string `mapstructure:"-" yaml:"language"` // string or list in the document

	Paths             []string `mapstructure:"paths" yaml:"paths"`
	Excludes          []string `mapstructure:"excludes" yaml:"excludes"`
	RespectIgnoreFile bool     `mapstructure:"respect_ignore_file" yaml:"respect_ignore_file"`

	ChunkSize    int `mapstructure:"chunk_size" yaml:"chunk_size"`         // soft target, chars
	MaxChunkSize int `mapstructure:"max_chunk_size" yaml:"max_chunk_size"` // hard ceiling, chars
	Overlap      int `mapstructure:"overlap" yaml:"overlap"`
	Concurrency  int `mapstructure:"concurrency" yaml:"concurrency"`
	BatchSize    int `mapstructure:"batch_size" yaml:"batch_size"`

	Watcher    WatcherConfig    `mapstructure:"watcher" yaml:"watcher"`
	Embeddings EmbeddingsConfig `mapstructure:"embeddings" yaml:"embeddings"`
	Metadata   MetadataConfig   `mapstructure:"metadata" yaml:"metadata"`
}

// WatcherConfig tunes the per-project file watcher. Durations are in
// milliseconds.
type WatcherConfig struct {
	DebounceMs  int `mapstructure:"debounce" yaml:"debounce"`
	StabilityMs int `mapstructure:"stability" yaml:"stability"`
}

// EmbeddingsConfig identifies the external embedding service.
type EmbeddingsConfig struct {
	Provider   string `mapstructure:"provider" yaml:"provider"`
	Model      string `mapstructure:"model" yaml:"model"`
	Dimensions int    `mapstructure:"dimensions" yaml:"dimensions"`
}

// MetadataConfig carries chunk payload defaults and git extraction options.
type MetadataConfig struct {
	Service        string              `mapstructure:"service" yaml:"service"`
	BoundedContext string              `mapstructure:"bounded_context" yaml:"bounded_context"`
	Tags           []string            `mapstructure:"tags" yaml:"tags"`
	DirectoryTags  map[string][]string `mapstructure:"directory_tags" yaml:"directory_tags"`
	Git            GitConfig           `mapstructure:"git" yaml:"git"`
}

// GitConfig controls the git metadata extractor.
type GitConfig struct {
	Enabled           bool     `mapstructure:"enabled" yaml:"enabled"`
	MaxCommitsPerFile int      `mapstructure:"max_commits_per_file" yaml:"max_commits_per_file"`
	TicketPatterns    []string `mapstructure:"ticket_patterns" yaml:"ticket_patterns"`
}

// DefaultConfig returns the configuration defaults applied before the
// document is merged in.
func DefaultConfig() *Config {
	return &Config{
		RespectIgnoreFile: true,
		ChunkSize:         1500,
		MaxChunkSize:      0, // derived as 3*chunk_size when unset
		Overlap:           0,
		Concurrency:       4,
		BatchSize:         100,
		Watcher: WatcherConfig{
			DebounceMs:  500,
			StabilityMs: 500,
		},
		Embeddings: EmbeddingsConfig{
			Provider:   "openai",
			Model:      "nomic-embed-text",
			Dimensions: 768,
		},
		Metadata: MetadataConfig{
			Git: GitConfig{
				Enabled:           true,
				MaxCommitsPerFile: 50,
			},
		},
	}
}

// groupSafe is the charset a group name must reduce to before it becomes a
// vector collection identifier.
var groupSafe = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// SanitizeGroup maps an arbitrary group name onto the safe charset. The
// result is the internal identifier; downstream code treats it as
// already-validated.
func SanitizeGroup(name string) (string, error) {
	s := groupSafe.ReplaceAllString(strings.TrimSpace(name), "-")
	s = strings.Trim(s, "-")
	if s == "" {
		return "", fmt.Errorf("%w: group name %q reduces to empty identifier", types.ErrConfig, name)
	}
	return s, nil
}

// yamlTag matches YAML documents carrying custom or language-specific tags
// (e.g. !!python/object). Only plain data types are accepted.
var yamlTag = regexp.MustCompile(`(^|[\s\[{,:-])!{1,2}[A-Za-z]`)

// ConfigPath returns the config document location under a project root.
func ConfigPath(projectRoot string) string {
	return filepath.Join(projectRoot, "paparats.yaml")
}

// Load reads and validates the project config document. Unknown keys
// produce warnings, not errors.
func Load(projectRoot string) (*Config, []string, error) {
	return LoadFile(ConfigPath(projectRoot))
}

// LoadFile reads and validates a config document at an explicit path.
func LoadFile(configPath string) (*Config, []string, error) {
	raw, err := os.ReadFile(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: read %s: %v", types.ErrConfig, configPath, err)
	}
	return Parse(raw)
}

// Parse decodes and validates a config document from memory.
func Parse(raw []byte) (*Config, []string, error) {
	if yamlTag.Match(raw) {
		return nil, nil, fmt.Errorf("%w: document contains YAML tags; only plain data types are accepted", types.ErrConfig)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(strings.NewReader(string(raw))); err != nil {
		return nil, nil, fmt.Errorf("%w: parse config: %v", types.ErrConfig, err)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, nil, fmt.Errorf("%w: decode config: %v", types.ErrConfig, err)
	}

	// language accepts a bare string or a list.
	switch lang := v.Get("language").(type) {
	case string:
		cfg.Languages = []string{lang}
	case []any:
		for _, l := range lang {
			s, ok := l.(string)
			if !ok {
				return nil, nil, fmt.Errorf("%w: language entries must be strings", types.ErrConfig)
			}
			cfg.Languages = append(cfg.Languages, s)
		}
	case nil:
		// caught by Validate
	default:
		return nil, nil, fmt.Errorf("%w: language must be a string or list of strings", types.ErrConfig)
	}

	var warnings []string
	for _, key := range v.AllKeys() {
		if !knownKey(key) {
			warnings = append(warnings, fmt.Sprintf("unknown config key %q ignored", key))
		}
	}

	if cfg.MaxChunkSize == 0 || cfg.MaxChunkSize < cfg.ChunkSize {
		cfg.MaxChunkSize = cfg.ChunkSize * 3
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return nil, warnings, fmt.Errorf("%w: %s", types.ErrConfig, strings.Join(msgs, "; "))
	}

	if g, err := SanitizeGroup(cfg.Group); err != nil {
		return nil, warnings, err
	} else {
		cfg.Group = g
	}

	return cfg, warnings, nil
}

var knownKeys = map[string]bool{
	"group": true, "language": true, "paths": true, "excludes": true,
	"respect_ignore_file": true, "chunk_size": true, "max_chunk_size": true,
	"overlap": true, "concurrency": true, "batch_size": true,
	"watcher.debounce": true, "watcher.stability": true,
	"embeddings.provider": true, "embeddings.model": true, "embeddings.dimensions": true,
	"metadata.service": true, "metadata.bounded_context": true, "metadata.tags": true,
	"metadata.git.enabled": true, "metadata.git.max_commits_per_file": true,
	"metadata.git.ticket_patterns": true,
}

func knownKey(key string) bool {
	if knownKeys[key] {
		return true
	}
	// directory_tags carries arbitrary path keys
	return strings.HasPrefix(key, "metadata.directory_tags")
}

// Validate checks all field ranges. Each error names the offending field
// and the allowed range.
func (c *Config) Validate() []error {
	var errs []error

	if strings.TrimSpace(c.Group) == "" {
		errs = append(errs, fmt.Errorf("group: required"))
	}
	if len(c.Languages) == 0 {
		errs = append(errs, fmt.Errorf("language: required (string or list)"))
	}
	if c.ChunkSize < 128 || c.ChunkSize > 8192 {
		errs = append(errs, fmt.Errorf("chunk_size: %d outside [128, 8192]", c.ChunkSize))
	}
	if c.Overlap < 0 || c.Overlap >= c.ChunkSize {
		errs = append(errs, fmt.Errorf("overlap: %d outside [0, chunk_size)", c.Overlap))
	}
	if c.Concurrency < 1 || c.Concurrency > 20 {
		errs = append(errs, fmt.Errorf("concurrency: %d outside [1, 20]", c.Concurrency))
	}
	if c.BatchSize < 1 || c.BatchSize > 1000 {
		errs = append(errs, fmt.Errorf("batch_size: %d outside [1, 1000]", c.BatchSize))
	}
	if c.Watcher.DebounceMs < 100 || c.Watcher.DebounceMs > 10000 {
		errs = append(errs, fmt.Errorf("watcher.debounce: %d outside [100, 10000] ms", c.Watcher.DebounceMs))
	}
	if c.Watcher.StabilityMs < 100 || c.Watcher.StabilityMs > 10000 {
		errs = append(errs, fmt.Errorf("watcher.stability: %d outside [100, 10000] ms", c.Watcher.StabilityMs))
	}
	if c.Metadata.Git.MaxCommitsPerFile < 1 || c.Metadata.Git.MaxCommitsPerFile > 500 {
		errs = append(errs, fmt.Errorf("metadata.git.max_commits_per_file: %d outside [1, 500]", c.Metadata.Git.MaxCommitsPerFile))
	}
	for _, p := range c.Metadata.Git.TicketPatterns {
		if _, err := regexp.Compile(p); err != nil {
			errs = append(errs, fmt.Errorf("metadata.git.ticket_patterns: %q does not compile: %v", p, err))
		}
	}
	for _, p := range c.Paths {
		if err := checkRelative("paths", p); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func checkRelative(field, p string) error {
	if filepath.IsAbs(p) || strings.HasPrefix(p, "/") {
		return fmt.Errorf("%s: %q must be relative to the project root", field, p)
	}
	clean := path.Clean(filepath.ToSlash(p))
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("%s: %q escapes the project root", field, p)
	}
	return nil
}

// IncludePatterns resolves include globs: the union of the language
// profiles' patterns, scoped under user paths when supplied.
func (c *Config) IncludePatterns() []string {
	var base []string
	seen := map[string]bool{}
	for _, lang := range c.Languages {
		for _, pat := range ProfileFor(lang).Patterns {
			if !seen[pat] {
				seen[pat] = true
				base = append(base, pat)
			}
		}
	}
	if len(c.Paths) == 0 {
		return base
	}
	var scoped []string
	for _, p := range c.Paths {
		p = strings.TrimSuffix(filepath.ToSlash(p), "/")
		for _, pat := range base {
			scoped = append(scoped, p+"/"+pat)
		}
	}
	return scoped
}

// ExcludePatterns resolves exclude globs. User-supplied excludes override
// the profile defaults entirely.
func (c *Config) ExcludePatterns() []string {
	if len(c.Excludes) > 0 {
		return c.Excludes
	}
	var out []string
	seen := map[string]bool{}
	for _, lang := range c.Languages {
		for _, pat := range ProfileFor(lang).Excludes {
			if !seen[pat] {
				seen[pat] = true
				out = append(out, pat)
			}
		}
	}
	return out
}

// TagsForFile returns metadata tags plus any directory_tags whose path
// prefix matches the file.
func (c *Config) TagsForFile(relPath string) []string {
	tags := append([]string(nil), c.Metadata.Tags...)
	rel := filepath.ToSlash(relPath)
	for prefix, extra := range c.Metadata.DirectoryTags {
		p := strings.TrimSuffix(filepath.ToSlash(prefix), "/")
		if rel == p || strings.HasPrefix(rel, p+"/") {
			tags = append(tags, extra...)
		}
	}
	return tags
}
