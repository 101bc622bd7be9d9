package config

import (
	"os"
	"path/filepath"
)

// Profile describes how one language is enumerated and parsed. The grammar
// itself lives in the chunker; HasGrammar tells callers whether AST
// chunking and symbol extraction apply.
type Profile struct {
	Language   string
	Patterns   []string // include globs relative to the project root
	Excludes   []string
	Extensions []string
	HasGrammar bool
	Markers    []string // files whose presence auto-detects the language
}

var commonExcludes = []string{
	"**/.git/**", "**/vendor/**", "**/node_modules/**",
	"**/dist/**", "**/build/**", "**/target/**",
}

// profiles is the static language registry.
var profiles = map[string]Profile{
	"go": {
		Language:   "go",
		Patterns:   []string{"**/*.go"},
		Excludes:   append([]string{"**/*_gen.go", "**/*.pb.go"}, commonExcludes...),
		Extensions: []string{".go"},
		HasGrammar: true,
		Markers:    []string{"go.mod"},
	},
	"typescript": {
		Language:   "typescript",
		Patterns:   []string{"**/*.ts", "**/*.tsx"},
		Excludes:   append([]string{"**/*.d.ts", "**/*.min.js"}, commonExcludes...),
		Extensions: []string{".ts", ".tsx"},
		HasGrammar: true,
		Markers:    []string{"tsconfig.json"},
	},
	"javascript": {
		Language:   "javascript",
		Patterns:   []string{"**/*.js", "**/*.jsx", "**/*.mjs", "**/*.cjs"},
		Excludes:   append([]string{"**/*.min.js"}, commonExcludes...),
		Extensions: []string{".js", ".jsx", ".mjs", ".cjs"},
		HasGrammar: true,
		Markers:    []string{"package.json"},
	},
	"python": {
		Language:   "python",
		Patterns:   []string{"**/*.py"},
		Excludes:   append([]string{"**/__pycache__/**", "**/.venv/**", "**/venv/**"}, commonExcludes...),
		Extensions: []string{".py"},
		HasGrammar: true,
		Markers:    []string{"requirements.txt", "pyproject.toml", "setup.py"},
	},
	"ruby": {
		Language:   "ruby",
		Patterns:   []string{"**/*.rb", "**/*.rake"},
		Excludes:   commonExcludes,
		Extensions: []string{".rb", ".rake"},
		HasGrammar: true,
		Markers:    []string{"Gemfile"},
	},
	"java": {
		Language:   "java",
		Patterns:   []string{"**/*.java"},
		Excludes:   commonExcludes,
		Extensions: []string{".java"},
		HasGrammar: true,
		Markers:    []string{"pom.xml", "build.gradle", "build.gradle.kts"},
	},
	"generic": {
		Language:   "generic",
		Patterns:   []string{"**/*"},
		Excludes:   commonExcludes,
		HasGrammar: false,
	},
}

// detectionOrder fixes the order in which marker files are probed so that
// DetectLanguages is deterministic.
var detectionOrder = []string{"go", "typescript", "javascript", "python", "ruby", "java"}

// ProfileFor returns the profile for a language id, falling back to the
// generic profile for unknown languages.
func ProfileFor(language string) Profile {
	if p, ok := profiles[language]; ok {
		return p
	}
	return profiles["generic"]
}

// KnownLanguages lists language ids with a registered profile.
func KnownLanguages() []string {
	return append(append([]string(nil), detectionOrder...), "generic")
}

// LanguageForFile resolves a language id from a file extension, restricted
// to the given candidate languages.
func LanguageForFile(path string, candidates []string) string {
	ext := filepath.Ext(path)
	for _, lang := range candidates {
		for _, e := range ProfileFor(lang).Extensions {
			if e == ext {
				return lang
			}
		}
	}
	return "generic"
}

// DetectLanguages inspects marker files under root and returns an ordered
// language list, or [generic] when nothing matches.
func DetectLanguages(root string) []string {
	var out []string
	for _, lang := range detectionOrder {
		for _, marker := range profiles[lang].Markers {
			if _, err := os.Stat(filepath.Join(root, marker)); err == nil {
				out = append(out, lang)
				break
			}
		}
	}
	if len(out) == 0 {
		return []string{"generic"}
	}
	return out
}
