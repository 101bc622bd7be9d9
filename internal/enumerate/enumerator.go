// Package enumerate produces the deterministic set of files to index for a
// project: include globs, user excludes, ignore-file rules, and binary and
// encoding guards.
package enumerate

import (
	"bufio"
	"bytes"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/gobwas/glob"
)

// sniffLen is how much of a file the binary guard reads.
const sniffLen = 8192

// Options selects which files an enumeration yields.
type Options struct {
	Includes          []string // globs relative to Root, forward slashes
	Excludes          []string
	RespectIgnoreFile bool
}

// Enumerator walks a project root and yields files passing all guards.
type Enumerator struct {
	root     string
	includes []glob.Glob
	excludes []glob.Glob
	ignore   *ignoreRules
	logger   *slog.Logger
}

// New compiles the glob sets for a project root. Invalid patterns are
// skipped with a warning.
func New(root string, opts Options, logger *slog.Logger) *Enumerator {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Enumerator{root: root, logger: logger}
	e.includes = compileGlobs(opts.Includes, logger)
	e.excludes = compileGlobs(opts.Excludes, logger)
	if opts.RespectIgnoreFile {
		e.ignore = loadIgnoreRules(root, logger)
	}
	return e
}

func compileGlobs(patterns []string, logger *slog.Logger) []glob.Glob {
	out := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		for _, variant := range expandDoubleStar(p) {
			g, err := glob.Compile(variant, '/')
			if err != nil {
				logger.Warn("skipping invalid glob pattern", slog.String("pattern", p), slog.String("error", err.Error()))
				break
			}
			out = append(out, g)
		}
	}
	return out
}

// expandDoubleStar rewrites each "**/" segment into both its zero-directory
// and one-or-more-directory forms, since a compiled "**/" always consumes at
// least one path separator.
func expandDoubleStar(pattern string) []string {
	idx := strings.Index(pattern, "**/")
	if idx < 0 {
		return []string{pattern}
	}
	rest := pattern[idx+len("**/"):]
	var out []string
	for _, tail := range expandDoubleStar(rest) {
		out = append(out, pattern[:idx]+tail)       // zero directories
		out = append(out, pattern[:idx]+"**/"+tail) // one or more
	}
	return out
}

// Files walks the root and returns the matching relative paths in
// lexicographic order.
func (e *Enumerator) Files() ([]string, error) {
	var out []string
	err := filepath.WalkDir(e.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			e.logger.Warn("walk error", slog.String("path", path), slog.String("error", err.Error()))
			return nil
		}
		rel, relErr := filepath.Rel(e.root, path)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if rel != "." && e.skipDir(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if e.Matches(rel) && e.passesGuards(path) {
			out = append(out, rel)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

// skipDir prunes directories that can never contribute matches.
func (e *Enumerator) skipDir(rel string) bool {
	base := filepath.Base(rel)
	if base == ".git" {
		return true
	}
	if e.ignore != nil && e.ignore.ignoredDir(rel) {
		return true
	}
	return false
}

// Matches reports whether a relative path passes includes, excludes, and
// ignore-file rules, without touching the filesystem.
func (e *Enumerator) Matches(rel string) bool {
	rel = filepath.ToSlash(rel)
	included := false
	for _, g := range e.includes {
		if g.Match(rel) {
			included = true
			break
		}
	}
	if !included {
		return false
	}
	for _, g := range e.excludes {
		if g.Match(rel) {
			return false
		}
	}
	if e.ignore != nil && e.ignore.ignored(rel) {
		return false
	}
	return true
}

// passesGuards applies the binary and UTF-8 guards against the file on disk.
func (e *Enumerator) passesGuards(absPath string) bool {
	f, err := os.Open(absPath)
	if err != nil {
		e.logger.Warn("cannot open file", slog.String("path", absPath), slog.String("error", err.Error()))
		return false
	}
	defer f.Close()

	buf := make([]byte, sniffLen)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return false
	}
	return ContentIndexable(buf[:n])
}

// ContentIndexable applies the binary and encoding guards to a content
// prefix: no NUL bytes, valid UTF-8, no replacement characters.
func ContentIndexable(prefix []byte) bool {
	if bytes.IndexByte(prefix, 0) >= 0 {
		return false
	}
	trimmed := trimPartialRune(prefix)
	return utf8.Valid(trimmed) && !bytes.ContainsRune(trimmed, utf8.RuneError)
}

// trimPartialRune drops a multi-byte rune cut off at the end of the
// sniff window. The trailing bytes are removed only when they form the
// start of a sequence whose full length runs past the buffer; any other
// invalid tail is left in place for the validity check to reject.
func trimPartialRune(b []byte) []byte {
	for i := 1; i < utf8.UTFMax && i <= len(b); i++ {
		c := b[len(b)-i]
		if c < utf8.RuneSelf {
			return b
		}
		if !utf8.RuneStart(c) {
			continue
		}
		var want int
		switch {
		case c&0xE0 == 0xC0:
			want = 2
		case c&0xF0 == 0xE0:
			want = 3
		case c&0xF8 == 0xF0:
			want = 4
		default:
			return b
		}
		if want > i {
			return b[:len(b)-i]
		}
		return b
	}
	return b
}

// ignoreRules is the union of the root ignore file and those of ancestor
// directories.
type ignoreRules struct {
	patterns []ignorePattern
}

type ignorePattern struct {
	g       glob.Glob
	negate  bool
	dirOnly bool
}

// loadIgnoreRules reads .gitignore from the root and each ancestor up to
// the filesystem root.
func loadIgnoreRules(root string, logger *slog.Logger) *ignoreRules {
	rules := &ignoreRules{}
	dir := root
	var files []string
	for {
		files = append(files, filepath.Join(dir, ".gitignore"))
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	// ancestors first so the root file wins on conflicts
	for i := len(files) - 1; i >= 0; i-- {
		rules.addFile(files[i], logger)
	}
	if len(rules.patterns) == 0 {
		return nil
	}
	return rules
}

func (r *ignoreRules) addFile(path string, logger *slog.Logger) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		p := ignorePattern{}
		if strings.HasPrefix(line, "!") {
			p.negate = true
			line = line[1:]
		}
		if strings.HasSuffix(line, "/") {
			p.dirOnly = true
			line = strings.TrimSuffix(line, "/")
		}
		anchored := strings.HasPrefix(line, "/")
		line = strings.TrimPrefix(line, "/")
		if !anchored && !strings.Contains(line, "/") {
			// bare names match at any depth
			line = "**/" + line
		}
		pat := line
		if p.dirOnly {
			pat += "/**"
		}
		for _, variant := range expandDoubleStar(pat) {
			g, err := glob.Compile(variant, '/')
			if err != nil {
				logger.Warn("skipping unsupported ignore pattern", slog.String("pattern", line))
				continue
			}
			r.patterns = append(r.patterns, ignorePattern{g: g, negate: p.negate, dirOnly: p.dirOnly})
		}
		if p.dirOnly {
			// also match the directory path itself
			for _, variant := range expandDoubleStar(line) {
				if g2, err := glob.Compile(variant, '/'); err == nil {
					r.patterns = append(r.patterns, ignorePattern{g: g2, negate: p.negate, dirOnly: true})
				}
			}
		}
	}
}

func (r *ignoreRules) ignored(rel string) bool {
	result := false
	for _, p := range r.patterns {
		if p.g.Match(rel) {
			result = !p.negate
		}
	}
	return result
}

func (r *ignoreRules) ignoredDir(rel string) bool {
	result := false
	for _, p := range r.patterns {
		if p.dirOnly && p.g.Match(rel) {
			result = !p.negate
		}
	}
	return result
}
