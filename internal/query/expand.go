package query

import (
	"regexp"
	"sort"
	"strings"
)

// maxVariations caps the fan-out, the original query included.
const maxVariations = 3

// abbreviations maps common shorthand to its expansion. Lookups run in
// both directions.
var abbreviations = map[string]string{
	"auth":   "authentication",
	"authz":  "authorization",
	"db":     "database",
	"config": "configuration",
	"repo":   "repository",
	"fn":     "function",
	"func":   "function",
	"impl":   "implementation",
	"msg":    "message",
	"ctx":    "context",
	"err":    "error",
	"init":   "initialization",
	"util":   "utility",
	"doc":    "documentation",
	"param":  "parameter",
	"spec":   "specification",
	"env":    "environment",
}

// expansions is the reverse mapping. When two shorthands share an
// expansion the alphabetically first wins, keeping rewrites stable.
var expansions = func() map[string]string {
	shorts := make([]string, 0, len(abbreviations))
	for short := range abbreviations {
		shorts = append(shorts, short)
	}
	sort.Strings(shorts)
	out := make(map[string]string, len(shorts))
	for _, short := range shorts {
		long := abbreviations[short]
		if _, taken := out[long]; !taken {
			out[long] = short
		}
	}
	return out
}()

// fillerWords are dropped when rewriting question-shaped queries.
var fillerWords = map[string]bool{
	"how": true, "do": true, "does": true, "i": true, "to": true,
	"the": true, "a": true, "an": true, "is": true, "are": true,
	"what": true, "where": true, "can": true, "please": true,
}

var camelBoundary = regexp.MustCompile(`([a-z0-9])([A-Z])`)

// Expand produces up to maxVariations query variations. The original
// query always comes first; duplicates are dropped.
func Expand(query string) []string {
	out := []string{query}
	seen := map[string]bool{query: true}

	add := func(candidate string) {
		candidate = strings.TrimSpace(candidate)
		if candidate == "" || seen[candidate] || len(out) >= maxVariations {
			return
		}
		seen[candidate] = true
		out = append(out, candidate)
	}

	add(swapAbbreviations(query))
	add(rewriteCamelCase(query))
	add(stripFiller(query))
	add(normalizePlurals(query))
	return out
}

// swapAbbreviations replaces known shorthand with its expansion and vice
// versa, word by word.
func swapAbbreviations(query string) string {
	words := strings.Fields(query)
	changed := false
	for i, w := range words {
		lower := strings.ToLower(w)
		if long, ok := abbreviations[lower]; ok {
			words[i] = long
			changed = true
		} else if short, ok := expansions[lower]; ok {
			words[i] = short
			changed = true
		}
	}
	if !changed {
		return ""
	}
	return strings.Join(words, " ")
}

// rewriteCamelCase splits camelCase identifiers into spaced words, or
// joins a multi-word query into a camelCase identifier.
func rewriteCamelCase(query string) string {
	if camelBoundary.MatchString(query) {
		spaced := camelBoundary.ReplaceAllString(query, "$1 $2")
		return strings.ToLower(spaced)
	}
	words := strings.Fields(query)
	if len(words) < 2 || len(words) > 4 {
		return ""
	}
	var b strings.Builder
	for i, w := range words {
		w = strings.ToLower(w)
		if i == 0 {
			b.WriteString(w)
			continue
		}
		b.WriteString(strings.ToUpper(w[:1]) + w[1:])
	}
	return b.String()
}

// stripFiller removes question filler from the query.
func stripFiller(query string) string {
	words := strings.Fields(query)
	kept := make([]string, 0, len(words))
	for _, w := range words {
		if fillerWords[strings.ToLower(strings.TrimRight(w, "?"))] {
			continue
		}
		kept = append(kept, strings.TrimRight(w, "?"))
	}
	if len(kept) == len(words) || len(kept) == 0 {
		return ""
	}
	return strings.Join(kept, " ")
}

// normalizePlurals singularizes simple plural words.
func normalizePlurals(query string) string {
	words := strings.Fields(query)
	changed := false
	for i, w := range words {
		switch {
		case len(w) > 4 && strings.HasSuffix(w, "ies"):
			words[i] = w[:len(w)-3] + "y"
			changed = true
		case len(w) > 4 && strings.HasSuffix(w, "es") && !strings.HasSuffix(w, "ses"):
			words[i] = w[:len(w)-2]
			changed = true
		case len(w) > 3 && strings.HasSuffix(w, "s") && !strings.HasSuffix(w, "ss"):
			words[i] = w[:len(w)-1]
			changed = true
		}
	}
	if !changed {
		return ""
	}
	return strings.Join(words, " ")
}
