package query

import (
	"math"

	"github.com/IBazylchuk/paparats-mcp-sub000/pkg/types"
)

// charsPerLine approximates a full source line when estimating the cost
// of shipping whole files, at 4 chars per token.
const charsPerLine = 50

// computeMetrics estimates how many tokens the caller saved by
// receiving chunks instead of the whole files they came from.
func computeMetrics(results []types.SearchResult) types.SearchMetrics {
	var m types.SearchMetrics
	maxEndLine := make(map[string]int)
	for _, r := range results {
		m.TokensReturned += ceilDiv(len(r.Chunk.Content), 4)
		key := r.Chunk.Project + "//" + r.Chunk.File
		if r.Chunk.EndLine > maxEndLine[key] {
			maxEndLine[key] = r.Chunk.EndLine
		}
	}
	for _, endLine := range maxEndLine {
		m.EstimatedTokens += ceilDiv(endLine*charsPerLine, 4)
	}
	if m.EstimatedTokens > m.TokensReturned {
		m.TokensSaved = m.EstimatedTokens - m.TokensReturned
	}
	if m.EstimatedTokens > 0 {
		m.SavingsPercent = int(math.Round(float64(m.TokensSaved) / float64(m.EstimatedTokens) * 100))
	}
	return m
}

func ceilDiv(n, d int) int {
	return (n + d - 1) / d
}
