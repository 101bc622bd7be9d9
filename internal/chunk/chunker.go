// Package chunk splits source files into contiguous, non-overlapping chunks
// along syntactic boundaries and extracts per-chunk symbol names.
package chunk

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/java"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/ruby"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
	tstype "github.com/smacker/go-tree-sitter/typescript/typescript"

	"github.com/IBazylchuk/paparats-mcp-sub000/pkg/types"
)

// Chunker produces ordered chunk records honoring a size budget.
type Chunker struct {
	chunkSize    int // soft target, chars
	maxChunkSize int // hard ceiling, chars
	logger       *slog.Logger
}

// New creates a chunker with the given character budgets.
func New(chunkSize, maxChunkSize int, logger *slog.Logger) *Chunker {
	if logger == nil {
		logger = slog.Default()
	}
	if maxChunkSize < chunkSize {
		maxChunkSize = chunkSize * 3
	}
	return &Chunker{chunkSize: chunkSize, maxChunkSize: maxChunkSize, logger: logger}
}

// grammarFor returns the tree-sitter grammar for a language id, taking the
// file extension into account for TSX.
func grammarFor(language, relPath string) *sitter.Language {
	switch language {
	case "go":
		return golang.GetLanguage()
	case "python":
		return python.GetLanguage()
	case "javascript":
		return javascript.GetLanguage()
	case "typescript":
		if filepath.Ext(relPath) == ".tsx" {
			return tsx.GetLanguage()
		}
		return tstype.GetLanguage()
	case "ruby":
		return ruby.GetLanguage()
	case "java":
		return java.GetLanguage()
	default:
		return nil
	}
}

// ChunkFile splits file content into chunks. Empty and whitespace-only
// files produce zero chunks. Parse failures fall back to blank-line
// chunking with a warning.
func (c *Chunker) ChunkFile(ctx context.Context, group, project, relPath, language string, content []byte) ([]*types.Chunk, error) {
	if strings.TrimSpace(string(content)) == "" {
		return nil, nil
	}

	var pieces []piece
	lang := grammarFor(language, relPath)
	if lang == nil {
		pieces = c.fallbackPieces(content)
	} else {
		parser := sitter.NewParser()
		parser.SetLanguage(lang)
		defer parser.Close()

		tree, err := parser.ParseCtx(ctx, nil, content)
		if err != nil {
			c.logger.Warn("parse failed, falling back to blank-line chunking",
				slog.String("file", relPath), slog.String("error", err.Error()))
			pieces = c.fallbackPieces(content)
		} else {
			defer tree.Close()
			pieces = c.astPieces(tree.RootNode(), content, language)
		}
	}

	chunks := make([]*types.Chunk, 0, len(pieces))
	for _, p := range pieces {
		text := string(content[p.startByte:p.endByte])
		ch := &types.Chunk{
			Group:      group,
			Project:    project,
			File:       filepath.ToSlash(relPath),
			Language:   language,
			StartLine:  p.startLine,
			EndLine:    p.endLine,
			Content:    text,
			Hash:       types.HashContent(text),
			Kind:       p.kind,
			SymbolName: p.symbolName,
		}
		chunks = append(chunks, ch)
	}
	return chunks, nil
}

// piece is a chunk candidate: a byte range plus its 1-indexed line span.
type piece struct {
	startByte  uint32
	endByte    uint32
	startLine  int
	endLine    int
	kind       types.ChunkKind
	symbolName string
}

// unit is one groupable syntactic element: a declaration together with its
// attached doc comments, or any other top-level node.
type unit struct {
	startByte  uint32
	endByte    uint32
	startLine  int
	endLine    int
	node       *sitter.Node // the declaration node, nil for plain text units
	kind       types.ChunkKind
	symbolName string
}

func (u unit) length() int { return int(u.endByte - u.startByte) }

// astPieces walks the root's top-level children, attaches doc comments,
// and applies the greedy grouping pass.
func (c *Chunker) astPieces(root *sitter.Node, content []byte, language string) []piece {
	units := c.collectUnits(root, content, language)
	return c.groupUnits(units, content, language)
}

// collectUnits turns the direct children of a node into grouping units,
// applying the doc-comment attachment rule: comments separated from the
// following node by whitespace without a blank line belong to that node.
func (c *Chunker) collectUnits(parent *sitter.Node, content []byte, language string) []unit {
	var units []unit
	var pending []*sitter.Node // comments awaiting attachment

	flushPending := func() {
		for _, com := range pending {
			units = append(units, unit{
				startByte: com.StartByte(),
				endByte:   com.EndByte(),
				startLine: int(com.StartPoint().Row) + 1,
				endLine:   int(com.EndPoint().Row) + 1,
			})
		}
		pending = nil
	}

	count := int(parent.ChildCount())
	for i := 0; i < count; i++ {
		child := parent.Child(i)
		if isCommentNode(child.Type()) {
			if len(pending) > 0 && hasBlankLineBetween(content, pending[len(pending)-1].EndByte(), child.StartByte()) {
				flushPending()
			}
			pending = append(pending, child)
			continue
		}
		u := unit{
			startByte: child.StartByte(),
			endByte:   child.EndByte(),
			startLine: int(child.StartPoint().Row) + 1,
			endLine:   int(child.EndPoint().Row) + 1,
			node:      child,
		}
		u.kind, u.symbolName = classifyNode(child, content, language)
		if len(pending) > 0 && !hasBlankLineBetween(content, pending[len(pending)-1].EndByte(), child.StartByte()) {
			u.startByte = pending[0].StartByte()
			u.startLine = int(pending[0].StartPoint().Row) + 1
			pending = nil
		} else {
			flushPending()
		}
		units = append(units, u)
	}
	flushPending()
	return units
}

// hasBlankLineBetween reports whether the source between two byte offsets
// contains an empty line (two newlines with only spaces between).
func hasBlankLineBetween(content []byte, from, to uint32) bool {
	if from >= to || int(to) > len(content) {
		return false
	}
	newlines := 0
	for _, b := range content[from:to] {
		switch b {
		case '\n':
			newlines++
			if newlines > 1 {
				return true
			}
		case ' ', '\t', '\r':
		default:
			return false // non-whitespace between nodes
		}
	}
	return false
}

// groupUnits is the greedy grouping pass: append the next unit to the
// current chunk while the combined length stays within the soft target,
// then handle oversize single units.
func (c *Chunker) groupUnits(units []unit, content []byte, language string) []piece {
	var pieces []piece
	var group []unit
	groupLen := 0

	flush := func() {
		if len(group) == 0 {
			return
		}
		first, last := group[0], group[len(group)-1]
		p := piece{
			startByte: first.startByte,
			endByte:   last.endByte,
			startLine: first.startLine,
			endLine:   last.endLine,
		}
		// a single-declaration chunk keeps its classification
		for _, u := range group {
			if u.kind != "" {
				p.kind, p.symbolName = u.kind, u.symbolName
				break
			}
		}
		if len(group) > 1 {
			p.symbolName = ""
			if countClassified(group) > 1 {
				p.kind = ""
			}
		}
		pieces = append(pieces, p)
		group = nil
		groupLen = 0
	}

	for _, u := range units {
		if u.length() > c.maxChunkSize {
			flush()
			pieces = append(pieces, c.splitOversize(u, content, language)...)
			continue
		}
		if len(group) > 0 && groupLen+u.length() > c.chunkSize {
			flush()
		}
		group = append(group, u)
		groupLen += u.length()
	}
	flush()
	return pieces
}

func countClassified(group []unit) int {
	n := 0
	for _, u := range group {
		if u.kind != "" {
			n++
		}
	}
	return n
}

// splitOversize handles a single unit exceeding the hard ceiling: a
// class-like container recurses one level over its members; anything else
// splits into line windows.
func (c *Chunker) splitOversize(u unit, content []byte, language string) []piece {
	if u.node != nil && isContainerNode(u.node.Type(), language) {
		if body := containerBody(u.node); body != nil {
			members := c.collectUnits(body, content, language)
			if len(members) > 1 {
				inner := c.groupUnits(members, content, language)
				if len(inner) > 0 {
					// stretch the outer pieces to cover the container's
					// header and closing lines
					inner[0].startByte = u.startByte
					inner[0].startLine = u.startLine
					inner[len(inner)-1].endByte = u.endByte
					inner[len(inner)-1].endLine = u.endLine
					return inner
				}
			}
		}
	}
	return c.splitByLines(content, u.startByte, u.endByte, u.startLine)
}

// splitByLines cuts a byte range into windows at most maxChunkSize chars,
// preferring to cut at blank lines.
func (c *Chunker) splitByLines(content []byte, startByte, endByte uint32, startLine int) []piece {
	text := string(content[startByte:endByte])
	lines := strings.Split(text, "\n")

	var pieces []piece
	winStart := 0 // line index into lines
	winLen := 0
	lastBlank := -1
	offset := int(startByte)
	lineOffsets := make([]int, len(lines)+1)
	for i, ln := range lines {
		lineOffsets[i] = offset
		offset += len(ln) + 1
	}
	lineOffsets[len(lines)] = int(endByte) + 1

	emit := func(from, to int) { // [from, to) line indices
		if from >= to {
			return
		}
		pb := uint32(lineOffsets[from])
		pe := uint32(lineOffsets[to]) - 1
		if pe > endByte {
			pe = endByte
		}
		pieces = append(pieces, piece{
			startByte: pb,
			endByte:   pe,
			startLine: startLine + from,
			endLine:   startLine + to - 1,
		})
	}

	for i, ln := range lines {
		lineLen := len(ln) + 1
		if winLen+lineLen > c.maxChunkSize && i > winStart {
			cut := i
			if lastBlank > winStart {
				cut = lastBlank
			}
			emit(winStart, cut)
			winStart = cut
			winLen = lineOffsets[i+1] - lineOffsets[winStart] - 1
			lastBlank = -1
			continue
		}
		if strings.TrimSpace(ln) == "" {
			lastBlank = i
		}
		winLen += lineLen
	}
	emit(winStart, len(lines))
	return pieces
}

// fallbackPieces chunks without a grammar: blank-line blocks packed
// greedily, oversize blocks split by lines.
func (c *Chunker) fallbackPieces(content []byte) []piece {
	lines := strings.Split(string(content), "\n")

	type block struct {
		startLine, endLine int // 1-indexed inclusive
		length             int
	}
	var blocks []block
	cur := -1
	for i, ln := range lines {
		if strings.TrimSpace(ln) == "" {
			cur = -1
			continue
		}
		if cur < 0 {
			blocks = append(blocks, block{startLine: i + 1})
			cur = len(blocks) - 1
		}
		blocks[cur].endLine = i + 1
		blocks[cur].length += len(ln) + 1
	}

	lineOffsets := make([]int, len(lines)+1)
	off := 0
	for i, ln := range lines {
		lineOffsets[i] = off
		off += len(ln) + 1
	}
	lineOffsets[len(lines)] = len(string(content)) + 1

	byteRange := func(startLine, endLine int) (uint32, uint32) {
		return uint32(lineOffsets[startLine-1]), uint32(lineOffsets[endLine] - 1)
	}

	var pieces []piece
	var groupStart, groupEnd, groupLen int
	flush := func() {
		if groupStart == 0 {
			return
		}
		sb, eb := byteRange(groupStart, groupEnd)
		pieces = append(pieces, piece{startByte: sb, endByte: eb, startLine: groupStart, endLine: groupEnd})
		groupStart, groupEnd, groupLen = 0, 0, 0
	}

	for _, b := range blocks {
		if b.length > c.maxChunkSize {
			flush()
			sb, eb := byteRange(b.startLine, b.endLine)
			pieces = append(pieces, c.splitByLines(content, sb, eb, b.startLine)...)
			continue
		}
		if groupStart != 0 && groupLen+b.length > c.chunkSize {
			flush()
		}
		if groupStart == 0 {
			groupStart = b.startLine
		}
		groupEnd = b.endLine
		groupLen += b.length
	}
	flush()
	return pieces
}
