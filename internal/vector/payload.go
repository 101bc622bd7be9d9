package vector

import (
	"github.com/IBazylchuk/paparats-mcp-sub000/pkg/types"
)

// ChunkPayload flattens a chunk into the vector-store payload shape.
func ChunkPayload(c *types.Chunk) map[string]any {
	p := map[string]any{
		"chunk_id":  c.ID(),
		"project":   c.Project,
		"file":      c.File,
		"language":  c.Language,
		"startLine": c.StartLine,
		"endLine":   c.EndLine,
		"content":   c.Content,
		"hash":      c.Hash,
	}
	if c.SymbolName != "" {
		p["symbol_name"] = c.SymbolName
	}
	if c.Kind != "" {
		p["kind"] = string(c.Kind)
	}
	if c.Service != "" {
		p["service"] = c.Service
	}
	if c.BoundedContext != "" {
		p["bounded_context"] = c.BoundedContext
	}
	if len(c.Tags) > 0 {
		p["tags"] = c.Tags
	}
	if len(c.DefinesSymbols) > 0 {
		p["defines_symbols"] = c.DefinesSymbols
	}
	if len(c.UsesSymbols) > 0 {
		p["uses_symbols"] = c.UsesSymbols
	}
	if c.LastCommitHash != "" {
		p["last_commit_hash"] = c.LastCommitHash
		p["last_commit_at"] = c.LastCommitAt
		p["last_author_email"] = c.LastAuthorEmail
	}
	if len(c.TicketKeys) > 0 {
		p["ticket_keys"] = c.TicketKeys
	}
	return p
}

// ChunkFromPayload rebuilds a chunk from a stored payload. The group is
// supplied by the caller; it is implicit in the collection name.
func ChunkFromPayload(group string, p map[string]any) *types.Chunk {
	c := &types.Chunk{
		Group:           group,
		Project:         asString(p["project"]),
		File:            asString(p["file"]),
		Language:        asString(p["language"]),
		StartLine:       asInt(p["startLine"]),
		EndLine:         asInt(p["endLine"]),
		Content:         asString(p["content"]),
		Hash:            asString(p["hash"]),
		SymbolName:      asString(p["symbol_name"]),
		Kind:            types.ChunkKind(asString(p["kind"])),
		Service:         asString(p["service"]),
		BoundedContext:  asString(p["bounded_context"]),
		Tags:            asStrings(p["tags"]),
		DefinesSymbols:  asStrings(p["defines_symbols"]),
		UsesSymbols:     asStrings(p["uses_symbols"]),
		LastCommitHash:  asString(p["last_commit_hash"]),
		LastCommitAt:    asString(p["last_commit_at"]),
		LastAuthorEmail: asString(p["last_author_email"]),
		TicketKeys:      asStrings(p["ticket_keys"]),
	}
	return c
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

func asStrings(v any) []string {
	s, _ := v.([]string)
	return s
}
