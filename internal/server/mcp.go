package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/IBazylchuk/paparats-mcp-sub000/internal/query"
	"github.com/IBazylchuk/paparats-mcp-sub000/internal/vector"
	"github.com/IBazylchuk/paparats-mcp-sub000/pkg/provider"
	"github.com/IBazylchuk/paparats-mcp-sub000/pkg/types"
)

const mcpServerName = "paparats-mcp"

// mountMCP wires the coding and support tool servers onto the mux, each
// over both the streamable HTTP transport and the SSE transport.
func (s *Server) mountMCP(mux *http.ServeMux) {
	coding := s.buildMCPServer(false)
	support := s.buildMCPServer(true)

	mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(coding, mcpserver.WithSessionIdManager(s.sessions)))
	mux.Handle("/support/mcp", mcpserver.NewStreamableHTTPServer(support, mcpserver.WithSessionIdManager(s.sessions)))

	codingSSE := mcpserver.NewSSEServer(coding,
		mcpserver.WithSSEEndpoint("/sse"),
		mcpserver.WithMessageEndpoint("/messages"))
	mux.Handle("/sse", codingSSE)
	mux.Handle("/messages", codingSSE)

	supportSSE := mcpserver.NewSSEServer(support,
		mcpserver.WithSSEEndpoint("/support/sse"),
		mcpserver.WithMessageEndpoint("/support/messages"))
	mux.Handle("/support/sse", supportSSE)
	mux.Handle("/support/messages", supportSSE)
}

// ServeStdio runs the coding tool server over stdin/stdout and blocks
// until the stream closes.
func (s *Server) ServeStdio() error {
	return mcpserver.ServeStdio(s.buildMCPServer(false))
}

// buildMCPServer registers the coding tool set, plus the support tools
// when asked.
func (s *Server) buildMCPServer(support bool) *mcpserver.MCPServer {
	m := mcpserver.NewMCPServer(mcpServerName, s.version, mcpserver.WithLogging())

	m.AddTool(mcp.NewTool("search_code",
		mcp.WithDescription("Search indexed code semantically within a group"),
		mcp.WithString("group", mcp.Required(), mcp.Description("Group to search")),
		mcp.WithString("query", mcp.Required(), mcp.Description("Natural language or code query")),
		mcp.WithString("project", mcp.Description("Restrict to one project, or 'all'")),
		mcp.WithNumber("limit", mcp.Description("Maximum results (default 5)")),
	), s.toolSearchCode)

	m.AddTool(mcp.NewTool("get_chunk",
		mcp.WithDescription("Fetch one indexed chunk by its id"),
		mcp.WithString("group", mcp.Required(), mcp.Description("Group the chunk belongs to")),
		mcp.WithString("chunk_id", mcp.Required(), mcp.Description("Chunk id")),
	), s.toolGetChunk)

	m.AddTool(mcp.NewTool("find_usages",
		mcp.WithDescription("Find chunks that reference a symbol by name"),
		mcp.WithString("group", mcp.Required(), mcp.Description("Group to search")),
		mcp.WithString("symbol", mcp.Required(), mcp.Description("Symbol name")),
		mcp.WithNumber("limit", mcp.Description("Maximum results (default 20)")),
	), s.toolFindUsages)

	m.AddTool(mcp.NewTool("health_check",
		mcp.WithDescription("Check downstream service health"),
	), s.toolHealthCheck)

	m.AddTool(mcp.NewTool("reindex",
		mcp.WithDescription("Rebuild the index for a whole group in the background"),
		mcp.WithString("group", mcp.Required(), mcp.Description("Group to reindex")),
	), s.toolReindex)

	if support {
		m.AddTool(mcp.NewTool("get_chunk_meta",
			mcp.WithDescription("Commit history, tickets, and symbol edges for a chunk"),
			mcp.WithString("group", mcp.Required(), mcp.Description("Group the chunk belongs to")),
			mcp.WithString("chunk_id", mcp.Required(), mcp.Description("Chunk id")),
		), s.toolGetChunkMeta)

		m.AddTool(mcp.NewTool("search_changes",
			mcp.WithDescription("Search code and report the commits behind each hit"),
			mcp.WithString("group", mcp.Required(), mcp.Description("Group to search")),
			mcp.WithString("query", mcp.Required(), mcp.Description("What changed")),
			mcp.WithNumber("limit", mcp.Description("Maximum results (default 5)")),
		), s.toolSearchChanges)

		m.AddTool(mcp.NewTool("explain_feature",
			mcp.WithDescription("Summarize where a feature lives and how it evolved"),
			mcp.WithString("group", mcp.Required(), mcp.Description("Group to search")),
			mcp.WithString("query", mcp.Required(), mcp.Description("Feature description")),
		), s.toolExplainFeature)

		m.AddTool(mcp.NewTool("recent_changes",
			mcp.WithDescription("List the most recently committed chunks"),
			mcp.WithString("group", mcp.Required(), mcp.Description("Group to inspect")),
			mcp.WithString("project", mcp.Description("Restrict to one project")),
			mcp.WithNumber("limit", mcp.Description("Maximum entries (default 10)")),
		), s.toolRecentChanges)

		m.AddTool(mcp.NewTool("impact_analysis",
			mcp.WithDescription("Walk incoming symbol edges to find code affected by a chunk"),
			mcp.WithString("group", mcp.Required(), mcp.Description("Group the chunk belongs to")),
			mcp.WithString("chunk_id", mcp.Required(), mcp.Description("Chunk id")),
		), s.toolImpactAnalysis)
	}
	return m
}

func resultJSON(v any) *mcp.CallToolResult {
	out, _ := json.MarshalIndent(v, "", "  ")
	return mcp.NewToolResultText(string(out))
}

func chunkEntry(score float32, c *types.Chunk) map[string]any {
	entry := map[string]any{
		"chunk_id":   c.ID(),
		"project":    c.Project,
		"file":       c.File,
		"language":   c.Language,
		"start_line": c.StartLine,
		"end_line":   c.EndLine,
		"content":    c.Content,
	}
	if score > 0 {
		entry["score"] = score
	}
	if c.SymbolName != "" {
		entry["symbol_name"] = c.SymbolName
	}
	if c.Kind != "" {
		entry["kind"] = string(c.Kind)
	}
	return entry
}

func (s *Server) toolSearchCode(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	group := req.GetString("group", "")
	q := req.GetString("query", "")
	resp, err := s.engine.ExpandedSearch(ctx, group, q, query.Options{
		Project: req.GetString("project", ""),
		Limit:   req.GetInt("limit", 0),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("search failed: %v", err)), nil
	}

	entries := make([]map[string]any, 0, len(resp.Results))
	for _, r := range resp.Results {
		entries = append(entries, chunkEntry(r.Score, r.Chunk))
	}
	return resultJSON(map[string]any{
		"results": entries,
		"total":   resp.Total,
		"metrics": resp.Metrics,
	}), nil
}

// chunkByID fetches a single chunk through the payload store.
func (s *Server) chunkByID(ctx context.Context, group, chunkID string) (*types.Chunk, error) {
	payloads, err := s.vectors.ScrollByFilter(ctx, group, &provider.Filter{Must: []provider.Condition{
		{Field: "chunk_id", Equals: chunkID},
	}})
	if err != nil {
		return nil, err
	}
	if len(payloads) == 0 {
		return nil, fmt.Errorf("%w: chunk %s", types.ErrNotFound, chunkID)
	}
	return vector.ChunkFromPayload(group, payloads[0]), nil
}

func (s *Server) toolGetChunk(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	group := req.GetString("group", "")
	chunkID := req.GetString("chunk_id", "")
	chunk, err := s.chunkByID(ctx, group, chunkID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return resultJSON(chunkEntry(0, chunk)), nil
}

func (s *Server) toolFindUsages(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	group := req.GetString("group", "")
	symbol := req.GetString("symbol", "")
	limit := req.GetInt("limit", 20)

	payloads, err := s.vectors.ScrollByFilter(ctx, group, &provider.Filter{Must: []provider.Condition{
		{Field: "uses_symbols", Equals: symbol},
	}})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("usage lookup failed: %v", err)), nil
	}

	entries := make([]map[string]any, 0, len(payloads))
	for _, payload := range payloads {
		if len(entries) == limit {
			break
		}
		entries = append(entries, chunkEntry(0, vector.ChunkFromPayload(group, payload)))
	}
	return resultJSON(map[string]any{"symbol": symbol, "usages": entries, "total": len(entries)}), nil
}

func (s *Server) toolHealthCheck(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status := map[string]any{"status": "ok", "groups": s.indexer.Groups()}
	if err := s.embedder.Available(ctx); err != nil {
		status["status"] = "degraded"
		status["embeddings"] = err.Error()
	}
	if _, err := s.vectors.ListCollections(ctx); err != nil {
		status["status"] = "degraded"
		status["vector_store"] = err.Error()
	}
	return resultJSON(status), nil
}

func (s *Server) toolReindex(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	group := req.GetString("group", "")
	if group == "" {
		return mcp.NewToolResultError("group is required"), nil
	}

	jobID := uuid.NewString()
	s.mu.Lock()
	s.jobs[jobID] = "running"
	s.mu.Unlock()

	// The job outlives the tool call on purpose.
	go func() {
		_, err := s.indexer.ReindexGroup(context.Background(), group)
		s.mu.Lock()
		if err != nil {
			s.jobs[jobID] = "failed: " + err.Error()
		} else {
			s.jobs[jobID] = "done"
		}
		s.mu.Unlock()
		if err != nil {
			s.logger.Warn("background reindex failed", "group", group, "job", jobID, "error", err)
		}
	}()

	return resultJSON(map[string]any{"status": "started", "job_id": jobID, "group": group}), nil
}

func (s *Server) toolGetChunkMeta(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	group := req.GetString("group", "")
	chunkID := req.GetString("chunk_id", "")
	if chunkID == "" {
		return mcp.NewToolResultError("chunk_id is required"), nil
	}
	_ = group

	commits, err := s.meta.GetCommits(chunkID, 20)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("commit lookup failed: %v", err)), nil
	}
	tickets, _ := s.meta.GetTickets(chunkID)
	outgoing, _ := s.meta.GetEdgesFrom(chunkID)
	incoming, _ := s.meta.GetEdgesTo(chunkID)

	var b strings.Builder
	fmt.Fprintf(&b, "# Chunk %s\n\n", chunkID)
	b.WriteString("## Commits\n")
	if len(commits) == 0 {
		b.WriteString("No commit history recorded.\n")
	}
	for _, c := range commits {
		fmt.Fprintf(&b, "- `%s` %s — %s (%s)\n",
			shortHash(c.CommitHash), c.CommittedAt.Format("2006-01-02"), c.MessageSummary, c.AuthorEmail)
	}
	b.WriteString("\n## Tickets\n")
	if len(tickets) == 0 {
		b.WriteString("None.\n")
	}
	for _, t := range tickets {
		fmt.Fprintf(&b, "- %s (%s)\n", t.TicketKey, t.Source)
	}
	b.WriteString("\n## Symbol edges\n")
	for _, e := range outgoing {
		fmt.Fprintf(&b, "- calls `%s` in %s\n", e.SymbolName, e.ToChunkID)
	}
	for _, e := range incoming {
		fmt.Fprintf(&b, "- called via `%s` from %s\n", e.SymbolName, e.FromChunkID)
	}
	if len(outgoing) == 0 && len(incoming) == 0 {
		b.WriteString("None.\n")
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *Server) toolSearchChanges(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	group := req.GetString("group", "")
	q := req.GetString("query", "")
	resp, err := s.engine.Search(ctx, group, q, query.Options{Limit: req.GetInt("limit", 0)})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("search failed: %v", err)), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Changes matching %q\n\n", q)
	if len(resp.Results) == 0 {
		b.WriteString("No matches.\n")
	}
	for _, r := range resp.Results {
		fmt.Fprintf(&b, "## %s:%d-%d\n", r.Chunk.File, r.Chunk.StartLine, r.Chunk.EndLine)
		commits, _ := s.meta.GetCommits(r.Chunk.ID(), 3)
		if len(commits) == 0 {
			b.WriteString("No commit history recorded.\n\n")
			continue
		}
		for _, c := range commits {
			fmt.Fprintf(&b, "- `%s` %s — %s\n",
				shortHash(c.CommitHash), c.CommittedAt.Format("2006-01-02"), c.MessageSummary)
		}
		b.WriteString("\n")
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *Server) toolExplainFeature(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	group := req.GetString("group", "")
	q := req.GetString("query", "")
	resp, err := s.engine.ExpandedSearch(ctx, group, q, query.Options{Limit: 5})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("search failed: %v", err)), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Feature: %s\n\n", q)
	if len(resp.Results) == 0 {
		b.WriteString("Nothing indexed matches this description.\n")
	}
	for _, r := range resp.Results {
		c := r.Chunk
		fmt.Fprintf(&b, "## %s/%s:%d-%d", c.Project, c.File, c.StartLine, c.EndLine)
		if c.SymbolName != "" {
			fmt.Fprintf(&b, " — `%s`", c.SymbolName)
		}
		b.WriteString("\n")
		if latest, err := s.meta.GetLatestCommit(c.ID()); err == nil {
			fmt.Fprintf(&b, "Last touched %s by %s: %s\n",
				latest.CommittedAt.Format("2006-01-02"), latest.AuthorEmail, latest.MessageSummary)
		}
		if tickets, _ := s.meta.GetTickets(c.ID()); len(tickets) > 0 {
			keys := make([]string, len(tickets))
			for i, t := range tickets {
				keys[i] = t.TicketKey
			}
			fmt.Fprintf(&b, "Tickets: %s\n", strings.Join(keys, ", "))
		}
		fmt.Fprintf(&b, "```%s\n%s\n```\n\n", c.Language, c.Content)
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *Server) toolRecentChanges(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	group := req.GetString("group", "")
	project := req.GetString("project", "")
	limit := req.GetInt("limit", 10)

	var filter *provider.Filter
	if project != "" {
		filter = &provider.Filter{Must: []provider.Condition{{Field: "project", Equals: project}}}
	}
	payloads, err := s.vectors.ScrollByFilter(ctx, group, filter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("scroll failed: %v", err)), nil
	}

	var chunks []*types.Chunk
	for _, payload := range payloads {
		c := vector.ChunkFromPayload(group, payload)
		if c.LastCommitAt != "" {
			chunks = append(chunks, c)
		}
	}
	// RFC 3339 strings sort chronologically.
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].LastCommitAt > chunks[j].LastCommitAt })
	if len(chunks) > limit {
		chunks = chunks[:limit]
	}

	var b strings.Builder
	b.WriteString("# Recent changes\n\n")
	if len(chunks) == 0 {
		b.WriteString("No commit metadata recorded yet.\n")
	}
	for _, c := range chunks {
		fmt.Fprintf(&b, "- %s/%s:%d-%d — `%s` at %s by %s\n",
			c.Project, c.File, c.StartLine, c.EndLine,
			shortHash(c.LastCommitHash), c.LastCommitAt, c.LastAuthorEmail)
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *Server) toolImpactAnalysis(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	group := req.GetString("group", "")
	chunkID := req.GetString("chunk_id", "")
	if chunkID == "" {
		return mcp.NewToolResultError("chunk_id is required"), nil
	}
	_ = group

	var b strings.Builder
	fmt.Fprintf(&b, "# Impact of changing %s\n\n", chunkID)

	// Two levels of incoming edges, visited set guards against cycles.
	visited := map[string]bool{chunkID: true}
	frontier := []string{chunkID}
	for depth := 1; depth <= 2 && len(frontier) > 0; depth++ {
		var next []string
		fmt.Fprintf(&b, "## Depth %d\n", depth)
		found := false
		for _, id := range frontier {
			edges, err := s.meta.GetEdgesTo(id)
			if err != nil {
				continue
			}
			for _, e := range edges {
				if visited[e.FromChunkID] {
					continue
				}
				visited[e.FromChunkID] = true
				next = append(next, e.FromChunkID)
				found = true
				fmt.Fprintf(&b, "- %s (via `%s`)\n", e.FromChunkID, e.SymbolName)
			}
		}
		if !found {
			b.WriteString("No dependents.\n")
		}
		b.WriteString("\n")
		frontier = next
	}
	return mcp.NewToolResultText(b.String()), nil
}

func shortHash(h string) string {
	if len(h) > 8 {
		return h[:8]
	}
	return h
}
