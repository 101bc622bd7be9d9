package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/IBazylchuk/paparats-mcp-sub000/internal/config"
	"github.com/IBazylchuk/paparats-mcp-sub000/internal/index"
	"github.com/IBazylchuk/paparats-mcp-sub000/internal/query"
	"github.com/IBazylchuk/paparats-mcp-sub000/pkg/types"
)

type searchRequest struct {
	Group   string `json:"group"`
	Query   string `json:"query"`
	Project string `json:"project,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) error {
	var req searchRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	resp, err := s.engine.Search(r.Context(), req.Group, req.Query, query.Options{
		Project: req.Project,
		Limit:   req.Limit,
	})
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, resp)
	return nil
}

type indexFileEntry struct {
	Path     string `json:"path"`
	Content  string `json:"content"`
	Language string `json:"language,omitempty"`
}

type indexRequest struct {
	Group   string           `json:"group"`
	Project string           `json:"project"`
	Files   []indexFileEntry `json:"files"`
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) error {
	var req indexRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	if req.Group == "" || req.Project == "" || len(req.Files) == 0 {
		return fmt.Errorf("%w: group, project, and files are required", types.ErrInput)
	}
	group, err := config.SanitizeGroup(req.Group)
	if err != nil {
		return err
	}

	// Content-push indexing registers the project on first sight.
	if s.indexer.Project(group, req.Project) == nil {
		cfg := config.DefaultConfig()
		cfg.Group = group
		cfg.Languages = config.KnownLanguages()
		cfg.Metadata.Git.Enabled = false
		s.indexer.RegisterProject(&index.Project{Group: group, Name: req.Project, Config: cfg})
	}
	if err := s.vectors.EnsureCollection(r.Context(), group, s.embedder.Dimensions()); err != nil {
		return err
	}

	var stats types.IndexStats
	for _, f := range req.Files {
		if f.Path == "" {
			stats.Errors++
			continue
		}
		fileStats, err := s.indexer.IndexFileContent(r.Context(), group, req.Project, f.Path, []byte(f.Content))
		stats.Add(fileStats)
		if err != nil {
			s.logger.Warn("index request file failed",
				"group", group, "project", req.Project, "file", f.Path, "error", err)
			stats.Errors++
		}
	}

	body := map[string]any{
		"status":  "ok",
		"group":   group,
		"project": req.Project,
		"chunks":  stats.Chunks,
	}
	if stats.Skipped > 0 {
		body["skipped"] = stats.Skipped
	}
	if stats.Errors > 0 {
		body["errors"] = stats.Errors
	}
	writeJSON(w, http.StatusOK, body)
	return nil
}

type fileChangedRequest struct {
	Group   string `json:"group"`
	Project string `json:"project"`
	Path    string `json:"path"`
	Content string `json:"content"`
}

func (s *Server) handleFileChanged(w http.ResponseWriter, r *http.Request) error {
	var req fileChangedRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	if req.Group == "" || req.Project == "" || req.Path == "" {
		return fmt.Errorf("%w: group, project, and path are required", types.ErrInput)
	}
	if _, err := s.indexer.IndexFileContent(r.Context(), req.Group, req.Project, req.Path, []byte(req.Content)); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "message": "File reindexed"})
	return nil
}

type fileDeletedRequest struct {
	Group   string `json:"group"`
	Project string `json:"project"`
	Path    string `json:"path"`
}

func (s *Server) handleFileDeleted(w http.ResponseWriter, r *http.Request) error {
	var req fileDeletedRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	if req.Group == "" || req.Project == "" || req.Path == "" {
		return fmt.Errorf("%w: group, project, and path are required", types.ErrInput)
	}
	if err := s.indexer.DeleteFile(r.Context(), req.Group, req.Project, req.Path); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "message": "File removed from index"})
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) error {
	if err := s.embedder.Available(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody("upstream_error"))
		return nil
	}
	if _, err := s.vectors.ListCollections(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody("upstream_error"))
		return nil
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"groups": s.indexer.Groups(),
		"uptime": time.Since(s.started).Round(time.Second).String(),
		"memory": readMemory(),
	})
	return nil
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) error {
	projects := s.indexer.Projects()
	registered := make([]map[string]string, 0, len(projects))
	for _, p := range projects {
		registered = append(registered, map[string]string{"group": p.Group, "project": p.Name})
	}

	cacheStats := map[string]int{}
	if s.cache != nil {
		hits, misses, size := s.cache.Stats()
		cacheStats = map[string]int{"hits": hits, "misses": misses, "size": size}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"groups":             s.indexer.Groups(),
		"registeredProjects": registered,
		"cache":              cacheStats,
		"watcher":            s.watcherStats(),
		"usage":              s.indexer.Totals(),
		"memory":             readMemory(),
	})
	return nil
}
