// Package server exposes the admin HTTP API and the MCP tool endpoints
// over one listener.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBazylchuk/paparats-mcp-sub000/internal/embed"
	"github.com/IBazylchuk/paparats-mcp-sub000/internal/enumerate"
	"github.com/IBazylchuk/paparats-mcp-sub000/internal/index"
	"github.com/IBazylchuk/paparats-mcp-sub000/internal/meta"
	"github.com/IBazylchuk/paparats-mcp-sub000/internal/query"
	"github.com/IBazylchuk/paparats-mcp-sub000/pkg/provider"
	"github.com/IBazylchuk/paparats-mcp-sub000/pkg/types"
)

const (
	searchTimeout = 30 * time.Second
	indexTimeout  = 5 * time.Minute
	healthTimeout = 5 * time.Second
	statsTimeout  = 10 * time.Second
)

// Config wires the server's collaborators.
type Config struct {
	Indexer  *index.Indexer
	Engine   *query.Engine
	Meta     *meta.Store
	Embedder provider.EmbeddingProvider
	Vectors  provider.VectorStore
	Cache    *embed.Cache // optional, surfaces in /api/stats
	Version  string
	Logger   *slog.Logger
}

// Server is the HTTP front over the indexer and query engine.
type Server struct {
	indexer  *index.Indexer
	engine   *query.Engine
	meta     *meta.Store
	embedder provider.EmbeddingProvider
	vectors  provider.VectorStore
	cache    *embed.Cache
	version  string
	logger   *slog.Logger
	started  time.Time
	sessions *sessionManager

	draining atomic.Bool

	mu       sync.Mutex
	watchers map[string]*index.Watcher
	jobs     map[string]string
}

// New builds the server.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		indexer:  cfg.Indexer,
		engine:   cfg.Engine,
		meta:     cfg.Meta,
		embedder: cfg.Embedder,
		vectors:  cfg.Vectors,
		cache:    cfg.Cache,
		version:  cfg.Version,
		logger:   logger,
		started:  time.Now(),
		sessions: newSessionManager(sessionIdleTTL),
		watchers: make(map[string]*index.Watcher),
		jobs:     make(map[string]string),
	}
}

// Handler assembles the full route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/search", s.endpoint(http.MethodPost, searchTimeout, s.handleSearch))
	mux.HandleFunc("/api/index", s.endpoint(http.MethodPost, indexTimeout, s.handleIndex))
	mux.HandleFunc("/api/file-changed", s.endpoint(http.MethodPost, indexTimeout, s.handleFileChanged))
	mux.HandleFunc("/api/file-deleted", s.endpoint(http.MethodPost, searchTimeout, s.handleFileDeleted))
	mux.HandleFunc("/health", s.endpoint(http.MethodGet, healthTimeout, s.handleHealth))
	mux.HandleFunc("/api/stats", s.endpoint(http.MethodGet, statsTimeout, s.handleStats))
	s.mountMCP(mux)
	return mux
}

// endpoint wraps a handler with method checking, the shutdown gate, and
// a per-endpoint deadline.
func (s *Server) endpoint(method string, timeout time.Duration, h func(http.ResponseWriter, *http.Request) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			writeJSON(w, http.StatusMethodNotAllowed, errorBody("invalid_input"))
			return
		}
		if s.draining.Load() {
			writeJSON(w, http.StatusServiceUnavailable, errorBody("shutting_down"))
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		if err := h(w, r.WithContext(ctx)); err != nil {
			s.respondError(w, r, err)
		}
	}
}

func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	code := types.ErrorCode(err)
	if errors.Is(err, context.DeadlineExceeded) {
		status, code = http.StatusGatewayTimeout, "timeout"
	}
	s.logger.Warn("request failed",
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.String("error", err.Error()))
	writeJSON(w, status, errorBody(code))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrInput), errors.Is(err, types.ErrConfig):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, types.ErrUpstream):
		return http.StatusBadGateway
	case errors.Is(err, types.ErrCanceled):
		return 499
	default:
		return http.StatusInternalServerError
	}
}

func errorBody(code string) map[string]any {
	return map[string]any{"status": "error", "error": code}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid request body: %v", types.ErrInput, err)
	}
	return nil
}

// WatchProject starts a file watcher for a registered project.
func (s *Server) WatchProject(p *index.Project) error {
	matcher := enumerate.New(p.Root, enumerate.Options{
		Includes:          p.Config.IncludePatterns(),
		Excludes:          p.Config.ExcludePatterns(),
		RespectIgnoreFile: p.Config.RespectIgnoreFile,
	}, s.logger)

	w := index.NewWatcher(p.Group, p.Name, p.Root, matcher,
		time.Duration(p.Config.Watcher.DebounceMs)*time.Millisecond,
		time.Duration(p.Config.Watcher.StabilityMs)*time.Millisecond,
		index.Callbacks{
			OnFileChanged: func(ctx context.Context, rel string) error {
				_, err := s.indexer.IndexFile(ctx, p.Group, p.Name, rel)
				return err
			},
			OnFileDeleted: func(ctx context.Context, rel string) error {
				return s.indexer.DeleteFile(ctx, p.Group, p.Name, rel)
			},
		}, s.logger)
	if err := w.Start(); err != nil {
		return err
	}

	s.mu.Lock()
	s.watchers[p.Group+"/"+p.Name] = w
	s.mu.Unlock()
	return nil
}

// Drain flips the shutdown gate and stops all watchers. New requests
// receive 503 from this point on.
func (s *Server) Drain() {
	s.draining.Store(true)
	s.sessions.stop()
	s.mu.Lock()
	watchers := make([]*index.Watcher, 0, len(s.watchers))
	for _, w := range s.watchers {
		watchers = append(watchers, w)
	}
	s.mu.Unlock()
	for _, w := range watchers {
		w.Stop()
	}
}

func (s *Server) watcherStats() map[string]types.WatcherStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]types.WatcherStats, len(s.watchers))
	for key, w := range s.watchers {
		out[key] = w.Stats()
	}
	return out
}

type memoryStats struct {
	HeapUsed  uint64 `json:"heapUsed"`
	HeapTotal uint64 `json:"heapTotal"`
	Percent   int    `json:"percent"`
}

func readMemory() memoryStats {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	m := memoryStats{HeapUsed: ms.HeapAlloc, HeapTotal: ms.HeapSys}
	if m.HeapTotal > 0 {
		m.Percent = int(math.Round(float64(m.HeapUsed) / float64(m.HeapTotal) * 100))
	}
	return m
}
