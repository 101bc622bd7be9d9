// paparats-mcp is an MCP server for semantic code search across groups
// of projects.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/IBazylchuk/paparats-mcp-sub000/internal/config"
	"github.com/IBazylchuk/paparats-mcp-sub000/internal/embed"
	"github.com/IBazylchuk/paparats-mcp-sub000/internal/index"
	"github.com/IBazylchuk/paparats-mcp-sub000/internal/meta"
	"github.com/IBazylchuk/paparats-mcp-sub000/internal/query"
	"github.com/IBazylchuk/paparats-mcp-sub000/internal/server"
	"github.com/IBazylchuk/paparats-mcp-sub000/internal/vector"
)

var (
	version  = "0.3.0"
	logLevel string
	dataDir  string
)

const exitInterrupted = 130

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "paparats-mcp",
	Short: "MCP server for semantic code search",
	Long: `paparats-mcp indexes groups of projects into a vector store and
serves semantic code search over HTTP and MCP.

It supports:
- AST-aware chunking via tree-sitter
- OpenAI-compatible embedding services
- qdrant vector storage with per-group collections
- git commit and ticket metadata per chunk`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("paparats-mcp %s\n", version)
		fmt.Printf("Go version: %s\n", runtime.Version())
		fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve [projectRoot...]",
	Short: "Start the HTTP and MCP server",
	Long: `Start the server. Each projectRoot argument is a directory with a
paparats.yaml; the project is registered, indexed, and watched for
changes. Projects can also be pushed later through POST /api/index.`,
	Args: cobra.ArbitraryArgs,
	Run: func(cmd *cobra.Command, args []string) {
		port, _ := cmd.Flags().GetInt("port")
		stdio, _ := cmd.Flags().GetBool("stdio")
		runServe(args, port, stdio)
	},
}

var indexCmd = &cobra.Command{
	Use:   "index [projectRoot...]",
	Short: "Index projects once and exit",
	Args:  cobra.ArbitraryArgs,
	Run: func(cmd *cobra.Command, args []string) {
		root, _ := cmd.Flags().GetString("root")
		if len(args) == 0 {
			args = []string{root}
		}
		runIndex(args)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", envOr("PAPARATS_LOG_LEVEL", "info"), "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", envOr("PAPARATS_DATA_DIR", ".paparats"), "directory for local databases")

	serveCmd.Flags().Int("port", envInt("PAPARATS_PORT", 8080), "HTTP listen port")
	serveCmd.Flags().Bool("stdio", false, "serve MCP over stdin/stdout instead of HTTP")
	indexCmd.Flags().String("root", ".", "project root to index when no arguments are given")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(indexCmd)
}

func setupLogging() {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// stack bundles everything the subcommands share.
type stack struct {
	indexer  *index.Indexer
	engine   *query.Engine
	meta     *meta.Store
	embedder *embed.CachedProvider
	vectors  *vector.Store
	cache    *embed.Cache
	projects []*index.Project
}

func (s *stack) close() {
	if s.vectors != nil {
		s.vectors.Close()
	}
	if s.cache != nil {
		s.cache.Close()
	}
	if s.meta != nil {
		s.meta.Close()
	}
}

// buildStack wires providers from the environment and registers the
// given project roots.
func buildStack(roots []string) (*stack, error) {
	_ = godotenv.Load()
	logger := slog.Default()

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	qdrantCfg, err := parseQdrantURL(envOr("QDRANT_URL", "localhost:6334"))
	if err != nil {
		return nil, err
	}
	qdrantCfg.APIKey = os.Getenv("QDRANT_API_KEY")
	vectors, err := vector.New(qdrantCfg, logger)
	if err != nil {
		return nil, err
	}

	// Projects agree on one embedding model per process; the first
	// loaded config wins, defaults apply otherwise.
	embCfg := config.DefaultConfig().Embeddings
	var projects []*index.Project
	for _, root := range roots {
		p, err := loadProject(root)
		if err != nil {
			vectors.Close()
			return nil, err
		}
		projects = append(projects, p)
	}
	if len(projects) > 0 {
		embCfg = projects[0].Config.Embeddings
	}

	cache, err := embed.OpenCache(filepath.Join(dataDir, "embed-cache.db"), 100_000)
	if err != nil {
		vectors.Close()
		return nil, err
	}
	base := embed.New(embed.Config{
		BaseURL:    os.Getenv("EMBEDDINGS_URL"),
		APIKey:     os.Getenv("EMBEDDINGS_API_KEY"),
		Model:      embCfg.Model,
		Dimensions: embCfg.Dimensions,
		Timeout:    60 * time.Second,
	}, logger)
	embedder := embed.NewCached(base, cache, embCfg.Model)

	metaStore, err := meta.Open(filepath.Join(dataDir, "meta.db"))
	if err != nil {
		vectors.Close()
		cache.Close()
		return nil, err
	}

	indexer := index.New(embedder, vectors, metaStore, logger)
	var allowed []string
	if v := os.Getenv("PAPARATS_ALLOWED_PROJECTS"); v != "" {
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				allowed = append(allowed, p)
			}
		}
	}
	engine, err := query.New(embedder, vectors, allowed, logger)
	if err != nil {
		vectors.Close()
		cache.Close()
		metaStore.Close()
		return nil, err
	}
	indexer.OnWrite(engine.InvalidateGroup)

	for _, p := range projects {
		indexer.RegisterProject(p)
	}
	return &stack{
		indexer:  indexer,
		engine:   engine,
		meta:     metaStore,
		embedder: embedder,
		vectors:  vectors,
		cache:    cache,
		projects: projects,
	}, nil
}

func loadProject(root string) (*index.Project, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	cfg, warnings, err := config.Load(abs)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", config.ConfigPath(abs), err)
	}
	for _, w := range warnings {
		slog.Warn(w, "project", abs)
	}
	groupName := cfg.Group
	if groupName == "" {
		groupName = filepath.Base(abs)
	}
	group, err := config.SanitizeGroup(groupName)
	if err != nil {
		return nil, err
	}
	return &index.Project{
		Group:  group,
		Name:   filepath.Base(abs),
		Root:   abs,
		Config: cfg,
	}, nil
}

// parseQdrantURL accepts host:port or a full URL; https implies TLS.
func parseQdrantURL(raw string) (vector.Config, error) {
	cfg := vector.Config{Host: "localhost", Port: 6334}
	if raw == "" {
		return cfg, nil
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return cfg, fmt.Errorf("parse QDRANT_URL: %w", err)
	}
	if u.Hostname() != "" {
		cfg.Host = u.Hostname()
	}
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			return cfg, fmt.Errorf("parse QDRANT_URL port: %w", err)
		}
		cfg.Port = n
	}
	cfg.UseTLS = u.Scheme == "https"
	return cfg, nil
}

func runServe(roots []string, port int, stdio bool) {
	st, err := buildStack(roots)
	if err != nil {
		slog.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer st.close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := st.embedder.Available(ctx); err != nil {
		slog.Warn("embedding service not reachable yet", "error", err)
	}
	if _, err := st.vectors.ListCollections(ctx); err != nil {
		slog.Warn("vector store not reachable yet", "error", err)
	}

	srv := server.New(server.Config{
		Indexer:  st.indexer,
		Engine:   st.engine,
		Meta:     st.meta,
		Embedder: st.embedder,
		Vectors:  st.vectors,
		Cache:    st.cache,
		Version:  version,
		Logger:   slog.Default(),
	})

	for _, p := range st.projects {
		if err := st.vectors.EnsureCollection(ctx, p.Group, st.embedder.Dimensions()); err != nil {
			slog.Error("ensure collection failed", "group", p.Group, "error", err)
			os.Exit(1)
		}
		stats, err := st.indexer.IndexProject(ctx, p)
		if err != nil {
			slog.Error("initial index failed", "group", p.Group, "project", p.Name, "error", err)
			os.Exit(1)
		}
		slog.Info("project indexed",
			"group", p.Group, "project", p.Name,
			"files", stats.Files, "chunks", stats.Chunks, "skipped", stats.Skipped)
		if err := srv.WatchProject(p); err != nil {
			slog.Error("watcher start failed", "project", p.Name, "error", err)
			os.Exit(1)
		}
	}

	if stdio {
		slog.Info("MCP server running on stdio (press Ctrl+C to stop)")
		if err := srv.ServeStdio(); err != nil && ctx.Err() == nil {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
		return
	}

	httpSrv := &http.Server{
		Addr:    ":" + strconv.Itoa(port),
		Handler: srv.Handler(),
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", httpSrv.Addr)
		errChan <- httpSrv.ListenAndServe()
	}()

	var exitCode int
	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
		if sig == syscall.SIGINT {
			exitCode = exitInterrupted
		}
		srv.Drain()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("shutdown incomplete", "error", err)
		}
		shutdownCancel()
	case err := <-errChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			exitCode = 1
		}
	}

	signal.Stop(sigChan)
	cancel()
	st.close()
	slog.Info("shutdown complete")
	os.Exit(exitCode)
}

func runIndex(roots []string) {
	st, err := buildStack(roots)
	if err != nil {
		slog.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer st.close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	for _, p := range st.projects {
		if err := st.vectors.EnsureCollection(ctx, p.Group, st.embedder.Dimensions()); err != nil {
			slog.Error("ensure collection failed", "group", p.Group, "error", err)
			os.Exit(1)
		}
		stats, err := st.indexer.IndexProject(ctx, p)
		if err != nil {
			if ctx.Err() != nil {
				os.Exit(exitInterrupted)
			}
			slog.Error("index failed", "group", p.Group, "project", p.Name, "error", err)
			os.Exit(1)
		}
		fmt.Printf("%s/%s: %d files, %d chunks, %d skipped, %d cached, %d errors\n",
			p.Group, p.Name, stats.Files, stats.Chunks, stats.Skipped, stats.Cached, stats.Errors)
	}
}
