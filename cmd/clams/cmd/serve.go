package cmd

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/emmilco/clams-sub000/internal/async"
	"github.com/emmilco/clams-sub000/internal/chunk"
	"github.com/emmilco/clams-sub000/internal/cluster"
	"github.com/emmilco/clams-sub000/internal/config"
	clamscontext "github.com/emmilco/clams-sub000/internal/context"
	"github.com/emmilco/clams-sub000/internal/embed"
	"github.com/emmilco/clams-sub000/internal/ghap"
	"github.com/emmilco/clams-sub000/internal/git"
	"github.com/emmilco/clams-sub000/internal/httpapi"
	"github.com/emmilco/clams-sub000/internal/index"
	"github.com/emmilco/clams-sub000/internal/logging"
	"github.com/emmilco/clams-sub000/internal/mcp"
	"github.com/emmilco/clams-sub000/internal/search"
	"github.com/emmilco/clams-sub000/internal/store"
	"github.com/emmilco/clams-sub000/internal/telemetry"
)

func newServeCmd() *cobra.Command {
	var (
		transport  string
		serveDebug bool
		session    string
		httpPort   int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP/HTTP server for this project",
		Long: `Start the memory, code, git, GHAP, and learning tool surface.

With --transport=stdio (the default), clams speaks MCP over stdin/stdout,
the way Claude Code and Cursor expect. With --transport=http it exposes the
same tools over POST /api/call, plus GET /health and GET /metrics. Pass
--transport=both to run both at once.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if serveDebug {
				os.Setenv("CLAMS_DEBUG", "1")
			}
			if session != "" {
				slog.Debug("serve session", slog.String("session", session))
			}
			return runServe(ctx, transport, httpPort)
		},
	}

	cmd.Flags().StringVar(&transport, "transport", "stdio", "Transport: stdio, http, or both")
	cmd.Flags().BoolVar(&serveDebug, "debug", false, "Enable debug logging for this server run")
	cmd.Flags().StringVar(&session, "session", "", "Session identifier for this connection (logged, not required)")
	cmd.Flags().IntVar(&httpPort, "http-port", 0, "HTTP listen port (0 = use config's server.http_port)")

	return cmd
}

// verifyStdinForMCP checks that stdin is a pipe, not an interactive
// terminal. A human running `clams serve` directly in a shell would
// otherwise block forever waiting for a handshake that never arrives.
func verifyStdinForMCP() error {
	if isatty.IsTerminal(os.Stdin.Fd()) || isatty.IsCygwinTerminal(os.Stdin.Fd()) {
		return fmt.Errorf("stdin is a terminal, not a pipe: clams serve is meant to be launched by an MCP client, not run interactively")
	}
	return nil
}

// runServe wires every backing component and starts the requested
// transport(s). MCP-safe logging (BUG-034's file-only rule, generalized
// from search-only events to the full memory/code/git/ghap/learning
// surface) is initialized before anything else so no status output ever
// reaches stdout ahead of the protocol handshake.
func runServe(ctx context.Context, transport string, httpPort int) error {
	if cleanup, err := logging.SetupMCPMode(); err == nil {
		defer cleanup()
	}

	if transport == "stdio" || transport == "" {
		if err := verifyStdinForMCP(); err != nil {
			slog.Error("stdin validation failed", slog.String("error", err.Error()))
			return err
		}
	}

	root, err := config.FindProjectRoot(".")
	if err != nil {
		root, _ = os.Getwd()
	}
	dataDir := filepath.Join(root, ".clams")
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg, err := config.Load(root)
	if err != nil {
		cfg = config.NewConfig()
	}
	if httpPort > 0 {
		cfg.Server.HTTPPort = httpPort
	}

	if err := cfg.WriteShellEnv(filepath.Join(dataDir, "env.sh")); err != nil {
		slog.Warn("failed to write shell env", slog.String("error", err.Error()))
	}

	projectID := deriveProjectID(root)

	metadata, err := store.NewSQLiteStore(filepath.Join(dataDir, "metadata.db"))
	if err != nil {
		return fmt.Errorf("failed to open metadata store: %w", err)
	}
	defer func() { _ = metadata.Close() }()

	vectors, err := store.NewHNSWStore()
	if err != nil {
		return fmt.Errorf("failed to open vector store: %w", err)
	}
	defer func() { _ = vectors.Close() }()

	registry := embed.NewRegistry(embed.RegistryConfig{
		Provider:      cfg.Embeddings.Provider,
		CodeModel:     cfg.Embeddings.CodeModel,
		CodeDims:      cfg.Embeddings.CodeDimensions,
		SemanticModel: cfg.Embeddings.SemanticModel,
		SemanticDims:  cfg.Embeddings.SemanticDimensions,
	})
	defer func() { _ = registry.Close() }()

	var gitIndexer *git.Indexer
	if cfg.Git.Enabled {
		repoPath := cfg.Git.RepoPath
		if repoPath == "" {
			repoPath = root
		}
		semanticEmbedder, embErr := registry.Get(ctx, embed.RoleSemantic)
		if embErr != nil {
			slog.Warn("git indexer disabled: semantic embedder unavailable", slog.String("error", embErr.Error()))
		} else {
			gitIndexer = git.New(repoPath, projectID, metadata, vectors, semanticEmbedder)
		}
	}

	searcher := search.NewEngine(projectID, metadata, vectors, registry, gitIndexer)
	if metricsStore, metricsErr := telemetry.NewSQLiteMetricsStore(metadata.DB()); metricsErr != nil {
		slog.Warn("query telemetry disabled: metrics store unavailable", slog.String("error", metricsErr.Error()))
	} else {
		queryMetrics := telemetry.NewQueryMetrics(metricsStore)
		searcher.SetMetrics(queryMetrics)
		defer func() { _ = queryMetrics.Close() }()
	}
	ghapMachine := ghap.New(metadata, vectors, registry)
	distiller := cluster.NewDistiller(metadata, vectors, registry, cluster.Options{
		MinClusterSize: cfg.Cluster.MinClusterSize,
		MinSamples:     cfg.Cluster.MinSamples,
	})
	assembler := clamscontext.NewAssembler(searcher, 4, nil, 0)

	codeEmbedder, err := registry.Get(ctx, embed.RoleCode)
	var coordinator *index.Coordinator
	var bgIndexer *async.BackgroundIndexer
	if err != nil {
		slog.Warn("code indexing disabled: code embedder unavailable", slog.String("error", err.Error()))
	} else {
		coordinator = index.NewCoordinator(index.CoordinatorConfig{
			ProjectID:       projectID,
			RootPath:        root,
			Metadata:        metadata,
			Vector:          vectors,
			Embedder:        codeEmbedder,
			CodeChunker:     chunk.NewCodeChunker(),
			ExcludePatterns: cfg.Paths.Exclude,
		})

		// Run the initial project index in the background so the MCP/HTTP
		// transport starts accepting connections immediately instead of
		// blocking startup on a cold-start index of a large repo. Clients
		// that query before it finishes just see partial results; GET
		// /status on the HTTP transport reports progress in the meantime.
		bgIndexer = async.NewBackgroundIndexer(async.IndexerConfig{DataDir: dataDir})
		bgIndexer.IndexFunc = func(ctx context.Context, progress *async.IndexProgress) error {
			progress.SetStage(async.StageIndexing, 0)
			_, _, _, indexErr := coordinator.IndexProject(ctx)
			return indexErr
		}
		if async.HasIncompleteLock(dataDir) {
			slog.Warn("previous index run did not finish cleanly, reindexing", slog.String("data_dir", dataDir))
		}
		bgIndexer.Start(ctx)
		defer bgIndexer.Stop()
	}

	mcpServer, err := mcp.NewServer(mcp.Dependencies{
		ProjectID:   projectID,
		RootPath:    root,
		Metadata:    metadata,
		Vectors:     vectors,
		Embedders:   registry,
		Searcher:    searcher,
		Ghap:        ghapMachine,
		Distiller:   distiller,
		Assembler:   assembler,
		GitIndexer:  gitIndexer,
		Coordinator: coordinator,
		Config:      cfg,
		Logger:      slog.Default(),
	})
	if err != nil {
		return fmt.Errorf("failed to create mcp server: %w", err)
	}
	defer func() { _ = mcpServer.Close() }()

	var progress *async.IndexProgress
	if bgIndexer != nil {
		progress = bgIndexer.Progress()
	}

	switch transport {
	case "stdio", "":
		return mcpServer.Serve(ctx, "stdio")
	case "http":
		return serveHTTP(ctx, mcpServer, cfg, progress)
	case "both":
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return mcpServer.Serve(gctx, "stdio") })
		g.Go(func() error { return serveHTTP(gctx, mcpServer, cfg, progress) })
		return g.Wait()
	default:
		return fmt.Errorf("unknown transport %q (supported: stdio, http, both)", transport)
	}
}

func serveHTTP(ctx context.Context, mcpServer *mcp.Server, cfg *config.Config, progress *async.IndexProgress) error {
	port := cfg.Server.HTTPPort
	if port == 0 {
		port = 8765
	}
	httpServer := httpapi.NewServer(mcpServer, httpapi.Config{
		Addr:     fmt.Sprintf("127.0.0.1:%d", port),
		Logger:   slog.Default(),
		Progress: progress,
	})
	return httpServer.ListenAndServe(ctx)
}

// deriveProjectID derives a stable project identifier from its root path,
// the same content-addressable scheme internal/mcp/memory_tools.go uses
// for memory IDs.
func deriveProjectID(root string) string {
	abs, err := filepath.Abs(root)
	if err != nil {
		abs = root
	}
	sum := sha256.Sum256([]byte(abs))
	return hex.EncodeToString(sum[:])[:16]
}
