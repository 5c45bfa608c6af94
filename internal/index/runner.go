// Package index provides code indexing and cross-store consistency checking.
package index

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/emmilco/clams-sub000/internal/chunk"
	"github.com/emmilco/clams-sub000/internal/config"
	"github.com/emmilco/clams-sub000/internal/embed"
	"github.com/emmilco/clams-sub000/internal/scanner"
	"github.com/emmilco/clams-sub000/internal/store"
	"github.com/emmilco/clams-sub000/internal/ui"
)

// RunnerConfig configures a full-project indexing run.
type RunnerConfig struct {
	// RootDir is the project root directory to index.
	RootDir string

	// ExcludePatterns are additional scanner exclude patterns from config.
	ExcludePatterns []string

	// MaxFileSize caps indexable file size in bytes (0 uses the default).
	MaxFileSize int64
}

// RunnerResult contains the outcome of a full-project indexing operation.
type RunnerResult struct {
	Files    int
	Units    int
	Duration time.Duration
	Errors   int
}

// RunnerDependencies contains the injected dependencies for Runner.
type RunnerDependencies struct {
	// Renderer reports progress (required).
	Renderer ui.Renderer

	// Metadata store for files and code units (required).
	Metadata store.MetadataStore

	// Vector store for code unit embeddings (required).
	Vector store.VectorStore

	// Embedder generates embeddings for code units (required; the code role).
	Embedder embed.Embedder

	// CodeChunker splits source files into units. Defaults to
	// chunk.NewCodeChunker() if nil.
	CodeChunker chunk.Chunker
}

// Runner drives a full-project index, reusing Coordinator's per-file
// pipeline so a fresh index and an incremental file event run identical
// logic.
type Runner struct {
	renderer ui.Renderer
	coord    *Coordinator
	embedder embed.Embedder
}

// NewRunner creates a Runner with injected dependencies.
func NewRunner(deps RunnerDependencies) (*Runner, error) {
	if deps.Renderer == nil {
		return nil, fmt.Errorf("renderer is required")
	}
	if deps.Metadata == nil {
		return nil, fmt.Errorf("metadata store is required")
	}
	if deps.Vector == nil {
		return nil, fmt.Errorf("vector store is required")
	}
	if deps.Embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}

	codeChunker := deps.CodeChunker
	if codeChunker == nil {
		codeChunker = chunk.NewCodeChunker()
	}

	return &Runner{
		renderer: deps.Renderer,
		embedder: deps.Embedder,
		coord: &Coordinator{
			config: CoordinatorConfig{
				Metadata:    deps.Metadata,
				Vector:      deps.Vector,
				Embedder:    deps.Embedder,
				CodeChunker: codeChunker,
			},
		},
	}, nil
}

// Closer is an optional interface for chunkers that need cleanup.
type Closer interface {
	Close()
}

// Close releases resources held by the Runner.
func (r *Runner) Close() error {
	if c, ok := r.coord.config.CodeChunker.(Closer); ok {
		c.Close()
	}
	return nil
}

// Run scans a project root and indexes every recognized code file.
func (r *Runner) Run(ctx context.Context, cfg RunnerConfig) (*RunnerResult, error) {
	startTime := time.Now()

	projectID := hashString(cfg.RootDir)

	s, err := scanner.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create scanner: %w", err)
	}

	project := &store.Project{
		ID:          projectID,
		Name:        filepath.Base(cfg.RootDir),
		RootPath:    cfg.RootDir,
		ProjectType: string(config.DetectProjectType(cfg.RootDir)),
		IndexedAt:   time.Now(),
		Version:     fmt.Sprintf("%d", store.CurrentSchemaVersion),
	}
	if err := r.coord.config.Metadata.SaveProject(ctx, project); err != nil {
		return nil, fmt.Errorf("failed to save project: %w", err)
	}

	r.coord.config.ProjectID = projectID
	r.coord.config.RootPath = cfg.RootDir
	r.coord.config.Scanner = s
	r.coord.config.ExcludePatterns = cfg.ExcludePatterns
	r.coord.config.MaxFileSize = cfg.MaxFileSize

	r.renderer.UpdateProgress(ui.ProgressEvent{
		Stage:   ui.StageScanning,
		Message: fmt.Sprintf("Indexing %s...", cfg.RootDir),
	})
	slog.Info("index_started", slog.String("path", cfg.RootDir))

	files, units, errCount, err := r.coord.IndexProject(ctx)
	if err != nil {
		return nil, err
	}

	duration := time.Since(startTime)
	embedderInfo := embed.GetInfo(ctx, r.embedder)

	r.renderer.Complete(ui.CompletionStats{
		Files:    files,
		Chunks:   units,
		Duration: duration,
		Errors:   errCount,
		Embedder: ui.EmbedderInfo{
			Backend:    string(embedderInfo.Provider),
			Model:      embedderInfo.Model,
			Dimensions: embedderInfo.Dimensions,
		},
	})

	slog.Info("index_complete",
		slog.Int("files", files),
		slog.Int("units", units),
		slog.Int("errors", errCount),
		slog.String("duration_total", duration.String()),
		slog.String("embedder_model", embedderInfo.Model),
		slog.String("path", cfg.RootDir))

	return &RunnerResult{Files: files, Units: units, Duration: duration, Errors: errCount}, nil
}

// hashString returns the first 16 hex characters of a string's SHA256 hash,
// used as a deterministic project ID from its root path.
func hashString(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])[:16]
}
