package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/emmilco/clams-sub000/internal/config"
	"github.com/emmilco/clams-sub000/internal/logging"
	"github.com/emmilco/clams-sub000/internal/store"
)

func newCompactCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compact [path]",
		Short: "Compact the vector index by removing orphaned nodes",
		Long: `Rebuilds every collection's HNSW graph from its live vectors.

Lazy deletion during indexing leaves orphaned nodes behind in the graph
whenever a code unit or memory is re-embedded or removed. Compaction
rebuilds the graph from only the vectors still reachable by ID, reclaiming
the memory and disk those orphans occupy.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "."
			if len(args) > 0 {
				path = args[0]
			}
			return runCompact(cmd.Context(), path)
		},
	}

	return cmd
}

func runCompact(ctx context.Context, path string) error {
	logCfg := logging.DefaultConfig()
	logCfg.WriteToStderr = false
	if _, cleanup, err := logging.Setup(logCfg); err == nil {
		defer cleanup()
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return fmt.Errorf("failed to access path: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("path is not a directory: %s", absPath)
	}

	root, err := config.FindProjectRoot(absPath)
	if err != nil {
		root = absPath
	}

	dataDir := filepath.Join(root, ".clams")

	metadataPath := filepath.Join(dataDir, "metadata.db")
	if !fileExists(metadataPath) {
		return fmt.Errorf("no index found at %s - run 'clams index' first", dataDir)
	}

	vectorPath := filepath.Join(dataDir, "vectors.hnsw")
	if !fileExists(vectorPath + ".meta") {
		return fmt.Errorf("no vector index found at %s - run 'clams index' first", vectorPath)
	}

	fmt.Println("Compacting vector index...")
	startTime := time.Now()

	vectors, err := store.NewHNSWStore()
	if err != nil {
		return fmt.Errorf("failed to create vector store: %w", err)
	}
	defer func() { _ = vectors.Close() }()

	if err := vectors.Load(vectorPath); err != nil {
		return fmt.Errorf("failed to load vector index: %w", err)
	}

	removed, err := vectors.Compact(ctx)
	if err != nil {
		return fmt.Errorf("failed to compact vector index: %w", err)
	}

	if len(removed) == 0 {
		fmt.Println("No collections found in vector index.")
		return nil
	}

	total := 0
	for name, count := range removed {
		if count > 0 {
			fmt.Printf("  %s: removed %d orphaned node(s)\n", name, count)
		}
		total += count
	}

	fmt.Println("Saving compacted index...")
	if err := vectors.Save(vectorPath); err != nil {
		return fmt.Errorf("failed to save vector store: %w", err)
	}

	elapsed := time.Since(startTime)
	if total == 0 {
		fmt.Printf("No orphaned nodes found. Compaction complete in %v\n", elapsed.Round(time.Millisecond))
	} else {
		fmt.Printf("Compaction complete in %v: %d orphaned node(s) removed\n", elapsed.Round(time.Millisecond), total)
	}

	return nil
}
