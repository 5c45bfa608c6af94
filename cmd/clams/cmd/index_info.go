package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/emmilco/clams-sub000/internal/config"
	"github.com/emmilco/clams-sub000/internal/embed"
	"github.com/emmilco/clams-sub000/internal/store"
	"github.com/emmilco/clams-sub000/internal/ui"
)

func newIndexInfoCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "info [path]",
		Short: "Show index configuration and statistics",
		Long: `Display detailed information about the search index including embedding
model, dimensions, unit counts, and file sizes.

This command helps you:
- Check which model the current index uses
- Debug dimension mismatch errors
- Verify index was built correctly after reindex
- Compare index configurations across projects`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "."
			if len(args) > 0 {
				path = args[0]
			}

			return runIndexInfo(cmd.Context(), cmd, path, jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	return cmd
}

// indexInfoReport extends store.IndexInfo with the current embedder's
// configuration, so a dimension mismatch against the stored index is
// visible before a search call fails.
type indexInfoReport struct {
	store.IndexInfo

	VectorSizeBytes   int64
	MetadataSizeBytes int64

	CurrentModel      string
	CurrentProvider   string
	CurrentDimensions int
	Compatible        bool
}

func runIndexInfo(ctx context.Context, cmd *cobra.Command, path string, jsonOutput bool) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	root, err := config.FindProjectRoot(absPath)
	if err != nil {
		root = absPath
	}

	dataDir := filepath.Join(root, ".clams")
	metadataPath := filepath.Join(dataDir, "metadata.db")

	if _, err := os.Stat(metadataPath); os.IsNotExist(err) {
		return fmt.Errorf("no index found at %s\nRun 'clams index %s' to create one", dataDir, path)
	}

	metadata, err := store.NewSQLiteStore(metadataPath)
	if err != nil {
		return fmt.Errorf("failed to open metadata: %w", err)
	}
	defer metadata.Close()

	projectID := deriveProjectID(root)
	project, err := metadata.GetProject(ctx, projectID)
	if err != nil {
		return fmt.Errorf("failed to load project record: %w", err)
	}

	cfg, err := config.Load(root)
	if err != nil {
		cfg = config.NewConfig()
	}

	embed.SetMLXConfig(embed.MLXServerConfig{
		Endpoint: cfg.Embeddings.MLXEndpoint,
		Model:    cfg.Embeddings.MLXModel,
	})

	vectorPath := filepath.Join(dataDir, "vectors.hnsw")
	indexDimensions := 0
	if vectors, err := store.NewHNSWStore(); err == nil {
		if err := vectors.Load(vectorPath); err == nil {
			if dims, ok := vectors.CollectionDimensions(store.CollectionCodeUnits); ok {
				indexDimensions = dims
			}
		}
		vectors.Close()
	}

	report := indexInfoReport{
		IndexInfo: store.IndexInfo{
			Location:        dataDir,
			ProjectRoot:     root,
			IndexDimensions: indexDimensions,
			UnitCount:       project.UnitCount,
			FileCount:       project.FileCount,
			CreatedAt:       project.IndexedAt,
			UpdatedAt:       project.IndexedAt,
		},
	}
	report.IndexModel = project.Version

	report.MetadataSizeBytes = getFileSize(metadataPath)
	report.VectorSizeBytes = getFileSize(vectorPath) + getFileSize(vectorPath+".meta")

	provider := embed.ParseProvider(cfg.Embeddings.Provider)
	embedder, err := embed.NewEmbedder(ctx, provider, cfg.Embeddings.CodeModel)
	if err == nil {
		info := embed.GetInfo(ctx, embedder)
		report.CurrentModel = info.Model
		report.CurrentProvider = string(info.Provider)
		report.CurrentDimensions = info.Dimensions
		report.Compatible = report.IndexDimensions == 0 || report.IndexDimensions == info.Dimensions
		embedder.Close()
	}

	if jsonOutput {
		return outputIndexInfoJSON(cmd, report)
	}
	return outputIndexInfoHuman(cmd, report)
}

func outputIndexInfoJSON(cmd *cobra.Command, info indexInfoReport) error {
	output := map[string]interface{}{
		"location": info.Location,
		"project":  info.ProjectRoot,
		"embedding": map[string]interface{}{
			"version":    info.IndexModel,
			"dimensions": info.IndexDimensions,
		},
		"statistics": map[string]interface{}{
			"units":              info.UnitCount,
			"files":              info.FileCount,
			"metadata_size_bytes": info.MetadataSizeBytes,
			"vector_size_bytes":   info.VectorSizeBytes,
		},
		"timestamps": map[string]interface{}{
			"created":     info.CreatedAt,
			"last_update": info.UpdatedAt,
		},
		"current_embedder": map[string]interface{}{
			"model":      info.CurrentModel,
			"provider":   info.CurrentProvider,
			"dimensions": info.CurrentDimensions,
			"compatible": info.Compatible,
		},
	}

	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(output)
}

func outputIndexInfoHuman(cmd *cobra.Command, info indexInfoReport) error {
	out := cmd.OutOrStdout()

	fmt.Fprintln(out, "Index Information")
	fmt.Fprintln(out, "=================")
	fmt.Fprintln(out)

	fmt.Fprintf(out, "Location:    %s\n", info.Location)
	fmt.Fprintf(out, "Project:     %s\n", info.ProjectRoot)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Index Statistics:")
	fmt.Fprintf(out, "  Units:        %d\n", info.UnitCount)
	fmt.Fprintf(out, "  Files:        %d\n", info.FileCount)
	fmt.Fprintf(out, "  Metadata Size: %s\n", ui.FormatBytes(info.MetadataSizeBytes))
	fmt.Fprintf(out, "  Vector Size:   %s\n", ui.FormatBytes(info.VectorSizeBytes))
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Timestamps:")
	fmt.Fprintf(out, "  Created:     %s\n", formatIndexTime(info.CreatedAt))
	fmt.Fprintf(out, "  Last Update: %s\n", formatIndexTime(info.UpdatedAt))
	fmt.Fprintln(out)

	if info.CurrentModel != "" {
		fmt.Fprintln(out, "Current Embedder:")
		fmt.Fprintf(out, "  Model:       %s\n", info.CurrentModel)
		fmt.Fprintf(out, "  Provider:    %s\n", info.CurrentProvider)
		fmt.Fprintf(out, "  Dimensions:  %d\n", info.CurrentDimensions)

		if info.Compatible {
			fmt.Fprintln(out, "  Status:      Compatible")
		} else {
			fmt.Fprintln(out, "  Status:      INCOMPATIBLE")
			fmt.Fprintln(out)
			fmt.Fprintln(out, "  Dimension mismatch detected!")
			fmt.Fprintf(out, "    Index dimensions:   %d\n", info.IndexDimensions)
			fmt.Fprintf(out, "    Current dimensions: %d (%s)\n", info.CurrentDimensions, info.CurrentModel)
			fmt.Fprintln(out)
			fmt.Fprintln(out, "    Semantic search will be disabled until reindex.")
			fmt.Fprintf(out, "    Run 'clams index --force %s' to rebuild with %s.\n", info.ProjectRoot, info.CurrentModel)
		}
	}

	return nil
}

func formatIndexTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Format("2006-01-02 15:04:05")
}
