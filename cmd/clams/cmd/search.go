package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/emmilco/clams-sub000/internal/config"
	"github.com/emmilco/clams-sub000/internal/embed"
	"github.com/emmilco/clams-sub000/internal/logging"
	"github.com/emmilco/clams-sub000/internal/output"
	"github.com/emmilco/clams-sub000/internal/search"
	"github.com/emmilco/clams-sub000/internal/store"
)

// searchOptions holds CLI flags for search.
type searchOptions struct {
	limit    int
	language string
	unitType string
	format   string // "text", "json"
}

func newSearchCmd() *cobra.Command {
	var opts searchOptions

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the indexed codebase",
		Long: `Search the indexed codebase using semantic (embedding) search.

Examples:
  clams search "authentication middleware"
  clams search "handleRequest" --type function --limit 5
  clams search "error handling" --format json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")
			return runSearch(cmd.Context(), cmd, query, opts)
		},
	}

	cmd.Flags().IntVarP(&opts.limit, "limit", "n", 10, "Maximum number of results")
	cmd.Flags().StringVarP(&opts.language, "language", "l", "", "Filter by language (e.g., go, python)")
	cmd.Flags().StringVarP(&opts.unitType, "type", "t", "", "Filter by unit type (e.g., function, class, method)")
	cmd.Flags().StringVarP(&opts.format, "format", "f", "text", "Output format: text, json")

	return cmd
}

func runSearch(ctx context.Context, cmd *cobra.Command, query string, opts searchOptions) error {
	// Initialize logging for CLI observability (BUG-039)
	logCfg := logging.DefaultConfig()
	logCfg.WriteToStderr = false
	if _, cleanup, err := logging.Setup(logCfg); err == nil {
		defer cleanup()
	}

	slog.Info("search_started", slog.String("query", query), slog.Int("limit", opts.limit))
	out := output.New(cmd.OutOrStdout())

	// Find project root
	root, err := config.FindProjectRoot(".")
	if err != nil {
		root, _ = os.Getwd()
	}

	// Check for index
	dataDir := filepath.Join(root, ".clams")
	metadataPath := filepath.Join(dataDir, "metadata.db")
	if _, err := os.Stat(metadataPath); os.IsNotExist(err) {
		return fmt.Errorf("no index found. Run 'clams index' first")
	}

	cfg, err := config.Load(root)
	if err != nil {
		cfg = config.NewConfig()
	}

	metadata, err := store.NewSQLiteStore(metadataPath)
	if err != nil {
		return fmt.Errorf("failed to open metadata: %w", err)
	}
	defer func() { _ = metadata.Close() }()

	vector, err := store.NewHNSWStore()
	if err != nil {
		return fmt.Errorf("failed to open vector store: %w", err)
	}
	defer func() { _ = vector.Close() }()

	registry := embed.NewRegistry(embed.RegistryConfig{
		Provider:      cfg.Embeddings.Provider,
		CodeModel:     cfg.Embeddings.CodeModel,
		CodeDims:      cfg.Embeddings.CodeDimensions,
		SemanticModel: cfg.Embeddings.SemanticModel,
		SemanticDims:  cfg.Embeddings.SemanticDimensions,
	})
	defer func() { _ = registry.Close() }()

	projectID := deriveProjectID(root)
	engine := search.NewEngine(projectID, metadata, vector, registry, nil)

	results, err := engine.SearchCode(ctx, query, search.CodeFilter{
		Language: opts.language,
		UnitType: store.SymbolType(opts.unitType),
		Limit:    opts.limit,
	})
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}
	slog.Info("search_complete", slog.Int("results", len(results)))

	if len(results) == 0 {
		out.Status("", fmt.Sprintf("No results found for %q", query))
		return nil
	}

	switch opts.format {
	case "json":
		return formatSearchJSON(cmd, results)
	default:
		return formatSearchText(out, query, results)
	}
}

// formatSearchText outputs results in human-readable format.
func formatSearchText(out *output.Writer, query string, results []search.CodeResult) error {
	out.Statusf("🔍", "Found %d results for %q:", len(results), query)
	out.Newline()

	for i, r := range results {
		if r.Unit == nil {
			continue
		}

		location := r.Unit.FilePath
		if r.Unit.StartLine > 0 {
			location = fmt.Sprintf("%s:%d", r.Unit.FilePath, r.Unit.StartLine)
		}
		out.Statusf("", "%d. %s (score: %.2f)", i+1, location, r.Score)

		for _, line := range getSnippet(r.Unit.Content, 3) {
			out.Status("", "   "+line)
		}
		out.Newline()
	}

	return nil
}

// formatSearchJSON outputs results in JSON format.
func formatSearchJSON(cmd *cobra.Command, results []search.CodeResult) error {
	type jsonResult struct {
		FilePath  string  `json:"file_path"`
		StartLine int     `json:"start_line"`
		EndLine   int     `json:"end_line"`
		Score     float64 `json:"score"`
		Content   string  `json:"content"`
		Language  string  `json:"language,omitempty"`
	}

	var out []jsonResult
	for _, r := range results {
		if r.Unit == nil {
			continue
		}
		out = append(out, jsonResult{
			FilePath:  r.Unit.FilePath,
			StartLine: r.Unit.StartLine,
			EndLine:   r.Unit.EndLine,
			Score:     float64(r.Score),
			Content:   r.Unit.Content,
			Language:  r.Unit.Language,
		})
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// getSnippet returns the first n non-empty-trailing lines of content.
func getSnippet(content string, n int) []string {
	lines := strings.Split(content, "\n")
	if len(lines) > n {
		lines = lines[:n]
	}
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
