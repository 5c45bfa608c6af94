package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/emmilco/clams-sub000/internal/config"
	"github.com/emmilco/clams-sub000/internal/embed"
	"github.com/emmilco/clams-sub000/internal/store"
	"github.com/emmilco/clams-sub000/internal/ui"
)

// DebugInfo is a flattened snapshot of everything useful for diagnosing an
// index, gathered in one pass so `clams debug` works offline and fast.
type DebugInfo struct {
	ProjectRoot string    `json:"project_root"`
	IndexPath   string    `json:"index_path"`
	FileCount   int       `json:"file_count"`
	UnitCount   int       `json:"unit_count"`
	IndexedAt   time.Time `json:"indexed_at"`

	Languages map[string]float64 `json:"languages"`

	EmbedderProvider string `json:"embedder_provider"`
	EmbedderModel    string `json:"embedder_model"`
	EmbedderReady    bool   `json:"embedder_ready"`

	VectorCollections map[string]int `json:"vector_collections"`
	VectorDimensions  int            `json:"vector_dimensions"`

	MetadataSizeBytes int64 `json:"metadata_size_bytes"`
	VectorSizeBytes   int64 `json:"vector_size_bytes"`
}

func newDebugCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "debug [path]",
		Short: "Dump detailed diagnostic information about an index",
		Long: `Prints everything clams knows about an index in one shot: file and
unit counts, language breakdown, embedder configuration, vector store
collection sizes, and on-disk storage usage.

Intended for bug reports and for diagnosing why search results look wrong.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "."
			if len(args) > 0 {
				path = args[0]
			}
			return runDebug(cmd.Context(), cmd, path, jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runDebug(ctx context.Context, cmd *cobra.Command, path string, jsonOutput bool) error {
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
	if !fileExists(metadataPath) {
		return fmt.Errorf("no index found at %s\nRun 'clams index %s' to create one", dataDir, path)
	}

	info, err := collectDebugInfo(ctx, root, dataDir)
	if err != nil {
		return fmt.Errorf("failed to collect debug info: %w", err)
	}

	if jsonOutput {
		encoder := json.NewEncoder(cmd.OutOrStdout())
		encoder.SetIndent("", "  ")
		return encoder.Encode(info)
	}

	return renderDebugInfo(cmd, info)
}

func collectDebugInfo(ctx context.Context, projectRoot, dataDir string) (DebugInfo, error) {
	info := DebugInfo{
		ProjectRoot: projectRoot,
		IndexPath:   dataDir,
		Languages:   map[string]float64{},
	}

	metadataPath := filepath.Join(dataDir, "metadata.db")
	metadata, err := store.NewSQLiteStore(metadataPath)
	if err != nil {
		return info, fmt.Errorf("failed to open metadata store: %w", err)
	}
	defer func() { _ = metadata.Close() }()

	projectID := hashString(projectRoot)
	project, err := metadata.GetProject(ctx, projectID)
	if err == nil && project != nil {
		info.FileCount = project.FileCount
		info.UnitCount = project.UnitCount
		info.IndexedAt = project.IndexedAt

		if files, err := metadata.GetFilesForReconciliation(ctx, projectID); err == nil {
			info.Languages = languageBreakdown(files)
		}
	}

	info.MetadataSizeBytes = getFileSize(metadataPath)

	vectorPath := filepath.Join(dataDir, "vectors.hnsw")
	info.VectorSizeBytes = getFileSize(vectorPath) + getFileSize(vectorPath+".meta")
	info.VectorCollections = map[string]int{}

	if vectors, err := store.NewHNSWStore(); err == nil {
		defer func() { _ = vectors.Close() }()
		if err := vectors.Load(vectorPath); err == nil {
			for _, name := range []string{store.CollectionCodeUnits, store.CollectionMemories} {
				info.VectorCollections[name] = vectors.Count(name)
			}
			if dims, ok := vectors.CollectionDimensions(store.CollectionCodeUnits); ok {
				info.VectorDimensions = dims
			}
		}
	}

	cfg, err := config.Load(projectRoot)
	if err != nil {
		cfg = config.NewConfig()
	}

	provider := embed.ParseProvider(cfg.Embeddings.Provider)
	info.EmbedderProvider = provider.String()
	info.EmbedderModel = cfg.Embeddings.CodeModel

	if embedder, err := embed.NewEmbedder(ctx, provider, cfg.Embeddings.CodeModel); err == nil {
		defer embedder.Close()
		embedderInfo := embed.GetInfo(ctx, embedder)
		info.EmbedderModel = embedderInfo.Model
		info.EmbedderReady = embedderInfo.Available
	}

	return info, nil
}

// languageBreakdown computes each normalized extension's share of the
// indexed file set, keyed by normalizeExtension's bucket names.
func languageBreakdown(files map[string]*store.IndexedFile) map[string]float64 {
	counts := map[string]int{}
	total := 0
	for path := range files {
		ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
		if ext == "" {
			continue
		}
		counts[normalizeExtension(ext)]++
		total++
	}

	if total == 0 {
		return map[string]float64{}
	}

	langs := make(map[string]float64, len(counts))
	for lang, count := range counts {
		langs[lang] = float64(count) / float64(total)
	}
	return langs
}

func renderDebugInfo(cmd *cobra.Command, info DebugInfo) error {
	out := cmd.OutOrStdout()

	fmt.Fprintln(out, "Clams Debug Info")
	fmt.Fprintln(out, "================")
	fmt.Fprintln(out)

	fmt.Fprintf(out, "Project: %s\n", info.ProjectRoot)
	fmt.Fprintf(out, "Index:   %s\n", info.IndexPath)
	fmt.Fprintf(out, "Indexed: %s (%s)\n", formatIndexTime(info.IndexedAt), formatAge(info.IndexedAt))
	fmt.Fprintln(out)

	fmt.Fprintln(out, "FILES & UNITS")
	fmt.Fprintf(out, "  Files:     %s\n", formatNumber(info.FileCount))
	fmt.Fprintf(out, "  Units:     %s\n", formatNumber(info.UnitCount))
	fmt.Fprintf(out, "  Languages: %s\n", formatLanguages(info.Languages))
	fmt.Fprintln(out)

	fmt.Fprintln(out, "EMBEDDER")
	fmt.Fprintf(out, "  Provider: %s\n", info.EmbedderProvider)
	fmt.Fprintf(out, "  Model:    %s\n", info.EmbedderModel)
	fmt.Fprintf(out, "  Ready:    %v\n", info.EmbedderReady)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "VECTOR STORE")
	fmt.Fprintf(out, "  Dimensions: %d\n", info.VectorDimensions)
	names := make([]string, 0, len(info.VectorCollections))
	for name := range info.VectorCollections {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(out, "  %s: %s vectors\n", name, formatNumber(info.VectorCollections[name]))
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "STORAGE")
	fmt.Fprintf(out, "  Metadata: %s\n", ui.FormatBytes(info.MetadataSizeBytes))
	fmt.Fprintf(out, "  Vectors:  %s\n", ui.FormatBytes(info.VectorSizeBytes))
	fmt.Fprintf(out, "  Total:    %s\n", ui.FormatBytes(info.MetadataSizeBytes+info.VectorSizeBytes))

	return nil
}

// formatAge renders a human-friendly relative age, the way a dashboard does.
func formatAge(t time.Time) string {
	if t.IsZero() {
		return "unknown"
	}

	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		mins := int(d.Minutes())
		if mins == 1 {
			return "1 minute ago"
		}
		return fmt.Sprintf("%d minutes ago", mins)
	case d < 24*time.Hour:
		hours := int(d.Hours())
		if hours == 1 {
			return "1 hour ago"
		}
		return fmt.Sprintf("%d hours ago", hours)
	default:
		days := int(d.Hours() / 24)
		if days == 1 {
			return "1 day ago"
		}
		return fmt.Sprintf("%d days ago", days)
	}
}

// formatNumber adds thousands separators, e.g. 12345 -> "12,345".
func formatNumber(n int) string {
	s := strconv.Itoa(n)
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}

	var groups []string
	for len(s) > 3 {
		groups = append([]string{s[len(s)-3:]}, groups...)
		s = s[:len(s)-3]
	}
	groups = append([]string{s}, groups...)

	result := strings.Join(groups, ",")
	if neg {
		result = "-" + result
	}
	return result
}

// formatLanguages renders a language breakdown sorted by descending share,
// e.g. "go (50%), ts (30%), md (20%)".
func formatLanguages(langs map[string]float64) string {
	if len(langs) == 0 {
		return "none"
	}

	type entry struct {
		name  string
		share float64
	}

	entries := make([]entry, 0, len(langs))
	for name, share := range langs {
		entries = append(entries, entry{name, share})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].share != entries[j].share {
			return entries[i].share > entries[j].share
		}
		return entries[i].name < entries[j].name
	})

	parts := make([]string, 0, len(entries))
	for _, e := range entries {
		parts = append(parts, fmt.Sprintf("%s (%d%%)", e.name, int(e.share*100+0.5)))
	}
	return strings.Join(parts, ", ")
}

// normalizeExtension folds file extension aliases into one canonical bucket
// name, so .tsx and .ts both count as "ts" in a language breakdown.
func normalizeExtension(ext string) string {
	switch strings.ToLower(ext) {
	case "ts", "tsx":
		return "ts"
	case "js", "jsx", "mjs":
		return "js"
	case "yml", "yaml":
		return "yaml"
	case "htm", "html":
		return "html"
	default:
		return strings.ToLower(ext)
	}
}
