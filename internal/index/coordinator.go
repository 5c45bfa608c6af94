package index

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/emmilco/clams-sub000/internal/chunk"
	"github.com/emmilco/clams-sub000/internal/embed"
	"github.com/emmilco/clams-sub000/internal/gitignore"
	"github.com/emmilco/clams-sub000/internal/scanner"
	"github.com/emmilco/clams-sub000/internal/store"
	"github.com/emmilco/clams-sub000/internal/watcher"
)

// DefaultMaxFileSize is the default maximum file size to index (100MB).
// Files larger than this are skipped to prevent memory exhaustion.
const DefaultMaxFileSize int64 = 100 * 1024 * 1024

// embedBatchSize is the default code-unit batch size for embedding, per the
// indexer's step 5.
const embedBatchSize = 100

// CoordinatorConfig contains configuration for the Coordinator.
type CoordinatorConfig struct {
	// ProjectID is the unique identifier for this project.
	ProjectID string

	// RootPath is the absolute path to the project root.
	RootPath string

	// Metadata is the metadata store for file/unit tracking.
	Metadata store.MetadataStore

	// Vector is the vector store for code unit embeddings.
	Vector store.VectorStore

	// Embedder generates embeddings for code units (the code role).
	Embedder embed.Embedder

	// CodeChunker splits source files into units.
	CodeChunker chunk.Chunker

	// Scanner is used for filesystem scans and gitignore reconciliation
	// (optional). When set, enables automatic index updates on .gitignore
	// changes and startup/offline reconciliation.
	Scanner *scanner.Scanner

	// ExcludePatterns are patterns to exclude from scanning (from config).
	ExcludePatterns []string

	// MaxFileSize is the maximum file size to index in bytes (optional).
	// Defaults to DefaultMaxFileSize (100MB) if zero.
	MaxFileSize int64
}

// Coordinator indexes code files into the code_units store and keeps that
// index in sync with both live file events and offline changes.
type Coordinator struct {
	config CoordinatorConfig
	mu     sync.Mutex
}

// NewCoordinator creates a new index coordinator.
func NewCoordinator(config CoordinatorConfig) *Coordinator {
	return &Coordinator{config: config}
}

func (c *Coordinator) maxFileSize() int64 {
	if c.config.MaxFileSize > 0 {
		return c.config.MaxFileSize
	}
	return DefaultMaxFileSize
}

// HandleEvents processes a batch of file events.
func (c *Coordinator) HandleEvents(ctx context.Context, events []watcher.FileEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var processed int
	for _, event := range events {
		if err := c.handleEvent(ctx, event); err != nil {
			slog.Warn("failed to process file event",
				slog.String("path", event.Path),
				slog.String("operation", event.Operation.String()),
				slog.String("error", err.Error()))
			continue
		}
		processed++
	}

	if processed > 0 {
		if err := c.refreshProjectStats(ctx); err != nil {
			slog.Warn("failed to refresh project stats", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (c *Coordinator) refreshProjectStats(ctx context.Context) error {
	ids, err := c.config.Metadata.ListCodeUnitIDsByProject(ctx, c.config.ProjectID)
	if err != nil {
		return err
	}
	files, err := c.config.Metadata.GetFilesForReconciliation(ctx, c.config.ProjectID)
	if err != nil {
		return err
	}
	return c.config.Metadata.UpdateProjectStats(ctx, c.config.ProjectID, len(files), len(ids))
}

func (c *Coordinator) handleEvent(ctx context.Context, event watcher.FileEvent) error {
	slog.Debug("processing file event",
		slog.String("path", event.Path),
		slog.String("operation", event.Operation.String()),
		slog.Bool("is_dir", event.IsDir))

	if event.IsDir {
		return nil
	}

	switch event.Operation {
	case watcher.OpCreate, watcher.OpModify:
		return c.indexFile(ctx, event.Path)
	case watcher.OpDelete:
		return c.removeFile(ctx, event.Path)
	case watcher.OpRename:
		// Rename is handled as delete + create by the watcher.
		return nil
	case watcher.OpGitignoreChange:
		return c.handleGitignoreChange(ctx, event.Path)
	case watcher.OpConfigChange:
		return c.handleConfigChange(ctx)
	default:
		return nil
	}
}

// indexFile runs the full per-file indexing algorithm: skip checks,
// mtime/hash comparison, parse, delete-prior-units, embed, upsert.
func (c *Coordinator) indexFile(ctx context.Context, relPath string) error {
	absPath := filepath.Join(c.config.RootPath, relPath)

	info, err := os.Lstat(absPath)
	if err != nil {
		return fmt.Errorf("failed to stat file: %w", err)
	}
	if info.Mode()&os.ModeSymlink != 0 {
		slog.Debug("skipping symlink", slog.String("path", relPath))
		return nil
	}

	maxSize := c.maxFileSize()
	if info.Size() > maxSize {
		slog.Warn("skipping oversized file",
			slog.String("path", relPath), slog.Int64("size", info.Size()), slog.Int64("max", maxSize))
		return nil
	}

	content, err := os.ReadFile(absPath)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}
	if isBinaryContent(content) {
		return nil
	}

	language := scanner.DetectLanguage(relPath)
	contentType := scanner.DetectContentType(language)
	if contentType != scanner.ContentTypeCode {
		return nil
	}

	fileID := generateFileID(c.config.ProjectID, relPath)
	contentHash := hashContent(content)

	// Step 2: (mtime, content_hash) compare against indexed_files; skip if
	// unchanged.
	if existing, err := c.config.Metadata.GetFileByPath(ctx, c.config.ProjectID, relPath); err == nil && existing != nil {
		if existing.ContentHash == contentHash && existing.ModTime.Equal(info.ModTime().Truncate(0)) {
			slog.Debug("skipping unchanged file", slog.String("path", relPath))
			return nil
		}
	}

	// Step 3: parse into units.
	units, err := c.config.CodeChunker.Chunk(ctx, &chunk.FileInput{Path: relPath, Content: content, Language: language})
	if err != nil {
		return fmt.Errorf("failed to parse file: %w", err)
	}

	// Step 4: if the file existed, paginate-delete its prior units.
	if err := c.deleteFileUnits(ctx, fileID); err != nil {
		return fmt.Errorf("failed to clear prior units: %w", err)
	}

	if len(units) == 0 {
		// No units extracted (e.g. empty file); still record the file so a
		// later unchanged-content check can skip it.
		return c.saveFileRecord(ctx, fileID, relPath, info, contentHash, language)
	}

	codeUnits := make([]*store.CodeUnit, len(units))
	for i, u := range units {
		codeUnits[i] = convertChunkToCodeUnit(u, fileID)
	}

	// Step 5+6: batch-embed and upsert with payload.
	if err := c.embedAndUpsert(ctx, codeUnits); err != nil {
		return err
	}

	// Step 7: atomically update indexed_files only once units are durably
	// upserted.
	if err := c.config.Metadata.SaveCodeUnits(ctx, codeUnits); err != nil {
		return fmt.Errorf("failed to save code units: %w", err)
	}
	return c.saveFileRecord(ctx, fileID, relPath, info, contentHash, language)
}

func (c *Coordinator) saveFileRecord(ctx context.Context, fileID, relPath string, info os.FileInfo, contentHash, language string) error {
	file := &store.IndexedFile{
		ID:          fileID,
		ProjectID:   c.config.ProjectID,
		Path:        relPath,
		Size:        info.Size(),
		ModTime:     info.ModTime().Truncate(0),
		ContentHash: contentHash,
		Language:    language,
	}
	if err := c.config.Metadata.SaveFiles(ctx, []*store.IndexedFile{file}); err != nil {
		return fmt.Errorf("failed to save file record: %w", err)
	}
	return nil
}

// embedAndUpsert embeds units with the code embedder in embedBatchSize
// batches and writes each batch's vectors with its unit payload.
func (c *Coordinator) embedAndUpsert(ctx context.Context, units []*store.CodeUnit) error {
	if err := c.config.Vector.EnsureCollection(ctx, store.CollectionCodeUnits,
		store.DefaultVectorStoreConfig(c.config.Embedder.Dimensions())); err != nil {
		return fmt.Errorf("failed to ensure code_units collection: %w", err)
	}

	for start := 0; start < len(units); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(units) {
			end = len(units)
		}
		batch := units[start:end]

		texts := make([]string, len(batch))
		ids := make([]string, len(batch))
		payloads := make([]map[string]string, len(batch))
		for i, u := range batch {
			texts[i] = u.Content
			ids[i] = u.ID
			payloads[i] = codeUnitPayload(u, c.config.ProjectID)
		}

		vectors, err := c.config.Embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return fmt.Errorf("failed to embed code units: %w", err)
		}
		if err := c.config.Vector.Add(ctx, store.CollectionCodeUnits, ids, vectors, payloads); err != nil {
			return fmt.Errorf("failed to add code unit vectors: %w", err)
		}
	}
	return nil
}

// codeUnitPayload builds the vector payload for a code unit: project,
// location, language, and the primary symbol's identity fields.
func codeUnitPayload(u *store.CodeUnit, projectID string) map[string]string {
	payload := map[string]string{
		"project":    projectID,
		"file_path":  u.FilePath,
		"language":   u.Language,
		"start_line": fmt.Sprintf("%d", u.StartLine),
		"end_line":   fmt.Sprintf("%d", u.EndLine),
	}
	if len(u.Symbols) > 0 {
		sym := u.Symbols[0]
		payload["unit_type"] = string(sym.Type)
		payload["name"] = sym.Name
		payload["qualified_name"] = u.Metadata["qualified_name"]
		payload["signature"] = sym.Signature
		payload["has_docstring"] = fmt.Sprintf("%t", sym.DocComment != "")
	}
	return payload
}

// deleteFileUnits removes every code unit belonging to a file from both
// stores, looping until the metadata store reports none remain rather than
// assuming a single delete call drains everything.
func (c *Coordinator) deleteFileUnits(ctx context.Context, fileID string) error {
	const batchSize = 500
	for {
		units, err := c.config.Metadata.GetCodeUnitsByFile(ctx, fileID)
		if err != nil {
			return err
		}
		if len(units) == 0 {
			return nil
		}

		ids := make([]string, len(units))
		for i, u := range units {
			ids[i] = u.ID
		}
		for start := 0; start < len(ids); start += batchSize {
			end := start + batchSize
			if end > len(ids) {
				end = len(ids)
			}
			if err := c.config.Vector.Delete(ctx, store.CollectionCodeUnits, ids[start:end]); err != nil {
				return fmt.Errorf("failed to delete code unit vectors: %w", err)
			}
		}
		if err := c.config.Metadata.DeleteCodeUnitsByFile(ctx, fileID); err != nil {
			return fmt.Errorf("failed to delete code unit rows: %w", err)
		}
	}
}

// removeFile removes a file's units from the index entirely.
func (c *Coordinator) removeFile(ctx context.Context, relPath string) error {
	fileID := generateFileID(c.config.ProjectID, relPath)

	if err := c.deleteFileUnits(ctx, fileID); err != nil {
		return err
	}
	if err := c.config.Metadata.DeleteFile(ctx, fileID); err != nil {
		slog.Warn("failed to delete file record",
			slog.String("file_id", fileID), slog.String("path", relPath), slog.String("error", err.Error()))
	}
	return nil
}

// IndexProject walks the whole project and indexes every code file found,
// used for the initial/full index run rather than a single-file event.
func (c *Coordinator) IndexProject(ctx context.Context) (files, units, errs int, err error) {
	if c.config.Scanner == nil {
		return 0, 0, 0, fmt.Errorf("scanner not configured")
	}

	resultChan, scanErr := c.config.Scanner.Scan(ctx, &scanner.ScanOptions{
		RootDir:          c.config.RootPath,
		ExcludePatterns:  c.config.ExcludePatterns,
		RespectGitignore: true,
	})
	if scanErr != nil {
		return 0, 0, 0, fmt.Errorf("failed to start scan: %w", scanErr)
	}

	for result := range resultChan {
		if result.Error != nil {
			errs++
			continue
		}
		if result.File == nil || result.File.ContentType != scanner.ContentTypeCode {
			continue
		}
		if err := c.indexFile(ctx, result.File.Path); err != nil {
			slog.Warn("failed to index file", slog.String("path", result.File.Path), slog.String("error", err.Error()))
			errs++
			continue
		}
		files++
	}

	unitIDs, idErr := c.config.Metadata.ListCodeUnitIDsByProject(ctx, c.config.ProjectID)
	if idErr == nil {
		units = len(unitIDs)
	}
	if err := c.refreshProjectStats(ctx); err != nil {
		slog.Warn("failed to refresh project stats", slog.String("error", err.Error()))
	}

	return files, units, errs, nil
}

// convertChunkToCodeUnit adapts a parsed chunk.Chunk into a store.CodeUnit,
// carrying the symbol's qualified name through Metadata since store.Symbol
// has no such field.
func convertChunkToCodeUnit(c *chunk.Chunk, fileID string) *store.CodeUnit {
	symbols := make([]*store.Symbol, len(c.Symbols))
	qualifiedName := ""
	for i, s := range c.Symbols {
		symbols[i] = &store.Symbol{
			Name:       s.Name,
			Type:       store.SymbolType(s.Type),
			StartLine:  s.StartLine,
			EndLine:    s.EndLine,
			Signature:  s.Signature,
			DocComment: s.DocComment,
		}
		if i == 0 {
			qualifiedName = fmt.Sprintf("%s::%s", c.FilePath, s.Name)
		}
	}

	metadata := c.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	metadata["qualified_name"] = qualifiedName

	return &store.CodeUnit{
		ID:         c.ID,
		FileID:     fileID,
		FilePath:   c.FilePath,
		Content:    c.Content,
		RawContent: c.RawContent,
		Context:    c.Context,
		Language:   c.Language,
		StartLine:  c.StartLine,
		EndLine:    c.EndLine,
		Symbols:    symbols,
		Metadata:   metadata,
	}
}

// reconcileType represents the strategy for gitignore reconciliation.
type reconcileType int

const (
	reconcileFull reconcileType = iota
	reconcileSubtree
	reconcilePatternDiff
)

// reconcileStrategy contains the determined reconciliation approach.
type reconcileStrategy struct {
	Type            reconcileType
	Scope           string   // for subtree (directory path)
	AddedPatterns   []string // for pattern diff
	RemovedPatterns []string // for pattern diff (triggers full scan)
}

// stateGitignoreContent is the state key for storing root .gitignore content.
const stateGitignoreContent = "gitignore_content"

// handleGitignoreChange reconciles the index when .gitignore changes at
// runtime, using the cheapest strategy the change allows:
//   - nested .gitignore: subtree scan only
//   - root .gitignore, patterns added only: no scan, just filter indexed paths
//   - root .gitignore, patterns removed: full scan
func (c *Coordinator) handleGitignoreChange(ctx context.Context, gitignorePath string) error {
	if c.config.Scanner == nil {
		slog.Warn("gitignore change detected but scanner not configured, skipping reconciliation")
		return nil
	}

	c.config.Scanner.InvalidateGitignoreCache()
	slog.Debug("invalidated scanner gitignore cache", "trigger", gitignorePath)

	strategy := c.determineReconciliationStrategy(ctx, gitignorePath)

	var err error
	switch strategy.Type {
	case reconcileSubtree:
		slog.Info("gitignore change - subtree reconciliation",
			slog.String("path", gitignorePath), slog.String("scope", strategy.Scope))
		err = c.reconcileGitignoreSubtree(ctx, strategy.Scope)
	case reconcilePatternDiff:
		slog.Info("gitignore change - pattern diff reconciliation",
			slog.String("path", gitignorePath), slog.Int("added", len(strategy.AddedPatterns)))
		err = c.reconcileGitignorePatternDiff(ctx, strategy.AddedPatterns)
	default:
		slog.Info("gitignore change - full reconciliation", slog.String("path", gitignorePath))
		err = c.reconcileGitignoreInternal(ctx)
	}
	if err != nil {
		return err
	}

	newHash, hashErr := ComputeGitignoreHash(c.config.RootPath)
	if hashErr != nil {
		slog.Warn("failed to compute new gitignore hash", slog.String("error", hashErr.Error()))
		return nil
	}
	if setErr := c.config.Metadata.SetState(ctx, GitignoreHashKey, newHash); setErr != nil {
		slog.Warn("failed to save gitignore hash", slog.String("error", setErr.Error()))
	}
	return nil
}

func (c *Coordinator) determineReconciliationStrategy(ctx context.Context, gitignorePath string) reconcileStrategy {
	relPath, err := filepath.Rel(c.config.RootPath, gitignorePath)
	if err != nil {
		slog.Debug("failed to get relative path, using full reconciliation", slog.String("error", err.Error()))
		return reconcileStrategy{Type: reconcileFull}
	}

	dir := filepath.Dir(relPath)
	if dir != "." && dir != "" {
		return reconcileStrategy{Type: reconcileSubtree, Scope: dir}
	}

	oldContent, err := c.config.Metadata.GetState(ctx, stateGitignoreContent)
	if err != nil || oldContent == "" {
		newContent, _ := os.ReadFile(gitignorePath)
		if len(newContent) > 0 {
			_ = c.config.Metadata.SetState(ctx, stateGitignoreContent, string(newContent))
		}
		return reconcileStrategy{Type: reconcileFull}
	}

	newContent, err := os.ReadFile(gitignorePath)
	if err != nil {
		_ = c.config.Metadata.SetState(ctx, stateGitignoreContent, "")
		return reconcileStrategy{Type: reconcileFull}
	}

	added, removed := gitignore.DiffPatterns(oldContent, string(newContent))
	_ = c.config.Metadata.SetState(ctx, stateGitignoreContent, string(newContent))

	if len(added) > 0 && len(removed) == 0 {
		slog.Debug("root gitignore: only patterns added, using pattern diff", slog.Int("added_count", len(added)))
		return reconcileStrategy{Type: reconcilePatternDiff, AddedPatterns: added}
	}
	if len(removed) > 0 {
		slog.Debug("root gitignore: patterns removed, requiring full scan",
			slog.Int("removed_count", len(removed)), slog.Int("added_count", len(added)))
		return reconcileStrategy{Type: reconcileFull, AddedPatterns: added, RemovedPatterns: removed}
	}

	slog.Debug("root gitignore: no pattern changes detected")
	return reconcileStrategy{Type: reconcilePatternDiff, AddedPatterns: nil}
}

// reconcileGitignorePatternDiff handles root .gitignore with only ADDED
// patterns: no filesystem scan is needed, just filter indexed paths.
func (c *Coordinator) reconcileGitignorePatternDiff(ctx context.Context, addedPatterns []string) error {
	if len(addedPatterns) == 0 {
		slog.Debug("gitignore pattern diff: no patterns to process")
		return nil
	}

	indexed, err := c.config.Metadata.GetFilesForReconciliation(ctx, c.config.ProjectID)
	if err != nil {
		return fmt.Errorf("failed to list indexed files: %w", err)
	}

	var toRemove []string
	for path := range indexed {
		if gitignore.MatchesAnyPattern(path, addedPatterns) {
			toRemove = append(toRemove, path)
		}
	}

	for _, path := range toRemove {
		if err := c.removeFile(ctx, path); err != nil {
			slog.Warn("failed to remove newly-ignored file", slog.String("path", path), slog.String("error", err.Error()))
		}
	}

	slog.Info("pattern diff reconciliation complete",
		slog.Int("patterns_added", len(addedPatterns)), slog.Int("files_removed", len(toRemove)))
	return nil
}

// reconcileGitignoreSubtree reconciles only files under a specific subtree,
// used when a nested .gitignore changes.
func (c *Coordinator) reconcileGitignoreSubtree(ctx context.Context, subtreePath string) error {
	indexed, err := c.config.Metadata.GetFilesForReconciliation(ctx, c.config.ProjectID)
	if err != nil {
		return fmt.Errorf("failed to list indexed files: %w", err)
	}
	indexedSet := make(map[string]bool)
	for path := range indexed {
		if isUnderSubtree(path, subtreePath) {
			indexedSet[path] = true
		}
	}
	slog.Debug("indexed files in subtree", slog.Int("count", len(indexedSet)), slog.String("subtree", subtreePath))

	resultChan, err := c.config.Scanner.ScanSubtree(ctx, &scanner.ScanOptions{
		RootDir:          c.config.RootPath,
		RespectGitignore: true,
	}, subtreePath)
	if err != nil {
		return fmt.Errorf("failed to scan subtree %s: %w", subtreePath, err)
	}

	shouldBeIndexed := make(map[string]bool)
	for result := range resultChan {
		if result.Error != nil || result.File == nil {
			continue
		}
		if result.File.ContentType == scanner.ContentTypeCode {
			shouldBeIndexed[result.File.Path] = true
		}
	}
	slog.Debug("current files in subtree", slog.Int("count", len(shouldBeIndexed)), slog.String("subtree", subtreePath))

	var toRemove, toAdd []string
	for path := range indexedSet {
		if !shouldBeIndexed[path] {
			toRemove = append(toRemove, path)
		}
	}
	for path := range shouldBeIndexed {
		if !indexedSet[path] {
			toAdd = append(toAdd, path)
		}
	}

	for _, path := range toRemove {
		if err := c.removeFile(ctx, path); err != nil {
			slog.Warn("failed to remove file during subtree reconciliation", slog.String("path", path), slog.String("error", err.Error()))
		}
	}
	for _, path := range toAdd {
		if err := c.indexFile(ctx, path); err != nil {
			slog.Warn("failed to index file during subtree reconciliation", slog.String("path", path), slog.String("error", err.Error()))
		}
	}

	slog.Info("subtree reconciliation complete",
		slog.String("subtree", subtreePath), slog.Int("removed", len(toRemove)), slog.Int("added", len(toAdd)))
	return nil
}

func isUnderSubtree(path, subtree string) bool {
	rel, err := filepath.Rel(subtree, path)
	return err == nil && rel != ".." && !filepath.IsAbs(rel) && rel[0:2] != ".."+string(filepath.Separator)
}

// handleConfigChange re-triggers gitignore-style reconciliation when the
// project's config file changes. Full config hot-reload (e.g. new exclude
// patterns taking effect for the scanner itself) still requires a restart.
func (c *Coordinator) handleConfigChange(ctx context.Context) error {
	slog.Info("configuration file changed", slog.String("note", "restart server for full config reload"))

	if c.config.Scanner == nil {
		slog.Warn("config change detected but scanner not configured, skipping reconciliation")
		return nil
	}
	c.config.Scanner.InvalidateGitignoreCache()
	return c.reconcileGitignoreInternal(ctx)
}

func generateFileID(projectID, path string) string {
	input := fmt.Sprintf("%s:%s", projectID, path)
	hash := sha256.Sum256([]byte(input))
	return hex.EncodeToString(hash[:])[:16]
}

func hashContent(content []byte) string {
	hash := sha256.Sum256(content)
	return hex.EncodeToString(hash[:])
}

func isBinaryContent(content []byte) bool {
	checkLen := 512
	if len(content) < checkLen {
		checkLen = len(content)
	}
	for i := 0; i < checkLen; i++ {
		if content[i] == 0 {
			return true
		}
	}
	return false
}

// GitignoreHashKey is the state key for storing the gitignore hash.
const GitignoreHashKey = "gitignore_hash"

// ComputeGitignoreHash computes a SHA256 hash of all .gitignore files in the
// project, deterministic by sorting paths before hashing.
func ComputeGitignoreHash(rootPath string) (string, error) {
	var gitignorePaths []string

	err := filepath.WalkDir(rootPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			name := d.Name()
			if name != "." && (name[0] == '.' || name == "node_modules" || name == "vendor") {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Name() == ".gitignore" {
			gitignorePaths = append(gitignorePaths, path)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to walk directory: %w", err)
	}

	sort.Strings(gitignorePaths)

	h := sha256.New()
	for _, path := range gitignorePaths {
		content, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		relPath, _ := filepath.Rel(rootPath, path)
		h.Write([]byte(relPath))
		h.Write([]byte(":"))
		h.Write(content)
		h.Write([]byte("\n"))
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// ReconcileOnStartup checks if .gitignore files have changed since last run
// and reconciles the index if so, handling changes made while offline.
func (c *Coordinator) ReconcileOnStartup(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.config.Scanner == nil {
		slog.Debug("startup reconciliation skipped: scanner not configured")
		return nil
	}

	cachedHash, err := c.config.Metadata.GetState(ctx, GitignoreHashKey)
	if err != nil {
		slog.Warn("failed to get cached gitignore hash", slog.String("error", err.Error()))
	}

	currentHash, err := ComputeGitignoreHash(c.config.RootPath)
	if err != nil {
		slog.Warn("failed to compute gitignore hash", slog.String("error", err.Error()))
		return nil
	}

	if cachedHash == currentHash && cachedHash != "" {
		slog.Debug("gitignore unchanged since last run, skipping startup reconciliation")
		return nil
	}

	slog.Info("gitignore changed since last run, reconciling index")
	if err := c.reconcileGitignoreInternal(ctx); err != nil {
		return fmt.Errorf("startup reconciliation failed: %w", err)
	}

	if err := c.config.Metadata.SetState(ctx, GitignoreHashKey, currentHash); err != nil {
		slog.Warn("failed to save gitignore hash", slog.String("error", err.Error()))
	}
	return nil
}

// reconcileGitignoreInternal is the internal reconciliation logic without
// locking; called by both handleGitignoreChange and ReconcileOnStartup.
func (c *Coordinator) reconcileGitignoreInternal(ctx context.Context) error {
	if c.config.Scanner == nil {
		return nil
	}
	slog.Debug("reconciling index after gitignore change")

	indexed, err := c.config.Metadata.GetFilesForReconciliation(ctx, c.config.ProjectID)
	if err != nil {
		return fmt.Errorf("failed to get indexed files: %w", err)
	}
	indexedSet := make(map[string]bool, len(indexed))
	for path := range indexed {
		indexedSet[path] = true
	}

	resultChan, err := c.config.Scanner.Scan(ctx, &scanner.ScanOptions{
		RootDir:          c.config.RootPath,
		RespectGitignore: true,
		ExcludePatterns:  c.config.ExcludePatterns,
	})
	if err != nil {
		return fmt.Errorf("failed to scan for gitignore reconciliation: %w", err)
	}

	shouldBeIndexed := make(map[string]bool)
	for result := range resultChan {
		if result.Error != nil || result.File == nil {
			continue
		}
		if result.File.ContentType == scanner.ContentTypeCode {
			shouldBeIndexed[result.File.Path] = true
		}
	}

	var toRemove, toAdd []string
	for path := range indexedSet {
		if !shouldBeIndexed[path] {
			toRemove = append(toRemove, path)
		}
	}
	for path := range shouldBeIndexed {
		if !indexedSet[path] {
			toAdd = append(toAdd, path)
		}
	}

	for _, path := range toRemove {
		if err := c.removeFile(ctx, path); err != nil {
			slog.Warn("failed to remove file during gitignore sync", slog.String("path", path), slog.String("error", err.Error()))
		}
	}
	for _, path := range toAdd {
		if err := c.indexFile(ctx, path); err != nil {
			slog.Warn("failed to index file during gitignore sync", slog.String("path", path), slog.String("error", err.Error()))
		}
	}

	if len(toRemove) > 0 || len(toAdd) > 0 {
		slog.Info("gitignore sync completed", slog.Int("removed", len(toRemove)), slog.Int("added", len(toAdd)))
	} else {
		slog.Debug("gitignore sync: no changes needed")
	}
	return nil
}

// ChangeType represents the type of file change detected during
// reconciliation.
type ChangeType int

const (
	ChangeTypeAdded ChangeType = iota
	ChangeTypeModified
	ChangeTypeDeleted
)

// FileChange represents a detected file change during startup
// reconciliation.
type FileChange struct {
	Path string
	Type ChangeType
}

// ReconcileFilesOnStartup detects and reconciles file changes that occurred
// while the server was stopped: new files, modified files, and deletions.
func (c *Coordinator) ReconcileFilesOnStartup(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.config.Scanner == nil {
		slog.Debug("file reconciliation skipped: scanner not configured")
		return nil
	}
	slog.Debug("starting file reconciliation check")

	indexedFiles, err := c.config.Metadata.GetFilesForReconciliation(ctx, c.config.ProjectID)
	if err != nil {
		return fmt.Errorf("failed to get indexed files: %w", err)
	}
	if len(indexedFiles) == 0 {
		slog.Debug("no indexed files found, skipping file reconciliation")
		return nil
	}

	currentFiles, err := c.scanCurrentFiles(ctx)
	if err != nil {
		return fmt.Errorf("failed to scan filesystem: %w", err)
	}

	changes := c.detectFileChanges(indexedFiles, currentFiles)
	if len(changes) == 0 {
		slog.Debug("no file changes detected since last index")
		return nil
	}

	var added, modified, deleted int
	for _, ch := range changes {
		switch ch.Type {
		case ChangeTypeAdded:
			added++
		case ChangeTypeModified:
			modified++
		case ChangeTypeDeleted:
			deleted++
		}
	}
	slog.Info("file changes detected, reconciling",
		slog.Int("added", added), slog.Int("modified", modified), slog.Int("deleted", deleted))

	if err := c.applyFileChanges(ctx, changes); err != nil {
		return fmt.Errorf("failed to apply file changes: %w", err)
	}
	slog.Info("file reconciliation completed", slog.Int("total_changes", len(changes)))
	return nil
}

func (c *Coordinator) scanCurrentFiles(ctx context.Context) (map[string]*scanner.FileInfo, error) {
	resultChan, err := c.config.Scanner.Scan(ctx, &scanner.ScanOptions{
		RootDir:          c.config.RootPath,
		RespectGitignore: true,
		ExcludePatterns:  c.config.ExcludePatterns,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start scan: %w", err)
	}

	current := make(map[string]*scanner.FileInfo)
	for result := range resultChan {
		if result.Error != nil || result.File == nil {
			continue
		}
		if result.File.ContentType == scanner.ContentTypeCode {
			current[result.File.Path] = result.File
		}
	}
	return current, nil
}

func (c *Coordinator) detectFileChanges(indexed map[string]*store.IndexedFile, current map[string]*scanner.FileInfo) []FileChange {
	var changes []FileChange

	for path, indexedFile := range indexed {
		currentFile, exists := current[path]
		if !exists {
			changes = append(changes, FileChange{Path: path, Type: ChangeTypeDeleted})
			continue
		}
		indexedMtime := indexedFile.ModTime.Truncate(1e9)
		currentMtime := currentFile.ModTime.Truncate(1e9)
		if !currentMtime.Equal(indexedMtime) || currentFile.Size != indexedFile.Size {
			changes = append(changes, FileChange{Path: path, Type: ChangeTypeModified})
		}
	}
	for path := range current {
		if _, exists := indexed[path]; !exists {
			changes = append(changes, FileChange{Path: path, Type: ChangeTypeAdded})
		}
	}

	// Deterministic ordering: deletions first, then modifications, then
	// additions, so a rename observed as delete+add never races.
	sort.Slice(changes, func(i, j int) bool {
		if changes[i].Type != changes[j].Type {
			return changes[i].Type > changes[j].Type
		}
		return changes[i].Path < changes[j].Path
	})
	return changes
}

func (c *Coordinator) applyFileChanges(ctx context.Context, changes []FileChange) error {
	var deleted, modified, added int

	for i, change := range changes {
		select {
		case <-ctx.Done():
			slog.Debug("file reconciliation interrupted by shutdown",
				slog.Int("processed", i), slog.Int("remaining", len(changes)-i))
			return nil
		default:
		}

		switch change.Type {
		case ChangeTypeDeleted:
			if err := c.removeFile(ctx, change.Path); err != nil {
				slog.Warn("failed to remove deleted file from index", slog.String("path", change.Path), slog.String("error", err.Error()))
			} else {
				deleted++
			}
		case ChangeTypeModified, ChangeTypeAdded:
			if err := c.indexFile(ctx, change.Path); err != nil {
				slog.Warn("failed to index file", slog.String("path", change.Path), slog.String("error", err.Error()))
			} else if change.Type == ChangeTypeModified {
				modified++
			} else {
				added++
			}
		}
	}

	slog.Debug("file reconciliation applied",
		slog.Int("deleted", deleted), slog.Int("modified", modified), slog.Int("added", added))
	return nil
}
