package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	amerrors "github.com/emmilco/clams-sub000/internal/errors"
	"github.com/emmilco/clams-sub000/internal/telemetry"
	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)
)

// SQLiteStore implements MetadataStore on top of modernc.org/sqlite.
//
// A single connection is kept open (SetMaxOpenConns(1)) since SQLite only
// supports one writer at a time; WAL mode lets readers proceed concurrently
// against other processes holding the same file.
type SQLiteStore struct {
	mu     sync.RWMutex
	db     *sql.DB
	path   string
	closed bool
}

var _ MetadataStore = (*SQLiteStore)(nil)

// validateSQLiteIntegrity checks a metadata database for corruption before
// opening it for real. Mirrors the same pattern used for the vector index:
// run a PRAGMA integrity_check and confirm a known table exists.
func validateSQLiteIntegrity(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	db, err := sql.Open("sqlite", path+"?mode=ro")
	if err != nil {
		return fmt.Errorf("cannot open for validation: %w", err)
	}
	defer db.Close()

	var result string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("database corrupted: %s", result)
	}

	var count int
	err = db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='projects'`).Scan(&count)
	if err != nil {
		return fmt.Errorf("cannot query schema: %w", err)
	}
	if count == 0 {
		return fmt.Errorf("projects table missing")
	}
	return nil
}

// NewSQLiteStore opens (creating if needed) a metadata store at path. An
// empty path opens an in-memory database, used by tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	var dsn string
	if path == "" {
		dsn = ":memory:"
	} else {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}

		if validErr := validateSQLiteIntegrity(path); validErr != nil {
			slog.Warn("metadata_store_corrupted",
				slog.String("path", path),
				slog.String("error", validErr.Error()))
			if removeErr := os.Remove(path); removeErr != nil && !os.IsNotExist(removeErr) {
				return nil, fmt.Errorf("metadata store corrupted at %s and cannot remove: %w (original error: %v)", path, removeErr, validErr)
			}
			_ = os.Remove(path + "-wal")
			_ = os.Remove(path + "-shm")
			slog.Info("metadata_store_cleared", slog.String("path", path), slog.String("reason", "corruption detected, please reindex"))
		}

		dsn = path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -65536",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := telemetry.InitTelemetrySchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize telemetry schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY
	);

	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		root_path TEXT NOT NULL,
		project_type TEXT NOT NULL,
		file_count INTEGER NOT NULL DEFAULT 0,
		unit_count INTEGER NOT NULL DEFAULT 0,
		indexed_at TEXT NOT NULL,
		version TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS indexed_files (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL REFERENCES projects(id),
		path TEXT NOT NULL,
		size INTEGER NOT NULL,
		mod_time TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		language TEXT NOT NULL,
		indexed_at TEXT NOT NULL,
		UNIQUE(project_id, path)
	);
	CREATE INDEX IF NOT EXISTS idx_indexed_files_project ON indexed_files(project_id);

	CREATE TABLE IF NOT EXISTS code_units (
		id TEXT PRIMARY KEY,
		file_id TEXT NOT NULL REFERENCES indexed_files(id),
		file_path TEXT NOT NULL,
		content TEXT NOT NULL,
		raw_content TEXT NOT NULL,
		context TEXT NOT NULL,
		language TEXT NOT NULL,
		start_line INTEGER NOT NULL,
		end_line INTEGER NOT NULL,
		symbols_json TEXT NOT NULL,
		metadata_json TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_code_units_file ON code_units(file_id);

	CREATE TABLE IF NOT EXISTS memories (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		category TEXT NOT NULL,
		content TEXT NOT NULL,
		tags_json TEXT NOT NULL,
		metadata_json TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_memories_project ON memories(project_id);
	CREATE INDEX IF NOT EXISTS idx_memories_category ON memories(category);

	CREATE TABLE IF NOT EXISTS commits (
		hash TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		author TEXT NOT NULL,
		author_email TEXT NOT NULL,
		message TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		files_changed_json TEXT NOT NULL,
		insertions INTEGER NOT NULL,
		deletions INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_commits_project ON commits(project_id);

	CREATE TABLE IF NOT EXISTS git_index_state (
		project_id TEXT PRIMARY KEY,
		last_commit TEXT NOT NULL,
		last_indexed_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS ghap_entries (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		domain TEXT NOT NULL,
		strategy TEXT NOT NULL,
		goal TEXT NOT NULL,
		hypothesis TEXT NOT NULL,
		actions_json TEXT NOT NULL,
		prediction TEXT NOT NULL,
		iteration_count INTEGER NOT NULL DEFAULT 1,
		outcome TEXT NOT NULL DEFAULT '',
		surprise TEXT NOT NULL DEFAULT '',
		root_cause TEXT NOT NULL DEFAULT '',
		lesson TEXT NOT NULL DEFAULT '',
		tier TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		started_at TEXT NOT NULL,
		resolved_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_ghap_session ON ghap_entries(session_id);
	CREATE INDEX IF NOT EXISTS idx_ghap_status ON ghap_entries(status);
	CREATE INDEX IF NOT EXISTS idx_ghap_domain ON ghap_entries(domain);

	CREATE TABLE IF NOT EXISTS session_journal (
		session_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		payload TEXT NOT NULL,
		timestamp TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_journal_session ON session_journal(session_id);

	CREATE TABLE IF NOT EXISTS clusters (
		id TEXT PRIMARY KEY,
		axis TEXT NOT NULL,
		centroid_json TEXT NOT NULL,
		member_ids_json TEXT NOT NULL,
		tier TEXT NOT NULL,
		stability REAL NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_clusters_axis ON clusters(axis);

	CREATE TABLE IF NOT EXISTS values_table (
		id TEXT PRIMARY KEY,
		axis TEXT NOT NULL DEFAULT '',
		cluster_id TEXT NOT NULL,
		statement TEXT NOT NULL,
		similarity_to_centroid REAL NOT NULL DEFAULT 0,
		confidence REAL NOT NULL,
		support_size INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS kv_state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("exec schema: %w", err)
	}

	var version int
	err := s.db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if err == sql.ErrNoRows {
		_, err = s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", CurrentSchemaVersion)
		if err != nil {
			return fmt.Errorf("insert schema version: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	return nil
}

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(timeLayout, s)
}

// Project operations

func (s *SQLiteStore) SaveProject(ctx context.Context, project *Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, root_path, project_type, file_count, unit_count, indexed_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, root_path=excluded.root_path, project_type=excluded.project_type,
			file_count=excluded.file_count, unit_count=excluded.unit_count,
			indexed_at=excluded.indexed_at, version=excluded.version`,
		project.ID, project.Name, project.RootPath, project.ProjectType,
		project.FileCount, project.UnitCount, formatTime(project.IndexedAt), project.Version)
	if err != nil {
		return fmt.Errorf("save project: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetProject(ctx context.Context, id string) (*Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, root_path, project_type, file_count, unit_count, indexed_at, version
		FROM projects WHERE id = ?`, id)

	var p Project
	var indexedAt string
	if err := row.Scan(&p.ID, &p.Name, &p.RootPath, &p.ProjectType, &p.FileCount, &p.UnitCount, &indexedAt, &p.Version); err != nil {
		if err == sql.ErrNoRows {
			return nil, amerrors.NotFoundError(fmt.Sprintf("project %s not found", id), nil)
		}
		return nil, fmt.Errorf("get project: %w", err)
	}
	t, err := parseTime(indexedAt)
	if err != nil {
		return nil, fmt.Errorf("parse indexed_at: %w", err)
	}
	p.IndexedAt = t
	return &p, nil
}

func (s *SQLiteStore) UpdateProjectStats(ctx context.Context, id string, fileCount, unitCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`UPDATE projects SET file_count = ?, unit_count = ?, indexed_at = ? WHERE id = ?`,
		fileCount, unitCount, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("update project stats: %w", err)
	}
	return nil
}

// File operations

func (s *SQLiteStore) SaveFiles(ctx context.Context, files []*IndexedFile) error {
	if len(files) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO indexed_files (id, project_id, path, size, mod_time, content_hash, language, indexed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			size=excluded.size, mod_time=excluded.mod_time, content_hash=excluded.content_hash,
			language=excluded.language, indexed_at=excluded.indexed_at`)
	if err != nil {
		return fmt.Errorf("prepare file insert: %w", err)
	}
	defer stmt.Close()

	for _, f := range files {
		if _, err := stmt.ExecContext(ctx, f.ID, f.ProjectID, f.Path, f.Size,
			formatTime(f.ModTime), f.ContentHash, f.Language, formatTime(f.IndexedAt)); err != nil {
			return fmt.Errorf("save file %s: %w", f.Path, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetFileByPath(ctx context.Context, projectID, path string) (*IndexedFile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, path, size, mod_time, content_hash, language, indexed_at
		FROM indexed_files WHERE project_id = ? AND path = ?`, projectID, path)

	var f IndexedFile
	var modTime, indexedAt string
	if err := row.Scan(&f.ID, &f.ProjectID, &f.Path, &f.Size, &modTime, &f.ContentHash, &f.Language, &indexedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get file by path: %w", err)
	}
	mt, err := parseTime(modTime)
	if err != nil {
		return nil, err
	}
	f.ModTime = mt
	it, err := parseTime(indexedAt)
	if err != nil {
		return nil, err
	}
	f.IndexedAt = it
	return &f, nil
}

func (s *SQLiteStore) GetFilesForReconciliation(ctx context.Context, projectID string) (map[string]*IndexedFile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, path, size, mod_time, content_hash, language, indexed_at
		FROM indexed_files WHERE project_id = ?`, projectID)
	if err != nil {
		return nil, fmt.Errorf("query files for reconciliation: %w", err)
	}
	defer rows.Close()

	result := make(map[string]*IndexedFile)
	for rows.Next() {
		var f IndexedFile
		var modTime, indexedAt string
		if err := rows.Scan(&f.ID, &f.ProjectID, &f.Path, &f.Size, &modTime, &f.ContentHash, &f.Language, &indexedAt); err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		mt, err := parseTime(modTime)
		if err != nil {
			return nil, err
		}
		f.ModTime = mt
		it, err := parseTime(indexedAt)
		if err != nil {
			return nil, err
		}
		f.IndexedAt = it
		result[f.Path] = &f
	}
	return result, rows.Err()
}

func (s *SQLiteStore) DeleteFile(ctx context.Context, fileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM code_units WHERE file_id = ?`, fileID); err != nil {
		return fmt.Errorf("delete code units for file: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM indexed_files WHERE id = ?`, fileID); err != nil {
		return fmt.Errorf("delete file: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) DeleteFilesByProject(ctx context.Context, projectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM code_units WHERE file_id IN (SELECT id FROM indexed_files WHERE project_id = ?)`, projectID); err != nil {
		return fmt.Errorf("delete code units for project: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM indexed_files WHERE project_id = ?`, projectID); err != nil {
		return fmt.Errorf("delete files for project: %w", err)
	}
	return tx.Commit()
}

// Code unit operations

func (s *SQLiteStore) SaveCodeUnits(ctx context.Context, units []*CodeUnit) error {
	if len(units) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO code_units (id, file_id, file_path, content, raw_content, context, language,
			start_line, end_line, symbols_json, metadata_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content=excluded.content, raw_content=excluded.raw_content, context=excluded.context,
			start_line=excluded.start_line, end_line=excluded.end_line,
			symbols_json=excluded.symbols_json, metadata_json=excluded.metadata_json,
			updated_at=excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("prepare code unit insert: %w", err)
	}
	defer stmt.Close()

	for _, u := range units {
		symbolsJSON, err := json.Marshal(u.Symbols)
		if err != nil {
			return fmt.Errorf("marshal symbols: %w", err)
		}
		metaJSON, err := json.Marshal(u.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, u.ID, u.FileID, u.FilePath, u.Content, u.RawContent, u.Context,
			u.Language, u.StartLine, u.EndLine, string(symbolsJSON), string(metaJSON),
			formatTime(u.CreatedAt), formatTime(u.UpdatedAt)); err != nil {
			return fmt.Errorf("save code unit %s: %w", u.ID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) scanCodeUnit(row *sql.Row) (*CodeUnit, error) {
	var u CodeUnit
	var symbolsJSON, metaJSON, createdAt, updatedAt string
	if err := row.Scan(&u.ID, &u.FileID, &u.FilePath, &u.Content, &u.RawContent, &u.Context, &u.Language,
		&u.StartLine, &u.EndLine, &symbolsJSON, &metaJSON, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(symbolsJSON), &u.Symbols); err != nil {
		return nil, fmt.Errorf("unmarshal symbols: %w", err)
	}
	if err := json.Unmarshal([]byte(metaJSON), &u.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	ct, err := parseTime(createdAt)
	if err != nil {
		return nil, err
	}
	u.CreatedAt = ct
	ut, err := parseTime(updatedAt)
	if err != nil {
		return nil, err
	}
	u.UpdatedAt = ut
	return &u, nil
}

func (s *SQLiteStore) GetCodeUnit(ctx context.Context, id string) (*CodeUnit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRowContext(ctx, `
		SELECT id, file_id, file_path, content, raw_content, context, language,
			start_line, end_line, symbols_json, metadata_json, created_at, updated_at
		FROM code_units WHERE id = ?`, id)
	u, err := s.scanCodeUnit(row)
	if err == sql.ErrNoRows {
		return nil, amerrors.NotFoundError(fmt.Sprintf("code unit %s not found", id), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("get code unit: %w", err)
	}
	return u, nil
}

func (s *SQLiteStore) GetCodeUnitsByFile(ctx context.Context, fileID string) ([]*CodeUnit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, file_id, file_path, content, raw_content, context, language,
			start_line, end_line, symbols_json, metadata_json, created_at, updated_at
		FROM code_units WHERE file_id = ? ORDER BY start_line`, fileID)
	if err != nil {
		return nil, fmt.Errorf("query code units by file: %w", err)
	}
	defer rows.Close()

	var units []*CodeUnit
	for rows.Next() {
		var u CodeUnit
		var symbolsJSON, metaJSON, createdAt, updatedAt string
		if err := rows.Scan(&u.ID, &u.FileID, &u.FilePath, &u.Content, &u.RawContent, &u.Context, &u.Language,
			&u.StartLine, &u.EndLine, &symbolsJSON, &metaJSON, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan code unit: %w", err)
		}
		_ = json.Unmarshal([]byte(symbolsJSON), &u.Symbols)
		_ = json.Unmarshal([]byte(metaJSON), &u.Metadata)
		u.CreatedAt, _ = parseTime(createdAt)
		u.UpdatedAt, _ = parseTime(updatedAt)
		units = append(units, &u)
	}
	return units, rows.Err()
}

// ListCodeUnitIDsByProject returns every code unit ID belonging to a
// project, joined through indexed_files since code_units has no project_id
// column of its own. Used by the consistency checker to enumerate the
// metadata-side source of truth for a project's vector entries.
func (s *SQLiteStore) ListCodeUnitIDsByProject(ctx context.Context, projectID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `
		SELECT cu.id FROM code_units cu
		JOIN indexed_files f ON f.id = cu.file_id
		WHERE f.project_id = ?`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list code unit ids by project: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan code unit id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) DeleteCodeUnitsByFile(ctx context.Context, fileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM code_units WHERE file_id = ?`, fileID)
	if err != nil {
		return fmt.Errorf("delete code units by file: %w", err)
	}
	return nil
}

// Memory operations

func (s *SQLiteStore) SaveMemory(ctx context.Context, mem *Memory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tagsJSON, err := json.Marshal(mem.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	metaJSON, err := json.Marshal(mem.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memories (id, project_id, category, content, tags_json, metadata_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content=excluded.content, tags_json=excluded.tags_json, metadata_json=excluded.metadata_json,
			updated_at=excluded.updated_at`,
		mem.ID, mem.ProjectID, string(mem.Category), mem.Content, string(tagsJSON), string(metaJSON),
		formatTime(mem.CreatedAt), formatTime(mem.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save memory: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetMemory(ctx context.Context, id string) (*Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, category, content, tags_json, metadata_json, created_at, updated_at
		FROM memories WHERE id = ?`, id)

	var m Memory
	var category, tagsJSON, metaJSON, createdAt, updatedAt string
	if err := row.Scan(&m.ID, &m.ProjectID, &category, &m.Content, &tagsJSON, &metaJSON, &createdAt, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, amerrors.NotFoundError(fmt.Sprintf("memory %s not found", id), nil)
		}
		return nil, fmt.Errorf("get memory: %w", err)
	}
	m.Category = MemoryCategory(category)
	_ = json.Unmarshal([]byte(tagsJSON), &m.Tags)
	_ = json.Unmarshal([]byte(metaJSON), &m.Metadata)
	m.CreatedAt, _ = parseTime(createdAt)
	m.UpdatedAt, _ = parseTime(updatedAt)
	return &m, nil
}

func (s *SQLiteStore) DeleteMemory(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete memory: %w", err)
	}
	return nil
}

// ListMemoriesByProject lists every memory for a project, optionally
// narrowed to one category, newest first.
func (s *SQLiteStore) ListMemoriesByProject(ctx context.Context, projectID string, category MemoryCategory) ([]*Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, project_id, category, content, tags_json, metadata_json, created_at, updated_at
		FROM memories WHERE project_id = ?`
	args := []any{projectID}
	if category != "" {
		query += ` AND category = ?`
		args = append(args, string(category))
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	defer rows.Close()

	var out []*Memory
	for rows.Next() {
		var m Memory
		var cat, tagsJSON, metaJSON, createdAt, updatedAt string
		if err := rows.Scan(&m.ID, &m.ProjectID, &cat, &m.Content, &tagsJSON, &metaJSON, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		m.Category = MemoryCategory(cat)
		_ = json.Unmarshal([]byte(tagsJSON), &m.Tags)
		_ = json.Unmarshal([]byte(metaJSON), &m.Metadata)
		m.CreatedAt, _ = parseTime(createdAt)
		m.UpdatedAt, _ = parseTime(updatedAt)
		out = append(out, &m)
	}
	return out, rows.Err()
}

// Git operations

func (s *SQLiteStore) SaveCommits(ctx context.Context, commits []*Commit) error {
	if len(commits) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO commits (hash, project_id, author, author_email, message, timestamp,
			files_changed_json, insertions, deletions)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(hash) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("prepare commit insert: %w", err)
	}
	defer stmt.Close()

	for _, c := range commits {
		filesJSON, err := json.Marshal(c.FilesChanged)
		if err != nil {
			return fmt.Errorf("marshal files changed: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, c.Hash, c.ProjectID, c.Author, c.AuthorEmail, c.Message,
			formatTime(c.Timestamp), string(filesJSON), c.Insertions, c.Deletions); err != nil {
			return fmt.Errorf("save commit %s: %w", c.Hash, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetCommit(ctx context.Context, hash string) (*Commit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRowContext(ctx, `
		SELECT hash, project_id, author, author_email, message, timestamp, files_changed_json, insertions, deletions
		FROM commits WHERE hash = ?`, hash)

	var c Commit
	var timestamp, filesJSON string
	if err := row.Scan(&c.Hash, &c.ProjectID, &c.Author, &c.AuthorEmail, &c.Message, &timestamp,
		&filesJSON, &c.Insertions, &c.Deletions); err != nil {
		if err == sql.ErrNoRows {
			return nil, amerrors.NotFoundError(fmt.Sprintf("commit %s not found", hash), nil)
		}
		return nil, fmt.Errorf("get commit: %w", err)
	}
	c.Timestamp, _ = parseTime(timestamp)
	_ = json.Unmarshal([]byte(filesJSON), &c.FilesChanged)
	return &c, nil
}

func (s *SQLiteStore) GetGitIndexState(ctx context.Context, projectID string) (*GitIndexState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRowContext(ctx, `
		SELECT project_id, last_commit, last_indexed_at FROM git_index_state WHERE project_id = ?`, projectID)

	var st GitIndexState
	var lastIndexedAt string
	if err := row.Scan(&st.ProjectID, &st.LastCommit, &lastIndexedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get git index state: %w", err)
	}
	st.LastIndexedAt, _ = parseTime(lastIndexedAt)
	return &st, nil
}

func (s *SQLiteStore) SaveGitIndexState(ctx context.Context, state *GitIndexState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO git_index_state (project_id, last_commit, last_indexed_at)
		VALUES (?, ?, ?)
		ON CONFLICT(project_id) DO UPDATE SET last_commit=excluded.last_commit, last_indexed_at=excluded.last_indexed_at`,
		state.ProjectID, state.LastCommit, formatTime(state.LastIndexedAt))
	if err != nil {
		return fmt.Errorf("save git index state: %w", err)
	}
	return nil
}

// GHAP operations

func (s *SQLiteStore) SaveGhapEntry(ctx context.Context, entry *GhapEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	actionsJSON, err := json.Marshal(entry.Actions)
	if err != nil {
		return fmt.Errorf("marshal actions: %w", err)
	}

	var resolvedAt sql.NullString
	if entry.ResolvedAt != nil {
		resolvedAt = sql.NullString{String: formatTime(*entry.ResolvedAt), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO ghap_entries (id, session_id, domain, strategy, goal, hypothesis, actions_json,
			prediction, iteration_count, outcome, surprise, root_cause, lesson, tier, status, started_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			domain=excluded.domain, strategy=excluded.strategy, goal=excluded.goal,
			hypothesis=excluded.hypothesis, actions_json=excluded.actions_json, prediction=excluded.prediction,
			iteration_count=excluded.iteration_count, outcome=excluded.outcome, surprise=excluded.surprise,
			root_cause=excluded.root_cause, lesson=excluded.lesson, tier=excluded.tier,
			status=excluded.status, resolved_at=excluded.resolved_at`,
		entry.ID, entry.SessionID, string(entry.Domain), string(entry.Strategy), entry.Goal, entry.Hypothesis,
		string(actionsJSON), entry.Prediction, entry.IterationCount, string(entry.Outcome), entry.Surprise,
		entry.RootCause, entry.Lesson, string(entry.Tier), string(entry.Status), formatTime(entry.StartedAt), resolvedAt)
	if err != nil {
		return fmt.Errorf("save ghap entry: %w", err)
	}
	return nil
}

func (s *SQLiteStore) scanGhapRow(row *sql.Row) (*GhapEntry, error) {
	var e GhapEntry
	var domain, strategy, actionsJSON, outcome, rootCause, lesson, tier, status, startedAt string
	var resolvedAt sql.NullString
	if err := row.Scan(&e.ID, &e.SessionID, &domain, &strategy, &e.Goal, &e.Hypothesis, &actionsJSON,
		&e.Prediction, &e.IterationCount, &outcome, &e.Surprise, &rootCause, &lesson, &tier, &status, &startedAt, &resolvedAt); err != nil {
		return nil, err
	}
	e.Domain = GhapDomain(domain)
	e.Strategy = GhapStrategy(strategy)
	e.Outcome = GhapOutcome(outcome)
	e.RootCause = rootCause
	e.Lesson = lesson
	e.Tier = ConfidenceTier(tier)
	e.Status = GhapStatus(status)
	_ = json.Unmarshal([]byte(actionsJSON), &e.Actions)
	e.StartedAt, _ = parseTime(startedAt)
	if resolvedAt.Valid {
		t, err := parseTime(resolvedAt.String)
		if err != nil {
			return nil, err
		}
		e.ResolvedAt = &t
	}
	return &e, nil
}

func (s *SQLiteStore) GetGhapEntry(ctx context.Context, id string) (*GhapEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, domain, strategy, goal, hypothesis, actions_json, prediction,
			iteration_count, outcome, surprise, root_cause, lesson, tier, status, started_at, resolved_at
		FROM ghap_entries WHERE id = ?`, id)
	e, err := s.scanGhapRow(row)
	if err == sql.ErrNoRows {
		return nil, amerrors.NotFoundError(fmt.Sprintf("ghap entry %s not found", id), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("get ghap entry: %w", err)
	}
	return e, nil
}

func (s *SQLiteStore) GetActiveGhapEntry(ctx context.Context, sessionID string) (*GhapEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, domain, strategy, goal, hypothesis, actions_json, prediction,
			iteration_count, outcome, surprise, root_cause, lesson, tier, status, started_at, resolved_at
		FROM ghap_entries WHERE session_id = ? AND status = ? ORDER BY started_at DESC LIMIT 1`,
		sessionID, string(StatusActive))
	e, err := s.scanGhapRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active ghap entry: %w", err)
	}
	return e, nil
}

func (s *SQLiteStore) ListResolvedGhapEntries(ctx context.Context, domain GhapDomain) ([]*GhapEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, session_id, domain, strategy, goal, hypothesis, actions_json, prediction,
			iteration_count, outcome, surprise, root_cause, lesson, tier, status, started_at, resolved_at
		FROM ghap_entries WHERE status = ?`
	args := []interface{}{string(StatusResolved)}
	if domain != "" {
		query += ` AND domain = ?`
		args = append(args, string(domain))
	}
	query += ` ORDER BY resolved_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query resolved ghap entries: %w", err)
	}
	defer rows.Close()

	var entries []*GhapEntry
	for rows.Next() {
		var e GhapEntry
		var d, strat, actionsJSON, outcome, rootCause, lesson, tier, status, startedAt string
		var resolvedAt sql.NullString
		if err := rows.Scan(&e.ID, &e.SessionID, &d, &strat, &e.Goal, &e.Hypothesis, &actionsJSON,
			&e.Prediction, &e.IterationCount, &outcome, &e.Surprise, &rootCause, &lesson, &tier, &status, &startedAt, &resolvedAt); err != nil {
			return nil, fmt.Errorf("scan ghap entry: %w", err)
		}
		e.Domain = GhapDomain(d)
		e.Strategy = GhapStrategy(strat)
		e.Outcome = GhapOutcome(outcome)
		e.RootCause = rootCause
		e.Lesson = lesson
		e.Tier = ConfidenceTier(tier)
		e.Status = GhapStatus(status)
		_ = json.Unmarshal([]byte(actionsJSON), &e.Actions)
		e.StartedAt, _ = parseTime(startedAt)
		if resolvedAt.Valid {
			t, _ := parseTime(resolvedAt.String)
			e.ResolvedAt = &t
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// Session journal operations

func (s *SQLiteStore) AppendJournalEntry(ctx context.Context, entry *SessionJournalEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_journal (session_id, kind, payload, timestamp) VALUES (?, ?, ?, ?)`,
		entry.SessionID, entry.Kind, entry.Payload, formatTime(entry.Timestamp))
	if err != nil {
		return fmt.Errorf("append journal entry: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListJournalEntries(ctx context.Context, sessionID string) ([]*SessionJournalEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, kind, payload, timestamp FROM session_journal
		WHERE session_id = ? ORDER BY timestamp ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query journal entries: %w", err)
	}
	defer rows.Close()

	var entries []*SessionJournalEntry
	for rows.Next() {
		var e SessionJournalEntry
		var ts string
		if err := rows.Scan(&e.SessionID, &e.Kind, &e.Payload, &ts); err != nil {
			return nil, fmt.Errorf("scan journal entry: %w", err)
		}
		e.Timestamp, _ = parseTime(ts)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// Cluster / value operations

func (s *SQLiteStore) SaveCluster(ctx context.Context, cluster *Cluster) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	centroidJSON, err := json.Marshal(cluster.Centroid)
	if err != nil {
		return fmt.Errorf("marshal centroid: %w", err)
	}
	membersJSON, err := json.Marshal(cluster.MemberIDs)
	if err != nil {
		return fmt.Errorf("marshal member ids: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO clusters (id, axis, centroid_json, member_ids_json, tier, stability, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			centroid_json=excluded.centroid_json, member_ids_json=excluded.member_ids_json,
			tier=excluded.tier, stability=excluded.stability`,
		cluster.ID, string(cluster.Axis), string(centroidJSON), string(membersJSON),
		string(cluster.Tier), cluster.Stability, formatTime(cluster.CreatedAt))
	if err != nil {
		return fmt.Errorf("save cluster: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListClusters(ctx context.Context, axis Axis) ([]*Cluster, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, axis, centroid_json, member_ids_json, tier, stability, created_at
		FROM clusters WHERE axis = ? ORDER BY stability DESC`, string(axis))
	if err != nil {
		return nil, fmt.Errorf("query clusters: %w", err)
	}
	defer rows.Close()

	var clusters []*Cluster
	for rows.Next() {
		var c Cluster
		var axisStr, centroidJSON, membersJSON, tier, createdAt string
		if err := rows.Scan(&c.ID, &axisStr, &centroidJSON, &membersJSON, &tier, &c.Stability, &createdAt); err != nil {
			return nil, fmt.Errorf("scan cluster: %w", err)
		}
		c.Axis = Axis(axisStr)
		c.Tier = ConfidenceTier(tier)
		_ = json.Unmarshal([]byte(centroidJSON), &c.Centroid)
		_ = json.Unmarshal([]byte(membersJSON), &c.MemberIDs)
		c.CreatedAt, _ = parseTime(createdAt)
		clusters = append(clusters, &c)
	}
	return clusters, rows.Err()
}

func (s *SQLiteStore) GetCluster(ctx context.Context, id string) (*Cluster, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRowContext(ctx, `
		SELECT id, axis, centroid_json, member_ids_json, tier, stability, created_at
		FROM clusters WHERE id = ?`, id)

	var c Cluster
	var axisStr, centroidJSON, membersJSON, tier, createdAt string
	if err := row.Scan(&c.ID, &axisStr, &centroidJSON, &membersJSON, &tier, &c.Stability, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, amerrors.NotFoundError(fmt.Sprintf("cluster %s not found", id), nil)
		}
		return nil, fmt.Errorf("get cluster: %w", err)
	}
	c.Axis = Axis(axisStr)
	c.Tier = ConfidenceTier(tier)
	_ = json.Unmarshal([]byte(centroidJSON), &c.Centroid)
	_ = json.Unmarshal([]byte(membersJSON), &c.MemberIDs)
	c.CreatedAt, _ = parseTime(createdAt)
	return &c, nil
}

func (s *SQLiteStore) SaveValue(ctx context.Context, value *Value) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO values_table (id, axis, cluster_id, statement, similarity_to_centroid, confidence, support_size, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			statement=excluded.statement, similarity_to_centroid=excluded.similarity_to_centroid,
			confidence=excluded.confidence, support_size=excluded.support_size, updated_at=excluded.updated_at`,
		value.ID, string(value.Axis), value.ClusterID, value.Statement, value.SimilarityToCentroid,
		value.Confidence, value.SupportSize, formatTime(value.CreatedAt), formatTime(value.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save value: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListValues(ctx context.Context) ([]*Value, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, axis, cluster_id, statement, similarity_to_centroid, confidence, support_size, created_at, updated_at
		FROM values_table ORDER BY confidence DESC`)
	if err != nil {
		return nil, fmt.Errorf("query values: %w", err)
	}
	defer rows.Close()

	var values []*Value
	for rows.Next() {
		var v Value
		var axis, createdAt, updatedAt string
		if err := rows.Scan(&v.ID, &axis, &v.ClusterID, &v.Statement, &v.SimilarityToCentroid, &v.Confidence, &v.SupportSize, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan value: %w", err)
		}
		v.Axis = Axis(axis)
		v.CreatedAt, _ = parseTime(createdAt)
		v.UpdatedAt, _ = parseTime(updatedAt)
		values = append(values, &v)
	}
	return values, rows.Err()
}

// State operations

func (s *SQLiteStore) GetState(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get state %s: %w", key, err)
	}
	return value, nil
}

func (s *SQLiteStore) SetState(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("set state %s: %w", key, err)
	}
	return nil
}

// DB returns the underlying connection so a caller can open another store
// (internal/telemetry's metrics tables) against the same database file
// without a second open/lock.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Close releases the underlying database connection.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
