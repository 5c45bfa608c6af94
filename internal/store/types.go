// Package store provides vector storage (HNSW), metadata persistence (SQLite),
// and the filter grammar shared by both.
package store

import (
	"context"
	"fmt"
	"time"
)

// Collection names. Each is a separate HNSW graph with its own dimension,
// created lazily on first write.
const (
	CollectionMemories           = "memories"
	CollectionCodeUnits          = "code_units"
	CollectionCommits            = "commits"
	CollectionValues             = "values"
	CollectionExperiencesFull    = "experiences_full"
	CollectionExperiencesStrat   = "experiences_strategy"
	CollectionExperiencesSurp    = "experiences_surprise"
	CollectionExperiencesRoot    = "experiences_root_cause"
)

// State keys for the metadata key-value store.
const (
	StateKeyIndexDimension   = "index_embedding_dimension"
	StateKeyIndexModel       = "index_embedding_model"
	StateKeyGitLastCommit    = "git_last_indexed_commit"
	StateKeyGitIndexedAt     = "git_indexed_at"
	StateKeyCodeIndexVersion = "code_chunk_id_version"
)

// ChunkIDVersionContent indicates content-addressable code unit IDs
// (filePath + contentHash), stable across line-number shifts.
const ChunkIDVersionContent = "2"

// MemoryCategory is the closed set of memory kinds.
type MemoryCategory string

const (
	CategoryPreference MemoryCategory = "preference"
	CategoryFact        MemoryCategory = "fact"
	CategoryEvent       MemoryCategory = "event"
	CategoryWorkflow    MemoryCategory = "workflow"
	CategoryContext     MemoryCategory = "context"
)

// Memory is a single stored unit of agent memory.
type Memory struct {
	ID        string            // SHA256(project_id + content)[:16]
	ProjectID string            // Owning project/session scope
	Category  MemoryCategory
	Content   string
	Tags      []string
	Metadata  map[string]string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SymbolType is the kind of code symbol extracted by the chunker.
type SymbolType string

const (
	SymbolTypeFunction  SymbolType = "function"
	SymbolTypeClass     SymbolType = "class"
	SymbolTypeInterface SymbolType = "interface"
	SymbolTypeType      SymbolType = "type"
	SymbolTypeVariable  SymbolType = "variable"
	SymbolTypeConstant  SymbolType = "constant"
	SymbolTypeMethod    SymbolType = "method"
)

// Symbol represents a code symbol extracted during chunking.
type Symbol struct {
	Name       string
	Type       SymbolType
	StartLine  int
	EndLine    int
	Signature  string
	DocComment string
}

// CodeUnit is a retrievable unit of source content (function, class, etc.).
type CodeUnit struct {
	ID          string // SHA256(file_path + content_hash)[:16]
	FileID      string
	FilePath    string
	Content     string
	RawContent  string
	Context     string
	Language    string
	StartLine   int
	EndLine     int
	Symbols     []*Symbol
	Metadata    map[string]string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// IndexedFile is a tracked file in the code index.
type IndexedFile struct {
	ID          string
	ProjectID   string
	Path        string
	Size        int64
	ModTime     time.Time
	ContentHash string
	Language    string
	IndexedAt   time.Time
}

// Project is an indexed codebase root.
type Project struct {
	ID          string
	Name        string
	RootPath    string
	ProjectType string
	FileCount   int
	UnitCount   int
	IndexedAt   time.Time
	Version     string
}

// Commit is a single git commit record.
type Commit struct {
	Hash         string
	ProjectID    string
	Author       string
	AuthorEmail  string
	Message      string
	Timestamp    time.Time
	FilesChanged []string
	Insertions   int
	Deletions    int
}

// GitIndexState tracks git indexing progress per project.
type GitIndexState struct {
	ProjectID     string
	LastCommit    string
	LastIndexedAt time.Time
}

// GhapDomain is the closed set of learning-episode domains.
type GhapDomain string

const (
	DomainDebugging    GhapDomain = "debugging"
	DomainFeature      GhapDomain = "feature"
	DomainRefactor     GhapDomain = "refactor"
	DomainPerformance  GhapDomain = "performance"
	DomainArchitecture GhapDomain = "architecture"
)

// GhapStrategy is the closed set of investigation strategies.
type GhapStrategy string

const (
	StrategyRootCauseAnalysis GhapStrategy = "root-cause-analysis"
	StrategyBinarySearch      GhapStrategy = "binary-search"
	StrategyIncrementalBuild  GhapStrategy = "incremental-build"
	StrategyExperimentCompare GhapStrategy = "experiment-compare"
	StrategyReadTheSource     GhapStrategy = "read-the-source"
)

// GhapOutcome is the closed set of resolution outcomes.
type GhapOutcome string

const (
	OutcomeConfirmed GhapOutcome = "confirmed"
	OutcomeFalsified GhapOutcome = "falsified"
	OutcomeAbandoned GhapOutcome = "abandoned"
)

// GhapStatus is the lifecycle state of a learning episode.
type GhapStatus string

const (
	StatusActive    GhapStatus = "active"
	StatusResolved  GhapStatus = "resolved"
	StatusAbandoned GhapStatus = "abandoned"
)

// ConfidenceTier is derived from a resolved episode's outcome and surprise.
type ConfidenceTier string

const (
	TierGold      ConfidenceTier = "gold"
	TierSilver    ConfidenceTier = "silver"
	TierBronze    ConfidenceTier = "bronze"
	TierAbandoned ConfidenceTier = "abandoned"
)

// GhapEntry is one Goal-Hypothesis-Action-Prediction episode.
type GhapEntry struct {
	ID         string
	SessionID  string
	Domain     GhapDomain
	Strategy   GhapStrategy
	Goal           string
	Hypothesis     string
	Actions        []string
	Prediction     string
	IterationCount int // incremented on every Update; starts at 1
	Outcome        GhapOutcome
	Surprise       string // free text: what was unexpected; required when Outcome == OutcomeFalsified
	RootCause      string // required when Outcome == OutcomeFalsified
	Lesson         string // optional: the generalizable takeaway, set on resolve if the caller has one
	Tier           ConfidenceTier
	Status         GhapStatus
	StartedAt      time.Time
	ResolvedAt     *time.Time
}

// Axis is the closed set of experience-embedding views.
type Axis string

const (
	AxisFull      Axis = "full"
	AxisStrategy  Axis = "strategy"
	AxisSurprise  Axis = "surprise"
	AxisRootCause Axis = "root_cause"
)

// ExperienceAxisEmbedding is one embedded view of a resolved GHAP episode.
type ExperienceAxisEmbedding struct {
	GhapID string
	Axis   Axis
	Text   string // rendered text that was embedded
}

// Cluster is a density-based grouping of experience embeddings.
type Cluster struct {
	ID         string
	Axis       Axis
	Centroid   []float32
	MemberIDs  []string // ghap_id values
	Tier       ConfidenceTier
	Stability  float64
	CreatedAt  time.Time
}

// Value is a distilled, validated lesson promoted from a stable cluster.
type Value struct {
	ID        string
	Axis      Axis
	ClusterID string
	Statement string

	// SimilarityToCentroid is the representative member's cosine similarity
	// to the cluster centroid. A Value is only ever persisted when this
	// clears mean(member_similarities) + 0.5*stddev(member_similarities),
	// so the field doubles as the threshold the promotion decision was
	// made against.
	SimilarityToCentroid float64

	Confidence  float64
	SupportSize int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// SessionJournalEntry is one append-only record in a session's journal.
type SessionJournalEntry struct {
	SessionID string
	Kind      string // "ghap_start", "ghap_resolve", "note"
	Payload   string // JSON-encoded
	Timestamp time.Time
}

// MetadataStore persists relational/structured state in SQLite.
type MetadataStore interface {
	// Project operations
	SaveProject(ctx context.Context, project *Project) error
	GetProject(ctx context.Context, id string) (*Project, error)
	UpdateProjectStats(ctx context.Context, id string, fileCount, unitCount int) error

	// File operations
	SaveFiles(ctx context.Context, files []*IndexedFile) error
	GetFileByPath(ctx context.Context, projectID, path string) (*IndexedFile, error)
	GetFilesForReconciliation(ctx context.Context, projectID string) (map[string]*IndexedFile, error)
	DeleteFile(ctx context.Context, fileID string) error
	DeleteFilesByProject(ctx context.Context, projectID string) error

	// Code unit operations
	SaveCodeUnits(ctx context.Context, units []*CodeUnit) error
	GetCodeUnit(ctx context.Context, id string) (*CodeUnit, error)
	GetCodeUnitsByFile(ctx context.Context, fileID string) ([]*CodeUnit, error)
	ListCodeUnitIDsByProject(ctx context.Context, projectID string) ([]string, error)
	DeleteCodeUnitsByFile(ctx context.Context, fileID string) error

	// Memory operations
	SaveMemory(ctx context.Context, mem *Memory) error
	GetMemory(ctx context.Context, id string) (*Memory, error)
	DeleteMemory(ctx context.Context, id string) error
	ListMemoriesByProject(ctx context.Context, projectID string, category MemoryCategory) ([]*Memory, error)

	// Git operations
	SaveCommits(ctx context.Context, commits []*Commit) error
	GetCommit(ctx context.Context, hash string) (*Commit, error)
	GetGitIndexState(ctx context.Context, projectID string) (*GitIndexState, error)
	SaveGitIndexState(ctx context.Context, state *GitIndexState) error

	// GHAP operations
	SaveGhapEntry(ctx context.Context, entry *GhapEntry) error
	GetGhapEntry(ctx context.Context, id string) (*GhapEntry, error)
	GetActiveGhapEntry(ctx context.Context, sessionID string) (*GhapEntry, error)
	ListResolvedGhapEntries(ctx context.Context, domain GhapDomain) ([]*GhapEntry, error)

	// Session journal operations (append-only)
	AppendJournalEntry(ctx context.Context, entry *SessionJournalEntry) error
	ListJournalEntries(ctx context.Context, sessionID string) ([]*SessionJournalEntry, error)

	// Cluster / value operations
	SaveCluster(ctx context.Context, cluster *Cluster) error
	GetCluster(ctx context.Context, id string) (*Cluster, error)
	ListClusters(ctx context.Context, axis Axis) ([]*Cluster, error)
	SaveValue(ctx context.Context, value *Value) error
	ListValues(ctx context.Context) ([]*Value, error)

	// State operations (key-value store for runtime state)
	GetState(ctx context.Context, key string) (string, error)
	SetState(ctx context.Context, key, value string) error

	// Lifecycle
	Close() error
}

// IndexInfo summarizes the state of the code index for status reporting.
type IndexInfo struct {
	Location        string
	ProjectRoot     string
	IndexModel      string
	IndexDimensions int
	UnitCount       int
	FileCount       int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// CurrentSchemaVersion is the current database schema version.
const CurrentSchemaVersion = 1

// FilterOp is the discriminated union tag for a filter clause.
type FilterOp string

const (
	FilterOpEq    FilterOp = "eq"
	FilterOpIn    FilterOp = "in"
	FilterOpRange FilterOp = "range"
)

// Filter is a single store-neutral filter clause. Exactly one of Eq/In/Range
// is populated depending on Op; this mirrors a tagged union without needing
// a type switch on the caller's side.
type Filter struct {
	Field string
	Op    FilterOp

	EqValue  string
	InValues []string

	RangeGTE *float64
	RangeLTE *float64
	RangeGT  *float64
	RangeLT  *float64
}

// Eq builds an equality filter.
func Eq(field, value string) Filter {
	return Filter{Field: field, Op: FilterOpEq, EqValue: value}
}

// In builds a membership filter.
func In(field string, values []string) Filter {
	return Filter{Field: field, Op: FilterOpIn, InValues: values}
}

// Range builds a numeric range filter. Pass nil for unused bounds.
func Range(field string, gte, lte, gt, lt *float64) Filter {
	return Filter{Field: field, Op: FilterOpRange, RangeGTE: gte, RangeLTE: lte, RangeGT: gt, RangeLT: lt}
}

// VectorResult is a single vector search result.
type VectorResult struct {
	ID       string
	Distance float32
	Score    float32
	Payload  map[string]string
}

// VectorStoreConfig configures a single collection's HNSW graph.
type VectorStoreConfig struct {
	Dimensions     int
	Metric         string // "cos" or "l2"
	M              int
	EfConstruction int
	EfSearch       int
}

// DefaultVectorStoreConfig returns sensible defaults for a collection.
func DefaultVectorStoreConfig(dimensions int) VectorStoreConfig {
	return VectorStoreConfig{
		Dimensions:     dimensions,
		Metric:         "cos",
		M:              32,
		EfConstruction: 128,
		EfSearch:       64,
	}
}

// VectorStore provides per-collection semantic search over HNSW graphs.
//
// Collections are created lazily: the first Add/EnsureCollection call for a
// name that doesn't exist yet creates it with the given config. A later
// EnsureCollection call with a different dimension deletes and recreates
// the collection rather than erroring, since a model swap invalidates any
// previously stored vectors anyway.
type VectorStore interface {
	EnsureCollection(ctx context.Context, name string, cfg VectorStoreConfig) error

	Add(ctx context.Context, collection string, ids []string, vectors [][]float32, payloads []map[string]string) error
	Search(ctx context.Context, collection string, query []float32, k int, filters []Filter) ([]*VectorResult, error)
	Delete(ctx context.Context, collection string, ids []string) error
	DeleteByFilter(ctx context.Context, collection string, filters []Filter) (int, error)
	Scroll(ctx context.Context, collection string, cursor string, limit int) ([]string, string, error)
	Contains(collection, id string) bool
	Count(collection string) int
	CollectionDimensions(collection string) (int, bool)

	Save(path string) error
	Load(path string) error
	Close() error
}

// ErrDimensionMismatch indicates a vector was added with the wrong dimension
// for its collection.
type ErrDimensionMismatch struct {
	Collection string
	Expected   int
	Got        int
}

func (e ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch in collection %q: expected %d, got %d (run 'clams reindex --force')",
		e.Collection, e.Expected, e.Got)
}

// ErrCollectionNotFound indicates a read against a collection that has never
// been created.
type ErrCollectionNotFound struct {
	Collection string
}

func (e ErrCollectionNotFound) Error() string {
	return fmt.Sprintf("collection %q does not exist", e.Collection)
}
