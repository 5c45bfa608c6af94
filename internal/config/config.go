// Package config loads and validates clams' runtime configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ProjectType represents the type of project detected at the indexed root.
type ProjectType string

const (
	ProjectTypeGo      ProjectType = "go"
	ProjectTypeNode    ProjectType = "node"
	ProjectTypePython  ProjectType = "python"
	ProjectTypeUnknown ProjectType = "unknown"
)

// Config represents the complete clams configuration.
type Config struct {
	Version    int              `yaml:"version" json:"version"`
	Paths      PathsConfig      `yaml:"paths" json:"paths"`
	Embeddings EmbeddingsConfig `yaml:"embeddings" json:"embeddings"`
	GHAP       GHAPConfig       `yaml:"ghap" json:"ghap"`
	Cluster    ClusterConfig    `yaml:"cluster" json:"cluster"`
	Context    ContextConfig    `yaml:"context" json:"context"`
	Git        GitConfig        `yaml:"git" json:"git"`

	Performance PerformanceConfig `yaml:"performance" json:"performance"`
	Server      ServerConfig      `yaml:"server" json:"server"`
	Sessions    SessionsConfig    `yaml:"sessions" json:"sessions"`
}

// PathsConfig configures which paths the code indexer includes/excludes.
type PathsConfig struct {
	Include []string `yaml:"include" json:"include"`
	Exclude []string `yaml:"exclude" json:"exclude"`
}

// EmbeddingsConfig configures the two embedder roles (code, semantic).
//
// The registry loads each role independently and lazily; Provider/Model here
// are the defaults consulted when a role-specific override isn't set.
type EmbeddingsConfig struct {
	Provider string `yaml:"provider" json:"provider"` // "ollama", "mlx", or "static"

	CodeModel      string `yaml:"code_model" json:"code_model"`
	CodeDimensions int    `yaml:"code_dimensions" json:"code_dimensions"`

	SemanticModel      string `yaml:"semantic_model" json:"semantic_model"`
	SemanticDimensions int    `yaml:"semantic_dimensions" json:"semantic_dimensions"`

	BatchSize            int           `yaml:"batch_size" json:"batch_size"`
	ModelDownloadTimeout time.Duration `yaml:"model_download_timeout" json:"model_download_timeout"`

	MLXEndpoint string `yaml:"mlx_endpoint" json:"mlx_endpoint"`
	MLXModel    string `yaml:"mlx_model" json:"mlx_model"`
	OllamaHost  string `yaml:"ollama_host" json:"ollama_host"`

	// Thermal management, carried from the embedder backends' own knobs.
	InterBatchDelay        string  `yaml:"inter_batch_delay" json:"inter_batch_delay"`
	TimeoutProgression     float64 `yaml:"timeout_progression" json:"timeout_progression"`
	RetryTimeoutMultiplier float64 `yaml:"retry_timeout_multiplier" json:"retry_timeout_multiplier"`
}

// GHAPConfig configures the learning loop's confidence-tier weights.
type GHAPConfig struct {
	// TierWeights fixes each confidence tier to a constant weight rather
	// than deriving it dynamically.
	GoldWeight      float64 `yaml:"gold_weight" json:"gold_weight"`
	SilverWeight    float64 `yaml:"silver_weight" json:"silver_weight"`
	BronzeWeight    float64 `yaml:"bronze_weight" json:"bronze_weight"`
	AbandonedWeight float64 `yaml:"abandoned_weight" json:"abandoned_weight"`
}

// ClusterConfig configures the experience clusterer's defaults.
type ClusterConfig struct {
	MinClusterSize int  `yaml:"min_cluster_size" json:"min_cluster_size"`
	MinSamples     int  `yaml:"min_samples" json:"min_samples"`
	Adaptive       bool `yaml:"adaptive" json:"adaptive"`
}

// ContextConfig configures the token-budgeted context assembler.
type ContextConfig struct {
	DefaultMaxTokens int     `yaml:"default_max_tokens" json:"default_max_tokens"`
	PerTypeLimit     int     `yaml:"per_type_limit" json:"per_type_limit"`
	MemoryWeight     float64 `yaml:"memory_weight" json:"memory_weight"`
	ExperienceWeight float64 `yaml:"experience_weight" json:"experience_weight"`
	ValueWeight      float64 `yaml:"value_weight" json:"value_weight"`
	CodeWeight       float64 `yaml:"code_weight" json:"code_weight"`
	CommitWeight     float64 `yaml:"commit_weight" json:"commit_weight"`
	RecencyHalfLife  string  `yaml:"recency_half_life" json:"recency_half_life"`
}

// GitConfig configures the git indexer/analyzer.
type GitConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	RepoPath string `yaml:"repo_path" json:"repo_path"` // empty = auto-detect from cwd
}

// PerformanceConfig configures performance tuning options.
type PerformanceConfig struct {
	MaxFiles      int    `yaml:"max_files" json:"max_files"`
	IndexWorkers  int    `yaml:"index_workers" json:"index_workers"`
	WatchDebounce string `yaml:"watch_debounce" json:"watch_debounce"`
	SQLiteCacheMB int    `yaml:"sqlite_cache_mb" json:"sqlite_cache_mb"`
}

// ServerConfig configures the MCP/HTTP surface.
type ServerConfig struct {
	Transport string `yaml:"transport" json:"transport"` // "stdio" or "http"
	HTTPPort  int    `yaml:"http_port" json:"http_port"`
	LogLevel  string `yaml:"log_level" json:"log_level"`
}

// SessionsConfig configures the session-journal storage.
type SessionsConfig struct {
	StateRoot   string `yaml:"state_root" json:"state_root"`
	MaxSessions int    `yaml:"max_sessions" json:"max_sessions"`
}

// defaultExcludePatterns are always excluded from code indexing.
var defaultExcludePatterns = []string{
	"**/node_modules/**",
	"**/.git/**",
	"**/vendor/**",
	"**/__pycache__/**",
	"**/dist/**",
	"**/build/**",
	"**/*.min.js",
	"**/*.min.css",
	"**/package-lock.json",
	"**/yarn.lock",
	"**/pnpm-lock.yaml",
	"**/go.sum",
}

// NewConfig creates a new Config with sensible defaults.
func NewConfig() *Config {
	return &Config{
		Version: 1,
		Paths: PathsConfig{
			Include: []string{},
			Exclude: defaultExcludePatterns,
		},
		Embeddings: EmbeddingsConfig{
			Provider:             "", // empty triggers auto-detection: ollama (no static fallback)
			CodeModel:            "nomic-embed-code",
			CodeDimensions:       384,
			SemanticModel:        "embeddinggemma",
			SemanticDimensions:   768,
			BatchSize:            100,
			ModelDownloadTimeout: 10 * time.Minute,
			MLXEndpoint:          "",
			MLXModel:             "",
			OllamaHost:           "",
			InterBatchDelay:      "",
			TimeoutProgression:   1.5,
			RetryTimeoutMultiplier: 1.0,
		},
		GHAP: GHAPConfig{
			GoldWeight:      1.0,
			SilverWeight:    0.75,
			BronzeWeight:    0.45,
			AbandonedWeight: 0.2,
		},
		Cluster: ClusterConfig{
			MinClusterSize: 5,
			MinSamples:     3,
			Adaptive:       false,
		},
		Context: ContextConfig{
			DefaultMaxTokens: 1500,
			PerTypeLimit:     10,
			MemoryWeight:     1.0,
			ExperienceWeight: 1.1,
			ValueWeight:      1.2,
			CodeWeight:       0.9,
			CommitWeight:     0.8,
			RecencyHalfLife:  "168h", // 1 week
		},
		Git: GitConfig{
			Enabled:  true,
			RepoPath: "",
		},
		Performance: PerformanceConfig{
			MaxFiles:      100000,
			IndexWorkers:  runtime.NumCPU(),
			WatchDebounce: "500ms",
			SQLiteCacheMB: 64,
		},
		Server: ServerConfig{
			Transport: "stdio",
			HTTPPort:  8765,
			LogLevel:  "info",
		},
		Sessions: SessionsConfig{
			StateRoot:   defaultStateRoot(),
			MaxSessions: 200,
		},
	}
}

// defaultStateRoot returns the default directory for durable state.
func defaultStateRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".clams")
	}
	return filepath.Join(home, ".clams")
}

// GetUserConfigPath returns the path to the user/global configuration file,
// following the XDG Base Directory specification.
func GetUserConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "clams", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".config", "clams", "config.yaml")
	}
	return filepath.Join(home, ".config", "clams", "config.yaml")
}

// UserConfigExists returns true if the user configuration file exists.
func UserConfigExists() bool {
	return fileExists(GetUserConfigPath())
}

// GetUserConfigDir returns the directory containing the user configuration
// file, creating no side effects — callers that need the directory to exist
// still need to MkdirAll it themselves.
func GetUserConfigDir() string {
	return filepath.Dir(GetUserConfigPath())
}

func loadUserConfig() (*Config, error) {
	configPath := GetUserConfigPath()
	if !fileExists(configPath) {
		return nil, nil
	}
	cfg := NewConfig()
	if err := cfg.loadYAML(configPath); err != nil {
		return nil, fmt.Errorf("failed to load user config from %s: %w", configPath, err)
	}
	return cfg, nil
}

// Load loads configuration from the specified directory, applying
// precedence: defaults < user config < project config < env vars.
func Load(dir string) (*Config, error) {
	cfg := NewConfig()

	if userCfg, err := loadUserConfig(); err != nil {
		return nil, fmt.Errorf("failed to load user config: %w", err)
	} else if userCfg != nil {
		cfg.mergeWith(userCfg)
	}

	if err := cfg.loadFromFile(dir); err != nil {
		return nil, err
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) loadFromFile(dir string) error {
	yamlPath := filepath.Join(dir, ".clams.yaml")
	if _, err := os.Stat(yamlPath); err == nil {
		return c.loadYAML(yamlPath)
	}
	ymlPath := filepath.Join(dir, ".clams.yml")
	if _, err := os.Stat(ymlPath); err == nil {
		return c.loadYAML(ymlPath)
	}
	return nil
}

func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var parsed Config
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	c.mergeWith(&parsed)
	return nil
}

// mergeWith merges non-zero values from other into c for the fields handled
// below. The context source weights and recency half-life, the MLX settings,
// model_download_timeout and git.enabled are not merged; c keeps its values.
func (c *Config) mergeWith(other *Config) {
	if other.Version != 0 {
		c.Version = other.Version
	}

	if len(other.Paths.Include) > 0 {
		c.Paths.Include = other.Paths.Include
	}
	if len(other.Paths.Exclude) > 0 {
		c.Paths.Exclude = append(c.Paths.Exclude, other.Paths.Exclude...)
	}

	if other.Embeddings.Provider != "" {
		c.Embeddings.Provider = other.Embeddings.Provider
	}
	if other.Embeddings.CodeModel != "" {
		c.Embeddings.CodeModel = other.Embeddings.CodeModel
	}
	if other.Embeddings.CodeDimensions != 0 {
		c.Embeddings.CodeDimensions = other.Embeddings.CodeDimensions
	}
	if other.Embeddings.SemanticModel != "" {
		c.Embeddings.SemanticModel = other.Embeddings.SemanticModel
	}
	if other.Embeddings.SemanticDimensions != 0 {
		c.Embeddings.SemanticDimensions = other.Embeddings.SemanticDimensions
	}
	if other.Embeddings.BatchSize != 0 {
		c.Embeddings.BatchSize = other.Embeddings.BatchSize
	}
	if other.Embeddings.OllamaHost != "" {
		c.Embeddings.OllamaHost = other.Embeddings.OllamaHost
	}
	if other.Embeddings.InterBatchDelay != "" {
		c.Embeddings.InterBatchDelay = other.Embeddings.InterBatchDelay
	}
	if other.Embeddings.TimeoutProgression != 0 {
		c.Embeddings.TimeoutProgression = other.Embeddings.TimeoutProgression
	}
	if other.Embeddings.RetryTimeoutMultiplier != 0 {
		c.Embeddings.RetryTimeoutMultiplier = other.Embeddings.RetryTimeoutMultiplier
	}

	if other.GHAP.GoldWeight != 0 {
		c.GHAP.GoldWeight = other.GHAP.GoldWeight
	}
	if other.GHAP.SilverWeight != 0 {
		c.GHAP.SilverWeight = other.GHAP.SilverWeight
	}
	if other.GHAP.BronzeWeight != 0 {
		c.GHAP.BronzeWeight = other.GHAP.BronzeWeight
	}
	if other.GHAP.AbandonedWeight != 0 {
		c.GHAP.AbandonedWeight = other.GHAP.AbandonedWeight
	}

	if other.Cluster.MinClusterSize != 0 {
		c.Cluster.MinClusterSize = other.Cluster.MinClusterSize
	}
	if other.Cluster.MinSamples != 0 {
		c.Cluster.MinSamples = other.Cluster.MinSamples
	}
	if other.Cluster.Adaptive {
		c.Cluster.Adaptive = other.Cluster.Adaptive
	}

	if other.Context.DefaultMaxTokens != 0 {
		c.Context.DefaultMaxTokens = other.Context.DefaultMaxTokens
	}
	if other.Context.PerTypeLimit != 0 {
		c.Context.PerTypeLimit = other.Context.PerTypeLimit
	}

	if other.Git.RepoPath != "" {
		c.Git.RepoPath = other.Git.RepoPath
	}

	if other.Performance.MaxFiles != 0 {
		c.Performance.MaxFiles = other.Performance.MaxFiles
	}
	if other.Performance.IndexWorkers != 0 {
		c.Performance.IndexWorkers = other.Performance.IndexWorkers
	}
	if other.Performance.WatchDebounce != "" {
		c.Performance.WatchDebounce = other.Performance.WatchDebounce
	}
	if other.Performance.SQLiteCacheMB != 0 {
		c.Performance.SQLiteCacheMB = other.Performance.SQLiteCacheMB
	}

	if other.Server.Transport != "" {
		c.Server.Transport = other.Server.Transport
	}
	if other.Server.HTTPPort != 0 {
		c.Server.HTTPPort = other.Server.HTTPPort
	}
	if other.Server.LogLevel != "" {
		c.Server.LogLevel = other.Server.LogLevel
	}

	if other.Sessions.StateRoot != "" {
		c.Sessions.StateRoot = other.Sessions.StateRoot
	}
	if other.Sessions.MaxSessions > 0 {
		c.Sessions.MaxSessions = other.Sessions.MaxSessions
	}
}

// applyEnvOverrides applies CLAMS_* environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("CLAMS_EMBEDDINGS_PROVIDER"); v != "" {
		c.Embeddings.Provider = v
	}
	if v := os.Getenv("CLAMS_EMBEDDER"); v != "" {
		c.Embeddings.Provider = v
	}
	if v := os.Getenv("CLAMS_OLLAMA_HOST"); v != "" {
		c.Embeddings.OllamaHost = v
	}
	if v := os.Getenv("CLAMS_LOG_LEVEL"); v != "" {
		c.Server.LogLevel = v
	}
	if v := os.Getenv("CLAMS_TRANSPORT"); v != "" {
		c.Server.Transport = v
	}
	if v := os.Getenv("CLAMS_HTTP_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			c.Server.HTTPPort = p
		}
	}
	if v := os.Getenv("CLAMS_STATE_ROOT"); v != "" {
		c.Sessions.StateRoot = v
	}
	if v := os.Getenv("CLAMS_GIT_REPO_PATH"); v != "" {
		c.Git.RepoPath = v
	}
	if v := os.Getenv("CLAMS_CLUSTER_MIN_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Cluster.MinClusterSize = n
		}
	}
}

// Validate checks that the configuration has sane values before the
// process acts on it.
func (c *Config) Validate() error {
	if c.Embeddings.Provider != "" {
		validProviders := map[string]bool{"static": true, "ollama": true, "mlx": true}
		if !validProviders[strings.ToLower(c.Embeddings.Provider)] {
			return fmt.Errorf("embeddings.provider must be 'ollama', 'mlx', 'static', or empty (auto-detect), got %s", c.Embeddings.Provider)
		}
	}

	for name, w := range map[string]float64{
		"ghap.gold_weight":      c.GHAP.GoldWeight,
		"ghap.silver_weight":    c.GHAP.SilverWeight,
		"ghap.bronze_weight":    c.GHAP.BronzeWeight,
		"ghap.abandoned_weight": c.GHAP.AbandonedWeight,
	} {
		if w < 0 || w > 1 {
			return fmt.Errorf("%s must be between 0 and 1, got %f", name, w)
		}
	}

	if c.Cluster.MinClusterSize < 1 {
		return fmt.Errorf("cluster.min_cluster_size must be at least 1, got %d", c.Cluster.MinClusterSize)
	}
	if c.Cluster.MinSamples < 1 {
		return fmt.Errorf("cluster.min_samples must be at least 1, got %d", c.Cluster.MinSamples)
	}

	if c.Context.DefaultMaxTokens < 0 {
		return fmt.Errorf("context.default_max_tokens must be non-negative, got %d", c.Context.DefaultMaxTokens)
	}
	if c.Context.PerTypeLimit < 0 {
		return fmt.Errorf("context.per_type_limit must be non-negative, got %d", c.Context.PerTypeLimit)
	}

	validTransports := map[string]bool{"stdio": true, "http": true}
	if !validTransports[strings.ToLower(c.Server.Transport)] {
		return fmt.Errorf("server.transport must be 'stdio' or 'http', got %s", c.Server.Transport)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Server.LogLevel)] {
		return fmt.Errorf("server.log_level must be 'debug', 'info', 'warn', or 'error', got %s", c.Server.LogLevel)
	}

	return nil
}

// parseFloat64 parses a string to float64, used for config parsing.
func parseFloat64(s string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}

// DetectProjectType detects the project type based on marker files.
func DetectProjectType(dir string) ProjectType {
	if fileExists(filepath.Join(dir, "go.mod")) {
		return ProjectTypeGo
	}
	if fileExists(filepath.Join(dir, "package.json")) {
		return ProjectTypeNode
	}
	if fileExists(filepath.Join(dir, "pyproject.toml")) ||
		fileExists(filepath.Join(dir, "requirements.txt")) {
		return ProjectTypePython
	}
	return ProjectTypeUnknown
}

// FindProjectRoot walks up from startDir looking for a .git directory or a
// .clams.yaml/.yml file.
func FindProjectRoot(startDir string) (string, error) {
	absDir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path: %w", err)
	}

	currentDir := absDir
	for {
		if dirExists(filepath.Join(currentDir, ".git")) {
			return currentDir, nil
		}
		if fileExists(filepath.Join(currentDir, ".clams.yaml")) ||
			fileExists(filepath.Join(currentDir, ".clams.yml")) {
			return currentDir, nil
		}
		parentDir := filepath.Dir(currentDir)
		if parentDir == currentDir {
			return absDir, nil
		}
		currentDir = parentDir
	}
}

// WriteShellEnv writes a shell-sourceable view of the server's address so
// hooks never hard-code paths or ports.
func (c *Config) WriteShellEnv(path string) error {
	lines := []string{
		fmt.Sprintf("export CLAMS_STATE_ROOT=%q", c.Sessions.StateRoot),
		fmt.Sprintf("export CLAMS_HTTP_PORT=%d", c.Server.HTTPPort),
		fmt.Sprintf("export CLAMS_TRANSPORT=%q", c.Server.Transport),
	}
	data := []byte(strings.Join(lines, "\n") + "\n")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write shell env: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to install shell env: %w", err)
	}
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
