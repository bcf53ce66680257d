package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// ProjectConfigName is the project-level config file name.
	ProjectConfigName = ".quadfuse.yaml"
	// ProjectConfigAltName is the alternative extension for the project config.
	ProjectConfigAltName = ".quadfuse.yml"

	// DefaultDataDirName is the per-project data directory, resolved
	// against the project root when not absolute.
	DefaultDataDirName = ".quadfuse"

	// maxSourceTimeout caps the configurable per-source search budget.
	maxSourceTimeout = 500 * time.Millisecond
)

// Config represents the complete QuadFuse configuration.
type Config struct {
	Version   int             `yaml:"version" json:"version"`
	DataDir   string          `yaml:"data_dir" json:"data_dir"`
	Search    SearchConfig    `yaml:"search" json:"search"`
	Vector    VectorConfig    `yaml:"vector" json:"vector"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry" json:"telemetry"`
}

// SearchConfig configures fusion search behavior.
// Weights and bounds are configurable via:
//  1. User config (~/.config/quadfuse/config.yaml) - personal defaults
//  2. Project config (.quadfuse.yaml) - per-project tuning
//  3. Env vars (QUADFUSE_VECTOR_WEIGHT, ...) - highest priority
type SearchConfig struct {
	// VectorWeight is the fusion weight of the semantic vector source
	// (0.0-1.0). The four weights must sum to 1.0.
	VectorWeight float64 `yaml:"vector_weight" json:"vector_weight"`

	// GraphWeight is the fusion weight of the knowledge graph source.
	GraphWeight float64 `yaml:"graph_weight" json:"graph_weight"`

	// MemoryWeight is the fusion weight of the episodic memory source.
	MemoryWeight float64 `yaml:"memory_weight" json:"memory_weight"`

	// PatternWeight is the fusion weight of the pattern bank source.
	PatternWeight float64 `yaml:"pattern_weight" json:"pattern_weight"`

	// TopK is the default number of fused results (1-100).
	TopK int `yaml:"top_k" json:"top_k"`

	// GraphDepth is the default graph traversal depth (1-5).
	GraphDepth int `yaml:"graph_depth" json:"graph_depth"`

	// SourceTimeout is the per-source budget as a duration string
	// (e.g. "400ms"). Capped at 500ms.
	SourceTimeout string `yaml:"source_timeout" json:"source_timeout"`

	// MinPatternConfidence is the pattern confidence floor (0.0-1.0).
	MinPatternConfidence float64 `yaml:"min_pattern_confidence" json:"min_pattern_confidence"`

	// MemoryNamespace scopes episodic memory lookups.
	MemoryNamespace string `yaml:"memory_namespace" json:"memory_namespace"`

	// DedupThreshold is the near-duplicate token overlap threshold
	// (0.0-1.0). Zero keeps the engine default.
	DedupThreshold float64 `yaml:"dedup_threshold" json:"dedup_threshold"`

	// CacheSize is the result cache capacity in entries.
	CacheSize int `yaml:"cache_size" json:"cache_size"`
}

// VectorConfig configures the HNSW vector index.
type VectorConfig struct {
	// Dimensions is the embedding dimension. Zero infers it from the
	// first embedding in the knowledge file.
	Dimensions int `yaml:"dimensions" json:"dimensions"`

	// Metric is the distance metric: "cos" or "l2".
	Metric string `yaml:"metric" json:"metric"`

	// M is the HNSW max connections per layer.
	M int `yaml:"m" json:"m"`

	// EfConstruction is the HNSW build-time search width.
	EfConstruction int `yaml:"ef_construction" json:"ef_construction"`

	// EfSearch is the HNSW query-time search width.
	EfSearch int `yaml:"ef_search" json:"ef_search"`
}

// LoggingConfig configures structured log output.
type LoggingConfig struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string `yaml:"level" json:"level"`

	// FilePath is the log file location. Empty uses the default under
	// the user's home directory.
	FilePath string `yaml:"file_path" json:"file_path"`

	// MaxSizeMB is the log rotation threshold.
	MaxSizeMB int `yaml:"max_size_mb" json:"max_size_mb"`

	// MaxFiles is the number of rotated log files kept.
	MaxFiles int `yaml:"max_files" json:"max_files"`
}

// TelemetryConfig configures query metrics collection.
type TelemetryConfig struct {
	// Disabled turns off query metrics collection.
	Disabled bool `yaml:"disabled" json:"disabled"`

	// FlushInterval is how often metrics flush to the store, as a
	// duration string. "0" flushes only on close.
	FlushInterval string `yaml:"flush_interval" json:"flush_interval"`

	// DBPath overrides the metrics database location. Empty places it
	// inside the data directory.
	DBPath string `yaml:"db_path" json:"db_path"`
}

// NewConfig creates a new Config with sensible defaults.
func NewConfig() *Config {
	return &Config{
		Version: 1,
		DataDir: DefaultDataDirName,
		Search: SearchConfig{
			VectorWeight:         0.4,
			GraphWeight:          0.3,
			MemoryWeight:         0.2,
			PatternWeight:        0.1,
			TopK:                 10,
			GraphDepth:           2,
			SourceTimeout:        "400ms",
			MinPatternConfidence: 0.5,
			MemoryNamespace:      "default",
			DedupThreshold:       0.9,
			CacheSize:            128,
		},
		Vector: VectorConfig{
			Dimensions:     0, // inferred from the knowledge file
			Metric:         "cos",
			M:              32,
			EfConstruction: 128,
			EfSearch:       64,
		},
		Logging: LoggingConfig{
			Level:     "info",
			FilePath:  "", // empty = default path under the home directory
			MaxSizeMB: 10,
			MaxFiles:  5,
		},
		Telemetry: TelemetryConfig{
			Disabled:      false,
			FlushInterval: "60s",
			DBPath:        "",
		},
	}
}

// GetUserConfigPath returns the path to the user/global configuration file.
// It follows the XDG Base Directory specification:
//   - $XDG_CONFIG_HOME/quadfuse/config.yaml (if XDG_CONFIG_HOME is set)
//   - ~/.config/quadfuse/config.yaml (default)
func GetUserConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "quadfuse", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".config", "quadfuse", "config.yaml")
	}
	return filepath.Join(home, ".config", "quadfuse", "config.yaml")
}

// GetUserConfigDir returns the directory containing the user configuration.
func GetUserConfigDir() string {
	return filepath.Dir(GetUserConfigPath())
}

// UserConfigExists returns true if the user configuration file exists.
func UserConfigExists() bool {
	return fileExists(GetUserConfigPath())
}

// loadUserConfig loads the user/global configuration file if it exists.
// Returns nil config and nil error if the file doesn't exist.
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

// Load loads configuration for the project rooted at dir.
// It applies configuration in order of increasing precedence:
//  1. Hardcoded defaults
//  2. User/global config (~/.config/quadfuse/config.yaml)
//  3. Project config (.quadfuse.yaml in the project root)
//  4. Environment variables (QUADFUSE_*)
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

// loadFromFile attempts to load configuration from .quadfuse.yaml or .quadfuse.yml.
func (c *Config) loadFromFile(dir string) error {
	// .yaml takes precedence over .yml
	yamlPath := filepath.Join(dir, ProjectConfigName)
	if _, err := os.Stat(yamlPath); err == nil {
		return c.loadYAML(yamlPath)
	}

	ymlPath := filepath.Join(dir, ProjectConfigAltName)
	if _, err := os.Stat(ymlPath); err == nil {
		return c.loadYAML(ymlPath)
	}

	// No config file is fine - use defaults
	return nil
}

// loadYAML loads and merges configuration from a YAML file.
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

// mergeWith merges non-zero values from other into c.
//
// The four source weights merge as a set: a zero inside a configured
// set means that source is switched off, while an all-zero set means
// the file did not configure weights at all.
func (c *Config) mergeWith(other *Config) {
	if other.Version != 0 {
		c.Version = other.Version
	}
	if other.DataDir != "" {
		c.DataDir = other.DataDir
	}

	// Search
	if other.Search.VectorWeight != 0 || other.Search.GraphWeight != 0 ||
		other.Search.MemoryWeight != 0 || other.Search.PatternWeight != 0 {
		c.Search.VectorWeight = other.Search.VectorWeight
		c.Search.GraphWeight = other.Search.GraphWeight
		c.Search.MemoryWeight = other.Search.MemoryWeight
		c.Search.PatternWeight = other.Search.PatternWeight
	}
	if other.Search.TopK != 0 {
		c.Search.TopK = other.Search.TopK
	}
	if other.Search.GraphDepth != 0 {
		c.Search.GraphDepth = other.Search.GraphDepth
	}
	if other.Search.SourceTimeout != "" {
		c.Search.SourceTimeout = other.Search.SourceTimeout
	}
	if other.Search.MinPatternConfidence != 0 {
		c.Search.MinPatternConfidence = other.Search.MinPatternConfidence
	}
	if other.Search.MemoryNamespace != "" {
		c.Search.MemoryNamespace = other.Search.MemoryNamespace
	}
	if other.Search.DedupThreshold != 0 {
		c.Search.DedupThreshold = other.Search.DedupThreshold
	}
	if other.Search.CacheSize != 0 {
		c.Search.CacheSize = other.Search.CacheSize
	}

	// Vector
	if other.Vector.Dimensions != 0 {
		c.Vector.Dimensions = other.Vector.Dimensions
	}
	if other.Vector.Metric != "" {
		c.Vector.Metric = other.Vector.Metric
	}
	if other.Vector.M != 0 {
		c.Vector.M = other.Vector.M
	}
	if other.Vector.EfConstruction != 0 {
		c.Vector.EfConstruction = other.Vector.EfConstruction
	}
	if other.Vector.EfSearch != 0 {
		c.Vector.EfSearch = other.Vector.EfSearch
	}

	// Logging
	if other.Logging.Level != "" {
		c.Logging.Level = other.Logging.Level
	}
	if other.Logging.FilePath != "" {
		c.Logging.FilePath = other.Logging.FilePath
	}
	if other.Logging.MaxSizeMB != 0 {
		c.Logging.MaxSizeMB = other.Logging.MaxSizeMB
	}
	if other.Logging.MaxFiles != 0 {
		c.Logging.MaxFiles = other.Logging.MaxFiles
	}

	// Telemetry
	if other.Telemetry.Disabled {
		c.Telemetry.Disabled = true
	}
	if other.Telemetry.FlushInterval != "" {
		c.Telemetry.FlushInterval = other.Telemetry.FlushInterval
	}
	if other.Telemetry.DBPath != "" {
		c.Telemetry.DBPath = other.Telemetry.DBPath
	}
}

// applyEnvOverrides applies QUADFUSE_* environment variable overrides.
func (c *Config) applyEnvOverrides() {
	// Weights support explicit zero so a source can be switched off
	// from the environment.
	if v := os.Getenv("QUADFUSE_VECTOR_WEIGHT"); v != "" {
		if w, err := parseFloat(v); err == nil && w >= 0 && w <= 1 {
			c.Search.VectorWeight = w
		}
	}
	if v := os.Getenv("QUADFUSE_GRAPH_WEIGHT"); v != "" {
		if w, err := parseFloat(v); err == nil && w >= 0 && w <= 1 {
			c.Search.GraphWeight = w
		}
	}
	if v := os.Getenv("QUADFUSE_MEMORY_WEIGHT"); v != "" {
		if w, err := parseFloat(v); err == nil && w >= 0 && w <= 1 {
			c.Search.MemoryWeight = w
		}
	}
	if v := os.Getenv("QUADFUSE_PATTERN_WEIGHT"); v != "" {
		if w, err := parseFloat(v); err == nil && w >= 0 && w <= 1 {
			c.Search.PatternWeight = w
		}
	}

	if v := os.Getenv("QUADFUSE_TOP_K"); v != "" {
		if k, err := strconv.Atoi(v); err == nil && k > 0 {
			c.Search.TopK = k
		}
	}
	if v := os.Getenv("QUADFUSE_GRAPH_DEPTH"); v != "" {
		if d, err := strconv.Atoi(v); err == nil && d > 0 {
			c.Search.GraphDepth = d
		}
	}
	if v := os.Getenv("QUADFUSE_SOURCE_TIMEOUT"); v != "" {
		c.Search.SourceTimeout = v
	}
	if v := os.Getenv("QUADFUSE_MIN_PATTERN_CONFIDENCE"); v != "" {
		if f, err := parseFloat(v); err == nil && f >= 0 && f <= 1 {
			c.Search.MinPatternConfidence = f
		}
	}
	if v := os.Getenv("QUADFUSE_MEMORY_NAMESPACE"); v != "" {
		c.Search.MemoryNamespace = v
	}

	if v := os.Getenv("QUADFUSE_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("QUADFUSE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("QUADFUSE_TELEMETRY"); v != "" {
		on := strings.ToLower(v) == "true" || v == "1"
		c.Telemetry.Disabled = !on
	}
}

// parseFloat parses a string to float64, used for config parsing.
func parseFloat(s string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}

// Validate validates the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	weights := []struct {
		name string
		val  float64
	}{
		{"vector_weight", c.Search.VectorWeight},
		{"graph_weight", c.Search.GraphWeight},
		{"memory_weight", c.Search.MemoryWeight},
		{"pattern_weight", c.Search.PatternWeight},
	}
	for _, w := range weights {
		if math.IsNaN(w.val) || math.IsInf(w.val, 0) {
			return fmt.Errorf("%s must be finite", w.name)
		}
		if w.val < 0 || w.val > 1 {
			return fmt.Errorf("%s must be between 0 and 1, got %g", w.name, w.val)
		}
	}
	sum := c.Search.VectorWeight + c.Search.GraphWeight + c.Search.MemoryWeight + c.Search.PatternWeight
	if math.Abs(sum-1.0) > 0.01 {
		return fmt.Errorf("source weights must sum to 1.0, got %.2f", sum)
	}

	if c.Search.TopK < 1 || c.Search.TopK > 100 {
		return fmt.Errorf("top_k must be between 1 and 100, got %d", c.Search.TopK)
	}
	if c.Search.GraphDepth < 1 || c.Search.GraphDepth > 5 {
		return fmt.Errorf("graph_depth must be between 1 and 5, got %d", c.Search.GraphDepth)
	}
	timeout, err := time.ParseDuration(c.Search.SourceTimeout)
	if err != nil {
		return fmt.Errorf("source_timeout is not a valid duration: %q", c.Search.SourceTimeout)
	}
	if timeout <= 0 || timeout > maxSourceTimeout {
		return fmt.Errorf("source_timeout must be within (0, %s], got %s", maxSourceTimeout, timeout)
	}
	if c.Search.MinPatternConfidence < 0 || c.Search.MinPatternConfidence > 1 {
		return fmt.Errorf("min_pattern_confidence must be between 0 and 1, got %g", c.Search.MinPatternConfidence)
	}
	if c.Search.DedupThreshold < 0 || c.Search.DedupThreshold > 1 {
		return fmt.Errorf("dedup_threshold must be between 0 and 1, got %g", c.Search.DedupThreshold)
	}
	if c.Search.CacheSize < 0 {
		return fmt.Errorf("cache_size must be non-negative, got %d", c.Search.CacheSize)
	}

	if c.Vector.Dimensions < 0 {
		return fmt.Errorf("vector dimensions must be non-negative, got %d", c.Vector.Dimensions)
	}
	if m := strings.ToLower(c.Vector.Metric); m != "" && m != "cos" && m != "l2" {
		return fmt.Errorf("vector metric must be 'cos' or 'l2', got %s", c.Vector.Metric)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("logging level must be 'debug', 'info', 'warn', or 'error', got %s", c.Logging.Level)
	}

	if c.Telemetry.FlushInterval != "" {
		interval, err := time.ParseDuration(c.Telemetry.FlushInterval)
		if err != nil {
			return fmt.Errorf("telemetry flush_interval is not a valid duration: %q", c.Telemetry.FlushInterval)
		}
		if interval < 0 {
			return fmt.Errorf("telemetry flush_interval must be non-negative, got %s", interval)
		}
	}

	return nil
}

// Timeout returns the parsed per-source search budget. A value that
// fails to parse falls back to the default.
func (s SearchConfig) Timeout() time.Duration {
	d, err := time.ParseDuration(s.SourceTimeout)
	if err != nil || d <= 0 {
		return 400 * time.Millisecond
	}
	return d
}

// Interval returns the parsed metrics flush interval. A value that
// fails to parse falls back to the default.
func (t TelemetryConfig) Interval() time.Duration {
	d, err := time.ParseDuration(t.FlushInterval)
	if err != nil || d < 0 {
		return 60 * time.Second
	}
	return d
}

// ResolveDataDir resolves the configured data directory against the
// project root. Absolute paths are used as-is.
func (c *Config) ResolveDataDir(root string) string {
	if c.DataDir == "" {
		return filepath.Join(root, DefaultDataDirName)
	}
	if filepath.IsAbs(c.DataDir) {
		return c.DataDir
	}
	return filepath.Join(root, c.DataDir)
}

// FindProjectRoot finds the project root directory.
// It looks for a .git directory or a .quadfuse.yaml/.yml file by
// walking up the directory tree, falling back to the start directory.
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
		if fileExists(filepath.Join(currentDir, ProjectConfigName)) ||
			fileExists(filepath.Join(currentDir, ProjectConfigAltName)) {
			return currentDir, nil
		}

		parentDir := filepath.Dir(currentDir)
		if parentDir == currentDir {
			// Reached the filesystem root without a marker
			return absDir, nil
		}
		currentDir = parentDir
	}
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// fileExists checks if a file exists and is not a directory.
func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

// dirExists checks if a directory exists.
func dirExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.IsDir()
}
