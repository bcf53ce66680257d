package config

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolateUserConfig points the user config lookup at an empty directory
// so a developer's real config cannot leak into tests.
func isolateUserConfig(t *testing.T) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
}

// writeProjectYAML drops a project config file into dir.
func writeProjectYAML(t *testing.T, dir, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ProjectConfigName), []byte(content), 0o644))
}

// =============================================================================
// Default Configuration
// =============================================================================

func TestNewConfig_ReturnsDefaults(t *testing.T) {
	cfg := NewConfig()
	require.NotNil(t, cfg)

	assert.Equal(t, 1, cfg.Version)
	assert.Equal(t, ".quadfuse", cfg.DataDir)

	// Search defaults mirror the engine's resolved options
	assert.Equal(t, 0.4, cfg.Search.VectorWeight)
	assert.Equal(t, 0.3, cfg.Search.GraphWeight)
	assert.Equal(t, 0.2, cfg.Search.MemoryWeight)
	assert.Equal(t, 0.1, cfg.Search.PatternWeight)
	assert.Equal(t, 10, cfg.Search.TopK)
	assert.Equal(t, 2, cfg.Search.GraphDepth)
	assert.Equal(t, "400ms", cfg.Search.SourceTimeout)
	assert.Equal(t, 0.5, cfg.Search.MinPatternConfidence)
	assert.Equal(t, "default", cfg.Search.MemoryNamespace)
	assert.Equal(t, 0.9, cfg.Search.DedupThreshold)
	assert.Equal(t, 128, cfg.Search.CacheSize)

	// Vector index defaults
	assert.Equal(t, 0, cfg.Vector.Dimensions) // inferred at load time
	assert.Equal(t, "cos", cfg.Vector.Metric)
	assert.Equal(t, 32, cfg.Vector.M)
	assert.Equal(t, 128, cfg.Vector.EfConstruction)
	assert.Equal(t, 64, cfg.Vector.EfSearch)

	// Logging defaults
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 10, cfg.Logging.MaxSizeMB)
	assert.Equal(t, 5, cfg.Logging.MaxFiles)

	// Telemetry defaults
	assert.False(t, cfg.Telemetry.Disabled)
	assert.Equal(t, "60s", cfg.Telemetry.FlushInterval)
}

func TestConfig_SourceWeightsSumToOne(t *testing.T) {
	cfg := NewConfig()
	sum := cfg.Search.VectorWeight + cfg.Search.GraphWeight +
		cfg.Search.MemoryWeight + cfg.Search.PatternWeight
	assert.InDelta(t, 1.0, sum, 0.01)
}

func TestNewConfig_PassesValidation(t *testing.T) {
	require.NoError(t, NewConfig().Validate())
}

// =============================================================================
// Configuration File Loading
// =============================================================================

func TestLoad_NoConfigFile_ReturnsDefaults(t *testing.T) {
	// Given: a directory with no .quadfuse.yaml
	isolateUserConfig(t)
	tmpDir := t.TempDir()

	// When: loading configuration
	cfg, err := Load(tmpDir)

	// Then: defaults are returned without error
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, 0.4, cfg.Search.VectorWeight)
	assert.Equal(t, 10, cfg.Search.TopK)
}

func TestLoad_ProjectFile_OverridesDefaults(t *testing.T) {
	// Given: a directory with .quadfuse.yaml
	isolateUserConfig(t)
	tmpDir := t.TempDir()
	writeProjectYAML(t, tmpDir, `
version: 1
search:
  vector_weight: 0.25
  graph_weight: 0.25
  memory_weight: 0.25
  pattern_weight: 0.25
  top_k: 25
  graph_depth: 3
  source_timeout: 250ms
  memory_namespace: standup
`)

	// When: loading configuration
	cfg, err := Load(tmpDir)

	// Then: all overrides are applied
	require.NoError(t, err)
	assert.Equal(t, 0.25, cfg.Search.VectorWeight)
	assert.Equal(t, 0.25, cfg.Search.GraphWeight)
	assert.Equal(t, 0.25, cfg.Search.MemoryWeight)
	assert.Equal(t, 0.25, cfg.Search.PatternWeight)
	assert.Equal(t, 25, cfg.Search.TopK)
	assert.Equal(t, 3, cfg.Search.GraphDepth)
	assert.Equal(t, "250ms", cfg.Search.SourceTimeout)
	assert.Equal(t, "standup", cfg.Search.MemoryNamespace)

	// And: untouched fields keep their defaults
	assert.Equal(t, 0.5, cfg.Search.MinPatternConfidence)
	assert.Equal(t, 128, cfg.Search.CacheSize)
}

func TestLoad_YmlExtension_IsRecognized(t *testing.T) {
	// Given: a directory with .quadfuse.yml (alternative extension)
	isolateUserConfig(t)
	tmpDir := t.TempDir()
	content := `
version: 1
search:
  memory_namespace: incidents
`
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, ProjectConfigAltName), []byte(content), 0o644))

	// When
	cfg, err := Load(tmpDir)

	// Then: .yml file is recognized
	require.NoError(t, err)
	assert.Equal(t, "incidents", cfg.Search.MemoryNamespace)
}

func TestLoad_YamlPreferredOverYml(t *testing.T) {
	// Given: both .yaml and .yml exist
	isolateUserConfig(t)
	tmpDir := t.TempDir()
	writeProjectYAML(t, tmpDir, "search:\n  memory_namespace: from-yaml\n")
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, ProjectConfigAltName),
		[]byte("search:\n  memory_namespace: from-yml\n"), 0o644))

	// When
	cfg, err := Load(tmpDir)

	// Then: .yaml takes precedence
	require.NoError(t, err)
	assert.Equal(t, "from-yaml", cfg.Search.MemoryNamespace)
}

func TestLoad_WeightsMergeAsASet(t *testing.T) {
	// Given: only one weight configured; the rest of the set is an
	// explicit zero, not "keep the default"
	isolateUserConfig(t)
	tmpDir := t.TempDir()
	writeProjectYAML(t, tmpDir, `
search:
  vector_weight: 1.0
`)

	// When
	cfg, err := Load(tmpDir)

	// Then: the other three sources are switched off
	require.NoError(t, err)
	assert.Equal(t, 1.0, cfg.Search.VectorWeight)
	assert.Equal(t, 0.0, cfg.Search.GraphWeight)
	assert.Equal(t, 0.0, cfg.Search.MemoryWeight)
	assert.Equal(t, 0.0, cfg.Search.PatternWeight)
}

func TestLoad_InvalidYaml_ReturnsError(t *testing.T) {
	isolateUserConfig(t)
	tmpDir := t.TempDir()
	writeProjectYAML(t, tmpDir, "search:\n  top_k: [broken yaml\n")

	cfg, err := Load(tmpDir)

	require.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "parse")
}

func TestLoad_InvalidFieldType_ReturnsError(t *testing.T) {
	isolateUserConfig(t)
	tmpDir := t.TempDir()
	writeProjectYAML(t, tmpDir, "search:\n  top_k: \"ten\"\n")

	cfg, err := Load(tmpDir)

	require.Error(t, err)
	assert.Nil(t, cfg)
}

func TestLoad_RejectsInvalidMergedConfig(t *testing.T) {
	isolateUserConfig(t)

	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "weights do not sum to one",
			yaml:    "search:\n  vector_weight: 0.5\n  graph_weight: 0.5\n  memory_weight: 0.5\n  pattern_weight: 0.5\n",
			wantErr: "sum to 1.0",
		},
		{
			name:    "top_k above cap",
			yaml:    "search:\n  top_k: 101\n",
			wantErr: "top_k",
		},
		{
			name:    "graph depth above cap",
			yaml:    "search:\n  graph_depth: 6\n",
			wantErr: "graph_depth",
		},
		{
			name:    "timeout above cap",
			yaml:    "search:\n  source_timeout: 750ms\n",
			wantErr: "source_timeout",
		},
		{
			name:    "timeout not a duration",
			yaml:    "search:\n  source_timeout: fast\n",
			wantErr: "source_timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := t.TempDir()
			writeProjectYAML(t, tmpDir, tt.yaml)

			cfg, err := Load(tmpDir)

			require.Error(t, err)
			assert.Nil(t, cfg)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

// =============================================================================
// Environment Variable Overrides
// =============================================================================

func TestLoad_EnvVarOverridesWeights(t *testing.T) {
	// Given: a project config with weights and env vars for the full set,
	// including an explicit zero
	isolateUserConfig(t)
	tmpDir := t.TempDir()
	writeProjectYAML(t, tmpDir, `
search:
  vector_weight: 0.25
  graph_weight: 0.25
  memory_weight: 0.25
  pattern_weight: 0.25
`)
	t.Setenv("QUADFUSE_VECTOR_WEIGHT", "0")
	t.Setenv("QUADFUSE_GRAPH_WEIGHT", "0.5")
	t.Setenv("QUADFUSE_MEMORY_WEIGHT", "0.3")
	t.Setenv("QUADFUSE_PATTERN_WEIGHT", "0.2")

	// When
	cfg, err := Load(tmpDir)

	// Then: env vars take precedence, explicit zero included
	require.NoError(t, err)
	assert.Equal(t, 0.0, cfg.Search.VectorWeight)
	assert.Equal(t, 0.5, cfg.Search.GraphWeight)
	assert.Equal(t, 0.3, cfg.Search.MemoryWeight)
	assert.Equal(t, 0.2, cfg.Search.PatternWeight)
}

func TestLoad_EnvVarOverridesBounds(t *testing.T) {
	isolateUserConfig(t)
	tmpDir := t.TempDir()
	t.Setenv("QUADFUSE_TOP_K", "25")
	t.Setenv("QUADFUSE_GRAPH_DEPTH", "4")
	t.Setenv("QUADFUSE_SOURCE_TIMEOUT", "200ms")
	t.Setenv("QUADFUSE_MEMORY_NAMESPACE", "oncall")

	cfg, err := Load(tmpDir)

	require.NoError(t, err)
	assert.Equal(t, 25, cfg.Search.TopK)
	assert.Equal(t, 4, cfg.Search.GraphDepth)
	assert.Equal(t, "200ms", cfg.Search.SourceTimeout)
	assert.Equal(t, "oncall", cfg.Search.MemoryNamespace)
}

func TestLoad_EnvVarDisablesTelemetry(t *testing.T) {
	isolateUserConfig(t)
	tmpDir := t.TempDir()
	t.Setenv("QUADFUSE_TELEMETRY", "false")

	cfg, err := Load(tmpDir)

	require.NoError(t, err)
	assert.True(t, cfg.Telemetry.Disabled)
}

func TestLoad_EnvVarUnparseableNumberIsIgnored(t *testing.T) {
	isolateUserConfig(t)
	tmpDir := t.TempDir()
	t.Setenv("QUADFUSE_TOP_K", "lots")

	cfg, err := Load(tmpDir)

	require.NoError(t, err)
	assert.Equal(t, 10, cfg.Search.TopK)
}

func TestLoad_EnvVarOverridesDataDir(t *testing.T) {
	isolateUserConfig(t)
	tmpDir := t.TempDir()
	t.Setenv("QUADFUSE_DATA_DIR", "/var/lib/quadfuse")

	cfg, err := Load(tmpDir)

	require.NoError(t, err)
	assert.Equal(t, "/var/lib/quadfuse", cfg.DataDir)
}

// =============================================================================
// User/Global Configuration
// =============================================================================

func TestGetUserConfigPath_DefaultsToXDGLocation(t *testing.T) {
	// Given: no XDG_CONFIG_HOME set
	t.Setenv("XDG_CONFIG_HOME", "")

	// When
	path := GetUserConfigPath()

	// Then: defaults to ~/.config/quadfuse/config.yaml
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".config", "quadfuse", "config.yaml"), path)
}

func TestGetUserConfigPath_RespectsXDGConfigHome(t *testing.T) {
	customConfig := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", customConfig)

	path := GetUserConfigPath()

	assert.Equal(t, filepath.Join(customConfig, "quadfuse", "config.yaml"), path)
}

func TestUserConfigExists_ReflectsFilePresence(t *testing.T) {
	configDir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", configDir)

	assert.False(t, UserConfigExists())

	quadDir := filepath.Join(configDir, "quadfuse")
	require.NoError(t, os.MkdirAll(quadDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(quadDir, "config.yaml"), []byte("version: 1"), 0o644))

	assert.True(t, UserConfigExists())
}

func TestLoad_UserConfigOverridesDefaults(t *testing.T) {
	// Given: a user config with a custom namespace
	configDir := t.TempDir()
	projectDir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", configDir)

	quadDir := filepath.Join(configDir, "quadfuse")
	require.NoError(t, os.MkdirAll(quadDir, 0o755))
	userConfig := `
search:
  memory_namespace: team
  top_k: 40
`
	require.NoError(t, os.WriteFile(filepath.Join(quadDir, "config.yaml"), []byte(userConfig), 0o644))

	// When
	cfg, err := Load(projectDir)

	// Then
	require.NoError(t, err)
	assert.Equal(t, "team", cfg.Search.MemoryNamespace)
	assert.Equal(t, 40, cfg.Search.TopK)
}

func TestLoad_ProjectConfigOverridesUserConfig(t *testing.T) {
	// Given: both user and project configs exist
	configDir := t.TempDir()
	projectDir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", configDir)

	quadDir := filepath.Join(configDir, "quadfuse")
	require.NoError(t, os.MkdirAll(quadDir, 0o755))
	userConfig := `
search:
  memory_namespace: team
  top_k: 40
`
	require.NoError(t, os.WriteFile(filepath.Join(quadDir, "config.yaml"), []byte(userConfig), 0o644))
	writeProjectYAML(t, projectDir, "search:\n  top_k: 7\n")

	// When
	cfg, err := Load(projectDir)

	// Then: the project value wins where set, the user value survives
	// where not
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Search.TopK)
	assert.Equal(t, "team", cfg.Search.MemoryNamespace)
}

func TestLoad_EnvVarOverridesUserAndProjectConfig(t *testing.T) {
	configDir := t.TempDir()
	projectDir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", configDir)
	t.Setenv("QUADFUSE_MEMORY_NAMESPACE", "from-env")

	quadDir := filepath.Join(configDir, "quadfuse")
	require.NoError(t, os.MkdirAll(quadDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(quadDir, "config.yaml"),
		[]byte("search:\n  memory_namespace: from-user\n"), 0o644))
	writeProjectYAML(t, projectDir, "search:\n  memory_namespace: from-project\n")

	cfg, err := Load(projectDir)

	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Search.MemoryNamespace)
}

func TestLoad_InvalidUserConfig_ReturnsError(t *testing.T) {
	configDir := t.TempDir()
	projectDir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", configDir)

	quadDir := filepath.Join(configDir, "quadfuse")
	require.NoError(t, os.MkdirAll(quadDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(quadDir, "config.yaml"),
		[]byte("search:\n  top_k: [broken\n"), 0o644))

	cfg, err := Load(projectDir)

	require.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "user config")
}

// =============================================================================
// Validation
// =============================================================================

func TestValidate_RejectsOutOfBoundsValues(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name: "negative weight",
			mutate: func(c *Config) {
				c.Search.VectorWeight = -0.1
				c.Search.PatternWeight = 0.6
			},
			wantErr: "vector_weight",
		},
		{
			name:    "non-finite weight",
			mutate:  func(c *Config) { c.Search.GraphWeight = math.NaN() },
			wantErr: "finite",
		},
		{
			name:    "top_k zero",
			mutate:  func(c *Config) { c.Search.TopK = 0 },
			wantErr: "top_k",
		},
		{
			name:    "graph depth zero",
			mutate:  func(c *Config) { c.Search.GraphDepth = 0 },
			wantErr: "graph_depth",
		},
		{
			name:    "confidence above one",
			mutate:  func(c *Config) { c.Search.MinPatternConfidence = 1.5 },
			wantErr: "min_pattern_confidence",
		},
		{
			name:    "dedup threshold above one",
			mutate:  func(c *Config) { c.Search.DedupThreshold = 1.5 },
			wantErr: "dedup_threshold",
		},
		{
			name:    "negative cache size",
			mutate:  func(c *Config) { c.Search.CacheSize = -1 },
			wantErr: "cache_size",
		},
		{
			name:    "negative vector dimensions",
			mutate:  func(c *Config) { c.Vector.Dimensions = -4 },
			wantErr: "dimensions",
		},
		{
			name:    "unknown metric",
			mutate:  func(c *Config) { c.Vector.Metric = "dot" },
			wantErr: "metric",
		},
		{
			name:    "unknown log level",
			mutate:  func(c *Config) { c.Logging.Level = "loud" },
			wantErr: "logging level",
		},
		{
			name:    "unparseable flush interval",
			mutate:  func(c *Config) { c.Telemetry.FlushInterval = "soon" },
			wantErr: "flush_interval",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig()
			tt.mutate(cfg)

			err := cfg.Validate()

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

// =============================================================================
// Project Root Discovery
// =============================================================================

func TestFindProjectRoot_GitDirectory_ReturnsGitRoot(t *testing.T) {
	// Given: a nested directory in a git repo
	tmpDir := t.TempDir()
	nestedDir := filepath.Join(tmpDir, "src", "internal")
	require.NoError(t, os.Mkdir(filepath.Join(tmpDir, ".git"), 0o755))
	require.NoError(t, os.MkdirAll(nestedDir, 0o755))

	// When
	root, err := FindProjectRoot(nestedDir)

	// Then
	require.NoError(t, err)
	assert.Equal(t, tmpDir, root)
}

func TestFindProjectRoot_ConfigFile_ReturnsConfigLocation(t *testing.T) {
	// Given: a directory with .quadfuse.yaml (no git)
	tmpDir := t.TempDir()
	nestedDir := filepath.Join(tmpDir, "src", "internal")
	require.NoError(t, os.MkdirAll(nestedDir, 0o755))
	writeProjectYAML(t, tmpDir, "version: 1\n")

	// When
	root, err := FindProjectRoot(nestedDir)

	// Then
	require.NoError(t, err)
	assert.Equal(t, tmpDir, root)
}

func TestFindProjectRoot_NoMarkers_ReturnsStartDir(t *testing.T) {
	tmpDir := t.TempDir()

	root, err := FindProjectRoot(tmpDir)

	require.NoError(t, err)
	assert.Equal(t, tmpDir, root)
}

// =============================================================================
// Serialization and Helpers
// =============================================================================

func TestWriteYAML_RoundTripsThroughLoad(t *testing.T) {
	isolateUserConfig(t)
	tmpDir := t.TempDir()

	cfg := NewConfig()
	cfg.Search.VectorWeight = 0.7
	cfg.Search.GraphWeight = 0.1
	cfg.Search.MemoryWeight = 0.1
	cfg.Search.PatternWeight = 0.1
	cfg.Search.TopK = 42
	require.NoError(t, cfg.WriteYAML(filepath.Join(tmpDir, ProjectConfigName)))

	loaded, err := Load(tmpDir)

	require.NoError(t, err)
	assert.Equal(t, 0.7, loaded.Search.VectorWeight)
	assert.Equal(t, 0.1, loaded.Search.GraphWeight)
	assert.Equal(t, 42, loaded.Search.TopK)
}

func TestResolveDataDir(t *testing.T) {
	cfg := NewConfig()

	assert.Equal(t, filepath.Join("/repo", ".quadfuse"), cfg.ResolveDataDir("/repo"))

	cfg.DataDir = "state"
	assert.Equal(t, filepath.Join("/repo", "state"), cfg.ResolveDataDir("/repo"))

	cfg.DataDir = "/var/lib/quadfuse"
	assert.Equal(t, "/var/lib/quadfuse", cfg.ResolveDataDir("/repo"))

	cfg.DataDir = ""
	assert.Equal(t, filepath.Join("/repo", ".quadfuse"), cfg.ResolveDataDir("/repo"))
}

func TestSearchConfig_TimeoutParsesDurations(t *testing.T) {
	s := SearchConfig{SourceTimeout: "250ms"}
	assert.Equal(t, 250*time.Millisecond, s.Timeout())

	// Garbage falls back to the default rather than zero
	s.SourceTimeout = "fast"
	assert.Equal(t, 400*time.Millisecond, s.Timeout())
}

func TestTelemetryConfig_IntervalParsesDurations(t *testing.T) {
	tc := TelemetryConfig{FlushInterval: "5s"}
	assert.Equal(t, 5*time.Second, tc.Interval())

	tc.FlushInterval = "soon"
	assert.Equal(t, 60*time.Second, tc.Interval())
}
