package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/quadfuse/quadfuse/internal/config"
	"github.com/quadfuse/quadfuse/internal/output"
)

func newWeightsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "weights",
		Short: "Show or change the fusion weights",
		Long: `Show the effective fusion weights, merged from defaults, the user
config, the project config and environment variables.

Use 'weights set' to persist new weights in the project config. The
four weights must each be between 0 and 1 and sum to 1.0; setting a
source's weight to 0 removes it from fusion entirely.`,
		Example: `  # Show the effective weights
  quadfuse weights

  # Favor the graph source, drop patterns
  quadfuse weights set 0.3 0.5 0.2 0`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWeightsShow(cmd)
		},
	}

	cmd.AddCommand(newWeightsSetCmd())

	return cmd
}

func newWeightsSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <vector> <graph> <memory> <pattern>",
		Short: "Persist new fusion weights in the project config",
		Long: `Write new fusion weights to the project configuration file,
creating it if needed. The existing file is backed up first.

Running sessions watching the config pick the change up live.`,
		Args: cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWeightsSet(cmd, args)
		},
	}
}

func runWeightsShow(cmd *cobra.Command) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	w := weightsFromConfig(cfg)

	if jsonOutput {
		payload := struct {
			Vector  float64 `json:"vector"`
			Graph   float64 `json:"graph"`
			Memory  float64 `json:"memory"`
			Pattern float64 `json:"pattern"`
			Sum     float64 `json:"sum"`
		}{w.Vector, w.Graph, w.Memory, w.Pattern, w.Sum()}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(payload)
	}

	out := output.New(cmd.OutOrStdout())
	out.Status("⚖️", "Fusion weights (effective):")
	out.Statusf("", "   vector   %.2f", w.Vector)
	out.Statusf("", "   graph    %.2f", w.Graph)
	out.Statusf("", "   memory   %.2f", w.Memory)
	out.Statusf("", "   pattern  %.2f", w.Pattern)
	out.Statusf("", "   sum      %.2f", w.Sum())
	return nil
}

func runWeightsSet(cmd *cobra.Command, args []string) error {
	out := output.New(cmd.OutOrStdout())

	vals := make([]float64, 4)
	for i, arg := range args {
		v, err := strconv.ParseFloat(arg, 64)
		if err != nil {
			return fmt.Errorf("weight %q is not a number", arg)
		}
		vals[i] = v
	}

	root, err := resolveRoot()
	if err != nil {
		return err
	}
	path := projectConfigPath(root)

	// The project file is edited as written, not as merged: loading the
	// merged config here would freeze user-config and env overrides
	// into the project file.
	cfg := config.NewConfig()
	existed := false
	if data, err := os.ReadFile(path); err == nil {
		existed = true
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	cfg.Search.VectorWeight = vals[0]
	cfg.Search.GraphWeight = vals[1]
	cfg.Search.MemoryWeight = vals[2]
	cfg.Search.PatternWeight = vals[3]

	if err := cfg.Validate(); err != nil {
		return err
	}

	var backupPath string
	if existed {
		backupPath, err = config.BackupConfig(path)
		if err != nil {
			return fmt.Errorf("failed to backup config: %w", err)
		}
	}

	if err := cfg.WriteYAML(path); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	out.Successf("Fusion weights updated: vector %.2f, graph %.2f, memory %.2f, pattern %.2f",
		vals[0], vals[1], vals[2], vals[3])
	out.Statusf("📁", "Location: %s", path)
	if backupPath != "" {
		out.Statusf("💾", "Backup: %s", backupPath)
	}
	out.Newline()
	out.Status("💡", "Running sessions watching the config pick the change up live")

	return nil
}

// projectConfigPath prefers an existing .yml variant over creating a
// second config file next to it.
func projectConfigPath(root string) string {
	path := filepath.Join(root, config.ProjectConfigName)
	if !fileExists(path) {
		if alt := filepath.Join(root, config.ProjectConfigAltName); fileExists(alt) {
			return alt
		}
	}
	return path
}
