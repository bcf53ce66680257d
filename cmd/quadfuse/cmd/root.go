// Package cmd provides the CLI commands for quadfuse.
package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/quadfuse/quadfuse/internal/config"
	qerrors "github.com/quadfuse/quadfuse/internal/errors"
	"github.com/quadfuse/quadfuse/internal/logging"
	"github.com/quadfuse/quadfuse/pkg/version"
)

// Persistent flags shared by all commands.
var (
	configPath string
	logLevel   string
	jsonOutput bool
)

// NewRootCmd creates the root command for the quadfuse CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quadfuse",
		Short: "Fused search over vector, graph, memory and pattern sources",
		Long: `QuadFuse runs one query against four knowledge sources in
parallel (semantic vectors, a knowledge graph, episodic memory and a
curated pattern bank), then fuses the answers into a single ranked
list with per-source attribution.

Sources that fail or exceed their timeout degrade the response instead
of failing it; their fusion weight is redistributed across the sources
that answered.

Start by loading a knowledge file:
  quadfuse load corpus.json
  quadfuse search "connection pool exhaustion"`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.SetVersionTemplate("quadfuse version {{.Version}}\n")

	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Project config file or directory (default: auto-detect from cwd)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level override: debug, info, warn, error (also mirrors logs to stderr)")
	cmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Machine-readable JSON output")

	cmd.AddCommand(newLoadCmd())
	cmd.AddCommand(newSearchCmd())
	cmd.AddCommand(newREPLCmd())
	cmd.AddCommand(newWeightsCmd())
	cmd.AddCommand(newStatsCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// Execute runs the root command.
func Execute() error {
	cmd := NewRootCmd()
	if err := cmd.Execute(); err != nil {
		var se *qerrors.SearchError
		if errors.As(err, &se) {
			fmt.Fprint(cmd.ErrOrStderr(), qerrors.FormatForCLI(se))
		} else {
			fmt.Fprintf(cmd.ErrOrStderr(), "Error: %v\n", err)
		}
		return err
	}
	return nil
}

// resolveRoot determines the project root this invocation operates on.
// --config pointing at a file means its directory; pointing at a
// directory means that directory. Without the flag the root is
// discovered by walking up from the working directory.
func resolveRoot() (string, error) {
	if configPath != "" {
		info, err := os.Stat(configPath)
		if err != nil {
			return "", fmt.Errorf("config path: %w", err)
		}
		if info.IsDir() {
			return configPath, nil
		}
		return filepath.Dir(configPath), nil
	}
	root, err := config.FindProjectRoot(".")
	if err != nil {
		cwd, _ := os.Getwd()
		return cwd, nil
	}
	return root, nil
}

// loadConfig resolves the project root and loads the layered
// configuration for it.
func loadConfig() (*config.Config, string, error) {
	root, err := resolveRoot()
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(root)
	if err != nil {
		return nil, "", err
	}
	return cfg, root, nil
}

// setupLogging initializes structured logging for one command run.
// Logs go to the configured rotating file so stdout stays clean for
// command output; --log-level additionally mirrors them to stderr.
// Returns a cleanup that flushes the log file. Logging failures are
// not fatal for CLI use.
func setupLogging(cfg *config.Config) func() {
	logCfg := logging.DefaultConfig()
	logCfg.WriteToStderr = false
	if cfg != nil {
		if cfg.Logging.Level != "" {
			logCfg.Level = cfg.Logging.Level
		}
		if cfg.Logging.FilePath != "" {
			logCfg.FilePath = cfg.Logging.FilePath
		}
		if cfg.Logging.MaxSizeMB > 0 {
			logCfg.MaxSizeMB = cfg.Logging.MaxSizeMB
		}
		if cfg.Logging.MaxFiles > 0 {
			logCfg.MaxFiles = cfg.Logging.MaxFiles
		}
	}
	if logLevel != "" {
		logCfg.Level = logLevel
		logCfg.WriteToStderr = true
	}

	logger, cleanup, err := logging.SetupCLI(logCfg)
	if err != nil {
		return func() {}
	}
	slog.SetDefault(logger)
	return cleanup
}

// fileExists checks if a file exists.
func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
