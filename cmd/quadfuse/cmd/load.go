package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/quadfuse/quadfuse/internal/output"
	"github.com/quadfuse/quadfuse/internal/store"
)

func newLoadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "load <knowledge.json> [more.json ...]",
		Short: "Load knowledge files into the data directory",
		Long: `Load one or more knowledge JSON files into the project data
directory. Each file can carry documents with precomputed embeddings,
graph nodes and edges, memory episodes, and curated patterns; every
section is optional.

All files are parsed and validated before anything is written. The
data directory is locked exclusively for the duration of the load, so
concurrent loads and searches wait or fail fast instead of reading a
half-written corpus.

Examples:
  quadfuse load corpus.json
  quadfuse load docs.json graph.json episodes.json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLoad(cmd.Context(), cmd, args)
		},
	}

	return cmd
}

// loadSummary is the JSON output format for a completed load.
type loadSummary struct {
	Files     int    `json:"files"`
	Documents int    `json:"documents"`
	Nodes     int    `json:"nodes"`
	Edges     int    `json:"edges"`
	Episodes  int    `json:"episodes"`
	Patterns  int    `json:"patterns"`
	ElapsedMs int64  `json:"elapsedMs"`
	DataDir   string `json:"dataDir"`
}

func runLoad(ctx context.Context, cmd *cobra.Command, files []string) error {
	cfg, root, err := loadConfig()
	if err != nil {
		return err
	}
	cleanup := setupLogging(cfg)
	defer cleanup()

	out := output.New(cmd.OutOrStdout())
	dataDir := cfg.ResolveDataDir(root)

	// Parse and validate every file before the first write. A bad
	// third file must surface before anything lands in the stores.
	kfs := make([]*store.KnowledgeFile, len(files))
	dims := cfg.Vector.Dimensions
	for i, f := range files {
		kf, err := store.ReadKnowledgeFile(f)
		if err != nil {
			return err
		}
		if kf.Dimensions > 0 {
			if dims == 0 {
				dims = kf.Dimensions
			} else if kf.Dimensions != dims {
				return fmt.Errorf("%s: embedding dimensions %d conflict with %d", f, kf.Dimensions, dims)
			}
		}
		kfs[i] = kf
	}

	lock, err := acquireExclusiveLock(ctx, dataDir)
	if err != nil {
		return err
	}
	defer func() { _ = lock.Unlock() }()

	backends, err := openBackends(dataDir, cfg, dims)
	if err != nil {
		return err
	}
	closed := false
	defer func() {
		if !closed {
			_ = backends.close()
		}
	}()

	if dims > 0 && backends.Vectors.Dimensions() != dims {
		return fmt.Errorf("existing index has %d dimensions, knowledge files carry %d; remove %s to rebuild",
			backends.Vectors.Dimensions(), dims, filepath.Join(dataDir, vectorsFile))
	}

	start := time.Now()
	var total loadSummary
	total.Files = len(files)
	total.DataDir = dataDir

	for i, f := range files {
		if !jsonOutput {
			out.Progress(i, len(files), "loading "+filepath.Base(f))
		}
		stats, err := store.Load(ctx, backends.asStoreBackends(), kfs[i], slog.Default())
		if err != nil {
			if !jsonOutput {
				out.ProgressDone()
			}
			return fmt.Errorf("load %s: %w", f, err)
		}
		total.Documents += stats.Documents
		total.Nodes += stats.Nodes
		total.Edges += stats.Edges
		total.Episodes += stats.Episodes
		total.Patterns += stats.Patterns
	}
	if !jsonOutput {
		out.Progress(len(files), len(files), "loaded")
	}

	if err := backends.saveSnapshots(); err != nil {
		return err
	}
	closed = true
	if err := backends.close(); err != nil {
		slog.Warn("closing stores after load", slog.String("error", err.Error()))
	}

	total.ElapsedMs = time.Since(start).Milliseconds()

	if jsonOutput {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(total)
	}

	out.Successf("Loaded %d documents, %d graph nodes, %d edges, %d episodes, %d patterns in %s",
		total.Documents, total.Nodes, total.Edges, total.Episodes, total.Patterns,
		time.Since(start).Round(time.Millisecond))
	out.Statusf("📁", "Data directory: %s", dataDir)
	return nil
}
