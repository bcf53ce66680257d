package cmd

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/quadfuse/quadfuse/internal/config"
	"github.com/quadfuse/quadfuse/internal/output"
	"github.com/quadfuse/quadfuse/internal/search"
)

func newREPLCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "repl",
		Aliases: []string{"shell"},
		Short:   "Interactive search session",
		Long: `Open an interactive session that keeps the engine warm between
queries. Plain input runs a fused search; lines starting with ':' are
session commands (:help lists them).

Weight changes written to ` + config.ProjectConfigName + ` are picked up
live without restarting the session.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runREPL(cmd.Context(), cmd)
		},
	}
	return cmd
}

func runREPL(ctx context.Context, cmd *cobra.Command) error {
	cfg, root, err := loadConfig()
	if err != nil {
		return err
	}
	cleanup := setupLogging(cfg)
	defer cleanup()

	out := output.New(cmd.OutOrStdout())
	dataDir := cfg.ResolveDataDir(root)
	if !dirExists(dataDir) {
		return fmt.Errorf("no data found in %s. Run 'quadfuse load' first", root)
	}

	lock, err := acquireSharedLock(ctx, dataDir)
	if err != nil {
		return err
	}
	defer func() { _ = lock.Unlock() }()

	backends, err := openBackends(dataDir, cfg, 0)
	if err != nil {
		return err
	}

	qm, mCleanup, err := openMetrics(dataDir, cfg)
	warnIfMetricsUnavailable(err)
	defer mCleanup()

	var engineOpts []search.EngineOption
	if qm != nil {
		engineOpts = append(engineOpts, search.WithMetrics(qm))
	}
	engine, err := newEngineFromConfig(cfg, backends, engineOpts...)
	if err != nil {
		_ = backends.close()
		return err
	}
	defer func() { _ = engine.Close() }()

	watcher, err := config.WatchConfig(root, 0, slog.Default(), func(c *config.Config) {
		if err := engine.UpdateWeights(weightsFromConfig(c)); err != nil {
			slog.Warn("weight_reload_rejected", slog.String("error", err.Error()))
			return
		}
		slog.Info("weights_reloaded", slog.String("source", "config_file"))
	})
	if err != nil {
		slog.Warn("config_watch_unavailable", slog.String("error", err.Error()))
	} else {
		defer func() { _ = watcher.Stop() }()
	}

	out.Status("🔎", "Interactive session ready. Type a query, :help for commands, :quit to exit.")
	out.Newline()

	session := &replSession{engine: engine, out: out}
	scanner := bufio.NewScanner(cmd.InOrStdin())
	for {
		fmt.Fprint(cmd.OutOrStdout(), "quadfuse> ")
		if !scanner.Scan() {
			fmt.Fprintln(cmd.OutOrStdout())
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, ":") {
			if quit := session.command(ctx, line); quit {
				break
			}
			continue
		}
		session.search(ctx, line)
	}
	return scanner.Err()
}

// replSession carries the per-session state of an interactive loop.
type replSession struct {
	engine    *search.Engine
	out       *output.Writer
	embedding []float32
}

func (s *replSession) search(ctx context.Context, query string) {
	opts := s.engine.Options()
	resp, err := s.engine.Search(ctx, query, s.embedding, &opts)
	if err != nil {
		s.out.Errorf("search failed: %v", err)
		return
	}
	renderSearchResponse(s.out, resp)
}

// command dispatches a ':' line and reports whether to end the session.
func (s *replSession) command(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	switch fields[0] {
	case ":quit", ":exit", ":q":
		return true
	case ":help":
		s.help()
	case ":embed":
		s.setEmbedding(fields[1:])
	case ":weights":
		s.weights(fields[1:])
	case ":stats":
		s.stats(ctx)
	default:
		s.out.Warningf("unknown command %q; type :help for the list", fields[0])
	}
	return false
}

func (s *replSession) help() {
	s.out.Status("", "Commands:")
	s.out.Status("", "  :embed <file>       use the embedding in <file> for following queries")
	s.out.Status("", "  :embed              clear the embedding (vector source degrades)")
	s.out.Status("", "  :weights            show the active fusion weights")
	s.out.Status("", "  :weights v,g,m,p    set fusion weights for this session")
	s.out.Status("", "  :stats              show backend document counts")
	s.out.Status("", "  :quit               end the session")
}

func (s *replSession) setEmbedding(args []string) {
	if len(args) == 0 {
		s.embedding = nil
		s.out.Status("", "Embedding cleared; queries run without the vector source.")
		return
	}
	vec, err := readEmbeddingFile(args[0])
	if err != nil {
		s.out.Errorf("%v", err)
		return
	}
	s.embedding = vec
	s.out.Successf("Using %d-dimensional embedding from %s", len(vec), args[0])
}

func (s *replSession) weights(args []string) {
	if len(args) == 0 {
		w := s.engine.Options().Weights
		s.out.Statusf("⚖️", "vector %.2f, graph %.2f, memory %.2f, pattern %.2f (sum %.2f)",
			w.Vector, w.Graph, w.Memory, w.Pattern, w.Sum())
		return
	}
	w, err := parseWeightsCSV(args[0])
	if err != nil {
		s.out.Errorf("%v", err)
		return
	}
	if err := s.engine.UpdateWeights(w); err != nil {
		s.out.Errorf("weights rejected: %v", err)
		return
	}
	s.out.Successf("Weights updated: vector %.2f, graph %.2f, memory %.2f, pattern %.2f",
		w.Vector, w.Graph, w.Memory, w.Pattern)
}

func (s *replSession) stats(ctx context.Context) {
	st, err := s.engine.Stats(ctx)
	if err != nil {
		s.out.Errorf("stats unavailable: %v", err)
		return
	}
	s.out.Statusf("📊", "Documents: %d (vectors: %d)", st.Documents, st.Vectors)
	s.out.Statusf("", "   Graph: %d nodes, %d edges", st.GraphNodes, st.GraphEdges)
	s.out.Statusf("", "   Episodes: %d, Patterns: %d", st.Episodes, st.Patterns)
}
