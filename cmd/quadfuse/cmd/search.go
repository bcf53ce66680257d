package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/quadfuse/quadfuse/internal/output"
	"github.com/quadfuse/quadfuse/internal/search"
)

// searchFlags holds CLI flags for one-shot search.
type searchFlags struct {
	topK          int
	weights       string
	depth         int
	namespace     string
	timeout       time.Duration
	confidence    float64
	attribution   bool
	embeddingFile string
}

func newSearchCmd() *cobra.Command {
	var flags searchFlags

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Run one fused search across the four sources",
		Long: `Run a single query against the vector, graph, memory and pattern
sources in parallel and print the fused ranking.

Semantic matching needs a query embedding, supplied as a JSON file via
--embedding. Without one the vector source is skipped when its weight
is zero and reported as failed otherwise; the remaining sources still
answer and the response is marked degraded.

Examples:
  quadfuse search "connection pool exhaustion" --embedding query.json
  quadfuse search "retry policy" -n 5 --weights 0,0.5,0.3,0.2
  quadfuse search "deploy checklist" --namespace oncall --attribution
  quadfuse search "timeout handling" --json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")
			return runSearch(cmd.Context(), cmd, query, flags)
		},
	}

	cmd.Flags().IntVarP(&flags.topK, "top-k", "n", 0, "Number of fused results (default from config)")
	cmd.Flags().StringVarP(&flags.weights, "weights", "w", "", "Source weights as vector,graph,memory,pattern (must sum to 1.0)")
	cmd.Flags().IntVar(&flags.depth, "depth", 0, "Graph traversal depth, 1-5 (default from config)")
	cmd.Flags().StringVar(&flags.namespace, "namespace", "", "Memory namespace to search (default from config)")
	cmd.Flags().DurationVar(&flags.timeout, "timeout", 0, "Per-source deadline, at most 500ms (default from config)")
	cmd.Flags().Float64Var(&flags.confidence, "confidence", 0, "Minimum pattern confidence, 0-1 (default from config)")
	cmd.Flags().BoolVar(&flags.attribution, "attribution", false, "Include per-source attribution in results")
	cmd.Flags().StringVar(&flags.embeddingFile, "embedding", "", "Path to a JSON file holding the query embedding")

	return cmd
}

func runSearch(ctx context.Context, cmd *cobra.Command, query string, flags searchFlags) error {
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

	var embedding []float32
	if flags.embeddingFile != "" {
		embedding, err = readEmbeddingFile(flags.embeddingFile)
		if err != nil {
			return err
		}
	}

	// Searches share the data dir lock so they exclude loads, not each
	// other.
	lock, err := acquireSharedLock(ctx, dataDir)
	if err != nil {
		return err
	}
	defer func() { _ = lock.Unlock() }()

	backends, err := openBackends(dataDir, cfg, len(embedding))
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

	opts, err := optionsFromFlags(engine.Options(), flags, cmd)
	if err != nil {
		return err
	}

	slog.Info("search_started", slog.String("query", query), slog.Int("top_k", opts.TopK))
	resp, err := engine.Search(ctx, query, embedding, opts)
	if err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}

	renderSearchResponse(out, resp)
	return nil
}

// optionsFromFlags overlays explicitly set flags on the engine's
// default options. The result is always fully populated, so the engine
// never mistakes an unset flag for an explicit zero.
func optionsFromFlags(defaults search.SearchOptions, flags searchFlags, cmd *cobra.Command) (*search.SearchOptions, error) {
	opts := defaults
	if flags.topK > 0 {
		opts.TopK = flags.topK
	}
	if flags.weights != "" {
		w, err := parseWeightsCSV(flags.weights)
		if err != nil {
			return nil, err
		}
		opts.Weights = w
	}
	if flags.depth > 0 {
		opts.GraphDepth = flags.depth
	}
	if flags.namespace != "" {
		opts.MemoryNamespace = flags.namespace
	}
	if flags.timeout > 0 {
		opts.SourceTimeout = flags.timeout
	}
	if cmd.Flags().Changed("confidence") {
		opts.MinPatternConfidence = flags.confidence
	}
	opts.IncludeAttribution = flags.attribution
	return &opts, nil
}

// parseWeightsCSV parses "vector,graph,memory,pattern" fusion weights.
func parseWeightsCSV(s string) (search.Weights, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return search.Weights{}, fmt.Errorf("weights need four comma-separated values (vector,graph,memory,pattern), got %d", len(parts))
	}
	vals := make([]float64, 4)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return search.Weights{}, fmt.Errorf("weight %q is not a number", strings.TrimSpace(p))
		}
		vals[i] = v
	}
	return search.Weights{Vector: vals[0], Graph: vals[1], Memory: vals[2], Pattern: vals[3]}, nil
}

// readEmbeddingFile reads a query embedding from a JSON file. Both a
// bare array and the knowledge-file document form {"embedding": [...]}
// are accepted.
func readEmbeddingFile(path string) ([]float32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read embedding file: %w", err)
	}
	var vec []float32
	if err := json.Unmarshal(data, &vec); err == nil {
		return vec, nil
	}
	var doc struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := json.Unmarshal(data, &doc); err == nil && len(doc.Embedding) > 0 {
		return doc.Embedding, nil
	}
	return nil, fmt.Errorf("embedding file %s: want a JSON array of numbers or {\"embedding\": [...]}", path)
}

// renderSearchResponse prints a fused response in human-readable form,
// leading with degradation notes so a partial answer is never mistaken
// for a full one.
func renderSearchResponse(out *output.Writer, resp *search.Response) {
	printDegradation(out, resp)

	if resp.Metadata.Cached {
		out.Status("⚡", "Served from result cache")
	}

	if len(resp.Results) == 0 {
		out.Status("", fmt.Sprintf("No results found for %q", resp.Query))
		return
	}

	out.Statusf("🔍", "Found %d results for %q:", len(resp.Results), resp.Query)
	out.Newline()

	for i, r := range resp.Results {
		out.Statusf("", "%d. %s (score: %.3f)", i+1, r.ID, r.Score)
		for _, line := range snippet(r.Content, 3) {
			out.Status("", "   "+line)
		}
		if len(r.Sources) > 0 {
			parts := make([]string, len(r.Sources))
			for j, a := range r.Sources {
				parts[j] = fmt.Sprintf("%s (norm %.2f, weight %.2f)", a.Source, a.NormalizedScore, a.Weight)
			}
			out.Status("", "   sources: "+strings.Join(parts, ", "))
		}
		out.Newline()
	}
}

// printDegradation reports sources that failed or timed out.
func printDegradation(out *output.Writer, resp *search.Response) {
	for _, src := range search.AllSources {
		st, ok := resp.SourceStats[src]
		if !ok || st.Responded {
			continue
		}
		if st.TimedOut {
			out.Warningf("%s source timed out after %dms; its weight was redistributed", src, st.DurationMs)
		} else {
			out.Warningf("%s source failed: %s", src, st.Error)
		}
	}
}

// snippet returns the first n lines of content.
func snippet(content string, n int) []string {
	lines := strings.Split(content, "\n")
	if len(lines) > n {
		lines = lines[:n]
	}
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// dirExists checks if a path exists and is a directory.
func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
