package cmd

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/quadfuse/quadfuse/internal/search"
	"github.com/quadfuse/quadfuse/internal/telemetry"
)

func newStatsCmd() *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show search telemetry",
		Long: `Display aggregated search telemetry:
  - Per-source availability (responded, timed out, failed)
  - Top query terms
  - Zero-result queries
  - Latency distribution

Telemetry is collected during searches and flushed to the data
directory. Disable it with telemetry.disabled in the config.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStats(cmd, days)
		},
	}

	cmd.Flags().IntVar(&days, "days", 7, "Number of days to include")

	return cmd
}

// statsOutput is the JSON output format for search telemetry.
type statsOutput struct {
	Period              statsPeriod             `json:"period"`
	Sources             map[string]sourceCounts `json:"sources"`
	TopTerms            []telemetry.TermCount   `json:"top_terms"`
	ZeroResultQueries   []string                `json:"zero_result_queries"`
	LatencyDistribution map[string]int64        `json:"latency_distribution"`
}

type statsPeriod struct {
	From string `json:"from"`
	To   string `json:"to"`
	Days int    `json:"days"`
}

// sourceCounts aggregates one source's outcomes over the period.
type sourceCounts struct {
	Responded int64 `json:"responded"`
	TimedOut  int64 `json:"timed_out"`
	Failed    int64 `json:"failed"`
}

func runStats(cmd *cobra.Command, days int) error {
	cfg, root, err := loadConfig()
	if err != nil {
		return err
	}
	cleanup := setupLogging(cfg)
	defer cleanup()

	w := cmd.OutOrStdout()
	if cfg.Telemetry.Disabled {
		fmt.Fprintln(w, "Telemetry is disabled; enable it in the config to collect query statistics.")
		return nil
	}

	dataDir := cfg.ResolveDataDir(root)
	dbPath := telemetryDBPath(dataDir, cfg)
	// Opening the store would create an empty database, so check first.
	if !fileExists(dbPath) {
		fmt.Fprintln(w, "No telemetry recorded yet. Statistics appear after the first search.")
		return nil
	}

	ms, err := telemetry.OpenSQLiteMetricsStore(dbPath)
	if err != nil {
		return fmt.Errorf("failed to open telemetry store: %w", err)
	}
	defer func() { _ = ms.Close() }()

	stats, err := collectStats(ms, days)
	if err != nil {
		return fmt.Errorf("failed to aggregate telemetry: %w", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	}

	return printStatsFormatted(cmd, stats)
}

func collectStats(ms *telemetry.SQLiteMetricsStore, days int) (*statsOutput, error) {
	if days < 1 {
		days = 1
	}
	now := time.Now()
	to := now.Format("2006-01-02")
	from := now.AddDate(0, 0, -(days - 1)).Format("2006-01-02")

	responded, err := ms.GetSourceCounts(from, to, telemetry.OutcomeResponded)
	if err != nil {
		return nil, fmt.Errorf("get responded counts: %w", err)
	}
	timedOut, err := ms.GetSourceCounts(from, to, telemetry.OutcomeTimedOut)
	if err != nil {
		return nil, fmt.Errorf("get timeout counts: %w", err)
	}
	failed, err := ms.GetSourceCounts(from, to, telemetry.OutcomeFailed)
	if err != nil {
		return nil, fmt.Errorf("get failure counts: %w", err)
	}

	topTerms, err := ms.GetTopTerms(10)
	if err != nil {
		return nil, fmt.Errorf("get top terms: %w", err)
	}
	zeroResults, err := ms.GetZeroResultQueries(10)
	if err != nil {
		return nil, fmt.Errorf("get zero-result queries: %w", err)
	}
	latency, err := ms.GetLatencyCounts(from, to)
	if err != nil {
		return nil, fmt.Errorf("get latency counts: %w", err)
	}

	out := &statsOutput{
		Period:              statsPeriod{From: from, To: to, Days: days},
		Sources:             make(map[string]sourceCounts, len(search.AllSources)),
		TopTerms:            topTerms,
		ZeroResultQueries:   zeroResults,
		LatencyDistribution: make(map[string]int64, len(latency)),
	}
	for _, src := range search.AllSources {
		name := string(src)
		out.Sources[name] = sourceCounts{
			Responded: responded[name],
			TimedOut:  timedOut[name],
			Failed:    failed[name],
		}
	}
	for bucket, count := range latency {
		out.LatencyDistribution[string(bucket)] = count
	}

	return out, nil
}

func printStatsFormatted(cmd *cobra.Command, stats *statsOutput) error {
	w := cmd.OutOrStdout()

	header := fmt.Sprintf("Search Telemetry (%s to %s)", stats.Period.From, stats.Period.To)
	fmt.Fprintln(w, header)
	fmt.Fprintln(w, strings.Repeat("=", len(header)))
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Source Availability:")
	for _, src := range search.AllSources {
		c := stats.Sources[string(src)]
		fmt.Fprintf(w, "  %-8s %d responded, %d timed out, %d failed\n",
			string(src)+":", c.Responded, c.TimedOut, c.Failed)
	}
	fmt.Fprintln(w)

	if len(stats.TopTerms) > 0 {
		fmt.Fprintln(w, "Top Query Terms:")
		for i, tc := range stats.TopTerms {
			fmt.Fprintf(w, "  %d. %s (%d)\n", i+1, tc.Term, tc.Count)
		}
		fmt.Fprintln(w)
	} else {
		fmt.Fprintln(w, "Top Query Terms: (none recorded yet)")
		fmt.Fprintln(w)
	}

	if len(stats.ZeroResultQueries) > 0 {
		fmt.Fprintln(w, "Recent Zero-Result Queries:")
		for _, q := range stats.ZeroResultQueries {
			fmt.Fprintf(w, "  - %q\n", q)
		}
		fmt.Fprintln(w)
	} else {
		fmt.Fprintln(w, "Recent Zero-Result Queries: (none)")
		fmt.Fprintln(w)
	}

	if len(stats.LatencyDistribution) > 0 {
		fmt.Fprintln(w, "Latency Distribution:")
		buckets := []telemetry.LatencyBucket{
			telemetry.BucketP10, telemetry.BucketP50, telemetry.BucketP100,
			telemetry.BucketP500, telemetry.BucketP1000,
		}
		labels := map[telemetry.LatencyBucket]string{
			telemetry.BucketP10:   "<10ms",
			telemetry.BucketP50:   "10-50ms",
			telemetry.BucketP100:  "50-100ms",
			telemetry.BucketP500:  "100-500ms",
			telemetry.BucketP1000: ">=500ms",
		}
		for _, b := range buckets {
			if count, ok := stats.LatencyDistribution[string(b)]; ok {
				fmt.Fprintf(w, "  %s: %d\n", labels[b], count)
			}
		}
	}

	return nil
}
