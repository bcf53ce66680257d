package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/quadfuse/quadfuse/internal/config"
	qerrors "github.com/quadfuse/quadfuse/internal/errors"
	"github.com/quadfuse/quadfuse/internal/search"
	"github.com/quadfuse/quadfuse/internal/store"
	"github.com/quadfuse/quadfuse/internal/telemetry"
)

// Data directory layout. The SQLite and Bleve stores persist
// themselves; the HNSW index and the graph snapshot are written
// explicitly after a load.
const (
	vectorsFile   = "vectors.hnsw"
	docsFile      = "docs.db"
	graphFile     = "graph.gob"
	memoryFile    = "memory.db"
	patternsDir   = "patterns.bleve"
	telemetryFile = "telemetry.db"
)

// backendSet bundles the five opened stores for one data directory.
type backendSet struct {
	Vectors  *store.HNSWIndex
	Docs     *store.SQLiteDocStore
	Graph    *store.MemGraphStore
	Memory   *store.SQLiteMemoryStore
	Patterns *store.BlevePatternBank

	dataDir string
}

// lockRetryConfig bounds how long a command waits on a contended data
// directory. Loads on typical corpora finish in well under a second, so
// a short backoff rides out a lock handoff without turning a genuinely
// stuck lock into a hang.
func lockRetryConfig() qerrors.RetryConfig {
	return qerrors.RetryConfig{
		MaxRetries:   2,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     200 * time.Millisecond,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// acquireSharedLock takes the data dir read lock so a search session
// excludes loads but not other searches. Contention is retried per
// lockRetryConfig. The caller owns Unlock on success.
func acquireSharedLock(ctx context.Context, dataDir string) (*store.DirLock, error) {
	lock := store.NewDirLock(dataDir)
	err := qerrors.Retry(ctx, lockRetryConfig(), func() error {
		acquired, err := lock.TryRLock()
		if err != nil {
			return err
		}
		if !acquired {
			return qerrors.New(qerrors.ErrCodeStoreLocked,
				fmt.Sprintf("a load is writing to %s; retry when it finishes", dataDir), nil).
				WithSuggestion("wait for the load to complete, then rerun")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return lock, nil
}

// acquireExclusiveLock takes the data dir write lock for a load,
// retrying briefly when searches or another load hold it.
func acquireExclusiveLock(ctx context.Context, dataDir string) (*store.DirLock, error) {
	lock := store.NewDirLock(dataDir)
	err := qerrors.Retry(ctx, lockRetryConfig(), func() error {
		acquired, err := lock.TryLock()
		if err != nil {
			return err
		}
		if !acquired {
			return qerrors.New(qerrors.ErrCodeStoreLocked,
				fmt.Sprintf("data directory %s is in use by another quadfuse process", dataDir), nil).
				WithSuggestion("close other quadfuse sessions, then rerun the load")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return lock, nil
}

// openBackends opens all five stores under dataDir, creating them when
// absent. Vector dimensions are resolved in priority order: an existing
// index on disk wins (its dimension is a property of the stored data),
// then the configured dimension, then fallbackDims (derived from the
// knowledge file being loaded). All zero means the caller cannot
// proceed.
func openBackends(dataDir string, cfg *config.Config, fallbackDims int) (*backendSet, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	vectorsPath := filepath.Join(dataDir, vectorsFile)
	dims, err := store.ReadIndexDimensions(vectorsPath)
	if err != nil {
		return nil, fmt.Errorf("read vector index dimensions: %w", err)
	}
	if dims == 0 {
		dims = cfg.Vector.Dimensions
	}
	if dims == 0 {
		dims = fallbackDims
	}
	if dims == 0 {
		return nil, fmt.Errorf("vector dimensions unknown: load a knowledge file with document embeddings, or set vector.dimensions in %s", config.ProjectConfigName)
	}

	vectors, err := store.NewHNSWIndex(store.VectorConfig{
		Dimensions:     dims,
		Metric:         cfg.Vector.Metric,
		M:              cfg.Vector.M,
		EfConstruction: cfg.Vector.EfConstruction,
		EfSearch:       cfg.Vector.EfSearch,
	})
	if err != nil {
		return nil, fmt.Errorf("create vector index: %w", err)
	}
	if fileExists(vectorsPath) {
		if err := vectors.Load(vectorsPath); err != nil {
			return nil, fmt.Errorf("load vector index: %w", err)
		}
	}

	b := &backendSet{Vectors: vectors, dataDir: dataDir}

	b.Docs, err = store.NewSQLiteDocStore(filepath.Join(dataDir, docsFile))
	if err != nil {
		b.close()
		return nil, fmt.Errorf("open document store: %w", err)
	}

	b.Graph = store.NewMemGraphStore()
	graphPath := filepath.Join(dataDir, graphFile)
	if fileExists(graphPath) {
		if err := b.Graph.Load(graphPath); err != nil {
			b.close()
			return nil, fmt.Errorf("load graph snapshot: %w", err)
		}
	}

	b.Memory, err = store.NewSQLiteMemoryStore(filepath.Join(dataDir, memoryFile))
	if err != nil {
		b.close()
		return nil, fmt.Errorf("open memory store: %w", err)
	}

	b.Patterns, err = store.NewBlevePatternBank(filepath.Join(dataDir, patternsDir))
	if err != nil {
		b.close()
		return nil, fmt.Errorf("open pattern bank: %w", err)
	}

	return b, nil
}

// close releases whichever stores are open. Engine.Close supersedes
// this once an engine owns the set.
func (b *backendSet) close() error {
	var errs []error
	if b.Vectors != nil {
		errs = append(errs, b.Vectors.Close())
	}
	if b.Docs != nil {
		errs = append(errs, b.Docs.Close())
	}
	if b.Graph != nil {
		errs = append(errs, b.Graph.Close())
	}
	if b.Memory != nil {
		errs = append(errs, b.Memory.Close())
	}
	if b.Patterns != nil {
		errs = append(errs, b.Patterns.Close())
	}
	return errors.Join(errs...)
}

// saveSnapshots persists the in-memory stores. The SQLite and Bleve
// stores write through on every mutation and need no snapshot.
func (b *backendSet) saveSnapshots() error {
	if err := b.Vectors.Save(filepath.Join(b.dataDir, vectorsFile)); err != nil {
		return fmt.Errorf("save vector index: %w", err)
	}
	if err := b.Graph.Save(filepath.Join(b.dataDir, graphFile)); err != nil {
		return fmt.Errorf("save graph snapshot: %w", err)
	}
	return nil
}

// asStoreBackends adapts the set to the loader's bundle type.
func (b *backendSet) asStoreBackends() store.Backends {
	return store.Backends{
		Vectors:  b.Vectors,
		Docs:     b.Docs,
		Graph:    b.Graph,
		Memory:   b.Memory,
		Patterns: b.Patterns,
	}
}

// searchDefaultsFromConfig maps the configuration's search section onto
// engine default options.
func searchDefaultsFromConfig(cfg *config.Config) *search.SearchOptions {
	return &search.SearchOptions{
		TopK: cfg.Search.TopK,
		Weights: search.Weights{
			Vector:  cfg.Search.VectorWeight,
			Graph:   cfg.Search.GraphWeight,
			Memory:  cfg.Search.MemoryWeight,
			Pattern: cfg.Search.PatternWeight,
		},
		GraphDepth:           cfg.Search.GraphDepth,
		MinPatternConfidence: cfg.Search.MinPatternConfidence,
		MemoryNamespace:      cfg.Search.MemoryNamespace,
		SourceTimeout:        cfg.Search.Timeout(),
		DedupThreshold:       cfg.Search.DedupThreshold,
	}
}

// weightsFromConfig extracts the four fusion weights.
func weightsFromConfig(cfg *config.Config) search.Weights {
	return search.Weights{
		Vector:  cfg.Search.VectorWeight,
		Graph:   cfg.Search.GraphWeight,
		Memory:  cfg.Search.MemoryWeight,
		Pattern: cfg.Search.PatternWeight,
	}
}

// newEngineFromConfig builds a search engine over the opened backends.
// The engine takes ownership of the stores; closing it closes them.
func newEngineFromConfig(cfg *config.Config, b *backendSet, opts ...search.EngineOption) (*search.Engine, error) {
	ecfg := search.EngineConfig{
		Defaults:  searchDefaultsFromConfig(cfg),
		CacheSize: cfg.Search.CacheSize,
	}
	return search.NewEngine(b.Vectors, b.Docs, b.Graph, b.Memory, b.Patterns, &ecfg, opts...)
}

// openMetrics opens the query metrics collector backed by the
// telemetry database, or returns a nil collector when telemetry is
// disabled. The returned cleanup flushes pending counters and closes
// the store; it is never nil. Failures are reported to the caller, who
// should degrade to running without metrics rather than refusing the
// command.
func openMetrics(dataDir string, cfg *config.Config) (*telemetry.QueryMetrics, func(), error) {
	noop := func() {}
	if cfg.Telemetry.Disabled {
		return nil, noop, nil
	}
	ms, err := telemetry.OpenSQLiteMetricsStore(telemetryDBPath(dataDir, cfg))
	if err != nil {
		return nil, noop, fmt.Errorf("open telemetry store: %w", err)
	}
	mcfg := telemetry.DefaultQueryMetricsConfig()
	mcfg.FlushInterval = cfg.Telemetry.Interval()
	qm := telemetry.NewQueryMetricsWithConfig(ms, mcfg)
	cleanup := func() {
		if err := qm.Close(); err != nil {
			slog.Warn("telemetry flush failed", slog.String("error", err.Error()))
		}
		_ = ms.Close()
	}
	return qm, cleanup, nil
}

// telemetryDBPath resolves the metrics database location, honoring the
// config override.
func telemetryDBPath(dataDir string, cfg *config.Config) string {
	if cfg.Telemetry.DBPath != "" {
		return cfg.Telemetry.DBPath
	}
	return filepath.Join(dataDir, telemetryFile)
}

// warnIfMetricsUnavailable logs a metrics setup failure and keeps going.
func warnIfMetricsUnavailable(err error) {
	if err != nil {
		slog.Warn("telemetry unavailable, continuing without metrics", slog.String("error", err.Error()))
	}
}
