package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is the window used to coalesce editor write bursts
// before a config reload.
const DefaultDebounce = 200 * time.Millisecond

// Watcher reloads the project configuration when its file changes.
//
// The project root directory is watched rather than the file itself:
// editors typically replace the file via rename, which would drop a
// per-file watch. Change bursts are debounced, and each reload runs
// the full configuration chain (defaults, user config, project config,
// environment) followed by validation. Invalid intermediate states are
// logged and skipped, so the last good configuration stays in effect.
type Watcher struct {
	dir      string
	debounce time.Duration
	logger   *slog.Logger
	onReload func(*Config)

	fsw *fsnotify.Watcher

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

// WatchConfig starts watching dir for project config changes and
// delivers every successfully reloaded configuration to onReload.
// The callback runs on the watcher's goroutine and must not block.
func WatchConfig(dir string, debounce time.Duration, logger *slog.Logger, onReload func(*Config)) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create config watcher: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	w := &Watcher{
		dir:      dir,
		debounce: debounce,
		logger:   logger,
		onReload: onReload,
		fsw:      fsw,
	}
	go w.loop()
	return w, nil
}

// loop runs until the underlying fsnotify channels close.
func (w *Watcher) loop() {
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !isProjectConfig(event.Name) {
				continue
			}
			// Remove counts too: a deleted project config reverts the
			// configuration to user defaults on the next reload.
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			w.scheduleReload()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", slog.String("error", err.Error()))
		}
	}
}

// isProjectConfig reports whether the event path names a project
// config file.
func isProjectConfig(name string) bool {
	base := filepath.Base(name)
	return base == ProjectConfigName || base == ProjectConfigAltName
}

// scheduleReload resets the debounce timer so rapid write bursts
// collapse into a single reload.
func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

// reload re-runs the full configuration chain and delivers the result.
func (w *Watcher) reload() {
	w.mu.Lock()
	stopped := w.stopped
	w.mu.Unlock()
	if stopped {
		return
	}

	cfg, err := Load(w.dir)
	if err != nil {
		w.logger.Warn("config reload skipped",
			slog.String("dir", w.dir),
			slog.String("error", err.Error()))
		return
	}

	w.logger.Info("config reloaded",
		slog.Float64("vector_weight", cfg.Search.VectorWeight),
		slog.Float64("graph_weight", cfg.Search.GraphWeight),
		slog.Float64("memory_weight", cfg.Search.MemoryWeight),
		slog.Float64("pattern_weight", cfg.Search.PatternWeight))

	if w.onReload != nil {
		w.onReload(cfg)
	}
}

// Stop stops the watcher and releases resources.
// Safe to call multiple times.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return nil
	}
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
	}
	return w.fsw.Close()
}
