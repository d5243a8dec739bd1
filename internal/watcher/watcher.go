// Package watcher reloads pool limits when the supervisor's config file
// changes on disk.
package watcher

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/tweekmonster/deoplete-server/internal/cliconfig"
)

// Limits is the subset of the configuration that can change while the
// supervisor is running. Everything else requires a restart because
// already-spawned workers hold their launch settings.
type Limits struct {
	MinWorkers int
	MaxWorkers int
}

// ConfigWatcher monitors a config file via fsnotify and applies limit
// changes through a callback.
type ConfigWatcher struct {
	path  string
	log   zerolog.Logger
	apply func(Limits)

	mu       sync.Mutex
	debounce *time.Timer
}

// New creates a watcher for the config file at path. apply is called with
// the reloaded limits after each debounced change.
func New(path string, log zerolog.Logger, apply func(Limits)) *ConfigWatcher {
	return &ConfigWatcher{path: path, log: log, apply: apply}
}

// Run watches the config file's directory until ctx is cancelled. Watching
// the directory instead of the file survives editors that replace the file
// on save.
func (w *ConfigWatcher) Run(ctx context.Context) {
	if w.path == "" {
		return
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.log.Error().Err(err).Msg("config watcher: failed to create watcher")
		return
	}
	defer fsw.Close()

	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		w.log.Error().Err(err).Str("path", w.path).Msg("config watcher: failed to watch")
		return
	}

	w.log.Debug().Str("path", w.path).Msg("config watcher started")

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.debounceReload(100 * time.Millisecond)

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn().Err(err).Msg("config watcher: error")
		}
	}
}

func (w *ConfigWatcher) debounceReload(delay time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.debounce != nil {
		w.debounce.Stop()
	}

	w.debounce = time.AfterFunc(delay, w.reload)
}

// reload reads the file fresh and applies its limits. A bad file is logged
// and ignored so a half-saved edit never disturbs the running pool.
func (w *ConfigWatcher) reload() {
	fc, err := cliconfig.LoadFileConfig(w.path)
	if err != nil {
		w.log.Warn().Err(err).Str("path", w.path).Msg("config reload failed")
		return
	}

	cfg := cliconfig.DefaultConfig()
	if err := cliconfig.ApplyFileConfig(&cfg, fc, nil); err != nil {
		w.log.Warn().Err(err).Str("path", w.path).Msg("config reload failed")
		return
	}
	if err := cfg.Validate(); err != nil {
		w.log.Warn().Err(err).Str("path", w.path).Msg("config reload rejected")
		return
	}

	w.log.Info().
		Int("min_workers", cfg.MinWorkers).
		Int("max_workers", cfg.MaxWorkers).
		Msg("config reloaded")
	w.apply(Limits{MinWorkers: cfg.MinWorkers, MaxWorkers: cfg.MaxWorkers})
}
