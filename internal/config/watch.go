package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dray-io/autoprune/internal/logging"
)

const reloadDebounce = 200 * time.Millisecond

// Watch reloads the file at path whenever it changes and passes every
// valid result to onChange. Invalid files are logged and ignored. Watch
// blocks until ctx is cancelled.
//
// The directory is watched rather than the file so that editors and
// ConfigMap updates that replace the file are seen.
func Watch(ctx context.Context, path string, logger *logging.Logger, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}
	name := filepath.Clean(path)

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != name || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			debounce = time.After(reloadDebounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warnf("config watcher error", map[string]any{"error": err})
		case <-debounce:
			debounce = nil
			cfg, err := LoadFromPath(path)
			if err != nil {
				logger.Warnf("ignoring invalid config change", map[string]any{"path": path, "error": err})
				continue
			}
			onChange(cfg)
		}
	}
}

// ApplyLogLevel is an onChange callback that updates the level of l.
func ApplyLogLevel(l *logging.Logger) func(*Config) {
	return func(cfg *Config) {
		level := logging.ParseLevel(cfg.Observability.LogLevel)
		if level != l.GetLevel() {
			l.SetLevel(level)
			l.Infof("log level changed", map[string]any{"level": level.String()})
		}
	}
}
