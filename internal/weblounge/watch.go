package weblounge

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"
)

// Reloader applies a freshly loaded configuration.
type Reloader interface {
	Reload(cfg Config) error
}

// ConfigWatcher reloads the configuration file whenever it changes.
type ConfigWatcher struct {
	path     string
	target   Reloader
	logger   logr.Logger
	debounce time.Duration
}

func NewConfigWatcher(path string, target Reloader, logger logr.Logger) (*ConfigWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	return &ConfigWatcher{path: abs, target: target, logger: logger, debounce: 250 * time.Millisecond}, nil
}

// Run watches until ctx is done. The directory is watched rather than the
// file so that editors replacing the file by rename are noticed.
func (w *ConfigWatcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	w.logger.V(VERBOSE).Info("Watching configuration", "path", w.path)

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				timer.Reset(w.debounce)
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error(err, "Configuration watch error")
		case <-timer.C:
			w.reload()
		}
	}
}

func (w *ConfigWatcher) reload() {
	cfg, err := LoadConfig(w.path)
	if err != nil {
		w.logger.Error(err, "Configuration not reloaded", "path", w.path)
		return
	}
	if err := w.target.Reload(cfg); err != nil {
		w.logger.Error(err, "Configuration reloaded with errors", "path", w.path)
	}
}
