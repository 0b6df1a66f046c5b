package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"basebot/internal/domain"
	"basebot/internal/infra/telemetry"
)

const DefaultReloadDebounce = 200 * time.Millisecond

// Watcher reloads the configuration file when it changes on disk and hands
// each successfully validated result to a callback.
type Watcher struct {
	loader   *Loader
	logger   *zap.Logger
	path     string
	debounce time.Duration
}

func NewWatcher(loader *Loader, path string, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		loader:   loader,
		logger:   logger.Named("config_watcher"),
		path:     path,
		debounce: DefaultReloadDebounce,
	}
}

// Run watches until ctx is done. The directory is watched rather than the
// file so editors that replace the file atomically are still seen. Invalid
// files are logged and skipped.
func (w *Watcher) Run(ctx context.Context, onChange func(context.Context, domain.Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	var timer *time.Timer
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config watcher error", zap.Error(err))
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !shouldReloadForPath(event.Name, w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				continue
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(w.debounce)
		case <-timerChan(timer):
			timer = nil
			cfg, err := w.loader.Load(ctx, w.path)
			if err != nil {
				w.logger.Warn("config reload failed", zap.Error(err))
				continue
			}
			w.logger.Info("config changed", telemetry.EventField(telemetry.EventConfigReload))
			onChange(ctx, cfg)
		}
	}
}

func shouldReloadForPath(path string, configPath string) bool {
	if path == "" || configPath == "" {
		return false
	}
	return filepath.Clean(path) == filepath.Clean(configPath)
}

func timerChan(timer *time.Timer) <-chan time.Time {
	if timer == nil {
		return nil
	}
	return timer.C
}
