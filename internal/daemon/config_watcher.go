package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"git.home.luguber.info/inful/bookpub/internal/logfields"
	"github.com/fsnotify/fsnotify"
)

// ConfigWatcher monitors the configuration file and invokes a callback
// after changes, debounced so editors writing in several steps trigger one
// reload.
type ConfigWatcher struct {
	configPath string
	onChange   func()
	watcher    *fsnotify.Watcher
	debounce   time.Duration

	stopOnce sync.Once
	stopChan chan struct{}
}

// NewConfigWatcher creates a watcher for configPath.
func NewConfigWatcher(configPath string, onChange func()) (*ConfigWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	return &ConfigWatcher{
		configPath: absPath,
		onChange:   onChange,
		watcher:    watcher,
		debounce:   2 * time.Second,
		stopChan:   make(chan struct{}),
	}, nil
}

// Start begins monitoring. Watching the directory rather than the file
// itself survives rename-based atomic saves.
func (cw *ConfigWatcher) Start(ctx context.Context) error {
	if err := cw.watcher.Add(filepath.Dir(cw.configPath)); err != nil {
		return fmt.Errorf("watch config directory: %w", err)
	}
	slog.Info("Watching configuration file", logfields.Path(cw.configPath))
	go cw.loop(ctx)
	return nil
}

// Stop stops the watcher.
func (cw *ConfigWatcher) Stop() {
	cw.stopOnce.Do(func() {
		close(cw.stopChan)
		_ = cw.watcher.Close()
	})
}

func (cw *ConfigWatcher) loop(ctx context.Context) {
	var timer *time.Timer
	fire := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return
		case <-cw.stopChan:
			return
		case ev, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != cw.configPath {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(cw.debounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("Config watcher error", logfields.Error(err))
		case <-fire:
			cw.onChange()
		}
	}
}
