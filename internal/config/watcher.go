package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher reloads the config file when it changes on disk and hands the new
// config to the callback. Reload failures keep the previous config; editors
// that write-then-rename are handled by watching the directory.
type Watcher struct {
	path     string
	log      *zap.Logger
	onReload func(*Config)

	watcher *fsnotify.Watcher

	mu        sync.Mutex
	lastEvent time.Time
	running   bool

	debounce time.Duration
}

// NewWatcher prepares a watcher for the config file at path. onReload is
// called with every successfully reloaded config.
func NewWatcher(path string, log *zap.Logger, onReload func(*Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		path:     path,
		log:      log,
		onReload: onReload,
		watcher:  fw,
		debounce: 500 * time.Millisecond,
	}, nil
}

// Run watches until ctx is cancelled. It blocks; run it on its own goroutine
// or errgroup.
func (w *Watcher) Run(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()
	defer w.watcher.Close()

	// Watch the directory, not the file: renames replace the inode.
	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		w.log.Warn("config watch failed, live reload disabled",
			zap.String("dir", dir), zap.Error(err))
		<-ctx.Done()
		return nil
	}
	w.log.Info("watching config for changes", zap.String("path", w.path))

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if !w.shouldFire() {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("config watcher error", zap.Error(err))
		}
	}
}

// shouldFire debounces rapid save sequences from editors.
func (w *Watcher) shouldFire() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := time.Now()
	if now.Sub(w.lastEvent) < w.debounce {
		return false
	}
	w.lastEvent = now
	return true
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.log.Warn("config reload failed, keeping previous config", zap.Error(err))
		return
	}
	w.log.Info("config reloaded", zap.String("path", w.path))
	w.onReload(cfg)
}
