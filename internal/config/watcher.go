package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher watches one configuration file and fires a callback after
// changes settle. Editors and atomic-save tools produce bursts of events,
// so reloads are debounced.
type Watcher struct {
	logger  *zap.Logger
	path    string
	watcher *fsnotify.Watcher

	mu       sync.Mutex
	callback func()
	running  bool
	debounce time.Duration
	timer    *time.Timer

	ctx    context.Context
	cancel context.CancelFunc
}

// NewWatcher creates a watcher for the given file.
func NewWatcher(logger *zap.Logger, path string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		logger:   logger,
		path:     path,
		watcher:  fsw,
		debounce: time.Second,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// SetDebounce overrides the settle period before a reload fires.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.debounce = d
}

// Start begins watching. The directory is watched too so rename-based
// saves keep working.
func (w *Watcher) Start(onChange func()) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}
	w.callback = onChange

	// The file may not exist yet, the directory watch covers its creation.
	if err := w.watcher.Add(w.path); err != nil {
		w.logger.Debug("Config file not watchable yet", zap.String("path", w.path), zap.Error(err))
	}
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	w.running = true
	go w.handleEvents()

	w.logger.Info("Configuration watcher started", zap.String("path", w.path))
	return nil
}

// Stop stops watching and cancels any pending reload.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}

	w.cancel()
	_ = w.watcher.Close()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.running = false

	w.logger.Info("Configuration watcher stopped")
}

// IsRunning reports whether the watcher is active.
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Watcher) handleEvents() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}

			switch {
			case event.Op&(fsnotify.Write|fsnotify.Create) != 0:
				// A create may follow a delete-and-replace save, re-arm
				// the file watch before reloading.
				_ = w.watcher.Add(w.path)
				w.scheduleReload()

			case event.Op&fsnotify.Remove != 0:
				w.logger.Warn("Config file removed", zap.String("path", w.path))

			case event.Op&fsnotify.Rename != 0:
				go func() {
					time.Sleep(100 * time.Millisecond)
					_ = w.watcher.Add(w.path)
				}()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Config watcher error", zap.Error(err))

		case <-w.ctx.Done():
			return
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		callback := w.callback
		w.mu.Unlock()

		w.logger.Info("Reloading configuration", zap.String("path", w.path))
		if callback != nil {
			callback()
		}
	})
}
