package config

import (
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/Clukay-Fun/OmniAgent/errors"
)

// FileWatcher watches a file for changes and triggers reload callbacks.
// Used to hot-reload the rules definition file without restarting pollers.
type FileWatcher struct {
	path           string
	watcher        *fsnotify.Watcher
	callbacks      []func() error
	mu             sync.RWMutex
	debounceTimer  *time.Timer
	debouncePeriod time.Duration
	logger         *zap.SugaredLogger
	done           chan struct{}
}

// NewFileWatcher creates a watcher for the given path.
func NewFileWatcher(path string, logger *zap.SugaredLogger) (*FileWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create fsnotify watcher")
	}

	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, errors.Wrapf(err, "failed to watch file %s", path)
	}

	return &FileWatcher{
		path:           path,
		watcher:        watcher,
		debouncePeriod: 500 * time.Millisecond, // Debounce rapid file changes
		logger:         logger,
		done:           make(chan struct{}),
	}, nil
}

// OnReload registers a callback to be called after the file changes.
func (fw *FileWatcher) OnReload(callback func() error) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	fw.callbacks = append(fw.callbacks, callback)
}

// Start begins watching in a background goroutine.
func (fw *FileWatcher) Start() {
	go fw.loop()
}

// Stop closes the watcher.
func (fw *FileWatcher) Stop() error {
	close(fw.done)
	return fw.watcher.Close()
}

func (fw *FileWatcher) loop() {
	for {
		select {
		case <-fw.done:
			return
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			fw.scheduleReload()
		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.logger.Warnw("File watcher error", "path", fw.path, "error", err)
		}
	}
}

// scheduleReload debounces bursts of write events into a single reload.
func (fw *FileWatcher) scheduleReload() {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if fw.debounceTimer != nil {
		fw.debounceTimer.Stop()
	}
	fw.debounceTimer = time.AfterFunc(fw.debouncePeriod, fw.fireCallbacks)
}

func (fw *FileWatcher) fireCallbacks() {
	fw.mu.RLock()
	callbacks := make([]func() error, len(fw.callbacks))
	copy(callbacks, fw.callbacks)
	fw.mu.RUnlock()

	fw.logger.Infow("Reloading after file change", "path", fw.path)
	for _, cb := range callbacks {
		if err := cb(); err != nil {
			fw.logger.Errorw("Reload callback failed", "path", fw.path, "error", err)
		}
	}
}
