package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/flowloop/companion/internal/applog"
)

// Watcher hot-reloads a configuration file on change. modules/configwatcher's
// own go.mod names fsnotify as its dependency but ships no implementation to
// adapt, so the watch loop itself is new domain logic: debounce a burst of
// filesystem events into a single reload, and never let a bad edit crash the
// watcher goroutine.
type Watcher struct {
	path     string
	debounce time.Duration
	log      applog.Logger

	watcher *fsnotify.Watcher

	mu       sync.RWMutex
	current  Settings
	onChange func(Settings)

	done chan struct{}
}

// NewWatcher loads path once via Load, then prepares to watch it for
// changes. Callers must call Start to begin watching.
func NewWatcher(path string, log applog.Logger) (*Watcher, error) {
	settings, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Watcher{
		path:     path,
		debounce: 250 * time.Millisecond,
		log:      log,
		current:  *settings,
		done:     make(chan struct{}),
	}, nil
}

// Current returns the most recently loaded settings.
func (w *Watcher) Current() Settings {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// OnChange registers a callback invoked (with the old lock released) every
// time the file is successfully reloaded after a change. Only one callback
// is kept; a later call replaces an earlier one.
func (w *Watcher) OnChange(fn func(Settings)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onChange = fn
}

// Start begins watching the file's containing directory (not the file
// itself) so editors that replace the file via rename-into-place are still
// observed, the common rename-safe watch pattern fsnotify's own docs
// recommend.
func (w *Watcher) Start() error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.watcher = fw

	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		_ = fw.Close()
		return err
	}

	go w.loop()
	return nil
}

// Stop halts the watch loop and releases the underlying fsnotify watcher.
func (w *Watcher) Stop() error {
	close(w.done)
	if w.watcher != nil {
		return w.watcher.Close()
	}
	return nil
}

func (w *Watcher) loop() {
	var pending *time.Timer
	reload := make(chan struct{}, 1)

	for {
		select {
		case <-w.done:
			if pending != nil {
				pending.Stop()
			}
			return

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(w.debounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			if w.log != nil {
				w.log.Warn("config watcher error", "err", err)
			}

		case <-reload:
			w.applyReload()
		}
	}
}

func (w *Watcher) applyReload() {
	settings, err := Load(w.path)
	if err != nil {
		if w.log != nil {
			w.log.Warn("config reload failed, keeping previous settings", "path", w.path, "err", err)
		}
		return
	}

	w.mu.Lock()
	w.current = *settings
	cb := w.onChange
	w.mu.Unlock()

	if w.log != nil {
		w.log.Info("config reloaded", "path", w.path)
	}
	if cb != nil {
		cb(*settings)
	}
}
