package rules

import (
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/chatmux/chatmux/internal/logging"
)

var rulesLog = logging.ForComponent(logging.CompRules)

// Watcher reloads the rule file into a Store when it changes on disk.
type Watcher struct {
	path    string
	store   *Store
	watcher *fsnotify.Watcher
	stopCh  chan struct{}
}

// NewWatcher creates a watcher for the rules file feeding the given store.
func NewWatcher(path string, store *Store) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		path:    path,
		store:   store,
		watcher: fsWatcher,
		stopCh:  make(chan struct{}),
	}, nil
}

// Start begins watching. The containing directory is watched rather than the
// file itself so editors that replace-by-rename still trigger reloads.
func (w *Watcher) Start() error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	go w.watchLoop()
	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	close(w.stopCh)
	return w.watcher.Close()
}

func (w *Watcher) watchLoop() {
	var debounce *time.Timer

	for {
		select {
		case <-w.stopCh:
			if debounce != nil {
				debounce.Stop()
			}
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			// Debounce: editors fire several events per save.
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(100*time.Millisecond, w.reload)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			rulesLog.Warn("rules_watch_error", slog.String("error", err.Error()))
		}
	}
}

// reload compiles the file and swaps it in. A broken file keeps the previous
// engine active.
func (w *Watcher) reload() {
	engine, err := LoadFile(w.path)
	if err != nil {
		rulesLog.Warn("rules_reload_failed",
			slog.String("path", w.path),
			slog.String("error", err.Error()))
		return
	}
	w.store.Swap(engine)
	rulesLog.Info("rules_reloaded", slog.String("path", w.path))
}
