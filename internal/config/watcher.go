package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/log"
	"github.com/fsnotify/fsnotify"
)

// watchDebounce is the time the watcher waits for the file to settle before
// reloading it.
const watchDebounce = 200 * time.Millisecond

// Watcher watches the configuration file and calls the callback with the new
// configuration each time the file changes and is still valid.  Invalid
// changes are logged and ignored.
type Watcher struct {
	fsw      *fsnotify.Watcher
	callback func(cfg *File)

	stopCh chan struct{}
	doneCh chan struct{}

	// mu protects running.
	mu      *sync.Mutex
	path    string
	running bool
}

// NewWatcher returns a new *Watcher for the file at path.  Call Start to
// begin watching.
func NewWatcher(path string, callback func(cfg *File)) (w *Watcher, err error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("config watcher: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config watcher: %w", err)
	}

	return &Watcher{
		fsw:      fsw,
		callback: callback,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		mu:       &sync.Mutex{},
		path:     absPath,
	}, nil
}

// Start begins watching.  The directory of the file is watched, so the file
// may be created or replaced later.
func (w *Watcher) Start() (err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}

	err = w.fsw.Add(filepath.Dir(w.path))
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}

	w.running = true
	go w.watch()

	log.Info("config: watching %s", w.path)

	return nil
}

// Shutdown stops watching.  When it returns, the callback is not running and
// will not be called again.
func (w *Watcher) Shutdown(_ context.Context) (err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return w.fsw.Close()
	}

	w.running = false

	close(w.stopCh)
	<-w.doneCh

	return w.fsw.Close()
}

// watch is the main watch loop.
func (w *Watcher) watch() {
	defer close(w.doneCh)
	defer log.OnPanic("config: watch")

	var debounceTimer *time.Timer
	var debounceCh <-chan time.Time

	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-w.stopCh:
			log.Debug("config: watcher stopped")

			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}

			if !w.isRelevant(ev) {
				continue
			}

			log.Debug("config: %s", ev)

			if debounceTimer != nil {
				debounceTimer.Stop()
			}

			debounceTimer = time.NewTimer(watchDebounce)
			debounceCh = debounceTimer.C
		case <-debounceCh:
			debounceCh = nil

			w.reload()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}

			log.Error("config: watching: %s", err)
		}
	}
}

// isRelevant returns true if ev may have changed the configuration file.
func (w *Watcher) isRelevant(ev fsnotify.Event) (ok bool) {
	if filepath.Clean(ev.Name) != w.path {
		return false
	}

	return ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename)
}

// reload loads the file and calls the callback if it is valid.
func (w *Watcher) reload() {
	log.Info("config: reloading %s", w.path)

	cfg, err := Load(w.path)
	if err != nil {
		log.Error("config: keeping the current configuration: %s", err)

		return
	}

	w.callback(cfg)
}
