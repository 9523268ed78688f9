package hoststore

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/log"
	"github.com/fsnotify/fsnotify"
)

// debounceDelay is the time the subscription waits for the directory to
// settle before calling the handler.  Editors and the CLI usually produce
// several events for a single save.
const debounceDelay = 100 * time.Millisecond

// Subscription is an active subscription to the host records changes.
type Subscription interface {
	// Cancel stops the subscription.  When it returns, the change handler is
	// not running and will not be called again.  It is safe to call Cancel
	// more than once.
	Cancel() (err error)
}

// subscription is the fsnotify-based Subscription.
type subscription struct {
	fsw      *fsnotify.Watcher
	onChange func()

	stopCh chan struct{}
	doneCh chan struct{}

	cancelOnce *sync.Once
	cancelErr  error
}

// type check
var _ Subscription = (*subscription)(nil)

// Subscribe starts watching the directory.  onChange is called from a single
// dedicated goroutine every time a record file is created, changed, or
// removed, so calls never overlap.
func (d *Dir) Subscribe(onChange func()) (sub Subscription, err error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}

	err = fsw.Add(d.path)
	if err != nil {
		log.OnCloserError(fsw, log.DEBUG)

		return nil, fmt.Errorf("watching %s: %w", d.path, err)
	}

	s := &subscription{
		fsw:        fsw,
		onChange:   onChange,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		cancelOnce: &sync.Once{},
	}

	go s.watch()

	log.Debug("hoststore: watching %s", d.path)

	return s, nil
}

// Cancel implements the Subscription interface for *subscription.
func (s *subscription) Cancel() (err error) {
	s.cancelOnce.Do(func() {
		close(s.stopCh)
		<-s.doneCh

		s.cancelErr = s.fsw.Close()
	})

	return s.cancelErr
}

// watch is the subscription loop.
func (s *subscription) watch() {
	defer close(s.doneCh)
	defer log.OnPanic("hoststore: watch")

	var debounceTimer *time.Timer
	var debounceCh <-chan time.Time

	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-s.stopCh:
			return
		case ev, ok := <-s.fsw.Events:
			if !ok {
				return
			}

			if !isRelevant(ev) {
				continue
			}

			log.Debug("hoststore: %s", ev)

			if debounceTimer != nil {
				debounceTimer.Stop()
			}

			debounceTimer = time.NewTimer(debounceDelay)
			debounceCh = debounceTimer.C
		case <-debounceCh:
			debounceCh = nil

			s.onChange()
		case watchErr, ok := <-s.fsw.Errors:
			if !ok {
				return
			}

			log.Error("hoststore: watching: %s", watchErr)
		}
	}
}

// isRelevant returns true if the event may change the set of records.
func isRelevant(ev fsnotify.Event) (ok bool) {
	if !isRecordFile(filepath.Base(ev.Name)) {
		return false
	}

	return ev.Has(fsnotify.Create) ||
		ev.Has(fsnotify.Write) ||
		ev.Has(fsnotify.Remove) ||
		ev.Has(fsnotify.Rename)
}
