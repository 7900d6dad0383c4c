// Package signals watches a run's signals directory for operator requests.
package signals

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// CancelFile is the signal file name that requests cancellation.
const CancelFile = "cancel"

// Watcher reports when the cancel file appears in a signals directory.
type Watcher struct {
	dir string

	once      sync.Once
	closeOnce sync.Once
	cancelled chan struct{}

	watcher *fsnotify.Watcher
	done    chan struct{}
	stopped chan struct{}
	errs    chan error
}

// Watch starts watching dir, which is created if needed. If the cancel file
// already exists the watcher fires immediately.
func Watch(dir string) (*Watcher, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create signals dir: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	w := &Watcher{
		dir:       dir,
		cancelled: make(chan struct{}),
		watcher:   fw,
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
		errs:      make(chan error, 1),
	}
	// The file may have been written before the watch was registered.
	if w.fileExists() {
		w.fire()
	}

	go w.loop()
	return w, nil
}

// Cancelled is closed once a cancel request is seen.
func (w *Watcher) Cancelled() <-chan struct{} { return w.cancelled }

// Errors delivers the first watcher error, if any. Watching continues.
func (w *Watcher) Errors() <-chan error { return w.errs }

// Requested reports whether cancellation was requested, checking the file
// directly in case an event was missed.
func (w *Watcher) Requested() bool {
	select {
	case <-w.cancelled:
		return true
	default:
	}
	if w.fileExists() {
		w.fire()
		return true
	}
	return false
}

// Close stops watching. It is safe to call more than once.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		err = w.watcher.Close()
		<-w.stopped
	})
	return err
}

func (w *Watcher) loop() {
	defer close(w.stopped)
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != CancelFile {
				continue
			}
			if event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Write) {
				w.fire()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) && w.fileExists() {
				w.fire()
			}
			select {
			case w.errs <- err:
			default:
			}
		}
	}
}

func (w *Watcher) fire() {
	w.once.Do(func() { close(w.cancelled) })
}

func (w *Watcher) fileExists() bool {
	_, err := os.Stat(filepath.Join(w.dir, CancelFile))
	return err == nil
}
