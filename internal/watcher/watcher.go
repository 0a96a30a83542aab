// Package watcher reports entries created in or removed from a directory.
package watcher

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/fsnotify/fsnotify"
)

// Kind is the type of a directory change.
type Kind int

const (
	Created Kind = iota + 1
	Deleted
)

func (k Kind) String() string {
	switch k {
	case Created:
		return "created"
	case Deleted:
		return "deleted"
	}
	return "unknown"
}

// Event is one change of a directory entry.
type Event struct {
	Kind Kind
	Path string
}

// Watcher delivers create and delete events of one directory to a callback.
// Renames count as deletes of the old name.
type Watcher struct {
	dir  string
	fw   *fsnotify.Watcher
	fn   func(Event)
	done chan struct{}
}

// New starts watching dir, creating it if needed. fn runs on the watcher's
// goroutine.
func New(dir string, fn func(Event)) (*Watcher, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create watched directory: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	w := &Watcher{dir: dir, fw: fw, fn: fn, done: make(chan struct{})}
	go w.loop()
	slog.Info("watching directory", "dir", dir)
	return w, nil
}

// Close stops watching and waits for the loop to end.
func (w *Watcher) Close() error {
	err := w.fw.Close()
	<-w.done
	return err
}

func (w *Watcher) loop() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			switch {
			case ev.Has(fsnotify.Create):
				w.fn(Event{Kind: Created, Path: ev.Name})
			case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
				w.fn(Event{Kind: Deleted, Path: ev.Name})
			}
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				slog.Warn("directory events lost", "dir", w.dir, "error", err)
				continue
			}
			slog.Warn("directory watch error", "dir", w.dir, "error", err)
		}
	}
}
