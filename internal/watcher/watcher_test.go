package watcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func collect(t *testing.T, dir string) (*Watcher, chan Event) {
	t.Helper()
	events := make(chan Event, 16)
	w, err := New(dir, func(ev Event) { events <- ev })
	if err != nil {
		t.Fatal(err)
	}
	return w, events
}

func expect(t *testing.T, events chan Event, kind Kind, path string) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Kind == kind && ev.Path == path {
				return
			}
		case <-deadline:
			t.Fatalf("no %s event for %s", kind, path)
		}
	}
}

func TestCreateAndDelete(t *testing.T) {
	dir := t.TempDir()
	w, events := collect(t, dir)
	defer w.Close()

	bundle := filepath.Join(dir, "weekly")
	if err := os.Mkdir(bundle, 0o755); err != nil {
		t.Fatal(err)
	}
	expect(t, events, Created, bundle)

	if err := os.Remove(bundle); err != nil {
		t.Fatal(err)
	}
	expect(t, events, Deleted, bundle)
}

func TestRenameCountsAsDelete(t *testing.T) {
	dir := t.TempDir()
	outside := t.TempDir()
	path := filepath.Join(dir, "old")
	if err := os.Mkdir(path, 0o755); err != nil {
		t.Fatal(err)
	}
	w, events := collect(t, dir)
	defer w.Close()

	if err := os.Rename(path, filepath.Join(outside, "old")); err != nil {
		t.Fatal(err)
	}
	expect(t, events, Deleted, path)
}

func TestNewCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "deploy", "reports")
	w, _ := collect(t, dir)
	defer w.Close()
	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		t.Fatalf("watched directory not created: %v", err)
	}
}

func TestCloseEndsLoop(t *testing.T) {
	w, _ := collect(t, t.TempDir())
	done := make(chan struct{})
	go func() {
		w.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}
}

func TestKindString(t *testing.T) {
	if Created.String() != "created" || Deleted.String() != "deleted" || Kind(0).String() != "unknown" {
		t.Error("unexpected kind names")
	}
}
