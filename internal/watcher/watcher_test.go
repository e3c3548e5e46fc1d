package watcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// recordingSink collects what the watcher hands over.
type recordingSink struct {
	mu        sync.Mutex
	batches   [][]string
	forgotten []string
}

func (s *recordingSink) Ingest(ctx context.Context, paths []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]string(nil), paths...))
	return nil
}

func (s *recordingSink) Forget(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forgotten = append(s.forgotten, path)
	return nil
}

func (s *recordingSink) ingested() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []string
	for _, b := range s.batches {
		all = append(all, b...)
	}
	return all
}

func (s *recordingSink) batchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

func startWatcher(t *testing.T, roots []string, exts []string, sink *recordingSink) *Watcher {
	t.Helper()
	w := New(roots, exts, true, sink, WithDebounce(100*time.Millisecond))
	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(w.Stop)
	return w
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func hasSuffix(paths []string, suffix string) bool {
	for _, p := range paths {
		if strings.HasSuffix(p, suffix) {
			return true
		}
	}
	return false
}

func TestWatcher_BatchesNewFiles(t *testing.T) {
	dir := t.TempDir()
	sink := &recordingSink{}
	startWatcher(t, []string{dir}, []string{".jpg"}, sink)

	for _, name := range []string{"a.jpg", "b.jpg", "c.txt"} {
		if err := writeFile(filepath.Join(dir, name), "image"); err != nil {
			t.Fatal(err)
		}
	}
	waitFor(t, func() bool {
		got := sink.ingested()
		return hasSuffix(got, "a.jpg") && hasSuffix(got, "b.jpg")
	})
	if hasSuffix(sink.ingested(), "c.txt") {
		t.Error("c.txt should be filtered by extension")
	}
	if n := sink.batchCount(); n > 2 {
		t.Errorf("files written together should share a batch, got %d batches", n)
	}
}

func TestWatcher_NewDirectoryIsWatched(t *testing.T) {
	dir := t.TempDir()
	sink := &recordingSink{}
	startWatcher(t, []string{dir}, []string{".jpg", ".png"}, sink)

	nested := filepath.Join(dir, "level1", "level2")
	if err := mkdirAll(nested); err != nil {
		t.Fatal(err)
	}
	if err := writeFile(filepath.Join(nested, "deep.png"), "deep"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return hasSuffix(sink.ingested(), "deep.png") })
}

func TestWatcher_RemoveForgets(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gone.jpg")
	if err := writeFile(path, "bytes"); err != nil {
		t.Fatal(err)
	}
	sink := &recordingSink{}
	startWatcher(t, []string{dir}, []string{".jpg"}, sink)

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.forgotten) == 1 && sink.forgotten[0] == path
	})
}

func TestWatcher_SyncExistingFiles(t *testing.T) {
	dir := t.TempDir()
	if err := writeFile(filepath.Join(dir, "a.jpg"), "hello"); err != nil {
		t.Fatal(err)
	}
	if err := writeFile(filepath.Join(dir, "ignore.xyz"), "x"); err != nil {
		t.Fatal(err)
	}
	sink := &recordingSink{}
	w := startWatcher(t, []string{dir}, []string{".jpg"}, sink)
	w.Sync()

	got := sink.ingested()
	if len(got) != 1 || !strings.HasSuffix(got[0], "a.jpg") {
		t.Errorf("expected one ingested file a.jpg, got %v", got)
	}
}

func TestWatcher_StartCreatesMissingRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "watch", "me")
	w := New([]string{root}, nil, true, &recordingSink{})
	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()
	if _, err := os.Stat(root); err != nil {
		t.Errorf("root directory should exist after Start: %v", err)
	}
	if dirs := w.Directories(); len(dirs) != 1 || dirs[0] != root {
		t.Errorf("Directories() = %v", dirs)
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	w := New([]string{t.TempDir()}, nil, false, &recordingSink{})
	w.Stop()
	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	w.Stop()
	w.Stop()
}

func TestInDir(t *testing.T) {
	tests := []struct {
		dir  string
		path string
		want bool
	}{
		{"/tmp/a", "/tmp/a", true},
		{"/tmp/a", "/tmp/a/b.jpg", true},
		{"/tmp/a", "/tmp/b", false},
		{"/tmp/a", "/tmp/a/../b", false},
	}
	for _, tt := range tests {
		got := inDir(tt.dir, tt.path)
		if got != tt.want {
			t.Errorf("inDir(%q, %q) = %v, want %v", tt.dir, tt.path, got, tt.want)
		}
	}
}

func mkdirAll(path string) error {
	return os.MkdirAll(path, 0755)
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0600)
}
