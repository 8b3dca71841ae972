package watch

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type collector struct {
	mu    sync.Mutex
	paths []string
}

func (c *collector) add(p string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paths = append(c.paths, p)
}

func (c *collector) has(p string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, got := range c.paths {
		if got == p {
			return true
		}
	}
	return false
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.paths)
}

func waitFor(t *testing.T, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

func writeFile(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestWatcherReportsCreatedFiles(t *testing.T) {
	dir := t.TempDir()
	c := &collector{}
	w, err := New(Config{Pattern: "*.eml", OnCreate: c.add})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := w.Start(dir); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer w.Stop()

	want := filepath.Join(dir, "message.eml")
	writeFile(t, filepath.Join(dir, "notes.txt"))
	writeFile(t, want)

	if !waitFor(t, func() bool { return c.has(want) }) {
		t.Fatalf("created file %s not reported", want)
	}
	time.Sleep(50 * time.Millisecond)
	if c.has(filepath.Join(dir, "notes.txt")) {
		t.Error("file not matching the pattern was reported")
	}
}

func TestWatcherRecursive(t *testing.T) {
	dir := t.TempDir()
	c := &collector{}
	w, err := New(Config{OnCreate: c.add})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := w.Start(dir); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer w.Stop()

	sub := filepath.Join(dir, "logs")
	if err := os.Mkdir(sub, 0755); err != nil {
		t.Fatal(err)
	}
	// Give the watcher a moment to pick up the new directory.
	time.Sleep(100 * time.Millisecond)

	want := filepath.Join(sub, "app.log")
	writeFile(t, want)
	if !waitFor(t, func() bool { return c.has(want) }) {
		t.Fatalf("file in new sub-directory not reported")
	}
}

func TestWatcherStop(t *testing.T) {
	dir := t.TempDir()
	c := &collector{}
	w, _ := New(Config{OnCreate: c.add})
	if err := w.Start(dir); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !w.Running() {
		t.Fatal("Running() = false after Start")
	}
	if err := w.Start(dir); err == nil {
		t.Error("second Start() should fail")
	}

	w.Stop()
	w.Stop()
	if w.Running() {
		t.Error("Running() = true after Stop")
	}

	writeFile(t, filepath.Join(dir, "late.txt"))
	time.Sleep(100 * time.Millisecond)
	if c.len() != 0 {
		t.Errorf("stopped watcher reported %d files", c.len())
	}

	// A stopped watcher can be started again.
	if err := w.Start(dir); err != nil {
		t.Fatalf("restart error = %v", err)
	}
	w.Stop()
}

func TestWatcherErrors(t *testing.T) {
	if _, err := New(Config{Pattern: "[unclosed"}); err == nil {
		t.Error("New() accepted an invalid pattern")
	}

	w, _ := New(Config{})
	if err := w.Start(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("Start() accepted a missing directory")
	}

	file := filepath.Join(t.TempDir(), "file")
	writeFile(t, file)
	if err := w.Start(file); err == nil {
		t.Error("Start() accepted a regular file")
	}
}

func TestMatches(t *testing.T) {
	w := &Watcher{baseDir: "/srv/mail"}
	tests := []struct {
		pattern string
		path    string
		want    bool
	}{
		{"", "/srv/mail/a.txt", true},
		{"*.eml", "/srv/mail/a.eml", true},
		{"*.eml", "/srv/mail/inbox/a.eml", true},
		{"*.eml", "/srv/mail/a.txt", false},
		{"inbox/**/*.eml", "/srv/mail/inbox/x/a.eml", true},
		{"inbox/**/*.eml", "/srv/mail/sent/a.eml", false},
	}
	for _, tt := range tests {
		w.cfg.Pattern = tt.pattern
		if got := w.matches(tt.path); got != tt.want {
			t.Errorf("matches(%q, %q) = %v, want %v", tt.pattern, tt.path, got, tt.want)
		}
	}
}
