// Package watch reports files created under a directory tree.
//
// Sub-directories are watched recursively, including ones created after the
// watcher started. Only file creations are reported; an optional doublestar
// pattern, matched against the path relative to the watched directory,
// narrows them further.
package watch

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
)

// ErrNotDirectory is returned by Start when the path is not a directory.
var ErrNotDirectory = errors.New("watch: not a directory")

// Config holds the parameters for a Watcher.
type Config struct {
	// Pattern is a doublestar glob such as "*.eml" or "**/*.log". Empty
	// matches every file.
	Pattern string

	// OnCreate is called with the absolute path of every matching file
	// created after Start. It runs on the watcher's goroutine.
	OnCreate func(path string)

	Logger *log.Logger
}

// Watcher monitors one directory tree.
type Watcher struct {
	cfg    Config
	logger *log.Logger

	mu      sync.Mutex
	fsw     *fsnotify.Watcher
	baseDir string
	done    chan struct{}
}

// New validates cfg and returns an idle Watcher.
func New(cfg Config) (*Watcher, error) {
	if cfg.Pattern != "" && !doublestar.ValidatePattern(cfg.Pattern) {
		return nil, fmt.Errorf("watch: invalid pattern %q", cfg.Pattern)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Watcher{cfg: cfg, logger: logger}, nil
}

// Start begins watching dir. Starting a running watcher is an error.
func (w *Watcher) Start(dir string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.fsw != nil {
		return fmt.Errorf("watch: already watching %s", w.baseDir)
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("watch: resolve directory: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return fmt.Errorf("watch: directory '%s' does not exist: %w", dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s", ErrNotDirectory, dir)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch: create fsnotify watcher: %w", err)
	}
	w.fsw = fsw
	w.baseDir = abs

	if err := w.addTree(abs); err != nil {
		fsw.Close() //nolint:errcheck // best-effort cleanup
		w.fsw = nil
		return err
	}

	w.done = make(chan struct{})
	go w.loop(fsw, w.done)
	w.logger.Debug("watching directory", "dir", abs, "pattern", w.cfg.Pattern)
	return nil
}

// Stop ends the watch. Stopping an idle watcher is a no-op.
func (w *Watcher) Stop() {
	w.mu.Lock()
	fsw, done := w.fsw, w.done
	w.fsw, w.done = nil, nil
	w.mu.Unlock()

	if fsw == nil {
		return
	}
	if err := fsw.Close(); err != nil {
		w.logger.Warn("closing watcher", "err", err)
	}
	<-done
}

// Running reports whether the watcher has been started and not stopped.
func (w *Watcher) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fsw != nil
}

// Dir returns the watched directory.
func (w *Watcher) Dir() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.baseDir
}

func (w *Watcher) loop(fsw *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	for {
		select {
		case evt, ok := <-fsw.Events:
			if !ok {
				return
			}
			if !evt.Has(fsnotify.Create) {
				continue
			}
			w.handleCreate(fsw, evt.Name)

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("fsnotify error", "dir", w.baseDir, "err", err)
		}
	}
}

func (w *Watcher) handleCreate(fsw *fsnotify.Watcher, path string) {
	info, err := os.Stat(path)
	if err != nil {
		// Created and removed again before we looked.
		return
	}
	if info.IsDir() {
		if err := w.addTreeTo(fsw, path); err != nil {
			w.logger.Warn("watching new directory", "dir", path, "err", err)
		}
		return
	}

	if !w.matches(path) {
		return
	}
	if w.cfg.OnCreate != nil {
		w.cfg.OnCreate(path)
	}
}

func (w *Watcher) matches(path string) bool {
	if w.cfg.Pattern == "" {
		return true
	}
	rel, err := filepath.Rel(w.baseDir, path)
	if err != nil {
		return false
	}
	rel = filepath.ToSlash(rel)
	if ok, _ := doublestar.Match(w.cfg.Pattern, rel); ok {
		return true
	}
	// A pattern without a directory part also matches in sub-directories.
	ok, _ := doublestar.Match(w.cfg.Pattern, filepath.Base(path))
	return ok
}

// addTree runs with mu held.
func (w *Watcher) addTree(root string) error {
	return w.addTreeTo(w.fsw, root)
}

func (w *Watcher) addTreeTo(fsw *fsnotify.Watcher, root string) error {
	walkErr := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			w.logger.Debug("skipping inaccessible path", "path", path, "err", err)
			return nil //nolint:nilerr // inaccessible sub-directories are skipped
		}
		if !d.IsDir() {
			return nil
		}
		if err := fsw.Add(path); err != nil {
			return fmt.Errorf("watch: add directory %q: %w", path, err)
		}
		return nil
	})
	if walkErr != nil {
		return fmt.Errorf("watch: walk directory tree: %w", walkErr)
	}
	return nil
}
