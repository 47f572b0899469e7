// Package watcher observes the workspace mount and records files the
// student agent actually creates. The self-reported files_created list in
// a callback can be incomplete; the watcher's observations are merged in
// when an iteration is recorded.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher tracks file creations under a workspace root. Directories that
// appear after Start are watched as well.
type Watcher struct {
	root   string
	logger *slog.Logger

	mu      sync.Mutex
	created map[string]struct{}
}

func New(root string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		root:    root,
		logger:  logger,
		created: make(map[string]struct{}),
	}
}

// Start begins watching. It returns once the initial watch set is
// registered; observation runs until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("new watcher: %w", err)
	}

	abs, err := filepath.Abs(w.root)
	if err != nil {
		_ = fsw.Close()
		return fmt.Errorf("resolve workspace root: %w", err)
	}
	w.root = abs

	addTree := func(dir string) {
		_ = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil || !d.IsDir() {
				return nil
			}
			if strings.HasPrefix(d.Name(), ".") && path != dir {
				return filepath.SkipDir
			}
			if err := fsw.Add(path); err != nil && !os.IsNotExist(err) {
				w.logger.Warn("workspace watcher: add failed", "dir", path, "error", err)
			}
			return nil
		})
	}
	addTree(abs)

	go func() {
		defer func() { _ = fsw.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&fsnotify.Create == 0 {
					continue
				}
				if strings.HasPrefix(filepath.Base(ev.Name), ".") {
					continue
				}
				fi, err := os.Stat(ev.Name)
				if err != nil {
					continue
				}
				if fi.IsDir() {
					addTree(ev.Name)
					continue
				}
				w.record(ev.Name)
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Warn("workspace watcher error", "error", err)
			}
		}
	}()
	return nil
}

func (w *Watcher) record(path string) {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		rel = path
	}
	w.mu.Lock()
	w.created[rel] = struct{}{}
	w.mu.Unlock()
}

// Drain returns the files created since the last call, sorted, and
// resets the set. Call it once per iteration.
func (w *Watcher) Drain() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.created) == 0 {
		return nil
	}
	files := make([]string, 0, len(w.created))
	for f := range w.created {
		files = append(files, f)
	}
	w.created = make(map[string]struct{})
	sort.Strings(files)
	return files
}

// Merge combines self-reported and observed file lists, deduplicated and
// sorted.
func Merge(reported, observed []string) []string {
	seen := make(map[string]struct{}, len(reported)+len(observed))
	var merged []string
	for _, f := range append(append([]string{}, reported...), observed...) {
		if f == "" {
			continue
		}
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		merged = append(merged, f)
	}
	sort.Strings(merged)
	return merged
}
