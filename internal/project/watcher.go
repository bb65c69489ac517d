package project

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ehrlich-b/perch/internal/logger"
	"github.com/ehrlich-b/perch/internal/protocol"
)

const debounceDelay = 500 * time.Millisecond

// Directories that churn constantly and never matter to a connected client.
var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	".venv":        true,
	"__pycache__":  true,
	"dist":         true,
	"target":       true,
}

type changeSink interface {
	BroadcastControl(v any)
}

// watcher observes a project directory recursively and fans debounced
// file_changed notices out to connected clients.
type watcher struct {
	root string
	fsw  *fsnotify.Watcher
	sink changeSink
	stop chan struct{}
}

func newWatcher(root string, sink changeSink) (*watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &watcher{root: root, fsw: fsw, sink: sink, stop: make(chan struct{})}
	if err := w.addRecursive(root); err != nil {
		fsw.Close()
		return nil, err
	}
	go w.loop()
	return w, nil
}

func (w *watcher) Close() {
	close(w.stop)
	w.fsw.Close()
}

func (w *watcher) addRecursive(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() {
			return nil
		}
		name := filepath.Base(path)
		if skipDirs[name] || (strings.HasPrefix(name, ".") && path != root) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			logger.Warn("watch dir", "path", path, "err", err)
		}
		return nil
	})
}

// loop coalesces bursts of events into one file_changed notice per quiet
// period. Paths are reported relative to the project root, deduplicated.
func (w *watcher) loop() {
	pending := make(map[string]bool)
	var timer *time.Timer
	var fire <-chan time.Time

	flush := func() {
		if len(pending) == 0 {
			return
		}
		paths := make([]string, 0, len(pending))
		for p := range pending {
			paths = append(paths, p)
		}
		pending = make(map[string]bool)
		w.sink.BroadcastControl(protocol.FileChanged{Type: protocol.TypeFileChanged, Paths: paths})
	}

	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if w.ignored(ev.Name) {
				continue
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					w.addRecursive(ev.Name)
				}
			}
			rel, err := filepath.Rel(w.root, ev.Name)
			if err != nil {
				continue
			}
			pending[rel] = true
			if timer == nil {
				timer = time.NewTimer(debounceDelay)
			} else {
				timer.Reset(debounceDelay)
			}
			fire = timer.C
		case <-fire:
			flush()
			fire = nil
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logger.Warn("file watcher", "project", w.root, "err", err)
		case <-w.stop:
			return
		}
	}
}

func (w *watcher) ignored(path string) bool {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return true
	}
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if skipDirs[part] || strings.HasPrefix(part, ".") {
			return true
		}
	}
	return false
}
