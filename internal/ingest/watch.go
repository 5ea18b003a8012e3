package ingest

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long a path must stay quiet before it is ingested.
const DefaultDebounce = 500 * time.Millisecond

// Watcher feeds file changes under the tracker's root into IngestFile.
// Rapid successive writes to one file collapse into one ingestion.
type Watcher struct {
	tracker  *Tracker
	watcher  *fsnotify.Watcher
	debounce time.Duration

	mu      sync.Mutex
	pending map[string]time.Time
}

// NewWatcher watches every non-hidden directory under the tracker's root.
func NewWatcher(t *Tracker, debounce time.Duration) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	w := &Watcher{
		tracker:  t,
		watcher:  fw,
		debounce: debounce,
		pending:  make(map[string]time.Time),
	}
	if err := w.addTree(t.root); err != nil {
		fw.Close()
		return nil, err
	}
	return w, nil
}

func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if p != w.tracker.root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(p); err != nil {
			return fmt.Errorf("watch %s: %w", p, err)
		}
		return nil
	})
}

// Run processes events until ctx is cancelled, then closes the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	ticker := time.NewTicker(max(w.debounce/5, 10*time.Millisecond))
	defer ticker.Stop()

	log := w.tracker.log
	log.Info("ingest: watching", "root", w.tracker.root)
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handle(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("ingest: watcher error", "error", err)

		case <-ticker.C:
			w.flush(ctx)
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addTree(event.Name); err != nil {
				w.tracker.log.Warn("ingest: watch new directory failed", "path", event.Name, "error", err)
			}
			return
		}
	}
	rel, err := filepath.Rel(w.tracker.root, event.Name)
	if err != nil || !Supported(rel) {
		return
	}
	w.mu.Lock()
	w.pending[filepath.ToSlash(rel)] = time.Now()
	w.mu.Unlock()
}

// flush ingests every path that has been quiet for the debounce period.
func (w *Watcher) flush(ctx context.Context) {
	now := time.Now()
	var ready []string
	w.mu.Lock()
	for rel, at := range w.pending {
		if now.Sub(at) >= w.debounce {
			ready = append(ready, rel)
			delete(w.pending, rel)
		}
	}
	w.mu.Unlock()

	for _, rel := range ready {
		if _, err := w.tracker.IngestFile(ctx, rel); err != nil {
			w.tracker.log.Warn("ingest: file failed", "path", rel, "error", err)
		}
	}
}
