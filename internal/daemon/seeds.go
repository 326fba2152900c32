package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// isSeedFile reports whether path names a catalog seed.
func isSeedFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return !strings.HasPrefix(filepath.Base(path), ".")
	}
	return false
}

// seedWatcher imports seed files written to a directory. Events for a file
// are collapsed until it stays quiet for the debounce interval.
type seedWatcher struct {
	dir      string
	importer Importer
	debounce time.Duration
	log      *slog.Logger
	now      func() time.Time

	watcher *fsnotify.Watcher

	changeQueue   map[string]time.Time // path -> last event
	changeQueueMu sync.Mutex
}

func newSeedWatcher(dir string, importer Importer, debounce time.Duration, log *slog.Logger) (*seedWatcher, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create seed directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch seed directory %s: %w", dir, err)
	}

	return &seedWatcher{
		dir:         dir,
		importer:    importer,
		debounce:    debounce,
		log:         log.With("seed_dir", dir),
		now:         time.Now,
		watcher:     watcher,
		changeQueue: make(map[string]time.Time),
	}, nil
}

func (w *seedWatcher) close() {
	if err := w.watcher.Close(); err != nil {
		w.log.Warn("failed to close watcher", slog.String("error", err.Error()))
	}
}

// importAll imports every seed already in the directory, in name order.
func (w *seedWatcher) importAll(ctx context.Context) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.log.Error("failed to list seed directory", slog.String("error", err.Error()))
		return
	}

	var paths []string
	for _, e := range entries {
		if !e.IsDir() && isSeedFile(e.Name()) {
			paths = append(paths, filepath.Join(w.dir, e.Name()))
		}
	}
	sort.Strings(paths)
	for _, path := range paths {
		w.importFile(ctx, path)
	}
}

// run watches the directory and drains the change queue until ctx ends.
func (w *seedWatcher) run(ctx context.Context) error {
	w.log.Info("watching catalog seeds")

	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !isSeedFile(event.Name) {
				continue
			}
			w.log.Debug("seed file event", slog.String("op", event.Op.String()), slog.String("path", event.Name))
			w.queueChange(event.Name)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			w.processPendingChanges(ctx)
		}
	}
}

func (w *seedWatcher) queueChange(path string) {
	w.changeQueueMu.Lock()
	defer w.changeQueueMu.Unlock()

	w.changeQueue[path] = w.now()
}

// processPendingChanges imports files that have been quiet long enough.
func (w *seedWatcher) processPendingChanges(ctx context.Context) {
	w.changeQueueMu.Lock()
	now := w.now()
	var ready []string
	for path, queuedAt := range w.changeQueue {
		if now.Sub(queuedAt) < w.debounce {
			continue
		}
		ready = append(ready, path)
		delete(w.changeQueue, path)
	}
	w.changeQueueMu.Unlock()

	sort.Strings(ready)
	for _, path := range ready {
		w.importFile(ctx, path)
	}
}

func (w *seedWatcher) importFile(ctx context.Context, path string) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		// removed or renamed before it settled
		return
	}

	res, err := w.importer.ImportFile(ctx, path)
	if err != nil {
		w.log.Error("seed import failed", slog.String("path", path), slog.String("error", err.Error()))
		return
	}
	w.log.Info("seed imported", slog.String("path", filepath.Base(path)), slog.Int("records", res.Total()))
}
