package scan

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"goa.design/clue/log"

	"github.com/printvault/printvault/internal/catalog"
	"github.com/printvault/printvault/internal/jobs"
)

// watchDebounce coalesces filesystem event bursts (a folder copy fires one
// event per file) into a single sync per source.
const watchDebounce = 30 * time.Second

// Watcher triggers bulk-folder syncs when their folders change. Watches are
// non-recursive, so deep changes may only surface through the periodic sync;
// the watcher is an accelerator, not the source of truth.
type Watcher struct {
	store *catalog.Store
	queue *jobs.Queue

	mu      sync.Mutex
	pending map[int64]*time.Timer
}

// NewWatcher wires the folder watcher.
func NewWatcher(store *catalog.Store, queue *jobs.Queue) *Watcher {
	return &Watcher{store: store, queue: queue, pending: map[int64]*time.Timer{}}
}

// Run blocks watching every bulk-folder source until ctx is canceled.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	roots := map[string]int64{} // folder path -> source id
	srcs, err := w.store.ListImportSources(ctx)
	if err != nil {
		return err
	}
	for _, src := range srcs {
		if src.Type != catalog.SourceBulkFolder || !src.SyncEnabled || src.FolderPath == "" {
			continue
		}
		if err := fw.Add(src.FolderPath); err != nil {
			log.Errorf(ctx, err, "cannot watch %s", src.FolderPath)
			continue
		}
		roots[filepath.Clean(src.FolderPath)] = src.ID
		log.Debugf(ctx, "watching %s for source %d", src.FolderPath, src.ID)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if id := w.sourceFor(roots, ev.Name); id != 0 {
				w.schedule(ctx, id)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			log.Errorf(ctx, err, "watch error")
		}
	}
}

func (w *Watcher) sourceFor(roots map[string]int64, path string) int64 {
	path = filepath.Clean(path)
	for root, id := range roots {
		if path == root || strings.HasPrefix(path, root+string(filepath.Separator)) {
			return id
		}
	}
	return 0
}

// schedule arms (or re-arms) the debounce timer for a source.
func (w *Watcher) schedule(ctx context.Context, sourceID int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[sourceID]; ok {
		t.Reset(watchDebounce)
		return
	}
	w.pending[sourceID] = time.AfterFunc(watchDebounce, func() {
		w.mu.Lock()
		delete(w.pending, sourceID)
		w.mu.Unlock()
		w.trigger(ctx, sourceID)
	})
}

func (w *Watcher) trigger(ctx context.Context, sourceID int64) {
	active, err := w.queue.HasActiveJob(ctx, catalog.JobSyncImportSource, sourceID)
	if err != nil {
		log.Errorf(ctx, err, "active job check failed")
		return
	}
	if active {
		return
	}
	src, err := w.store.GetImportSource(ctx, sourceID)
	if err != nil {
		log.Errorf(ctx, err, "load source %d", sourceID)
		return
	}
	_, err = w.queue.Enqueue(ctx, catalog.JobSyncImportSource, jobs.EnqueueOptions{
		Payload:     jobs.SyncImportSourcePayload{ImportSourceID: sourceID},
		DisplayName: src.Name,
	})
	if err != nil {
		log.Errorf(ctx, err, "enqueue sync for source %d", sourceID)
		return
	}
	log.Printf(ctx, "folder change detected, queued sync for source %d", sourceID)
}
