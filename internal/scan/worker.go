package scan

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"goa.design/clue/log"

	"github.com/printvault/printvault/internal/catalog"
	"github.com/printvault/printvault/internal/jobs"
	"github.com/printvault/printvault/internal/worker"
)

// SyncWorker processes sync jobs: it runs the source's scanner, reconciles
// the result into import records and queues a download per pending record.
type SyncWorker struct {
	store    *catalog.Store
	queue    *jobs.Queue
	scanners map[catalog.ImportSourceType]Scanner
}

// SyncResult is stored as the sync job's result.
type SyncResult struct {
	Total  int `json:"total"`
	Queued int `json:"queued"`
}

// NewSyncWorker wires the sync worker with the given scanners.
func NewSyncWorker(store *catalog.Store, queue *jobs.Queue, scanners ...Scanner) *SyncWorker {
	m := make(map[catalog.ImportSourceType]Scanner, len(scanners))
	for _, sc := range scanners {
		m[sc.Type()] = sc
	}
	return &SyncWorker{store: store, queue: queue, scanners: m}
}

// Name implements worker.Worker.
func (w *SyncWorker) Name() string { return "import-sync" }

// Types implements worker.Worker.
func (w *SyncWorker) Types() []catalog.JobType {
	return []catalog.JobType{catalog.JobSyncImportSource}
}

// Process implements worker.Worker.
func (w *SyncWorker) Process(ctx context.Context, job *catalog.Job, progress worker.ProgressFunc) (any, error) {
	var p jobs.SyncImportSourcePayload
	if err := json.Unmarshal([]byte(job.Payload), &p); err != nil {
		return nil, worker.NonRetryablef("bad payload: %v", err)
	}
	src, err := w.store.GetImportSource(ctx, p.ImportSourceID)
	if err != nil {
		return nil, worker.NonRetryablef("import source %d: %v", p.ImportSourceID, err)
	}
	if src.Status == catalog.SourcePaused {
		log.Printf(ctx, "source %d is paused, skipping sync", src.ID)
		return SyncResult{}, nil
	}
	scanner, ok := w.scanners[src.Type]
	if !ok {
		return nil, worker.NonRetryablef("no scanner for source type %s", src.Type)
	}
	cfg, err := loadConfig(ctx, w.store, src)
	if err != nil {
		return nil, worker.NonRetryable(err)
	}

	candidates, err := scanner.Scan(ctx, src, cfg)
	if err != nil {
		w.recordFailure(ctx, src, err)
		return nil, worker.RateLimitError(err)
	}

	queued := 0
	for i, c := range candidates {
		progress(int64(i+1), int64(len(candidates)), c.Path)
		rec := &catalog.ImportRecord{
			SourceID:         src.ID,
			SourcePath:       c.Path,
			DetectedTitle:    c.Title,
			DetectedDesigner: c.Designer,
			SizeBytes:        c.SizeBytes,
			Fingerprint:      c.Fingerprint,
			FileManifest:     manifestFor(c.Files),
			ModifiedAt:       c.ModifiedAt,
			DriveFolderID:    c.DriveFolderID,
		}
		if err := w.store.UpsertImportRecord(ctx, rec); err != nil {
			return nil, fmt.Errorf("upsert record %s: %w", c.Path, err)
		}
		if rec.Status != catalog.RecordPending || rec.DesignID != nil {
			continue
		}
		if err := w.enqueueDownload(ctx, src, rec); err != nil {
			return nil, err
		}
		queued++
	}

	now := time.Now().UTC()
	src.LastSyncAt = &now
	src.LastError = ""
	src.Status = catalog.SourceActive
	if err := w.store.SaveImportSource(ctx, src); err != nil {
		return nil, fmt.Errorf("save source: %w", err)
	}
	log.Printf(ctx, "synced source %d: %d designs, %d queued", src.ID, len(candidates), queued)
	return SyncResult{Total: len(candidates), Queued: queued}, nil
}

// enqueueDownload queues the per-record import and flips the record to
// importing so repeated syncs do not double-queue it.
func (w *SyncWorker) enqueueDownload(ctx context.Context, src *catalog.ImportSource, rec *catalog.ImportRecord) error {
	rec.Status = catalog.RecordImporting
	if err := w.store.SaveImportRecord(ctx, rec); err != nil {
		return err
	}
	_, err := w.queue.Enqueue(ctx, catalog.JobDownloadImportRecord, jobs.EnqueueOptions{
		Payload: jobs.DownloadImportRecordPayload{
			ImportRecordID: rec.ID,
			ImportSourceID: src.ID,
		},
		DisplayName: rec.DetectedTitle,
	})
	if err != nil {
		return fmt.Errorf("enqueue record %d: %w", rec.ID, err)
	}
	return nil
}

func (w *SyncWorker) recordFailure(ctx context.Context, src *catalog.ImportSource, scanErr error) {
	src.LastError = scanErr.Error()
	src.Status = catalog.SourceError
	if err := w.store.SaveImportSource(ctx, src); err != nil {
		log.Errorf(ctx, err, "save source error state")
	}
}
