package download

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"goa.design/clue/log"

	"github.com/printvault/printvault/internal/catalog"
	"github.com/printvault/printvault/internal/duplicate"
	"github.com/printvault/printvault/internal/jobs"
	"github.com/printvault/printvault/internal/storage"
	"github.com/printvault/printvault/internal/worker"
)

type (
	// FolderFetcher downloads a cloud folder tree. Satisfied by the Drive
	// scanner.
	FolderFetcher interface {
		DownloadFolder(ctx context.Context, src *catalog.ImportSource, folderID, destDir string, progress func(done, total int64, name string)) error
	}

	// TopicFetcher downloads a forum topic's attachments. Satisfied by the
	// phpBB scanner.
	TopicFetcher interface {
		DownloadTopic(ctx context.Context, src *catalog.ImportSource, recordPath, destDir string, progress func(done, total int64, name string)) error
	}

	// RecordWorker materialises one import record: it fetches the record's
	// files into staging, creates the design and queues the library import.
	RecordWorker struct {
		store  *catalog.Store
		queue  *jobs.Queue
		engine *duplicate.Engine
		drive  FolderFetcher
		forum  TopicFetcher
		paths  storage.Paths
	}

	// RecordResult is stored as the record job's result.
	RecordResult struct {
		DesignID int64 `json:"design_id,omitempty"`
		Linked   bool  `json:"linked,omitempty"`
	}
)

// NewRecordWorker wires the import-record download worker. drive and forum
// may be nil when the corresponding source kind is not configured.
func NewRecordWorker(store *catalog.Store, queue *jobs.Queue, engine *duplicate.Engine, drive FolderFetcher, forum TopicFetcher, paths storage.Paths) *RecordWorker {
	return &RecordWorker{store: store, queue: queue, engine: engine, drive: drive, forum: forum, paths: paths}
}

// Name implements worker.Worker.
func (w *RecordWorker) Name() string { return "record-download" }

// Types implements worker.Worker.
func (w *RecordWorker) Types() []catalog.JobType {
	return []catalog.JobType{catalog.JobDownloadImportRecord}
}

// Process implements worker.Worker.
func (w *RecordWorker) Process(ctx context.Context, job *catalog.Job, progress worker.ProgressFunc) (any, error) {
	var p jobs.DownloadImportRecordPayload
	if err := json.Unmarshal([]byte(job.Payload), &p); err != nil {
		return nil, worker.NonRetryablef("bad payload: %v", err)
	}
	rec, err := w.store.GetImportRecord(ctx, p.ImportRecordID)
	if err != nil {
		return nil, worker.NonRetryablef("record %d: %v", p.ImportRecordID, err)
	}
	if rec.DesignID != nil {
		return RecordResult{DesignID: *rec.DesignID, Linked: true}, nil
	}
	src, err := w.store.GetImportSource(ctx, rec.SourceID)
	if err != nil {
		return nil, worker.NonRetryablef("source %d: %v", rec.SourceID, err)
	}

	// A confident catalog match means this record is a second copy of a
	// design already present; link it instead of downloading again.
	hints := duplicate.DecodeHints(rec.FileManifest)
	match, matchType, confidence, err := w.engine.CheckPreDownload(ctx, rec.DetectedTitle, rec.DetectedDesigner, hints)
	if err != nil {
		return nil, err
	}
	if match != nil && confidence >= duplicate.AutoMergeThreshold {
		log.Printf(ctx, "record %d matches design %d (%s %.2f), linking",
			rec.ID, match.ID, matchType, confidence)
		rec.DesignID = &match.ID
		rec.Status = catalog.RecordSkipped
		if err := w.store.SaveImportRecord(ctx, rec); err != nil {
			return nil, err
		}
		src2 := &catalog.DesignSource{DesignID: match.ID, ImportRecordID: &rec.ID, Rank: 1}
		if err := w.store.CreateDesignSource(ctx, src2); err != nil {
			return nil, err
		}
		return RecordResult{DesignID: match.ID, Linked: true}, nil
	}

	tmpDir := w.paths.StagingRecord(rec.ID)
	if err := os.RemoveAll(tmpDir); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return nil, err
	}
	if err := w.fetch(ctx, src, rec, tmpDir, progress); err != nil {
		w.recordError(ctx, rec, err)
		return nil, worker.RateLimitError(err)
	}

	design, err := w.createDesign(ctx, src, rec, tmpDir)
	if err != nil {
		w.recordError(ctx, rec, err)
		return nil, err
	}

	rec.DesignID = &design.ID
	rec.Status = catalog.RecordImported
	rec.ErrorMessage = ""
	if err := w.store.SaveImportRecord(ctx, rec); err != nil {
		return nil, err
	}
	if err := w.enqueueNext(ctx, design); err != nil {
		return nil, err
	}
	return RecordResult{DesignID: design.ID}, nil
}

// fetch dispatches on the source kind.
func (w *RecordWorker) fetch(ctx context.Context, src *catalog.ImportSource, rec *catalog.ImportRecord, dest string, progress worker.ProgressFunc) error {
	prog := func(done, total int64, name string) { progress(done, total, name) }
	switch src.Type {
	case catalog.SourceBulkFolder:
		return copyLocalTree(ctx, filepath.Join(src.FolderPath, filepath.FromSlash(rec.SourcePath)), dest, prog)
	case catalog.SourceGoogleDrive:
		if w.drive == nil {
			return worker.NonRetryablef("drive support is not configured")
		}
		folderID := rec.DriveFolderID
		if folderID == "" {
			return worker.NonRetryablef("record %d has no drive folder id", rec.ID)
		}
		return w.drive.DownloadFolder(ctx, src, folderID, dest, prog)
	case catalog.SourcePhpBB:
		if w.forum == nil {
			return worker.NonRetryablef("forum support is not configured")
		}
		return w.forum.DownloadTopic(ctx, src, rec.SourcePath, dest, prog)
	default:
		return worker.NonRetryablef("unknown source type %s", src.Type)
	}
}

// createDesign registers the downloaded tree as a design and moves it into
// the design's staging directory.
func (w *RecordWorker) createDesign(ctx context.Context, src *catalog.ImportSource, rec *catalog.ImportRecord, tmpDir string) (*catalog.Design, error) {
	designer := rec.DetectedDesigner
	if designer == "" {
		designer = src.DefaultDesigner
	}
	design := &catalog.Design{
		Title:     rec.DetectedTitle,
		Designer:  designer,
		Authority: catalog.AuthorityUser,
		Status:    catalog.DesignDownloaded,
	}
	if err := w.store.CreateDesign(ctx, design); err != nil {
		return nil, err
	}
	link := &catalog.DesignSource{DesignID: design.ID, ImportRecordID: &rec.ID, Rank: 1, IsPreferred: true}
	if err := w.store.CreateDesignSource(ctx, link); err != nil {
		return nil, err
	}

	stagingDir := w.paths.StagingDesign(design.ID)
	if err := os.RemoveAll(stagingDir); err != nil {
		return nil, err
	}
	if err := os.Rename(tmpDir, stagingDir); err != nil {
		return nil, err
	}
	if err := w.registerFiles(ctx, design.ID, stagingDir); err != nil {
		return nil, err
	}
	if err := w.store.RecomputeDesignSize(ctx, design.ID); err != nil {
		return nil, err
	}
	return design, nil
}

// registerFiles walks the staged tree creating one DesignFile per file.
func (w *RecordWorker) registerFiles(ctx context.Context, designID int64, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		sha, err := storage.HashFile(path)
		if err != nil {
			return err
		}
		kind, modelKind := storage.Classify(path)
		return w.store.CreateDesignFile(ctx, &catalog.DesignFile{
			DesignID:     designID,
			RelativePath: filepath.ToSlash(rel),
			Filename:     filepath.Base(path),
			Ext:          storage.Ext(path),
			SizeBytes:    fi.Size(),
			SHA256:       sha,
			Kind:         kind,
			ModelKind:    modelKind,
		})
	})
}

func (w *RecordWorker) enqueueNext(ctx context.Context, design *catalog.Design) error {
	files, err := w.store.ListDesignFiles(ctx, design.ID)
	if err != nil {
		return err
	}
	hasArchive := false
	hasImage := false
	for _, f := range files {
		switch f.Kind {
		case catalog.FileArchive:
			hasArchive = true
		case catalog.FileImage:
			hasImage = true
		}
	}
	typ := catalog.JobImportToLibrary
	var payload any = jobs.ImportToLibraryPayload{DesignID: design.ID}
	if hasArchive {
		typ = catalog.JobExtractArchive
		payload = jobs.ExtractArchivePayload{DesignID: design.ID}
	}
	if _, err := w.queue.Enqueue(ctx, typ, jobs.EnqueueOptions{
		DesignID:    &design.ID,
		Payload:     payload,
		Priority:    5,
		DisplayName: design.Title,
	}); err != nil {
		return err
	}
	if !hasImage {
		if _, err := w.queue.Enqueue(ctx, catalog.JobGenerateRender, jobs.EnqueueOptions{
			DesignID:    &design.ID,
			Payload:     jobs.GenerateRenderPayload{DesignID: design.ID},
			Priority:    -5,
			DisplayName: design.Title,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (w *RecordWorker) recordError(ctx context.Context, rec *catalog.ImportRecord, cause error) {
	rec.Status = catalog.RecordError
	rec.ErrorMessage = cause.Error()
	if err := w.store.SaveImportRecord(ctx, rec); err != nil {
		log.Errorf(ctx, err, "save record error state")
	}
}

// copyLocalTree copies a bulk-folder design into staging, reporting progress
// in bytes.
func copyLocalTree(ctx context.Context, srcDir, destDir string, progress func(done, total int64, name string)) error {
	var total int64
	err := filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		total += fi.Size()
		return nil
	})
	if err != nil {
		return fmt.Errorf("walk %s: %w", srcDir, err)
	}
	var done int64
	return filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		n, err := storage.CopyFile(path, filepath.Join(destDir, rel))
		if err != nil {
			return err
		}
		done += n
		if progress != nil {
			progress(done, total, d.Name())
		}
		return nil
	})
}
