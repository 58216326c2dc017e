// Package download implements the two download workers: Telegram design
// downloads (message attachments into staging) and import-record downloads
// (bulk folders, cloud drives and forum topics into staging), both feeding
// the extract/import pipeline.
package download

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"goa.design/clue/log"

	"github.com/printvault/printvault/internal/catalog"
	"github.com/printvault/printvault/internal/jobs"
	"github.com/printvault/printvault/internal/ratelimit"
	"github.com/printvault/printvault/internal/storage"
	"github.com/printvault/printvault/internal/telegram"
	"github.com/printvault/printvault/internal/worker"
)

// DesignWorker downloads a design's candidate attachments from its source
// message into the design's staging directory.
type DesignWorker struct {
	store   *catalog.Store
	queue   *jobs.Queue
	client  telegram.Client
	limiter *ratelimit.Limiter
	paths   storage.Paths
}

// DesignResult is stored as the download job's result.
type DesignResult struct {
	Files      int   `json:"files"`
	TotalBytes int64 `json:"total_bytes"`
}

// NewDesignWorker wires the Telegram design download worker.
func NewDesignWorker(store *catalog.Store, queue *jobs.Queue, client telegram.Client, limiter *ratelimit.Limiter, paths storage.Paths) *DesignWorker {
	return &DesignWorker{store: store, queue: queue, client: client, limiter: limiter, paths: paths}
}

// Name implements worker.Worker.
func (w *DesignWorker) Name() string { return "design-download" }

// Types implements worker.Worker.
func (w *DesignWorker) Types() []catalog.JobType {
	return []catalog.JobType{catalog.JobDownloadDesign}
}

// Process implements worker.Worker.
func (w *DesignWorker) Process(ctx context.Context, job *catalog.Job, progress worker.ProgressFunc) (any, error) {
	var p jobs.DownloadDesignPayload
	if err := json.Unmarshal([]byte(job.Payload), &p); err != nil {
		return nil, worker.NonRetryablef("bad payload: %v", err)
	}
	design, err := w.store.GetDesign(ctx, p.DesignID)
	if err != nil {
		return nil, worker.NonRetryablef("design %d: %v", p.DesignID, err)
	}
	src, err := w.store.PreferredSource(ctx, design.ID)
	if err != nil || src.MessageID == nil {
		return nil, worker.NonRetryablef("design %d has no message source", design.ID)
	}
	msg, err := w.store.GetMessage(ctx, *src.MessageID)
	if err != nil {
		return nil, worker.NonRetryablef("message %d: %v", *src.MessageID, err)
	}
	ch, err := w.store.GetChannel(ctx, msg.ChannelID)
	if err != nil {
		return nil, worker.NonRetryablef("channel %d: %v", msg.ChannelID, err)
	}
	atts, err := w.store.ListAttachments(ctx, msg.ID)
	if err != nil {
		return nil, err
	}
	var candidates []catalog.Attachment
	var total int64
	for _, a := range atts {
		if a.IsCandidateDesignFile {
			candidates = append(candidates, a)
			total += a.Size
		}
	}
	if len(candidates) == 0 {
		return nil, worker.NonRetryablef("design %d has no candidate files", design.ID)
	}

	if err := w.store.UpdateDesignStatus(ctx, design.ID, catalog.DesignDownloading); err != nil {
		return nil, err
	}
	stagingDir := w.paths.StagingDesign(design.ID)
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return nil, err
	}

	hasArchive := false
	var done int64
	entity := "channel:" + ch.PeerID
	for i := range candidates {
		a := &candidates[i]
		if canceled, _ := w.queue.IsCanceled(ctx, job.ID); canceled {
			return nil, worker.NonRetryablef("job canceled")
		}
		if err := w.limiter.Acquire(ctx, entity); err != nil {
			return nil, worker.RateLimitError(err)
		}
		path, err := w.fetchAttachment(ctx, a, stagingDir, entity, func(written int64) {
			progress(done+written, total, a.Filename)
		})
		if err != nil {
			a.DownloadStatus = catalog.DownloadFailed
			if uerr := w.store.UpdateAttachment(ctx, a); uerr != nil {
				log.Errorf(ctx, uerr, "save attachment state")
			}
			return nil, err
		}
		done += a.Size

		sha, err := storage.HashFile(path)
		if err != nil {
			return nil, err
		}
		a.DownloadStatus = catalog.DownloadDownloaded
		a.ContentHash = sha
		if err := w.store.UpdateAttachment(ctx, a); err != nil {
			return nil, err
		}
		fi, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		kind, modelKind := storage.Classify(path)
		if kind == catalog.FileArchive {
			hasArchive = true
		}
		df := &catalog.DesignFile{
			DesignID:     design.ID,
			RelativePath: filepath.Base(path),
			Filename:     filepath.Base(path),
			Ext:          storage.Ext(path),
			SizeBytes:    fi.Size(),
			SHA256:       sha,
			Kind:         kind,
			ModelKind:    modelKind,
		}
		if err := w.store.CreateDesignFile(ctx, df); err != nil {
			return nil, err
		}
	}

	if err := w.store.RecomputeDesignSize(ctx, design.ID); err != nil {
		return nil, err
	}
	if err := w.store.UpdateDesignStatus(ctx, design.ID, catalog.DesignDownloaded); err != nil {
		return nil, err
	}
	if err := w.enqueueNext(ctx, design, hasArchive); err != nil {
		return nil, err
	}
	return DesignResult{Files: len(candidates), TotalBytes: done}, nil
}

// fetchAttachment streams one attachment into the staging directory,
// translating flood waits into retryable errors.
func (w *DesignWorker) fetchAttachment(ctx context.Context, a *catalog.Attachment, dir, entity string, progress func(int64)) (string, error) {
	name := a.Filename
	if name == "" {
		name = fmt.Sprintf("attachment_%d", a.ID)
	}
	dest, err := storage.UniquePath(filepath.Join(dir, filepath.Base(name)))
	if err != nil {
		return "", err
	}
	out, err := os.Create(dest)
	if err != nil {
		return "", err
	}
	written, err := w.client.Download(ctx, a.UpstreamFileID, &progressWriter{w: out, fn: progress})
	cerr := out.Close()
	if err != nil {
		os.Remove(dest)
		var fw *telegram.FloodWaitError
		if errors.As(err, &fw) {
			w.limiter.SetBackoff(entity, fw.Wait())
			return "", worker.Retryablef("flood wait %ds downloading %s", fw.Seconds, name)
		}
		return "", fmt.Errorf("download %s: %w", name, err)
	}
	if cerr != nil {
		return "", cerr
	}
	if written == 0 {
		os.Remove(dest)
		return "", worker.NonRetryablef("attachment %s downloaded empty", name)
	}
	return dest, nil
}

func (w *DesignWorker) enqueueNext(ctx context.Context, design *catalog.Design, hasArchive bool) error {
	typ := catalog.JobImportToLibrary
	var payload any = jobs.ImportToLibraryPayload{DesignID: design.ID}
	if hasArchive {
		typ = catalog.JobExtractArchive
		payload = jobs.ExtractArchivePayload{DesignID: design.ID}
	}
	_, err := w.queue.Enqueue(ctx, typ, jobs.EnqueueOptions{
		DesignID:    &design.ID,
		Payload:     payload,
		Priority:    5,
		DisplayName: design.Title,
	})
	return err
}

// progressWriter invokes fn with the running byte count on every write.
type progressWriter struct {
	w       interface{ Write([]byte) (int, error) }
	fn      func(int64)
	written int64
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.written += int64(n)
	if p.fn != nil {
		p.fn(p.written)
	}
	return n, err
}
