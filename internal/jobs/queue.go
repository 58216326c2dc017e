// Package jobs implements the durable job queue on top of the catalog store:
// prioritised atomic claim, completion with capped exponential retry, cancel,
// progress, stale and orphan recovery, and queue statistics. Every state
// transition is broadcast on the event bus.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/printvault/printvault/internal/catalog"
	"github.com/printvault/printvault/internal/events"
)

// maxErrorLen truncates stored error messages.
const maxErrorLen = 500

// Backoff returns the retry delay owed after i completed attempts:
// min(30·2^i, 3600) seconds.
func Backoff(i int) time.Duration {
	if i < 0 {
		i = 0
	}
	d := 30 * time.Second
	for ; i > 0 && d < time.Hour; i-- {
		d *= 2
	}
	if d > time.Hour {
		d = time.Hour
	}
	return d
}

// Queue is the durable job queue. Safe for concurrent use; the claim step is
// a conditional update so N concurrent dequeuers never share a job.
type Queue struct {
	store *catalog.Store
	bus   events.Bus

	now func() time.Time
}

// New constructs a Queue on the given store. The bus may be nil in tests.
func New(store *catalog.Store, bus events.Bus) *Queue {
	return &Queue{store: store, bus: bus, now: time.Now}
}

// EnqueueOptions carries the optional fields of Enqueue.
type EnqueueOptions struct {
	DesignID    *int64
	ChannelID   *int64
	Payload     any
	Priority    int
	MaxAttempts int
	DisplayName string
}

// Enqueue inserts a queued job. Payload is JSON-marshaled when non-nil.
func (q *Queue) Enqueue(ctx context.Context, typ catalog.JobType, opts EnqueueOptions) (*catalog.Job, error) {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	var payload string
	if opts.Payload != nil {
		b, err := json.Marshal(opts.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		payload = string(b)
	}
	job := &catalog.Job{
		Type:        typ,
		Status:      catalog.JobQueued,
		Priority:    opts.Priority,
		CreatedAt:   q.now().UTC(),
		MaxAttempts: opts.MaxAttempts,
		DesignID:    opts.DesignID,
		ChannelID:   opts.ChannelID,
		Payload:     payload,
		DisplayName: opts.DisplayName,
	}
	if err := q.store.DB().WithContext(ctx).Create(job).Error; err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", typ, err)
	}
	q.publish(events.EventJobEnqueued, job, "")
	return job, nil
}

// Dequeue atomically claims the highest-priority, oldest queued job whose
// type is in types (any type when empty) and whose retry backoff has elapsed.
// It returns nil with no error when nothing is ready.
//
// The claim is a conditional update guarded by "status is still queued", so
// concurrent callers each receive a distinct job. The claiming transaction
// commits before the caller processes the job.
func (q *Queue) Dequeue(ctx context.Context, types []catalog.JobType) (*catalog.Job, error) {
	now := q.now().UTC()
	for {
		var candidates []catalog.Job
		db := q.store.DB().WithContext(ctx).
			Where("status = ?", catalog.JobQueued).
			Order("priority DESC, created_at ASC, id ASC").
			Limit(20)
		if len(types) > 0 {
			db = db.Where("type IN ?", types)
		}
		if err := db.Find(&candidates).Error; err != nil {
			return nil, fmt.Errorf("list queued jobs: %w", err)
		}
		var pick *catalog.Job
		for i := range candidates {
			c := &candidates[i]
			if c.FinishedAt != nil && c.Attempts > 0 {
				if c.FinishedAt.Add(Backoff(c.Attempts - 1)).After(now) {
					continue
				}
			}
			pick = c
			break
		}
		if pick == nil {
			return nil, nil
		}
		res := q.store.DB().WithContext(ctx).Model(&catalog.Job{}).
			Where("id = ? AND status = ?", pick.ID, catalog.JobQueued).
			Updates(map[string]any{
				"status":     catalog.JobRunning,
				"started_at": now,
				"attempts":   pick.Attempts + 1,
			})
		if res.Error != nil {
			return nil, fmt.Errorf("claim job %d: %w", pick.ID, res.Error)
		}
		if res.RowsAffected == 0 {
			// Lost the race; try the next candidate set.
			continue
		}
		pick.Status = catalog.JobRunning
		pick.StartedAt = &now
		pick.Attempts++
		q.publish(events.EventJobStarted, pick, "")
		return pick, nil
	}
}

// Complete finishes a running job. On success the result is stored and the
// error cleared. On failure the job is requeued while attempts remain
// (finished_at stamps the backoff clock) and marked failed otherwise; the
// terminal failure of a design job advances the owning design to failed.
func (q *Queue) Complete(ctx context.Context, jobID int64, success bool, jobErr string, result any) error {
	job, err := q.getJob(ctx, jobID)
	if err != nil {
		return err
	}
	now := q.now().UTC()
	if success {
		var res string
		if result != nil {
			b, err := json.Marshal(result)
			if err != nil {
				return fmt.Errorf("marshal result: %w", err)
			}
			res = string(b)
		}
		err := q.store.DB().WithContext(ctx).Model(&catalog.Job{}).
			Where("id = ?", jobID).
			Updates(map[string]any{
				"status":      catalog.JobSuccess,
				"finished_at": now,
				"last_error":  "",
				"result":      res,
			}).Error
		if err != nil {
			return err
		}
		job.Status = catalog.JobSuccess
		q.publish(events.EventJobCompleted, job, "")
		return nil
	}

	if len(jobErr) > maxErrorLen {
		jobErr = jobErr[:maxErrorLen]
	}
	if job.Attempts < job.MaxAttempts {
		err := q.store.DB().WithContext(ctx).Model(&catalog.Job{}).
			Where("id = ?", jobID).
			Updates(map[string]any{
				"status":      catalog.JobQueued,
				"started_at":  nil,
				"finished_at": now,
				"last_error":  jobErr,
			}).Error
		if err != nil {
			return err
		}
		job.Status = catalog.JobQueued
		q.publish(events.EventJobCompleted, job, jobErr)
		return nil
	}

	err = q.store.DB().WithContext(ctx).Model(&catalog.Job{}).
		Where("id = ?", jobID).
		Updates(map[string]any{
			"status":      catalog.JobFailed,
			"finished_at": now,
			"last_error":  jobErr,
		}).Error
	if err != nil {
		return err
	}
	job.Status = catalog.JobFailed
	if job.DesignID != nil && isDesignJob(job.Type) {
		if err := q.store.UpdateDesignStatus(ctx, *job.DesignID, catalog.DesignFailed); err != nil {
			return fmt.Errorf("mark design %d failed: %w", *job.DesignID, err)
		}
	}
	q.publish(events.EventJobCompleted, job, jobErr)
	return nil
}

// Fail marks a running job failed immediately, bypassing the retry budget.
// Used for non-retryable errors.
func (q *Queue) Fail(ctx context.Context, jobID int64, jobErr string) error {
	job, err := q.getJob(ctx, jobID)
	if err != nil {
		return err
	}
	if len(jobErr) > maxErrorLen {
		jobErr = jobErr[:maxErrorLen]
	}
	now := q.now().UTC()
	err = q.store.DB().WithContext(ctx).Model(&catalog.Job{}).
		Where("id = ?", jobID).
		Updates(map[string]any{
			"status":      catalog.JobFailed,
			"finished_at": now,
			"last_error":  jobErr,
		}).Error
	if err != nil {
		return err
	}
	job.Status = catalog.JobFailed
	if job.DesignID != nil && isDesignJob(job.Type) {
		if err := q.store.UpdateDesignStatus(ctx, *job.DesignID, catalog.DesignFailed); err != nil {
			return err
		}
	}
	q.publish(events.EventJobCompleted, job, jobErr)
	return nil
}

// Cancel cancels a queued or running job. For design jobs the design status
// is reset to discovered. Canceling a terminal job is an error.
func (q *Queue) Cancel(ctx context.Context, jobID int64) error {
	job, err := q.getJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != catalog.JobQueued && job.Status != catalog.JobRunning {
		return fmt.Errorf("job %d is %s and cannot be canceled", jobID, job.Status)
	}
	now := q.now().UTC()
	res := q.store.DB().WithContext(ctx).Model(&catalog.Job{}).
		Where("id = ? AND status IN ?", jobID, []catalog.JobStatus{catalog.JobQueued, catalog.JobRunning}).
		Updates(map[string]any{
			"status":      catalog.JobCanceled,
			"finished_at": now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("job %d changed state concurrently", jobID)
	}
	if job.DesignID != nil && isDesignJob(job.Type) {
		if err := q.store.UpdateDesignStatus(ctx, *job.DesignID, catalog.DesignDiscovered); err != nil {
			return err
		}
	}
	job.Status = catalog.JobCanceled
	q.publish(events.EventJobCompleted, job, "")
	return nil
}

// IsCanceled reports whether the job has been canceled. Workers poll this on
// progress ticks so long-running I/O can abort early.
func (q *Queue) IsCanceled(ctx context.Context, jobID int64) (bool, error) {
	job, err := q.getJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	return job.Status == catalog.JobCanceled, nil
}

// UpdateProgress stores the job's progress counters and optional file info.
// Callers are expected to throttle (the worker runtime does).
func (q *Queue) UpdateProgress(ctx context.Context, jobID int64, current, total int64, fileInfo string) error {
	err := q.store.DB().WithContext(ctx).Model(&catalog.Job{}).
		Where("id = ?", jobID).
		Updates(map[string]any{
			"progress_current": current,
			"progress_total":   total,
			"progress_info":    fileInfo,
		}).Error
	if err != nil {
		return err
	}
	if job, gerr := q.getJob(ctx, jobID); gerr == nil {
		evt := events.JobPayload{
			JobID: job.ID, JobType: string(job.Type), Status: string(job.Status),
			DesignID: job.DesignID, Current: current, Total: total,
		}
		if q.bus != nil {
			q.bus.Publish(events.New(events.EventJobProgress, evt))
		}
	}
	return nil
}

// RequeueStale flips running jobs started more than threshold ago back to
// queued and returns how many were recovered.
func (q *Queue) RequeueStale(ctx context.Context, threshold time.Duration) (int64, error) {
	cutoff := q.now().UTC().Add(-threshold)
	res := q.store.DB().WithContext(ctx).Model(&catalog.Job{}).
		Where("status = ? AND started_at < ?", catalog.JobRunning, cutoff).
		Updates(map[string]any{
			"status":     catalog.JobQueued,
			"started_at": nil,
			"last_error": "requeued: stale",
		})
	return res.RowsAffected, res.Error
}

// RecoverOrphaned requeues every running job unconditionally. Called once at
// process start before any worker claims, restoring at-most-once-in-flight
// across crashes. Attempts are preserved.
func (q *Queue) RecoverOrphaned(ctx context.Context) (int64, error) {
	res := q.store.DB().WithContext(ctx).Model(&catalog.Job{}).
		Where("status = ?", catalog.JobRunning).
		Updates(map[string]any{
			"status":     catalog.JobQueued,
			"started_at": nil,
			"last_error": "interrupted by restart",
		})
	return res.RowsAffected, res.Error
}

// CancelJobsForDesign bulk-cancels the active jobs of a design.
func (q *Queue) CancelJobsForDesign(ctx context.Context, designID int64) (int, error) {
	var jobs []catalog.Job
	err := q.store.DB().WithContext(ctx).
		Where("design_id = ? AND status IN ?", designID,
			[]catalog.JobStatus{catalog.JobQueued, catalog.JobRunning}).
		Find(&jobs).Error
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range jobs {
		if err := q.Cancel(ctx, jobs[i].ID); err == nil {
			n++
		}
	}
	return n, nil
}

// CancelJobsForImportSource bulk-cancels the active sync and per-record
// download jobs of an import source. When recordIDs is non-empty only
// download jobs for those records are canceled.
func (q *Queue) CancelJobsForImportSource(ctx context.Context, sourceID int64, recordIDs []int64) (int, error) {
	var jobs []catalog.Job
	err := q.store.DB().WithContext(ctx).
		Where("type IN ? AND status IN ?",
			[]catalog.JobType{catalog.JobSyncImportSource, catalog.JobDownloadImportRecord},
			[]catalog.JobStatus{catalog.JobQueued, catalog.JobRunning}).
		Find(&jobs).Error
	if err != nil {
		return 0, err
	}
	wantRecord := map[int64]bool{}
	for _, id := range recordIDs {
		wantRecord[id] = true
	}
	n := 0
	for i := range jobs {
		job := &jobs[i]
		switch job.Type {
		case catalog.JobSyncImportSource:
			var p SyncImportSourcePayload
			if json.Unmarshal([]byte(job.Payload), &p) != nil || p.ImportSourceID != sourceID {
				continue
			}
			if len(recordIDs) > 0 {
				continue
			}
		case catalog.JobDownloadImportRecord:
			var p DownloadImportRecordPayload
			if json.Unmarshal([]byte(job.Payload), &p) != nil {
				continue
			}
			if len(recordIDs) > 0 && !wantRecord[p.ImportRecordID] {
				continue
			}
			if len(recordIDs) == 0 && p.ImportSourceID != sourceID {
				continue
			}
		}
		if err := q.Cancel(ctx, job.ID); err == nil {
			n++
		}
	}
	return n, nil
}

// HasActiveJob reports whether a queued or running job of the given type
// exists for the import source. The scheduler uses this to avoid duplicate
// sync jobs.
func (q *Queue) HasActiveJob(ctx context.Context, typ catalog.JobType, sourceID int64) (bool, error) {
	var jobs []catalog.Job
	err := q.store.DB().WithContext(ctx).
		Where("type = ? AND status IN ?", typ,
			[]catalog.JobStatus{catalog.JobQueued, catalog.JobRunning}).
		Find(&jobs).Error
	if err != nil {
		return false, err
	}
	for i := range jobs {
		var p SyncImportSourcePayload
		if json.Unmarshal([]byte(jobs[i].Payload), &p) == nil && p.ImportSourceID == sourceID {
			return true, nil
		}
	}
	return false, nil
}

// Stats summarises the queue: counts by status over all jobs and counts by
// type over active (queued or running) jobs.
type Stats struct {
	ByStatus map[catalog.JobStatus]int64 `json:"by_status"`
	ByType   map[catalog.JobType]int64   `json:"by_type"`
}

// GetQueueStats computes queue statistics.
func (q *Queue) GetQueueStats(ctx context.Context) (Stats, error) {
	st := Stats{
		ByStatus: map[catalog.JobStatus]int64{},
		ByType:   map[catalog.JobType]int64{},
	}
	type statusCount struct {
		Status catalog.JobStatus
		N      int64
	}
	var byStatus []statusCount
	err := q.store.DB().WithContext(ctx).Model(&catalog.Job{}).
		Select("status, COUNT(*) AS n").Group("status").Scan(&byStatus).Error
	if err != nil {
		return st, err
	}
	for _, c := range byStatus {
		st.ByStatus[c.Status] = c.N
	}
	type typeCount struct {
		Type catalog.JobType
		N    int64
	}
	var byType []typeCount
	err = q.store.DB().WithContext(ctx).Model(&catalog.Job{}).
		Where("status IN ?", []catalog.JobStatus{catalog.JobQueued, catalog.JobRunning}).
		Select("type, COUNT(*) AS n").Group("type").Scan(&byType).Error
	if err != nil {
		return st, err
	}
	for _, c := range byType {
		st.ByType[c.Type] = c.N
	}
	return st, nil
}

// Get loads a job by id.
func (q *Queue) Get(ctx context.Context, jobID int64) (*catalog.Job, error) {
	return q.getJob(ctx, jobID)
}

// List returns a page of jobs, newest first, optionally filtered by status.
func (q *Queue) List(ctx context.Context, status catalog.JobStatus, limit, offset int) ([]catalog.Job, error) {
	db := q.store.DB().WithContext(ctx).Order("id DESC").Limit(limit).Offset(offset)
	if status != "" {
		db = db.Where("status = ?", status)
	}
	var jobs []catalog.Job
	err := db.Find(&jobs).Error
	return jobs, err
}

// UpdatePriority changes a queued job's priority. Running or terminal jobs
// are refused.
func (q *Queue) UpdatePriority(ctx context.Context, jobID int64, priority int) error {
	res := q.store.DB().WithContext(ctx).Model(&catalog.Job{}).
		Where("id = ? AND status = ?", jobID, catalog.JobQueued).
		Update("priority", priority)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("job %d is not queued", jobID)
	}
	return nil
}

func (q *Queue) getJob(ctx context.Context, jobID int64) (*catalog.Job, error) {
	var job catalog.Job
	if err := q.store.DB().WithContext(ctx).First(&job, jobID).Error; err != nil {
		return nil, fmt.Errorf("load job %d: %w", jobID, err)
	}
	return &job, nil
}

func (q *Queue) publish(t events.Type, job *catalog.Job, errMsg string) {
	if q.bus == nil {
		return
	}
	q.bus.Publish(events.New(t, events.JobPayload{
		JobID:    job.ID,
		JobType:  string(job.Type),
		Status:   string(job.Status),
		DesignID: job.DesignID,
		Error:    errMsg,
	}))
}

func isDesignJob(t catalog.JobType) bool {
	for _, dt := range catalog.DesignJobTypes() {
		if t == dt {
			return true
		}
	}
	return false
}
