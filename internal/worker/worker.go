// Package worker provides the abstract worker loop and the manager that owns
// the worker fleet. A worker declares the job types it handles; the runner
// claims jobs from the queue, invokes Process, throttles progress writes and
// maps the error taxonomy onto queue completion.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"goa.design/clue/log"

	"github.com/printvault/printvault/internal/catalog"
	"github.com/printvault/printvault/internal/jobs"
	"github.com/printvault/printvault/internal/ratelimit"
)

type (
	// ProgressFunc reports job progress. The runner throttles writes, so
	// implementations may call it as often as they like; fileInfo is a short
	// human-readable label ("goblin.stl 3/7").
	ProgressFunc func(current, total int64, fileInfo string)

	// Worker processes jobs of its declared types. Implementations must be
	// safe for use by a single runner goroutine; the manager may start
	// several runners per worker type, each with its own claim loop.
	Worker interface {
		// Name identifies the worker in logs.
		Name() string
		// Types lists the job types this worker claims.
		Types() []catalog.JobType
		// Process performs the work for one claimed job. The returned value
		// is stored as the job result on success. Errors wrapped in
		// NonRetryableError fail the job immediately; everything else is
		// retried up to the job's attempt cap.
		Process(ctx context.Context, job *catalog.Job, progress ProgressFunc) (any, error)
	}

	// runner drives one claim/process loop for a worker.
	runner struct {
		worker Worker
		queue  *jobs.Queue
		poll   time.Duration
	}
)

// Progress throttling: at most one write per second per job OR a change of at
// least two percentage points; the 100% mark is always written.
const (
	progressMinInterval = time.Second
	progressMinDeltaPct = 2.0
)

var (
	meterOnce     sync.Once
	jobsClaimed   metric.Int64Counter
	jobsSucceeded metric.Int64Counter
	jobsFailed    metric.Int64Counter
)

func initMetrics() {
	meterOnce.Do(func() {
		meter := otel.Meter("printvault/worker")
		jobsClaimed, _ = meter.Int64Counter("jobs.claimed")
		jobsSucceeded, _ = meter.Int64Counter("jobs.succeeded")
		jobsFailed, _ = meter.Int64Counter("jobs.failed")
	})
}

// run loops until claimCtx is canceled: claim a job of the worker's types,
// process it, complete it. An empty claim sleeps one poll interval
// (interruptible). Processing runs on procCtx so a stop request ends claiming
// without aborting the job already in flight.
func (r *runner) run(claimCtx, procCtx context.Context) {
	initMetrics()
	kv := log.KV{K: "worker", V: r.worker.Name()}
	claimCtx = log.With(claimCtx, kv)
	procCtx = log.With(procCtx, kv)
	for {
		select {
		case <-claimCtx.Done():
			return
		default:
		}
		job, err := r.queue.Dequeue(claimCtx, r.worker.Types())
		if err != nil {
			log.Errorf(claimCtx, err, "dequeue failed")
			if !sleep(claimCtx, r.poll) {
				return
			}
			continue
		}
		if job == nil {
			if !sleep(claimCtx, r.poll) {
				return
			}
			continue
		}
		r.process(procCtx, job)
	}
}

// process runs one claimed job to completion. The claim has already
// committed, so Process may open its own transactions freely.
func (r *runner) process(ctx context.Context, job *catalog.Job) {
	ctx = log.With(ctx, log.KV{K: "job", V: job.ID}, log.KV{K: "type", V: string(job.Type)})
	jobsClaimed.Add(ctx, 1, metric.WithAttributes(attribute.String("type", string(job.Type))))
	log.Debugf(ctx, "processing job (attempt %d/%d)", job.Attempts, job.MaxAttempts)

	progress := r.newProgress(ctx, job.ID)
	result, err := r.invoke(ctx, job, progress)
	if err == nil {
		jobsSucceeded.Add(ctx, 1, metric.WithAttributes(attribute.String("type", string(job.Type))))
		if cerr := r.queue.Complete(context.WithoutCancel(ctx), job.ID, true, "", result); cerr != nil {
			log.Errorf(ctx, cerr, "complete failed")
		}
		return
	}

	jobsFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("type", string(job.Type))))
	var nonRetryable *NonRetryableError
	cctx := context.WithoutCancel(ctx)
	switch {
	case errors.As(err, &nonRetryable):
		log.Errorf(ctx, err, "job failed (non-retryable)")
		if ferr := r.queue.Fail(cctx, job.ID, err.Error()); ferr != nil {
			log.Errorf(ctx, ferr, "fail failed")
		}
	default:
		// RetryableError and unknown errors both requeue, capped by attempts.
		log.Errorf(ctx, err, "job failed (attempt %d/%d)", job.Attempts, job.MaxAttempts)
		if cerr := r.queue.Complete(cctx, job.ID, false, err.Error(), nil); cerr != nil {
			log.Errorf(ctx, cerr, "complete failed")
		}
	}
}

// invoke calls Process, converting panics into retryable errors so a bad job
// cannot take the runner down.
func (r *runner) invoke(ctx context.Context, job *catalog.Job, progress ProgressFunc) (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = Retryablef("panic: %v\n%s", rec, debug.Stack())
		}
	}()
	return r.worker.Process(ctx, job, progress)
}

// newProgress returns a throttled progress function for one job. Failed
// progress writes are logged and swallowed; they never fail the job.
func (r *runner) newProgress(ctx context.Context, jobID int64) ProgressFunc {
	var mu sync.Mutex
	var lastWrite time.Time
	lastPct := -100.0
	return func(current, total int64, fileInfo string) {
		mu.Lock()
		defer mu.Unlock()
		pct := 0.0
		if total > 0 {
			pct = float64(current) / float64(total) * 100
		}
		final := total > 0 && current >= total
		if !final {
			if time.Since(lastWrite) < progressMinInterval && pct-lastPct < progressMinDeltaPct {
				return
			}
		}
		lastWrite = time.Now()
		lastPct = pct
		if err := r.queue.UpdateProgress(ctx, jobID, current, total, fileInfo); err != nil {
			log.Errorf(ctx, err, "progress update failed")
		}
	}
}

// sleep waits d or until ctx is canceled; it reports whether the full wait
// elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// RateLimitError converts a ratelimit.ExceededError into a retryable worker
// error; other errors pass through unchanged.
func RateLimitError(err error) error {
	var ex *ratelimit.ExceededError
	if errors.As(err, &ex) {
		return Retryable(fmt.Errorf("rate limited: %w", err))
	}
	return err
}
