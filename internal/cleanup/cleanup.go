// Package cleanup runs the periodic maintenance sweep: orphan jobs, stuck
// jobs, orphaned import records, stale staging directories and transient
// download failures.
package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"goa.design/clue/log"

	"github.com/printvault/printvault/internal/catalog"
	"github.com/printvault/printvault/internal/jobs"
	"github.com/printvault/printvault/internal/storage"
)

const (
	// schedule runs the sweep every 30 minutes.
	schedule = "*/30 * * * *"

	stuckJobAge    = 4 * time.Hour
	stagingMaxAge  = 24 * time.Hour
	retryFailedAge = 30 * time.Minute
)

// transientMarkers identify download errors worth retrying automatically.
var transientMarkers = []string{
	"timeout", "timed out", "rate limit", "connection", "network",
	"temporarily unavailable",
}

// Service schedules and runs the maintenance sweep.
type Service struct {
	store *catalog.Store
	queue *jobs.Queue
	paths storage.Paths
	cron  *cron.Cron
}

// Report summarises one sweep.
type Report struct {
	OrphanJobs    int64 `json:"orphan_jobs"`
	StuckJobs     int64 `json:"stuck_jobs"`
	OrphanRecords int64 `json:"orphan_records"`
	StagingDirs   int   `json:"staging_dirs"`
	RetriedFailed int64 `json:"retried_failed"`
}

// NewService wires the cleanup service.
func NewService(store *catalog.Store, queue *jobs.Queue, paths storage.Paths) *Service {
	return &Service{store: store, queue: queue, paths: paths}
}

// Start schedules the periodic sweep. The returned stop function waits for a
// running sweep to finish.
func (s *Service) Start(ctx context.Context) (stop func(), err error) {
	c := cron.New()
	_, err = c.AddFunc(schedule, func() {
		if _, err := s.Run(ctx); err != nil {
			log.Errorf(ctx, err, "maintenance sweep")
		}
	})
	if err != nil {
		return nil, err
	}
	c.Start()
	s.cron = c
	return func() { <-c.Stop().Done() }, nil
}

// Run executes one full sweep. Individual actions log and continue on
// failure so one bad step does not starve the rest.
func (s *Service) Run(ctx context.Context) (Report, error) {
	var rep Report
	var firstErr error
	note := func(what string, err error) {
		log.Errorf(ctx, err, "cleanup: %s", what)
		if firstErr == nil {
			firstErr = err
		}
	}

	n, err := s.queue.DeleteOrphanDesignJobs(ctx)
	if err != nil {
		note("delete orphan jobs", err)
	}
	rep.OrphanJobs = n

	n, err = s.queue.RequeueStale(ctx, stuckJobAge)
	if err != nil {
		note("requeue stuck jobs", err)
	}
	rep.StuckJobs = n

	n, err = s.store.ResetOrphanedImportRecords(ctx)
	if err != nil {
		note("reset orphan records", err)
	}
	rep.OrphanRecords = n

	removed, err := s.sweepStaging(ctx)
	if err != nil {
		note("sweep staging", err)
	}
	rep.StagingDirs = removed

	n, err = s.queue.RetryTransientFailures(ctx, retryFailedAge, transientMarkers)
	if err != nil {
		note("retry transient failures", err)
	}
	rep.RetriedFailed = n

	log.Printf(ctx, "cleanup: %d orphan jobs, %d stuck, %d records reset, %d staging dirs, %d retried",
		rep.OrphanJobs, rep.StuckJobs, rep.OrphanRecords, rep.StagingDirs, rep.RetriedFailed)
	return rep, firstErr
}

// sweepStaging removes staging directories that belong to no live design and
// have not been touched for a day. In-flight import-record temp directories
// (gdrive_ prefixed) are left alone.
func (s *Service) sweepStaging(ctx context.Context) (int, error) {
	ids, err := s.store.ListDesignIDs(ctx)
	if err != nil {
		return 0, err
	}
	live := make(map[int64]bool, len(ids))
	for _, id := range ids {
		live[id] = true
	}
	entries, err := os.ReadDir(s.paths.Staging())
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	removed := 0
	cutoff := time.Now().Add(-stagingMaxAge)
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), "gdrive_") {
			continue
		}
		id, err := strconv.ParseInt(e.Name(), 10, 64)
		if err == nil && live[id] {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(s.paths.Staging(), e.Name())
		if err := os.RemoveAll(path); err != nil {
			log.Errorf(ctx, err, "remove staging dir %s", path)
			continue
		}
		removed++
	}
	return removed, nil
}
