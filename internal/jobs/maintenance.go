package jobs

import (
	"context"
	"strings"
	"time"

	"github.com/printvault/printvault/internal/catalog"
)

// DeleteOrphanDesignJobs removes failed or queued design jobs that lost
// their design reference. These cannot make progress and only clutter the
// queue views.
func (q *Queue) DeleteOrphanDesignJobs(ctx context.Context) (int64, error) {
	res := q.store.DB().WithContext(ctx).
		Where("type IN ? AND design_id IS NULL AND status IN ?",
			catalog.DesignJobTypes(),
			[]catalog.JobStatus{catalog.JobFailed, catalog.JobQueued}).
		Delete(&catalog.Job{})
	return res.RowsAffected, res.Error
}

// RetryTransientFailures re-queues failed download jobs older than olderThan
// whose last error matches one of the markers and that still have attempts
// left. Attempt counts are preserved so the retry cap holds.
func (q *Queue) RetryTransientFailures(ctx context.Context, olderThan time.Duration, markers []string) (int64, error) {
	cutoff := q.now().UTC().Add(-olderThan)
	var jobs []catalog.Job
	err := q.store.DB().WithContext(ctx).
		Where("type IN ? AND status = ? AND finished_at < ? AND attempts < max_attempts",
			[]catalog.JobType{catalog.JobDownloadDesign, catalog.JobDownloadImportRecord},
			catalog.JobFailed, cutoff).
		Find(&jobs).Error
	if err != nil {
		return 0, err
	}
	var retried int64
	for i := range jobs {
		job := &jobs[i]
		if !matchesAny(job.LastError, markers) {
			continue
		}
		res := q.store.DB().WithContext(ctx).Model(&catalog.Job{}).
			Where("id = ? AND status = ?", job.ID, catalog.JobFailed).
			Updates(map[string]any{
				"status":      catalog.JobQueued,
				"started_at":  nil,
				"finished_at": nil,
			})
		if res.Error != nil {
			return retried, res.Error
		}
		if res.RowsAffected == 1 {
			retried++
		}
	}
	return retried, nil
}

// CountFailedSince counts jobs that finished in failure after the given
// time. The health checker uses it as a soft alarm signal.
func (q *Queue) CountFailedSince(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	err := q.store.DB().WithContext(ctx).Model(&catalog.Job{}).
		Where("status = ? AND finished_at >= ?", catalog.JobFailed, since).
		Count(&n).Error
	return n, err
}

func matchesAny(s string, markers []string) bool {
	s = strings.ToLower(s)
	for _, m := range markers {
		if m != "" && strings.Contains(s, strings.ToLower(m)) {
			return true
		}
	}
	return false
}
