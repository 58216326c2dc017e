package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/printvault/printvault/internal/catalog"
)

func TestDeleteOrphanDesignJobs(t *testing.T) {
	q, store := newTestQueue(t)
	ctx := context.Background()

	design := &catalog.Design{Title: "Kept"}
	require.NoError(t, store.CreateDesign(ctx, design))

	orphan, err := q.Enqueue(ctx, catalog.JobGenerateRender, EnqueueOptions{})
	require.NoError(t, err)
	owned, err := q.Enqueue(ctx, catalog.JobGenerateRender, EnqueueOptions{DesignID: &design.ID})
	require.NoError(t, err)
	// Non-design jobs never carry a design reference and must survive.
	syncJob, err := q.Enqueue(ctx, catalog.JobSyncImportSource, EnqueueOptions{})
	require.NoError(t, err)

	n, err := q.DeleteOrphanDesignJobs(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	_, err = q.Get(ctx, orphan.ID)
	require.Error(t, err)
	_, err = q.Get(ctx, owned.ID)
	require.NoError(t, err)
	_, err = q.Get(ctx, syncJob.ID)
	require.NoError(t, err)
}

func TestRetryTransientFailures(t *testing.T) {
	q, store := newTestQueue(t)
	ctx := context.Background()

	fail := func(typ catalog.JobType, lastError string, attempts int, age time.Duration) int64 {
		job, err := q.Enqueue(ctx, typ, EnqueueOptions{MaxAttempts: 3})
		require.NoError(t, err)
		finished := time.Now().UTC().Add(-age)
		require.NoError(t, store.DB().Model(&catalog.Job{}).Where("id = ?", job.ID).
			Updates(map[string]any{
				"status":      catalog.JobFailed,
				"attempts":    attempts,
				"finished_at": finished,
				"last_error":  lastError,
			}).Error)
		return job.ID
	}

	transient := fail(catalog.JobDownloadDesign, "read tcp: Connection reset by peer", 1, time.Hour)
	permanent := fail(catalog.JobDownloadDesign, "archive is corrupted", 1, time.Hour)
	exhausted := fail(catalog.JobDownloadDesign, "request timed out", 3, time.Hour)
	tooFresh := fail(catalog.JobDownloadImportRecord, "rate limit hit", 1, 5*time.Minute)

	markers := []string{"timeout", "timed out", "rate limit", "connection"}
	n, err := q.RetryTransientFailures(ctx, 30*time.Minute, markers)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	got, err := q.Get(ctx, transient)
	require.NoError(t, err)
	require.Equal(t, catalog.JobQueued, got.Status)
	require.Equal(t, 1, got.Attempts, "retry cap must still hold")
	require.Nil(t, got.FinishedAt)

	for _, id := range []int64{permanent, exhausted, tooFresh} {
		got, err := q.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, catalog.JobFailed, got.Status)
	}
}

func TestCountFailedSince(t *testing.T) {
	q, store := newTestQueue(t)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, catalog.JobDownloadDesign, EnqueueOptions{})
	require.NoError(t, err)
	require.NoError(t, store.DB().Model(&catalog.Job{}).Where("id = ?", job.ID).
		Updates(map[string]any{
			"status":      catalog.JobFailed,
			"finished_at": time.Now().UTC().Add(-2 * time.Hour),
		}).Error)

	n, err := q.CountFailedSince(ctx, time.Now().UTC().Add(-24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	n, err = q.CountFailedSince(ctx, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	require.Zero(t, n)
}
