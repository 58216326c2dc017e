package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/printvault/printvault/internal/catalog"
	"github.com/printvault/printvault/internal/jobs"
	"github.com/printvault/printvault/internal/storage"
)

func newTestService(t *testing.T) (*Service, *catalog.Store, *jobs.Queue, storage.Paths) {
	t.Helper()
	root := t.TempDir()
	store, err := catalog.Open(filepath.Join(root, "app.db"))
	require.NoError(t, err)
	queue := jobs.New(store, nil)
	paths := storage.Paths{DataDir: root, LibraryDir: filepath.Join(root, "library")}
	return NewService(store, queue, paths), store, queue, paths
}

func mkStagingDir(t *testing.T, paths storage.Paths, name string, old bool) string {
	t.Helper()
	dir := filepath.Join(paths.Staging(), name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	if old {
		stale := time.Now().Add(-48 * time.Hour)
		require.NoError(t, os.Chtimes(dir, stale, stale))
	}
	return dir
}

func TestRunSweepsEverything(t *testing.T) {
	svc, store, queue, paths := newTestService(t)
	ctx := context.Background()

	// Orphan design job: render work whose design no longer exists.
	_, err := queue.Enqueue(ctx, catalog.JobGenerateRender, jobs.EnqueueOptions{})
	require.NoError(t, err)

	// Stuck job: claimed five hours ago and never finished.
	stuck, err := queue.Enqueue(ctx, catalog.JobSyncImportSource, jobs.EnqueueOptions{})
	require.NoError(t, err)
	_, err = queue.Dequeue(ctx, []catalog.JobType{catalog.JobSyncImportSource})
	require.NoError(t, err)
	old := time.Now().UTC().Add(-5 * time.Hour)
	require.NoError(t, store.DB().Model(&catalog.Job{}).
		Where("id = ?", stuck.ID).Update("started_at", old).Error)

	// Orphaned import record: its design row is gone.
	src := &catalog.ImportSource{Name: "drive", Type: catalog.SourceGoogleDrive}
	require.NoError(t, store.CreateImportSource(ctx, src))
	gone := int64(9999)
	rec := &catalog.ImportRecord{SourceID: src.ID, SourcePath: "Designs/Dragon"}
	require.NoError(t, store.UpsertImportRecord(ctx, rec))
	rec.Status = catalog.RecordImported
	rec.DesignID = &gone
	require.NoError(t, store.SaveImportRecord(ctx, rec))

	// Transient download failure, failed long enough ago to retry. The job
	// keeps its design link so the orphan sweep leaves it alone.
	live := &catalog.Design{Title: "Alive", Status: catalog.DesignDownloading}
	require.NoError(t, store.CreateDesign(ctx, live))
	failed, err := queue.Enqueue(ctx, catalog.JobDownloadDesign, jobs.EnqueueOptions{
		DesignID:    &live.ID,
		MaxAttempts: 3,
	})
	require.NoError(t, err)
	require.NoError(t, store.DB().Model(&catalog.Job{}).Where("id = ?", failed.ID).
		Updates(map[string]any{
			"status":      catalog.JobFailed,
			"attempts":    1,
			"finished_at": time.Now().UTC().Add(-time.Hour),
			"last_error":  "connection reset by peer",
		}).Error)

	// Staging directories: one stale orphan to remove, plus survivors.
	liveDir := mkStagingDir(t, paths, "1", true)
	require.Equal(t, paths.StagingDesign(live.ID), liveDir)
	orphanDir := mkStagingDir(t, paths, "777", true)
	gdriveDir := mkStagingDir(t, paths, "gdrive_5", true)
	freshDir := mkStagingDir(t, paths, "888", false)

	rep, err := svc.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), rep.OrphanJobs)
	require.Equal(t, int64(1), rep.StuckJobs)
	require.Equal(t, int64(1), rep.OrphanRecords)
	require.Equal(t, 1, rep.StagingDirs)
	require.Equal(t, int64(1), rep.RetriedFailed)

	// The stuck job is queued again, the failed download retried.
	got, err := queue.Get(ctx, stuck.ID)
	require.NoError(t, err)
	require.Equal(t, catalog.JobQueued, got.Status)
	got, err = queue.Get(ctx, failed.ID)
	require.NoError(t, err)
	require.Equal(t, catalog.JobQueued, got.Status)

	// The orphaned record is pending again with no design link.
	recs, err := store.ListImportRecords(ctx, src.ID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, catalog.RecordPending, recs[0].Status)
	require.Nil(t, recs[0].DesignID)

	// Staging: only the stale orphan is gone.
	_, err = os.Stat(orphanDir)
	require.True(t, os.IsNotExist(err))
	for _, dir := range []string{liveDir, gdriveDir, freshDir} {
		_, err = os.Stat(dir)
		require.NoError(t, err, "dir %s must survive", dir)
	}
}

func TestRunEmptyDatabase(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	rep, err := svc.Run(context.Background())
	require.NoError(t, err)
	require.Zero(t, rep.OrphanJobs)
	require.Zero(t, rep.StuckJobs)
	require.Zero(t, rep.OrphanRecords)
	require.Zero(t, rep.StagingDirs)
	require.Zero(t, rep.RetriedFailed)
}

func TestStartSchedulesSweep(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	stop, err := svc.Start(context.Background())
	require.NoError(t, err)
	stop()
}
