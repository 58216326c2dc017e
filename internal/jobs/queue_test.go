package jobs

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/printvault/printvault/internal/catalog"
)

func newTestQueue(t *testing.T) (*Queue, *catalog.Store) {
	t.Helper()
	store, err := catalog.Open(filepath.Join(t.TempDir(), "app.db"))
	require.NoError(t, err)
	return New(store, nil), store
}

func TestBackoffSchedule(t *testing.T) {
	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 30 * time.Second},
		{1, 60 * time.Second},
		{2, 120 * time.Second},
		{3, 240 * time.Second},
		{6, 1920 * time.Second},
		{7, time.Hour},
		{20, time.Hour},
		{-1, 30 * time.Second},
	}
	for _, c := range cases {
		require.Equal(t, c.want, Backoff(c.attempts), "attempts=%d", c.attempts)
	}
}

func TestBackoffProperties(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())
	properties.Property("backoff is monotone and bounded", prop.ForAll(
		func(i int) bool {
			d := Backoff(i)
			return d >= 30*time.Second && d <= time.Hour && Backoff(i+1) >= d
		},
		gen.IntRange(0, 64),
	))
	properties.TestingRun(t)
}

func TestEnqueueDefaults(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, catalog.JobGenerateRender, EnqueueOptions{
		Payload: GenerateRenderPayload{DesignID: 7},
	})
	require.NoError(t, err)
	require.Equal(t, catalog.JobQueued, job.Status)
	require.Equal(t, 3, job.MaxAttempts)
	require.JSONEq(t, `{"design_id":7}`, job.Payload)
}

func TestDequeueAtomicClaim(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	const jobs = 5
	const claimers = 10
	for i := 0; i < jobs; i++ {
		_, err := q.Enqueue(ctx, catalog.JobExtractArchive, EnqueueOptions{})
		require.NoError(t, err)
	}

	var mu sync.Mutex
	claimed := map[int64]int{}
	empty := 0
	var wg sync.WaitGroup
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, err := q.Dequeue(ctx, nil)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				t.Errorf("dequeue: %v", err)
				return
			}
			if job == nil {
				empty++
				return
			}
			claimed[job.ID]++
		}()
	}
	wg.Wait()

	require.Len(t, claimed, jobs, "every job claimed exactly once")
	for id, n := range claimed {
		require.Equal(t, 1, n, "job %d claimed %d times", id, n)
	}
	require.Equal(t, claimers-jobs, empty)
}

func TestDequeueOrdering(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	low, err := q.Enqueue(ctx, catalog.JobExtractArchive, EnqueueOptions{Priority: -5})
	require.NoError(t, err)
	high, err := q.Enqueue(ctx, catalog.JobExtractArchive, EnqueueOptions{Priority: 5})
	require.NoError(t, err)
	mid, err := q.Enqueue(ctx, catalog.JobExtractArchive, EnqueueOptions{})
	require.NoError(t, err)

	var got []int64
	for i := 0; i < 3; i++ {
		job, err := q.Dequeue(ctx, nil)
		require.NoError(t, err)
		require.NotNil(t, job)
		got = append(got, job.ID)
	}
	require.Equal(t, []int64{high.ID, mid.ID, low.ID}, got)
}

func TestDequeueTypeFilter(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, catalog.JobExtractArchive, EnqueueOptions{})
	require.NoError(t, err)
	render, err := q.Enqueue(ctx, catalog.JobGenerateRender, EnqueueOptions{})
	require.NoError(t, err)

	job, err := q.Dequeue(ctx, []catalog.JobType{catalog.JobGenerateRender})
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, render.ID, job.ID)

	job, err = q.Dequeue(ctx, []catalog.JobType{catalog.JobAIAnalyze})
	require.NoError(t, err)
	require.Nil(t, job)
}

func TestCompleteRetriesThenFails(t *testing.T) {
	q, store := newTestQueue(t)
	ctx := context.Background()

	current := time.Now().UTC()
	q.now = func() time.Time { return current }

	design := &catalog.Design{Title: "Goblin", Status: catalog.DesignDownloading}
	require.NoError(t, store.CreateDesign(ctx, design))

	job, err := q.Enqueue(ctx, catalog.JobDownloadDesign, EnqueueOptions{
		DesignID:    &design.ID,
		MaxAttempts: 2,
	})
	require.NoError(t, err)

	// First attempt fails: attempts remain, so the job requeues.
	claimed, err := q.Dequeue(ctx, nil)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, 1, claimed.Attempts)
	require.NoError(t, q.Complete(ctx, job.ID, false, "connection reset", nil))

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, catalog.JobQueued, got.Status)
	require.Equal(t, "connection reset", got.LastError)

	// Backoff gates the next claim until 30s have passed.
	claimed, err = q.Dequeue(ctx, nil)
	require.NoError(t, err)
	require.Nil(t, claimed)
	current = current.Add(31 * time.Second)

	claimed, err = q.Dequeue(ctx, nil)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, 2, claimed.Attempts)

	// Second failure exhausts the budget: terminal failure, design follows.
	require.NoError(t, q.Complete(ctx, job.ID, false, "connection reset", nil))
	got, err = q.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, catalog.JobFailed, got.Status)

	d, err := store.GetDesign(ctx, design.ID)
	require.NoError(t, err)
	require.Equal(t, catalog.DesignFailed, d.Status)
}

func TestCompleteSuccessStoresResult(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, catalog.JobExtractArchive, EnqueueOptions{})
	require.NoError(t, err)
	_, err = q.Dequeue(ctx, nil)
	require.NoError(t, err)

	require.NoError(t, q.Complete(ctx, job.ID, true, "", map[string]int{"extracted": 4}))
	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, catalog.JobSuccess, got.Status)
	require.JSONEq(t, `{"extracted":4}`, got.Result)
	require.Empty(t, got.LastError)
}

func TestFailBypassesRetryBudget(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, catalog.JobExtractArchive, EnqueueOptions{MaxAttempts: 5})
	require.NoError(t, err)
	_, err = q.Dequeue(ctx, nil)
	require.NoError(t, err)

	require.NoError(t, q.Fail(ctx, job.ID, "archive is corrupted"))
	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, catalog.JobFailed, got.Status)
	require.Equal(t, 1, got.Attempts)
}

func TestRecoverOrphanedPreservesAttempts(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, catalog.JobExtractArchive, EnqueueOptions{})
	require.NoError(t, err)
	claimed, err := q.Dequeue(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, job.ID, claimed.ID)

	n, err := q.RecoverOrphaned(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, catalog.JobQueued, got.Status)
	require.Equal(t, 1, got.Attempts)
	require.Nil(t, got.StartedAt)
}

func TestRequeueStale(t *testing.T) {
	q, store := newTestQueue(t)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, catalog.JobExtractArchive, EnqueueOptions{})
	require.NoError(t, err)
	_, err = q.Dequeue(ctx, nil)
	require.NoError(t, err)

	// Fresh running jobs are untouched.
	n, err := q.RequeueStale(ctx, time.Hour)
	require.NoError(t, err)
	require.Zero(t, n)

	old := time.Now().UTC().Add(-2 * time.Hour)
	require.NoError(t, store.DB().Model(&catalog.Job{}).
		Where("id = ?", job.ID).Update("started_at", old).Error)

	n, err = q.RequeueStale(ctx, time.Hour)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, catalog.JobQueued, got.Status)
}

func TestCancel(t *testing.T) {
	q, store := newTestQueue(t)
	ctx := context.Background()

	design := &catalog.Design{Title: "Goblin", Status: catalog.DesignDownloading}
	require.NoError(t, store.CreateDesign(ctx, design))
	job, err := q.Enqueue(ctx, catalog.JobDownloadDesign, EnqueueOptions{DesignID: &design.ID})
	require.NoError(t, err)

	require.NoError(t, q.Cancel(ctx, job.ID))
	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, catalog.JobCanceled, got.Status)

	// Canceling a design job resets the design.
	d, err := store.GetDesign(ctx, design.ID)
	require.NoError(t, err)
	require.Equal(t, catalog.DesignDiscovered, d.Status)

	// Terminal jobs refuse a second cancel.
	require.Error(t, q.Cancel(ctx, job.ID))
}

func TestUpdatePriorityOnlyQueued(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, catalog.JobExtractArchive, EnqueueOptions{})
	require.NoError(t, err)
	require.NoError(t, q.UpdatePriority(ctx, job.ID, 8))

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, 8, got.Priority)

	_, err = q.Dequeue(ctx, nil)
	require.NoError(t, err)
	require.Error(t, q.UpdatePriority(ctx, job.ID, -3))
}

func TestGetQueueStats(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, catalog.JobExtractArchive, EnqueueOptions{})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, catalog.JobGenerateRender, EnqueueOptions{})
	require.NoError(t, err)
	_, err = q.Dequeue(ctx, []catalog.JobType{catalog.JobExtractArchive})
	require.NoError(t, err)

	st, err := q.GetQueueStats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), st.ByStatus[catalog.JobQueued])
	require.Equal(t, int64(1), st.ByStatus[catalog.JobRunning])
	require.Equal(t, int64(1), st.ByType[catalog.JobExtractArchive])
	require.Equal(t, int64(1), st.ByType[catalog.JobGenerateRender])
}
