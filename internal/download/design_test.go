package download

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/printvault/printvault/internal/catalog"
	"github.com/printvault/printvault/internal/jobs"
	"github.com/printvault/printvault/internal/ratelimit"
	"github.com/printvault/printvault/internal/storage"
	"github.com/printvault/printvault/internal/telegram"
	"github.com/printvault/printvault/internal/worker"
)

func noProgress(int64, int64, string) {}

type designFixture struct {
	worker *DesignWorker
	store  *catalog.Store
	queue  *jobs.Queue
	client *telegram.FakeClient
	paths  storage.Paths
}

func newDesignFixture(t *testing.T) *designFixture {
	t.Helper()
	root := t.TempDir()
	store, err := catalog.Open(filepath.Join(root, "app.db"))
	require.NoError(t, err)
	queue := jobs.New(store, nil)
	client := telegram.NewFakeClient()
	require.NoError(t, client.Connect(context.Background()))
	paths := storage.Paths{DataDir: root, LibraryDir: filepath.Join(root, "library")}
	limiter := ratelimit.New(600, 0)
	return &designFixture{
		worker: NewDesignWorker(store, queue, client, limiter, paths),
		store:  store,
		queue:  queue,
		client: client,
		paths:  paths,
	}
}

// seedDesign creates a channel, a message with the given attachments, a
// design and the message source linking them.
func (f *designFixture) seedDesign(t *testing.T, atts []catalog.Attachment) *catalog.Design {
	t.Helper()
	ctx := context.Background()
	ch := &catalog.Channel{PeerID: "100", Username: "minis", Title: "Minis", Enabled: true}
	require.NoError(t, f.store.CreateChannel(ctx, ch))
	msg := &catalog.Message{ChannelID: ch.ID, UpstreamMessageID: 1, Caption: "Dragon", PostedAt: time.Now().UTC()}
	require.NoError(t, f.store.CreateMessage(ctx, msg))
	for i := range atts {
		atts[i].MessageID = msg.ID
	}
	require.NoError(t, f.store.CreateAttachments(ctx, atts))
	design := &catalog.Design{Title: "Dragon", Designer: "Minis", Status: catalog.DesignWanted}
	require.NoError(t, f.store.CreateDesign(ctx, design))
	require.NoError(t, f.store.CreateDesignSource(ctx, &catalog.DesignSource{
		DesignID: design.ID, MessageID: &msg.ID, IsPreferred: true,
	}))
	return design
}

func downloadJob(designID int64) *catalog.Job {
	return &catalog.Job{
		Type:    catalog.JobDownloadDesign,
		Payload: fmt.Sprintf(`{"design_id":%d}`, designID),
	}
}

func TestDesignDownload(t *testing.T) {
	f := newDesignFixture(t)
	ctx := context.Background()

	data := []byte("zip-archive-bytes")
	f.client.AddMedia("f1", data)
	design := f.seedDesign(t, []catalog.Attachment{
		{Type: catalog.AttachmentDocument, Filename: "dragon.zip", Ext: "zip",
			Size: int64(len(data)), UpstreamFileID: "f1", IsCandidateDesignFile: true},
		{Type: catalog.AttachmentPhoto, Filename: "photo.jpg", Ext: "jpg",
			Size: 10, UpstreamFileID: "p1"},
	})

	res, err := f.worker.Process(ctx, downloadJob(design.ID), noProgress)
	require.NoError(t, err)
	require.Equal(t, DesignResult{Files: 1, TotalBytes: int64(len(data))}, res)

	// The candidate landed in staging; the photo was not touched.
	staged := filepath.Join(f.paths.StagingDesign(design.ID), "dragon.zip")
	got, err := os.ReadFile(staged)
	require.NoError(t, err)
	require.Equal(t, data, got)

	sha, err := storage.HashFile(staged)
	require.NoError(t, err)
	msgs, err := f.store.ListAttachments(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, catalog.DownloadDownloaded, msgs[0].DownloadStatus)
	require.Equal(t, sha, msgs[0].ContentHash)
	require.Equal(t, catalog.DownloadNone, msgs[1].DownloadStatus)

	files, err := f.store.ListDesignFiles(ctx, design.ID)
	require.NoError(t, err)
	require.Len(t, files, 1)
	require.Equal(t, catalog.FileArchive, files[0].Kind)
	require.Equal(t, sha, files[0].SHA256)

	d, err := f.store.GetDesign(ctx, design.ID)
	require.NoError(t, err)
	require.Equal(t, catalog.DesignDownloaded, d.Status)
	require.Equal(t, int64(len(data)), d.TotalSizeBytes)

	// An archive was downloaded, so extraction runs before library import.
	job, err := f.queue.Dequeue(ctx, []catalog.JobType{catalog.JobExtractArchive})
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, 5, job.Priority)
	require.Equal(t, design.ID, *job.DesignID)
}

func TestDesignDownloadModelGoesStraightToImport(t *testing.T) {
	f := newDesignFixture(t)
	ctx := context.Background()

	data := []byte("solid dragon")
	f.client.AddMedia("f1", data)
	design := f.seedDesign(t, []catalog.Attachment{
		{Type: catalog.AttachmentDocument, Filename: "dragon.stl", Ext: "stl",
			Size: int64(len(data)), UpstreamFileID: "f1", IsCandidateDesignFile: true},
	})

	_, err := f.worker.Process(ctx, downloadJob(design.ID), noProgress)
	require.NoError(t, err)

	job, err := f.queue.Dequeue(ctx, []catalog.JobType{catalog.JobImportToLibrary})
	require.NoError(t, err)
	require.NotNil(t, job)
}

func TestDesignDownloadNoCandidatesFailsPermanently(t *testing.T) {
	f := newDesignFixture(t)
	design := f.seedDesign(t, []catalog.Attachment{
		{Type: catalog.AttachmentPhoto, Filename: "photo.jpg", UpstreamFileID: "p1", Size: 10},
	})

	_, err := f.worker.Process(context.Background(), downloadJob(design.ID), noProgress)
	var nonRetryable *worker.NonRetryableError
	require.ErrorAs(t, err, &nonRetryable)
}

func TestDesignDownloadMissingDesign(t *testing.T) {
	f := newDesignFixture(t)
	_, err := f.worker.Process(context.Background(), downloadJob(999), noProgress)
	require.Error(t, err)
}
