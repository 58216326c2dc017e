package preview

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"goa.design/clue/log"

	"github.com/printvault/printvault/internal/catalog"
	"github.com/printvault/printvault/internal/jobs"
	"github.com/printvault/printvault/internal/ratelimit"
	"github.com/printvault/printvault/internal/telegram"
	"github.com/printvault/printvault/internal/worker"
)

// maxMessagePhotos caps how many photos one message contributes.
const maxMessagePhotos = 10

// ImagesWorker fetches a message's photo attachments as preview assets.
type ImagesWorker struct {
	store   *catalog.Store
	service *Service
	client  telegram.Client
	limiter *ratelimit.Limiter
}

// ImagesResult is stored as the job's result.
type ImagesResult struct {
	Stored  int `json:"stored"`
	Skipped int `json:"skipped,omitempty"`
}

// NewImagesWorker wires the Telegram preview image worker.
func NewImagesWorker(store *catalog.Store, service *Service, client telegram.Client, limiter *ratelimit.Limiter) *ImagesWorker {
	return &ImagesWorker{store: store, service: service, client: client, limiter: limiter}
}

// Name implements worker.Worker.
func (w *ImagesWorker) Name() string { return "telegram-images" }

// Types implements worker.Worker.
func (w *ImagesWorker) Types() []catalog.JobType {
	return []catalog.JobType{catalog.JobDownloadTelegramImages}
}

// Process implements worker.Worker.
func (w *ImagesWorker) Process(ctx context.Context, job *catalog.Job, progress worker.ProgressFunc) (any, error) {
	var p jobs.DownloadTelegramImagesPayload
	if err := json.Unmarshal([]byte(job.Payload), &p); err != nil {
		return nil, worker.NonRetryablef("bad payload: %v", err)
	}
	msg, err := w.store.GetMessage(ctx, p.MessageID)
	if err != nil {
		return nil, worker.NonRetryablef("message %d: %v", p.MessageID, err)
	}
	ch, err := w.store.GetChannel(ctx, msg.ChannelID)
	if err != nil {
		return nil, worker.NonRetryablef("channel %d: %v", msg.ChannelID, err)
	}
	atts, err := w.store.ListAttachments(ctx, msg.ID)
	if err != nil {
		return nil, err
	}
	existing, err := w.store.ListPreviewAssets(ctx, p.DesignID)
	if err != nil {
		return nil, err
	}
	have := make(map[string]bool, len(existing))
	for _, a := range existing {
		if a.UpstreamFileID != "" {
			have[a.UpstreamFileID] = true
		}
	}

	var photos []catalog.Attachment
	for _, a := range atts {
		if a.Type != catalog.AttachmentPhoto || a.UpstreamFileID == "" {
			continue
		}
		if have[a.UpstreamFileID] {
			continue
		}
		have[a.UpstreamFileID] = true
		photos = append(photos, a)
		if len(photos) == maxMessagePhotos {
			break
		}
	}
	if len(photos) == 0 {
		return ImagesResult{}, nil
	}

	entity := "channel:" + ch.PeerID
	stored, skipped := 0, 0
	for i, a := range photos {
		progress(int64(i+1), int64(len(photos)), a.Filename)
		if err := w.limiter.Acquire(ctx, entity); err != nil {
			return nil, worker.RateLimitError(err)
		}
		if err := w.fetchOne(ctx, p.DesignID, entity, a); err != nil {
			var fw *telegram.FloodWaitError
			if errors.As(err, &fw) {
				w.limiter.SetBackoff(entity, fw.Wait())
				return nil, worker.Retryablef("flood wait %ds fetching photos", fw.Seconds)
			}
			// One bad photo does not fail the rest.
			log.Errorf(ctx, err, "fetch photo %s", a.UpstreamFileID)
			skipped++
			continue
		}
		stored++
	}
	if stored > 0 {
		if err := w.service.AutoSelectPrimary(ctx, p.DesignID); err != nil {
			return nil, err
		}
	}
	return ImagesResult{Stored: stored, Skipped: skipped}, nil
}

func (w *ImagesWorker) fetchOne(ctx context.Context, designID int64, entity string, a catalog.Attachment) error {
	tmp, err := os.CreateTemp("", "printvault-photo-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	if _, err := w.client.Download(ctx, a.UpstreamFileID, tmp); err != nil {
		return err
	}
	if _, err := tmp.Seek(0, 0); err != nil {
		return err
	}
	name := a.Filename
	if name == "" {
		name = fmt.Sprintf("photo_%d.jpg", a.ID)
	}
	_, err = w.service.Store(ctx, designID, catalog.PreviewTelegram, name, a.UpstreamFileID, tmp)
	return err
}
