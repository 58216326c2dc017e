package telegram

import (
	"context"
	"errors"
	"fmt"
	"time"

	"goa.design/clue/log"

	"github.com/printvault/printvault/internal/catalog"
	"github.com/printvault/printvault/internal/jobs"
	"github.com/printvault/printvault/internal/ratelimit"
	"github.com/printvault/printvault/internal/settings"
)

type (
	// IngestResult is what the ingest layer reports for one message.
	IngestResult struct {
		// Message is the stored row (existing when the message was seen
		// before).
		Message *catalog.Message
		// Design is set when the message carried candidate design files.
		Design *catalog.Design
		// Created reports whether the message was newly ingested.
		Created bool
	}

	// Ingestor turns upstream messages into catalog rows. Implemented by the
	// ingest package; declared here so the sync service stays decoupled from
	// it.
	Ingestor interface {
		IngestMessage(ctx context.Context, ch *catalog.Channel, peer Peer, msg RemoteMessage) (*IngestResult, error)
	}

	// SyncService keeps monitored channels current: a realtime subscription
	// for new messages plus a periodic catch-up sweep that closes any gap the
	// subscription missed (downtime, flood waits).
	SyncService struct {
		client   Client
		store    *catalog.Store
		queue    *jobs.Queue
		ingest   Ingestor
		limiter  *ratelimit.Limiter
		settings *settings.Service
	}
)

// NewSyncService wires the sync service.
func NewSyncService(client Client, store *catalog.Store, queue *jobs.Queue, ingest Ingestor, limiter *ratelimit.Limiter, svc *settings.Service) *SyncService {
	return &SyncService{
		client:   client,
		store:    store,
		queue:    queue,
		ingest:   ingest,
		limiter:  limiter,
		settings: svc,
	}
}

// Run blocks until ctx is canceled. While the session is unauthenticated it
// idles on the poll interval; once authenticated it subscribes for realtime
// messages and sweeps every enabled channel each poll cycle.
func (s *SyncService) Run(ctx context.Context) error {
	ctx = log.With(ctx, log.KV{K: "svc", V: "telegram-sync"})
	if err := s.client.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer s.client.Disconnect(context.WithoutCancel(ctx))

	var cancelSub func()
	defer func() {
		if cancelSub != nil {
			cancelSub()
		}
	}()
	for {
		interval := s.pollInterval(ctx)
		ok, err := s.client.IsAuthenticated(ctx)
		if err != nil {
			log.Errorf(ctx, err, "auth check failed")
		}
		if ok {
			if cancelSub == nil {
				cancelSub = s.client.OnNewMessage(func(peer Peer, msg RemoteMessage) {
					s.handleRealtime(ctx, peer, msg)
				})
				log.Printf(ctx, "realtime subscription active")
			}
			s.CatchUpAll(ctx)
		} else if cancelSub != nil {
			cancelSub()
			cancelSub = nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// CatchUpAll sweeps every enabled channel once.
func (s *SyncService) CatchUpAll(ctx context.Context) {
	s.applyLimits(ctx)
	chans, err := s.store.ListEnabledChannels(ctx)
	if err != nil {
		log.Errorf(ctx, err, "list channels failed")
		return
	}
	for i := range chans {
		if ctx.Err() != nil {
			return
		}
		if err := s.CatchUp(ctx, &chans[i]); err != nil {
			log.Errorf(ctx, err, "catch-up failed for channel %s", chans[i].PeerID)
		}
	}
}

// CatchUp pulls the channel's history forward from its cursor in batches
// until no messages remain. A flood wait records a backoff for the channel
// and ends the sweep early; the next cycle resumes from the cursor.
func (s *SyncService) CatchUp(ctx context.Context, ch *catalog.Channel) error {
	batch := s.batchSize(ctx)
	entity := "channel:" + ch.PeerID
	minID := ch.LastIngestedMessageID
	for {
		if err := s.limiter.Acquire(ctx, entity); err != nil {
			var ex *ratelimit.ExceededError
			if errors.As(err, &ex) {
				log.Debugf(ctx, "channel %s in backoff for %s, skipping", ch.PeerID, ex.RetryAfter)
				return nil
			}
			return err
		}
		msgs, err := s.client.History(ctx, ch.PeerID, minID, batch)
		if err != nil {
			var fw *FloodWaitError
			if errors.As(err, &fw) {
				log.Printf(ctx, "flood wait %ds on channel %s", fw.Seconds, ch.PeerID)
				s.limiter.SetBackoff(entity, fw.Wait())
				return nil
			}
			return fmt.Errorf("history %s: %w", ch.PeerID, err)
		}
		if len(msgs) == 0 {
			return nil
		}
		peer := Peer{ID: ch.PeerID, Username: ch.Username, Title: ch.Title}
		for _, msg := range msgs {
			if err := s.handleMessage(ctx, ch, peer, msg); err != nil {
				log.Errorf(ctx, err, "ingest failed for message %d in %s", msg.ID, ch.PeerID)
			}
			if msg.ID > minID {
				minID = msg.ID
			}
		}
		if err := s.store.AdvanceChannelCursor(ctx, ch.ID, minID); err != nil {
			return fmt.Errorf("advance cursor: %w", err)
		}
		if len(msgs) < batch {
			return nil
		}
	}
}

// handleRealtime ingests one pushed message when it belongs to an enabled
// channel.
func (s *SyncService) handleRealtime(ctx context.Context, peer Peer, msg RemoteMessage) {
	ch, err := s.store.GetChannelByPeerID(ctx, peer.ID)
	if err != nil {
		if !errors.Is(err, catalog.ErrNotFound) {
			log.Errorf(ctx, err, "channel lookup failed for peer %s", peer.ID)
		}
		return
	}
	if !ch.Enabled {
		return
	}
	if err := s.handleMessage(ctx, ch, peer, msg); err != nil {
		log.Errorf(ctx, err, "realtime ingest failed for message %d in %s", msg.ID, peer.ID)
		return
	}
	if err := s.store.AdvanceChannelCursor(ctx, ch.ID, msg.ID); err != nil {
		log.Errorf(ctx, err, "advance cursor failed")
	}
}

func (s *SyncService) handleMessage(ctx context.Context, ch *catalog.Channel, peer Peer, msg RemoteMessage) error {
	res, err := s.ingest.IngestMessage(ctx, ch, peer, msg)
	if err != nil {
		return err
	}
	if res == nil || !res.Created || res.Design == nil {
		return nil
	}
	return s.maybeEnqueueDownload(ctx, ch, res.Design)
}

// maybeEnqueueDownload applies the channel's download mode to a newly
// ingested design: download_all queues everything, download_all_new only
// designs ingested after the mode was switched on.
func (s *SyncService) maybeEnqueueDownload(ctx context.Context, ch *catalog.Channel, d *catalog.Design) error {
	switch ch.DownloadMode {
	case catalog.ModeDownloadAll:
	case catalog.ModeDownloadAllNew:
		if ch.DownloadModeEnabledAt == nil || !d.CreatedAt.After(*ch.DownloadModeEnabledAt) {
			return nil
		}
	default:
		return nil
	}
	if err := s.store.UpdateDesignStatus(ctx, d.ID, catalog.DesignWanted); err != nil {
		return err
	}
	_, err := s.queue.Enqueue(ctx, catalog.JobDownloadDesign, jobs.EnqueueOptions{
		DesignID:    &d.ID,
		ChannelID:   &ch.ID,
		Payload:     jobs.DownloadDesignPayload{DesignID: d.ID},
		Priority:    5,
		DisplayName: d.Title,
	})
	if err != nil {
		return fmt.Errorf("enqueue download for design %d: %w", d.ID, err)
	}
	log.Debugf(ctx, "auto-queued download for design %d (%s)", d.ID, ch.DownloadMode)
	return nil
}

// applyLimits pushes the current rate-limit settings into the limiter so
// setting changes take effect without a restart.
func (s *SyncService) applyLimits(ctx context.Context) {
	if rpm, err := s.settings.Int(ctx, settings.KeyTelegramRateLimitRPM); err == nil {
		s.limiter.SetRPM(rpm)
	}
}

func (s *SyncService) pollInterval(ctx context.Context) time.Duration {
	secs, err := s.settings.Int(ctx, settings.KeySyncPollInterval)
	if err != nil || secs <= 0 {
		secs = 300
	}
	return time.Duration(secs) * time.Second
}

func (s *SyncService) batchSize(ctx context.Context) int {
	n, err := s.settings.Int(ctx, settings.KeySyncBatchSize)
	if err != nil || n <= 0 {
		n = 100
	}
	return n
}
