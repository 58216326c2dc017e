// Package ingest turns upstream chat messages into catalog rows: idempotent
// message and attachment persistence, design creation for messages carrying
// printable files, external platform link extraction and referenced-channel
// discovery.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"goa.design/clue/log"

	"github.com/printvault/printvault/internal/catalog"
	"github.com/printvault/printvault/internal/events"
	"github.com/printvault/printvault/internal/jobs"
	"github.com/printvault/printvault/internal/profile"
	"github.com/printvault/printvault/internal/telegram"
)

// Service implements telegram.Ingestor.
type Service struct {
	store *catalog.Store
	queue *jobs.Queue
	bus   events.Bus

	modelExt   map[string]bool
	archiveExt map[string]bool
}

// NewService wires the ingest service. The bus may be nil in tests.
func NewService(store *catalog.Store, queue *jobs.Queue, bus events.Bus) *Service {
	return &Service{
		store:      store,
		queue:      queue,
		bus:        bus,
		modelExt:   extSet(profile.DefaultModelExtensions()),
		archiveExt: extSet(profile.DefaultArchiveExtensions()),
	}
}

func extSet(exts []string) map[string]bool {
	m := make(map[string]bool, len(exts))
	for _, e := range exts {
		m[e] = true
	}
	return m
}

// IngestMessage persists one upstream message. Ingestion is idempotent per
// (channel, upstream message id): a message seen before is returned as-is
// with Created false and no side effects.
func (s *Service) IngestMessage(ctx context.Context, ch *catalog.Channel, peer telegram.Peer, msg telegram.RemoteMessage) (*telegram.IngestResult, error) {
	existing, err := s.store.GetMessageByUpstream(ctx, ch.ID, msg.ID)
	if err == nil {
		return &telegram.IngestResult{Message: existing, Created: false}, nil
	}
	if !errors.Is(err, catalog.ErrNotFound) {
		return nil, err
	}

	row := &catalog.Message{
		ChannelID:         ch.ID,
		UpstreamMessageID: msg.ID,
		Caption:           msg.Text,
		CaptionNormalized: NormalizeCaption(msg.Text),
		Author:            msg.Author,
		PostedAt:          msg.PostedAt,
	}
	if fw := msg.ForwardFrom; fw != nil {
		row.ForwardFromPeerID = fw.ID
		row.ForwardFromTitle = fw.Title
		row.ForwardFromUsername = fw.Username
	}
	if err := s.store.CreateMessage(ctx, row); err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}

	atts, hasPhotos := s.buildAttachments(row.ID, msg)
	if err := s.store.CreateAttachments(ctx, atts); err != nil {
		return nil, fmt.Errorf("create attachments: %w", err)
	}

	res := &telegram.IngestResult{Message: row, Created: true}
	candidates := candidateAttachments(atts)
	if len(candidates) > 0 {
		design, err := s.createDesign(ctx, ch, row, msg, candidates)
		if err != nil {
			return nil, err
		}
		res.Design = design
		if hasPhotos {
			s.enqueueImageFetch(ctx, design.ID, row.ID, design.Title)
		}
	}

	s.discover(ctx, msg)
	return res, nil
}

// buildAttachments classifies the message media. Documents with a model or
// archive extension are flagged as candidate design files.
func (s *Service) buildAttachments(messageID int64, msg telegram.RemoteMessage) ([]catalog.Attachment, bool) {
	atts := make([]catalog.Attachment, 0, len(msg.Attachments))
	hasPhotos := false
	for _, a := range msg.Attachments {
		ext := strings.ToLower(strings.TrimPrefix(path.Ext(a.Filename), "."))
		typ := a.Type
		if typ == "" {
			typ = classifyAttachment(a.MimeType)
		}
		if typ == catalog.AttachmentPhoto {
			hasPhotos = true
		}
		atts = append(atts, catalog.Attachment{
			MessageID:             messageID,
			Type:                  typ,
			Filename:              a.Filename,
			Ext:                   ext,
			Size:                  a.Size,
			MimeType:              a.MimeType,
			UpstreamFileID:        a.FileID,
			IsCandidateDesignFile: typ == catalog.AttachmentDocument && (s.modelExt[ext] || s.archiveExt[ext]),
			DownloadStatus:        catalog.DownloadNone,
		})
	}
	return atts, hasPhotos
}

func classifyAttachment(mimeType string) catalog.AttachmentType {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return catalog.AttachmentPhoto
	case strings.HasPrefix(mimeType, "video/"):
		return catalog.AttachmentVideo
	case mimeType != "":
		return catalog.AttachmentDocument
	default:
		return catalog.AttachmentOther
	}
}

func candidateAttachments(atts []catalog.Attachment) []catalog.Attachment {
	var out []catalog.Attachment
	for _, a := range atts {
		if a.IsCandidateDesignFile {
			out = append(out, a)
		}
	}
	return out
}

// createDesign builds the design row for a message with candidate files,
// links it to the message and records any recognised platform URLs.
func (s *Service) createDesign(ctx context.Context, ch *catalog.Channel, row *catalog.Message, msg telegram.RemoteMessage, candidates []catalog.Attachment) (*catalog.Design, error) {
	var total int64
	extSeen := map[string]bool{}
	var exts []string
	for _, a := range candidates {
		total += a.Size
		if a.Ext != "" && !extSeen[a.Ext] {
			extSeen[a.Ext] = true
			exts = append(exts, a.Ext)
		}
	}
	sort.Strings(exts)

	design := &catalog.Design{
		Title:            ExtractTitle(msg.Text, candidates[0].Filename, msg.PostedAt),
		Designer:         ch.Title,
		Authority:        catalog.AuthorityIngest,
		Status:           catalog.DesignDiscovered,
		TotalSizeBytes:   total,
		PrimaryFileTypes: strings.Join(exts, ","),
	}
	if err := s.store.CreateDesign(ctx, design); err != nil {
		return nil, fmt.Errorf("create design: %w", err)
	}
	src := &catalog.DesignSource{DesignID: design.ID, MessageID: &row.ID, Rank: 1, IsPreferred: true}
	if err := s.store.CreateDesignSource(ctx, src); err != nil {
		return nil, fmt.Errorf("create design source: %w", err)
	}

	for _, link := range ExtractExternalLinks(msg.Text) {
		m := &catalog.ExternalMetadataSource{
			DesignID:    design.ID,
			Type:        link.Type,
			ExternalID:  link.ExternalID,
			URL:         link.URL,
			Confidence:  1.0,
			MatchMethod: "link",
		}
		if err := s.store.UpsertExternalMetadata(ctx, m); err != nil {
			log.Errorf(ctx, err, "record external link %s:%s", link.Type, link.ExternalID)
		}
	}

	if s.bus != nil {
		s.bus.Publish(events.New(events.EventDesignChanged, events.DesignPayload{
			DesignID: design.ID,
			Status:   string(design.Status),
		}))
	}
	return design, nil
}

func (s *Service) enqueueImageFetch(ctx context.Context, designID, messageID int64, title string) {
	_, err := s.queue.Enqueue(ctx, catalog.JobDownloadTelegramImages, jobs.EnqueueOptions{
		DesignID:    &designID,
		Payload:     jobs.DownloadTelegramImagesPayload{DesignID: designID, MessageID: messageID},
		DisplayName: title,
	})
	if err != nil {
		log.Errorf(ctx, err, "enqueue image fetch for design %d", designID)
	}
}

// discover records references to unmonitored channels. References matching a
// channel that is already monitored are dropped.
func (s *Service) discover(ctx context.Context, msg telegram.RemoteMessage) {
	for _, ref := range DiscoverRefs(msg) {
		if s.isMonitored(ctx, ref) {
			continue
		}
		if _, err := s.store.UpsertDiscoveredChannel(ctx, ref); err != nil {
			log.Errorf(ctx, err, "record discovered channel")
			continue
		}
		if s.bus != nil {
			s.bus.Publish(events.New(events.EventChannelDiscovered, events.DiscoveredPayload{
				Username:   ref.Username,
				PeerID:     ref.PeerID,
				InviteHash: ref.InviteHash,
				SourceType: string(ref.SourceType),
			}))
		}
	}
}

func (s *Service) isMonitored(ctx context.Context, ref catalog.DiscoveredRef) bool {
	if ref.PeerID != "" {
		if _, err := s.store.GetChannelByPeerID(ctx, ref.PeerID); err == nil {
			return true
		}
	}
	if ref.Username != "" {
		if _, err := s.store.GetChannelByUsername(ctx, ref.Username); err == nil {
			return true
		}
	}
	return false
}
