package catalog

import (
	"context"
	"time"
)

// CreateChannel inserts a new channel.
func (s *Store) CreateChannel(ctx context.Context, ch *Channel) error {
	return s.db.WithContext(ctx).Create(ch).Error
}

// SaveChannel persists all fields of an existing channel.
func (s *Store) SaveChannel(ctx context.Context, ch *Channel) error {
	return s.db.WithContext(ctx).Save(ch).Error
}

// GetChannel loads a channel by id.
func (s *Store) GetChannel(ctx context.Context, id int64) (*Channel, error) {
	var ch Channel
	if err := s.db.WithContext(ctx).First(&ch, id).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &ch, nil
}

// GetChannelByPeerID loads a channel by its stable upstream peer id.
func (s *Store) GetChannelByPeerID(ctx context.Context, peerID string) (*Channel, error) {
	var ch Channel
	err := s.db.WithContext(ctx).Where("peer_id = ?", peerID).First(&ch).Error
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return &ch, nil
}

// GetChannelByUsername loads a channel by username.
func (s *Store) GetChannelByUsername(ctx context.Context, username string) (*Channel, error) {
	var ch Channel
	err := s.db.WithContext(ctx).Where("username = ?", username).First(&ch).Error
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return &ch, nil
}

// ListEnabledChannels returns every enabled channel. The sync service
// subscribes to all of them regardless of download mode.
func (s *Store) ListEnabledChannels(ctx context.Context) ([]Channel, error) {
	var chans []Channel
	err := s.db.WithContext(ctx).Where("enabled = ?", true).Order("id").Find(&chans).Error
	return chans, err
}

// AdvanceChannelCursor records the newest ingested upstream message id. The
// cursor only moves forward; stale writers lose.
func (s *Store) AdvanceChannelCursor(ctx context.Context, channelID, messageID int64) error {
	now := time.Now().UTC()
	return s.db.WithContext(ctx).Model(&Channel{}).
		Where("id = ? AND last_ingested_message_id < ?", channelID, messageID).
		Updates(map[string]any{
			"last_ingested_message_id": messageID,
			"last_sync_at":             now,
		}).Error
}
