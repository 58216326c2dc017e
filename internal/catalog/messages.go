package catalog

import "context"

// CreateMessage inserts a message row.
func (s *Store) CreateMessage(ctx context.Context, m *Message) error {
	return s.db.WithContext(ctx).Create(m).Error
}

// GetMessage loads a message by id.
func (s *Store) GetMessage(ctx context.Context, id int64) (*Message, error) {
	var m Message
	if err := s.db.WithContext(ctx).First(&m, id).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &m, nil
}

// GetMessageByUpstream loads a message by its (channel, upstream id) key.
// Ingest uses this for idempotency.
func (s *Store) GetMessageByUpstream(ctx context.Context, channelID, upstreamID int64) (*Message, error) {
	var m Message
	err := s.db.WithContext(ctx).
		Where("channel_id = ? AND upstream_message_id = ?", channelID, upstreamID).
		First(&m).Error
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return &m, nil
}

// CreateAttachments inserts the attachments of a message in one batch.
func (s *Store) CreateAttachments(ctx context.Context, atts []Attachment) error {
	if len(atts) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Create(&atts).Error
}

// ListAttachments returns the attachments of a message in insertion order.
func (s *Store) ListAttachments(ctx context.Context, messageID int64) ([]Attachment, error) {
	var atts []Attachment
	err := s.db.WithContext(ctx).Where("message_id = ?", messageID).Order("id").Find(&atts).Error
	return atts, err
}

// UpdateAttachment persists attachment download state.
func (s *Store) UpdateAttachment(ctx context.Context, a *Attachment) error {
	return s.db.WithContext(ctx).Save(a).Error
}
