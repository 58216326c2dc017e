package catalog

import "context"

// CreateDuplicateCandidate records a scored design pair.
func (s *Store) CreateDuplicateCandidate(ctx context.Context, c *DuplicateCandidate) error {
	return s.db.WithContext(ctx).Create(c).Error
}

// ListPendingDuplicates returns candidates awaiting user review.
func (s *Store) ListPendingDuplicates(ctx context.Context) ([]DuplicateCandidate, error) {
	var out []DuplicateCandidate
	err := s.db.WithContext(ctx).Where("status = ?", DuplicatePending).
		Order("confidence DESC, id").Find(&out).Error
	return out, err
}

// UpdateDuplicateStatus resolves a candidate.
func (s *Store) UpdateDuplicateStatus(ctx context.Context, id int64, status DuplicateStatus) error {
	return s.db.WithContext(ctx).Model(&DuplicateCandidate{}).Where("id = ?", id).
		Update("status", status).Error
}

// UpsertExternalMetadata creates or refreshes an external platform link keyed
// by (design, type, external id).
func (s *Store) UpsertExternalMetadata(ctx context.Context, m *ExternalMetadataSource) error {
	var existing ExternalMetadataSource
	err := s.db.WithContext(ctx).
		Where("design_id = ? AND type = ? AND external_id = ?", m.DesignID, m.Type, m.ExternalID).
		First(&existing).Error
	if err != nil {
		if wrapNotFound(err) != ErrNotFound {
			return err
		}
		return s.db.WithContext(ctx).Create(m).Error
	}
	existing.URL = m.URL
	existing.Confidence = m.Confidence
	existing.MatchMethod = m.MatchMethod
	if m.FetchedTitle != "" {
		existing.FetchedTitle = m.FetchedTitle
	}
	if m.FetchedDesigner != "" {
		existing.FetchedDesigner = m.FetchedDesigner
	}
	if m.FetchedTags != "" {
		existing.FetchedTags = m.FetchedTags
	}
	if err := s.db.WithContext(ctx).Save(&existing).Error; err != nil {
		return err
	}
	*m = existing
	return nil
}

// ListExternalMetadata returns a design's external platform links.
func (s *Store) ListExternalMetadata(ctx context.Context, designID int64) ([]ExternalMetadataSource, error) {
	var out []ExternalMetadataSource
	err := s.db.WithContext(ctx).Where("design_id = ?", designID).Order("id").Find(&out).Error
	return out, err
}

// FindDesignsByExternalID returns design ids sharing an external platform
// record, excluding the given design.
func (s *Store) FindDesignsByExternalID(ctx context.Context, typ, externalID string, excludeDesignID int64) ([]int64, error) {
	var ids []int64
	err := s.db.WithContext(ctx).Model(&ExternalMetadataSource{}).
		Where("type = ? AND external_id = ? AND design_id <> ?", typ, externalID, excludeDesignID).
		Distinct().Pluck("design_id", &ids).Error
	return ids, err
}

// ReassignDesignChildren moves sources, external metadata and tags from one
// design to another. Used by the duplicate engine's merge.
func (s *Store) ReassignDesignChildren(ctx context.Context, fromID, toID int64) error {
	q := s.db.WithContext(ctx)
	if err := q.Model(&DesignSource{}).Where("design_id = ?", fromID).
		Update("design_id", toID).Error; err != nil {
		return err
	}
	if err := q.Model(&ExternalMetadataSource{}).Where("design_id = ?", fromID).
		Update("design_id", toID).Error; err != nil {
		return err
	}
	// Tags the target already carries would violate the unique pair index;
	// move only the missing ones and drop the rest.
	err := q.Model(&DesignTag{}).
		Where("design_id = ? AND tag_id NOT IN (?)", fromID,
			s.db.Model(&DesignTag{}).Select("tag_id").Where("design_id = ?", toID)).
		Update("design_id", toID).Error
	if err != nil {
		return err
	}
	return q.Where("design_id = ?", fromID).Delete(&DesignTag{}).Error
}
