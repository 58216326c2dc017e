package catalog

import "context"

// EnsureTag returns the tag with the given name, creating it if missing.
func (s *Store) EnsureTag(ctx context.Context, name string) (*Tag, error) {
	var t Tag
	err := s.db.WithContext(ctx).Where("name = ?", name).First(&t).Error
	if err == nil {
		return &t, nil
	}
	if wrapNotFound(err) != ErrNotFound {
		return nil, err
	}
	t = Tag{Name: name}
	if err := s.db.WithContext(ctx).Create(&t).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

// AttachTag links a tag to a design, ignoring an existing link.
func (s *Store) AttachTag(ctx context.Context, designID, tagID int64, source TagSource) error {
	var existing DesignTag
	err := s.db.WithContext(ctx).
		Where("design_id = ? AND tag_id = ?", designID, tagID).First(&existing).Error
	if err == nil {
		return nil
	}
	if wrapNotFound(err) != ErrNotFound {
		return err
	}
	return s.db.WithContext(ctx).Create(&DesignTag{
		DesignID: designID, TagID: tagID, Source: source,
	}).Error
}

// HasAutoAITags reports whether a design already carries AI-generated tags.
func (s *Store) HasAutoAITags(ctx context.Context, designID int64) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&DesignTag{}).
		Where("design_id = ? AND source = ?", designID, TagAutoAI).Count(&n).Error
	return n > 0, err
}

// TopTags returns up to limit tag names ordered by usage. The AI tagger feeds
// these into its prompt so generated tags converge on the existing taxonomy.
func (s *Store) TopTags(ctx context.Context, limit int) ([]string, error) {
	var names []string
	err := s.db.WithContext(ctx).Model(&DesignTag{}).
		Joins("JOIN tags ON tags.id = design_tags.tag_id").
		Group("tags.name").
		Order("COUNT(design_tags.id) DESC").
		Limit(limit).
		Pluck("tags.name", &names).Error
	return names, err
}
