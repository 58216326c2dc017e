package catalog

import (
	"context"

	"gorm.io/gorm"
)

// CreatePreviewAsset inserts a preview row.
func (s *Store) CreatePreviewAsset(ctx context.Context, a *PreviewAsset) error {
	return s.db.WithContext(ctx).Create(a).Error
}

// ListPreviewAssets returns a design's previews in display order.
func (s *Store) ListPreviewAssets(ctx context.Context, designID int64) ([]PreviewAsset, error) {
	var out []PreviewAsset
	err := s.db.WithContext(ctx).Where("design_id = ?", designID).
		Order("is_primary DESC, sort_order, id").Find(&out).Error
	return out, err
}

// CountPreviewAssets returns how many previews a design has.
func (s *Store) CountPreviewAssets(ctx context.Context, designID int64) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&PreviewAsset{}).
		Where("design_id = ?", designID).Count(&n).Error
	return n, err
}

// SetPrimaryPreview makes the given asset the design's primary preview,
// clearing the flag on every other asset in the same transaction.
func (s *Store) SetPrimaryPreview(ctx context.Context, designID, assetID int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&PreviewAsset{}).Where("design_id = ?", designID).
			Update("is_primary", false).Error; err != nil {
			return err
		}
		res := tx.Model(&PreviewAsset{}).
			Where("id = ? AND design_id = ?", assetID, designID).
			Update("is_primary", true)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// DeletePreviewAsset removes one preview row.
func (s *Store) DeletePreviewAsset(ctx context.Context, id int64) error {
	return s.db.WithContext(ctx).Delete(&PreviewAsset{}, id).Error
}
