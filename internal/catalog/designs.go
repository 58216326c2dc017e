package catalog

import (
	"context"

	"gorm.io/gorm"
)

// CreateDesign inserts a design row.
func (s *Store) CreateDesign(ctx context.Context, d *Design) error {
	return s.db.WithContext(ctx).Create(d).Error
}

// SaveDesign persists all fields of an existing design.
func (s *Store) SaveDesign(ctx context.Context, d *Design) error {
	return s.db.WithContext(ctx).Save(d).Error
}

// GetDesign loads a design by id.
func (s *Store) GetDesign(ctx context.Context, id int64) (*Design, error) {
	var d Design
	if err := s.db.WithContext(ctx).First(&d, id).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &d, nil
}

// UpdateDesignStatus transitions a design's lifecycle state.
func (s *Store) UpdateDesignStatus(ctx context.Context, id int64, status DesignStatus) error {
	return s.db.WithContext(ctx).Model(&Design{}).Where("id = ?", id).
		Update("status", status).Error
}

// CreateDesignSource inserts a design source link.
func (s *Store) CreateDesignSource(ctx context.Context, src *DesignSource) error {
	return s.db.WithContext(ctx).Create(src).Error
}

// ListDesignSources returns a design's sources ordered by rank.
func (s *Store) ListDesignSources(ctx context.Context, designID int64) ([]DesignSource, error) {
	var srcs []DesignSource
	err := s.db.WithContext(ctx).Where("design_id = ?", designID).
		Order("rank, id").Find(&srcs).Error
	return srcs, err
}

// PreferredSource returns the design source used for templating and display:
// the one flagged preferred, or the lowest-ranked one.
func (s *Store) PreferredSource(ctx context.Context, designID int64) (*DesignSource, error) {
	var src DesignSource
	err := s.db.WithContext(ctx).Where("design_id = ?", designID).
		Order("is_preferred DESC, rank, id").First(&src).Error
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return &src, nil
}

// CreateDesignFile inserts a design file row.
func (s *Store) CreateDesignFile(ctx context.Context, f *DesignFile) error {
	return s.db.WithContext(ctx).Create(f).Error
}

// SaveDesignFile persists all fields of an existing design file.
func (s *Store) SaveDesignFile(ctx context.Context, f *DesignFile) error {
	return s.db.WithContext(ctx).Save(f).Error
}

// ListDesignFiles returns every file of a design.
func (s *Store) ListDesignFiles(ctx context.Context, designID int64) ([]DesignFile, error) {
	var files []DesignFile
	err := s.db.WithContext(ctx).Where("design_id = ?", designID).Order("id").Find(&files).Error
	return files, err
}

// FindDesignsByFileHash returns the ids of designs owning a file with the
// given content hash, excluding the one passed in.
func (s *Store) FindDesignsByFileHash(ctx context.Context, sha256 string, excludeDesignID int64) ([]int64, error) {
	var ids []int64
	err := s.db.WithContext(ctx).Model(&DesignFile{}).
		Where("sha256 = ? AND design_id <> ?", sha256, excludeDesignID).
		Distinct().Pluck("design_id", &ids).Error
	return ids, err
}

// RecomputeDesignSize refreshes a design's total byte count from its files.
func (s *Store) RecomputeDesignSize(ctx context.Context, designID int64) error {
	var total int64
	err := s.db.WithContext(ctx).Model(&DesignFile{}).
		Where("design_id = ?", designID).
		Select("COALESCE(SUM(size_bytes),0)").Scan(&total).Error
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Model(&Design{}).Where("id = ?", designID).
		Update("total_size_bytes", total).Error
}

// DeleteDesign removes a design and cascades to its files, sources, previews,
// tags, duplicate candidates and external metadata. ImportRecords pointing at
// it are left for the cleanup loop to reset to pending.
func (s *Store) DeleteDesign(ctx context.Context, id int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, del := range []error{
			tx.Where("design_id = ?", id).Delete(&DesignFile{}).Error,
			tx.Where("design_id = ?", id).Delete(&DesignSource{}).Error,
			tx.Where("design_id = ?", id).Delete(&PreviewAsset{}).Error,
			tx.Where("design_id = ?", id).Delete(&DesignTag{}).Error,
			tx.Where("design_id = ?", id).Delete(&ExternalMetadataSource{}).Error,
			tx.Where("design_a_id = ? OR design_b_id = ?", id, id).Delete(&DuplicateCandidate{}).Error,
			tx.Delete(&Design{}, id).Error,
		} {
			if del != nil {
				return del
			}
		}
		return nil
	})
}

// ListDesignIDs returns the ids of all non-deleted designs. The staging
// cleanup pass uses this to find orphan directories.
func (s *Store) ListDesignIDs(ctx context.Context) ([]int64, error) {
	var ids []int64
	err := s.db.WithContext(ctx).Model(&Design{}).
		Where("status <> ?", DesignDeleted).Pluck("id", &ids).Error
	return ids, err
}
