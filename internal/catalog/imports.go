package catalog

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// CreateImportSource inserts a user-declared feed.
func (s *Store) CreateImportSource(ctx context.Context, src *ImportSource) error {
	return s.db.WithContext(ctx).Create(src).Error
}

// SaveImportSource persists all fields of an import source.
func (s *Store) SaveImportSource(ctx context.Context, src *ImportSource) error {
	return s.db.WithContext(ctx).Save(src).Error
}

// GetImportSource loads an import source by id.
func (s *Store) GetImportSource(ctx context.Context, id int64) (*ImportSource, error) {
	var src ImportSource
	if err := s.db.WithContext(ctx).First(&src, id).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &src, nil
}

// GetImportSources bulk-loads import sources by id in a single query.
func (s *Store) GetImportSources(ctx context.Context, ids []int64) (map[int64]*ImportSource, error) {
	var srcs []ImportSource
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&srcs).Error; err != nil {
		return nil, err
	}
	out := make(map[int64]*ImportSource, len(srcs))
	for i := range srcs {
		out[srcs[i].ID] = &srcs[i]
	}
	return out, nil
}

// ListImportSources returns every import source.
func (s *Store) ListImportSources(ctx context.Context) ([]ImportSource, error) {
	var srcs []ImportSource
	err := s.db.WithContext(ctx).Order("id").Find(&srcs).Error
	return srcs, err
}

// ListDueImportSources returns enabled, active sources whose last sync is
// older than their sync interval.
func (s *Store) ListDueImportSources(ctx context.Context, now time.Time) ([]ImportSource, error) {
	var srcs []ImportSource
	err := s.db.WithContext(ctx).
		Where("sync_enabled = ? AND status = ?", true, SourceActive).
		Find(&srcs).Error
	if err != nil {
		return nil, err
	}
	due := srcs[:0]
	for _, src := range srcs {
		if src.LastSyncAt == nil {
			due = append(due, src)
			continue
		}
		interval := time.Duration(src.SyncIntervalHours * float64(time.Hour))
		if src.LastSyncAt.Add(interval).Before(now) {
			due = append(due, src)
		}
	}
	return due, nil
}

// DeleteImportSource removes a source and its records in one transaction.
// Designs already created from those records survive.
func (s *Store) DeleteImportSource(ctx context.Context, id int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("source_id = ?", id).Delete(&ImportRecord{}).Error; err != nil {
			return err
		}
		return tx.Delete(&ImportSource{}, id).Error
	})
}

// GetImportRecord loads an import record by id.
func (s *Store) GetImportRecord(ctx context.Context, id int64) (*ImportRecord, error) {
	var rec ImportRecord
	if err := s.db.WithContext(ctx).First(&rec, id).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &rec, nil
}

// SaveImportRecord persists all fields of an import record.
func (s *Store) SaveImportRecord(ctx context.Context, rec *ImportRecord) error {
	return s.db.WithContext(ctx).Save(rec).Error
}

// ListImportRecords returns a source's records ordered by path.
func (s *Store) ListImportRecords(ctx context.Context, sourceID int64) ([]ImportRecord, error) {
	var recs []ImportRecord
	err := s.db.WithContext(ctx).Where("source_id = ?", sourceID).
		Order("source_path").Find(&recs).Error
	return recs, err
}

// UpsertImportRecord creates or refreshes a record keyed by (source, path).
// A changed fingerprint on an already-imported record flips it back to
// pending so the next sync picks it up again.
func (s *Store) UpsertImportRecord(ctx context.Context, rec *ImportRecord) error {
	var existing ImportRecord
	err := s.db.WithContext(ctx).
		Where("source_id = ? AND source_path = ?", rec.SourceID, rec.SourcePath).
		First(&existing).Error
	if err != nil {
		if wrapNotFound(err) != ErrNotFound {
			return err
		}
		rec.Status = RecordPending
		return s.db.WithContext(ctx).Create(rec).Error
	}
	existing.DetectedTitle = rec.DetectedTitle
	existing.DetectedDesigner = rec.DetectedDesigner
	existing.SizeBytes = rec.SizeBytes
	existing.FileManifest = rec.FileManifest
	existing.ModifiedAt = rec.ModifiedAt
	existing.DriveFolderID = rec.DriveFolderID
	if existing.Fingerprint != rec.Fingerprint {
		existing.Fingerprint = rec.Fingerprint
		if existing.Status == RecordImported {
			existing.Status = RecordPending
		}
	}
	if err := s.db.WithContext(ctx).Save(&existing).Error; err != nil {
		return err
	}
	*rec = existing
	return nil
}

// ResetOrphanedImportRecords flips records whose design no longer exists back
// to pending and returns how many were reset.
func (s *Store) ResetOrphanedImportRecords(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Model(&ImportRecord{}).
		Where("design_id IS NOT NULL AND design_id NOT IN (?)",
			s.db.Model(&Design{}).Select("id")).
		Updates(map[string]any{
			"design_id": nil,
			"status":    RecordPending,
		})
	return res.RowsAffected, res.Error
}
