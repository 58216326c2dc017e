package catalog

import (
	"context"
	"time"
)

type (
	// DashboardStats is the headline-number answer for the dashboard.
	DashboardStats struct {
		TotalDesigns      int64                  `json:"total_designs"`
		DesignsByStatus   map[DesignStatus]int64 `json:"designs_by_status"`
		Channels          int64                  `json:"channels"`
		EnabledChannels   int64                  `json:"enabled_channels"`
		Messages          int64                  `json:"messages"`
		PendingDuplicates int64                  `json:"pending_duplicates"`
		LibraryBytes      int64                  `json:"library_bytes"`
	}

	// CalendarBucket is one day's design intake.
	CalendarBucket struct {
		Date  string `json:"date"` // 2006-01-02
		Count int64  `json:"count"`
	}

	// StorageStats breaks stored bytes down by file kind.
	StorageStats struct {
		TotalBytes  int64              `json:"total_bytes"`
		FileCount   int64              `json:"file_count"`
		BytesByKind map[FileKind]int64 `json:"bytes_by_kind"`
	}
)

// GetDashboardStats computes the dashboard headline numbers.
func (s *Store) GetDashboardStats(ctx context.Context) (DashboardStats, error) {
	st := DashboardStats{DesignsByStatus: map[DesignStatus]int64{}}
	q := s.db.WithContext(ctx)

	var rows []struct {
		Status DesignStatus
		N      int64
	}
	err := q.Model(&Design{}).Select("status, COUNT(*) AS n").
		Where("status <> ?", DesignDeleted).Group("status").Scan(&rows).Error
	if err != nil {
		return st, err
	}
	for _, r := range rows {
		st.DesignsByStatus[r.Status] = r.N
		st.TotalDesigns += r.N
	}
	if err := q.Model(&Channel{}).Count(&st.Channels).Error; err != nil {
		return st, err
	}
	if err := q.Model(&Channel{}).Where("enabled").Count(&st.EnabledChannels).Error; err != nil {
		return st, err
	}
	if err := q.Model(&Message{}).Count(&st.Messages).Error; err != nil {
		return st, err
	}
	if err := q.Model(&DuplicateCandidate{}).Where("status = ?", DuplicatePending).
		Count(&st.PendingDuplicates).Error; err != nil {
		return st, err
	}
	err = q.Model(&Design{}).Where("status <> ?", DesignDeleted).
		Select("COALESCE(SUM(total_size_bytes),0)").Scan(&st.LibraryBytes).Error
	return st, err
}

// GetDesignCalendar buckets design creation per day over the trailing window.
func (s *Store) GetDesignCalendar(ctx context.Context, days int) ([]CalendarBucket, error) {
	if days <= 0 {
		days = 30
	}
	since := time.Now().UTC().AddDate(0, 0, -days)
	var out []CalendarBucket
	err := s.db.WithContext(ctx).Model(&Design{}).
		Select("DATE(created_at) AS date, COUNT(*) AS count").
		Where("created_at >= ? AND status <> ?", since, DesignDeleted).
		Group("DATE(created_at)").Order("date").Scan(&out).Error
	return out, err
}

// GetStorageStats aggregates the design-file footprint.
func (s *Store) GetStorageStats(ctx context.Context) (StorageStats, error) {
	st := StorageStats{BytesByKind: map[FileKind]int64{}}
	var rows []struct {
		Kind  FileKind
		Bytes int64
		N     int64
	}
	err := s.db.WithContext(ctx).Model(&DesignFile{}).
		Select("kind, COALESCE(SUM(size_bytes),0) AS bytes, COUNT(*) AS n").
		Group("kind").Scan(&rows).Error
	if err != nil {
		return st, err
	}
	for _, r := range rows {
		st.BytesByKind[r.Kind] = r.Bytes
		st.TotalBytes += r.Bytes
		st.FileCount += r.N
	}
	return st, nil
}
