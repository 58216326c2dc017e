package catalog

import (
	"context"
	"sort"
	"strings"
	"time"
)

// DiscoveredRef identifies an upstream source referenced by ingested content.
// At least one of PeerID, Username, InviteHash must be set.
type DiscoveredRef struct {
	PeerID     string
	Username   string
	InviteHash string
	Title      string
	SourceType DiscoverySourceType
}

// UpsertDiscoveredChannel records a reference to an unmonitored channel. An
// existing row (matched by peer id, username or invite hash) gets its
// reference count bumped and its source-type set unioned; otherwise a new row
// is inserted with count 1.
func (s *Store) UpsertDiscoveredChannel(ctx context.Context, ref DiscoveredRef) (*DiscoveredChannel, error) {
	now := time.Now().UTC()
	q := s.db.WithContext(ctx)
	var dc DiscoveredChannel
	var err error
	switch {
	case ref.PeerID != "":
		err = q.Where("peer_id = ?", ref.PeerID).First(&dc).Error
	case ref.Username != "":
		err = q.Where("username = ?", ref.Username).First(&dc).Error
	case ref.InviteHash != "":
		err = q.Where("invite_hash = ?", ref.InviteHash).First(&dc).Error
	default:
		return nil, ErrNotFound
	}
	if err != nil {
		if wrapNotFound(err) != ErrNotFound {
			return nil, err
		}
		dc = DiscoveredChannel{
			PeerID:         ref.PeerID,
			Username:       ref.Username,
			InviteHash:     ref.InviteHash,
			Title:          ref.Title,
			ReferenceCount: 1,
			SourceTypes:    string(ref.SourceType),
			FirstSeenAt:    now,
			LastSeenAt:     now,
		}
		if err := q.Create(&dc).Error; err != nil {
			return nil, err
		}
		return &dc, nil
	}
	dc.ReferenceCount++
	dc.LastSeenAt = now
	if dc.Title == "" {
		dc.Title = ref.Title
	}
	dc.SourceTypes = unionTypes(dc.SourceTypes, string(ref.SourceType))
	if err := q.Save(&dc).Error; err != nil {
		return nil, err
	}
	return &dc, nil
}

func unionTypes(existing, add string) string {
	seen := map[string]bool{}
	var out []string
	for _, t := range strings.Split(existing, ",") {
		t = strings.TrimSpace(t)
		if t != "" && !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	if add != "" && !seen[add] {
		out = append(out, add)
	}
	sort.Strings(out)
	return strings.Join(out, ",")
}

// DiscoveredSort enumerates the list orderings the REST surface supports.
type DiscoveredSort string

const (
	SortByReferences DiscoveredSort = "reference_count"
	SortByLastSeen   DiscoveredSort = "last_seen"
	SortByFirstSeen  DiscoveredSort = "first_seen"
)

// ListDiscoveredChannels returns a page of discovered channels.
func (s *Store) ListDiscoveredChannels(ctx context.Context, sortBy DiscoveredSort, limit, offset int) ([]DiscoveredChannel, int64, error) {
	order := "reference_count DESC"
	switch sortBy {
	case SortByLastSeen:
		order = "last_seen_at DESC"
	case SortByFirstSeen:
		order = "first_seen_at DESC"
	}
	var total int64
	if err := s.db.WithContext(ctx).Model(&DiscoveredChannel{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var out []DiscoveredChannel
	err := s.db.WithContext(ctx).Order(order).Limit(limit).Offset(offset).Find(&out).Error
	return out, total, err
}

// GetDiscoveredChannel loads one discovered channel.
func (s *Store) GetDiscoveredChannel(ctx context.Context, id int64) (*DiscoveredChannel, error) {
	var dc DiscoveredChannel
	if err := s.db.WithContext(ctx).First(&dc, id).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &dc, nil
}

// DeleteDiscoveredChannel removes one discovered channel.
func (s *Store) DeleteDiscoveredChannel(ctx context.Context, id int64) error {
	return s.db.WithContext(ctx).Delete(&DiscoveredChannel{}, id).Error
}

// DiscoveredStats summarises the discovered-channel backlog.
type DiscoveredStats struct {
	Total           int64 `json:"total"`
	TotalReferences int64 `json:"total_references"`
}

// DiscoveredChannelStats computes aggregate counts for the REST stats call.
func (s *Store) DiscoveredChannelStats(ctx context.Context) (DiscoveredStats, error) {
	var st DiscoveredStats
	if err := s.db.WithContext(ctx).Model(&DiscoveredChannel{}).Count(&st.Total).Error; err != nil {
		return st, err
	}
	err := s.db.WithContext(ctx).Model(&DiscoveredChannel{}).
		Select("COALESCE(SUM(reference_count),0)").Scan(&st.TotalReferences).Error
	return st, err
}
