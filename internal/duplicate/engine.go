// Package duplicate implements duplicate detection and merging. Designs are
// compared along four signals of decreasing confidence: shared file hashes,
// shared external platform ids, fuzzy title-plus-designer matches, and
// matching filenames with near-identical sizes. Only the two exact-identity
// signals reach the auto-merge threshold; name-based matches always queue
// for user review.
package duplicate

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"goa.design/clue/log"

	"github.com/printvault/printvault/internal/catalog"
	"github.com/printvault/printvault/internal/storage"
)

// Confidence levels per match signal.
const (
	ConfidenceFileHash   = 1.0
	ConfidenceExternalID = 1.0
	ConfidenceFuzzyTitle = 0.7
	ConfidenceFilename   = 0.5
)

// AutoMergeThreshold is the confidence at or above which a pair merges
// without review.
const AutoMergeThreshold = 0.9

// fuzzyFloor is the minimum token-set similarity for both halves of the
// title-plus-designer signal.
const fuzzyFloor = 0.8

// Match is one scored pairing against an existing design.
type Match struct {
	DesignID   int64
	MatchType  string
	Confidence float64
}

// Engine runs duplicate detection and merges.
type Engine struct {
	store *catalog.Store
	paths storage.Paths
}

// NewEngine wires the duplicate engine.
func NewEngine(store *catalog.Store, paths storage.Paths) *Engine {
	return &Engine{store: store, paths: paths}
}

// FindDuplicates scores the design against every other non-deleted design
// and returns at most one match per counterpart, keeping the strongest
// signal.
func (e *Engine) FindDuplicates(ctx context.Context, designID int64) ([]Match, error) {
	design, err := e.store.GetDesign(ctx, designID)
	if err != nil {
		return nil, err
	}
	best := map[int64]Match{}
	record := func(id int64, matchType string, confidence float64) {
		if id == designID {
			return
		}
		if cur, ok := best[id]; !ok || confidence > cur.Confidence {
			best[id] = Match{DesignID: id, MatchType: matchType, Confidence: confidence}
		}
	}

	files, err := e.store.ListDesignFiles(ctx, designID)
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		if f.SHA256 == "" {
			continue
		}
		ids, err := e.store.FindDesignsByFileHash(ctx, f.SHA256, designID)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			record(id, "file_hash", ConfidenceFileHash)
		}
	}

	exts, err := e.store.ListExternalMetadata(ctx, designID)
	if err != nil {
		return nil, err
	}
	for _, m := range exts {
		ids, err := e.store.FindDesignsByExternalID(ctx, m.Type, m.ExternalID, designID)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			record(id, "external_id", ConfidenceExternalID)
		}
	}

	others, err := e.listOthers(ctx, designID)
	if err != nil {
		return nil, err
	}
	for _, o := range others {
		if TitleSimilarity(design.Designer, o.Designer) < fuzzyFloor {
			continue
		}
		if TitleSimilarity(design.Title, o.Title) >= fuzzyFloor {
			record(o.ID, "title_fuzzy", ConfidenceFuzzyTitle)
		}
	}

	if err := e.matchFilenames(ctx, designID, files, record); err != nil {
		return nil, err
	}

	out := make([]Match, 0, len(best))
	for _, m := range best {
		out = append(out, m)
	}
	return out, nil
}

// matchFilenames flags designs sharing a filename whose size is within 1%.
func (e *Engine) matchFilenames(ctx context.Context, designID int64, files []catalog.DesignFile, record func(int64, string, float64)) error {
	for _, f := range files {
		if f.Kind != catalog.FileModel && f.Kind != catalog.FileArchive {
			continue
		}
		var others []catalog.DesignFile
		err := e.store.DB().WithContext(ctx).
			Where("filename = ? AND design_id <> ?", f.Filename, designID).
			Find(&others).Error
		if err != nil {
			return err
		}
		for _, o := range others {
			if withinOnePercent(f.SizeBytes, o.SizeBytes) {
				record(o.DesignID, "filename", ConfidenceFilename)
			}
		}
	}
	return nil
}

func withinOnePercent(a, b int64) bool {
	if a == 0 || b == 0 {
		return a == b
	}
	diff := math.Abs(float64(a) - float64(b))
	return diff/math.Max(float64(a), float64(b)) <= 0.01
}

// ProcessDuplicates evaluates a newly completed design: matches at or above
// the auto-merge threshold merge it into the existing counterpart, weaker
// matches are recorded for review. It returns the surviving design id (the
// counterpart's when an auto-merge happened).
func (e *Engine) ProcessDuplicates(ctx context.Context, designID int64) (int64, error) {
	matches, err := e.FindDuplicates(ctx, designID)
	if err != nil {
		return designID, err
	}
	for _, m := range matches {
		if m.Confidence < AutoMergeThreshold {
			continue
		}
		cand := &catalog.DuplicateCandidate{
			DesignAID:  designID,
			DesignBID:  m.DesignID,
			MatchType:  m.MatchType,
			Confidence: m.Confidence,
			Status:     catalog.DuplicateMerged,
		}
		if err := e.store.CreateDuplicateCandidate(ctx, cand); err != nil {
			return designID, err
		}
		if err := e.Merge(ctx, m.DesignID, designID); err != nil {
			return designID, fmt.Errorf("auto-merge %d into %d: %w", designID, m.DesignID, err)
		}
		log.Printf(ctx, "auto-merged design %d into %d (%s %.2f)",
			designID, m.DesignID, m.MatchType, m.Confidence)
		return m.DesignID, nil
	}
	for _, m := range matches {
		if exists, err := e.pairExists(ctx, designID, m.DesignID); err != nil {
			return designID, err
		} else if exists {
			continue
		}
		cand := &catalog.DuplicateCandidate{
			DesignAID:  designID,
			DesignBID:  m.DesignID,
			MatchType:  m.MatchType,
			Confidence: m.Confidence,
			Status:     catalog.DuplicatePending,
		}
		if err := e.store.CreateDuplicateCandidate(ctx, cand); err != nil {
			return designID, err
		}
	}
	return designID, nil
}

// Merge folds loser into winner: sources, external metadata and tags move
// over, files the winner lacks (by hash) are transferred, missing metadata is
// filled in, and the loser is deleted.
func (e *Engine) Merge(ctx context.Context, winnerID, loserID int64) error {
	winner, err := e.store.GetDesign(ctx, winnerID)
	if err != nil {
		return err
	}
	loser, err := e.store.GetDesign(ctx, loserID)
	if err != nil {
		return err
	}

	winnerFiles, err := e.store.ListDesignFiles(ctx, winnerID)
	if err != nil {
		return err
	}
	haveHash := map[string]bool{}
	for _, f := range winnerFiles {
		if f.SHA256 != "" {
			haveHash[f.SHA256] = true
		}
	}
	loserFiles, err := e.store.ListDesignFiles(ctx, loserID)
	if err != nil {
		return err
	}
	destDir := winner.LibraryPath
	if destDir == "" {
		destDir = e.paths.StagingDesign(winnerID)
	}
	for i := range loserFiles {
		f := &loserFiles[i]
		if f.SHA256 != "" && haveHash[f.SHA256] {
			continue
		}
		src := e.fileAbsPath(loser, f)
		dst, err := storage.UniquePath(filepath.Join(destDir, f.RelativePath))
		if err != nil {
			return err
		}
		if _, serr := os.Stat(src); serr == nil {
			if err := storage.MoveFile(src, dst); err != nil {
				return fmt.Errorf("move %s: %w", f.RelativePath, err)
			}
			rel, rerr := filepath.Rel(destDir, dst)
			if rerr == nil {
				f.RelativePath = rel
				f.Filename = filepath.Base(dst)
			}
		}
		f.DesignID = winnerID
		if err := e.store.SaveDesignFile(ctx, f); err != nil {
			return err
		}
		if f.SHA256 != "" {
			haveHash[f.SHA256] = true
		}
	}

	if err := e.store.ReassignDesignChildren(ctx, loserID, winnerID); err != nil {
		return err
	}

	changed := false
	if winner.Designer == "" && loser.Designer != "" {
		winner.Designer = loser.Designer
		changed = true
	}
	if winner.Description == "" && loser.Description != "" {
		winner.Description = loser.Description
		changed = true
	}
	if statusRank(loser.Status) > statusRank(winner.Status) {
		winner.Status = loser.Status
		changed = true
	}
	if changed {
		if err := e.store.SaveDesign(ctx, winner); err != nil {
			return err
		}
	}
	if err := e.store.RecomputeDesignSize(ctx, winnerID); err != nil {
		return err
	}

	os.RemoveAll(e.paths.StagingDesign(loserID))
	if loser.LibraryPath != "" {
		os.RemoveAll(loser.LibraryPath)
	}
	return e.store.DeleteDesign(ctx, loserID)
}

// FileHint is what a scan knows about a file before it is downloaded: its
// name and size. Hints let the pre-download check reach the filename signal.
type FileHint struct {
	Filename string `json:"name"`
	Size     int64  `json:"size"`
}

// EncodeHints serialises hints for storage on an import record. An empty
// hint set encodes to the empty string.
func EncodeHints(hints []FileHint) string {
	if len(hints) == 0 {
		return ""
	}
	b, err := json.Marshal(hints)
	if err != nil {
		return ""
	}
	return string(b)
}

// DecodeHints is the inverse of EncodeHints; malformed input decodes to nil.
func DecodeHints(s string) []FileHint {
	if s == "" {
		return nil
	}
	var hints []FileHint
	if err := json.Unmarshal([]byte(s), &hints); err != nil {
		return nil
	}
	return hints
}

// CheckPreDownload scores a yet-undownloaded record against the catalog using
// the metadata a scan provides: title, designer and per-file hints. A
// confident match lets the caller link the record instead of downloading a
// second copy.
func (e *Engine) CheckPreDownload(ctx context.Context, title, designer string, hints []FileHint) (*catalog.Design, string, float64, error) {
	others, err := e.listOthers(ctx, 0)
	if err != nil {
		return nil, "", 0, err
	}
	byID := make(map[int64]*catalog.Design, len(others))
	for i := range others {
		byID[others[i].ID] = &others[i]
	}
	var best *catalog.Design
	bestType := ""
	bestConf := 0.0
	for i := range others {
		o := &others[i]
		if TitleSimilarity(designer, o.Designer) < fuzzyFloor {
			continue
		}
		if TitleSimilarity(title, o.Title) >= fuzzyFloor && ConfidenceFuzzyTitle > bestConf {
			best, bestType, bestConf = o, "title_fuzzy", ConfidenceFuzzyTitle
		}
	}
	for _, h := range hints {
		if h.Filename == "" {
			continue
		}
		if kind, _ := storage.Classify(h.Filename); kind != catalog.FileModel && kind != catalog.FileArchive {
			continue
		}
		var files []catalog.DesignFile
		err := e.store.DB().WithContext(ctx).
			Where("filename = ?", h.Filename).
			Find(&files).Error
		if err != nil {
			return nil, "", 0, err
		}
		for i := range files {
			f := &files[i]
			o := byID[f.DesignID]
			if o == nil || !withinOnePercent(h.Size, f.SizeBytes) {
				continue
			}
			if ConfidenceFilename > bestConf {
				best, bestType, bestConf = o, "filename", ConfidenceFilename
			}
		}
	}
	return best, bestType, bestConf, nil
}

func (e *Engine) pairExists(ctx context.Context, a, b int64) (bool, error) {
	var n int64
	err := e.store.DB().WithContext(ctx).Model(&catalog.DuplicateCandidate{}).
		Where("(design_a_id = ? AND design_b_id = ?) OR (design_a_id = ? AND design_b_id = ?)",
			a, b, b, a).
		Count(&n).Error
	return n > 0, err
}

func (e *Engine) listOthers(ctx context.Context, excludeID int64) ([]catalog.Design, error) {
	var out []catalog.Design
	db := e.store.DB().WithContext(ctx).Where("status <> ?", catalog.DesignDeleted)
	if excludeID != 0 {
		db = db.Where("id <> ?", excludeID)
	}
	err := db.Find(&out).Error
	return out, err
}

func (e *Engine) fileAbsPath(d *catalog.Design, f *catalog.DesignFile) string {
	if d.LibraryPath != "" {
		return filepath.Join(d.LibraryPath, f.RelativePath)
	}
	return filepath.Join(e.paths.StagingDesign(d.ID), f.RelativePath)
}

// statusRank orders design statuses by pipeline progress so merges keep the
// furthest-along state.
func statusRank(s catalog.DesignStatus) int {
	switch s {
	case catalog.DesignOrganized:
		return 7
	case catalog.DesignImporting:
		return 6
	case catalog.DesignExtracted:
		return 5
	case catalog.DesignExtracting:
		return 4
	case catalog.DesignDownloaded:
		return 3
	case catalog.DesignDownloading:
		return 2
	case catalog.DesignWanted:
		return 1
	default:
		return 0
	}
}
