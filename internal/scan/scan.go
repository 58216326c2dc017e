// Package scan implements import-source scanning: the sync worker that runs
// a source's scanner, reconciles the detected designs into import records and
// queues downloads for the pending ones. Concrete scanners live in the
// subpackages (bulk folders here, Google Drive under gdrive, phpBB forums
// under phpbb).
package scan

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/printvault/printvault/internal/catalog"
	"github.com/printvault/printvault/internal/duplicate"
	"github.com/printvault/printvault/internal/profile"
)

type (
	// Candidate is one design a scanner found in a source. Path is the
	// record key: stable across scans for the same design. Files carries the
	// listing the fingerprint was computed from; it feeds the pre-download
	// duplicate check.
	Candidate struct {
		Path          string
		Title         string
		Designer      string
		SizeBytes     int64
		Fingerprint   string
		Files         []profile.File
		ModifiedAt    *time.Time
		DriveFolderID string
	}

	// Scanner enumerates the current designs of one import source kind.
	Scanner interface {
		// Type is the source kind this scanner serves.
		Type() catalog.ImportSourceType
		// Scan lists every design currently present in the source.
		Scan(ctx context.Context, src *catalog.ImportSource, cfg profile.Config) ([]Candidate, error)
	}
)

// Fingerprint derives a stable content fingerprint from a design's file
// listing: a truncated SHA-256 over the sorted "path:size" lines. Content
// changes (files added, removed, resized) change the fingerprint; metadata
// churn does not.
func Fingerprint(files []profile.File) string {
	lines := make([]string, 0, len(files))
	for _, f := range files {
		lines = append(lines, fmt.Sprintf("%s:%d", f.RelPath, f.Size))
	}
	sort.Strings(lines)
	sum := sha256.Sum256([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(sum[:])[:32]
}

// CandidateFromDetected converts a detection result into a candidate.
func CandidateFromDetected(det profile.Detected, designer string) Candidate {
	files := make([]profile.File, 0,
		len(det.ModelFiles)+len(det.ArchiveFiles)+len(det.PreviewFiles))
	files = append(files, det.ModelFiles...)
	files = append(files, det.ArchiveFiles...)
	files = append(files, det.PreviewFiles...)
	path := det.RelPath
	if path == "" {
		path = "."
	}
	var mod *time.Time
	if !det.MaxModTime.IsZero() {
		t := det.MaxModTime
		mod = &t
	}
	return Candidate{
		Path:        path,
		Title:       det.Title,
		Designer:    designer,
		SizeBytes:   det.TotalSize,
		Fingerprint: Fingerprint(files),
		Files:       files,
		ModifiedAt:  mod,
	}
}

// manifestFor encodes a candidate's file listing for the import record.
func manifestFor(files []profile.File) string {
	hints := make([]duplicate.FileHint, 0, len(files))
	for _, f := range files {
		hints = append(hints, duplicate.FileHint{Filename: path.Base(f.RelPath), Size: f.Size})
	}
	return duplicate.EncodeHints(hints)
}

// loadConfig resolves a source's profile configuration, falling back to the
// default ruleset when no profile is assigned.
func loadConfig(ctx context.Context, store *catalog.Store, src *catalog.ImportSource) (profile.Config, error) {
	var cfg profile.Config
	if src.ProfileID == 0 {
		cfg.Normalize()
		return cfg, nil
	}
	p, err := store.GetImportProfile(ctx, src.ProfileID)
	if err != nil {
		return cfg, fmt.Errorf("load profile %d: %w", src.ProfileID, err)
	}
	cfg, err = profile.ParseConfig([]byte(p.Config))
	if err != nil {
		return cfg, fmt.Errorf("profile %q: %w", p.Identifier, err)
	}
	return cfg, nil
}
