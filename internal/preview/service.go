// Package preview stores and selects design preview images. Assets live
// under the data directory's preview cache, keyed by source and design, and
// at most one asset per design is the primary one shown in listings.
package preview

import (
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	_ "golang.org/x/image/webp"

	"github.com/printvault/printvault/internal/catalog"
	"github.com/printvault/printvault/internal/storage"
)

// sourcePriority orders preview sources for primary selection, best first.
var sourcePriority = map[catalog.PreviewSource]int{
	catalog.PreviewRendered:    1,
	catalog.PreviewEmbedded3MF: 2,
	catalog.PreviewArchive:     3,
	catalog.PreviewThangs:      4,
	catalog.PreviewTelegram:    5,
}

var allowedExts = map[string]bool{
	"jpg": true, "jpeg": true, "png": true, "gif": true, "webp": true,
}

// Service persists preview assets and keeps the primary selection current.
type Service struct {
	store *catalog.Store
	paths storage.Paths
}

// NewService returns a preview service backed by the given store and paths.
func NewService(store *catalog.Store, paths storage.Paths) *Service {
	return &Service{store: store, paths: paths}
}

// Store writes one image into the preview cache and records the asset. The
// stored filename is a fresh UUID so upstream names never reach the
// filesystem; unknown extensions fall back to jpg.
func (s *Service) Store(ctx context.Context, designID int64, source catalog.PreviewSource, origName string, upstreamFileID string, r io.Reader) (*catalog.PreviewAsset, error) {
	ext := storage.Ext(origName)
	if !allowedExts[ext] {
		ext = "jpg"
	}
	dir := s.paths.PreviewDir(source, designID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	name := uuid.NewString() + "." + ext
	path := filepath.Join(dir, name)
	out, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	n, err := io.Copy(out, r)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("store preview: %w", err)
	}
	width, height := dimensions(path)
	asset := &catalog.PreviewAsset{
		DesignID:       designID,
		Source:         source,
		Kind:           catalog.PreviewThumbnail,
		Path:           path,
		SizeBytes:      n,
		Width:          width,
		Height:         height,
		UpstreamFileID: upstreamFileID,
	}
	if err := s.store.CreatePreviewAsset(ctx, asset); err != nil {
		os.Remove(path)
		return nil, err
	}
	return asset, nil
}

// Open returns a reader for a stored asset, refusing paths that escape the
// preview cache.
func (s *Service) Open(asset *catalog.PreviewAsset) (io.ReadCloser, error) {
	root := s.paths.Previews()
	clean := filepath.Clean(asset.Path)
	if !strings.HasPrefix(clean, root+string(filepath.Separator)) {
		return nil, fmt.Errorf("preview path %s escapes cache", asset.Path)
	}
	return os.Open(clean)
}

// Delete removes an asset's file and row, re-selecting a primary if the
// removed asset held the flag.
func (s *Service) Delete(ctx context.Context, asset *catalog.PreviewAsset) error {
	if err := os.Remove(asset.Path); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := s.store.DeletePreviewAsset(ctx, asset.ID); err != nil {
		return err
	}
	if asset.IsPrimary {
		return s.AutoSelectPrimary(ctx, asset.DesignID)
	}
	return nil
}

// AutoSelectPrimary picks the design's primary preview by source quality:
// rendered beats embedded beats archive beats remote images, earliest asset
// winning ties. A design with no assets is left untouched.
func (s *Service) AutoSelectPrimary(ctx context.Context, designID int64) error {
	assets, err := s.store.ListPreviewAssets(ctx, designID)
	if err != nil {
		return err
	}
	if len(assets) == 0 {
		return nil
	}
	best := assets[0]
	for _, a := range assets[1:] {
		if rank(a) < rank(best) || (rank(a) == rank(best) && a.ID < best.ID) {
			best = a
		}
	}
	if best.IsPrimary {
		return nil
	}
	return s.store.SetPrimaryPreview(ctx, designID, best.ID)
}

func rank(a catalog.PreviewAsset) int {
	if p, ok := sourcePriority[a.Source]; ok {
		return p
	}
	return len(sourcePriority) + 1
}

// dimensions decodes just the image header. Undecodable images keep zero
// dimensions rather than failing the store.
func dimensions(path string) (int, int) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0
	}
	defer f.Close()
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0
	}
	return cfg.Width, cfg.Height
}
