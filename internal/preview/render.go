package preview

import (
	"archive/zip"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"goa.design/clue/log"

	"github.com/printvault/printvault/internal/catalog"
	"github.com/printvault/printvault/internal/jobs"
	"github.com/printvault/printvault/internal/storage"
	"github.com/printvault/printvault/internal/worker"
)

const (
	// renderBinary is resolved on PATH.
	renderBinary  = "stl-thumb"
	renderSize    = "400"
	renderTimeout = 30 * time.Second

	// maxRenderBytes skips models stl-thumb cannot handle in bounded time.
	maxRenderBytes = 100 << 20

	// maxArchiveImages caps how many bundled images become previews.
	maxArchiveImages = 10
)

// threeMFThumbPaths are the archive entries slicers embed thumbnails at, in
// preference order.
var threeMFThumbPaths = []string{
	"Metadata/thumbnail.png",
	"Metadata/plate_1.png",
	"thumbnail.png",
	".thumbnails/thumbnail.png",
}

// RenderWorker produces preview assets from a design's own files: images
// bundled with the design, thumbnails embedded in 3MF containers and an
// stl-thumb render of the largest model. All three steps run; the primary
// selection afterwards prefers the highest-fidelity asset.
type RenderWorker struct {
	store   *catalog.Store
	service *Service
	paths   storage.Paths
}

// RenderResult is stored as the render job's result.
type RenderResult struct {
	Archive  int  `json:"archive,omitempty"`
	Embedded bool `json:"embedded,omitempty"`
	Rendered bool `json:"rendered,omitempty"`
}

// NewRenderWorker wires the preview render worker.
func NewRenderWorker(store *catalog.Store, service *Service, paths storage.Paths) *RenderWorker {
	return &RenderWorker{store: store, service: service, paths: paths}
}

// Name implements worker.Worker.
func (w *RenderWorker) Name() string { return "render" }

// Types implements worker.Worker.
func (w *RenderWorker) Types() []catalog.JobType {
	return []catalog.JobType{catalog.JobGenerateRender}
}

// Process implements worker.Worker.
func (w *RenderWorker) Process(ctx context.Context, job *catalog.Job, progress worker.ProgressFunc) (any, error) {
	var p jobs.GenerateRenderPayload
	if err := json.Unmarshal([]byte(job.Payload), &p); err != nil {
		return nil, worker.NonRetryablef("bad payload: %v", err)
	}
	design, err := w.store.GetDesign(ctx, p.DesignID)
	if err != nil {
		return nil, worker.NonRetryablef("design %d: %v", p.DesignID, err)
	}
	root := design.LibraryPath
	if root == "" {
		root = w.paths.StagingDesign(design.ID)
	}
	files, err := w.store.ListDesignFiles(ctx, design.ID)
	if err != nil {
		return nil, err
	}

	var res RenderResult
	res.Archive = w.importBundledImages(ctx, design.ID, root, files)
	progress(1, 3, "bundled images")

	res.Embedded = w.importEmbeddedThumb(ctx, design.ID, root, files)
	progress(2, 3, "embedded thumbnails")

	rendered, err := w.renderModel(ctx, design.ID, root, files)
	if err != nil {
		return nil, err
	}
	res.Rendered = rendered
	progress(3, 3, "render")

	if res.Archive > 0 || res.Embedded || res.Rendered {
		if err := w.service.AutoSelectPrimary(ctx, design.ID); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// importBundledImages copies image files shipped with the design into the
// preview cache. Failures on individual images are logged and skipped.
func (w *RenderWorker) importBundledImages(ctx context.Context, designID int64, root string, files []catalog.DesignFile) int {
	stored := 0
	for _, f := range files {
		if f.Kind != catalog.FileImage || !allowedExts[f.Ext] {
			continue
		}
		path := filepath.Join(root, filepath.FromSlash(f.RelativePath))
		in, err := os.Open(path)
		if err != nil {
			log.Debugf(ctx, "bundled image %s: %v", f.RelativePath, err)
			continue
		}
		_, err = w.service.Store(ctx, designID, catalog.PreviewArchive, f.Filename, "", in)
		in.Close()
		if err != nil {
			log.Errorf(ctx, err, "store bundled image %s", f.RelativePath)
			continue
		}
		stored++
		if stored == maxArchiveImages {
			break
		}
	}
	return stored
}

// importEmbeddedThumb extracts the first thumbnail found inside the design's
// 3MF containers.
func (w *RenderWorker) importEmbeddedThumb(ctx context.Context, designID int64, root string, files []catalog.DesignFile) bool {
	for _, f := range files {
		if f.Ext != "3mf" {
			continue
		}
		path := filepath.Join(root, filepath.FromSlash(f.RelativePath))
		if w.extractThumb(ctx, designID, path) {
			return true
		}
	}
	return false
}

func (w *RenderWorker) extractThumb(ctx context.Context, designID int64, path string) bool {
	zr, err := zip.OpenReader(path)
	if err != nil {
		log.Debugf(ctx, "open 3mf %s: %v", path, err)
		return false
	}
	defer zr.Close()
	for _, want := range threeMFThumbPaths {
		for _, entry := range zr.File {
			if !strings.EqualFold(entry.Name, want) {
				continue
			}
			rc, err := entry.Open()
			if err != nil {
				continue
			}
			_, serr := w.service.Store(ctx, designID, catalog.PreviewEmbedded3MF, entry.Name, "", rc)
			rc.Close()
			if serr != nil {
				log.Errorf(ctx, serr, "store embedded thumbnail from %s", path)
				return false
			}
			return true
		}
	}
	return false
}

// renderModel shells out to stl-thumb for the largest renderable model. A
// missing stl-thumb binary skips the step rather than failing the job; the
// other preview sources still run.
func (w *RenderWorker) renderModel(ctx context.Context, designID int64, root string, files []catalog.DesignFile) (bool, error) {
	if _, err := exec.LookPath(renderBinary); err != nil {
		log.Debugf(ctx, "%s not on PATH, skipping model render", renderBinary)
		return false, nil
	}
	var target *catalog.DesignFile
	for i := range files {
		f := &files[i]
		if f.Ext != "stl" || f.SizeBytes > maxRenderBytes {
			continue
		}
		if target == nil || f.SizeBytes > target.SizeBytes {
			target = f
		}
	}
	if target == nil {
		return false, nil
	}
	in := filepath.Join(root, filepath.FromSlash(target.RelativePath))
	tmp, err := os.CreateTemp("", "printvault-render-*.png")
	if err != nil {
		return false, err
	}
	tmp.Close()
	defer os.Remove(tmp.Name())

	rctx, cancel := context.WithTimeout(ctx, renderTimeout)
	defer cancel()
	cmd := exec.CommandContext(rctx, renderBinary, "-s", renderSize, in, tmp.Name())
	if out, err := cmd.CombinedOutput(); err != nil {
		if rctx.Err() != nil {
			return false, worker.Retryablef("render of %s timed out", target.Filename)
		}
		return false, worker.NonRetryablef("render %s: %v: %s", target.Filename, err, truncate(string(out), 200))
	}
	img, err := os.Open(tmp.Name())
	if err != nil {
		return false, err
	}
	defer img.Close()
	if _, err := w.service.Store(ctx, designID, catalog.PreviewRendered, "render.png", "", img); err != nil {
		return false, err
	}
	return true, nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
