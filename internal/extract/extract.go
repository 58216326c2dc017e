// Package extract implements the archive extraction worker: zip, 7z, rar
// (including multi-volume), tar and tar.gz archives staged by a download are
// unpacked in place, nested archives are expanded one level deep, and the
// pipeline moves on to the library import.
package extract

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bodgit/sevenzip"
	"github.com/nwaples/rardecode/v2"
	"goa.design/clue/log"

	"github.com/printvault/printvault/internal/catalog"
	"github.com/printvault/printvault/internal/jobs"
	"github.com/printvault/printvault/internal/settings"
	"github.com/printvault/printvault/internal/storage"
	"github.com/printvault/printvault/internal/worker"
)

// Worker extracts a design's staged archives.
type Worker struct {
	store    *catalog.Store
	queue    *jobs.Queue
	paths    storage.Paths
	settings *settings.Service
}

// Result is stored as the extract job's result.
type Result struct {
	Archives  int `json:"archives"`
	Extracted int `json:"extracted"`
}

// NewWorker wires the extraction worker.
func NewWorker(store *catalog.Store, queue *jobs.Queue, paths storage.Paths, svc *settings.Service) *Worker {
	return &Worker{store: store, queue: queue, paths: paths, settings: svc}
}

// Name implements worker.Worker.
func (w *Worker) Name() string { return "extract" }

// Types implements worker.Worker.
func (w *Worker) Types() []catalog.JobType {
	return []catalog.JobType{catalog.JobExtractArchive}
}

// secondaryPartRe matches the non-first volumes of a split rar set; only the
// first part is opened, the decoder consumes the rest.
var secondaryPartRe = regexp.MustCompile(`(?i)\.part0*([2-9]|[1-9][0-9]+)\.rar$`)

// Process implements worker.Worker.
func (w *Worker) Process(ctx context.Context, job *catalog.Job, progress worker.ProgressFunc) (any, error) {
	var p jobs.ExtractArchivePayload
	if err := json.Unmarshal([]byte(job.Payload), &p); err != nil {
		return nil, worker.NonRetryablef("bad payload: %v", err)
	}
	design, err := w.store.GetDesign(ctx, p.DesignID)
	if err != nil {
		return nil, worker.NonRetryablef("design %d: %v", p.DesignID, err)
	}
	if err := w.store.UpdateDesignStatus(ctx, design.ID, catalog.DesignExtracting); err != nil {
		return nil, err
	}
	dir := w.paths.StagingDesign(design.ID)

	files, err := w.store.ListDesignFiles(ctx, design.ID)
	if err != nil {
		return nil, err
	}
	var archives []catalog.DesignFile
	for _, f := range files {
		if f.Kind != catalog.FileArchive {
			continue
		}
		if secondaryPartRe.MatchString(f.Filename) {
			continue
		}
		archives = append(archives, f)
	}
	if len(archives) == 0 {
		return nil, worker.NonRetryablef("design %d has no archives to extract", design.ID)
	}

	extracted := 0
	for i, a := range archives {
		progress(int64(i), int64(len(archives)), a.Filename)
		path := filepath.Join(dir, filepath.FromSlash(a.RelativePath))
		n, err := w.extractOne(ctx, design.ID, path, dir, dir, true)
		if err != nil {
			return nil, err
		}
		extracted += n
	}
	progress(int64(len(archives)), int64(len(archives)), "")

	deleteArchives, err := w.settings.Bool(ctx, settings.KeyDeleteArchives)
	if err != nil {
		deleteArchives = true
	}
	if deleteArchives {
		if err := w.removeArchives(ctx, design.ID, dir); err != nil {
			return nil, err
		}
	}

	if err := w.store.RecomputeDesignSize(ctx, design.ID); err != nil {
		return nil, err
	}
	if err := w.store.UpdateDesignStatus(ctx, design.ID, catalog.DesignExtracted); err != nil {
		return nil, err
	}
	if _, err := w.queue.Enqueue(ctx, catalog.JobImportToLibrary, jobs.EnqueueOptions{
		DesignID:    &design.ID,
		Payload:     jobs.ImportToLibraryPayload{DesignID: design.ID},
		Priority:    5,
		DisplayName: design.Title,
	}); err != nil {
		return nil, err
	}
	return Result{Archives: len(archives), Extracted: extracted}, nil
}

// extractOne unpacks an archive into destDir, registers the files (with paths
// relative to rootDir, the design's staging root) and recurses one level into
// extracted archives.
func (w *Worker) extractOne(ctx context.Context, designID int64, path, destDir, rootDir string, recurse bool) (int, error) {
	subdir := filepath.Join(destDir, stem(path))
	paths, err := extractArchive(ctx, path, subdir)
	if err != nil {
		return 0, classifyError(filepath.Base(path), err)
	}
	count := 0
	for _, extractedPath := range paths {
		kind, modelKind := storage.Classify(extractedPath)
		if kind == catalog.FileArchive && recurse {
			n, err := w.extractOne(ctx, designID, extractedPath, filepath.Dir(extractedPath), rootDir, false)
			if err != nil {
				return count, err
			}
			count += n
			// Nested archives never survive extraction.
			if err := os.Remove(extractedPath); err != nil {
				log.Errorf(ctx, err, "remove nested archive %s", extractedPath)
			}
			continue
		}
		rel, err := filepath.Rel(rootDir, extractedPath)
		if err != nil {
			return count, err
		}
		fi, err := os.Stat(extractedPath)
		if err != nil {
			return count, err
		}
		sha, err := storage.HashFile(extractedPath)
		if err != nil {
			return count, err
		}
		if err := w.store.CreateDesignFile(ctx, &catalog.DesignFile{
			DesignID:      designID,
			RelativePath:  filepath.ToSlash(rel),
			Filename:      filepath.Base(extractedPath),
			Ext:           storage.Ext(extractedPath),
			SizeBytes:     fi.Size(),
			SHA256:        sha,
			Kind:          kind,
			ModelKind:     modelKind,
			IsFromArchive: true,
		}); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// removeArchives deletes the archive files (all volumes) and their rows.
func (w *Worker) removeArchives(ctx context.Context, designID int64, dir string) error {
	files, err := w.store.ListDesignFiles(ctx, designID)
	if err != nil {
		return err
	}
	for _, f := range files {
		if f.Kind != catalog.FileArchive || f.IsFromArchive {
			continue
		}
		full := filepath.Join(dir, filepath.FromSlash(f.RelativePath))
		if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
			return err
		}
		if err := w.store.DB().WithContext(ctx).Delete(&catalog.DesignFile{}, f.ID).Error; err != nil {
			return err
		}
	}
	return nil
}

// extractArchive dispatches on the archive extension and returns the paths
// of every extracted file.
func extractArchive(ctx context.Context, path, destDir string) ([]string, error) {
	lower := strings.ToLower(path)
	switch {
	case strings.HasSuffix(lower, ".zip"):
		return extractZip(ctx, path, destDir)
	case strings.HasSuffix(lower, ".7z"):
		return extract7z(ctx, path, destDir)
	case strings.HasSuffix(lower, ".rar"):
		return extractRar(ctx, path, destDir)
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return extractTar(ctx, path, destDir, true)
	case strings.HasSuffix(lower, ".tar"):
		return extractTar(ctx, path, destDir, false)
	case strings.HasSuffix(lower, ".gz"):
		return extractGzip(path, destDir)
	default:
		return nil, fmt.Errorf("unsupported archive format: %s", filepath.Base(path))
	}
}

func extractZip(ctx context.Context, path, destDir string) ([]string, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	var out []string
	for _, f := range r.File {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if f.FileInfo().IsDir() || skipEntry(f.Name) {
			continue
		}
		dest, err := safeDest(destDir, f.Name)
		if err != nil {
			return out, err
		}
		rc, err := f.Open()
		if err != nil {
			return out, err
		}
		err = writeFile(dest, rc)
		rc.Close()
		if err != nil {
			return out, err
		}
		out = append(out, dest)
	}
	return out, nil
}

func extract7z(ctx context.Context, path, destDir string) ([]string, error) {
	r, err := sevenzip.OpenReader(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	var out []string
	for _, f := range r.File {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if f.FileInfo().IsDir() || skipEntry(f.Name) {
			continue
		}
		dest, err := safeDest(destDir, f.Name)
		if err != nil {
			return out, err
		}
		rc, err := f.Open()
		if err != nil {
			return out, err
		}
		err = writeFile(dest, rc)
		rc.Close()
		if err != nil {
			return out, err
		}
		out = append(out, dest)
	}
	return out, nil
}

func extractRar(ctx context.Context, path, destDir string) ([]string, error) {
	r, err := rardecode.OpenReader(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	var out []string
	for {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		hdr, err := r.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		if hdr.IsDir || skipEntry(hdr.Name) {
			continue
		}
		dest, err := safeDest(destDir, hdr.Name)
		if err != nil {
			return out, err
		}
		if err := writeFile(dest, r); err != nil {
			return out, err
		}
		out = append(out, dest)
	}
}

func extractTar(ctx context.Context, path, destDir string, gzipped bool) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var src io.Reader = f
	if gzipped {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		src = gz
	}
	tr := tar.NewReader(src)
	var out []string
	for {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		if hdr.Typeflag != tar.TypeReg || skipEntry(hdr.Name) {
			continue
		}
		dest, err := safeDest(destDir, hdr.Name)
		if err != nil {
			return out, err
		}
		if err := writeFile(dest, tr); err != nil {
			return out, err
		}
		out = append(out, dest)
	}
}

func extractGzip(path, destDir string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer gz.Close()
	dest, err := safeDest(destDir, stem(path))
	if err != nil {
		return nil, err
	}
	if err := writeFile(dest, gz); err != nil {
		return nil, err
	}
	return []string{dest}, nil
}

// safeDest resolves an entry name inside destDir, refusing absolute paths
// and parent traversal.
func safeDest(destDir, name string) (string, error) {
	name = filepath.FromSlash(name)
	if filepath.IsAbs(name) {
		return "", worker.NonRetryablef("archive entry has absolute path: %s", name)
	}
	dest := filepath.Join(destDir, name)
	if !strings.HasPrefix(dest, filepath.Clean(destDir)+string(filepath.Separator)) {
		return "", worker.NonRetryablef("archive entry escapes destination: %s", name)
	}
	return dest, nil
}

// skipEntry drops macOS resource forks and dotfile noise.
func skipEntry(name string) bool {
	name = filepath.ToSlash(name)
	if strings.HasPrefix(name, "__MACOSX/") || strings.Contains(name, "/__MACOSX/") {
		return true
	}
	base := filepath.Base(name)
	return base == ".DS_Store" || strings.HasPrefix(base, "._")
}

func writeFile(dest string, src io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		os.Remove(dest)
		return err
	}
	return out.Close()
}

func stem(path string) string {
	base := filepath.Base(path)
	lower := strings.ToLower(base)
	if strings.HasSuffix(lower, ".tar.gz") {
		return base[:len(base)-len(".tar.gz")]
	}
	return strings.TrimSuffix(base, filepath.Ext(base))
}
