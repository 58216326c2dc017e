// Package library implements the import-to-library worker: staged design
// files move to their final, template-derived library location, the design
// becomes organized, and follow-up work (render, duplicate evaluation) is
// queued.
package library

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
	"unicode"

	"goa.design/clue/log"

	"github.com/printvault/printvault/internal/catalog"
	"github.com/printvault/printvault/internal/duplicate"
	"github.com/printvault/printvault/internal/jobs"
	"github.com/printvault/printvault/internal/settings"
	"github.com/printvault/printvault/internal/storage"
	"github.com/printvault/printvault/internal/worker"
)

// maxComponentLen caps a sanitised path component.
const maxComponentLen = 200

// Worker moves staged designs into the library.
type Worker struct {
	store    *catalog.Store
	queue    *jobs.Queue
	engine   *duplicate.Engine
	paths    storage.Paths
	settings *settings.Service
}

// Result is stored as the import job's result.
type Result struct {
	LibraryPath string `json:"library_path"`
	DesignID    int64  `json:"design_id"`
	Merged      bool   `json:"merged,omitempty"`
}

// NewWorker wires the library import worker.
func NewWorker(store *catalog.Store, queue *jobs.Queue, engine *duplicate.Engine, paths storage.Paths, svc *settings.Service) *Worker {
	return &Worker{store: store, queue: queue, engine: engine, paths: paths, settings: svc}
}

// Name implements worker.Worker.
func (w *Worker) Name() string { return "library-import" }

// Types implements worker.Worker.
func (w *Worker) Types() []catalog.JobType {
	return []catalog.JobType{catalog.JobImportToLibrary}
}

// Process implements worker.Worker.
func (w *Worker) Process(ctx context.Context, job *catalog.Job, progress worker.ProgressFunc) (any, error) {
	var p jobs.ImportToLibraryPayload
	if err := json.Unmarshal([]byte(job.Payload), &p); err != nil {
		return nil, worker.NonRetryablef("bad payload: %v", err)
	}
	design, err := w.store.GetDesign(ctx, p.DesignID)
	if err != nil {
		return nil, worker.NonRetryablef("design %d: %v", p.DesignID, err)
	}
	if err := w.store.UpdateDesignStatus(ctx, design.ID, catalog.DesignImporting); err != nil {
		return nil, err
	}

	destDir, err := w.resolveDestination(ctx, design)
	if err != nil {
		return nil, err
	}
	stagingDir := w.paths.StagingDesign(design.ID)
	files, err := w.store.ListDesignFiles(ctx, design.ID)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, worker.NonRetryablef("design %d has no files to import", design.ID)
	}

	for i := range files {
		f := &files[i]
		progress(int64(i+1), int64(len(files)), f.Filename)
		src := filepath.Join(stagingDir, filepath.FromSlash(f.RelativePath))
		dst := filepath.Join(destDir, filepath.FromSlash(f.RelativePath))
		// Collisions with files already in the directory get a numeric
		// suffix before the extension; the catalog row follows the file.
		dst, err := storage.UniquePath(dst)
		if err != nil {
			return nil, worker.NonRetryable(err)
		}
		if err := storage.MoveFile(src, dst); err != nil {
			return nil, fmt.Errorf("move %s: %w", f.RelativePath, err)
		}
		rel, err := filepath.Rel(destDir, dst)
		if err != nil {
			return nil, err
		}
		if rel = filepath.ToSlash(rel); rel != f.RelativePath {
			f.RelativePath = rel
			f.Filename = filepath.Base(dst)
			if err := w.store.SaveDesignFile(ctx, f); err != nil {
				return nil, err
			}
		}
	}
	removeEmptyTree(stagingDir)

	design.LibraryPath = destDir
	design.Status = catalog.DesignOrganized
	if err := w.store.SaveDesign(ctx, design); err != nil {
		return nil, err
	}

	survivorID, err := w.engine.ProcessDuplicates(ctx, design.ID)
	if err != nil {
		log.Errorf(ctx, err, "duplicate evaluation failed for design %d", design.ID)
		survivorID = design.ID
	}
	merged := survivorID != design.ID
	if !merged {
		if err := w.maybeQueueRender(ctx, design); err != nil {
			return nil, err
		}
	}
	return Result{LibraryPath: destDir, DesignID: survivorID, Merged: merged}, nil
}

// resolveDestination renders the library template for the design. Designs
// sharing a rendered path share the directory; file-level collisions are
// resolved per file during the move.
func (w *Worker) resolveDestination(ctx context.Context, design *catalog.Design) (string, error) {
	template, channel := w.templateContext(ctx, design)
	rel := RenderTemplate(template, Tokens{
		Title:    design.Title,
		Designer: design.Designer,
		Channel:  channel,
		Date:     time.Now().UTC().Format("2006-01-02"),
	})
	return filepath.Join(w.paths.LibraryDir, filepath.FromSlash(rel)), nil
}

// templateContext resolves the template (channel override beats the global
// setting) plus the channel name.
func (w *Worker) templateContext(ctx context.Context, design *catalog.Design) (template, channel string) {
	template, err := w.settings.String(ctx, settings.KeyLibraryTemplate)
	if err != nil || template == "" {
		template = "{designer}/{channel}/{title}"
	}

	src, err := w.store.PreferredSource(ctx, design.ID)
	if err != nil {
		return template, ""
	}
	if src.MessageID != nil {
		msg, err := w.store.GetMessage(ctx, *src.MessageID)
		if err != nil {
			return template, ""
		}
		ch, err := w.store.GetChannel(ctx, msg.ChannelID)
		if err != nil {
			return template, ""
		}
		channel = ch.Title
		if ch.TemplateOverride != "" {
			template = ch.TemplateOverride
		}
		return template, channel
	}
	if src.ImportRecordID != nil {
		rec, err := w.store.GetImportRecord(ctx, *src.ImportRecordID)
		if err != nil {
			return template, ""
		}
		isrc, err := w.store.GetImportSource(ctx, rec.SourceID)
		if err == nil {
			channel = isrc.Name
		}
	}
	return template, channel
}

func (w *Worker) maybeQueueRender(ctx context.Context, design *catalog.Design) error {
	auto, err := w.settings.Bool(ctx, settings.KeyAutoQueueRender)
	if err != nil || !auto {
		return nil
	}
	n, err := w.store.CountPreviewAssets(ctx, design.ID)
	if err != nil || n > 0 {
		return err
	}
	priority, perr := w.settings.Int(ctx, settings.KeyAutoQueueRenderPriority)
	if perr != nil {
		priority = -5
	}
	_, err = w.queue.Enqueue(ctx, catalog.JobGenerateRender, jobs.EnqueueOptions{
		DesignID:    &design.ID,
		Payload:     jobs.GenerateRenderPayload{DesignID: design.ID},
		Priority:    priority,
		DisplayName: design.Title,
	})
	return err
}

// Tokens carries the template substitution values. Date is today in UTC, not
// a content date: placements stay stable regardless of source metadata.
type Tokens struct {
	Title    string
	Designer string
	Channel  string
	Date     string // 2006-01-02
}

// RenderTemplate substitutes the placement tokens and sanitises each path
// component. Empty components collapse to "Unknown".
func RenderTemplate(template string, t Tokens) string {
	year, month := "", ""
	if len(t.Date) >= 7 {
		year, month = t.Date[:4], t.Date[5:7]
	}
	r := strings.NewReplacer(
		"{title}", t.Title,
		"{designer}", t.Designer,
		"{channel}", t.Channel,
		"{date}", t.Date,
		"{year}", year,
		"{month}", month,
	)
	parts := strings.Split(r.Replace(template), "/")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, SanitizeComponent(p))
	}
	return strings.Join(out, "/")
}

var (
	unsafeRe   = regexp.MustCompile(`[/\\:*?"<>|]`)
	collapseRe = regexp.MustCompile(`[_\s]+`)
)

// SanitizeComponent makes one path component filesystem-safe: forbidden
// characters and whitespace runs become single underscores, the result is
// trimmed and capped, and an empty result becomes "Unknown". The function is
// idempotent: sanitising its own output changes nothing.
func SanitizeComponent(s string) string {
	s = unsafeRe.ReplaceAllString(s, "_")
	s = collapseRe.ReplaceAllString(s, "_")
	s = trimEdges(s)
	if r := []rune(s); len(r) > maxComponentLen {
		s = trimEdges(string(r[:maxComponentLen]))
	}
	if s == "" {
		return "Unknown"
	}
	return s
}

// trimEdges strips leading and trailing underscores and whitespace.
func trimEdges(s string) string {
	return strings.TrimFunc(s, func(r rune) bool {
		return r == '_' || unicode.IsSpace(r)
	})
}

// removeEmptyTree removes dir and any now-empty subdirectories left after
// the move.
func removeEmptyTree(dir string) {
	var dirs []string
	filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err == nil && d.IsDir() {
			dirs = append(dirs, path)
		}
		return nil
	})
	for i := len(dirs) - 1; i >= 0; i-- {
		storage.RemoveDirIfEmpty(dirs[i])
	}
}
