package scan

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"goa.design/clue/log"

	"github.com/printvault/printvault/internal/catalog"
	"github.com/printvault/printvault/internal/profile"
)

// LocalScanner scans bulk folders on the local filesystem.
type LocalScanner struct{}

// NewLocalScanner constructs the bulk-folder scanner.
func NewLocalScanner() *LocalScanner { return &LocalScanner{} }

// Type implements Scanner.
func (s *LocalScanner) Type() catalog.ImportSourceType { return catalog.SourceBulkFolder }

// Scan implements Scanner: it materialises the folder tree and runs the
// profile's detection over it. Unreadable subtrees are logged and skipped so
// one bad permission bit cannot fail the whole scan.
func (s *LocalScanner) Scan(ctx context.Context, src *catalog.ImportSource, cfg profile.Config) ([]Candidate, error) {
	info, err := os.Stat(src.FolderPath)
	if err != nil {
		return nil, fmt.Errorf("source folder: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("source path %s is not a directory", src.FolderPath)
	}
	root, err := buildTree(ctx, src.FolderPath, info.Name())
	if err != nil {
		return nil, err
	}
	det := profile.NewDetector(cfg)
	var out []Candidate
	for _, d := range det.Detect(root) {
		out = append(out, CandidateFromDetected(d, src.DefaultDesigner))
	}
	return out, nil
}

// buildTree reads a directory recursively into a detection tree. Node refs
// hold absolute paths so the record download step can copy files without
// re-walking.
func buildTree(ctx context.Context, dir, name string) (*profile.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	node := &profile.Node{Name: name, IsDir: true, Ref: dir}
	entries, err := os.ReadDir(dir)
	if err != nil {
		log.Errorf(ctx, err, "skipping unreadable directory %s", dir)
		return node, nil
	}
	for _, e := range entries {
		full := filepath.Join(dir, e.Name())
		if e.IsDir() {
			child, err := buildTree(ctx, full, e.Name())
			if err != nil {
				return nil, err
			}
			node.Children = append(node.Children, child)
			continue
		}
		fi, err := e.Info()
		if err != nil {
			log.Errorf(ctx, err, "skipping unreadable file %s", full)
			continue
		}
		node.Children = append(node.Children, &profile.Node{
			Name:    e.Name(),
			Size:    fi.Size(),
			ModTime: fi.ModTime(),
			Ref:     full,
		})
	}
	return node, nil
}
