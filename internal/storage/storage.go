// Package storage centralises the on-disk layout (staging, library, preview
// cache) and the small file primitives the pipeline workers share: hashing,
// collision-free naming and cross-device moves.
package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/printvault/printvault/internal/catalog"
)

// Paths maps the configured data directory onto the pipeline's layout.
type Paths struct {
	// DataDir is the root under which staging and caches live.
	DataDir string
	// LibraryDir is the root of the organised library.
	LibraryDir string
}

// Staging returns the staging root.
func (p Paths) Staging() string { return filepath.Join(p.DataDir, "staging") }

// StagingDesign returns a design's staging directory.
func (p Paths) StagingDesign(designID int64) string {
	return filepath.Join(p.Staging(), fmt.Sprintf("%d", designID))
}

// StagingRecord returns the temporary directory a cloud record downloads
// into before its design exists.
func (p Paths) StagingRecord(recordID int64) string {
	return filepath.Join(p.Staging(), fmt.Sprintf("gdrive_%d", recordID))
}

// Previews returns the preview cache root.
func (p Paths) Previews() string {
	return filepath.Join(p.DataDir, "cache", "previews")
}

// PreviewDir returns the cache directory for one design and source.
func (p Paths) PreviewDir(source catalog.PreviewSource, designID int64) string {
	return filepath.Join(p.Previews(), string(source), fmt.Sprintf("%d", designID))
}

// HashFile computes a file's SHA-256 as lowercase hex.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// UniquePath returns path, or the first "name_N.ext" variant that does not
// exist yet. It gives up after 9999 tries.
func UniquePath(path string) (string, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path, nil
	}
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(path, ext)
	for i := 1; i <= 9999; i++ {
		candidate := fmt.Sprintf("%s_%d%s", stem, i, ext)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no free name for %s", path)
}

// MoveFile renames src to dst, falling back to copy-and-delete when the two
// live on different filesystems.
func MoveFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return err
	}
	return os.Remove(src)
}

// CopyFile copies src to dst, creating parent directories.
func CopyFile(src, dst string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, err
	}
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dst)
	}
	return n, err
}

// RemoveDirIfEmpty deletes dir when it holds no entries.
func RemoveDirIfEmpty(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(entries) > 0 {
		return nil
	}
	return os.Remove(dir)
}

var modelKinds = map[string]catalog.ModelKind{
	"stl":  catalog.ModelSTL,
	"3mf":  catalog.ModelThreeMF,
	"obj":  catalog.ModelOBJ,
	"step": catalog.ModelSTEP,
	"stp":  catalog.ModelSTEP,
}

var archiveExts = map[string]bool{
	"zip": true, "rar": true, "7z": true, "tar": true, "gz": true,
}

var imageExts = map[string]bool{
	"jpg": true, "jpeg": true, "png": true, "gif": true, "webp": true, "bmp": true,
}

// Classify maps a filename onto the catalog's file taxonomy.
func Classify(filename string) (catalog.FileKind, catalog.ModelKind) {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
	if mk, ok := modelKinds[ext]; ok {
		return catalog.FileModel, mk
	}
	if archiveExts[ext] {
		return catalog.FileArchive, catalog.ModelUnknown
	}
	if imageExts[ext] {
		return catalog.FileImage, catalog.ModelUnknown
	}
	return catalog.FileOther, catalog.ModelUnknown
}

// Ext returns the lowercase extension without the dot.
func Ext(filename string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
}
