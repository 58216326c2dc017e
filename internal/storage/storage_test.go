package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/printvault/printvault/internal/catalog"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestPathsLayout(t *testing.T) {
	p := Paths{DataDir: "/data", LibraryDir: "/library"}
	require.Equal(t, "/data/staging", p.Staging())
	require.Equal(t, "/data/staging/42", p.StagingDesign(42))
	require.Equal(t, "/data/staging/gdrive_7", p.StagingRecord(7))
	require.Equal(t, "/data/cache/previews", p.Previews())
	require.Equal(t, "/data/cache/previews/rendered/42", p.PreviewDir(catalog.PreviewRendered, 42))
}

func TestHashFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.txt")
	writeFile(t, path, "hello")
	sum, err := HashFile(path)
	require.NoError(t, err)
	// sha256("hello")
	require.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", sum)

	_, err = HashFile(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
}

func TestUniquePath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dragon.stl")

	got, err := UniquePath(path)
	require.NoError(t, err)
	require.Equal(t, path, got)

	writeFile(t, path, "x")
	got, err = UniquePath(path)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "dragon_1.stl"), got)

	writeFile(t, got, "x")
	got, err = UniquePath(path)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "dragon_2.stl"), got)
}

func TestMoveFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.stl")
	dst := filepath.Join(dir, "nested", "deep", "dst.stl")
	writeFile(t, src, "model data")

	require.NoError(t, MoveFile(src, dst))
	_, err := os.Stat(src)
	require.True(t, os.IsNotExist(err))
	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, "model data", string(data))

	require.Error(t, MoveFile(filepath.Join(dir, "missing"), filepath.Join(dir, "out")))
}

func TestCopyFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.bin")
	dst := filepath.Join(dir, "sub", "dst.bin")
	writeFile(t, src, "abcdef")

	n, err := CopyFile(src, dst)
	require.NoError(t, err)
	require.Equal(t, int64(6), n)

	// The source survives a copy.
	_, err = os.Stat(src)
	require.NoError(t, err)
	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, "abcdef", string(data))
}

func TestRemoveDirIfEmpty(t *testing.T) {
	dir := t.TempDir()
	empty := filepath.Join(dir, "empty")
	require.NoError(t, os.MkdirAll(empty, 0o755))
	full := filepath.Join(dir, "full")
	writeFile(t, filepath.Join(full, "f"), "x")

	require.NoError(t, RemoveDirIfEmpty(empty))
	_, err := os.Stat(empty)
	require.True(t, os.IsNotExist(err))

	require.NoError(t, RemoveDirIfEmpty(full))
	_, err = os.Stat(full)
	require.NoError(t, err)

	// A missing directory is fine.
	require.NoError(t, RemoveDirIfEmpty(filepath.Join(dir, "nope")))
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name  string
		kind  catalog.FileKind
		model catalog.ModelKind
	}{
		{"dragon.STL", catalog.FileModel, catalog.ModelSTL},
		{"plate.3mf", catalog.FileModel, catalog.ModelThreeMF},
		{"mesh.obj", catalog.FileModel, catalog.ModelOBJ},
		{"part.step", catalog.FileModel, catalog.ModelSTEP},
		{"part.stp", catalog.FileModel, catalog.ModelSTEP},
		{"bundle.zip", catalog.FileArchive, catalog.ModelUnknown},
		{"bundle.RAR", catalog.FileArchive, catalog.ModelUnknown},
		{"render.png", catalog.FileImage, catalog.ModelUnknown},
		{"readme.txt", catalog.FileOther, catalog.ModelUnknown},
		{"no_extension", catalog.FileOther, catalog.ModelUnknown},
	}
	for _, c := range cases {
		kind, model := Classify(c.name)
		require.Equal(t, c.kind, kind, c.name)
		require.Equal(t, c.model, model, c.name)
	}
}

func TestExt(t *testing.T) {
	require.Equal(t, "stl", Ext("Dragon.STL"))
	require.Equal(t, "gz", Ext("dragon.tar.gz"))
	require.Equal(t, "", Ext("none"))
}
