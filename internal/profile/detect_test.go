package profile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func dir(name string, children ...*Node) *Node {
	return &Node{Name: name, IsDir: true, Children: children}
}

func file(name string, size int64) *Node {
	return &Node{Name: name, Size: size}
}

func relPaths(fs []File) []string {
	out := make([]string, 0, len(fs))
	for _, f := range fs {
		out = append(out, f.RelPath)
	}
	return out
}

func TestDetectFlatDesign(t *testing.T) {
	d := NewDetector(Config{})
	root := dir("root",
		dir("Dragon Knight",
			file("body.stl", 100),
			file("head.stl", 50),
			file("readme.txt", 5),
		),
		dir("Random Notes",
			file("notes.txt", 10),
		),
	)

	designs := d.Detect(root)
	require.Len(t, designs, 1)
	det := designs[0]
	require.Equal(t, "Dragon Knight", det.RelPath)
	require.Equal(t, "Dragon Knight", det.Title)
	require.Equal(t, []string{"body.stl", "head.stl"}, relPaths(det.ModelFiles))
	require.Empty(t, det.ArchiveFiles)
	require.Equal(t, int64(155), det.TotalSize)
}

func TestDetectDeterministic(t *testing.T) {
	d := NewDetector(Config{})
	root := dir("root",
		dir("Zebra", file("z.stl", 1)),
		dir("Alpha", file("a.stl", 1)),
		dir("Mid", file("m.stl", 1)),
	)

	first := d.Detect(root)
	second := d.Detect(root)
	require.Equal(t, first, second)

	var order []string
	for _, det := range first {
		order = append(order, det.RelPath)
	}
	require.Equal(t, []string{"Alpha", "Mid", "Zebra"}, order)
}

func TestDetectArchiveOnlyFolder(t *testing.T) {
	d := NewDetector(Config{Detection: DetectionConfig{MinModelFiles: 3}})
	root := dir("root",
		dir("Few Models",
			file("a.stl", 1),
			file("b.stl", 1),
		),
		dir("Zipped",
			file("design.zip", 500),
		),
	)

	designs := d.Detect(root)
	require.Len(t, designs, 1)
	require.Equal(t, "Zipped", designs[0].RelPath)
	require.Equal(t, []string{"design.zip"}, relPaths(designs[0].ArchiveFiles))
}

func TestDetectDepthMode(t *testing.T) {
	depth := 2
	d := NewDetector(Config{Detection: DetectionConfig{DesignDepth: &depth}})
	root := dir("root",
		dir("Ada",
			dir("Dragon",
				dir("supported", file("dragon_sup.stl", 10)),
				file("cover.jpg", 2),
			),
			dir("Empty Folder",
				file("notes.txt", 1),
			),
		),
	)

	designs := d.Detect(root)
	require.Len(t, designs, 1)
	det := designs[0]
	require.Equal(t, "Ada/Dragon", det.RelPath)
	// Depth mode sweeps the whole subtree for models.
	require.Equal(t, []string{"supported/dragon_sup.stl"}, relPaths(det.ModelFiles))
}

func TestDetectRequirePreviewFolder(t *testing.T) {
	cfg := Config{
		Detection: DetectionConfig{RequirePreviewFolder: true},
		Preview:   PreviewConfig{Folders: []string{"images"}},
	}
	d := NewDetector(cfg)
	root := dir("root",
		dir("No Preview",
			file("a.stl", 1),
		),
		dir("With Preview",
			file("b.stl", 1),
			dir("Images", file("render.png", 9)),
		),
	)

	designs := d.Detect(root)
	require.Len(t, designs, 1)
	det := designs[0]
	require.Equal(t, "With Preview", det.RelPath)
	require.Equal(t, []string{"Images/render.png"}, relPaths(det.PreviewFiles))
}

func TestDetectWildcardPreviewFolder(t *testing.T) {
	cfg := Config{
		Detection: DetectionConfig{RequirePreviewFolder: true},
		Preview:   PreviewConfig{WildcardFolders: []string{"render*"}},
	}
	d := NewDetector(cfg)
	root := dir("root",
		dir("Design",
			file("a.stl", 1),
			dir("Renders", file("shot.png", 3)),
		),
	)

	designs := d.Detect(root)
	require.Len(t, designs, 1)
	require.Equal(t, []string{"Renders/shot.png"}, relPaths(designs[0].PreviewFiles))
}

func TestDetectIgnoresFoldersAndPatterns(t *testing.T) {
	cfg := Config{
		Ignore: IgnoreConfig{
			Folders:  []string{"__MACOSX"},
			Patterns: []string{"._*"},
		},
	}
	d := NewDetector(cfg)
	root := dir("root",
		dir("Junk Only",
			file("._resource.stl", 1),
			dir("__MACOSX", file("ghost.stl", 1)),
		),
		dir("Real",
			file("model.stl", 1),
		),
	)

	designs := d.Detect(root)
	require.Len(t, designs, 1)
	require.Equal(t, "Real", designs[0].RelPath)
}

func TestDetectModelSubfolders(t *testing.T) {
	cfg := Config{
		Detection: DetectionConfig{
			Structure:       StructureNested,
			ModelSubfolders: []string{"STL"},
			MinModelFiles:   2,
		},
	}
	d := NewDetector(cfg)
	root := dir("root",
		dir("Dragon",
			dir("STL",
				file("body.stl", 10),
				file("head.stl", 10),
			),
			dir("Docs", file("guide.pdf", 1)),
		),
	)

	designs := d.Detect(root)
	require.Len(t, designs, 1)
	require.Equal(t, []string{"STL/body.stl", "STL/head.stl"}, relPaths(designs[0].ModelFiles))
}

func TestDetectRecordsMaxModTime(t *testing.T) {
	newest := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	d := NewDetector(Config{})
	design := dir("Dragon",
		&Node{Name: "a.stl", Size: 1, ModTime: newest.Add(-time.Hour)},
		&Node{Name: "b.stl", Size: 1, ModTime: newest},
	)
	designs := d.Detect(dir("root", design))
	require.Len(t, designs, 1)
	require.Equal(t, newest, designs[0].MaxModTime)
}

func TestExtractTitleStripAndCase(t *testing.T) {
	cfg := Config{
		Title: TitleConfig{
			StripPatterns: []string{"[Presupported]"},
			CaseTransform: CaseTitle,
		},
	}
	d := NewDetector(cfg)
	n := dir("dragon knight [Presupported]", file("a.stl", 1))

	designs := d.Detect(dir("root", n))
	require.Len(t, designs, 1)
	require.Equal(t, "Dragon Knight", designs[0].Title)
}

func TestExtractTitleFromFilename(t *testing.T) {
	cfg := Config{Title: TitleConfig{Source: TitleFilename}}
	d := NewDetector(cfg)
	n := dir("misc-download-2931", file("hero v2.stl", 1))

	designs := d.Detect(dir("root", n))
	require.Len(t, designs, 1)
	require.Equal(t, "hero v2", designs[0].Title)
}

func TestExtractTitleEmptyAfterStripFallsBack(t *testing.T) {
	cfg := Config{Title: TitleConfig{StripPatterns: []string{"Dragon"}}}
	d := NewDetector(cfg)
	det := d.ExtractTitle(dir("Dragon"), "Dragon", nil)
	require.Equal(t, "Dragon", det)
}

func TestAutoTags(t *testing.T) {
	cfg := Config{
		AutoTags: AutoTagsConfig{
			FromSubfolders:  true,
			SubfolderLevels: 2,
			StripPatterns:   []string{`\d+\.?\s*`},
		},
	}
	d := NewDetector(cfg)

	require.Equal(t, []string{"fantasy", "dragons"}, d.autoTags("Fantasy/Dragons/Dragon Knight"))
	require.Equal(t, []string{"fantasy"}, d.autoTags("01. Fantasy/Dragon Knight"))
	require.Nil(t, d.autoTags("Dragon Knight"))
	require.Nil(t, d.autoTags(""))
}

func TestParseConfigRejectsBadJSON(t *testing.T) {
	_, err := ParseConfig([]byte("{not json"))
	require.Error(t, err)
}

func TestParseConfigNormalizesDefaults(t *testing.T) {
	cfg, err := ParseConfig([]byte(`{"detection":{"min_model_files":2}}`))
	require.NoError(t, err)
	require.Equal(t, 2, cfg.Detection.MinModelFiles)
	require.Equal(t, DefaultModelExtensions(), cfg.Detection.ModelExtensions)
	require.Equal(t, StructureAuto, cfg.Detection.Structure)
	require.Equal(t, TitleFolderName, cfg.Title.Source)
}
