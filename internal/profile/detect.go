package profile

import (
	"path"
	"sort"
	"strings"
)

// Detector applies one profile's rules to a folder tree.
type Detector struct {
	cfg Config

	modelExt   map[string]bool
	archiveExt map[string]bool
	previewExt map[string]bool
	ignoreExt  map[string]bool
}

// NewDetector builds a detector for the given (normalized) config.
func NewDetector(cfg Config) *Detector {
	cfg.Normalize()
	return &Detector{
		cfg:        cfg,
		modelExt:   extSet(cfg.Detection.ModelExtensions),
		archiveExt: extSet(cfg.Detection.ArchiveExtensions),
		previewExt: extSet(cfg.Preview.Extensions),
		ignoreExt:  extSet(cfg.Ignore.Extensions),
	}
}

func extSet(exts []string) map[string]bool {
	m := make(map[string]bool, len(exts))
	for _, e := range exts {
		m[strings.ToLower(strings.TrimPrefix(e, "."))] = true
	}
	return m
}

// Detect walks the tree depth-first and returns every design folder in
// traversal order. Detection is deterministic: children are visited in
// name order and a detected design is never descended into.
func (d *Detector) Detect(root *Node) []Detected {
	if root == nil || !root.IsDir {
		return nil
	}
	var out []Detected
	if d.cfg.Detection.DesignDepth != nil {
		d.walkDepth(root, "", 0, *d.cfg.Detection.DesignDepth, &out)
		return out
	}
	d.walk(root, "", &out)
	return out
}

// walkDepth implements depth-based detection: folders at exactly the target
// depth are designs iff their subtree holds any model or archive file.
// Deeper folders are never considered.
func (d *Detector) walkDepth(n *Node, rel string, depth, target int, out *[]Detected) {
	if d.ignored(n.Name) {
		return
	}
	if depth == target {
		if d.subtreeHasCandidates(n) {
			*out = append(*out, d.collect(n, rel, true))
		}
		return
	}
	for _, c := range sortedDirs(n) {
		d.walkDepth(c, joinRel(rel, c.Name), depth+1, target, out)
	}
}

func (d *Detector) walk(n *Node, rel string, out *[]Detected) {
	if d.ignored(n.Name) && rel != "" {
		return
	}
	if d.isDesign(n) {
		*out = append(*out, d.collect(n, rel, false))
		return
	}
	for _, c := range sortedDirs(n) {
		d.walk(c, joinRel(rel, c.Name), out)
	}
}

// isDesign applies steps 3–5 of the detection contract to one folder.
func (d *Detector) isDesign(n *Node) bool {
	models := d.countRootModels(n)
	if d.cfg.Detection.Structure != StructureFlat {
		for _, c := range n.Children {
			if c.IsDir && d.nameInSet(c.Name, d.cfg.Detection.ModelSubfolders) {
				models += d.countSubtreeModels(c)
			}
		}
	}
	archives := 0
	for _, c := range n.Children {
		if !c.IsDir && d.matchExt(c.Name, d.archiveExt) && !d.ignoredFile(c.Name) {
			archives++
		}
	}
	if models < d.cfg.Detection.MinModelFiles && archives < 1 {
		return false
	}
	if d.cfg.Detection.RequirePreviewFolder && !d.hasPreviewFolder(n) {
		return false
	}
	return true
}

func (d *Detector) countRootModels(n *Node) int {
	count := 0
	for _, c := range n.Children {
		if !c.IsDir && d.matchExt(c.Name, d.modelExt) && !d.ignoredFile(c.Name) {
			count++
		}
	}
	return count
}

func (d *Detector) countSubtreeModels(n *Node) int {
	count := 0
	for _, c := range n.Children {
		if c.IsDir {
			if !d.ignored(c.Name) {
				count += d.countSubtreeModels(c)
			}
			continue
		}
		if d.matchExt(c.Name, d.modelExt) && !d.ignoredFile(c.Name) {
			count++
		}
	}
	return count
}

func (d *Detector) subtreeHasCandidates(n *Node) bool {
	for _, c := range n.Children {
		if c.IsDir {
			if !d.ignored(c.Name) && d.subtreeHasCandidates(c) {
				return true
			}
			continue
		}
		if d.ignoredFile(c.Name) {
			continue
		}
		if d.matchExt(c.Name, d.modelExt) || d.matchExt(c.Name, d.archiveExt) {
			return true
		}
	}
	return false
}

// hasPreviewFolder reports whether any direct subfolder matches the preview
// folder names or wildcard patterns. Matching is case-insensitive
// throughout.
func (d *Detector) hasPreviewFolder(n *Node) bool {
	for _, c := range n.Children {
		if c.IsDir && d.isPreviewFolder(c.Name) {
			return true
		}
	}
	return false
}

func (d *Detector) isPreviewFolder(name string) bool {
	if d.nameInSet(name, d.cfg.Preview.Folders) {
		return true
	}
	lower := strings.ToLower(name)
	for _, pat := range d.cfg.Preview.WildcardFolders {
		if ok, _ := path.Match(strings.ToLower(pat), lower); ok {
			return true
		}
	}
	return false
}

// collect gathers a detected design's files and metadata. In depth mode the
// whole subtree contributes model files; otherwise only the folder root and
// configured model subfolders do.
func (d *Detector) collect(n *Node, rel string, wholeSubtree bool) Detected {
	det := Detected{RelPath: rel, Node: n}
	d.gather(n, "", &det, wholeSubtree, d.cfg.Preview.IncludeRoot)
	det.Title = d.ExtractTitle(n, rel, det.ModelFiles)
	det.Tags = d.autoTags(rel)
	sortFiles(det.ModelFiles)
	sortFiles(det.ArchiveFiles)
	sortFiles(det.PreviewFiles)
	return det
}

func (d *Detector) gather(n *Node, rel string, det *Detected, wholeSubtree, previewHere bool) {
	atRoot := rel == ""
	for _, c := range n.Children {
		if c.IsDir {
			if d.ignored(c.Name) {
				continue
			}
			inPreview := d.isPreviewFolder(c.Name)
			inModels := d.nameInSet(c.Name, d.cfg.Detection.ModelSubfolders)
			// Model files count inside the subtree when in depth mode or
			// inside a declared model subfolder; preview files only inside
			// preview folders (or at root when include_root is set).
			d.gatherFiles(c, joinRel(rel, c.Name), det, wholeSubtree || inModels, inPreview)
			continue
		}
		d.file(c, joinRel(rel, c.Name), det, true, previewHere || atRoot && d.cfg.Preview.IncludeRoot)
	}
}

func (d *Detector) gatherFiles(n *Node, rel string, det *Detected, models, previews bool) {
	for _, c := range n.Children {
		if c.IsDir {
			if d.ignored(c.Name) {
				continue
			}
			d.gatherFiles(c, joinRel(rel, c.Name), det,
				models, previews || d.isPreviewFolder(c.Name))
			continue
		}
		d.file(c, joinRel(rel, c.Name), det, models, previews)
	}
}

func (d *Detector) file(c *Node, rel string, det *Detected, models, previews bool) {
	det.TotalSize += c.Size
	if c.ModTime.After(det.MaxModTime) {
		det.MaxModTime = c.ModTime
	}
	if d.ignoredFile(c.Name) {
		return
	}
	f := File{RelPath: rel, Size: c.Size, Ref: c.Ref}
	switch {
	case models && d.matchExt(c.Name, d.modelExt):
		det.ModelFiles = append(det.ModelFiles, f)
	case d.matchExt(c.Name, d.archiveExt):
		det.ArchiveFiles = append(det.ArchiveFiles, f)
	case previews && d.matchExt(c.Name, d.previewExt):
		det.PreviewFiles = append(det.PreviewFiles, f)
	}
}

func (d *Detector) ignored(name string) bool {
	if d.nameInSet(name, d.cfg.Ignore.Folders) {
		return true
	}
	lower := strings.ToLower(name)
	for _, pat := range d.cfg.Ignore.Patterns {
		if ok, _ := path.Match(strings.ToLower(pat), lower); ok {
			return true
		}
	}
	return false
}

func (d *Detector) ignoredFile(name string) bool {
	if d.matchExt(name, d.ignoreExt) {
		return true
	}
	lower := strings.ToLower(name)
	for _, pat := range d.cfg.Ignore.Patterns {
		if ok, _ := path.Match(strings.ToLower(pat), lower); ok {
			return true
		}
	}
	return false
}

func (d *Detector) nameInSet(name string, set []string) bool {
	for _, s := range set {
		if strings.EqualFold(name, s) {
			return true
		}
	}
	return false
}

func (d *Detector) matchExt(name string, set map[string]bool) bool {
	if len(set) == 0 {
		return false
	}
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(name), "."))
	return set[ext]
}

func sortedDirs(n *Node) []*Node {
	dirs := make([]*Node, 0, len(n.Children))
	for _, c := range n.Children {
		if c.IsDir {
			dirs = append(dirs, c)
		}
	}
	sort.Slice(dirs, func(i, j int) bool { return dirs[i].Name < dirs[j].Name })
	return dirs
}

func sortFiles(fs []File) {
	sort.Slice(fs, func(i, j int) bool { return fs[i].RelPath < fs[j].RelPath })
}

func joinRel(rel, name string) string {
	if rel == "" {
		return name
	}
	return rel + "/" + name
}
