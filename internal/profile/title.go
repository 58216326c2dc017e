package profile

import (
	"path"
	"regexp"
	"strings"
)

// ExtractTitle derives a design title from the detected folder per the
// profile's title rules: pick the source name, strip literal patterns, apply
// the case transform, and fall back to the raw name when the result is
// empty.
func (d *Detector) ExtractTitle(n *Node, rel string, modelFiles []File) string {
	raw := n.Name
	switch d.cfg.Title.Source {
	case TitleParentFolder:
		if parts := strings.Split(rel, "/"); len(parts) >= 2 {
			raw = parts[len(parts)-2]
		}
	case TitleFilename:
		if len(modelFiles) > 0 {
			base := path.Base(modelFiles[0].RelPath)
			raw = strings.TrimSuffix(base, path.Ext(base))
		}
	}
	title := raw
	for _, pat := range d.cfg.Title.StripPatterns {
		title = strings.ReplaceAll(title, pat, "")
	}
	title = strings.TrimSpace(title)
	switch d.cfg.Title.CaseTransform {
	case CaseTitle:
		title = titleCase(title)
	case CaseLower:
		title = strings.ToLower(title)
	case CaseUpper:
		title = strings.ToUpper(title)
	}
	if title == "" {
		return raw
	}
	return title
}

func titleCase(s string) string {
	words := strings.Fields(strings.ToLower(s))
	for i, w := range words {
		r := []rune(w)
		r[0] = []rune(strings.ToUpper(string(r[0])))[0]
		words[i] = string(r)
	}
	return strings.Join(words, " ")
}

// autoTags derives tags from the design's ancestor folder names when the
// profile enables it. StripPatterns are regular expressions here (unlike
// title strip patterns, which are literals).
func (d *Detector) autoTags(rel string) []string {
	if !d.cfg.AutoTags.FromSubfolders || rel == "" {
		return nil
	}
	parts := strings.Split(rel, "/")
	// Drop the design folder itself; ancestors carry the category names.
	parts = parts[:len(parts)-1]
	levels := d.cfg.AutoTags.SubfolderLevels
	if levels > 0 && len(parts) > levels {
		parts = parts[:levels]
	}
	var strip []*regexp.Regexp
	for _, p := range d.cfg.AutoTags.StripPatterns {
		if re, err := regexp.Compile(p); err == nil {
			strip = append(strip, re)
		}
	}
	var tags []string
	seen := map[string]bool{}
	for _, p := range parts {
		tag := p
		for _, re := range strip {
			tag = re.ReplaceAllString(tag, "")
		}
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag != "" && !seen[tag] {
			seen[tag] = true
			tags = append(tags, tag)
		}
	}
	return tags
}
