package ingest

import (
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// maxTitleLen caps extracted titles.
const maxTitleLen = 200

var (
	urlRe      = regexp.MustCompile(`(?i)(?:https?://|www\.|t\.me/)\S+`)
	nonAlnumRe = regexp.MustCompile(`[^\p{L}\p{N} ]+`)
	wsRe       = regexp.MustCompile(`\s+`)
)

// NormalizeCaption canonicalises a caption for fuzzy comparison: NFKC
// normalisation, lowercase, URLs removed, punctuation removed, whitespace
// collapsed.
func NormalizeCaption(s string) string {
	s = norm.NFKC.String(s)
	s = strings.ToLower(s)
	s = urlRe.ReplaceAllString(s, " ")
	s = nonAlnumRe.ReplaceAllString(s, " ")
	s = wsRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// ExtractTitle picks a display title for an ingested design: the first
// caption line that is not a URL or hashtag run and is longer than three
// characters, else the first candidate filename without extension, else a
// date-based placeholder.
func ExtractTitle(caption, filename string, postedAt time.Time) string {
	for _, line := range strings.Split(caption, "\n") {
		line = strings.TrimSpace(line)
		if len(line) <= 3 {
			continue
		}
		if urlRe.MatchString(line) && strings.TrimSpace(urlRe.ReplaceAllString(line, "")) == "" {
			continue
		}
		if isHashtagRun(line) {
			continue
		}
		return truncate(line, maxTitleLen)
	}
	if filename != "" {
		base := strings.TrimSuffix(filename, path.Ext(filename))
		if base != "" {
			return truncate(base, maxTitleLen)
		}
	}
	return fmt.Sprintf("Design from %s", postedAt.Format("2006-01-02"))
}

func isHashtagRun(line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	for _, f := range fields {
		if !strings.HasPrefix(f, "#") {
			return false
		}
	}
	return true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
