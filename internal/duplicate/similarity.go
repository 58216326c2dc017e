package duplicate

import (
	"regexp"
	"strings"
)

var tokenSplitRe = regexp.MustCompile(`[^\p{L}\p{N}]+`)

// tokens lowercases and splits a string into its word set.
func tokens(s string) map[string]bool {
	out := map[string]bool{}
	for _, t := range tokenSplitRe.Split(strings.ToLower(s), -1) {
		if t != "" {
			out[t] = true
		}
	}
	return out
}

// TitleSimilarity scores two titles in [0,1] using a token-set Dice
// coefficient: word order and punctuation do not matter, shared vocabulary
// does.
func TitleSimilarity(a, b string) float64 {
	ta, tb := tokens(a), tokens(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	inter := 0
	for t := range ta {
		if tb[t] {
			inter++
		}
	}
	return 2 * float64(inter) / float64(len(ta)+len(tb))
}
