package service

import (
	"strings"

	"github.com/agnivade/levenshtein"
)

// nameSimilarity scores two display names in [0,1], 1 being identical.
// Case-insensitive normalized edit distance; good enough for the manual
// linking workflows it feeds, which never act on a score automatically.
func nameSimilarity(a, b string) float64 {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}
	longest := len([]rune(a))
	if l := len([]rune(b)); l > longest {
		longest = l
	}
	dist := levenshtein.ComputeDistance(a, b)
	return 1 - float64(dist)/float64(longest)
}
