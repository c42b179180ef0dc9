package safety

import (
	"strings"
	"unicode"

	"github.com/jkaninda/xpilot/internal/domain"
)

// shingles returns the set of k-word shingles of the normalized text.
// Texts shorter than k words yield a single shingle of all their words.
func shingles(text string, k int) map[string]struct{} {
	words := strings.FieldsFunc(domain.NormalizeText(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	set := make(map[string]struct{})
	if len(words) == 0 {
		return set
	}
	if len(words) < k {
		set[strings.Join(words, " ")] = struct{}{}
		return set
	}
	for i := 0; i+k <= len(words); i++ {
		set[strings.Join(words[i:i+k], " ")] = struct{}{}
	}
	return set
}

// Jaccard returns |a∩b| / |a∪b| over k-word shingles of two texts.
func Jaccard(a, b string, k int) float64 {
	sa, sb := shingles(a, k), shingles(b, k)
	if len(sa) == 0 && len(sb) == 0 {
		return 0
	}
	inter := 0
	for s := range sa {
		if _, ok := sb[s]; ok {
			inter++
		}
	}
	union := len(sa) + len(sb) - inter
	return float64(inter) / float64(union)
}
