package merge

import (
	"strings"
	"unicode"
)

// NormalizeTitle lower-cases a title and collapses it to space-separated
// word tokens, dropping punctuation.
func NormalizeTitle(title string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(title) {
		if unicode.IsLetter(r) || unicode.IsNumber(r) {
			b.WriteRune(r)
		} else {
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// TitleSimilarity is the token Sorensen-Dice coefficient of two normalized
// titles: 1 for identical token sets, 0 for disjoint ones.
func TitleSimilarity(a, b string) float64 {
	ta := strings.Fields(NormalizeTitle(a))
	tb := strings.Fields(NormalizeTitle(b))
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}

	setA := make(map[string]struct{}, len(ta))
	for _, tok := range ta {
		setA[tok] = struct{}{}
	}
	setB := make(map[string]struct{}, len(tb))
	for _, tok := range tb {
		setB[tok] = struct{}{}
	}

	common := 0
	for tok := range setA {
		if _, ok := setB[tok]; ok {
			common++
		}
	}
	return 2 * float64(common) / float64(len(setA)+len(setB))
}
