package textutil

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// FoldKey normalises free-form place names for comparison. Diacritics are stripped, the Turkish
// dotless i is folded onto i, case is folded and inner whitespace collapsed.
func FoldKey(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}

	// transformers and casers carry state, so each call builds its own.
	stripper := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(stripper, trimmed)
	if err != nil {
		stripped = trimmed
	}
	stripped = strings.Map(func(r rune) rune {
		if r == 'ı' {
			return 'i'
		}
		return r
	}, stripped)

	folded := cases.Fold().String(stripped)
	return strings.Join(strings.Fields(folded), " ")
}

// FoldSet builds a lookup set from the folded form of each value, skipping blanks.
func FoldSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, value := range values {
		key := FoldKey(value)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	return set
}
