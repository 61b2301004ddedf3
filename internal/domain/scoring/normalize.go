package scoring

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// normalize lower-cases s, strips diacritics and collapses whitespace so that
// "Crítico" and "critico" compare equal. Transformers and casers are stateful,
// so a fresh chain is built per call.
func normalize(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	out = cases.Lower(language.Spanish).String(out)
	return strings.Join(strings.Fields(out), " ")
}

// Normalize exposes the comparison form used for keywords and specialties so
// other packages can key lookups the same way.
func Normalize(s string) string {
	return normalize(s)
}

// words splits normalized text on anything that is not a letter or digit.
func words(s string) []string {
	return strings.FieldsFunc(normalize(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// countPhrase counts non-overlapping occurrences of phrase in text, both
// given as word slices. Matching is on whole words only.
func countPhrase(text, phrase []string) int {
	if len(phrase) == 0 {
		return 0
	}
	n := 0
	for i := 0; i+len(phrase) <= len(text); {
		if equalWords(text[i:i+len(phrase)], phrase) {
			n++
			i += len(phrase)
			continue
		}
		i++
	}
	return n
}

func equalWords(a, b []string) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
