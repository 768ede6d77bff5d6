// Package textnorm folds free text for case- and accent-insensitive comparisons.
package textnorm

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Fold lowercases s, strips combining marks and collapses surrounding whitespace,
// so "  Chèque " and "CHEQUE" fold to the same key.
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(strings.Join(strings.Fields(out), " "))
}

// ContainsAny reports whether the folded haystack contains any folded needle.
// Empty needles never match.
func ContainsAny(haystack string, needles []string) bool {
	folded := Fold(haystack)
	if folded == "" {
		return false
	}
	for _, n := range needles {
		fn := Fold(n)
		if fn == "" {
			continue
		}
		if strings.Contains(folded, fn) {
			return true
		}
	}
	return false
}
