package textutil

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// vietnameseLetters covers the letters NFD decomposition leaves intact.
var vietnameseLetters = strings.NewReplacer("đ", "d", "Đ", "D")

// FoldASCII strips diacritics and drops any remaining non-ASCII runes so the result survives
// gateways that only accept US-ASCII text. Whitespace runs collapse to single spaces.
func FoldASCII(value string) string {
	value = vietnameseLetters.Replace(value)
	folded, _, err := transform.String(transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC), value)
	if err != nil {
		folded = value
	}

	var b strings.Builder
	b.Grow(len(folded))
	for _, r := range folded {
		if r < unicode.MaxASCII && (unicode.IsPrint(r) || unicode.IsSpace(r)) {
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
