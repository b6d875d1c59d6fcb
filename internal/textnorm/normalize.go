// Package textnorm canonicalizes free-form chat text before it is matched
// against banned terms. The output keeps only the Arabic block, lowercase
// Latin letters, ASCII digits and single spaces, so visually equivalent
// spellings collapse onto one form. Compatibility forms such as Arabic
// presentation forms, ligatures and fullwidth Latin fold onto their base
// letters first.
package textnorm

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

const tatweel = 'ـ'

var folder = cases.Fold()

// Normalize returns the canonical form of s. It never fails; invalid UTF-8
// bytes are treated like any other disallowed character. Normalize is
// idempotent.
func Normalize(s string) string {
	if s == "" {
		return ""
	}
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, " ")
	}

	s = strings.Map(stripInvisible, s)
	s = norm.NFKC.String(s)
	s = strings.Map(asciiDigit, s)
	s = folder.String(s)
	s = stripMarks(s)
	s = strings.Map(foldLetter, s)
	s = strings.Map(keepAllowed, s)
	return strings.Join(strings.Fields(s), " ")
}

// stripInvisible drops zero-width characters and bidi controls.
func stripInvisible(r rune) rune {
	switch {
	case r >= 0x200B && r <= 0x200F,
		r >= 0x202A && r <= 0x202E,
		r >= 0x2066 && r <= 0x2069,
		r == 0xFEFF,
		r == 0x061C:
		return -1
	}
	return r
}

// asciiDigit maps any Unicode decimal digit onto '0'..'9'. Decimal digits are
// encoded in contiguous runs of ten starting at zero, so the digit value is
// the offset from the start of the run modulo ten.
func asciiDigit(r rune) rune {
	if r < 0x80 || !unicode.Is(unicode.Nd, r) {
		return r
	}
	start := r
	for start > 0 && unicode.Is(unicode.Nd, start-1) {
		start--
	}
	return '0' + (r-start)%10
}

// stripMarks removes combining marks (Arabic harakat, Latin accents, ...)
// by decomposing, dropping nonspacing marks and recomposing.
func stripMarks(s string) string {
	decomposed := norm.NFD.String(s)
	var b strings.Builder
	b.Grow(len(decomposed))
	for _, r := range decomposed {
		if unicode.Is(unicode.Mn, r) {
			continue
		}
		b.WriteRune(r)
	}
	return norm.NFC.String(b.String())
}

// foldLetter removes elongation and maps letter variants onto one form.
func foldLetter(r rune) rune {
	switch r {
	case tatweel:
		return -1
	case 'آ', 'أ', 'إ':
		return 'ا'
	case 'ة':
		return 'ه'
	case 'ى':
		return 'ي'
	}
	return r
}

func keepAllowed(r rune) rune {
	switch {
	case r >= 0x0600 && r <= 0x06FF,
		r >= 'a' && r <= 'z',
		r >= '0' && r <= '9',
		unicode.IsSpace(r):
		return r
	}
	return ' '
}
