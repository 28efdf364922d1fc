// Package normalize canonicalizes business display names so that provider
// labels and tracked entity names compare independently of encoding, case,
// width, and punctuation.
package normalize

import (
	"net/url"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// String returns the canonical comparison form of s. It never fails: input
// with malformed percent-escapes is used as-is.
func String(s string) string {
	if s == "" {
		return ""
	}
	// Strip before and after NFKC: compatibility forms such as ⑴ expand into
	// punctuation, while symbols such as ™ would otherwise expand into letters.
	s = strip(decode(s))
	// Lowercasing can leave text that NFKC rewrites again (ŀ expands into a
	// middle dot), so repeat until the form is stable.
	for range maxPasses {
		next := strings.ToLower(strip(norm.NFKC.String(s)))
		if next == s {
			break
		}
		s = next
	}
	return s
}

const maxPasses = 4

// Contains reports whether the normalized target occurs in the normalized
// display name. An empty normalized target matches nothing.
func Contains(display, target string) bool {
	t := String(target)
	if t == "" {
		return false
	}
	return strings.Contains(String(display), t)
}

// decode percent-decodes s with URI-component semantics ('+' stays literal).
func decode(s string) string {
	if !strings.Contains(s, "%") {
		return s
	}
	decoded, err := url.PathUnescape(s)
	if err != nil || !utf8.ValidString(decoded) {
		return s
	}
	return decoded
}

func strip(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if dropped(r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func dropped(r rune) bool {
	return unicode.IsSpace(r) || unicode.IsPunct(r) || unicode.IsSymbol(r) || r == '\uFEFF'
}
