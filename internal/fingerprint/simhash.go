package fingerprint

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/zeebo/blake3"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// ShingleSize is the rune width of the overlapping text shingles.
const ShingleSize = 2

var lower = cases.Lower(language.Und)

// NormalizeText applies NFKC, Unicode lowercasing and drops every whitespace rune.
func NormalizeText(s string) string {
	s = lower.String(norm.NFKC.String(s))
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}

// Shingles returns the distinct overlapping ShingleSize-rune substrings of
// an already normalized string. A string shorter than ShingleSize is a
// single shingle.
func Shingles(cleaned string) map[string]struct{} {
	rs := []rune(cleaned)
	out := make(map[string]struct{})
	if len(rs) == 0 {
		return out
	}
	if len(rs) < ShingleSize {
		out[cleaned] = struct{}{}
		return out
	}
	for i := 0; i+ShingleSize <= len(rs); i++ {
		out[string(rs[i:i+ShingleSize])] = struct{}{}
	}
	return out
}

// SimHash computes the 64-bit SimHash of text as 16 hex characters.
// ok is false when nothing is left after normalization.
func SimHash(text string) (hash string, ok bool) {
	cleaned := NormalizeText(text)
	if cleaned == "" {
		return "", false
	}
	var acc [64]int
	for sh := range Shingles(cleaned) {
		sum := blake3.Sum256([]byte(sh))
		for i := 0; i < 64; i++ {
			if sum[i/8]>>(7-uint(i%8))&1 == 1 {
				acc[i]++
			} else {
				acc[i]--
			}
		}
	}
	var v uint64
	for i := 0; i < 64; i++ {
		if acc[i] > 0 {
			v |= 1 << (63 - uint(i))
		}
	}
	return fmt.Sprintf("%016x", v), true
}
