// Package similarity compares hex fingerprints and keeps a concurrency-safe,
// per-scope in-memory index of the fingerprints committed so far.
//
//   - Distance / Similarity: Hamming comparison of hex strings
//   - Index: linear scans for proximity kinds, inverted hash → owners maps
//     for equality kinds (quadrants and digests)
//   - Clusters: union-find over owners sharing a quadrant hash
//
// Scoring and ordering are deterministic: ties are broken by the lowest
// owner id. The package does not log.
package similarity

import (
	"errors"
	"fmt"
	"math/bits"
)

// ErrInvalidHash is returned for empty input or non-hex characters.
var ErrInvalidHash = errors.New("similarity: invalid hash")

// Epsilon absorbs float rounding when comparing a score to a threshold.
const Epsilon = 1e-9

func nibble(c byte) (uint8, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

// Distance counts differing bits between two hex strings, compared
// position by position up to the shorter length.
func Distance(a, b string) (int, error) {
	if a == "" || b == "" {
		return 0, ErrInvalidHash
	}
	if err := validHex(a); err != nil {
		return 0, err
	}
	if err := validHex(b); err != nil {
		return 0, err
	}
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	d := 0
	for i := 0; i < n; i++ {
		x, _ := nibble(a[i])
		y, _ := nibble(b[i])
		d += bits.OnesCount8(x ^ y)
	}
	return d, nil
}

// Similarity returns 1 - Distance/bitLength where bitLength is four times
// the longer input. Identical hashes score exactly 1.
func Similarity(a, b string) (float64, error) {
	d, err := Distance(a, b)
	if err != nil {
		return 0, err
	}
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	return 1 - float64(d)/float64(4*n), nil
}

// AtLeast reports whether score reaches threshold, inclusively.
func AtLeast(score, threshold float64) bool {
	return score+Epsilon >= threshold
}

func validHex(s string) error {
	for i := 0; i < len(s); i++ {
		if _, ok := nibble(s[i]); !ok {
			return fmt.Errorf("%w: %q at %d", ErrInvalidHash, s[i], i)
		}
	}
	return nil
}
