// Package utils holds small parsing helpers shared by the HTTP layer.
package utils

import "strconv"

// Page bounds for list endpoints.
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// AtoiDefault parses s, returning def when s is empty or not an integer.
func AtoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

// Page clamps raw page and page_size query values. page is at least 1 and
// size lies in [1, MaxPageSize].
func Page(rawPage, rawSize string) (page, size int) {
	return Clamp(AtoiDefault(rawPage, 1), AtoiDefault(rawSize, DefaultPageSize))
}

// Clamp applies the Page bounds to already parsed values.
func Clamp(page, size int) (int, int) {
	return max(page, 1), min(max(size, 1), MaxPageSize)
}

// Offset converts a 1-based page into a row offset.
func Offset(page, size int) int {
	return (page - 1) * size
}

// PositiveID parses a submission id. Zero, negatives and junk are rejected.
func PositiveID(s string) (int, bool) {
	id, err := strconv.Atoi(s)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
