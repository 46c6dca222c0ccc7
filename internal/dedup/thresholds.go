package dedup

import (
	"fmt"
	"strings"
)

// QuadrantPolicy selects what an identical quadrant hash does to a submission.
type QuadrantPolicy string

const (
	// QuadrantWarn accepts the submission and reports the shared tile.
	QuadrantWarn QuadrantPolicy = "warn"
	// QuadrantReject refuses the submission as a partial duplicate.
	QuadrantReject QuadrantPolicy = "reject"
)

// ParseQuadrantPolicy accepts "warn" or "reject" (case-insensitive); empty means warn.
func ParseQuadrantPolicy(s string) (QuadrantPolicy, error) {
	switch QuadrantPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", QuadrantWarn:
		return QuadrantWarn, nil
	case QuadrantReject:
		return QuadrantReject, nil
	}
	return "", &ValidationError{Field: "QUADRANT_POLICY", Reason: fmt.Sprintf("unknown policy %q", s)}
}

// Thresholds are similarity fractions in [0,1]. A zero DHash disables the
// dHash comparison.
type Thresholds struct {
	Text  float64
	Image float64
	DHash float64
}

// DefaultThresholds returns text 0.9, image 0.8 and dHash disabled.
func DefaultThresholds() Thresholds {
	return Thresholds{Text: 0.9, Image: 0.8}
}

// ValidationError reports malformed dedup configuration.
type ValidationError struct {
	Field  string
	Value  float64
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("dedup: invalid %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("dedup: invalid %s: %v is outside [0,1]", e.Field, e.Value)
}

// Validate returns a *ValidationError for the first threshold outside [0,1].
func (t Thresholds) Validate() error {
	for _, f := range []struct {
		name string
		v    float64
	}{
		{"TEXT_THRESHOLD", t.Text},
		{"IMAGE_THRESHOLD", t.Image},
		{"DHASH_THRESHOLD", t.DHash},
	} {
		// NaN fails both comparisons, so test the accepted range.
		if !(f.v >= 0 && f.v <= 1) {
			return &ValidationError{Field: f.name, Value: f.v}
		}
	}
	return nil
}
