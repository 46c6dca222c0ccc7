package dedup

import (
	"errors"
	"fmt"

	"github.com/tbourn/go-cave-backend/internal/domain"
)

var (
	// ErrDuplicateExact matches rejections for identical content.
	ErrDuplicateExact = errors.New("duplicate: identical content")
	// ErrDuplicateSimilar matches rejections at or above a similarity threshold.
	ErrDuplicateSimilar = errors.New("duplicate: similar content")
	// ErrDuplicatePartial matches quadrant rejections under QuadrantReject.
	ErrDuplicatePartial = errors.New("duplicate: shared image region")
)

// Reason classifies a Rejection.
type Reason string

const (
	ReasonExact   Reason = "exact"
	ReasonSimilar Reason = "similar"
	ReasonPartial Reason = "partial"
)

// Rejection explains why a submission was refused. Element is the 1-based
// media index of the offending image, or 0 for the text check.
type Rejection struct {
	Reason  Reason
	Kind    domain.Kind
	RefID   int
	Score   float64
	Element int
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s duplicate of #%d (%s, %.0f%%)", r.Reason, r.RefID, r.Kind, r.Score*100)
}

// Is lets errors.Is match the sentinel for r.Reason.
func (r *Rejection) Is(target error) bool {
	switch r.Reason {
	case ReasonExact:
		return target == ErrDuplicateExact
	case ReasonSimilar:
		return target == ErrDuplicateSimilar
	case ReasonPartial:
		return target == ErrDuplicatePartial
	}
	return false
}

// Hash is a fingerprint not yet bound to a scope and owner.
type Hash struct {
	Kind domain.Kind
	Hash string
}

// Verdict is the outcome of Evaluate. Exactly one of Rejection and Hashes
// is meaningful: a rejected verdict carries no hashes.
type Verdict struct {
	Rejection *Rejection
	Hashes    []Hash
	Warnings  []domain.PartialMatch
	// Undecodable lists 1-based media indexes whose bytes were not an image;
	// only their digests were checked and kept.
	Undecodable []int
}

// Accepted reports whether no rejection fired.
func (v Verdict) Accepted() bool { return v.Rejection == nil }

// Err returns the rejection as an error, or nil.
func (v Verdict) Err() error {
	if v.Rejection == nil {
		return nil
	}
	return v.Rejection
}

// Fingerprints binds the verdict's hashes to a committed submission.
func (v Verdict) Fingerprints(scope string, owner int) []domain.Fingerprint {
	if v.Rejection != nil {
		return nil
	}
	out := make([]domain.Fingerprint, 0, len(v.Hashes))
	for _, h := range v.Hashes {
		out = append(out, domain.Fingerprint{Scope: scope, Owner: owner, Kind: h.Kind, Hash: h.Hash})
	}
	return out
}
