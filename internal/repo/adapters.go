package repo

import (
	"context"

	"gorm.io/gorm"

	"github.com/tbourn/go-cave-backend/internal/domain"
)

// IDStore exposes submission ids to the id allocator.
type IDStore struct{ DB *gorm.DB }

func (s IDStore) MaxID(ctx context.Context, scope string) (int, error) {
	return MaxSubmissionID(ctx, s.DB, scope)
}

func (s IDStore) IDs(ctx context.Context, scope string) ([]int, error) {
	return SubmissionIDs(ctx, s.DB, scope)
}

// FingerprintSource feeds the similarity index at startup.
type FingerprintSource struct{ DB *gorm.DB }

func (s FingerprintSource) AllFingerprints(ctx context.Context) ([]domain.Fingerprint, error) {
	return AllFingerprints(ctx, s.DB)
}
