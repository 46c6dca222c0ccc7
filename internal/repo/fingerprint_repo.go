package repo

import (
	"context"

	"gorm.io/gorm"

	"github.com/tbourn/go-cave-backend/internal/domain"
)

// fingerprintBatch bounds the rows per INSERT statement.
const fingerprintBatch = 200

// InsertFingerprints bulk-inserts fps. The (scope, owner, hash, kind) unique
// index rejects duplicates.
func InsertFingerprints(ctx context.Context, db *gorm.DB, fps []domain.Fingerprint) error {
	if len(fps) == 0 {
		return nil
	}
	return db.WithContext(ctx).CreateInBatches(fps, fingerprintBatch).Error
}

// FingerprintsByKind returns the fingerprints of scope with one of kinds.
func FingerprintsByKind(ctx context.Context, db *gorm.DB, scope string, kinds ...domain.Kind) ([]domain.Fingerprint, error) {
	var out []domain.Fingerprint
	q := db.WithContext(ctx).Where("scope = ?", scope)
	if len(kinds) > 0 {
		q = q.Where("kind IN ?", kinds)
	}
	err := q.Order("owner asc").Order("id asc").Find(&out).Error
	return out, err
}

// AllFingerprints returns every stored fingerprint.
func AllFingerprints(ctx context.Context, db *gorm.DB) ([]domain.Fingerprint, error) {
	var out []domain.Fingerprint
	err := db.WithContext(ctx).Order("id asc").Find(&out).Error
	return out, err
}

// CountFingerprints returns how many fingerprints owner holds in scope.
func CountFingerprints(ctx context.Context, db *gorm.DB, scope string, owner int) (int64, error) {
	var n int64
	err := db.WithContext(ctx).
		Model(&domain.Fingerprint{}).
		Where("scope = ? AND owner = ?", scope, owner).
		Count(&n).Error
	return n, err
}

// DeleteFingerprints removes every fingerprint of scope owned by owners.
func DeleteFingerprints(ctx context.Context, db *gorm.DB, scope string, owners []int) (int64, error) {
	if len(owners) == 0 {
		return 0, nil
	}
	res := db.WithContext(ctx).
		Where("scope = ? AND owner IN ?", scope, owners).
		Delete(&domain.Fingerprint{})
	return res.RowsAffected, res.Error
}
