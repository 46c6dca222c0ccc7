// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides small aggregate/statistics queries used
// primarily for conditional responses (e.g., ETag generation) in the HTTP
// layer.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-cave-backend/internal/domain"
)

// SubmissionsStats returns the number of rows matching f and the greatest
// UpdatedAt among them (nil when there are none).
func SubmissionsStats(ctx context.Context, db *gorm.DB, f SubmissionFilter) (count int64, maxUpdatedAt *time.Time, err error) {
	q := f.apply(db.WithContext(ctx).Model(&domain.Submission{}))

	if err = q.Count(&count).Error; err != nil {
		return 0, nil, err
	}
	if count == 0 {
		return 0, nil, nil
	}

	// Get latest updated_at (avoid MAX() -> TEXT in SQLite)
	var row struct {
		UpdatedAt time.Time
	}
	q = f.apply(db.WithContext(ctx).Model(&domain.Submission{}))
	if err = q.Select("updated_at").Order("updated_at DESC").Limit(1).Scan(&row).Error; err != nil {
		return 0, nil, err
	}
	return count, &row.UpdatedAt, nil
}
