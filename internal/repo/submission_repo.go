// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// Submission model (the content store).
//
// All functions are context-aware and accept a *gorm.DB handle, so they can
// run inside a transaction. Status changes are conditional updates
// (WHERE status IN from) and report ErrNotFound when no row matched, which
// lets the service layer detect lost races.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-cave-backend/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// SubmissionFilter narrows list queries. Zero fields do not filter.
type SubmissionFilter struct {
	Scope    string
	AnyScope bool // ignore Scope entirely
	Statuses []domain.Status
	Owner    string
}

func (f SubmissionFilter) apply(q *gorm.DB) *gorm.DB {
	if !f.AnyScope {
		q = q.Where("scope = ?", f.Scope)
	}
	if len(f.Statuses) > 0 {
		q = q.Where("status IN ?", f.Statuses)
	}
	if f.Owner != "" {
		q = q.Where("owner = ?", f.Owner)
	}
	return q
}

// CreateSubmission inserts s. CreatedAt defaults to now (UTC).
func CreateSubmission(ctx context.Context, db *gorm.DB, s *domain.Submission) error {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	return db.WithContext(ctx).Create(s).Error
}

// GetSubmission fetches one submission or returns ErrNotFound.
func GetSubmission(ctx context.Context, db *gorm.DB, scope string, id int) (*domain.Submission, error) {
	var s domain.Submission
	err := db.WithContext(ctx).
		Where("scope = ? AND id = ?", scope, id).
		First(&s).Error
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// CountSubmissions returns how many rows match f.
func CountSubmissions(ctx context.Context, db *gorm.DB, f SubmissionFilter) (int64, error) {
	var total int64
	err := f.apply(db.WithContext(ctx).Model(&domain.Submission{})).Count(&total).Error
	return total, err
}

// ListSubmissionsPage returns rows matching f ordered by id ascending.
// limit <= 0 returns every row.
func ListSubmissionsPage(ctx context.Context, db *gorm.DB, f SubmissionFilter, offset, limit int) ([]domain.Submission, error) {
	var out []domain.Submission
	q := f.apply(db.WithContext(ctx)).Order("scope asc").Order("id asc")
	if limit > 0 {
		q = q.Offset(offset).Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}

// RandomSubmission picks one row matching f uniformly at random.
func RandomSubmission(ctx context.Context, db *gorm.DB, f SubmissionFilter) (*domain.Submission, error) {
	var s domain.Submission
	err := f.apply(db.WithContext(ctx)).Order("RANDOM()").Limit(1).Take(&s).Error
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// TransitionStatus moves (scope, id) to status to if its current status is
// one of from. Extra columns in set are written in the same statement.
func TransitionStatus(ctx context.Context, db *gorm.DB, scope string, id int, from []domain.Status, to domain.Status, set map[string]any) error {
	updates := map[string]any{"status": to, "updated_at": time.Now().UTC()}
	for k, v := range set {
		updates[k] = v
	}
	res := db.WithContext(ctx).
		Model(&domain.Submission{}).
		Where("scope = ? AND id = ? AND status IN ?", scope, id, from).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// MoveAllStatus atomically moves every row in status from, across all
// scopes, to status to and returns the number of rows changed.
func MoveAllStatus(ctx context.Context, db *gorm.DB, from, to domain.Status) (int64, error) {
	res := db.WithContext(ctx).
		Model(&domain.Submission{}).
		Where("status = ?", from).
		Updates(map[string]any{"status": to, "updated_at": time.Now().UTC()})
	return res.RowsAffected, res.Error
}

// SetStatus moves the given ids of scope to status to in one statement,
// regardless of their current status.
func SetStatus(ctx context.Context, db *gorm.DB, scope string, ids []int, to domain.Status) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := db.WithContext(ctx).
		Model(&domain.Submission{}).
		Where("scope = ? AND id IN ?", scope, ids).
		Updates(map[string]any{"status": to, "updated_at": time.Now().UTC()})
	return res.RowsAffected, res.Error
}

// UpdateElements rewrites the content elements of a row.
func UpdateElements(ctx context.Context, db *gorm.DB, scope string, id int, es domain.Elements) error {
	res := db.WithContext(ctx).
		Model(&domain.Submission{}).
		Where("scope = ? AND id = ?", scope, id).
		Updates(map[string]any{"elements": es, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSubmission removes the row only while it is still in status. The
// returned count is 0 when another caller already removed it.
func DeleteSubmission(ctx context.Context, db *gorm.DB, scope string, id int, status domain.Status) (int64, error) {
	res := db.WithContext(ctx).
		Where("scope = ? AND id = ? AND status = ?", scope, id, status).
		Delete(&domain.Submission{})
	return res.RowsAffected, res.Error
}

// MaxSubmissionID returns the highest id in scope, or 0 for an empty scope.
func MaxSubmissionID(ctx context.Context, db *gorm.DB, scope string) (int, error) {
	var row struct{ ID int }
	err := db.WithContext(ctx).
		Model(&domain.Submission{}).
		Select("id").
		Where("scope = ?", scope).
		Order("id desc").
		Limit(1).
		Scan(&row).Error
	return row.ID, err
}

// SubmissionIDs returns every id taken in scope, in any status.
func SubmissionIDs(ctx context.Context, db *gorm.DB, scope string) ([]int, error) {
	var ids []int
	err := db.WithContext(ctx).
		Model(&domain.Submission{}).
		Where("scope = ?", scope).
		Pluck("id", &ids).Error
	return ids, err
}
