package repo

import (
	"context"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite (no CGO)
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-cave-backend/internal/domain"
)

func newTestDB(t *testing.T, migrate ...any) *gorm.DB {
	t.Helper()
	// Unique DB per test to avoid schema leaking across tests.
	dsn := fmt.Sprintf("file:repo_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if len(migrate) > 0 {
		if err := db.AutoMigrate(migrate...); err != nil {
			t.Fatalf("automigrate: %v", err)
		}
	}
	return db
}

func seedSubmission(t *testing.T, db *gorm.DB, scope string, id int, owner string, st domain.Status) *domain.Submission {
	t.Helper()
	s := &domain.Submission{
		Scope: scope, ID: id, Owner: owner, Status: st,
		Elements: domain.Elements{&domain.Text{Content: fmt.Sprintf("note %d", id)}},
	}
	if err := CreateSubmission(context.Background(), db, s); err != nil {
		t.Fatalf("seed %s/%d: %v", scope, id, err)
	}
	return s
}

func TestSubmissionsStats_NoTable(t *testing.T) {
	db := newTestDB(t /* no migrations */)
	if _, _, err := SubmissionsStats(context.Background(), db, SubmissionFilter{Scope: "s"}); err == nil {
		t.Fatalf("expected error due to missing submissions table")
	}
}

func TestSubmissionsStats_ZeroRows(t *testing.T) {
	db := newTestDB(t, &domain.Submission{})
	count, maxAt, err := SubmissionsStats(context.Background(), db, SubmissionFilter{Scope: "s"})
	if err != nil {
		t.Fatalf("SubmissionsStats error: %v", err)
	}
	if count != 0 || maxAt != nil {
		t.Fatalf("expected (0, nil), got (%d, %v)", count, maxAt)
	}
}

func TestSubmissionsStats_CountAndLatest(t *testing.T) {
	db := newTestDB(t, &domain.Submission{})
	ctx := context.Background()
	seedSubmission(t, db, "s", 1, "u1", domain.StatusActive)
	seedSubmission(t, db, "s", 2, "u1", domain.StatusActive)
	seedSubmission(t, db, "s", 3, "u1", domain.StatusPending)
	seedSubmission(t, db, "other", 1, "u1", domain.StatusActive)

	later := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	if err := db.Model(&domain.Submission{}).Where("scope = ? AND id = ?", "s", 2).UpdateColumn("updated_at", later).Error; err != nil {
		t.Fatalf("bump updated_at: %v", err)
	}

	count, maxAt, err := SubmissionsStats(ctx, db, SubmissionFilter{Scope: "s", Statuses: []domain.Status{domain.StatusActive}})
	if err != nil {
		t.Fatalf("SubmissionsStats: %v", err)
	}
	if count != 2 {
		t.Fatalf("count = %d, want 2", count)
	}
	if maxAt == nil || !maxAt.Equal(later) {
		t.Fatalf("maxUpdatedAt = %v, want %v", maxAt, later)
	}
}
