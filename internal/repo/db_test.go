package repo

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tbourn/go-cave-backend/internal/domain"
)

func TestDSN(t *testing.T) {
	got := DSN("cave.db")
	if !strings.HasPrefix(got, "cave.db?_pragma=journal_mode(WAL)&") || strings.Count(got, "_pragma=") != len(pragmas) {
		t.Fatalf("DSN = %q", got)
	}
	mem := DSN("file:x?mode=memory")
	if !strings.HasPrefix(mem, "file:x?mode=memory&_pragma=") || strings.Count(mem, "?") != 1 {
		t.Fatalf("DSN with query = %q", mem)
	}
}

func TestOpenSQLite_MissingParentDir(t *testing.T) {
	bad := filepath.Join(t.TempDir(), "does-not-exist", "cave.db")
	db, err := OpenSQLite(bad)
	if err == nil || db != nil {
		t.Fatalf("expected error opening %q, got db=%v err=%v", bad, db, err)
	}
}

func TestOpenSQLite_PragmasOnEveryConnection(t *testing.T) {
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "cave.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	sqlDB, _ := db.DB()
	t.Cleanup(func() { _ = sqlDB.Close() })

	if n := sqlDB.Stats().MaxOpenConnections; n != 10 {
		t.Fatalf("MaxOpenConnections = %d", n)
	}

	// hold two connections at once so the second is a fresh one
	ctx := context.Background()
	c1, err := sqlDB.Conn(ctx)
	if err != nil {
		t.Fatalf("conn: %v", err)
	}
	defer c1.Close()
	c2, err := sqlDB.Conn(ctx)
	if err != nil {
		t.Fatalf("conn: %v", err)
	}
	defer c2.Close()

	for i, c := range []*sql.Conn{c1, c2} {
		var mode string
		var busy, fk int
		if err := c.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode); err != nil || strings.ToLower(mode) != "wal" {
			t.Fatalf("conn %d journal_mode = %q, %v", i, mode, err)
		}
		if err := c.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&busy); err != nil || busy != 5000 {
			t.Fatalf("conn %d busy_timeout = %d, %v", i, busy, err)
		}
		if err := c.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&fk); err != nil || fk != 1 {
			t.Fatalf("conn %d foreign_keys = %d, %v", i, fk, err)
		}
	}
}

func TestAutoMigrate_CreatesPoolTables(t *testing.T) {
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "cave.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	sqlDB, _ := db.DB()
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := AutoMigrate(db); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	m := db.Migrator()
	for _, tbl := range []any{&domain.Submission{}, &domain.Fingerprint{}, &domain.Idempotency{}} {
		if !m.HasTable(tbl) {
			t.Fatalf("expected table for %T", tbl)
		}
	}

	ctx := context.Background()
	sub := &domain.Submission{Scope: "s", ID: 1, Owner: "u1", Status: domain.StatusActive,
		Elements: domain.Elements{&domain.Text{Content: "hi"}}}
	if err := CreateSubmission(ctx, db, sub); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := InsertFingerprints(ctx, db, []domain.Fingerprint{{Scope: "s", Owner: 1, Kind: domain.KindTextSimHash, Hash: "00ff"}}); err != nil {
		t.Fatalf("fingerprints: %v", err)
	}
	got, err := GetSubmission(ctx, db, "s", 1)
	if err != nil || got.Owner != "u1" {
		t.Fatalf("readback = %+v, %v", got, err)
	}
}
