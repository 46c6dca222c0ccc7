// Package app assembles the cave service graph from configuration. Both
// cave-server and cavectl start here so they share one database layout,
// one blob directory and one set of dedup rules.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-cave-backend/internal/blob"
	"github.com/tbourn/go-cave-backend/internal/config"
	"github.com/tbourn/go-cave-backend/internal/dedup"
	"github.com/tbourn/go-cave-backend/internal/fingerprint"
	"github.com/tbourn/go-cave-backend/internal/idalloc"
	"github.com/tbourn/go-cave-backend/internal/media"
	"github.com/tbourn/go-cave-backend/internal/repo"
	"github.com/tbourn/go-cave-backend/internal/services"
	"github.com/tbourn/go-cave-backend/internal/similarity"
)

// App holds the wired components.
type App struct {
	Config      config.Config
	DB          *gorm.DB
	Blobs       *blob.LocalStore
	Index       *similarity.Index
	IDs         *idalloc.Allocator
	Reaper      *services.Reaper
	Submissions *services.SubmissionService
}

// Open connects storage, loads every persisted fingerprint into the
// similarity index and builds the services. It does not run recovery; call
// Submissions.Recover before accepting traffic.
func Open(ctx context.Context, cfg config.Config) (*App, error) {
	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("db dir: %w", err)
		}
	}
	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	a, err := build(ctx, cfg, db)
	if err != nil {
		closeDB(db)
		return nil, err
	}
	return a, nil
}

func build(ctx context.Context, cfg config.Config, db *gorm.DB) (*App, error) {
	if err := repo.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	store, err := blob.NewLocalStore(cfg.BlobDir)
	if err != nil {
		return nil, fmt.Errorf("blob store: %w", err)
	}

	ix := similarity.NewIndex()
	if err := ix.Load(ctx, repo.FingerprintSource{DB: db}); err != nil {
		return nil, fmt.Errorf("load fingerprints: %w", err)
	}

	hasher, err := fingerprint.NewHasher(cfg.Dedup.HashCacheSize)
	if err != nil {
		return nil, err
	}
	gate, err := dedup.New(ix, hasher, cfg.Dedup.Thresholds, cfg.Dedup.Quadrant)
	if err != nil {
		return nil, err
	}

	ids := idalloc.New(repo.IDStore{DB: db})
	locks := &services.ScopeLocks{}
	reaper := &services.Reaper{
		Locks:            locks,
		DB:               db,
		Blobs:            store,
		Index:            ix,
		IDs:              ids,
		Interval:         cfg.ReaperInterval,
		PurgeIdempotency: true,
	}
	svc := &services.SubmissionService{
		Locks: locks,
		DB:    db,
		Blobs: store,
		Fetcher: media.NewFetcher(media.Options{
			Timeout:      cfg.Fetch.Timeout,
			MaxBytes:     cfg.Fetch.MaxBytes,
			Retries:      cfg.Fetch.Retries,
			AllowPrivate: cfg.Fetch.AllowPrivate,
		}),
		Gate:     gate,
		Index:    ix,
		IDs:      ids,
		Reaper:   reaper,
		Notifier: services.LogNotifier{},
		Policy: services.Policy{
			ScopedIDs:         cfg.Pool.ScopedIDs,
			ModerationEnabled: cfg.Pool.ModerationEnabled,
			ModeratedScopes:   cfg.Pool.ModeratedScopes,
		},
	}

	log.Info().
		Str("db", cfg.DBPath).
		Str("blobs", cfg.BlobDir).
		Float64("text_threshold", cfg.Dedup.Thresholds.Text).
		Float64("image_threshold", cfg.Dedup.Thresholds.Image).
		Float64("dhash_threshold", cfg.Dedup.Thresholds.DHash).
		Str("quadrant_policy", string(cfg.Dedup.Quadrant)).
		Bool("scoped_ids", cfg.Pool.ScopedIDs).
		Bool("moderation", cfg.Pool.ModerationEnabled).
		Msg("pool ready")

	return &App{
		Config:      cfg,
		DB:          db,
		Blobs:       store,
		Index:       ix,
		IDs:         ids,
		Reaper:      reaper,
		Submissions: svc,
	}, nil
}

// Close releases the database.
func (a *App) Close() error {
	sqlDB, err := a.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func closeDB(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

// ErrNotReady is returned by Start when recovery fails.
var ErrNotReady = errors.New("app: recovery failed")

// Start runs startup recovery and then the reaper loop in the background
// until ctx ends.
func (a *App) Start(ctx context.Context) error {
	moved, purged, err := a.Submissions.Recover(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNotReady, err)
	}
	log.Info().Int64("discarded", moved).Int("purged", purged).Msg("recovery complete")
	go a.Reaper.Run(ctx)
	return nil
}
