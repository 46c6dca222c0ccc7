package services

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"

	"github.com/tbourn/go-cave-backend/internal/blob"
	"github.com/tbourn/go-cave-backend/internal/domain"
	"github.com/tbourn/go-cave-backend/internal/idalloc"
	"github.com/tbourn/go-cave-backend/internal/observability"
	"github.com/tbourn/go-cave-backend/internal/repo"
	"github.com/tbourn/go-cave-backend/internal/similarity"
)

// DefaultReapInterval is used by Run when Interval is zero.
const DefaultReapInterval = time.Minute

// Reaper permanently removes deleted submissions: blobs first, then
// fingerprints, then the row, and finally hands the id back to the
// allocator. A row whose blobs cannot be removed stays for the next pass.
type Reaper struct {
	DB       *gorm.DB
	Blobs    blob.Store
	Index    *similarity.Index
	IDs      *idalloc.Allocator
	Interval time.Duration

	// PurgeIdempotency also drops expired idempotency records on every pass.
	PurgeIdempotency bool

	// Locks must be the SubmissionService's, so purges and commits in one
	// scope never interleave. Nil gives the reaper a private set.
	Locks *ScopeLocks

	mu        sync.Mutex
	initOnce  sync.Once
	locksOnce sync.Once
	wake      chan struct{}
}

func (r *Reaper) commitLock(scope string) *sync.Mutex {
	r.locksOnce.Do(func() {
		if r.Locks == nil {
			r.Locks = &ScopeLocks{}
		}
	})
	return r.Locks.For(scope)
}

func (r *Reaper) init() {
	r.initOnce.Do(func() { r.wake = make(chan struct{}, 1) })
}

// Trigger requests a pass soon. It never blocks.
func (r *Reaper) Trigger() {
	r.init()
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Run executes passes on every trigger and every Interval until ctx ends.
func (r *Reaper) Run(ctx context.Context) {
	r.init()
	every := r.Interval
	if every <= 0 {
		every = DefaultReapInterval
	}
	t := time.NewTicker(every)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.wake:
		case <-t.C:
		}
		if _, err := r.Pass(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("reaper pass failed")
		}
	}
}

// Pass purges every deleted submission once and returns how many rows were
// removed. Passes never overlap.
func (r *Reaper) Pass(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ctx, span := tracer().Start(ctx, "Reaper.Pass")
	defer span.End()

	rows, err := repo.ListSubmissionsPage(ctx, r.DB, repo.SubmissionFilter{
		AnyScope: true,
		Statuses: []domain.Status{domain.StatusDeleted},
	}, 0, 0)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}

	purged := 0
	for i := range rows {
		if err := ctx.Err(); err != nil {
			return purged, err
		}
		ok, err := r.purge(ctx, &rows[i])
		if err != nil {
			observability.ReaperError()
			log.Warn().Err(err).
				Str("scope", rows[i].Scope).
				Int("submission_id", rows[i].ID).
				Msg("reaper could not purge submission; will retry")
			continue
		}
		if ok {
			purged++
		}
	}

	if r.PurgeIdempotency {
		if n, err := repo.PurgeExpiredIdempotency(ctx, r.DB, time.Now().UTC()); err != nil {
			log.Warn().Err(err).Msg("idempotency purge failed")
		} else if n > 0 {
			log.Debug().Int64("count", n).Msg("expired idempotency records purged")
		}
	}

	observability.ReaperPurged(purged)
	span.SetAttributes(attribute.Int("purged", purged))
	if purged > 0 {
		log.Info().Int("purged", purged).Msg("reaper pass complete")
	}
	return purged, nil
}

func (r *Reaper) purge(ctx context.Context, s *domain.Submission) (bool, error) {
	for _, m := range s.Elements.Media() {
		if m.File == "" {
			continue
		}
		if err := r.Blobs.Delete(ctx, m.File); err != nil {
			return false, err
		}
	}

	// Commit lock, then allocator lock: the same order Submit uses.
	mu := r.commitLock(s.Scope)
	mu.Lock()
	defer mu.Unlock()

	remove := func() (bool, error) {
		var n int64
		err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var err error
			n, err = repo.DeleteSubmission(ctx, tx, s.Scope, s.ID, domain.StatusDeleted)
			if err != nil || n != 1 {
				return err
			}
			if _, err := repo.DeleteFingerprints(ctx, tx, s.Scope, []int{s.ID}); err != nil {
				return err
			}
			_, err = repo.DeleteIdempotencyForSubmission(ctx, tx, s.Channel, s.ID)
			return err
		})
		if err != nil || n != 1 {
			return false, err
		}
		if r.Index != nil {
			r.Index.RemoveOwners(s.Scope, s.ID)
		}
		return true, nil
	}

	var (
		ok  bool
		err error
	)
	if r.IDs != nil {
		ok, err = r.IDs.Release(s.Scope, s.ID, remove)
	} else {
		ok, err = remove()
	}
	if err != nil || !ok {
		return false, err
	}
	log.Debug().Str("scope", s.Scope).Int("submission_id", s.ID).Msg("submission purged")
	return true, nil
}
