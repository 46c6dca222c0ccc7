// Package services – SubmissionService
//
// This file implements SubmissionService, the component that owns the
// submission state machine:
//
//	provisional ──fetch ok + dedup pass──▶ pending | active
//	provisional ──fetch failed | duplicate──▶ deleted
//	pending ──approve──▶ active
//	pending ──reject──▶ deleted
//	active ──owner/admin delete──▶ deleted
//	deleted ──reaper──▶ purged (row, blobs, fingerprints removed; id recycled)
//
// Submissions without remote media skip provisional entirely: they are
// hashed, checked and inserted in their final state in one step.
//
// Fingerprints are written in the same transaction as the state change that
// commits a submission. The dedup check runs inside a per-scope critical
// section together with that transaction and the in-memory index update, so
// two concurrent near-duplicates cannot both pass.
//
// Observability: all public methods are OpenTelemetry-instrumented; spans
// include scope and submission identifiers.
package services

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/tbourn/go-cave-backend/internal/blob"
	"github.com/tbourn/go-cave-backend/internal/dedup"
	"github.com/tbourn/go-cave-backend/internal/domain"
	"github.com/tbourn/go-cave-backend/internal/idalloc"
	"github.com/tbourn/go-cave-backend/internal/observability"
	"github.com/tbourn/go-cave-backend/internal/repo"
	"github.com/tbourn/go-cave-backend/internal/similarity"
	"github.com/tbourn/go-cave-backend/internal/utils"
)

// Fetcher downloads remote media; *media.Fetcher implements it.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Purger schedules and runs reaper passes; *Reaper implements it.
type Purger interface {
	Trigger()
	Pass(ctx context.Context) (int, error)
}

// Policy holds the pool-level switches.
type Policy struct {
	// ScopedIDs gives every channel its own pool and id space. When false all
	// channels share scope "".
	ScopedIDs bool
	// ModerationEnabled routes new submissions to pending.
	ModerationEnabled bool
	// ModeratedScopes limits moderation to these channels; empty means all.
	ModeratedScopes []string
}

// SubmissionService coordinates intake, dedup, moderation and deletion.
type SubmissionService struct {
	DB       *gorm.DB
	Blobs    blob.Store
	Fetcher  Fetcher
	Gate     *dedup.Gate
	Index    *similarity.Index
	IDs      *idalloc.Allocator
	Reaper   Purger
	Notifier Notifier
	Policy   Policy

	// Locks holds the per-scope commit mutexes; share it with the Reaper.
	// Nil gives the service a private set.
	Locks *ScopeLocks

	locksOnce sync.Once
}

// ScopeLocks hands out one mutex per scope. The zero value is ready to use.
type ScopeLocks struct {
	once sync.Once
	m    *xsync.MapOf[string, *sync.Mutex]
}

// For returns the mutex of scope.
func (l *ScopeLocks) For(scope string) *sync.Mutex {
	l.once.Do(func() { l.m = xsync.NewMapOf[string, *sync.Mutex]() })
	mu, _ := l.m.LoadOrCompute(scope, func() *sync.Mutex { return &sync.Mutex{} })
	return mu
}

// SubmitInput is one intake request. Elements are updated in place as media
// gets stored.
type SubmitInput struct {
	Channel   string
	Owner     string
	OwnerName string
	Elements  domain.Elements
}

// SubmitResult is a committed submission plus non-fatal dedup warnings.
type SubmitResult struct {
	Submission *domain.Submission
	Warnings   []domain.PartialMatch
}

// ListQuery filters ListPage. An empty Status means active.
type ListQuery struct {
	Status   domain.Status
	Owner    string
	Page     int
	PageSize int
}

func tracer() trace.Tracer { return otel.Tracer("services/SubmissionService") }

// Scope maps a request channel to its pool scope.
func (s *SubmissionService) Scope(channel string) string {
	if !s.Policy.ScopedIDs {
		return ""
	}
	return channel
}

func (s *SubmissionService) moderated(channel string) bool {
	if !s.Policy.ModerationEnabled {
		return false
	}
	if len(s.Policy.ModeratedScopes) == 0 {
		return true
	}
	for _, c := range s.Policy.ModeratedScopes {
		if c == channel {
			return true
		}
	}
	return false
}

func (s *SubmissionService) commitLock(scope string) *sync.Mutex {
	s.locksOnce.Do(func() {
		if s.Locks == nil {
			s.Locks = &ScopeLocks{}
		}
	})
	return s.Locks.For(scope)
}

// Submit validates and stores a new submission.
func (s *SubmissionService) Submit(ctx context.Context, in SubmitInput) (*SubmitResult, error) {
	ctx, span := tracer().Start(ctx, "Submit",
		trace.WithAttributes(
			attribute.String("channel", in.Channel),
			attribute.String("user.id", in.Owner),
		),
	)
	defer span.End()

	in.Owner = strings.TrimSpace(in.Owner)
	if in.Owner == "" {
		return nil, ErrMissingOwner
	}
	if err := in.Elements.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidContent, err)
	}

	scope := s.Scope(in.Channel)
	target := domain.StatusActive
	if s.moderated(in.Channel) {
		target = domain.StatusPending
	}

	var (
		res *SubmitResult
		err error
	)
	if in.Elements.NeedsFetch() {
		res, err = s.submitFetched(ctx, scope, target, in)
	} else {
		res, err = s.submitInline(ctx, scope, target, in)
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("submission.id", res.Submission.ID))
	if target == domain.StatusPending && s.Notifier != nil {
		s.Notifier.Pending(ctx, res.Submission)
	}
	return res, nil
}

// submitInline handles content whose bytes are already at hand. Nothing is
// written unless the dedup check passes.
func (s *SubmissionService) submitInline(ctx context.Context, scope string, target domain.Status, in SubmitInput) (*SubmitResult, error) {
	medias := in.Elements.Media()
	data, err := s.collect(ctx, medias)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMediaFetch, err)
	}
	prep, err := s.Gate.Prepare(ctx, in.Elements.PlainText(), images(medias, data))
	if err != nil {
		return nil, err
	}

	mu := s.commitLock(scope)
	mu.Lock()
	defer mu.Unlock()

	v := s.Gate.Evaluate(scope, prep)
	observeVerdict(v)
	if !v.Accepted() {
		logRejection(scope, 0, v.Rejection)
		return nil, v.Rejection
	}

	var sub *domain.Submission
	id, err := s.IDs.Allocate(ctx, scope, func(id int) error {
		saved, err := s.storeBlobs(ctx, id, in, medias, data)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrMediaFetch, err)
		}
		sub = &domain.Submission{
			Scope:     scope,
			ID:        id,
			Channel:   in.Channel,
			Owner:     in.Owner,
			OwnerName: in.OwnerName,
			Status:    target,
			Elements:  in.Elements,
			Review:    domain.EncodeReview(domain.Review{Warnings: v.Warnings}),
		}
		err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := repo.CreateSubmission(ctx, tx, sub); err != nil {
				return err
			}
			return repo.InsertFingerprints(ctx, tx, v.Fingerprints(scope, id))
		})
		if err != nil {
			s.deleteBlobs(context.WithoutCancel(ctx), saved)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	s.Index.Add(v.Fingerprints(scope, id)...)
	logAccepted(sub, v)
	return &SubmitResult{Submission: sub, Warnings: v.Warnings}, nil
}

// submitFetched parks the submission in provisional while its media is
// downloaded, then commits or discards it.
func (s *SubmissionService) submitFetched(ctx context.Context, scope string, target domain.Status, in SubmitInput) (*SubmitResult, error) {
	var sub *domain.Submission
	id, err := s.IDs.Allocate(ctx, scope, func(id int) error {
		sub = &domain.Submission{
			Scope:     scope,
			ID:        id,
			Channel:   in.Channel,
			Owner:     in.Owner,
			OwnerName: in.OwnerName,
			Status:    domain.StatusProvisional,
			Elements:  in.Elements,
		}
		return repo.CreateSubmission(ctx, s.DB, sub)
	})
	if err != nil {
		return nil, err
	}

	medias := in.Elements.Media()
	data, err := s.collect(ctx, medias)
	if err != nil {
		s.abandon(ctx, scope, id, "media fetch failed")
		return nil, fmt.Errorf("%w: %w", ErrMediaFetch, err)
	}
	saved, err := s.storeBlobs(ctx, id, in, medias, data)
	if err != nil {
		s.abandon(ctx, scope, id, "media store failed")
		return nil, fmt.Errorf("%w: %w", ErrMediaFetch, err)
	}
	// Record blob names on the row so the reaper can find them if the
	// submission is discarded from here on.
	if err := repo.UpdateElements(ctx, s.DB, scope, id, in.Elements); err != nil {
		s.deleteBlobs(context.WithoutCancel(ctx), saved)
		s.abandon(ctx, scope, id, "media store failed")
		return nil, err
	}

	prep, err := s.Gate.Prepare(ctx, in.Elements.PlainText(), images(medias, data))
	if err != nil {
		s.abandon(ctx, scope, id, "hashing failed")
		return nil, err
	}

	mu := s.commitLock(scope)
	mu.Lock()
	defer mu.Unlock()

	v := s.Gate.Evaluate(scope, prep)
	observeVerdict(v)
	if !v.Accepted() {
		logRejection(scope, id, v.Rejection)
		s.abandon(ctx, scope, id, v.Rejection.Error())
		return nil, v.Rejection
	}

	review := domain.EncodeReview(domain.Review{Warnings: v.Warnings})
	fps := v.Fingerprints(scope, id)
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := repo.InsertFingerprints(ctx, tx, fps); err != nil {
			return err
		}
		return repo.TransitionStatus(ctx, tx, scope, id,
			[]domain.Status{domain.StatusProvisional}, target,
			map[string]any{"review": review})
	})
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			// Row left provisional meanwhile (startup recovery on another
			// process); it is the reaper's now.
			s.trigger()
			return nil, ErrInvalidTransition
		}
		s.abandon(ctx, scope, id, "commit failed")
		return nil, err
	}
	s.Index.Add(fps...)

	sub.Status = target
	sub.Review = review
	logAccepted(sub, v)
	return &SubmitResult{Submission: sub, Warnings: v.Warnings}, nil
}

// collect gathers the bytes of every media element, fetching remote ones
// concurrently. Any failure aborts the whole set.
func (s *SubmissionService) collect(ctx context.Context, medias []*domain.Media) ([][]byte, error) {
	data := make([][]byte, len(medias))
	g, gctx := errgroup.WithContext(ctx)
	for i, m := range medias {
		switch {
		case len(m.Data) > 0:
			data[i] = m.Data
		case m.NeedsFetch():
			if s.Fetcher == nil {
				return nil, errors.New("no media fetcher configured")
			}
			g.Go(func() error {
				b, err := s.Fetcher.Fetch(gctx, m.URL)
				if err != nil {
					return err
				}
				data[i] = b
				return nil
			})
		case m.File != "":
			g.Go(func() error {
				b, err := blob.Read(gctx, s.Blobs, m.File)
				if err != nil {
					return err
				}
				data[i] = b
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return data, nil
}

// storeBlobs saves every media item under its generated name and updates the
// elements to reference it. On failure the blobs saved so far are removed.
func (s *SubmissionService) storeBlobs(ctx context.Context, id int, in SubmitInput, medias []*domain.Media, data [][]byte) ([]string, error) {
	saved := make([]string, 0, len(medias))
	for i, m := range medias {
		ext := blob.Ext(data[i])
		if ext == "" {
			ext = path.Ext(sourceName(m))
		}
		name := blob.Name(id, i+1, in.Channel, in.Owner, ext)
		if name != m.File {
			if err := s.Blobs.Save(ctx, name, data[i]); err != nil {
				s.deleteBlobs(context.WithoutCancel(ctx), saved)
				return nil, err
			}
			saved = append(saved, name)
		}
		m.File = name
		m.MIME = blob.MIME(data[i])
		m.Size = int64(len(data[i]))
		m.Data = nil
	}
	return saved, nil
}

func sourceName(m *domain.Media) string {
	if m.File != "" {
		return m.File
	}
	u := m.URL
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	return u
}

func (s *SubmissionService) deleteBlobs(ctx context.Context, names []string) {
	for _, n := range names {
		if err := s.Blobs.Delete(ctx, n); err != nil {
			log.Warn().Err(err).Str("blob", n).Msg("blob cleanup failed")
		}
	}
}

// abandon moves a provisional row to deleted and schedules the reaper. It
// runs even when ctx is already cancelled.
func (s *SubmissionService) abandon(ctx context.Context, scope string, id int, reason string) {
	ctx = context.WithoutCancel(ctx)
	review := domain.EncodeReview(domain.Review{Reason: reason})
	err := repo.TransitionStatus(ctx, s.DB, scope, id,
		[]domain.Status{domain.StatusProvisional}, domain.StatusDeleted,
		map[string]any{"review": review})
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		log.Error().Err(err).Str("scope", scope).Int("submission_id", id).Msg("could not discard provisional submission")
	}
	log.Info().Str("scope", scope).Int("submission_id", id).Str("reason", reason).Msg("submission discarded")
	s.trigger()
}

func (s *SubmissionService) trigger() {
	if s.Reaper != nil {
		s.Reaper.Trigger()
	}
}

func images(medias []*domain.Media, data [][]byte) []dedup.Image {
	var out []dedup.Image
	for i, m := range medias {
		if m.Kind == domain.TypeImage {
			out = append(out, dedup.Image{Index: i + 1, Data: data[i]})
		}
	}
	return out
}

func observeVerdict(v dedup.Verdict) {
	switch {
	case v.Rejection != nil:
		observability.ObserveVerdict(string(v.Rejection.Kind), "rejected")
	case len(v.Warnings) > 0:
		observability.ObserveVerdict(string(domain.QuadrantKind(v.Warnings[0].Quadrant)), "warned")
	default:
		observability.ObserveVerdict("none", "accepted")
	}
}

func logRejection(scope string, id int, r *dedup.Rejection) {
	log.Info().
		Str("scope", scope).
		Int("submission_id", id).
		Int("ref_id", r.RefID).
		Float64("score", r.Score).
		Str("kind", string(r.Kind)).
		Str("reason", string(r.Reason)).
		Msg("submission rejected as duplicate")
}

func logAccepted(sub *domain.Submission, v dedup.Verdict) {
	ev := log.Info()
	if len(v.Warnings) > 0 {
		ev = log.Warn().Int("partial_matches", len(v.Warnings))
	}
	if len(v.Undecodable) > 0 {
		ev = ev.Ints("undecodable", v.Undecodable)
	}
	ev.Str("scope", sub.Scope).
		Int("submission_id", sub.ID).
		Str("status", string(sub.Status)).
		Int("fingerprints", len(v.Hashes)).
		Msg("submission committed")
}

// Approve moves a pending submission to active.
func (s *SubmissionService) Approve(ctx context.Context, channel string, id int, moderator string) (*domain.Submission, error) {
	ctx, span := tracer().Start(ctx, "Approve",
		trace.WithAttributes(attribute.String("channel", channel), attribute.Int("submission.id", id)),
	)
	defer span.End()

	sub, err := s.transition(ctx, s.Scope(channel), id,
		[]domain.Status{domain.StatusPending}, domain.StatusActive,
		func(_ *domain.Submission, r *domain.Review) error {
			r.Moderator = moderator
			return nil
		})
	if err != nil {
		return nil, err
	}
	if s.Notifier != nil {
		s.Notifier.Decided(ctx, sub, true)
	}
	return sub, nil
}

// Reject discards a pending submission.
func (s *SubmissionService) Reject(ctx context.Context, channel string, id int, moderator, reason string) (*domain.Submission, error) {
	ctx, span := tracer().Start(ctx, "Reject",
		trace.WithAttributes(attribute.String("channel", channel), attribute.Int("submission.id", id)),
	)
	defer span.End()

	sub, err := s.transition(ctx, s.Scope(channel), id,
		[]domain.Status{domain.StatusPending}, domain.StatusDeleted,
		func(_ *domain.Submission, r *domain.Review) error {
			r.Moderator = moderator
			r.Reason = reason
			return nil
		})
	if err != nil {
		return nil, err
	}
	s.trigger()
	if s.Notifier != nil {
		s.Notifier.Decided(ctx, sub, false)
	}
	return sub, nil
}

// Delete soft-deletes an active submission on behalf of its owner or an admin.
func (s *SubmissionService) Delete(ctx context.Context, channel string, id int, requester string, isAdmin bool) (*domain.Submission, error) {
	ctx, span := tracer().Start(ctx, "Delete",
		trace.WithAttributes(
			attribute.String("channel", channel),
			attribute.Int("submission.id", id),
			attribute.String("user.id", requester),
		),
	)
	defer span.End()

	sub, err := s.transition(ctx, s.Scope(channel), id,
		[]domain.Status{domain.StatusActive}, domain.StatusDeleted,
		func(cur *domain.Submission, r *domain.Review) error {
			if !isAdmin && cur.Owner != requester {
				return ErrForbidden
			}
			r.DeletedBy = requester
			return nil
		})
	if err != nil {
		return nil, err
	}
	s.trigger()
	return sub, nil
}

// transition loads the row, lets edit adjust the review (or refuse), and
// applies a conditional status update.
func (s *SubmissionService) transition(ctx context.Context, scope string, id int, from []domain.Status, to domain.Status, edit func(*domain.Submission, *domain.Review) error) (*domain.Submission, error) {
	cur, err := repo.GetSubmission(ctx, s.DB, scope, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrSubmissionNotFound
	}
	if err != nil {
		return nil, err
	}
	if cur.Status == domain.StatusProvisional || cur.Status == domain.StatusDeleted {
		return nil, ErrSubmissionNotFound
	}
	if !statusIn(cur.Status, from) {
		return nil, ErrInvalidTransition
	}

	r := domain.DecodeReview(cur.Review)
	if edit != nil {
		if err := edit(cur, &r); err != nil {
			return nil, err
		}
	}
	review := domain.EncodeReview(r)
	if err := repo.TransitionStatus(ctx, s.DB, scope, id, from, to, map[string]any{"review": review}); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrInvalidTransition
		}
		return nil, err
	}
	cur.Status = to
	cur.Review = review
	cur.UpdatedAt = time.Now().UTC()
	log.Info().
		Str("scope", scope).
		Int("submission_id", id).
		Str("status", string(to)).
		Msg("submission status changed")
	return cur, nil
}

func statusIn(st domain.Status, set []domain.Status) bool {
	for _, x := range set {
		if x == st {
			return true
		}
	}
	return false
}

// Get returns a submission. Provisional and deleted rows are hidden; pending
// rows are visible to their owner and admins only.
func (s *SubmissionService) Get(ctx context.Context, channel string, id int, viewer string, isAdmin bool) (*domain.Submission, error) {
	ctx, span := tracer().Start(ctx, "Get",
		trace.WithAttributes(attribute.String("channel", channel), attribute.Int("submission.id", id)),
	)
	defer span.End()

	sub, err := repo.GetSubmission(ctx, s.DB, s.Scope(channel), id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrSubmissionNotFound
	}
	if err != nil {
		return nil, err
	}
	switch sub.Status {
	case domain.StatusActive:
		return sub, nil
	case domain.StatusPending:
		if isAdmin || sub.Owner == viewer {
			return sub, nil
		}
	}
	return nil, ErrSubmissionNotFound
}

func (s *SubmissionService) filter(channel string, q ListQuery) repo.SubmissionFilter {
	st := q.Status
	if st == "" {
		st = domain.StatusActive
	}
	return repo.SubmissionFilter{
		Scope:    s.Scope(channel),
		Statuses: []domain.Status{st},
		Owner:    q.Owner,
	}
}

// ListPage returns one page of submissions matching q and the total count.
func (s *SubmissionService) ListPage(ctx context.Context, channel string, q ListQuery) ([]domain.Submission, int64, error) {
	ctx, span := tracer().Start(ctx, "ListPage",
		trace.WithAttributes(
			attribute.String("channel", channel),
			attribute.Int("page", q.Page),
			attribute.Int("page_size", q.PageSize),
		),
	)
	defer span.End()

	if q.PageSize == 0 {
		q.PageSize = utils.DefaultPageSize
	}
	q.Page, q.PageSize = utils.Clamp(q.Page, q.PageSize)
	f := s.filter(channel, q)
	total, err := repo.CountSubmissions(ctx, s.DB, f)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Submission{}, 0, nil
	}
	items, err := repo.ListSubmissionsPage(ctx, s.DB, f, utils.Offset(q.Page, q.PageSize), q.PageSize)
	return items, total, err
}

// Stats reports the count and latest update of the rows ListPage would
// return, for conditional responses.
func (s *SubmissionService) Stats(ctx context.Context, channel string, q ListQuery) (int64, *time.Time, error) {
	return repo.SubmissionsStats(ctx, s.DB, s.filter(channel, q))
}

// Random returns a random active submission.
func (s *SubmissionService) Random(ctx context.Context, channel string) (*domain.Submission, error) {
	ctx, span := tracer().Start(ctx, "Random", trace.WithAttributes(attribute.String("channel", channel)))
	defer span.End()

	sub, err := repo.RandomSubmission(ctx, s.DB, s.filter(channel, ListQuery{}))
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrPoolEmpty
	}
	return sub, err
}

// Duplicates reports groups of submissions sharing an identical image quadrant.
func (s *SubmissionService) Duplicates(ctx context.Context, channel string) [][]int {
	_, span := tracer().Start(ctx, "Duplicates", trace.WithAttributes(attribute.String("channel", channel)))
	defer span.End()
	return s.Index.Clusters(s.Scope(channel))
}

// Recover discards every submission left provisional by an interrupted run
// and purges it synchronously.
func (s *SubmissionService) Recover(ctx context.Context) (moved int64, purged int, err error) {
	ctx, span := tracer().Start(ctx, "Recover")
	defer span.End()

	moved, err = repo.MoveAllStatus(ctx, s.DB, domain.StatusProvisional, domain.StatusDeleted)
	if err != nil {
		return 0, 0, err
	}
	if moved > 0 {
		log.Warn().Int64("count", moved).Msg("discarded interrupted provisional submissions")
	}
	if s.Reaper == nil {
		return moved, 0, nil
	}
	purged, err = s.Reaper.Pass(ctx)
	return moved, purged, err
}
