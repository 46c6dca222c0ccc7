package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-cave-backend/internal/archive"
	"github.com/tbourn/go-cave-backend/internal/blob"
	"github.com/tbourn/go-cave-backend/internal/dedup"
	"github.com/tbourn/go-cave-backend/internal/domain"
	"github.com/tbourn/go-cave-backend/internal/repo"
)

const maintenanceBatch = 500

// live lists rows in batches across every scope and calls fn for each.
func (s *SubmissionService) live(ctx context.Context, fn func(*domain.Submission) error) error {
	f := repo.SubmissionFilter{AnyScope: true, Statuses: []domain.Status{domain.StatusActive, domain.StatusPending}}
	for offset := 0; ; offset += maintenanceBatch {
		page, err := repo.ListSubmissionsPage(ctx, s.DB, f, offset, maintenanceBatch)
		if err != nil {
			return err
		}
		for i := range page {
			if err := fn(&page[i]); err != nil {
				return err
			}
		}
		if len(page) < maintenanceBatch {
			return nil
		}
	}
}

// Export returns every active and pending submission as archive entries,
// ordered by scope and id.
func (s *SubmissionService) Export(ctx context.Context) ([]archive.Entry, error) {
	ctx, span := tracer().Start(ctx, "Export")
	defer span.End()

	var out []archive.Entry
	err := s.live(ctx, func(sub *domain.Submission) error {
		out = append(out, archive.FromSubmission(*sub))
		return nil
	})
	span.SetAttributes(attribute.Int("entries", len(out)))
	return out, err
}

// ImportReport summarizes an Import run.
type ImportReport struct {
	Imported   int
	Duplicates int
	Failed     int
}

// Import submits archive entries through Submit, so they are deduplicated
// against the pool and each other. Media referenced by file name are read
// from mediaDir. Entries that are invalid, duplicate or missing media are
// counted and skipped; storage errors abort the run.
func (s *SubmissionService) Import(ctx context.Context, entries []archive.Entry, mediaDir string) (ImportReport, error) {
	ctx, span := tracer().Start(ctx, "Import", trace.WithAttributes(attribute.Int("entries", len(entries))))
	defer span.End()

	var rep ImportReport
	for i, e := range entries {
		lg := log.With().Int("entry", i).Str("channel", e.ChannelID).Str("owner", e.UserID).Logger()
		if err := e.Validate(); err != nil {
			lg.Warn().Err(err).Msg("import: skipping invalid entry")
			rep.Failed++
			continue
		}
		if err := inlineFiles(e.Elements, mediaDir); err != nil {
			lg.Warn().Err(err).Msg("import: media missing")
			rep.Failed++
			continue
		}

		res, err := s.Submit(ctx, SubmitInput{
			Channel:   e.ChannelID,
			Owner:     e.UserID,
			OwnerName: e.UserName,
			Elements:  e.Elements,
		})
		var rej *dedup.Rejection
		switch {
		case errors.As(err, &rej):
			lg.Info().Int("ref_id", rej.RefID).Float64("score", rej.Score).Msg("import: duplicate skipped")
			rep.Duplicates++
		case errors.Is(err, ErrInvalidContent), errors.Is(err, ErrMissingOwner), errors.Is(err, ErrMediaFetch):
			lg.Warn().Err(err).Msg("import: entry rejected")
			rep.Failed++
		case err != nil:
			return rep, fmt.Errorf("import entry %d: %w", i, err)
		default:
			lg.Debug().Int("submission_id", res.Submission.ID).Msg("import: stored")
			rep.Imported++
		}
	}
	span.SetAttributes(
		attribute.Int("imported", rep.Imported),
		attribute.Int("duplicates", rep.Duplicates),
		attribute.Int("failed", rep.Failed),
	)
	return rep, nil
}

// inlineFiles loads media referenced by file name into Data.
func inlineFiles(es domain.Elements, dir string) error {
	return es.Walk(func(_ int, e domain.Element) error {
		m, ok := e.(*domain.Media)
		if !ok || m.File == "" || len(m.Data) > 0 {
			return nil
		}
		if dir == "" {
			return fmt.Errorf("%s: no media directory given", m.File)
		}
		b, err := os.ReadFile(filepath.Join(dir, filepath.Base(m.File)))
		if err != nil {
			return err
		}
		m.Data, m.File = b, ""
		return nil
	})
}

// FixExtensions re-sniffs every blob referenced by a live submission and
// renames it when its extension disagrees with the content, rewriting the
// element's file reference. It returns how many blobs were renamed.
func (s *SubmissionService) FixExtensions(ctx context.Context) (int, error) {
	ctx, span := tracer().Start(ctx, "FixExtensions")
	defer span.End()

	fixed := 0
	err := s.live(ctx, func(sub *domain.Submission) error {
		changed := false
		for _, m := range sub.Elements.Media() {
			if m.File == "" {
				continue
			}
			name, renamed, err := blob.FixExtension(ctx, s.Blobs, m.File)
			if errors.Is(err, blob.ErrNotFound) {
				log.Warn().Str("scope", sub.Scope).Int("submission_id", sub.ID).Str("file", m.File).Msg("blob missing")
				continue
			}
			if err != nil {
				return fmt.Errorf("fix %s: %w", m.File, err)
			}
			if renamed {
				log.Info().Str("from", m.File).Str("to", name).Msg("blob extension fixed")
				m.File = name
				changed = true
				fixed++
			}
		}
		if !changed {
			return nil
		}
		return repo.UpdateElements(ctx, s.DB, sub.Scope, sub.ID, sub.Elements)
	})
	span.SetAttributes(attribute.Int("fixed", fixed))
	return fixed, err
}
