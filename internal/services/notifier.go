package services

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-cave-backend/internal/domain"
)

// Notifier tells moderators about submissions waiting for review and owners
// about the outcome. Implementations must not block for long.
type Notifier interface {
	Pending(ctx context.Context, s *domain.Submission)
	Decided(ctx context.Context, s *domain.Submission, approved bool)
}

// LogNotifier writes notifications to the structured log.
type LogNotifier struct{}

func (LogNotifier) Pending(_ context.Context, s *domain.Submission) {
	log.Info().
		Str("scope", s.Scope).
		Str("channel", s.Channel).
		Int("submission_id", s.ID).
		Str("owner", s.Owner).
		Msg("submission awaiting review")
}

func (LogNotifier) Decided(_ context.Context, s *domain.Submission, approved bool) {
	log.Info().
		Str("scope", s.Scope).
		Int("submission_id", s.ID).
		Str("owner", s.Owner).
		Bool("approved", approved).
		Msg("submission reviewed")
}
