// Package services defines the business logic for submissions: intake with
// deduplication, moderation, deletion and the background reaper.
// This file centralizes common service-level error values so that they can be
// consistently returned by service methods and checked by callers.
//
// These errors are intended for internal use by the service layer and translation
// into user-facing messages or HTTP status codes should be performed at the
// handler/controller layer. Duplicate rejections are returned as
// *dedup.Rejection and match dedup.ErrDuplicateExact / ErrDuplicateSimilar /
// ErrDuplicatePartial via errors.Is.
package services

import "errors"

var (
	// ErrSubmissionNotFound indicates that the requested submission does not
	// exist or is not visible to the caller.
	ErrSubmissionNotFound = errors.New("submission not found")

	// ErrInvalidContent is returned when the submitted elements are empty,
	// malformed or nested too deeply.
	ErrInvalidContent = errors.New("invalid submission content")

	// ErrMissingOwner is returned when a submission has no owner id.
	ErrMissingOwner = errors.New("owner is required")

	// ErrForbidden is returned when the caller may not act on a submission.
	ErrForbidden = errors.New("not allowed")

	// ErrInvalidTransition is returned when a submission is not in a state
	// that allows the requested change, including lost races.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrMediaFetch wraps transient I/O failures while fetching or storing
	// media. The submission is discarded.
	ErrMediaFetch = errors.New("media could not be retrieved")

	// ErrPoolEmpty is returned by Random when a scope has no active submissions.
	ErrPoolEmpty = errors.New("no submissions available")
)
