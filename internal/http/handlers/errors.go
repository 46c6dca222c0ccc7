// Package handlers defines the stable error codes returned by the cave API.
//
// Every error response carries one of these codes next to the HTTP status;
// clients branch on the code, not on the message.
//
// Example response:
//
//	{
//	  "request_id": "e1b9be03-4999-4289-9f03-999b042d65d6",
//	  "code": "duplicate_similar",
//	  "message": "similar duplicate of #12 (image-global, 91%)",
//	  "ref_id": 12,
//	  "score": 0.91
//	}
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-cave-backend/internal/dedup"
	"github.com/tbourn/go-cave-backend/internal/media"
	"github.com/tbourn/go-cave-backend/internal/services"
)

const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeUnauthorized     = "unauthorized"
	ErrCodeForbidden        = "forbidden"
	ErrCodeNotFound         = "not_found"
	ErrCodeConflict         = "conflict"
	ErrCodeRateLimited      = "too_many_requests"
	ErrCodeInternal         = "internal_error"
	ErrCodeMethodNotAllowed = "method_not_allowed"

	// Domain-specific:
	ErrCodeInvalidContent    = "invalid_content"
	ErrCodeDuplicateExact    = "duplicate_exact"
	ErrCodeDuplicateSimilar  = "duplicate_similar"
	ErrCodeDuplicatePartial  = "duplicate_partial"
	ErrCodeMediaFetchFailed  = "media_fetch_failed"
	ErrCodeMediaTooLarge     = "media_too_large"
	ErrCodeInvalidTransition = "invalid_transition"
	ErrCodePoolEmpty         = "pool_empty"
	ErrCodeListFailed        = "list_failed"
)

// DuplicateResponse is the 409 body for a dedup rejection.
type DuplicateResponse struct {
	ErrorResponse
	RefID   int     `json:"ref_id"`
	Score   float64 `json:"score"`
	Kind    string  `json:"kind"`
	Element int     `json:"element,omitempty"`
}

func duplicateCode(r dedup.Reason) string {
	switch r {
	case dedup.ReasonExact:
		return ErrCodeDuplicateExact
	case dedup.ReasonPartial:
		return ErrCodeDuplicatePartial
	}
	return ErrCodeDuplicateSimilar
}

// failService maps a service error to its HTTP status and code.
func failService(c *gin.Context, err error) {
	var rej *dedup.Rejection
	if errors.As(err, &rej) {
		c.AbortWithStatusJSON(http.StatusConflict, DuplicateResponse{
			ErrorResponse: ErrorResponse{
				RequestID: requestID(c),
				Code:      duplicateCode(rej.Reason),
				Message:   rej.Error(),
			},
			RefID:   rej.RefID,
			Score:   rej.Score,
			Kind:    string(rej.Kind),
			Element: rej.Element,
		})
		return
	}

	switch {
	case errors.Is(err, media.ErrTooLarge):
		fail(c, http.StatusRequestEntityTooLarge, ErrCodeMediaTooLarge, "media exceeds the size limit")
	case errors.Is(err, services.ErrMediaFetch):
		fail(c, http.StatusBadGateway, ErrCodeMediaFetchFailed, "media could not be retrieved")
	case errors.Is(err, services.ErrInvalidContent):
		fail(c, http.StatusBadRequest, ErrCodeInvalidContent, err.Error())
	case errors.Is(err, services.ErrMissingOwner):
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "X-User-ID header required")
	case errors.Is(err, services.ErrForbidden):
		fail(c, http.StatusForbidden, ErrCodeForbidden, "not allowed")
	case errors.Is(err, services.ErrSubmissionNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "submission not found")
	case errors.Is(err, services.ErrInvalidTransition):
		fail(c, http.StatusConflict, ErrCodeInvalidTransition, "submission is not in a state that allows this")
	case errors.Is(err, services.ErrPoolEmpty):
		fail(c, http.StatusNotFound, ErrCodePoolEmpty, "no submissions in this scope yet")
	default:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
	}
}
