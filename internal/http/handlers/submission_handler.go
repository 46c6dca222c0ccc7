// Submission HTTP handlers.
//
// This file exposes the scope-local submission pool:
//   - POST   /scopes/{scope}/submissions              (submit, deduplicated)
//   - GET    /scopes/{scope}/submissions              (list, paginated, ETag support)
//   - GET    /scopes/{scope}/submissions/random       (random active submission)
//   - GET    /scopes/{scope}/submissions/{id}
//   - DELETE /scopes/{scope}/submissions/{id}         (owner or admin)
//   - POST   /scopes/{scope}/submissions/{id}/approve (admin)
//   - POST   /scopes/{scope}/submissions/{id}/reject  (admin)
//   - GET    /scopes/{scope}/duplicates               (admin)
//
// Handlers are transport-thin: they read identity and input, call the
// SubmissionService and translate results into HTTP responses.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/tbourn/go-cave-backend/internal/blob"
	"github.com/tbourn/go-cave-backend/internal/domain"
	"github.com/tbourn/go-cave-backend/internal/http/middleware"
	"github.com/tbourn/go-cave-backend/internal/repo"
	"github.com/tbourn/go-cave-backend/internal/services"
	"github.com/tbourn/go-cave-backend/internal/utils"
)

// SubmissionService is the application surface the handlers depend on;
// *services.SubmissionService implements it.
type SubmissionService interface {
	Submit(ctx context.Context, in services.SubmitInput) (*services.SubmitResult, error)
	Get(ctx context.Context, channel string, id int, viewer string, isAdmin bool) (*domain.Submission, error)
	ListPage(ctx context.Context, channel string, q services.ListQuery) ([]domain.Submission, int64, error)
	Stats(ctx context.Context, channel string, q services.ListQuery) (int64, *time.Time, error)
	Random(ctx context.Context, channel string) (*domain.Submission, error)
	Delete(ctx context.Context, channel string, id int, requester string, isAdmin bool) (*domain.Submission, error)
	Approve(ctx context.Context, channel string, id int, moderator string) (*domain.Submission, error)
	Reject(ctx context.Context, channel string, id int, moderator, reason string) (*domain.Submission, error)
	Duplicates(ctx context.Context, channel string) [][]int
}

// Deps wires Handlers.
type Deps struct {
	Submissions SubmissionService
	Blobs       blob.Store
	// DB stores idempotency records; nil disables replay support.
	DB             *gorm.DB
	IdempotencyTTL time.Duration
}

// Handlers groups the HTTP endpoints.
type Handlers struct {
	svc    SubmissionService
	blobs  blob.Store
	db     *gorm.DB
	idemTT time.Duration
}

// New constructs Handlers from d.
func New(d Deps) *Handlers {
	ttl := d.IdempotencyTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Handlers{svc: d.Submissions, blobs: d.Blobs, db: d.DB, idemTT: ttl}
}

// IdempotencyLookup resolves stored Idempotency-Key records for the
// middleware. A missing record is not an error.
func IdempotencyLookup(db *gorm.DB) middleware.IdempotencyLookup {
	return func(ctx context.Context, userID, scope, key string, now time.Time) (int, bool, error) {
		rec, err := repo.GetIdempotency(ctx, db, userID, scope, key, now)
		if errors.Is(err, repo.ErrNotFound) {
			return 0, false, nil
		}
		if err != nil {
			return 0, false, err
		}
		return rec.SubmissionID, true, nil
	}
}

//
// DTOs
//

// SubmitRequest is the body of POST /scopes/{scope}/submissions. Media
// elements carry either a url to fetch or base64 data.
type SubmitRequest struct {
	Elements  domain.Elements `json:"elements"`
	OwnerName string          `json:"owner_name"`
}

// SubmitResponse is a committed submission plus partial-match warnings.
type SubmitResponse struct {
	Submission *domain.Submission    `json:"submission"`
	Warnings   []domain.PartialMatch `json:"warnings,omitempty"`
}

// RejectRequest optionally explains a moderator rejection.
type RejectRequest struct {
	Reason string `json:"reason"`
}

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// ListSubmissionsResponse wraps a page of submissions.
type ListSubmissionsResponse struct {
	Submissions []domain.Submission `json:"submissions"`
	Pagination  Pagination          `json:"pagination"`
}

// DuplicatesResponse lists groups of submissions sharing an image region.
type DuplicatesResponse struct {
	Scope    string  `json:"scope"`
	Clusters [][]int `json:"clusters"`
}

//
// Helpers
//

func clampPagination(c *gin.Context) (page, pageSize int) {
	return utils.Page(c.Query("page"), c.Query("page_size"))
}

// submissionID parses the :id path parameter.
func submissionID(c *gin.Context) (int, bool) {
	id, ok := utils.PositiveID(c.Param("id"))
	if !ok {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "submission id must be a positive integer")
		return 0, false
	}
	return id, true
}

func requireUser(c *gin.Context) (string, bool) {
	uid := middleware.UserID(c)
	if uid == "" {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "X-User-ID header required")
		return "", false
	}
	return uid, true
}

func requireAdmin(c *gin.Context) (string, bool) {
	uid, ok := requireUser(c)
	if !ok {
		return "", false
	}
	if !middleware.IsAdmin(c) {
		fail(c, http.StatusForbidden, ErrCodeForbidden, "admin only")
		return "", false
	}
	return uid, true
}

//
// Handlers
//

// Submit stores a new submission after deduplication. With an
// Idempotency-Key, a retry of a completed request returns the stored
// submission with Idempotency-Replayed: true.
func (h *Handlers) Submit(c *gin.Context) {
	ctx := c.Request.Context()
	scope := c.Param("scope")
	uid, okUser := requireUser(c)
	if !okUser {
		return
	}

	if id, replay := middleware.ReplayedSubmission(c); replay {
		// The id may have been purged and reused since the key was stored.
		if prev, err := h.svc.Get(ctx, scope, id, uid, middleware.IsAdmin(c)); err == nil && prev.Owner == uid {
			c.Header("Idempotency-Replayed", "true")
			ok(c, http.StatusOK, SubmitResponse{Submission: prev})
			return
		}
	}

	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeInvalidContent, "invalid submission body: "+err.Error())
		return
	}

	res, err := h.svc.Submit(ctx, services.SubmitInput{
		Channel:   scope,
		Owner:     uid,
		OwnerName: strings.TrimSpace(req.OwnerName),
		Elements:  req.Elements,
	})
	if err != nil {
		failService(c, err)
		return
	}

	if key, has := middleware.GetIdempotencyKey(c); has && h.db != nil {
		if _, err := repo.CreateIdempotency(ctx, h.db, uid, scope, key, res.Submission.ID, http.StatusCreated, h.idemTT); err != nil {
			middleware.LoggerFrom(c).Warn().Err(err).Msg("idempotency record not stored")
		}
	}
	ok(c, http.StatusCreated, SubmitResponse{Submission: res.Submission, Warnings: res.Warnings})
}

// List returns a page of submissions. Query: status (default active), owner,
// page, page_size. Pending submissions are listed for admins, or for their
// own owner. Supports a weak ETag via If-None-Match.
func (h *Handlers) List(c *gin.Context) {
	ctx := c.Request.Context()
	scope := c.Param("scope")
	page, pageSize := clampPagination(c)

	q := services.ListQuery{
		Status:   domain.Status(c.DefaultQuery("status", string(domain.StatusActive))),
		Owner:    strings.TrimSpace(c.Query("owner")),
		Page:     page,
		PageSize: pageSize,
	}
	switch q.Status {
	case domain.StatusActive:
	case domain.StatusPending:
		uid := middleware.UserID(c)
		if !middleware.IsAdmin(c) {
			if uid == "" {
				fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "X-User-ID header required")
				return
			}
			q.Owner = uid
		}
	default:
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "status must be active or pending")
		return
	}

	if count, maxTS, err := h.svc.Stats(ctx, scope, q); err == nil {
		var ts int64
		if maxTS != nil {
			ts = maxTS.UnixNano()
		}
		etag := fmt.Sprintf(`W/"submissions:%s:%s:%s:%d:%d:%d:%d"`, scope, q.Status, q.Owner, page, pageSize, count, ts)
		c.Header("ETag", etag)
		if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
			c.Status(http.StatusNotModified)
			return
		}
	}

	items, total, err := h.svc.ListPage(ctx, scope, q)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}
	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	ok(c, http.StatusOK, ListSubmissionsResponse{
		Submissions: items,
		Pagination: Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    page < totalPages,
		},
	})
}

// Get returns one submission.
func (h *Handlers) Get(c *gin.Context) {
	id, okID := submissionID(c)
	if !okID {
		return
	}
	sub, err := h.svc.Get(c.Request.Context(), c.Param("scope"), id, middleware.UserID(c), middleware.IsAdmin(c))
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusOK, sub)
}

// Random returns a random active submission.
func (h *Handlers) Random(c *gin.Context) {
	sub, err := h.svc.Random(c.Request.Context(), c.Param("scope"))
	if err != nil {
		failService(c, err)
		return
	}
	c.Header("Cache-Control", "no-store")
	ok(c, http.StatusOK, sub)
}

// Delete soft-deletes a submission; its media is purged asynchronously.
func (h *Handlers) Delete(c *gin.Context) {
	id, okID := submissionID(c)
	if !okID {
		return
	}
	uid, okUser := requireUser(c)
	if !okUser {
		return
	}
	if _, err := h.svc.Delete(c.Request.Context(), c.Param("scope"), id, uid, middleware.IsAdmin(c)); err != nil {
		failService(c, err)
		return
	}
	noContent(c)
}

// Approve publishes a pending submission.
func (h *Handlers) Approve(c *gin.Context) {
	id, okID := submissionID(c)
	if !okID {
		return
	}
	uid, okAdmin := requireAdmin(c)
	if !okAdmin {
		return
	}
	sub, err := h.svc.Approve(c.Request.Context(), c.Param("scope"), id, uid)
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusOK, sub)
}

// Reject discards a pending submission.
func (h *Handlers) Reject(c *gin.Context) {
	id, okID := submissionID(c)
	if !okID {
		return
	}
	uid, okAdmin := requireAdmin(c)
	if !okAdmin {
		return
	}
	var req RejectRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
			return
		}
	}
	sub, err := h.svc.Reject(c.Request.Context(), c.Param("scope"), id, uid, strings.TrimSpace(req.Reason))
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusOK, sub)
}

// Duplicates reports clusters of submissions sharing an identical image
// quadrant.
func (h *Handlers) Duplicates(c *gin.Context) {
	if _, okAdmin := requireAdmin(c); !okAdmin {
		return
	}
	scope := c.Param("scope")
	clusters := h.svc.Duplicates(c.Request.Context(), scope)
	if clusters == nil {
		clusters = [][]int{}
	}
	ok(c, http.StatusOK, DuplicatesResponse{Scope: scope, Clusters: clusters})
}
