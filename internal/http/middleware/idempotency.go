package middleware

import (
	"context"
	"net/http"
	"regexp"
	"time"

	"github.com/gin-gonic/gin"
)

// HeaderIdempotencyKey lets clients retry a submission safely: the same key
// from the same user in the same scope replays the first result.
const HeaderIdempotencyKey = "Idempotency-Key"

const (
	idemKeyKey    = "idem.key"
	idemReplayKey = "idem.replay"
)

var defaultKeyPattern = regexp.MustCompile(`^[A-Za-z0-9._~\-:]+$`)

// IdempotencyOptions configures IdempotencyValidator.
type IdempotencyOptions struct {
	// MaxLen caps the key length; <= 0 means 200.
	MaxLen int
	// Pattern restricts key characters; nil means ^[A-Za-z0-9._~\-:]+$.
	Pattern *regexp.Regexp
}

// IdempotencyLookup returns the submission id recorded for (user, scope,
// key) if a live record exists. Lookup errors do not block the request.
type IdempotencyLookup func(ctx context.Context, userID, scope, key string, now time.Time) (submissionID int, found bool, err error)

// IdempotencyValidator validates the Idempotency-Key header on unsafe
// requests, stashes it for handlers and marks requests that would replay a
// recorded result. Replays also bypass the rate limiter.
func IdempotencyValidator(opts IdempotencyOptions, lookup IdempotencyLookup) gin.HandlerFunc {
	maxLen := opts.MaxLen
	if maxLen <= 0 {
		maxLen = 200
	}
	pat := opts.Pattern
	if pat == nil {
		pat = defaultKeyPattern
	}

	return func(c *gin.Context) {
		key := c.GetHeader(HeaderIdempotencyKey)
		if key == "" || isSafeMethod(c.Request.Method) {
			c.Next()
			return
		}
		if len(key) > maxLen || !pat.MatchString(key) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"request_id": RequestIDFrom(c),
				"code":       "bad_idempotency_key",
				"message":    "invalid Idempotency-Key",
			})
			return
		}
		c.Set(idemKeyKey, key)

		if lookup != nil {
			if id, found, err := lookup(c.Request.Context(), UserID(c), c.Param("scope"), key, time.Now().UTC()); err == nil && found {
				c.Set(idemReplayKey, id)
			}
		}
		c.Next()
	}
}

func isSafeMethod(m string) bool {
	switch m {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

// GetIdempotencyKey returns the validated key, if any.
func GetIdempotencyKey(c *gin.Context) (string, bool) {
	s := c.GetString(idemKeyKey)
	return s, s != ""
}

// ReplayedSubmission returns the submission id a replayed request refers to.
func ReplayedSubmission(c *gin.Context) (int, bool) {
	v, ok := c.Get(idemReplayKey)
	if !ok {
		return 0, false
	}
	id, ok := v.(int)
	return id, ok && id > 0
}

// IsReplay reports whether the request replays a recorded result.
func IsReplay(c *gin.Context) bool {
	_, ok := ReplayedSubmission(c)
	return ok
}
