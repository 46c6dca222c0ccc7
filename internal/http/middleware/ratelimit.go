package middleware

import (
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/time/rate"
)

// KeyFunc maps a request to its rate-limit bucket.
type KeyFunc func(*gin.Context) string

// KeyByUserOrIP buckets by caller id when known, else by client IP.
func KeyByUserOrIP() KeyFunc {
	return func(c *gin.Context) string {
		if uid := UserID(c); uid != "" {
			return "user:" + uid
		}
		return "ip:" + c.ClientIP()
	}
}

// KeyByUserAndScope buckets per caller and scope, so a user flooding one
// channel does not starve their submissions to others.
func KeyByUserAndScope() KeyFunc {
	base := KeyByUserOrIP()
	return func(c *gin.Context) string {
		return base(c) + "|scope:" + c.Param("scope")
	}
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen atomic.Int64 // unix nanos
}

// RateLimiter is a process-local token bucket per key. Idle buckets are
// dropped after IdleTTL during periodic sweeps on the request path.
type RateLimiter struct {
	rps     rate.Limit
	burst   int
	key     KeyFunc
	buckets *xsync.MapOf[string, *bucket]

	IdleTTL    time.Duration
	sweepEvery uint64
	hits       atomic.Uint64
}

// NewRateLimiter allows rps requests per second per key with the given
// burst (at least 1).
func NewRateLimiter(rps float64, burst int, key KeyFunc) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		rps:        rate.Limit(rps),
		burst:      burst,
		key:        key,
		buckets:    xsync.NewMapOf[string, *bucket](),
		IdleTTL:    10 * time.Minute,
		sweepEvery: 5000,
	}
}

func (rl *RateLimiter) limiter(key string, now time.Time) *rate.Limiter {
	if rl.hits.Add(1)%rl.sweepEvery == 0 {
		rl.sweep(now)
	}
	b, _ := rl.buckets.LoadOrCompute(key, func() *bucket {
		return &bucket{lim: rate.NewLimiter(rl.rps, rl.burst)}
	})
	b.lastSeen.Store(now.UnixNano())
	return b.lim
}

func (rl *RateLimiter) sweep(now time.Time) {
	cutoff := now.Add(-rl.IdleTTL).UnixNano()
	rl.buckets.Range(func(k string, b *bucket) bool {
		if b.lastSeen.Load() <= cutoff {
			rl.buckets.Delete(k)
		}
		return true
	})
}

// Len reports how many buckets are tracked.
func (rl *RateLimiter) Len() int { return rl.buckets.Size() }

// Handler rejects requests over the limit with 429. Idempotent replays
// (see IdempotencyValidator) pass without spending a token.
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if IsReplay(c) {
			c.Next()
			return
		}
		r := rl.limiter(rl.key(c), time.Now()).Reserve()
		if !r.OK() {
			rl.reject(c, time.Second)
			return
		}
		if d := r.Delay(); d > 0 {
			r.Cancel()
			rl.reject(c, d)
			return
		}
		c.Next()
	}
}

// Methods restricts the limiter to the given HTTP methods.
func (rl *RateLimiter) Methods(methods ...string) gin.HandlerFunc {
	h := rl.Handler()
	set := make(map[string]struct{}, len(methods))
	for _, m := range methods {
		set[m] = struct{}{}
	}
	return func(c *gin.Context) {
		if _, ok := set[c.Request.Method]; !ok {
			c.Next()
			return
		}
		h(c)
	}
}

func (rl *RateLimiter) reject(c *gin.Context, wait time.Duration) {
	secs := int(wait.Seconds() + 0.999)
	if secs < 1 {
		secs = 1
	}
	c.Header("Retry-After", strconv.Itoa(secs))
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
		"request_id": RequestIDFrom(c),
		"code":       "too_many_requests",
		"message":    "rate limit exceeded",
	})
}
