// Package httpapi wires the HTTP transport (Gin) to the submission handlers
// and the cross-cutting middleware: tracing, correlation ids, identity,
// redacted logging, panic recovery, metrics, idempotency, rate limiting,
// compression, CORS and security headers.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/tbourn/go-cave-backend/internal/config"
	"github.com/tbourn/go-cave-backend/internal/http/handlers"
	"github.com/tbourn/go-cave-backend/internal/http/middleware"
)

var corsHeaders = []string{
	"Origin", "Content-Type", "Accept", "Authorization",
	middleware.HeaderUserID, middleware.HeaderIdempotencyKey, "If-None-Match",
}

var corsExposed = []string{"X-Request-ID", "Content-Length", "ETag", "Retry-After", "Idempotency-Replayed"}

// RegisterRoutes attaches all middleware and HTTP endpoints to r and mounts
// the API under cfg.APIBasePath. db backs idempotency lookups and /ready.
//
// Middleware order matters:
//  1. OpenTelemetry
//  2. RequestID, then Identity (the logger and limiter read the caller id)
//  3. RedactingLogger
//  4. Recovery
//  5. Body size limit
//  6. Metrics
//  7. Idempotency validator (before the limiter so replays bypass it)
//  8. Rate limiter on writes, per caller and scope
//  9. gzip, CORS and security headers
func RegisterRoutes(r *gin.Engine, db *gorm.DB, h *handlers.Handlers, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID())
	r.Use(middleware.Identity(cfg.Pool.AdminUserIDs))
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{
		MaskHeaders: []string{"X-API-Key"},
	}))
	r.Use(middleware.Recovery())
	r.Use(limitBody(cfg.MaxBodyBytes))

	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.Use(middleware.IdempotencyValidator(
		middleware.IdempotencyOptions{MaxLen: 200},
		handlers.IdempotencyLookup(db),
	))

	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByUserAndScope())
	r.Use(rl.Methods(http.MethodPost, http.MethodDelete))

	apiBase := cfg.APIBasePath
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{
		"/metrics", joinPath(apiBase, "/blobs"),
	})))

	useCORS(r, cfg.CORS.AllowedOrigins)

	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS: cfg.Security.EnableHSTS,
		HSTSMaxAge: cfg.Security.HSTSMaxAge,
	}))

	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/ready", func(c *gin.Context) {
		sqlDB, err := db.DB()
		if err == nil {
			err = sqlDB.PingContext(c.Request.Context())
		}
		if err != nil {
			handlers.Fail(c, http.StatusServiceUnavailable, handlers.ErrCodeInternal, "database unavailable")
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	api := groupWithPrefix(r, apiBase)
	{
		api.GET("/blobs/:name", h.Blob)

		scope := api.Group("/scopes/:scope")
		scope.POST("/submissions", h.Submit)
		scope.GET("/submissions", h.List)
		scope.GET("/submissions/random", h.Random)
		scope.GET("/submissions/:id", h.Get)
		scope.DELETE("/submissions/:id", h.Delete)
		scope.POST("/submissions/:id/approve", h.Approve)
		scope.POST("/submissions/:id/reject", h.Reject)
		scope.GET("/duplicates", h.Duplicates)
	}
}

// useCORS allows every origin when none are configured, else echoes
// allowlisted origins.
func useCORS(r *gin.Engine, origins []string) {
	methods := []string{"GET", "POST", "DELETE", "OPTIONS"}
	if len(origins) == 0 {
		// ACAO: * even without an Origin header, so plain clients and health checks see it.
		r.Use(func(c *gin.Context) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     methods,
			AllowHeaders:     corsHeaders,
			ExposeHeaders:    corsExposed,
			AllowCredentials: false, // must remain false with AllowAllOrigins
			MaxAge:           12 * time.Hour,
		}))
		return
	}

	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[o] = struct{}{}
	}
	r.Use(func(c *gin.Context) {
		if origin := c.GetHeader("Origin"); origin != "" {
			if _, ok := allowed[origin]; ok {
				h := c.Writer.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Add("Vary", "Origin")
			}
		}
		c.Next()
	})
	r.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     methods,
		AllowHeaders:     corsHeaders,
		ExposeHeaders:    corsExposed,
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))
}

// limitBody caps request bodies at maxBytes; downstream reads past the cap
// fail and surface as 400 from JSON binding.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if maxBytes > 0 {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		}
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}

func joinPath(base, p string) string {
	if base == "" || base == "/" {
		return p
	}
	return base + p
}
