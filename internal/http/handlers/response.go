package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-cave-backend/internal/http/middleware"
)

// ErrorResponse is the error envelope returned by every endpoint.
type ErrorResponse struct {
	// Correlates server logs and client errors
	RequestID string `json:"request_id,omitempty"`
	// Stable, machine-readable code (see errors.go)
	Code string `json:"code"`
	// Human-readable message, safe to show to users
	Message string `json:"message"`
}

func requestID(c *gin.Context) string {
	if rid := c.Writer.Header().Get("X-Request-ID"); rid != "" {
		return rid
	}
	return middleware.RequestIDFrom(c)
}

// fail aborts with an ErrorResponse. 5xx responses are logged with the
// request-scoped logger.
func fail(c *gin.Context, status int, code, msg string) {
	if status >= http.StatusInternalServerError {
		middleware.LoggerFrom(c).Error().
			Int("status", status).
			Str("code", code).
			Str("message", msg).
			Msg("api error")
	}
	c.AbortWithStatusJSON(status, ErrorResponse{
		RequestID: requestID(c),
		Code:      code,
		Message:   msg,
	})
}

// Fail is fail for callers outside this package (router fallbacks).
func Fail(c *gin.Context, status int, code, msg string) { fail(c, status, code, msg) }

func ok(c *gin.Context, status int, body any) {
	c.JSON(status, body)
}

func noContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}
