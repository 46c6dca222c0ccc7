package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
)

// HeaderUserID carries the caller's user id. Authentication happens upstream
// (bot gateway or reverse proxy); the API trusts this header.
const HeaderUserID = "X-User-ID"

const (
	userIDKey  = "userID"
	isAdminKey = "isAdmin"
)

// Identity stores the caller's id and admin flag in the Gin context. Admins
// are the user ids listed in admins.
func Identity(admins []string) gin.HandlerFunc {
	set := make(map[string]struct{}, len(admins))
	for _, a := range admins {
		if a = strings.TrimSpace(a); a != "" {
			set[a] = struct{}{}
		}
	}
	return func(c *gin.Context) {
		uid := strings.TrimSpace(c.GetHeader(HeaderUserID))
		if uid != "" {
			c.Set(userIDKey, uid)
			_, admin := set[uid]
			c.Set(isAdminKey, admin)
		}
		c.Next()
	}
}

// UserID returns the caller id, or "" for anonymous requests.
func UserID(c *gin.Context) string {
	return c.GetString(userIDKey)
}

// IsAdmin reports whether the caller is a configured admin.
func IsAdmin(c *gin.Context) bool {
	return c.GetBool(isAdminKey)
}
