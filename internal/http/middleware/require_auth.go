package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// RequireAuth aborts with 401 when no authenticated user is attached to the
// request. Session issuance itself lives upstream; this service only consumes
// the session cookie.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := CurrentUser(c); ok {
			c.Next()
			return
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error":      "authentication required",
			"request_id": GetRequestID(c),
		})
	}
}
