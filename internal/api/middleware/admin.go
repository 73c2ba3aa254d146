package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
)

const HeaderAdminToken = "X-Admin-Token"

// AdminMiddleware guards operational endpoints with a shared token. An empty
// token disables the admin surface entirely.
func AdminMiddleware(token string, logger *slog.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}

	return func(c *gin.Context) {
		if token == "" {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Admin endpoints are disabled"})
			c.Abort()
			return
		}

		provided := c.GetHeader(HeaderAdminToken)
		if provided == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Admin token required"})
			c.Abort()
			return
		}

		if subtle.ConstantTimeCompare([]byte(provided), []byte(token)) != 1 {
			logger.Warn("rejected admin request", "path", c.Request.URL.Path, "client", c.ClientIP())
			c.JSON(http.StatusForbidden, gin.H{"error": "Invalid admin token"})
			c.Abort()
			return
		}

		c.Next()
	}
}
