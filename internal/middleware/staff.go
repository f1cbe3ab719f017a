package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// StaffKey is the gin context key holding the acting staff member's id.
const StaffKey = "staffID"

// StaffMiddleware reads the staff identity forwarded by the upstream proxy.
// Browsers cannot set headers on websocket upgrades, so user_id in the query
// is accepted as well.
func StaffMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		staffID := strings.TrimSpace(c.GetHeader("X-User-Id"))
		if staffID == "" {
			staffID = strings.TrimSpace(c.Query("user_id"))
		}
		if staffID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing staff identity"})
			return
		}

		c.Set(StaffKey, staffID)
		c.Next()
	}
}
