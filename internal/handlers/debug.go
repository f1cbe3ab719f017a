package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"inbox-sync/internal/telemetry"
)

// RegisterDebugRoutes wires debug-only endpoints.
func RegisterDebugRoutes(router *gin.Engine, emitter *telemetry.AuditEmitter, inbox Inbox, enabled bool) {
	if !enabled {
		return
	}

	router.GET("/debug/audit-test", func(c *gin.Context) {
		if emitter == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit emitter not configured"})
			return
		}
		emitter.Emit(c.Request.Context(), "debug", requestIDFromContext(c), staffIDPtr(c), telemetry.AuditPayload{Detail: "audit test"})
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/debug/state", func(c *gin.Context) {
		chats := inbox.Chats()
		unread := 0
		for _, chat := range chats {
			unread += chat.UnreadCount
		}
		c.JSON(http.StatusOK, gin.H{
			"state":  inbox.State().String(),
			"chats":  len(chats),
			"unread": unread,
		})
	})
}
