package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"inbox-sync/internal/middleware"
)

const requestIDContextKey = "request_id"

func requestIDFromContext(c *gin.Context) string {
	if val, ok := c.Get(requestIDContextKey); ok {
		if id, ok := val.(string); ok && id != "" {
			return id
		}
	}

	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Set(requestIDContextKey, requestID)
	return requestID
}

func staffIDFromContext(c *gin.Context) string {
	if id := c.GetString(middleware.StaffKey); id != "" {
		return id
	}
	return c.GetHeader("X-User-Id")
}

func staffIDPtr(c *gin.Context) *string {
	id := staffIDFromContext(c)
	if id == "" {
		return nil
	}
	return &id
}
