package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"inbox-sync/internal/locks"
	"inbox-sync/internal/repositories"
)

// LockService is the conversation lock API used by the HTTP layer.
type LockService interface {
	Status(ctx context.Context, chatID, userID string) (locks.Status, error)
	Claim(ctx context.Context, chatID, userID, requestID string) (locks.Status, error)
	Release(ctx context.Context, chatID, userID, requestID string) error
}

// LockHandler exposes conversation locks.
type LockHandler struct {
	locks LockService
}

// NewLockHandler builds a LockHandler.
func NewLockHandler(svc LockService) *LockHandler {
	return &LockHandler{locks: svc}
}

// GetLock reports who, if anyone, is answering the chat.
func (h *LockHandler) GetLock(c *gin.Context) {
	st, err := h.locks.Status(c.Request.Context(), c.Param("chat_id"), staffIDFromContext(c))
	if err != nil {
		c.JSON(lockStatusFor(err), gin.H{"error": "failed to read lock"})
		return
	}
	c.JSON(http.StatusOK, st)
}

// ClaimLock takes the chat for the caller; 409 when someone else holds it.
func (h *LockHandler) ClaimLock(c *gin.Context) {
	st, err := h.locks.Claim(c.Request.Context(), c.Param("chat_id"), staffIDFromContext(c), requestIDFromContext(c))
	if err != nil {
		c.JSON(lockStatusFor(err), gin.H{"error": "failed to claim lock"})
		return
	}
	if st.State == locks.HeldByOther {
		c.JSON(http.StatusConflict, st)
		return
	}
	c.JSON(http.StatusOK, st)
}

// ReleaseLock frees the chat if the caller holds it.
func (h *LockHandler) ReleaseLock(c *gin.Context) {
	if err := h.locks.Release(c.Request.Context(), c.Param("chat_id"), staffIDFromContext(c), requestIDFromContext(c)); err != nil {
		c.JSON(lockStatusFor(err), gin.H{"error": "failed to release lock"})
		return
	}
	c.Status(http.StatusNoContent)
}

func lockStatusFor(err error) int {
	if errors.Is(err, repositories.ErrChatNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}
