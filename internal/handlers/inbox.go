package handlers

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"inbox-sync/internal/models"
	"inbox-sync/internal/pager"
	"inbox-sync/internal/ratelimit"
	"inbox-sync/internal/syncengine"
)

const maxPageSize = 200

// Inbox is the sync engine as seen by the HTTP layer.
type Inbox interface {
	State() syncengine.State
	Chats() []models.Chat
	Chat(chatID string) (models.Chat, bool)
	LoadMessages(ctx context.Context, chatID string, limit int, older bool) (pager.Page, error)
	Send(ctx context.Context, in syncengine.Intent) (syncengine.SendResult, error)
	MarkRead(ctx context.Context, chatID string) error
	RateLimitStatus(channel string) ratelimit.Status
}

// InboxHandler serves the chat list, history and send endpoints.
type InboxHandler struct {
	inbox Inbox
}

// NewInboxHandler builds an InboxHandler.
func NewInboxHandler(inbox Inbox) *InboxHandler {
	return &InboxHandler{inbox: inbox}
}

// ListChats returns the ordered chat list, optionally filtered.
func (h *InboxHandler) ListChats(c *gin.Context) {
	filter := c.Query("filter")
	staffID := staffIDFromContext(c)

	var keep func(models.Chat) bool
	switch filter {
	case "":
		keep = func(models.Chat) bool { return true }
	case "unread":
		keep = func(chat models.Chat) bool { return chat.UnreadCount > 0 }
	case "mine":
		keep = func(chat models.Chat) bool { return chat.AssignedTo != nil && *chat.AssignedTo == staffID }
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown filter"})
		return
	}

	all := h.inbox.Chats()
	chats := make([]models.Chat, 0, len(all))
	for _, chat := range all {
		if keep(chat) {
			chats = append(chats, chat)
		}
	}

	c.JSON(http.StatusOK, gin.H{"chats": chats, "state": h.inbox.State().String()})
}

// GetChatMessages loads the newest page, or the next older one with ?older=true.
func (h *InboxHandler) GetChatMessages(c *gin.Context) {
	chatID := c.Param("chat_id")
	older := c.Query("older") == "true"

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = min(parsed, maxPageSize)
	}

	page, err := h.inbox.LoadMessages(c.Request.Context(), chatID, limit, older)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": "failed to load messages"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"messages": page.Messages, "has_more": page.HasMore})
}

type sendRequest struct {
	Content         string  `json:"content"`
	QuotedMessageID *string `json:"quoted_message_id"`
	MediaRef        string  `json:"media_ref"`
	MediaType       string  `json:"media_type"`
}

// PostChatMessage sends a staff message through the provider.
func (h *InboxHandler) PostChatMessage(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.inbox.Send(c.Request.Context(), syncengine.Intent{
		ChatID:    c.Param("chat_id"),
		Content:   req.Content,
		SenderID:  staffIDPtr(c),
		QuotedRef: req.QuotedMessageID,
		MediaRef:  req.MediaRef,
		MediaType: req.MediaType,
		RequestID: requestIDFromContext(c),
	})
	switch {
	case errors.Is(err, syncengine.ErrEmptyMessage):
		c.JSON(http.StatusBadRequest, gin.H{"error": "message has neither text nor media"})
		return
	case errors.Is(err, syncengine.ErrSendFailed):
		c.JSON(http.StatusBadGateway, gin.H{"error": "send failed", "draft": req})
		return
	case err != nil:
		c.JSON(statusFor(err), gin.H{"error": "could not send message"})
		return
	}

	if result.RateLimited() {
		d := result.RateLimit
		c.Header("Retry-After", strconv.Itoa(int(math.Ceil(float64(d.WaitMs)/1000))))
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":   "rate limited",
			"reason":  d.Reason,
			"wait_ms": d.WaitMs,
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"message": result.Message, "provisional_id": result.ProvisionalID})
}

// MarkRead clears the unread counter of a chat.
func (h *InboxHandler) MarkRead(c *gin.Context) {
	if err := h.inbox.MarkRead(c.Request.Context(), c.Param("chat_id")); err != nil {
		c.JSON(statusFor(err), gin.H{"error": "failed to mark chat read"})
		return
	}
	c.Status(http.StatusNoContent)
}

// RateLimitStatus reports the send budget of an outbound channel.
func (h *InboxHandler) RateLimitStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.inbox.RateLimitStatus(c.Param("channel")))
}

// Health reports 200 once the chat list is loaded.
func (h *InboxHandler) Health(c *gin.Context) {
	st := h.inbox.State()
	status := http.StatusOK
	if st != syncengine.Ready {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"state": st.String()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, syncengine.ErrChatNotFound):
		return http.StatusNotFound
	case errors.Is(err, syncengine.ErrNotRunning):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
