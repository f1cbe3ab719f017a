package pager

import (
	"context"
	"fmt"
	"time"

	"inbox-sync/internal/models"
)

// DefaultLimit is the page size used when callers pass a non-positive limit.
const DefaultLimit = 50

// MessageSource returns up to limit messages of a chat, newest first,
// optionally restricted to messages strictly older than before.
type MessageSource interface {
	ListMessagesDesc(ctx context.Context, chatID string, limit int, before *time.Time) ([]models.Message, error)
}

// Page is one slice of a chat's history in ascending time order.
type Page struct {
	Messages []models.Message `json:"messages"`
	HasMore  bool             `json:"has_more"`
}

// Pager walks a chat's history backwards.
type Pager struct {
	source MessageSource
}

// New constructs a Pager.
func New(source MessageSource) *Pager {
	return &Pager{source: source}
}

// FetchPage asks for one row more than needed; its presence tells whether
// older history exists without a second query.
func (p *Pager) FetchPage(ctx context.Context, chatID string, limit int, before *time.Time) (Page, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}

	rows, err := p.source.ListMessagesDesc(ctx, chatID, limit+1, before)
	if err != nil {
		return Page{}, fmt.Errorf("fetch messages of chat %s: %w", chatID, err)
	}

	hasMore := len(rows) > limit
	if hasMore {
		rows = rows[:limit]
	}

	msgs := make([]models.Message, len(rows))
	for i, m := range rows {
		msgs[len(rows)-1-i] = m
	}
	return Page{Messages: msgs, HasMore: hasMore}, nil
}

// Cursor derives the position to continue from after page was loaded.
func Cursor(chatID string, page Page) models.PageCursor {
	cursor := models.PageCursor{ChatID: chatID, HasMore: page.HasMore}
	if len(page.Messages) > 0 {
		cursor.Oldest = page.Messages[0].CreatedAt
	}
	return cursor
}
