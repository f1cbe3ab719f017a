package models

import "time"

// Channel identifies the messaging network a chat lives on.
type Channel string

const (
	ChannelWhatsApp  Channel = "whatsapp"
	ChannelInstagram Channel = "instagram"
	ChannelFacebook  Channel = "facebook"
)

// Chat represents one lead conversation of a clinic.
type Chat struct {
	ID              string     `db:"id" json:"id"`
	ClinicID        string     `db:"clinic_id" json:"clinic_id"`
	Name            string     `db:"name" json:"name"`
	Phone           string     `db:"phone_number" json:"phone_number"`
	Channel         Channel    `db:"channel" json:"channel"`
	InstanceID      string     `db:"instance_id" json:"instance_id,omitempty"`
	LastMessage     string     `db:"last_message" json:"last_message"`
	LastMessageTime time.Time  `db:"last_message_time" json:"last_message_time"`
	UnreadCount     int        `db:"unread_count" json:"unread_count"`
	Status          string     `db:"status" json:"status"`
	Pinned          bool       `db:"is_pinned" json:"is_pinned"`
	AssignedTo      *string    `db:"assigned_to" json:"assigned_to,omitempty"`
	LockedBy        *string    `db:"locked_by" json:"locked_by,omitempty"`
	LockedAt        *time.Time `db:"locked_at" json:"locked_at,omitempty"`
	Tags            []Tag      `db:"-" json:"tags"`
	Messages        []Message  `db:"-" json:"messages,omitempty"`
}

// RateLimitKey returns the outbound channel key the chat sends through.
func (c Chat) RateLimitKey() string {
	if c.InstanceID != "" {
		return c.InstanceID
	}
	return c.ClinicID + ":" + string(c.Channel)
}

// RequiresThrottling reports whether outbound sends on this chat go through the rate limiter.
func (c Chat) RequiresThrottling() bool {
	return c.Channel == ChannelWhatsApp || c.Channel == ""
}

// ChatSummary is the lightweight row read by the polling fallback.
type ChatSummary struct {
	ID              string    `db:"id" json:"id"`
	UnreadCount     int       `db:"unread_count" json:"unread_count"`
	LastMessage     string    `db:"last_message" json:"last_message"`
	LastMessageTime time.Time `db:"last_message_time" json:"last_message_time"`
	Status          string    `db:"status" json:"status"`
}

// Tag is a CRM label attached to a chat.
type Tag struct {
	ID    string `db:"id" json:"id"`
	Name  string `db:"name" json:"name"`
	Color string `db:"color" json:"color"`
}

// ChatTag links a tag to a chat, used when loading tags in bulk.
type ChatTag struct {
	ChatID string `db:"chat_id"`
	Tag
}

// PageCursor tracks how much history of a chat has been loaded.
type PageCursor struct {
	ChatID  string    `json:"chat_id"`
	Oldest  time.Time `json:"oldest"`
	HasMore bool      `json:"has_more"`
}

// ConversationLock is the advisory "someone is responding" marker of a chat.
type ConversationLock struct {
	ChatID   string     `db:"id" json:"chat_id"`
	LockedBy *string    `db:"locked_by" json:"locked_by,omitempty"`
	LockedAt *time.Time `db:"locked_at" json:"locked_at,omitempty"`
}
