package models

import (
	"strings"
	"time"
)

// ProvisionalPrefix marks ids minted locally before the server confirms a message.
const ProvisionalPrefix = "temp-"

// Message represents a chat message.
type Message struct {
	ID                string    `db:"id" json:"id"`
	ChatID            string    `db:"chat_id" json:"chat_id"`
	Content           string    `db:"content" json:"content"`
	FromClient        bool      `db:"is_from_client" json:"is_from_client"`
	SenderID          *string   `db:"sent_by" json:"sent_by,omitempty"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
	MediaURL          *string   `db:"media_url" json:"media_url,omitempty"`
	MediaType         *string   `db:"media_type" json:"media_type,omitempty"`
	QuotedMessageID   *string   `db:"quoted_message_id" json:"quoted_message_id,omitempty"`
	ProviderMessageID *string   `db:"provider_message_id" json:"provider_message_id,omitempty"`
	Provisional       bool      `db:"-" json:"provisional,omitempty"`
}

// IsProvisionalID reports whether id was minted locally.
func IsProvisionalID(id string) bool {
	return strings.HasPrefix(id, ProvisionalPrefix)
}

// RealtimeEvent is the tenant-wide broadcast emitted by the backend.
type RealtimeEvent struct {
	Event   string               `json:"event"`
	Payload RealtimeEventPayload `json:"payload"`
}

// RealtimeEventPayload carries the chat that changed.
type RealtimeEventPayload struct {
	ClinicID   string `json:"clinic_id"`
	ChatID     string `json:"chat_id"`
	FromClient bool   `json:"from_client"`
}

// EventNewMessage is the only broadcast the engine reacts to.
const EventNewMessage = "new_message"

// StateEvent is pushed to connected UI clients when the chat state changes.
type StateEvent struct {
	Type     string    `json:"type"`
	ChatID   string    `json:"chat_id,omitempty"`
	Chat     *Chat     `json:"chat,omitempty"`
	Chats    []Chat    `json:"chats,omitempty"`
	Messages []Message `json:"messages,omitempty"`
}
