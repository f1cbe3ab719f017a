package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"inbox-sync/internal/models"
)

var ErrMessageNotFound = errors.New("message not found")

const messageColumns = `id, chat_id, content, is_from_client, sent_by, created_at, media_url, media_type,
        quoted_message_id, provider_message_id`

// MessageRepository defines interactions for chat messages.
type MessageRepository interface {
	ListMessagesDesc(ctx context.Context, chatID string, limit int, before *time.Time) ([]models.Message, error)
	LatestMessage(ctx context.Context, chatID string) (models.Message, error)
	CreateMessage(ctx context.Context, msg models.Message) (models.Message, error)
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

// ListMessagesDesc returns up to limit messages newest first, strictly older than before when set.
func (r *MessageRepo) ListMessagesDesc(ctx context.Context, chatID string, limit int, before *time.Time) ([]models.Message, error) {
	var msgs []models.Message
	if before == nil {
		query := `SELECT ` + messageColumns + ` FROM messages WHERE chat_id=$1 ORDER BY created_at DESC LIMIT $2`
		err := r.db.SelectContext(ctx, &msgs, query, chatID, limit)
		return msgs, err
	}
	query := `SELECT ` + messageColumns + ` FROM messages WHERE chat_id=$1 AND created_at < $2 ORDER BY created_at DESC LIMIT $3`
	err := r.db.SelectContext(ctx, &msgs, query, chatID, *before, limit)
	return msgs, err
}

// LatestMessage returns the newest message of a chat.
func (r *MessageRepo) LatestMessage(ctx context.Context, chatID string) (models.Message, error) {
	var msg models.Message
	query := `SELECT ` + messageColumns + ` FROM messages WHERE chat_id=$1 ORDER BY created_at DESC LIMIT 1`
	err := r.db.GetContext(ctx, &msg, query, chatID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	return msg, err
}

// CreateMessage stores an outbound message and bumps the chat's last message
// in the same transaction.
func (r *MessageRepo) CreateMessage(ctx context.Context, msg models.Message) (models.Message, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Message{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var stored models.Message
	err = tx.GetContext(ctx, &stored, `INSERT INTO messages (chat_id, content, is_from_client, sent_by, media_url, media_type, quoted_message_id, provider_message_id)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING `+messageColumns,
		msg.ChatID, msg.Content, msg.FromClient, msg.SenderID, msg.MediaURL, msg.MediaType, msg.QuotedMessageID, msg.ProviderMessageID)
	if err != nil {
		return models.Message{}, fmt.Errorf("insert message: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE chats SET last_message=$2, last_message_time=$3 WHERE id=$1 AND (last_message_time IS NULL OR last_message_time <= $3)`,
		stored.ChatID, stored.Content, stored.CreatedAt); err != nil {
		return models.Message{}, fmt.Errorf("update chat last message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return models.Message{}, fmt.Errorf("commit: %w", err)
	}
	return stored, nil
}
