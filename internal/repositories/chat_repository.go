package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"inbox-sync/internal/models"
)

var ErrChatNotFound = errors.New("chat not found")

const chatColumns = `c.id, c.clinic_id, c.name, COALESCE(c.phone_number, '') AS phone_number, c.channel,
        COALESCE(c.instance_id, '') AS instance_id, COALESCE(c.last_message, '') AS last_message,
        COALESCE(c.last_message_time, c.created_at) AS last_message_time, c.unread_count,
        COALESCE(c.status, '') AS status, c.is_pinned, c.assigned_to, c.locked_by, c.locked_at`

// ChatRepository abstracts chat persistence.
type ChatRepository interface {
	ListChats(ctx context.Context, clinicID string) ([]models.Chat, error)
	GetChat(ctx context.Context, clinicID string, chatID string) (models.Chat, error)
	ListSummaries(ctx context.Context, clinicID string) ([]models.ChatSummary, error)
	MarkRead(ctx context.Context, clinicID string, chatID string) error
}

// ChatRepo is a sqlx implementation of ChatRepository.
type ChatRepo struct {
	db *sqlx.DB
}

// NewChatRepo constructs a ChatRepo.
func NewChatRepo(db *sqlx.DB) *ChatRepo {
	return &ChatRepo{db: db}
}

// ListChats returns every chat of the clinic with its tags, without messages.
func (r *ChatRepo) ListChats(ctx context.Context, clinicID string) ([]models.Chat, error) {
	var chats []models.Chat
	query := `SELECT ` + chatColumns + ` FROM chats c WHERE c.clinic_id=$1 ORDER BY last_message_time DESC`
	if err := r.db.SelectContext(ctx, &chats, query, clinicID); err != nil {
		return nil, err
	}
	if err := r.attachTags(ctx, chats); err != nil {
		return nil, err
	}
	return chats, nil
}

// GetChat fetches one chat summary row with its tags.
func (r *ChatRepo) GetChat(ctx context.Context, clinicID string, chatID string) (models.Chat, error) {
	var chat models.Chat
	query := `SELECT ` + chatColumns + ` FROM chats c WHERE c.clinic_id=$1 AND c.id=$2`
	err := r.db.GetContext(ctx, &chat, query, clinicID, chatID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Chat{}, ErrChatNotFound
	}
	if err != nil {
		return models.Chat{}, err
	}
	chats := []models.Chat{chat}
	if err := r.attachTags(ctx, chats); err != nil {
		return models.Chat{}, err
	}
	return chats[0], nil
}

// ListSummaries is the read behind the polling fallback.
func (r *ChatRepo) ListSummaries(ctx context.Context, clinicID string) ([]models.ChatSummary, error) {
	query := `SELECT id, unread_count, COALESCE(last_message, '') AS last_message,
        COALESCE(last_message_time, created_at) AS last_message_time, COALESCE(status, '') AS status
        FROM chats WHERE clinic_id=$1`
	var summaries []models.ChatSummary
	err := r.db.SelectContext(ctx, &summaries, query, clinicID)
	return summaries, err
}

// MarkRead resets the unread counter.
func (r *ChatRepo) MarkRead(ctx context.Context, clinicID string, chatID string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE chats SET unread_count = 0 WHERE clinic_id=$1 AND id=$2`, clinicID, chatID)
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrChatNotFound
	}
	return nil
}

func (r *ChatRepo) attachTags(ctx context.Context, chats []models.Chat) error {
	if len(chats) == 0 {
		return nil
	}
	ids := make([]string, 0, len(chats))
	for _, c := range chats {
		ids = append(ids, c.ID)
	}

	var rows []models.ChatTag
	query := `SELECT ct.chat_id, t.id, t.name, COALESCE(t.color, '') AS color
        FROM chat_tags ct JOIN tags t ON t.id = ct.tag_id
        WHERE ct.chat_id = ANY($1) ORDER BY t.name`
	if err := r.db.SelectContext(ctx, &rows, query, pq.Array(ids)); err != nil {
		return err
	}

	byChat := make(map[string][]models.Tag, len(chats))
	for _, row := range rows {
		byChat[row.ChatID] = append(byChat[row.ChatID], row.Tag)
	}
	for i := range chats {
		tags := byChat[chats[i].ID]
		if tags == nil {
			tags = []models.Tag{}
		}
		chats[i].Tags = tags
	}
	return nil
}
