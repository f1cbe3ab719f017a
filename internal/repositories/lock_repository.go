package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"inbox-sync/internal/models"
)

// LockRepository stores the advisory responder lock on the chat row.
type LockRepository interface {
	GetLock(ctx context.Context, chatID string) (models.ConversationLock, error)
	ClaimLock(ctx context.Context, chatID string, userID string, now time.Time, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, chatID string, userID string) error
}

// LockRepo is a sqlx implementation of LockRepository.
type LockRepo struct {
	db *sqlx.DB
}

// NewLockRepo constructs a LockRepo.
func NewLockRepo(db *sqlx.DB) *LockRepo {
	return &LockRepo{db: db}
}

// GetLock reads the current holder of a chat.
func (r *LockRepo) GetLock(ctx context.Context, chatID string) (models.ConversationLock, error) {
	var lock models.ConversationLock
	err := r.db.GetContext(ctx, &lock, `SELECT id, locked_by, locked_at FROM chats WHERE id=$1`, chatID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ConversationLock{}, ErrChatNotFound
	}
	return lock, err
}

// ClaimLock takes the lock only if it is free, expired, or already ours.
// The condition lives in the UPDATE so two claims cannot both win.
func (r *LockRepo) ClaimLock(ctx context.Context, chatID string, userID string, now time.Time, ttl time.Duration) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE chats SET locked_by=$2, locked_at=$3
        WHERE id=$1 AND (locked_by IS NULL OR locked_by=$2 OR locked_at IS NULL OR locked_at < $4)`,
		chatID, userID, now, now.Add(-ttl))
	if err != nil {
		return false, err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return count == 1, nil
}

// ReleaseLock clears the lock if userID holds it.
func (r *LockRepo) ReleaseLock(ctx context.Context, chatID string, userID string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE chats SET locked_by=NULL, locked_at=NULL WHERE id=$1 AND locked_by=$2`, chatID, userID)
	return err
}
