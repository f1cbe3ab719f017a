package state

import (
	"time"

	"github.com/google/uuid"

	"inbox-sync/internal/models"
)

// Tracker mints provisional messages for sends in flight and reconciles them
// once the provider answers.
type Tracker struct {
	store *Store
	now   func() time.Time
	newID func() string
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithTrackerClock replaces time.Now.
func WithTrackerClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) { t.now = now }
}

// WithIDGenerator replaces the random part of provisional ids.
func WithIDGenerator(gen func() string) TrackerOption {
	return func(t *Tracker) { t.newID = gen }
}

// NewTracker binds a tracker to store.
func NewTracker(store *Store, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		store: store,
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Draft is the content of a send as the staff member composed it.
type Draft struct {
	Content   string
	SenderID  *string
	QuotedRef *string
	MediaURL  *string
	MediaType *string
}

// Create appends a provisional staff message to the chat, makes it the chat's
// last message and returns its id. The caller must pass the id to Resolve
// exactly once.
func (t *Tracker) Create(chatID string, draft Draft) (string, error) {
	msg := models.Message{
		ID:              models.ProvisionalPrefix + t.newID(),
		ChatID:          chatID,
		Content:         draft.Content,
		FromClient:      false,
		SenderID:        draft.SenderID,
		CreatedAt:       t.now().UTC(),
		MediaURL:        draft.MediaURL,
		MediaType:       draft.MediaType,
		QuotedMessageID: draft.QuotedRef,
		Provisional:     true,
	}
	if err := t.store.insertProvisional(msg); err != nil {
		return "", err
	}
	return msg.ID, nil
}

// Resolve swaps the provisional entry for confirmed in place, or removes it
// when confirmed is nil. Unknown ids and repeated calls do nothing.
func (t *Tracker) Resolve(chatID, provisionalID string, confirmed *models.Message) {
	t.store.resolveProvisional(chatID, provisionalID, confirmed)
}
