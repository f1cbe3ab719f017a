package state

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inbox-sync/internal/models"
	"inbox-sync/internal/pager"
)

func trackerWithHistory(t *testing.T) (*Store, *Tracker) {
	t.Helper()
	s := seededStore()
	page := pager.Page{Messages: []models.Message{
		{ID: "m1", ChatID: "b", Content: "hi", FromClient: true, CreatedAt: at(2)},
		{ID: "m2", ChatID: "b", Content: "there?", FromClient: true, CreatedAt: at(3)},
	}}
	require.NoError(t, s.ApplyPage("b", page, false))
	return s, NewTracker(s, WithTrackerClock(func() time.Time { return at(30) }), WithIDGenerator(func() string { return "fixed" }))
}

func TestCreateInsertsProvisional(t *testing.T) {
	s, tracker := trackerWithHistory(t)
	sender := "staff-1"

	id, err := tracker.Create("b", Draft{Content: "on my way", SenderID: &sender})
	require.NoError(t, err)
	assert.Equal(t, "temp-fixed", id)
	assert.True(t, models.IsProvisionalID(id))

	chat, _ := s.Chat("b")
	require.Len(t, chat.Messages, 3)
	last := chat.Messages[2]
	assert.True(t, last.Provisional)
	assert.False(t, last.FromClient)
	assert.Equal(t, "on my way", chat.LastMessage)
	assert.Equal(t, at(30), chat.LastMessageTime)
	assert.Equal(t, []string{"pinned", "b", "a"}, chatIDs(s.Chats()))
}

func TestCreateUnknownChat(t *testing.T) {
	_, tracker := trackerWithHistory(t)
	_, err := tracker.Create("missing", Draft{Content: "x"})
	assert.ErrorIs(t, err, ErrChatNotFound)
}

func TestResolveConfirmedReplacesInPlace(t *testing.T) {
	s, tracker := trackerWithHistory(t)
	id, err := tracker.Create("b", Draft{Content: "on my way"})
	require.NoError(t, err)
	before, _ := s.Chat("b")

	providerID := "wamid.1"
	tracker.Resolve("b", id, &models.Message{ID: "m3", ChatID: "b", Content: "on my way", CreatedAt: at(31), ProviderMessageID: &providerID})

	after, _ := s.Chat("b")
	require.Len(t, after.Messages, len(before.Messages))
	assert.Equal(t, "m3", after.Messages[2].ID)
	assert.False(t, after.Messages[2].Provisional)
	assert.Equal(t, at(31), after.LastMessageTime)
}

func TestResolveNilRemovesEntry(t *testing.T) {
	s, tracker := trackerWithHistory(t)
	id, err := tracker.Create("b", Draft{Content: "oops"})
	require.NoError(t, err)
	before, _ := s.Chat("b")

	tracker.Resolve("b", id, nil)

	after, _ := s.Chat("b")
	assert.Len(t, after.Messages, len(before.Messages)-1)
	assert.Equal(t, []string{"m1", "m2"}, messageIDs(after.Messages))
}

func TestResolveIsIdempotent(t *testing.T) {
	s, tracker := trackerWithHistory(t)
	id, err := tracker.Create("b", Draft{Content: "hello"})
	require.NoError(t, err)

	tracker.Resolve("b", id, &models.Message{ID: "m3", ChatID: "b", Content: "hello", CreatedAt: at(31)})
	once, _ := s.Chat("b")

	tracker.Resolve("b", id, nil)
	tracker.Resolve("b", id, &models.Message{ID: "m9", ChatID: "b", CreatedAt: at(40)})
	tracker.Resolve("b", "temp-never-created", nil)
	twice, _ := s.Chat("b")

	assert.Equal(t, once.Messages, twice.Messages)
}

func TestResolveAfterChatRemoved(t *testing.T) {
	s, tracker := trackerWithHistory(t)
	id, err := tracker.Create("b", Draft{Content: "hello"})
	require.NoError(t, err)

	s.Reset()

	assert.NotPanics(t, func() { tracker.Resolve("b", id, nil) })
}

func TestBroadcastOfOwnSendIsNotDuplicated(t *testing.T) {
	s, tracker := trackerWithHistory(t)
	id, err := tracker.Create("b", Draft{Content: "see you at 5"})
	require.NoError(t, err)

	added := s.MergeMessage(models.Message{ID: "m3", ChatID: "b", Content: "see you at 5", CreatedAt: at(31)})
	assert.False(t, added)

	tracker.Resolve("b", id, &models.Message{ID: "m3", ChatID: "b", Content: "see you at 5", CreatedAt: at(31)})

	chat, _ := s.Chat("b")
	assert.Equal(t, []string{"m1", "m2", "m3"}, messageIDs(chat.Messages))
}

func TestClientMessageWithSameTextIsNotSuppressed(t *testing.T) {
	s, tracker := trackerWithHistory(t)
	_, err := tracker.Create("b", Draft{Content: "ok"})
	require.NoError(t, err)

	added := s.MergeMessage(models.Message{ID: "m3", ChatID: "b", Content: "ok", FromClient: true, CreatedAt: at(31)})
	assert.True(t, added)
}

func TestCreateCarriesMedia(t *testing.T) {
	s, tracker := trackerWithHistory(t)
	photo, kind := "https://cdn.example/x.jpg", "image"

	id, err := tracker.Create("b", Draft{MediaURL: &photo, MediaType: &kind})
	require.NoError(t, err)

	chat, _ := s.Chat("b")
	last := chat.Messages[len(chat.Messages)-1]
	assert.Equal(t, id, last.ID)
	require.NotNil(t, last.MediaURL)
	assert.Equal(t, photo, *last.MediaURL)
	require.NotNil(t, last.MediaType)
	assert.Equal(t, kind, *last.MediaType)
}

func TestMediaSendDoesNotSwallowOtherStaffMessages(t *testing.T) {
	s, tracker := trackerWithHistory(t)
	staff1, staff2 := "staff-1", "staff-2"
	mine, theirs := "https://cdn.example/mine.jpg", "https://cdn.example/x.jpg"
	_, err := tracker.Create("b", Draft{SenderID: &staff1, MediaURL: &mine})
	require.NoError(t, err)

	assert.True(t, s.MergeMessage(models.Message{ID: "m9", ChatID: "b", SenderID: &staff2, MediaURL: &theirs, CreatedAt: at(31)}))
	assert.True(t, s.MergeMessage(models.Message{ID: "m10", ChatID: "b", SenderID: &staff1, CreatedAt: at(32)}))
	assert.False(t, s.MergeMessage(models.Message{ID: "m11", ChatID: "b", SenderID: &staff1, MediaURL: &mine, CreatedAt: at(33)}))
}

func TestOtherStaffWithSameTextIsNotSuppressed(t *testing.T) {
	s, tracker := trackerWithHistory(t)
	staff1, staff2 := "staff-1", "staff-2"
	_, err := tracker.Create("b", Draft{Content: "ok", SenderID: &staff1})
	require.NoError(t, err)

	assert.True(t, s.MergeMessage(models.Message{ID: "m3", ChatID: "b", Content: "ok", SenderID: &staff2, CreatedAt: at(31)}))
}

func TestResolveWhenConfirmedRowAlreadyLoaded(t *testing.T) {
	s, tracker := trackerWithHistory(t)
	id, err := tracker.Create("b", Draft{Content: "see you at 5"})
	require.NoError(t, err)

	confirmed := models.Message{ID: "m3", ChatID: "b", Content: "see you at 5", CreatedAt: at(31)}
	page := pager.Page{Messages: []models.Message{
		{ID: "m2", ChatID: "b", Content: "there?", FromClient: true, CreatedAt: at(3)},
		confirmed,
	}}
	require.NoError(t, s.ApplyPage("b", page, false))

	tracker.Resolve("b", id, &confirmed)

	chat, _ := s.Chat("b")
	assert.Equal(t, []string{"m2", "m3"}, messageIDs(chat.Messages))
	assert.Equal(t, at(31), chat.LastMessageTime)
}

func TestResolveIgnoresServerIDs(t *testing.T) {
	s, tracker := trackerWithHistory(t)

	tracker.Resolve("b", "m1", nil)

	chat, _ := s.Chat("b")
	assert.Equal(t, []string{"m1", "m2"}, messageIDs(chat.Messages))
}
