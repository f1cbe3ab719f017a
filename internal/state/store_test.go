package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inbox-sync/internal/models"
	"inbox-sync/internal/pager"
)

func seededStore() *Store {
	s := NewStore()
	s.Load([]models.Chat{
		{ID: "pinned", Pinned: true, LastMessageTime: at(1)},
		{ID: "a", LastMessage: "hello", LastMessageTime: at(5)},
		{ID: "b", LastMessage: "hi", LastMessageTime: at(3)},
	})
	return s
}

func chatIDs(chats []models.Chat) []string {
	ids := make([]string, len(chats))
	for i, c := range chats {
		ids[i] = c.ID
	}
	return ids
}

func TestStoreLoadOrders(t *testing.T) {
	s := seededStore()
	assert.Equal(t, []string{"pinned", "a", "b"}, chatIDs(s.Chats()))
}

func TestStoreMergeMessageMovesChatBelowPinned(t *testing.T) {
	s := seededStore()

	added := s.MergeMessage(models.Message{ID: "m1", ChatID: "b", Content: "new", FromClient: true, CreatedAt: at(9)})
	require.True(t, added)

	assert.Equal(t, []string{"pinned", "b", "a"}, chatIDs(s.Chats()))
	chat, ok := s.Chat("b")
	require.True(t, ok)
	assert.Equal(t, "new", chat.LastMessage)
	assert.Len(t, chat.Messages, 1)
}

func TestStoreMergeMessageDeduplicatesByID(t *testing.T) {
	s := seededStore()
	msg := models.Message{ID: "m1", ChatID: "a", Content: "x", FromClient: true, CreatedAt: at(6)}

	assert.True(t, s.MergeMessage(msg))
	assert.False(t, s.MergeMessage(msg))

	chat, _ := s.Chat("a")
	assert.Len(t, chat.Messages, 1)
}

func TestStoreMergeMessageUnknownChat(t *testing.T) {
	s := seededStore()
	assert.False(t, s.MergeMessage(models.Message{ID: "m1", ChatID: "gone", CreatedAt: at(6)}))
}

func TestStoreMergeMessageKeepsTimeOrder(t *testing.T) {
	s := seededStore()
	s.MergeMessage(models.Message{ID: "m2", ChatID: "a", CreatedAt: at(8), FromClient: true})
	s.MergeMessage(models.Message{ID: "m1", ChatID: "a", CreatedAt: at(7), FromClient: true})

	chat, _ := s.Chat("a")
	require.Len(t, chat.Messages, 2)
	assert.Equal(t, "m1", chat.Messages[0].ID)
	assert.Equal(t, "m2", chat.Messages[1].ID)
	assert.Equal(t, at(8), chat.LastMessageTime)
}

func TestStoreMergeSummaries(t *testing.T) {
	s := seededStore()

	missing := s.MergeSummaries([]models.ChatSummary{
		{ID: "b", UnreadCount: 2, LastMessage: "later", LastMessageTime: at(10), Status: "open"},
		{ID: "new-chat", UnreadCount: 1, LastMessageTime: at(11)},
	})

	assert.Equal(t, []string{"new-chat"}, missing)
	assert.Equal(t, []string{"pinned", "b", "a"}, chatIDs(s.Chats()))
	chat, _ := s.Chat("b")
	assert.Equal(t, 2, chat.UnreadCount)
}

func TestStoreMergeSummariesLeavesMessagesAlone(t *testing.T) {
	s := seededStore()
	require.NoError(t, s.ApplyPage("a", pager.Page{Messages: []models.Message{{ID: "m1", ChatID: "a", CreatedAt: at(4)}}}, false))

	s.MergeSummaries([]models.ChatSummary{{ID: "a", UnreadCount: 5, LastMessage: "x", LastMessageTime: at(20)}})

	chat, _ := s.Chat("a")
	assert.Len(t, chat.Messages, 1)
	assert.Equal(t, 5, chat.UnreadCount)
}

func TestStoreApplyPage(t *testing.T) {
	s := seededStore()
	tracker := NewTracker(s)
	provisionalID, err := tracker.Create("a", Draft{Content: "pending"})
	require.NoError(t, err)

	first := pager.Page{Messages: []models.Message{
		{ID: "m2", ChatID: "a", CreatedAt: at(2)},
		{ID: "m3", ChatID: "a", CreatedAt: at(3)},
	}, HasMore: true}
	require.NoError(t, s.ApplyPage("a", first, false))

	chat, _ := s.Chat("a")
	assert.Equal(t, []string{"m2", "m3", provisionalID}, messageIDs(chat.Messages))

	cursor, ok := s.Cursor("a")
	require.True(t, ok)
	assert.Equal(t, at(2), cursor.Oldest)
	assert.True(t, cursor.HasMore)

	older := pager.Page{Messages: []models.Message{
		{ID: "m1", ChatID: "a", CreatedAt: at(1)},
		{ID: "m2", ChatID: "a", CreatedAt: at(2)},
	}}
	require.NoError(t, s.ApplyPage("a", older, true))

	chat, _ = s.Chat("a")
	assert.Equal(t, []string{"m1", "m2", "m3", provisionalID}, messageIDs(chat.Messages))
}

func TestStoreApplyPageKeepsMessagesNewerThanPage(t *testing.T) {
	s := seededStore()
	require.NoError(t, s.ApplyPage("a", pager.Page{Messages: []models.Message{{ID: "m0", ChatID: "a", CreatedAt: at(4)}}}, false))

	// The broadcast lands after the page query ran but before the page is applied.
	require.True(t, s.MergeMessage(models.Message{ID: "m2", ChatID: "a", Content: "new from lead", FromClient: true, CreatedAt: at(6)}))
	stale := pager.Page{Messages: []models.Message{{ID: "m1", ChatID: "a", Content: "hello", CreatedAt: at(5)}}}
	require.NoError(t, s.ApplyPage("a", stale, false))

	chat, _ := s.Chat("a")
	assert.Equal(t, []string{"m1", "m2"}, messageIDs(chat.Messages))
	assert.Equal(t, "new from lead", chat.LastMessage)
	assert.Equal(t, at(6), chat.LastMessageTime)
}

func TestStoreApplyPageUnknownChat(t *testing.T) {
	s := seededStore()
	assert.ErrorIs(t, s.ApplyPage("nope", pager.Page{}, false), ErrChatNotFound)
}

func TestStoreSubscribe(t *testing.T) {
	s := seededStore()
	var got []Change
	unsubscribe := s.Subscribe(func(c Change) { got = append(got, c) })

	require.NoError(t, s.MarkRead("a"))
	unsubscribe()
	require.NoError(t, s.MarkRead("b"))

	assert.Equal(t, []Change{{Kind: ChangeChat, ChatID: "a"}}, got)
}

func TestStoreResetToleratesLateWrites(t *testing.T) {
	s := seededStore()
	s.Reset()

	assert.Equal(t, 0, s.Len())
	assert.False(t, s.MergeMessage(models.Message{ID: "m1", ChatID: "a", CreatedAt: at(9)}))
	assert.Empty(t, s.MergeSummaries(nil))
	assert.ErrorIs(t, s.MarkRead("a"), ErrChatNotFound)
}

func messageIDs(msgs []models.Message) []string {
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	return ids
}
