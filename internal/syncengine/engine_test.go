package syncengine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"inbox-sync/internal/mocks"
	"inbox-sync/internal/models"
	"inbox-sync/internal/ratelimit"
	"inbox-sync/internal/repositories"
	"inbox-sync/internal/syncengine"
	"inbox-sync/internal/telemetry"
)

var t0 = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type chanSource struct {
	ch chan models.RealtimeEvent
}

func (s *chanSource) Run(ctx context.Context, out chan<- models.RealtimeEvent) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-s.ch:
			select {
			case out <- ev:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

type fixture struct {
	chats     *mocks.ChatRepositoryMock
	messages  *mocks.MessageRepositoryMock
	sender    *mocks.SenderMock
	publisher *mocks.PublisherMock
	clock     *fakeClock
	source    *chanSource
	cfg       syncengine.Config
	opts      []syncengine.Option
	limiter   *ratelimit.Limiter
	engine    *syncengine.Engine
}

func seedChats() []models.Chat {
	return []models.Chat{
		{ID: "chat-a", ClinicID: "clinic-1", Name: "Ana", Phone: "5511999990001", Channel: models.ChannelWhatsApp, InstanceID: "wa-1", LastMessage: "oi", LastMessageTime: t0.Add(1 * time.Minute), UnreadCount: 2},
		{ID: "chat-b", ClinicID: "clinic-1", Name: "Bia", Phone: "bia.ig", Channel: models.ChannelInstagram, LastMessage: "hello", LastMessageTime: t0.Add(2 * time.Minute)},
		{ID: "chat-p", ClinicID: "clinic-1", Name: "Pinned", Phone: "5511999990003", Channel: models.ChannelWhatsApp, InstanceID: "wa-1", LastMessageTime: t0, Pinned: true},
	}
}

func newFixture() *fixture {
	publisher := &mocks.PublisherMock{}
	publisher.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	return &fixture{
		chats:     &mocks.ChatRepositoryMock{},
		messages:  &mocks.MessageRepositoryMock{},
		sender:    &mocks.SenderMock{},
		publisher: publisher,
		clock:     &fakeClock{now: t0.Add(time.Hour)},
		source:    &chanSource{ch: make(chan models.RealtimeEvent)},
		cfg:       syncengine.Config{ClinicID: "clinic-1", PollInterval: time.Hour, PageSize: 50},
	}
}

func (f *fixture) build() {
	f.limiter = ratelimit.New(ratelimit.DefaultConfig, ratelimit.WithClock(f.clock.Now))
	audit := telemetry.NewAuditEmitter(f.publisher, "audit", "inbox-sync", "test", "clinic-1")
	opts := append([]syncengine.Option{syncengine.WithClock(f.clock.Now)}, f.opts...)
	f.engine = syncengine.New(f.cfg, f.chats, f.messages, f.sender, f.limiter, audit, opts...)
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	f.build()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.engine.Run(ctx, f.source) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("engine did not stop")
		}
	})
	require.Eventually(t, func() bool { return f.engine.State() == syncengine.Ready }, 2*time.Second, 5*time.Millisecond)
}

func (f *fixture) publish(t *testing.T, ev models.RealtimeEvent) {
	t.Helper()
	select {
	case f.source.ch <- ev:
	case <-time.After(time.Second):
		t.Fatal("realtime event not consumed")
	}
}

func newMessageEvent(clinicID, chatID string) models.RealtimeEvent {
	return models.RealtimeEvent{
		Event:   models.EventNewMessage,
		Payload: models.RealtimeEventPayload{ClinicID: clinicID, ChatID: chatID, FromClient: true},
	}
}

func chatIDs(chats []models.Chat) []string {
	ids := make([]string, len(chats))
	for i, c := range chats {
		ids[i] = c.ID
	}
	return ids
}

func TestRunLoadsChatListAndTearsDown(t *testing.T) {
	f := newFixture()
	f.chats.On("ListChats", mock.Anything, "clinic-1").Return(seedChats(), nil)
	f.build()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.engine.Run(ctx, f.source) }()

	require.Eventually(t, func() bool { return f.engine.State() == syncengine.Ready }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"chat-p", "chat-b", "chat-a"}, chatIDs(f.engine.Chats()))

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop")
	}
	assert.Equal(t, syncengine.Idle, f.engine.State())
	assert.Empty(t, f.engine.Chats())

	_, err := f.engine.LoadMessages(context.Background(), "chat-a", 10, false)
	assert.ErrorIs(t, err, syncengine.ErrChatNotFound)
}

func TestRunRejectsSecondRun(t *testing.T) {
	f := newFixture()
	f.chats.On("ListChats", mock.Anything, "clinic-1").Return(seedChats(), nil)
	f.start(t)

	err := f.engine.Run(context.Background(), nil)
	assert.ErrorIs(t, err, syncengine.ErrAlreadyRunning)
}

func TestInitialLoadFailureIsRetriedOnTick(t *testing.T) {
	f := newFixture()
	f.cfg.PollInterval = 20 * time.Millisecond
	f.chats.On("ListChats", mock.Anything, "clinic-1").Return(nil, errors.New("connection refused")).Once()
	f.chats.On("ListChats", mock.Anything, "clinic-1").Return(seedChats(), nil)
	f.chats.On("ListSummaries", mock.Anything, "clinic-1").Return([]models.ChatSummary{}, nil).Maybe()

	f.start(t)

	assert.Len(t, f.engine.Chats(), 3)
	f.chats.AssertNumberOfCalls(t, "ListChats", 2)
}

func TestRealtimeAndPollForSameMessageDoNotDuplicate(t *testing.T) {
	f := newFixture()
	f.cfg.PollInterval = 20 * time.Millisecond

	incoming := models.Message{ID: "m-1", ChatID: "chat-a", Content: "quero agendar", FromClient: true, CreatedAt: t0.Add(5 * time.Minute)}
	refreshed := seedChats()[0]
	refreshed.LastMessage = incoming.Content
	refreshed.LastMessageTime = incoming.CreatedAt
	refreshed.UnreadCount = 3

	f.chats.On("ListChats", mock.Anything, "clinic-1").Return(seedChats(), nil)
	f.chats.On("GetChat", mock.Anything, "clinic-1", "chat-a").Return(refreshed, nil)
	f.messages.On("LatestMessage", mock.Anything, "chat-a").Return(incoming, nil)
	f.chats.On("ListSummaries", mock.Anything, "clinic-1").Return([]models.ChatSummary{
		{ID: "chat-a", UnreadCount: 3, LastMessage: incoming.Content, LastMessageTime: incoming.CreatedAt, Status: "open"},
		{ID: "chat-b", UnreadCount: 0, LastMessage: "hello", LastMessageTime: t0.Add(2 * time.Minute)},
	}, nil)

	f.start(t)
	f.publish(t, newMessageEvent("clinic-1", "chat-a"))
	f.publish(t, newMessageEvent("clinic-1", "chat-a"))

	require.Eventually(t, func() bool {
		chat, ok := f.engine.Chat("chat-a")
		return ok && len(chat.Messages) == 1 && chat.Status == "open"
	}, 2*time.Second, 5*time.Millisecond)

	// Let a few more polls land on top of the merged state.
	time.Sleep(60 * time.Millisecond)

	chat, _ := f.engine.Chat("chat-a")
	require.Len(t, chat.Messages, 1)
	assert.Equal(t, "m-1", chat.Messages[0].ID)
	assert.Equal(t, "quero agendar", chat.LastMessage)
	assert.Equal(t, 3, chat.UnreadCount)
	assert.Equal(t, []string{"chat-p", "chat-a", "chat-b"}, chatIDs(f.engine.Chats()))
}

func TestRealtimeIgnoresOtherClinics(t *testing.T) {
	f := newFixture()
	refreshed := seedChats()[1]
	refreshed.UnreadCount = 1

	f.chats.On("ListChats", mock.Anything, "clinic-1").Return(seedChats(), nil)
	f.chats.On("GetChat", mock.Anything, "clinic-1", "chat-b").Return(refreshed, nil)
	f.messages.On("LatestMessage", mock.Anything, "chat-b").Return(models.Message{}, repositories.ErrMessageNotFound)

	f.start(t)
	f.publish(t, newMessageEvent("clinic-2", "chat-a"))
	f.publish(t, models.RealtimeEvent{Event: "typing", Payload: models.RealtimeEventPayload{ClinicID: "clinic-1", ChatID: "chat-a"}})
	f.publish(t, newMessageEvent("clinic-1", "chat-b"))

	require.Eventually(t, func() bool {
		chat, _ := f.engine.Chat("chat-b")
		return chat.UnreadCount == 1
	}, 2*time.Second, 5*time.Millisecond)
	f.chats.AssertNotCalled(t, "GetChat", mock.Anything, mock.Anything, "chat-a")
}

func TestRealtimeInsertsUnknownChat(t *testing.T) {
	f := newFixture()
	fresh := models.Chat{ID: "chat-new", ClinicID: "clinic-1", Name: "Novo", Channel: models.ChannelWhatsApp, LastMessage: "oi", LastMessageTime: t0.Add(10 * time.Minute), UnreadCount: 1}
	first := models.Message{ID: "m-9", ChatID: "chat-new", Content: "oi", FromClient: true, CreatedAt: t0.Add(10 * time.Minute)}

	f.chats.On("ListChats", mock.Anything, "clinic-1").Return(seedChats(), nil)
	f.chats.On("GetChat", mock.Anything, "clinic-1", "chat-new").Return(fresh, nil)
	f.messages.On("LatestMessage", mock.Anything, "chat-new").Return(first, nil)

	f.start(t)
	f.publish(t, newMessageEvent("clinic-1", "chat-new"))

	require.Eventually(t, func() bool {
		_, ok := f.engine.Chat("chat-new")
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"chat-p", "chat-new", "chat-b", "chat-a"}, chatIDs(f.engine.Chats()))
	chat, _ := f.engine.Chat("chat-new")
	require.Len(t, chat.Messages, 1)
	assert.Equal(t, "m-9", chat.Messages[0].ID)
}

func TestMarkRead(t *testing.T) {
	f := newFixture()
	f.chats.On("ListChats", mock.Anything, "clinic-1").Return(seedChats(), nil)
	f.chats.On("MarkRead", mock.Anything, "clinic-1", "chat-a").Return(nil)
	f.start(t)

	require.NoError(t, f.engine.MarkRead(context.Background(), "chat-a"))

	chat, _ := f.engine.Chat("chat-a")
	assert.Equal(t, 0, chat.UnreadCount)
	assert.ErrorIs(t, f.engine.MarkRead(context.Background(), "missing"), syncengine.ErrChatNotFound)
}

func TestMarkReadRepositoryError(t *testing.T) {
	f := newFixture()
	f.chats.On("ListChats", mock.Anything, "clinic-1").Return(seedChats(), nil)
	f.chats.On("MarkRead", mock.Anything, "clinic-1", "chat-a").Return(errors.New("timeout"))
	f.start(t)

	require.Error(t, f.engine.MarkRead(context.Background(), "chat-a"))
	chat, _ := f.engine.Chat("chat-a")
	assert.Equal(t, 2, chat.UnreadCount)
}

func TestLoadMessagesWalksHistory(t *testing.T) {
	f := newFixture()
	f.chats.On("ListChats", mock.Anything, "clinic-1").Return(seedChats(), nil)

	msgAt := func(id string, minute int) models.Message {
		return models.Message{ID: id, ChatID: "chat-a", Content: id, FromClient: true, CreatedAt: t0.Add(time.Duration(minute) * time.Minute)}
	}
	// Newest first, as the repository returns them.
	f.messages.On("ListMessagesDesc", mock.Anything, "chat-a", 4, mock.MatchedBy(func(b *time.Time) bool { return b == nil })).
		Return([]models.Message{msgAt("m5", 5), msgAt("m4", 4), msgAt("m3", 3), msgAt("m2", 2)}, nil).Once()
	f.messages.On("ListMessagesDesc", mock.Anything, "chat-a", 4, mock.MatchedBy(func(b *time.Time) bool { return b != nil && b.Equal(t0.Add(3*time.Minute)) })).
		Return([]models.Message{msgAt("m2", 2), msgAt("m1", 1)}, nil).Once()

	f.start(t)

	page, err := f.engine.LoadMessages(context.Background(), "chat-a", 3, false)
	require.NoError(t, err)
	assert.True(t, page.HasMore)
	assert.Equal(t, []string{"m3", "m4", "m5"}, messageIDs(page.Messages))

	page, err = f.engine.LoadMessages(context.Background(), "chat-a", 3, true)
	require.NoError(t, err)
	assert.False(t, page.HasMore)
	assert.Equal(t, []string{"m1", "m2"}, messageIDs(page.Messages))

	chat, _ := f.engine.Chat("chat-a")
	assert.Equal(t, []string{"m1", "m2", "m3", "m4", "m5"}, messageIDs(chat.Messages))

	page, err = f.engine.LoadMessages(context.Background(), "chat-a", 3, true)
	require.NoError(t, err)
	assert.Empty(t, page.Messages)
	f.messages.AssertNumberOfCalls(t, "ListMessagesDesc", 2)
}

func TestLoadMessagesUnknownChat(t *testing.T) {
	f := newFixture()
	f.chats.On("ListChats", mock.Anything, "clinic-1").Return(seedChats(), nil)
	f.start(t)

	_, err := f.engine.LoadMessages(context.Background(), "missing", 0, false)
	assert.ErrorIs(t, err, syncengine.ErrChatNotFound)
}

func messageIDs(msgs []models.Message) []string {
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	return ids
}
