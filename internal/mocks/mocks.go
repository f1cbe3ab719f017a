package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"inbox-sync/internal/gateway"
	"inbox-sync/internal/models"
)

type ChatRepositoryMock struct {
	mock.Mock
}

func (m *ChatRepositoryMock) ListChats(ctx context.Context, clinicID string) ([]models.Chat, error) {
	args := m.Called(ctx, clinicID)
	var chats []models.Chat
	if val := args.Get(0); val != nil {
		chats = val.([]models.Chat)
	}
	return chats, args.Error(1)
}

func (m *ChatRepositoryMock) GetChat(ctx context.Context, clinicID string, chatID string) (models.Chat, error) {
	args := m.Called(ctx, clinicID, chatID)
	var chat models.Chat
	if val := args.Get(0); val != nil {
		chat = val.(models.Chat)
	}
	return chat, args.Error(1)
}

func (m *ChatRepositoryMock) ListSummaries(ctx context.Context, clinicID string) ([]models.ChatSummary, error) {
	args := m.Called(ctx, clinicID)
	var list []models.ChatSummary
	if val := args.Get(0); val != nil {
		list = val.([]models.ChatSummary)
	}
	return list, args.Error(1)
}

func (m *ChatRepositoryMock) MarkRead(ctx context.Context, clinicID string, chatID string) error {
	args := m.Called(ctx, clinicID, chatID)
	return args.Error(0)
}

type MessageRepositoryMock struct {
	mock.Mock
}

func (m *MessageRepositoryMock) ListMessagesDesc(ctx context.Context, chatID string, limit int, before *time.Time) ([]models.Message, error) {
	args := m.Called(ctx, chatID, limit, before)
	var msgs []models.Message
	if val := args.Get(0); val != nil {
		msgs = val.([]models.Message)
	}
	return msgs, args.Error(1)
}

func (m *MessageRepositoryMock) LatestMessage(ctx context.Context, chatID string) (models.Message, error) {
	args := m.Called(ctx, chatID)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *MessageRepositoryMock) CreateMessage(ctx context.Context, msg models.Message) (models.Message, error) {
	args := m.Called(ctx, msg)
	var stored models.Message
	if val := args.Get(0); val != nil {
		stored = val.(models.Message)
	}
	return stored, args.Error(1)
}

type LockRepositoryMock struct {
	mock.Mock
}

func (m *LockRepositoryMock) GetLock(ctx context.Context, chatID string) (models.ConversationLock, error) {
	args := m.Called(ctx, chatID)
	var lock models.ConversationLock
	if val := args.Get(0); val != nil {
		lock = val.(models.ConversationLock)
	}
	return lock, args.Error(1)
}

func (m *LockRepositoryMock) ClaimLock(ctx context.Context, chatID string, userID string, now time.Time, ttl time.Duration) (bool, error) {
	args := m.Called(ctx, chatID, userID, now, ttl)
	return args.Bool(0), args.Error(1)
}

func (m *LockRepositoryMock) ReleaseLock(ctx context.Context, chatID string, userID string) error {
	args := m.Called(ctx, chatID, userID)
	return args.Error(0)
}

type SenderMock struct {
	mock.Mock
}

func (m *SenderMock) Send(ctx context.Context, req gateway.Request) (gateway.Response, error) {
	args := m.Called(ctx, req)
	var resp gateway.Response
	if val := args.Get(0); val != nil {
		resp = val.(gateway.Response)
	}
	return resp, args.Error(1)
}
