package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"inbox-sync/internal/locks"
	"inbox-sync/internal/models"
	"inbox-sync/internal/pager"
	"inbox-sync/internal/ratelimit"
	"inbox-sync/internal/syncengine"
)

type InboxMock struct {
	mock.Mock
}

func (m *InboxMock) State() syncengine.State {
	args := m.Called()
	return args.Get(0).(syncengine.State)
}

func (m *InboxMock) Chats() []models.Chat {
	args := m.Called()
	var chats []models.Chat
	if val := args.Get(0); val != nil {
		chats = val.([]models.Chat)
	}
	return chats
}

func (m *InboxMock) Chat(chatID string) (models.Chat, bool) {
	args := m.Called(chatID)
	var chat models.Chat
	if val := args.Get(0); val != nil {
		chat = val.(models.Chat)
	}
	return chat, args.Bool(1)
}

func (m *InboxMock) LoadMessages(ctx context.Context, chatID string, limit int, older bool) (pager.Page, error) {
	args := m.Called(ctx, chatID, limit, older)
	var page pager.Page
	if val := args.Get(0); val != nil {
		page = val.(pager.Page)
	}
	return page, args.Error(1)
}

func (m *InboxMock) Send(ctx context.Context, in syncengine.Intent) (syncengine.SendResult, error) {
	args := m.Called(ctx, in)
	var result syncengine.SendResult
	if val := args.Get(0); val != nil {
		result = val.(syncengine.SendResult)
	}
	return result, args.Error(1)
}

func (m *InboxMock) MarkRead(ctx context.Context, chatID string) error {
	args := m.Called(ctx, chatID)
	return args.Error(0)
}

func (m *InboxMock) RateLimitStatus(channel string) ratelimit.Status {
	args := m.Called(channel)
	return args.Get(0).(ratelimit.Status)
}

type LockServiceMock struct {
	mock.Mock
}

func (m *LockServiceMock) Status(ctx context.Context, chatID, userID string) (locks.Status, error) {
	args := m.Called(ctx, chatID, userID)
	var st locks.Status
	if val := args.Get(0); val != nil {
		st = val.(locks.Status)
	}
	return st, args.Error(1)
}

func (m *LockServiceMock) Claim(ctx context.Context, chatID, userID, requestID string) (locks.Status, error) {
	args := m.Called(ctx, chatID, userID, requestID)
	var st locks.Status
	if val := args.Get(0); val != nil {
		st = val.(locks.Status)
	}
	return st, args.Error(1)
}

func (m *LockServiceMock) Release(ctx context.Context, chatID, userID, requestID string) error {
	args := m.Called(ctx, chatID, userID, requestID)
	return args.Error(0)
}
