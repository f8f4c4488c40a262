package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"marketplace-messaging/internal/models"
	"marketplace-messaging/internal/services"
)

type MessengerMock struct {
	mock.Mock
}

func (m *MessengerMock) StartConversation(ctx context.Context, userID, counterpartID, listingRef string) (models.ConversationSummary, error) {
	args := m.Called(ctx, userID, counterpartID, listingRef)
	var summary models.ConversationSummary
	if val := args.Get(0); val != nil {
		summary = val.(models.ConversationSummary)
	}
	return summary, args.Error(1)
}

func (m *MessengerMock) StartFromListing(ctx context.Context, userID, listingID string) (models.ConversationSummary, error) {
	args := m.Called(ctx, userID, listingID)
	var summary models.ConversationSummary
	if val := args.Get(0); val != nil {
		summary = val.(models.ConversationSummary)
	}
	return summary, args.Error(1)
}

func (m *MessengerMock) ListConversations(ctx context.Context, userID string, page, pageSize int) ([]models.ConversationSummary, error) {
	args := m.Called(ctx, userID, page, pageSize)
	var list []models.ConversationSummary
	if val := args.Get(0); val != nil {
		list = val.([]models.ConversationSummary)
	}
	return list, args.Error(1)
}

func (m *MessengerMock) GetConversation(ctx context.Context, conversationID, userID string) (models.ConversationSummary, error) {
	args := m.Called(ctx, conversationID, userID)
	var summary models.ConversationSummary
	if val := args.Get(0); val != nil {
		summary = val.(models.ConversationSummary)
	}
	return summary, args.Error(1)
}

func (m *MessengerMock) ListMessages(ctx context.Context, conversationID, userID string, page, pageSize int) ([]models.MessageView, error) {
	args := m.Called(ctx, conversationID, userID, page, pageSize)
	var msgs []models.MessageView
	if val := args.Get(0); val != nil {
		msgs = val.([]models.MessageView)
	}
	return msgs, args.Error(1)
}

func (m *MessengerMock) SendMessage(ctx context.Context, in services.SendInput) (models.MessageView, error) {
	args := m.Called(ctx, in)
	var msg models.MessageView
	if val := args.Get(0); val != nil {
		msg = val.(models.MessageView)
	}
	return msg, args.Error(1)
}

func (m *MessengerMock) MarkRead(ctx context.Context, conversationID, userID string) (models.ReadResult, error) {
	args := m.Called(ctx, conversationID, userID)
	var result models.ReadResult
	if val := args.Get(0); val != nil {
		result = val.(models.ReadResult)
	}
	return result, args.Error(1)
}

func (m *MessengerMock) UnreadTotal(ctx context.Context, userID string) (int, error) {
	args := m.Called(ctx, userID)
	return args.Int(0), args.Error(1)
}

func (m *MessengerMock) LeaveConversation(ctx context.Context, conversationID, userID string) (models.LeaveResult, error) {
	args := m.Called(ctx, conversationID, userID)
	var result models.LeaveResult
	if val := args.Get(0); val != nil {
		result = val.(models.LeaveResult)
	}
	return result, args.Error(1)
}

func (m *MessengerMock) CanAccess(ctx context.Context, conversationID, userID string) (bool, error) {
	args := m.Called(ctx, conversationID, userID)
	return args.Bool(0), args.Error(1)
}

type NotifierMock struct {
	mock.Mock
}

func (m *NotifierMock) MessageCreated(msg models.MessageView, recipients []models.RecipientUnread) {
	m.Called(msg, recipients)
}

func (m *NotifierMock) ConversationRead(result models.ReadResult) {
	m.Called(result)
}

func (m *NotifierMock) ConversationLeft(result models.LeaveResult) {
	m.Called(result)
}

type TokenVerifierMock struct {
	mock.Mock
}

func (m *TokenVerifierMock) VerifyToken(ctx context.Context, token string) (string, error) {
	args := m.Called(ctx, token)
	return args.String(0), args.Error(1)
}

var _ services.Messenger = (*MessengerMock)(nil)
var _ services.Notifier = (*NotifierMock)(nil)
var _ interface {
	VerifyToken(context.Context, string) (string, error)
} = (*TokenVerifierMock)(nil)
