package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"marketplace-messaging/internal/models"
	"marketplace-messaging/internal/repositories"
)

type ConversationRepositoryMock struct {
	mock.Mock
}

func (m *ConversationRepositoryMock) CreateOrGet(ctx context.Context, userA, userB string, listingRef *string) (models.Conversation, error) {
	args := m.Called(ctx, userA, userB, listingRef)
	var conv models.Conversation
	if val := args.Get(0); val != nil {
		conv = val.(models.Conversation)
	}
	return conv, args.Error(1)
}

func (m *ConversationRepositoryMock) GetForParticipant(ctx context.Context, conversationID, userID string) (models.ConversationRow, error) {
	args := m.Called(ctx, conversationID, userID)
	var row models.ConversationRow
	if val := args.Get(0); val != nil {
		row = val.(models.ConversationRow)
	}
	return row, args.Error(1)
}

func (m *ConversationRepositoryMock) ListForUser(ctx context.Context, userID string, limit, offset int) ([]models.ConversationRow, error) {
	args := m.Called(ctx, userID, limit, offset)
	var rows []models.ConversationRow
	if val := args.Get(0); val != nil {
		rows = val.([]models.ConversationRow)
	}
	return rows, args.Error(1)
}

func (m *ConversationRepositoryMock) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	args := m.Called(ctx, conversationID, userID)
	return args.Bool(0), args.Error(1)
}

func (m *ConversationRepositoryMock) Participants(ctx context.Context, conversationID string) ([]string, error) {
	args := m.Called(ctx, conversationID)
	var users []string
	if val := args.Get(0); val != nil {
		users = val.([]string)
	}
	return users, args.Error(1)
}

func (m *ConversationRepositoryMock) Leave(ctx context.Context, conversationID, userID string) (models.LeaveResult, error) {
	args := m.Called(ctx, conversationID, userID)
	var result models.LeaveResult
	if val := args.Get(0); val != nil {
		result = val.(models.LeaveResult)
	}
	return result, args.Error(1)
}

type MessageRepositoryMock struct {
	mock.Mock
}

func (m *MessageRepositoryMock) Send(ctx context.Context, conversationID, senderID, body, attachmentURL string) (models.SendResult, error) {
	args := m.Called(ctx, conversationID, senderID, body, attachmentURL)
	var result models.SendResult
	if val := args.Get(0); val != nil {
		result = val.(models.SendResult)
	}
	return result, args.Error(1)
}

func (m *MessageRepositoryMock) ListForParticipant(ctx context.Context, conversationID, userID string, limit, offset int) ([]models.Message, error) {
	args := m.Called(ctx, conversationID, userID, limit, offset)
	var msgs []models.Message
	if val := args.Get(0); val != nil {
		msgs = val.([]models.Message)
	}
	return msgs, args.Error(1)
}

type ReadStateRepositoryMock struct {
	mock.Mock
}

func (m *ReadStateRepositoryMock) MarkRead(ctx context.Context, conversationID, userID string) (models.ReadResult, error) {
	args := m.Called(ctx, conversationID, userID)
	var result models.ReadResult
	if val := args.Get(0); val != nil {
		result = val.(models.ReadResult)
	}
	return result, args.Error(1)
}

func (m *ReadStateRepositoryMock) UnreadTotal(ctx context.Context, userID string) (int, error) {
	args := m.Called(ctx, userID)
	return args.Int(0), args.Error(1)
}

type DirectoryRepositoryMock struct {
	mock.Mock
}

func (m *DirectoryRepositoryMock) Profiles(ctx context.Context, userIDs []string) (map[string]models.UserProfile, error) {
	args := m.Called(ctx, userIDs)
	var profiles map[string]models.UserProfile
	if val := args.Get(0); val != nil {
		profiles = val.(map[string]models.UserProfile)
	}
	return profiles, args.Error(1)
}

func (m *DirectoryRepositoryMock) Listings(ctx context.Context, listingIDs []string) (map[string]models.Listing, error) {
	args := m.Called(ctx, listingIDs)
	var listings map[string]models.Listing
	if val := args.Get(0); val != nil {
		listings = val.(map[string]models.Listing)
	}
	return listings, args.Error(1)
}

func (m *DirectoryRepositoryMock) Listing(ctx context.Context, listingID string) (models.Listing, error) {
	args := m.Called(ctx, listingID)
	var listing models.Listing
	if val := args.Get(0); val != nil {
		listing = val.(models.Listing)
	}
	return listing, args.Error(1)
}

// PublisherMock satisfies both the audit and the domain event publisher interfaces.
type PublisherMock struct {
	mock.Mock
}

func (m *PublisherMock) Publish(ctx context.Context, routingKey string, event any) error {
	args := m.Called(ctx, routingKey, event)
	return args.Error(0)
}

func (m *PublisherMock) PublishJSON(ctx context.Context, routingKey string, message interface{}, headers map[string]string) error {
	args := m.Called(ctx, routingKey, message, headers)
	return args.Error(0)
}

func (m *PublisherMock) Close() error {
	return m.Called().Error(0)
}

var _ repositories.ConversationRepository = (*ConversationRepositoryMock)(nil)
var _ repositories.MessageRepository = (*MessageRepositoryMock)(nil)
var _ repositories.ReadStateRepository = (*ReadStateRepositoryMock)(nil)
var _ repositories.DirectoryRepository = (*DirectoryRepositoryMock)(nil)
