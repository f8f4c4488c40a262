package services_test

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"marketplace-messaging/internal/apperr"
	"marketplace-messaging/internal/mocks"
	"marketplace-messaging/internal/models"
	"marketplace-messaging/internal/observability"
	"marketplace-messaging/internal/services"
	"marketplace-messaging/internal/telemetry"
)

type fixture struct {
	conversations *mocks.ConversationRepositoryMock
	messages      *mocks.MessageRepositoryMock
	reads         *mocks.ReadStateRepositoryMock
	directory     *mocks.DirectoryRepositoryMock
	notifier      *mocks.NotifierMock
	publisher     *mocks.PublisherMock
	svc           *services.MessagingService
}

func newFixture(t *testing.T, timeout time.Duration) *fixture {
	t.Helper()
	f := &fixture{
		conversations: &mocks.ConversationRepositoryMock{},
		messages:      &mocks.MessageRepositoryMock{},
		reads:         &mocks.ReadStateRepositoryMock{},
		directory:     &mocks.DirectoryRepositoryMock{},
		notifier:      &mocks.NotifierMock{},
		publisher:     &mocks.PublisherMock{},
	}
	f.publisher.On("PublishJSON", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	f.publisher.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	observability.SetPublisher(f.publisher)
	t.Cleanup(func() { observability.SetPublisher(nil) })

	audit := telemetry.NewAuditEmitter(f.publisher, "audit.messaging", "messaging", "test", zap.NewNop())
	f.svc = services.NewMessagingService(f.conversations, f.messages, f.reads, f.directory, f.notifier, audit, zap.NewNop(), services.Options{
		OpTimeout:       timeout,
		DefaultPageSize: 20,
		MaxPageSize:     100,
	})
	return f
}

func (f *fixture) assertExpectations(t *testing.T) {
	f.conversations.AssertExpectations(t)
	f.messages.AssertExpectations(t)
	f.reads.AssertExpectations(t)
	f.directory.AssertExpectations(t)
	f.notifier.AssertExpectations(t)
}

func sentMessage() models.Message {
	return models.Message{
		ID:             "01J0000000000000000000MSG1",
		ConversationID: "c1",
		SenderID:       "u1",
		Body:           "Merhaba",
		Status:         models.MessageStatusSent,
		CreatedAt:      time.Now(),
	}
}

func TestSendMessageRejectsEmptyMessageBeforeTouchingStore(t *testing.T) {
	f := newFixture(t, time.Second)

	_, err := f.svc.SendMessage(context.Background(), services.SendInput{ConversationID: "c1", SenderID: "u1", Body: "   "})

	require.ErrorIs(t, err, apperr.ErrInvalidMessage)
	f.messages.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestSendMessageNeedsConversationOrRecipient(t *testing.T) {
	f := newFixture(t, time.Second)

	_, err := f.svc.SendMessage(context.Background(), services.SendInput{SenderID: "u1", Body: "hi"})

	require.ErrorIs(t, err, apperr.ErrMissingRecipient)
	assert.Equal(t, apperr.CodeInvalidArgument, apperr.CodeOf(err))
}

func TestSendMessageNotifiesRoomAndRecipients(t *testing.T) {
	f := newFixture(t, time.Second)
	msg := sentMessage()
	recipients := []models.RecipientUnread{{UserID: "u2", UnreadCount: 1, TotalUnread: 3}}

	f.messages.On("Send", mock.Anything, "c1", "u1", "Merhaba", "").Return(models.SendResult{Message: msg, Recipients: recipients}, nil)
	f.directory.On("Profiles", mock.Anything, []string{"u1"}).Return(map[string]models.UserProfile{
		"u1": {ID: "u1", DisplayName: "Ayse"},
	}, nil)
	f.notifier.On("MessageCreated", mock.MatchedBy(func(v models.MessageView) bool {
		return v.ID == msg.ID && v.Sender.DisplayName == "Ayse"
	}), recipients).Once()

	view, err := f.svc.SendMessage(context.Background(), services.SendInput{ConversationID: "c1", SenderID: "u1", Body: "  Merhaba "})

	require.NoError(t, err)
	assert.Equal(t, msg.ID, view.ID)
	assert.Equal(t, "Ayse", view.Sender.DisplayName)
	f.publisher.AssertCalled(t, "PublishJSON", mock.Anything, "messaging.message.created", mock.Anything, mock.Anything)
	f.assertExpectations(t)
}

func TestSendMessageToRecipientCreatesConversationFirst(t *testing.T) {
	f := newFixture(t, time.Second)
	msg := sentMessage()
	listing := "l9"

	f.conversations.On("CreateOrGet", mock.Anything, "u1", "u2", &listing).Return(models.Conversation{ID: "c1"}, nil)
	f.messages.On("Send", mock.Anything, "c1", "u1", "", "https://cdn/x.jpg").Return(models.SendResult{Message: msg}, nil)
	f.directory.On("Profiles", mock.Anything, []string{"u1"}).Return(nil, errors.New("directory down"))
	f.notifier.On("MessageCreated", mock.Anything, []models.RecipientUnread(nil)).Once()

	view, err := f.svc.SendMessage(context.Background(), services.SendInput{
		SenderID:      "u1",
		RecipientID:   "u2",
		ListingRef:    "l9",
		AttachmentURL: "https://cdn/x.jpg",
	})

	require.NoError(t, err)
	// committed sends survive a failed profile lookup
	assert.Equal(t, models.UserProfile{ID: "u1"}, view.Sender)
	f.assertExpectations(t)
}

func TestSendMessageForbiddenDoesNotNotify(t *testing.T) {
	f := newFixture(t, time.Second)
	f.messages.On("Send", mock.Anything, "c1", "u3", "hi", "").Return(nil, apperr.ErrForbidden)

	_, err := f.svc.SendMessage(context.Background(), services.SendInput{ConversationID: "c1", SenderID: "u3", Body: "hi"})

	require.ErrorIs(t, err, apperr.ErrForbidden)
	f.notifier.AssertNotCalled(t, "MessageCreated", mock.Anything, mock.Anything)
	f.publisher.AssertNotCalled(t, "PublishJSON", mock.Anything, "messaging.message.created", mock.Anything, mock.Anything)
}

func TestOperationsFailFastOnTimeout(t *testing.T) {
	f := newFixture(t, 20*time.Millisecond)
	f.reads.On("MarkRead", mock.Anything, "c1", "u1").
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return(nil, errors.New("pq: canceling statement due to user request"))

	start := time.Now()
	_, err := f.svc.MarkRead(context.Background(), "c1", "u1")

	require.Error(t, err)
	assert.Equal(t, apperr.CodeDeadlineExceeded, apperr.CodeOf(err))
	assert.Less(t, time.Since(start), time.Second)
	f.notifier.AssertNotCalled(t, "ConversationRead", mock.Anything)
}

func TestStartFromListing(t *testing.T) {
	t.Run("own listing", func(t *testing.T) {
		f := newFixture(t, time.Second)
		f.directory.On("Listing", mock.Anything, "l1").Return(models.Listing{ID: "l1", OwnerID: "u1"}, nil)

		_, err := f.svc.StartFromListing(context.Background(), "u1", "l1")
		require.ErrorIs(t, err, apperr.ErrSelfConversation)
		assert.Equal(t, apperr.CodeInvalidPair, apperr.CodeOf(err))
	})

	t.Run("missing listing", func(t *testing.T) {
		f := newFixture(t, time.Second)
		f.directory.On("Listing", mock.Anything, "nope").Return(nil, apperr.ErrListingNotFound)

		_, err := f.svc.StartFromListing(context.Background(), "u1", "nope")
		assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))
	})

	t.Run("opens conversation with owner", func(t *testing.T) {
		f := newFixture(t, time.Second)
		listing := models.Listing{ID: "l1", Title: "Bike", Price: 120, OwnerID: "u2"}
		ref := "l1"
		f.directory.On("Listing", mock.Anything, "l1").Return(listing, nil)
		f.conversations.On("CreateOrGet", mock.Anything, "u1", "u2", &ref).Return(models.Conversation{ID: "c1"}, nil)
		f.conversations.On("GetForParticipant", mock.Anything, "c1", "u1").Return(models.ConversationRow{
			Conversation: models.Conversation{ID: "c1", ParticipantLow: "u1", ParticipantHigh: "u2", ListingRef: sql.NullString{String: "l1", Valid: true}},
		}, nil)
		f.directory.On("Profiles", mock.Anything, []string{"u2"}).Return(map[string]models.UserProfile{"u2": {ID: "u2", DisplayName: "Seller"}}, nil)
		f.directory.On("Listings", mock.Anything, []string{"l1"}).Return(map[string]models.Listing{"l1": listing}, nil)

		summary, err := f.svc.StartFromListing(context.Background(), "u1", "l1")

		require.NoError(t, err)
		assert.Equal(t, "c1", summary.ID)
		assert.Equal(t, "Seller", summary.Counterpart.DisplayName)
		require.NotNil(t, summary.Listing)
		assert.Equal(t, "Bike", summary.Listing.Title)
		assert.Nil(t, summary.LastMessageAt)
		f.publisher.AssertCalled(t, "Publish", mock.Anything, "audit.messaging", mock.MatchedBy(func(e telemetry.AuditEnvelope) bool {
			return e.Payload.Action == telemetry.ActionConversationStarted && e.Payload.ConversationID == "c1" && e.UserID == "u1"
		}))
		f.assertExpectations(t)
	})
}

func TestListConversationsPaginationAndEnrichment(t *testing.T) {
	f := newFixture(t, time.Second)
	at := time.Now()
	rows := []models.ConversationRow{
		{
			Conversation:       models.Conversation{ID: "c2", ParticipantLow: "u1", ParticipantHigh: "u3"},
			LastMessageID:      sql.NullString{String: "m9", Valid: true},
			LastMessagePreview: sql.NullString{String: "see you", Valid: true},
			LastMessageAt:      sql.NullTime{Time: at, Valid: true},
			UnreadCount:        2,
		},
		{
			Conversation: models.Conversation{ID: "c1", ParticipantLow: "u0", ParticipantHigh: "u1", ListingRef: sql.NullString{String: "gone", Valid: true}},
		},
	}
	f.conversations.On("ListForUser", mock.Anything, "u1", 100, 0).Return(rows, nil).Once()
	f.conversations.On("ListForUser", mock.Anything, "u1", 20, 40).Return([]models.ConversationRow{}, nil).Once()
	f.directory.On("Profiles", mock.Anything, []string{"u3", "u0"}).Return(map[string]models.UserProfile{"u3": {ID: "u3", DisplayName: "Can"}}, nil)
	f.directory.On("Profiles", mock.Anything, []string{}).Return(map[string]models.UserProfile{}, nil)
	f.directory.On("Listings", mock.Anything, []string{"gone"}).Return(map[string]models.Listing{}, nil)
	f.directory.On("Listings", mock.Anything, []string{}).Return(map[string]models.Listing{}, nil)

	list, err := f.svc.ListConversations(context.Background(), "u1", 0, 500)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "Can", list[0].Counterpart.DisplayName)
	assert.Equal(t, 2, list[0].UnreadCount)
	assert.Equal(t, "see you", list[0].LastMessagePreview)
	require.NotNil(t, list[0].LastMessageAt)
	assert.Equal(t, models.UserProfile{ID: "u0"}, list[1].Counterpart)
	assert.Equal(t, &models.Listing{ID: "gone"}, list[1].Listing)

	empty, err := f.svc.ListConversations(context.Background(), "u1", 3, 0)
	require.NoError(t, err)
	assert.Empty(t, empty)
	f.assertExpectations(t)
}

func TestListingRejectsOverflowingPages(t *testing.T) {
	f := newFixture(t, time.Second)

	_, err := f.svc.ListConversations(context.Background(), "u1", math.MaxInt, 100)
	assert.ErrorIs(t, err, apperr.ErrPageOutOfRange)
	_, err = f.svc.ListMessages(context.Background(), "c1", "u1", math.MaxInt/20+2, 20)
	assert.ErrorIs(t, err, apperr.ErrPageOutOfRange)

	f.conversations.AssertNotCalled(t, "ListForUser", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	f.messages.AssertNotCalled(t, "ListForParticipant", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestListMessagesAttachesSenders(t *testing.T) {
	f := newFixture(t, time.Second)
	msgs := []models.Message{
		{ID: "m1", ConversationID: "c1", SenderID: "u1", Body: "a"},
		{ID: "m2", ConversationID: "c1", SenderID: "u2", Body: "b"},
		{ID: "m3", ConversationID: "c1", SenderID: "u1", Body: "c"},
	}
	f.messages.On("ListForParticipant", mock.Anything, "c1", "u1", 20, 0).Return(msgs, nil)
	f.directory.On("Profiles", mock.Anything, []string{"u1", "u2"}).Return(map[string]models.UserProfile{
		"u1": {ID: "u1", DisplayName: "Ayse"},
		"u2": {ID: "u2", DisplayName: "Burak"},
	}, nil)

	views, err := f.svc.ListMessages(context.Background(), "c1", "u1", 1, 0)

	require.NoError(t, err)
	require.Len(t, views, 3)
	assert.Equal(t, []string{"m1", "m2", "m3"}, []string{views[0].ID, views[1].ID, views[2].ID})
	assert.Equal(t, "Burak", views[1].Sender.DisplayName)
	f.assertExpectations(t)
}

func TestListMessagesForbidden(t *testing.T) {
	f := newFixture(t, time.Second)
	f.messages.On("ListForParticipant", mock.Anything, "c1", "u3", 20, 0).Return(nil, apperr.ErrForbidden)

	_, err := f.svc.ListMessages(context.Background(), "c1", "u3", 1, 20)
	assert.ErrorIs(t, err, apperr.ErrForbidden)
}

func TestMarkReadAndLeaveNotify(t *testing.T) {
	f := newFixture(t, time.Second)
	read := models.ReadResult{ConversationID: "c1", UserID: "u2", LastReadMessageID: "m1"}
	left := models.LeaveResult{ConversationID: "c1", UserID: "u2", TotalUnread: 4}

	f.reads.On("MarkRead", mock.Anything, "c1", "u2").Return(read, nil)
	f.notifier.On("ConversationRead", read).Once()
	f.conversations.On("Leave", mock.Anything, "c1", "u2").Return(left, nil)
	f.notifier.On("ConversationLeft", left).Once()

	got, err := f.svc.MarkRead(context.Background(), "c1", "u2")
	require.NoError(t, err)
	assert.Equal(t, read, got)

	gotLeft, err := f.svc.LeaveConversation(context.Background(), "c1", "u2")
	require.NoError(t, err)
	assert.Equal(t, left, gotLeft)

	f.publisher.AssertCalled(t, "PublishJSON", mock.Anything, "messaging.conversation.read", mock.Anything, mock.Anything)
	f.publisher.AssertCalled(t, "PublishJSON", mock.Anything, "messaging.conversation.left", mock.Anything, mock.Anything)
	f.assertExpectations(t)
}

func TestGetConversationHidesNonParticipants(t *testing.T) {
	f := newFixture(t, time.Second)
	f.conversations.On("GetForParticipant", mock.Anything, "c1", "u3").Return(nil, apperr.ErrNotFound)

	_, err := f.svc.GetConversation(context.Background(), "c1", "u3")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestUnreadTotalAndCanAccess(t *testing.T) {
	f := newFixture(t, time.Second)
	f.reads.On("UnreadTotal", mock.Anything, "u1").Return(7, nil)
	f.conversations.On("IsParticipant", mock.Anything, "c1", "u1").Return(true, nil)
	f.conversations.On("IsParticipant", mock.Anything, "c1", "u9").Return(false, nil)

	total, err := f.svc.UnreadTotal(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 7, total)

	ok, err := f.svc.CanAccess(context.Background(), "c1", "u1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.svc.CanAccess(context.Background(), "c1", "u9")
	require.NoError(t, err)
	assert.False(t, ok)
}
