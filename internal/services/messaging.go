package services

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"marketplace-messaging/internal/apperr"
	"marketplace-messaging/internal/models"
	"marketplace-messaging/internal/observability"
	"marketplace-messaging/internal/repositories"
	"marketplace-messaging/internal/telemetry"
)

const publishTimeout = 2 * time.Second

// Notifier pushes committed state changes to connected clients.
type Notifier interface {
	MessageCreated(msg models.MessageView, recipients []models.RecipientUnread)
	ConversationRead(result models.ReadResult)
	ConversationLeft(result models.LeaveResult)
}

// Messenger is the messaging API used by the HTTP and realtime surfaces.
type Messenger interface {
	StartConversation(ctx context.Context, userID, counterpartID, listingRef string) (models.ConversationSummary, error)
	StartFromListing(ctx context.Context, userID, listingID string) (models.ConversationSummary, error)
	ListConversations(ctx context.Context, userID string, page, pageSize int) ([]models.ConversationSummary, error)
	GetConversation(ctx context.Context, conversationID, userID string) (models.ConversationSummary, error)
	ListMessages(ctx context.Context, conversationID, userID string, page, pageSize int) ([]models.MessageView, error)
	SendMessage(ctx context.Context, in SendInput) (models.MessageView, error)
	MarkRead(ctx context.Context, conversationID, userID string) (models.ReadResult, error)
	UnreadTotal(ctx context.Context, userID string) (int, error)
	LeaveConversation(ctx context.Context, conversationID, userID string) (models.LeaveResult, error)
	CanAccess(ctx context.Context, conversationID, userID string) (bool, error)
}

// SendInput carries a send request. Either ConversationID or RecipientID must be set.
type SendInput struct {
	ConversationID string
	SenderID       string
	RecipientID    string
	ListingRef     string
	Body           string
	AttachmentURL  string
}

type Options struct {
	OpTimeout       time.Duration
	DefaultPageSize int
	MaxPageSize     int
}

type MessagingService struct {
	conversations repositories.ConversationRepository
	messages      repositories.MessageRepository
	reads         repositories.ReadStateRepository
	directory     repositories.DirectoryRepository
	notifier      Notifier
	audit         *telemetry.AuditEmitter
	log           *zap.Logger
	opts          Options
}

func NewMessagingService(
	conversations repositories.ConversationRepository,
	messages repositories.MessageRepository,
	reads repositories.ReadStateRepository,
	directory repositories.DirectoryRepository,
	notifier Notifier,
	audit *telemetry.AuditEmitter,
	log *zap.Logger,
	opts Options,
) *MessagingService {
	if notifier == nil {
		notifier = noopNotifier{}
	}
	if opts.DefaultPageSize <= 0 {
		opts.DefaultPageSize = 20
	}
	if opts.MaxPageSize < opts.DefaultPageSize {
		opts.MaxPageSize = opts.DefaultPageSize
	}
	return &MessagingService{
		conversations: conversations,
		messages:      messages,
		reads:         reads,
		directory:     directory,
		notifier:      notifier,
		audit:         audit,
		log:           log,
		opts:          opts,
	}
}

func (s *MessagingService) StartConversation(ctx context.Context, userID, counterpartID, listingRef string) (models.ConversationSummary, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	summary, err := s.start(ctx, userID, counterpartID, strings.TrimSpace(listingRef))
	if err != nil {
		return models.ConversationSummary{}, s.fail(ctx, "start_conversation", err)
	}
	return summary, nil
}

// StartFromListing opens the conversation between userID and the listing's owner.
func (s *MessagingService) StartFromListing(ctx context.Context, userID, listingID string) (models.ConversationSummary, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	listing, err := s.directory.Listing(ctx, strings.TrimSpace(listingID))
	if err != nil {
		return models.ConversationSummary{}, s.fail(ctx, "start_from_listing", err)
	}
	if listing.OwnerID == strings.TrimSpace(userID) {
		return models.ConversationSummary{}, s.fail(ctx, "start_from_listing", apperr.ErrSelfConversation)
	}
	summary, err := s.start(ctx, userID, listing.OwnerID, listing.ID)
	if err != nil {
		return models.ConversationSummary{}, s.fail(ctx, "start_from_listing", err)
	}
	return summary, nil
}

func (s *MessagingService) start(ctx context.Context, userID, counterpartID, listingRef string) (models.ConversationSummary, error) {
	var ref *string
	if listingRef != "" {
		ref = &listingRef
	}
	conv, err := s.conversations.CreateOrGet(ctx, userID, counterpartID, ref)
	if err != nil {
		return models.ConversationSummary{}, err
	}
	row, err := s.conversations.GetForParticipant(ctx, conv.ID, strings.TrimSpace(userID))
	if err != nil {
		return models.ConversationSummary{}, err
	}
	summaries, err := s.enrich(ctx, strings.TrimSpace(userID), []models.ConversationRow{row})
	if err != nil {
		return models.ConversationSummary{}, err
	}

	s.log.Info("conversation started", zap.String("conversation_id", conv.ID), zap.String("user_id", userID))
	s.emitAudit(ctx, telemetry.ActionConversationStarted, conv.ID, userID)
	return summaries[0], nil
}

func (s *MessagingService) ListConversations(ctx context.Context, userID string, page, pageSize int) ([]models.ConversationSummary, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	limit, offset, err := s.window(page, pageSize)
	if err != nil {
		return nil, s.fail(ctx, "list_conversations", err)
	}
	rows, err := s.conversations.ListForUser(ctx, userID, limit, offset)
	if err != nil {
		return nil, s.fail(ctx, "list_conversations", err)
	}
	summaries, err := s.enrich(ctx, userID, rows)
	if err != nil {
		return nil, s.fail(ctx, "list_conversations", err)
	}
	return summaries, nil
}

func (s *MessagingService) GetConversation(ctx context.Context, conversationID, userID string) (models.ConversationSummary, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	row, err := s.conversations.GetForParticipant(ctx, conversationID, userID)
	if err != nil {
		return models.ConversationSummary{}, s.fail(ctx, "get_conversation", err)
	}
	summaries, err := s.enrich(ctx, userID, []models.ConversationRow{row})
	if err != nil {
		return models.ConversationSummary{}, s.fail(ctx, "get_conversation", err)
	}
	return summaries[0], nil
}

// ListMessages returns a page of history in chronological order.
func (s *MessagingService) ListMessages(ctx context.Context, conversationID, userID string, page, pageSize int) ([]models.MessageView, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	limit, offset, err := s.window(page, pageSize)
	if err != nil {
		return nil, s.fail(ctx, "list_messages", err)
	}
	msgs, err := s.messages.ListForParticipant(ctx, conversationID, userID, limit, offset)
	if err != nil {
		return nil, s.fail(ctx, "list_messages", err)
	}

	senderIDs := make([]string, 0, 2)
	seen := map[string]bool{}
	for _, m := range msgs {
		if !seen[m.SenderID] {
			seen[m.SenderID] = true
			senderIDs = append(senderIDs, m.SenderID)
		}
	}
	profiles, err := s.directory.Profiles(ctx, senderIDs)
	if err != nil {
		return nil, s.fail(ctx, "list_messages", err)
	}

	views := make([]models.MessageView, 0, len(msgs))
	for _, m := range msgs {
		views = append(views, models.NewMessageView(m, profileOrBare(profiles, m.SenderID)))
	}
	return views, nil
}

// SendMessage commits a message with its counter updates and then notifies
// the conversation and every recipient. Without a conversation id the
// conversation with RecipientID is created or reused first.
func (s *MessagingService) SendMessage(ctx context.Context, in SendInput) (models.MessageView, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	body, attachmentURL, err := repositories.NormalizeMessage(in.Body, in.AttachmentURL)
	if err != nil {
		return models.MessageView{}, s.fail(ctx, "send_message", err)
	}

	conversationID := strings.TrimSpace(in.ConversationID)
	if conversationID == "" {
		recipientID := strings.TrimSpace(in.RecipientID)
		if recipientID == "" {
			return models.MessageView{}, s.fail(ctx, "send_message", apperr.ErrMissingRecipient)
		}
		var ref *string
		if listingRef := strings.TrimSpace(in.ListingRef); listingRef != "" {
			ref = &listingRef
		}
		conv, err := s.conversations.CreateOrGet(ctx, in.SenderID, recipientID, ref)
		if err != nil {
			return models.MessageView{}, s.fail(ctx, "send_message", err)
		}
		conversationID = conv.ID
	}

	result, err := s.messages.Send(ctx, conversationID, in.SenderID, body, attachmentURL)
	if err != nil {
		return models.MessageView{}, s.fail(ctx, "send_message", err)
	}
	observability.IncMessageSent()

	// The message is committed; a failed profile lookup only degrades the view.
	sender := models.UserProfile{ID: in.SenderID}
	if profiles, err := s.directory.Profiles(ctx, []string{in.SenderID}); err != nil {
		s.log.Warn("sender profile lookup failed", zap.String("user_id", in.SenderID), zap.Error(err))
	} else {
		sender = profileOrBare(profiles, in.SenderID)
	}
	view := models.NewMessageView(result.Message, sender)

	s.notifier.MessageCreated(view, result.Recipients)
	recipients := make([]string, 0, len(result.Recipients))
	for _, r := range result.Recipients {
		recipients = append(recipients, r.UserID)
	}
	s.publish(ctx, "message.created", map[string]interface{}{
		"message_id":      view.ID,
		"conversation_id": view.ConversationID,
		"sender_id":       view.SenderID,
		"recipient_ids":   recipients,
		"created_at":      view.CreatedAt,
	})
	return view, nil
}

func (s *MessagingService) MarkRead(ctx context.Context, conversationID, userID string) (models.ReadResult, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	result, err := s.reads.MarkRead(ctx, conversationID, userID)
	if err != nil {
		return models.ReadResult{}, s.fail(ctx, "mark_read", err)
	}

	s.notifier.ConversationRead(result)
	s.publish(ctx, "conversation.read", result)
	return result, nil
}

func (s *MessagingService) UnreadTotal(ctx context.Context, userID string) (int, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	total, err := s.reads.UnreadTotal(ctx, userID)
	if err != nil {
		return 0, s.fail(ctx, "unread_total", err)
	}
	return total, nil
}

// LeaveConversation removes userID from the conversation. The other side keeps it.
func (s *MessagingService) LeaveConversation(ctx context.Context, conversationID, userID string) (models.LeaveResult, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	result, err := s.conversations.Leave(ctx, conversationID, userID)
	if err != nil {
		return models.LeaveResult{}, s.fail(ctx, "leave_conversation", err)
	}

	s.log.Info("conversation left",
		zap.String("conversation_id", conversationID),
		zap.String("user_id", userID),
		zap.Bool("destroyed", result.Destroyed),
	)
	s.notifier.ConversationLeft(result)
	s.publish(ctx, "conversation.left", map[string]interface{}{
		"conversation_id": result.ConversationID,
		"user_id":         result.UserID,
		"destroyed":       result.Destroyed,
	})
	s.emitAudit(ctx, telemetry.ActionConversationLeft, conversationID, userID)
	return result, nil
}

// CanAccess reports whether userID is a current participant.
func (s *MessagingService) CanAccess(ctx context.Context, conversationID, userID string) (bool, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	ok, err := s.conversations.IsParticipant(ctx, conversationID, userID)
	if err != nil {
		return false, s.fail(ctx, "can_access", err)
	}
	return ok, nil
}

func (s *MessagingService) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opts.OpTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.opts.OpTimeout)
}

// window turns a 1-based page into LIMIT and OFFSET. Pages whose offset
// would overflow are rejected.
func (s *MessagingService) window(page, pageSize int) (limit, offset int, err error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = s.opts.DefaultPageSize
	}
	if pageSize > s.opts.MaxPageSize {
		pageSize = s.opts.MaxPageSize
	}
	if page-1 > math.MaxInt/pageSize {
		return 0, 0, apperr.ErrPageOutOfRange
	}
	return pageSize, (page - 1) * pageSize, nil
}

// fail classifies err, counts it and logs unexpected failures.
func (s *MessagingService) fail(ctx context.Context, op string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && apperr.CodeOf(err) == apperr.CodeInternal {
		err = apperr.Wrap(apperr.CodeDeadlineExceeded, "operation timed out", err)
	}
	code := apperr.CodeOf(err)
	observability.IncOperationFailure(op, string(code))
	if code == apperr.CodeInternal || code == apperr.CodeDeadlineExceeded {
		s.log.Error("messaging operation failed", zap.String("operation", op), zap.String("code", string(code)), zap.Error(err))
	}
	return err
}

func (s *MessagingService) enrich(ctx context.Context, userID string, rows []models.ConversationRow) ([]models.ConversationSummary, error) {
	userIDs := make([]string, 0, len(rows))
	listingIDs := make([]string, 0, len(rows))
	for _, row := range rows {
		userIDs = append(userIDs, row.OtherParticipant(userID))
		if row.ListingRef.Valid {
			listingIDs = append(listingIDs, row.ListingRef.String)
		}
	}

	profiles, err := s.directory.Profiles(ctx, userIDs)
	if err != nil {
		return nil, err
	}
	listings, err := s.directory.Listings(ctx, listingIDs)
	if err != nil {
		return nil, err
	}

	summaries := make([]models.ConversationSummary, 0, len(rows))
	for _, row := range rows {
		summary := models.ConversationSummary{
			ID:                 row.ID,
			Counterpart:        profileOrBare(profiles, row.OtherParticipant(userID)),
			UnreadCount:        row.UnreadCount,
			LastMessageID:      row.LastMessageID.String,
			LastMessagePreview: row.LastMessagePreview.String,
			CreatedAt:          row.CreatedAt,
		}
		if row.LastMessageAt.Valid {
			at := row.LastMessageAt.Time
			summary.LastMessageAt = &at
		}
		if row.ListingRef.Valid {
			if listing, ok := listings[row.ListingRef.String]; ok {
				summary.Listing = &listing
			} else {
				summary.Listing = &models.Listing{ID: row.ListingRef.String}
			}
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

func (s *MessagingService) publish(ctx context.Context, event string, payload interface{}) {
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	err := observability.PublishEvent(pubCtx, "messaging."+event, observability.EventEnvelope{
		EventType: "messaging",
		EventName: event,
		Payload:   payload,
	}, observability.HeadersFromContext(ctx))
	if err != nil {
		s.log.Warn("domain event publish failed", zap.String("event", event), zap.Error(err))
	}
}

func (s *MessagingService) emitAudit(ctx context.Context, action, conversationID, userID string) {
	s.audit.Emit(context.WithoutCancel(ctx), telemetry.AuditRecord{
		Action:         action,
		ConversationID: conversationID,
		UserID:         userID,
		RequestID:      observability.RequestIDFromContext(ctx),
	})
}

func profileOrBare(profiles map[string]models.UserProfile, userID string) models.UserProfile {
	if p, ok := profiles[userID]; ok {
		return p
	}
	return models.UserProfile{ID: userID}
}

type noopNotifier struct{}

func (noopNotifier) MessageCreated(models.MessageView, []models.RecipientUnread) {}
func (noopNotifier) ConversationRead(models.ReadResult)                          {}
func (noopNotifier) ConversationLeft(models.LeaveResult)                         {}
