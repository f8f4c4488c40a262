package repositories

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"

	"marketplace-messaging/internal/apperr"
	"marketplace-messaging/internal/ids"
	"marketplace-messaging/internal/models"
)

// MessageRepository defines interactions for conversation messages.
type MessageRepository interface {
	Send(ctx context.Context, conversationID, senderID, body, attachmentURL string) (models.SendResult, error)
	ListForParticipant(ctx context.Context, conversationID, userID string, limit, offset int) ([]models.Message, error)
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db  *sqlx.DB
	ids *ids.Generator
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB, gen *ids.Generator) *MessageRepo {
	return &MessageRepo{db: db, ids: gen}
}

// Send appends a message and maintains every counter it affects in one
// transaction: the conversation's last-message state, each recipient's
// per-conversation unread count, and each recipient's recomputed total.
func (r *MessageRepo) Send(ctx context.Context, conversationID, senderID, body, attachmentURL string) (models.SendResult, error) {
	body, attachmentURL, err := NormalizeMessage(body, attachmentURL)
	if err != nil {
		return models.SendResult{}, err
	}

	var result models.SendResult
	err = withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		// Lock order is conversation, participants, totals. The shared
		// conversation lock waits out a rejoin or leave in flight.
		if err := lockConversationShared(ctx, tx, conversationID); err != nil {
			return err
		}

		// Shared locks keep membership stable until commit.
		participants := []string{}
		if err := tx.SelectContext(ctx, &participants, `SELECT user_id FROM participants WHERE conversation_id=$1 ORDER BY user_id FOR SHARE`, conversationID); err != nil {
			return fmt.Errorf("load participants: %w", err)
		}

		recipients := make([]string, 0, len(participants))
		isMember := false
		for _, id := range participants {
			if id == senderID {
				isMember = true
				continue
			}
			recipients = append(recipients, id)
		}
		if !isMember {
			return apperr.ErrForbidden
		}

		if err := lockTotals(ctx, tx, recipients); err != nil {
			return err
		}

		// The id is issued after the locks so it orders after every message
		// already counted for these recipients.
		msg := models.Message{
			ID:             r.ids.New(),
			ConversationID: conversationID,
			SenderID:       senderID,
			Body:           body,
			Status:         models.MessageStatusSent,
		}
		if attachmentURL != "" {
			msg.AttachmentURL = sql.NullString{String: attachmentURL, Valid: true}
		}
		if err := tx.QueryRowxContext(ctx, `INSERT INTO messages (id, conversation_id, sender_id, body, attachment_url, status) VALUES ($1, $2, $3, $4, $5, $6) RETURNING created_at`,
			msg.ID, msg.ConversationID, msg.SenderID, msg.Body, msg.AttachmentURL, msg.Status).Scan(&msg.CreatedAt); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}

		if err := upsertConversationCounters(ctx, tx, msg); err != nil {
			return err
		}

		unread := make([]models.RecipientUnread, 0, len(recipients))
		for _, recipient := range recipients {
			count, err := incrementUnread(ctx, tx, conversationID, recipient)
			if err != nil {
				return err
			}
			total, err := recomputeTotal(ctx, tx, recipient)
			if err != nil {
				return err
			}
			unread = append(unread, models.RecipientUnread{UserID: recipient, UnreadCount: count, TotalUnread: total})
		}

		result = models.SendResult{Message: msg, Recipients: unread}
		return nil
	})
	if err != nil {
		return models.SendResult{}, err
	}
	return result, nil
}

// ListForParticipant returns one page of messages in chronological order.
// Pages are counted from the newest message backwards.
func (r *MessageRepo) ListForParticipant(ctx context.Context, conversationID, userID string, limit, offset int) ([]models.Message, error) {
	var member bool
	if err := r.db.GetContext(ctx, &member, `SELECT EXISTS(SELECT 1 FROM participants WHERE conversation_id=$1 AND user_id=$2)`, conversationID, userID); err != nil {
		return nil, fmt.Errorf("verify participant: %w", err)
	}
	if !member {
		return nil, apperr.ErrForbidden
	}

	msgs := []models.Message{}
	err := r.db.SelectContext(ctx, &msgs, `SELECT id, conversation_id, sender_id, body, attachment_url, status, created_at
        FROM messages
        WHERE conversation_id=$1
        ORDER BY id DESC
        LIMIT $2 OFFSET $3`, conversationID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}
