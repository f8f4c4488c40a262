package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"marketplace-messaging/internal/apperr"
	"marketplace-messaging/internal/models"
)

// ReadStateRepository tracks what each participant has read.
type ReadStateRepository interface {
	MarkRead(ctx context.Context, conversationID, userID string) (models.ReadResult, error)
	UnreadTotal(ctx context.Context, userID string) (int, error)
}

type ReadStateRepo struct {
	db *sqlx.DB
}

func NewReadStateRepo(db *sqlx.DB) *ReadStateRepo {
	return &ReadStateRepo{db: db}
}

// MarkRead moves the user's read marker to the newest message, zeroes their
// unread counter for the conversation and recomputes their total.
func (r *ReadStateRepo) MarkRead(ctx context.Context, conversationID, userID string) (models.ReadResult, error) {
	result := models.ReadResult{ConversationID: conversationID, UserID: userID}
	err := withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		if err := lockConversationShared(ctx, tx, conversationID); err != nil {
			return err
		}

		var member string
		err := tx.GetContext(ctx, &member, `SELECT user_id FROM participants WHERE conversation_id=$1 AND user_id=$2 FOR SHARE`, conversationID, userID)
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.ErrForbidden
		}
		if err != nil {
			return fmt.Errorf("verify participant: %w", err)
		}
		if err := lockTotals(ctx, tx, []string{userID}); err != nil {
			return err
		}

		var newest string
		err = tx.GetContext(ctx, &newest, `SELECT id FROM messages WHERE conversation_id=$1 ORDER BY id DESC LIMIT 1`, conversationID)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return fmt.Errorf("find newest message: %w", err)
		default:
			if err := upsertReadMarker(ctx, tx, conversationID, userID, newest); err != nil {
				return err
			}
			result.LastReadMessageID = newest
		}

		if err := resetUnread(ctx, tx, conversationID, userID); err != nil {
			return err
		}
		total, err := recomputeTotal(ctx, tx, userID)
		if err != nil {
			return err
		}
		result.TotalUnread = total
		return nil
	})
	if err != nil {
		return models.ReadResult{}, err
	}
	return result, nil
}

// UnreadTotal returns the user's unread total, 0 for users with no conversations.
func (r *ReadStateRepo) UnreadTotal(ctx context.Context, userID string) (int, error) {
	var total int
	err := r.db.GetContext(ctx, &total, `SELECT total_unread FROM unread_totals WHERE user_id=$1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get unread total: %w", err)
	}
	return total, nil
}
