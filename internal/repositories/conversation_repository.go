package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"marketplace-messaging/internal/apperr"
	"marketplace-messaging/internal/ids"
	"marketplace-messaging/internal/models"
)

// ConversationRepository abstracts conversation persistence.
type ConversationRepository interface {
	CreateOrGet(ctx context.Context, userA, userB string, listingRef *string) (models.Conversation, error)
	GetForParticipant(ctx context.Context, conversationID, userID string) (models.ConversationRow, error)
	ListForUser(ctx context.Context, userID string, limit, offset int) ([]models.ConversationRow, error)
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
	Participants(ctx context.Context, conversationID string) ([]string, error)
	Leave(ctx context.Context, conversationID, userID string) (models.LeaveResult, error)
}

// ConversationRepo is a sqlx implementation of ConversationRepository.
type ConversationRepo struct {
	db      *sqlx.DB
	ids     *ids.Generator
	retries int
}

// NewConversationRepo constructs a ConversationRepo. retries bounds how often
// a create that lost a uniqueness race is retried.
func NewConversationRepo(db *sqlx.DB, gen *ids.Generator, retries int) *ConversationRepo {
	if retries < 1 {
		retries = 1
	}
	return &ConversationRepo{db: db, ids: gen, retries: retries}
}

const conversationRowColumns = `c.id, c.participant_low, c.participant_high, c.listing_ref, c.created_at,
        cc.last_message_id, cc.last_message_preview, cc.last_message_at,
        COALESCE(uc.unread_count, 0) AS unread_count`

// CreateOrGet returns the conversation between the two users for listingRef,
// creating it with both participants and zeroed counters if absent. Users
// that left an existing conversation are added back.
func (r *ConversationRepo) CreateOrGet(ctx context.Context, userA, userB string, listingRef *string) (models.Conversation, error) {
	low, high, err := ResolvePair(userA, userB)
	if err != nil {
		return models.Conversation{}, err
	}
	ref := sql.NullString{}
	if listingRef != nil && *listingRef != "" {
		ref = sql.NullString{String: *listingRef, Valid: true}
	}

	for attempt := 1; ; attempt++ {
		conv, err := r.createOrGetOnce(ctx, low, high, ref)
		if err == nil {
			return conv, nil
		}
		if !isUniqueViolation(err) {
			return models.Conversation{}, err
		}
		if attempt >= r.retries {
			return models.Conversation{}, apperr.Wrap(apperr.CodeConflict, "conversation creation conflicted", err)
		}
	}
}

func (r *ConversationRepo) createOrGetOnce(ctx context.Context, low, high string, ref sql.NullString) (models.Conversation, error) {
	var conv models.Conversation
	err := withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		existed := true
		err := tx.GetContext(ctx, &conv, `SELECT id, participant_low, participant_high, listing_ref, created_at FROM conversations
            WHERE participant_low=$1 AND participant_high=$2 AND COALESCE(listing_ref, '') = COALESCE($3, '')
            FOR NO KEY UPDATE`, low, high, ref)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			existed = false
			conv = models.Conversation{ID: r.ids.New(), ParticipantLow: low, ParticipantHigh: high, ListingRef: ref}
			if err := tx.QueryRowxContext(ctx, `INSERT INTO conversations (id, participant_low, participant_high, listing_ref) VALUES ($1, $2, $3, $4) RETURNING created_at`,
				conv.ID, low, high, ref).Scan(&conv.CreatedAt); err != nil {
				return err
			}
		case err != nil:
			return fmt.Errorf("find conversation: %w", err)
		}

		var lastMessageID sql.NullString
		if existed {
			if err := tx.GetContext(ctx, &lastMessageID, `SELECT last_message_id FROM conversation_counters WHERE conversation_id=$1`, conv.ID); err != nil && !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("load conversation counters: %w", err)
			}
		}

		for _, userID := range []string{low, high} {
			res, err := tx.ExecContext(ctx, `INSERT INTO participants (conversation_id, user_id) VALUES ($1, $2) ON CONFLICT (conversation_id, user_id) DO NOTHING`, conv.ID, userID)
			if err != nil {
				return err
			}
			added, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO unread_counters (conversation_id, user_id, unread_count) VALUES ($1, $2, 0) ON CONFLICT (conversation_id, user_id) DO NOTHING`, conv.ID, userID); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO unread_totals (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`, userID); err != nil {
				return err
			}
			// A returning participant starts with history already read.
			if added == 1 && lastMessageID.Valid {
				if err := upsertReadMarker(ctx, tx, conv.ID, userID, lastMessageID.String); err != nil {
					return err
				}
			}
		}
		return nil
	})
	return conv, err
}

// GetForParticipant fetches a conversation as seen by userID. A conversation
// the user does not participate in is reported as not found.
func (r *ConversationRepo) GetForParticipant(ctx context.Context, conversationID, userID string) (models.ConversationRow, error) {
	var row models.ConversationRow
	err := r.db.GetContext(ctx, &row, `SELECT `+conversationRowColumns+`
        FROM conversations c
        JOIN participants p ON p.conversation_id = c.id AND p.user_id = $2
        LEFT JOIN conversation_counters cc ON cc.conversation_id = c.id
        LEFT JOIN unread_counters uc ON uc.conversation_id = c.id AND uc.user_id = p.user_id
        WHERE c.id = $1`, conversationID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ConversationRow{}, apperr.ErrNotFound
	}
	if err != nil {
		return models.ConversationRow{}, fmt.Errorf("get conversation: %w", err)
	}
	return row, nil
}

// ListForUser returns the user's conversations, most recent activity first.
// Conversations without messages sort last.
func (r *ConversationRepo) ListForUser(ctx context.Context, userID string, limit, offset int) ([]models.ConversationRow, error) {
	rows := []models.ConversationRow{}
	err := r.db.SelectContext(ctx, &rows, `SELECT `+conversationRowColumns+`
        FROM participants p
        JOIN conversations c ON c.id = p.conversation_id
        LEFT JOIN conversation_counters cc ON cc.conversation_id = c.id
        LEFT JOIN unread_counters uc ON uc.conversation_id = c.id AND uc.user_id = p.user_id
        WHERE p.user_id = $1
        ORDER BY cc.last_message_at DESC NULLS LAST, c.id DESC
        LIMIT $2 OFFSET $3`, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return rows, nil
}

// IsParticipant checks whether a user is a current participant.
func (r *ConversationRepo) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM participants WHERE conversation_id=$1 AND user_id=$2)`, conversationID, userID)
	return exists, err
}

// Participants lists the current participants of a conversation.
func (r *ConversationRepo) Participants(ctx context.Context, conversationID string) ([]string, error) {
	users := []string{}
	err := r.db.SelectContext(ctx, &users, `SELECT user_id FROM participants WHERE conversation_id=$1 ORDER BY user_id`, conversationID)
	return users, err
}

// Leave removes userID from the conversation together with their counters and
// read marker. The conversation is deleted once nobody is left.
func (r *ConversationRepo) Leave(ctx context.Context, conversationID, userID string) (models.LeaveResult, error) {
	result := models.LeaveResult{ConversationID: conversationID, UserID: userID}
	err := withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		// Locking the conversation first serializes concurrent leaves, so the
		// last one out always sees zero remaining participants.
		var id string
		err := tx.GetContext(ctx, &id, `SELECT id FROM conversations WHERE id=$1 FOR NO KEY UPDATE`, conversationID)
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock conversation: %w", err)
		}

		var member string
		err = tx.GetContext(ctx, &member, `SELECT user_id FROM participants WHERE conversation_id=$1 AND user_id=$2 FOR UPDATE`, conversationID, userID)
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock participant: %w", err)
		}
		if err := lockTotals(ctx, tx, []string{userID}); err != nil {
			return err
		}

		for _, stmt := range []string{
			`DELETE FROM participants WHERE conversation_id=$1 AND user_id=$2`,
			`DELETE FROM unread_counters WHERE conversation_id=$1 AND user_id=$2`,
			`DELETE FROM read_markers WHERE conversation_id=$1 AND user_id=$2`,
		} {
			if _, err := tx.ExecContext(ctx, stmt, conversationID, userID); err != nil {
				return fmt.Errorf("leave conversation: %w", err)
			}
		}

		var remaining int
		if err := tx.GetContext(ctx, &remaining, `SELECT COUNT(*) FROM participants WHERE conversation_id=$1`, conversationID); err != nil {
			return fmt.Errorf("count participants: %w", err)
		}
		if remaining == 0 {
			if _, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id=$1`, conversationID); err != nil {
				return fmt.Errorf("delete conversation: %w", err)
			}
			result.Destroyed = true
		}

		total, err := recomputeTotal(ctx, tx, userID)
		if err != nil {
			return err
		}
		result.TotalUnread = total
		return nil
	})
	if err != nil {
		return models.LeaveResult{}, err
	}
	return result, nil
}
