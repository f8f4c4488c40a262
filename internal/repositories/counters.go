package repositories

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"marketplace-messaging/internal/apperr"
	"marketplace-messaging/internal/models"
)

const (
	previewLimit      = 160
	attachmentPreview = "[attachment]"
)

// NormalizeMessage trims body and rejects a message that has neither a body
// nor an attachment.
func NormalizeMessage(body, attachmentURL string) (string, string, error) {
	body = strings.TrimSpace(body)
	attachmentURL = strings.TrimSpace(attachmentURL)
	if body == "" && attachmentURL == "" {
		return "", "", apperr.ErrInvalidMessage
	}
	return body, attachmentURL, nil
}

// Preview truncates body to at most 160 characters without splitting a rune.
func Preview(body string) string {
	if body == "" {
		return attachmentPreview
	}
	if utf8.RuneCountInString(body) <= previewLimit {
		return body
	}
	runes := []rune(body)
	return string(runes[:previewLimit])
}

// lockTotals makes sure an unread_totals row exists for every user and locks
// those rows in user order. Holding them serializes every counter change of a
// user, so the aggregate recomputed later sees all committed counters.
func lockTotals(ctx context.Context, tx *sqlx.Tx, userIDs []string) error {
	if len(userIDs) == 0 {
		return nil
	}
	sorted := append([]string(nil), userIDs...)
	sort.Strings(sorted)

	for _, id := range sorted {
		if _, err := tx.ExecContext(ctx, `INSERT INTO unread_totals (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`, id); err != nil {
			return fmt.Errorf("ensure unread total: %w", err)
		}
	}
	var locked []string
	if err := tx.SelectContext(ctx, &locked, `SELECT user_id FROM unread_totals WHERE user_id = ANY($1) ORDER BY user_id FOR UPDATE`, pq.Array(sorted)); err != nil {
		return fmt.Errorf("lock unread totals: %w", err)
	}
	return nil
}

// recomputeTotal rewrites the user's total as the sum of their per-conversation counters.
func recomputeTotal(ctx context.Context, tx *sqlx.Tx, userID string) (int, error) {
	var total int
	err := tx.GetContext(ctx, &total, `INSERT INTO unread_totals (user_id, total_unread, updated_at)
        SELECT $1, COALESCE(SUM(unread_count), 0), NOW() FROM unread_counters WHERE user_id = $1
        ON CONFLICT (user_id) DO UPDATE SET total_unread = EXCLUDED.total_unread, updated_at = EXCLUDED.updated_at
        RETURNING total_unread`, userID)
	if err != nil {
		return 0, fmt.Errorf("recompute unread total: %w", err)
	}
	return total, nil
}

func incrementUnread(ctx context.Context, tx *sqlx.Tx, conversationID, userID string) (int, error) {
	var count int
	err := tx.GetContext(ctx, &count, `INSERT INTO unread_counters (conversation_id, user_id, unread_count) VALUES ($1, $2, 1)
        ON CONFLICT (conversation_id, user_id) DO UPDATE SET unread_count = unread_counters.unread_count + 1
        RETURNING unread_count`, conversationID, userID)
	if err != nil {
		return 0, fmt.Errorf("increment unread counter: %w", err)
	}
	return count, nil
}

func resetUnread(ctx context.Context, tx *sqlx.Tx, conversationID, userID string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO unread_counters (conversation_id, user_id, unread_count) VALUES ($1, $2, 0)
        ON CONFLICT (conversation_id, user_id) DO UPDATE SET unread_count = 0`, conversationID, userID)
	if err != nil {
		return fmt.Errorf("reset unread counter: %w", err)
	}
	return nil
}

// upsertConversationCounters records msg as the conversation's last message
// unless a later message is already recorded.
func upsertConversationCounters(ctx context.Context, tx *sqlx.Tx, msg models.Message) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO conversation_counters (conversation_id, last_message_id, last_message_preview, last_message_at)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (conversation_id) DO UPDATE SET
            last_message_id = EXCLUDED.last_message_id,
            last_message_preview = EXCLUDED.last_message_preview,
            last_message_at = EXCLUDED.last_message_at
        WHERE conversation_counters.last_message_id < EXCLUDED.last_message_id`,
		msg.ConversationID, msg.ID, Preview(msg.Body), msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert conversation counters: %w", err)
	}
	return nil
}

func upsertReadMarker(ctx context.Context, tx *sqlx.Tx, conversationID, userID, messageID string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO read_markers (conversation_id, user_id, last_read_message_id, read_at)
        VALUES ($1, $2, $3, NOW())
        ON CONFLICT (conversation_id, user_id) DO UPDATE SET
            last_read_message_id = EXCLUDED.last_read_message_id,
            read_at = EXCLUDED.read_at`, conversationID, userID, messageID)
	if err != nil {
		return fmt.Errorf("upsert read marker: %w", err)
	}
	return nil
}
