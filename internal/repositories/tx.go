package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"marketplace-messaging/internal/apperr"
)

const uniqueViolation = "23505"

// withTx runs fn inside a transaction, committing on success and rolling
// back on error or panic.
func withTx(ctx context.Context, db *sqlx.DB, fn func(tx *sqlx.Tx) error) (err error) {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// lockConversationShared takes a share lock on the conversation row. It
// conflicts with the FOR NO KEY UPDATE held while participants are added or
// removed. A missing conversation is reported as forbidden, the same as one
// the caller is not part of.
func lockConversationShared(ctx context.Context, tx *sqlx.Tx, conversationID string) error {
	var id string
	err := tx.GetContext(ctx, &id, `SELECT id FROM conversations WHERE id=$1 FOR SHARE`, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.ErrForbidden
	}
	if err != nil {
		return fmt.Errorf("lock conversation: %w", err)
	}
	return nil
}
