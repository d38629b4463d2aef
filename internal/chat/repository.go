package chat

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/tele-guard/teleguard-worker/internal/postgres"
)

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed synced-chat repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// Replace swaps the user's dialog mirror for the given snapshot in a single transaction, so readers never observe a
// half-synced list.
func (r *PGRepository) Replace(ctx context.Context, userID uuid.UUID, chats []SyncedChat) error {
	return postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `DELETE FROM telegram_chats WHERE user_id = $1`, userID)
		if err != nil {
			return fmt.Errorf("delete old synced chats: %w", err)
		}

		return copyChats(ctx, tx, userID, chats)
	})
}

// copyChats bulk-inserts the dialog snapshot using CopyFrom, collapsing all rows into a single round trip.
func copyChats(ctx context.Context, tx pgx.Tx, userID uuid.UUID, chats []SyncedChat) error {
	rows := make([][]any, len(chats))
	for i, c := range chats {
		rows[i] = []any{c.ID, userID, c.Title, c.Type, c.Username}
	}

	_, err := tx.CopyFrom(
		ctx,
		pgx.Identifier{"telegram_chats"},
		[]string{"id", "user_id", "title", "type", "username"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("copy synced chats: %w", err)
	}
	return nil
}

// normalizeHandle strips the leading "@" so stored usernames and command arguments compare equal.
func normalizeHandle(handle string) string {
	if len(handle) > 0 && handle[0] == '@' {
		return handle[1:]
	}
	return handle
}

// FindByHandle returns the user's synced chat with the given public username. The lookup is case-insensitive and
// ignores a leading "@". Returns ErrNotFound when the handle is not in the mirror.
func (r *PGRepository) FindByHandle(ctx context.Context, userID uuid.UUID, handle string) (*SyncedChat, error) {
	handle = normalizeHandle(handle)

	var c SyncedChat
	err := r.db.QueryRow(ctx, `
		SELECT id, user_id, title, type, username
		FROM telegram_chats
		WHERE user_id = $1 AND lower(username) = lower($2)`,
		userID, handle,
	).Scan(&c.ID, &c.UserID, &c.Title, &c.Type, &c.Username)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query synced chat by handle: %w", err)
	}
	return &c, nil
}
