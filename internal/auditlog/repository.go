package auditlog

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed audit-log repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// Append inserts one history row. The message excerpt is truncated to the storage cap before writing.
func (r *PGRepository) Append(ctx context.Context, params AppendParams) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO alert_logs (id, alert_id, user_id, message_content, detected_keyword, dispatched_to_email, dispatched_to_bot)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		uuid.New(), params.AlertID, params.UserID, Truncate(params.MessageContent), params.DetectedKeyword,
		params.DispatchedToEmail, params.DispatchedToBot,
	)
	if err != nil {
		return fmt.Errorf("insert alert log: %w", err)
	}
	return nil
}
