package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// selectColumns lists the columns returned by queries that produce a *Session. Every method that scans into a Session
// must select these columns in this exact order.
const selectColumns = `id, user_id, session_string, phone_number, telegram_id, is_active, created_at`

// scanSession scans a single row into a *Session.
func scanSession(row pgx.Row) (*Session, error) {
	var s Session
	err := row.Scan(&s.ID, &s.UserID, &s.SessionString, &s.PhoneNumber, &s.TelegramID, &s.IsActive, &s.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	return &s, nil
}

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed session repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// ListActive returns every session with is_active=true, oldest first. The supervisor reconciles against this list on
// each tick.
func (r *PGRepository) ListActive(ctx context.Context) ([]Session, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+selectColumns+` FROM telegram_sessions WHERE is_active = true ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("query active sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// GetActiveForUser returns the user's active session. At most one session per user carries is_active=true.
func (r *PGRepository) GetActiveForUser(ctx context.Context, userID uuid.UUID) (*Session, error) {
	s, err := scanSession(r.db.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM telegram_sessions WHERE user_id = $1 AND is_active = true LIMIT 1`, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query active session for user: %w", err)
	}
	return s, nil
}

// GetByTelegramID returns the session whose stored platform user id matches. Active and inactive sessions both count;
// the control bot uses any linked session to resolve a caller to an account.
func (r *PGRepository) GetByTelegramID(ctx context.Context, telegramID string) (*Session, error) {
	s, err := scanSession(r.db.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM telegram_sessions WHERE telegram_id = $1 LIMIT 1`, telegramID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query session by telegram id: %w", err)
	}
	return s, nil
}

// MarkInactive clears the active flag. The row is kept so the user can re-link without losing history; nothing in the
// worker deletes session rows.
func (r *PGRepository) MarkInactive(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `UPDATE telegram_sessions SET is_active = false WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark session inactive: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
