package rule

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/tele-guard/teleguard-worker/internal/postgres"
)

// selectColumns lists the columns returned by queries that produce a *Rule. Every method that scans into a Rule must
// select these columns in this exact order.
const selectColumns = `id, user_id, source_id, source_name, keywords, excluded_keywords, is_regex, notify_email, notify_bot, webhook_url, is_paused, trigger_count, created_at`

// scanRule scans a single row into a *Rule. The row must contain the columns listed in selectColumns.
func scanRule(row pgx.Row) (*Rule, error) {
	var r Rule
	err := row.Scan(
		&r.ID,
		&r.UserID,
		&r.SourceID,
		&r.SourceName,
		&r.Keywords,
		&r.ExcludedKeywords,
		&r.IsRegex,
		&r.NotifyEmail,
		&r.NotifyBot,
		&r.WebhookURL,
		&r.IsPaused,
		&r.TriggerCount,
		&r.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scan rule: %w", err)
	}
	return &r, nil
}

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed rule repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

func (r *PGRepository) list(ctx context.Context, query string, args ...any) ([]Rule, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer rows.Close()

	var rules []Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, *rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rules: %w", err)
	}
	return rules, nil
}

// ListActiveForUser returns the user's unpaused rules in creation order. This is the set the evaluator runs every
// incoming message against.
func (r *PGRepository) ListActiveForUser(ctx context.Context, userID uuid.UUID) ([]Rule, error) {
	return r.list(ctx, `SELECT `+selectColumns+` FROM alerts WHERE user_id = $1 AND is_paused = false ORDER BY created_at`, userID)
}

// ListForUser returns all of the user's rules, paused included, in creation order.
func (r *PGRepository) ListForUser(ctx context.Context, userID uuid.UUID) ([]Rule, error) {
	return r.list(ctx, `SELECT `+selectColumns+` FROM alerts WHERE user_id = $1 ORDER BY created_at`, userID)
}

// Create inserts a new rule and returns it. An empty SourceName falls back to DefaultSourceName. Returns
// ErrNoKeywords when no keyword survives trimming and ErrOwnerNotFound when the owning user row does not exist.
func (r *PGRepository) Create(ctx context.Context, params CreateParams) (*Rule, error) {
	if err := ValidateKeywords(params.Keywords); err != nil {
		return nil, err
	}
	sourceName := params.SourceName
	if sourceName == "" {
		sourceName = DefaultSourceName
	}
	excluded := params.ExcludedKeywords
	if excluded == nil {
		excluded = []string{}
	}

	rule, err := scanRule(r.db.QueryRow(ctx, `
		INSERT INTO alerts (id, user_id, source_id, source_name, keywords, excluded_keywords, is_regex, notify_email, notify_bot, is_paused, trigger_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, false, 0)
		RETURNING `+selectColumns,
		uuid.New(), params.UserID, params.SourceID, sourceName, params.Keywords, excluded,
		params.IsRegex, params.NotifyEmail, params.NotifyBot,
	))
	if err != nil {
		if postgres.IsForeignKeyViolation(err) {
			return nil, ErrOwnerNotFound
		}
		return nil, fmt.Errorf("insert rule: %w", err)
	}
	return rule, nil
}

// FindByIDPrefix returns the oldest rule owned by userID whose id begins with prefix. Paused rules are candidates too,
// so a paused listener can still be deleted by its short id. Returns ErrNotFound when nothing matches.
func (r *PGRepository) FindByIDPrefix(ctx context.Context, userID uuid.UUID, prefix string) (*Rule, error) {
	rules, err := r.ListForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	prefix = strings.ToLower(prefix)
	for i := range rules {
		if strings.HasPrefix(rules[i].ID.String(), prefix) {
			return &rules[i], nil
		}
	}
	return nil, ErrNotFound
}

// DeleteCascade removes the rule and its audit-log rows in one transaction. Returns ErrNotFound if the rule does not
// exist.
func (r *PGRepository) DeleteCascade(ctx context.Context, id uuid.UUID) error {
	return postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM alert_logs WHERE alert_id = $1`, id); err != nil {
			return fmt.Errorf("delete rule logs: %w", err)
		}
		tag, err := tx.Exec(ctx, `DELETE FROM alerts WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("delete rule: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// IncrementTriggerCount bumps the rule's lifetime trigger counter by one. Returns ErrNotFound if the rule no longer
// exists, which can happen when a rule is deleted while a dispatch for it is in flight.
func (r *PGRepository) IncrementTriggerCount(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `UPDATE alerts SET trigger_count = trigger_count + 1 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("increment trigger count: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
