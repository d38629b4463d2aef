package invite

import (
	"context"
	"errors"
	"fmt"

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

// NewPGRepository creates a new PostgreSQL-backed referral-code repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// GetByCode returns the referral code matching code, or ErrNotFound.
func (r *PGRepository) GetByCode(ctx context.Context, code string) (*ReferralCode, error) {
	var c ReferralCode
	err := r.db.QueryRow(ctx, `
		SELECT code, max_uses, used_count, is_active, created_at
		FROM referral_codes
		WHERE code = $1`,
		code,
	).Scan(&c.Code, &c.MaxUses, &c.UsedCount, &c.IsActive, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query referral code: %w", err)
	}
	return &c, nil
}

// EnsureSeed inserts the bootstrap referral code if it is missing. It reports whether a row was created; an existing
// row, whatever its use count, is left untouched.
func (r *PGRepository) EnsureSeed(ctx context.Context, code string, maxUses int) (bool, error) {
	if err := ValidateSeed(code, maxUses); err != nil {
		return false, err
	}

	_, err := r.db.Exec(ctx, `
		INSERT INTO referral_codes (code, max_uses, used_count, is_active)
		VALUES ($1, $2, 0, true)`,
		code, maxUses,
	)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("insert referral code: %w", err)
	}
	return true, nil
}
