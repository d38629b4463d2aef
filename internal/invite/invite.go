// Package invite manages referral codes. Registration itself happens in the dashboard API; the worker only guarantees
// at startup that the configured bootstrap code exists so a fresh deployment is never locked out.
package invite

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for the invite package.
var (
	ErrNotFound    = errors.New("referral code not found")
	ErrEmptyCode   = errors.New("referral code must not be empty")
	ErrInvalidUses = errors.New("max uses must be positive")
)

// SeedMaxUses is the use budget given to the bootstrap code, effectively unlimited.
const SeedMaxUses = 999999

// ReferralCode holds the fields read from the referral_codes table.
type ReferralCode struct {
	Code      string
	MaxUses   int
	UsedCount int
	IsActive  bool
	CreatedAt time.Time
}

// RemainingUses returns how many registrations the code still admits, never negative.
func (c *ReferralCode) RemainingUses() int {
	if c.UsedCount >= c.MaxUses {
		return 0
	}
	return c.MaxUses - c.UsedCount
}

// ValidateSeed checks the inputs for seeding a referral code.
func ValidateSeed(code string, maxUses int) error {
	if code == "" {
		return ErrEmptyCode
	}
	if maxUses <= 0 {
		return ErrInvalidUses
	}
	return nil
}

// Repository defines the data-access contract for referral codes.
type Repository interface {
	GetByCode(ctx context.Context, code string) (*ReferralCode, error)
	EnsureSeed(ctx context.Context, code string, maxUses int) (created bool, err error)
}
