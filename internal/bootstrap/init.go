// Package bootstrap performs one-time startup initialization. The worker shares its database with the dashboard
// API, so the only seeding it owns is the referral code that lets the first user register.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/tele-guard/teleguard-worker/internal/config"
	"github.com/tele-guard/teleguard-worker/internal/invite"
)

// SeedInviteCode guarantees the configured referral code exists. A missing INVITE value skips the seed entirely;
// an already-present code is left untouched, whatever its remaining uses.
func SeedInviteCode(ctx context.Context, codes invite.Repository, cfg *config.Config, logger zerolog.Logger) error {
	log := logger.With().Str("component", "bootstrap").Logger()

	if cfg.InviteCode == "" {
		log.Debug().Msg("No referral code configured, skipping seed")
		return nil
	}

	created, err := codes.EnsureSeed(ctx, cfg.InviteCode, invite.SeedMaxUses)
	if err != nil {
		return fmt.Errorf("seed referral code: %w", err)
	}
	if created {
		log.Info().Str("code", cfg.InviteCode).Msg("Referral code seeded")
	} else {
		log.Debug().Str("code", cfg.InviteCode).Msg("Referral code already present")
	}
	return nil
}
