package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/tele-guard/teleguard-worker/internal/auditlog"
	"github.com/tele-guard/teleguard-worker/internal/bootstrap"
	"github.com/tele-guard/teleguard-worker/internal/bot"
	"github.com/tele-guard/teleguard-worker/internal/chat"
	"github.com/tele-guard/teleguard-worker/internal/config"
	"github.com/tele-guard/teleguard-worker/internal/email"
	"github.com/tele-guard/teleguard-worker/internal/evaluator"
	"github.com/tele-guard/teleguard-worker/internal/invite"
	"github.com/tele-guard/teleguard-worker/internal/notify"
	"github.com/tele-guard/teleguard-worker/internal/postgres"
	"github.com/tele-guard/teleguard-worker/internal/rule"
	"github.com/tele-guard/teleguard-worker/internal/session"
	"github.com/tele-guard/teleguard-worker/internal/supervisor"
	"github.com/tele-guard/teleguard-worker/internal/upstream"
	"github.com/tele-guard/teleguard-worker/internal/user"
)

func main() {
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("Worker stopped")
	}
}

func run() error {
	// The deployment shares one .env with the dashboard API; a missing file is fine.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.IsDevelopment() {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			With().Timestamp().Logger()
	}

	log.Info().Str("env", cfg.WorkerEnv).Msg("Starting TeleGuard worker")

	if !cfg.TelegramConfigured() {
		return fmt.Errorf("TELEGRAM_API_ID and TELEGRAM_API_HASH must be set")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect PostgreSQL
	db, err := postgres.Connect(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConn, cfg.DatabaseMinConn)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close()
	log.Info().Msg("PostgreSQL connected")

	logger := log.Logger

	users := user.NewPGRepository(db, logger)
	sessions := session.NewPGRepository(db, logger)
	rules := rule.NewPGRepository(db, logger)
	audits := auditlog.NewPGRepository(db, logger)
	chats := chat.NewPGRepository(db, logger)
	codes := invite.NewPGRepository(db, logger)

	if err := bootstrap.SeedInviteCode(ctx, codes, cfg, logger); err != nil {
		return err
	}

	// SMTP is optional; a dead server downgrades email alerts, it does not stop the worker.
	var mailer notify.EmailSender
	if cfg.SMTPConfigured() {
		client := email.NewClient(cfg.SMTPServer, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPassword, cfg.FromAddress())
		if err := client.Ping(); err != nil {
			log.Warn().Err(err).Str("server", cfg.SMTPServer).Msg("SMTP server unreachable, email delivery may fail")
		} else {
			log.Info().Str("server", cfg.SMTPServer).Msg("SMTP connection verified")
		}
		mailer = client
	} else {
		log.Warn().Msg("SMTP not configured, email alerts disabled")
	}

	// The control bot is optional too: a bad token loses commands and bot alerts, monitoring continues.
	var controlBot *bot.Bot
	if cfg.BotConfigured() {
		controlBot, err = bot.New(ctx, cfg.BotToken, users, sessions, rules, chats, logger)
		if err != nil {
			log.Error().Err(err).Msg("Control bot initialization failed, continuing without bot")
			controlBot = nil
		}
	} else {
		log.Warn().Msg("BOT_TOKEN not configured, bot alerts and commands disabled")
	}

	// Interface values must stay nil when the bot is absent; a typed nil would defeat the nil checks downstream.
	var identity evaluator.BotIdentity
	var alerts notify.BotSender
	if controlBot != nil {
		identity = controlBot
		alerts = controlBot
	}

	eval := evaluator.New(identity, logger)
	dispatcher := notify.NewDispatcher(users, sessions, mailer, alerts, logger)
	dialer := upstream.NewGotdDialer(logger)
	sup := supervisor.New(dialer, cfg.TelegramAPIID, cfg.TelegramAPIHash, sessions, rules, audits, chats, eval, dispatcher, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sup.Run(gctx)
	})
	if controlBot != nil {
		g.Go(func() error {
			if err := controlBot.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("Control bot stopped")
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("worker error: %w", err)
	}
	log.Info().Msg("Worker stopped")
	return nil
}
