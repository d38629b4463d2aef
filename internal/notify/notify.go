// Package notify fans a matched alert out to its delivery channels. A dispatch attempts email and control-bot
// delivery independently and reports per-channel success, so the caller can record exactly what reached the user.
// Failures are logged and absorbed here; one channel going down never blocks the other.
package notify

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"

	"github.com/rs/zerolog"

	"github.com/tele-guard/teleguard-worker/internal/rule"
	"github.com/tele-guard/teleguard-worker/internal/session"
	"github.com/tele-guard/teleguard-worker/internal/upstream"
	"github.com/tele-guard/teleguard-worker/internal/user"
)

// botMessageLimit caps the quoted message in bot alerts, leaving headroom under Telegram's 4096-char message cap
// for the surrounding markup.
const botMessageLimit = 4000

// EmailSender is the slice of the SMTP client the dispatcher needs.
type EmailSender interface {
	Send(to, subject, textBody, htmlBody string) error
}

// BotSender delivers one HTML-formatted message through the control bot.
type BotSender interface {
	SendAlert(ctx context.Context, chatID int64, text string) error
}

// Result reports which channels accepted the notification.
type Result struct {
	EmailOK bool
	BotOK   bool
}

// Dispatcher resolves the alert owner's delivery targets and sends on every enabled channel.
type Dispatcher struct {
	users    user.Repository
	sessions session.Repository
	email    EmailSender
	bot      BotSender
	log      zerolog.Logger
}

// NewDispatcher creates a Dispatcher. email and bot may be nil when the corresponding channel is not configured;
// dispatches then skip that channel and report it undelivered.
func NewDispatcher(users user.Repository, sessions session.Repository, email EmailSender, bot BotSender, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		users:    users,
		sessions: sessions,
		email:    email,
		bot:      bot,
		log:      logger.With().Str("component", "notify").Logger(),
	}
}

// Dispatch sends the alert for one matched rule. Both channels are always attempted when enabled; a failure on one
// is logged and does not short-circuit the other. The returned Result feeds the audit log.
func (d *Dispatcher) Dispatch(ctx context.Context, r rule.Rule, ev upstream.Event, trigger string) Result {
	log := d.log.With().Stringer("rule_id", r.ID).Str("trigger", trigger).Logger()
	log.Info().Int64("chat_id", ev.ChatID).Msg("Alert triggered")

	owner, err := d.users.GetByID(ctx, r.UserID)
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			log.Warn().Stringer("user_id", r.UserID).Msg("Alert owner no longer exists")
		} else {
			log.Error().Err(err).Msg("Failed to load alert owner")
		}
	}

	sess, err := d.sessions.GetActiveForUser(ctx, r.UserID)
	if err != nil && !errors.Is(err, session.ErrNotFound) {
		log.Error().Err(err).Msg("Failed to load owner session")
	}

	senderName := ev.SenderUsername
	if senderName == "" {
		senderName = "Unknown"
	}
	keywords := r.KeywordString()

	var res Result
	res.EmailOK = d.sendEmail(log, r, owner, keywords, senderName, ev.Body)
	res.BotOK = d.sendBot(ctx, log, r, owner, sess, keywords, senderName, ev.Body)
	return res
}

func (d *Dispatcher) sendEmail(log zerolog.Logger, r rule.Rule, owner *user.User, keywords, senderName, body string) bool {
	if !r.NotifyEmail {
		return false
	}
	if d.email == nil {
		log.Debug().Msg("Email channel skipped, SMTP not configured")
		return false
	}
	if owner == nil || owner.Email == "" {
		log.Debug().Msg("Email channel skipped, owner has no address")
		return false
	}

	htmlBody, err := renderAlertEmail(r.Keywords, senderName, body)
	if err != nil {
		log.Error().Err(err).Msg("Failed to render alert email")
		return false
	}
	subject := "🚨 TeleGuard Alert: " + keywords
	textBody := fmt.Sprintf("Alert triggered for keywords: %s\n\nSender: %s\nMessage: %s", keywords, senderName, body)

	if err := d.email.Send(owner.Email, subject, textBody, htmlBody); err != nil {
		log.Error().Err(err).Str("email", owner.Email).Msg("Failed to send alert email")
		return false
	}
	log.Info().Str("email", owner.Email).Msg("Alert email sent")
	return true
}

func (d *Dispatcher) sendBot(ctx context.Context, log zerolog.Logger, r rule.Rule, owner *user.User, sess *session.Session, keywords, senderName, body string) bool {
	if !r.NotifyBot {
		return false
	}
	if d.bot == nil {
		log.Debug().Msg("Bot channel skipped, bot not configured")
		return false
	}

	target := botTarget(owner, sess)
	if target == 0 {
		log.Debug().Msg("Bot channel skipped, no deliverable chat")
		return false
	}

	if err := d.bot.SendAlert(ctx, target, renderBotMessage(keywords, senderName, body, r.ShortID())); err != nil {
		log.Error().Err(err).Int64("chat_id", target).Msg("Failed to send bot alert")
		return false
	}
	log.Info().Int64("chat_id", target).Msg("Bot alert sent")
	return true
}

// botTarget picks where bot alerts go: the chat the user opened with the bot when available, else the account's
// own Telegram id from the session link.
func botTarget(owner *user.User, sess *session.Session) int64 {
	if owner != nil && owner.BotChatID != nil {
		return *owner.BotChatID
	}
	if sess != nil {
		if id, ok := sess.TelegramUserID(); ok {
			return id
		}
	}
	return 0
}

// renderBotMessage builds the Telegram-HTML alert body. All interpolated content is escaped so user text cannot
// break the markup.
func renderBotMessage(keywords, senderName, body, shortID string) string {
	var b strings.Builder
	b.WriteString("<b>🚨 TeleGuard Alert Triggered!</b>\n\n")
	fmt.Fprintf(&b, "🔑 <b>Keywords:</b> <code>%s</code>\n", html.EscapeString(keywords))
	fmt.Fprintf(&b, "👤 <b>From:</b> @%s\n\n", html.EscapeString(senderName))
	b.WriteString("💬 <b>Message:</b>\n")
	fmt.Fprintf(&b, "<blockquote>%s</blockquote>\n\n", html.EscapeString(truncateRunes(body, botMessageLimit)))
	fmt.Fprintf(&b, "<i>ID: %s</i>", shortID)
	return b.String()
}

// truncateRunes caps s at limit runes, counting characters rather than bytes so multibyte text is not split.
func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
