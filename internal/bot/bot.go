// Package bot runs the control-bot command surface over the Telegram Bot API. Linked users manage their keyword
// listeners from the bot chat (/start, /add, /list, /del), and the dispatcher delivers alert notifications through
// the same bot. The bot is optional: when no token is configured the worker runs without it.
package bot

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"github.com/rs/zerolog"

	"github.com/tele-guard/teleguard-worker/internal/chat"
	"github.com/tele-guard/teleguard-worker/internal/rule"
	"github.com/tele-guard/teleguard-worker/internal/session"
	"github.com/tele-guard/teleguard-worker/internal/user"
)

// commandTimeout bounds the storage work behind a single command.
const commandTimeout = 10 * time.Second

// pollTimeout is the long-polling window in seconds, passed through to getUpdates.
const pollTimeout = 30

// Reply texts. Replies carrying markup are sent with HTML parse mode; the rest go out verbatim, which keeps
// literal angle brackets like "/add <keyword>" intact.
const (
	startLinkedReply   = "👋 Welcome back, %s!\n\nYour account is linked. You can manage alerts here.\n\n<b>Commands:</b>\n/list - View active alerts\n/add &lt;word&gt; [@user] - Add listener\n<i>(e.g. /add bitcoin @elonmusk)</i>\n/del &lt;id&gt; - Delete listener"
	startUnlinkedReply = "👋 Welcome to TeleGuard!\n\nI couldn't find your account. Please Login to the Dashboard first and duplicate your Telegram connection, or ensure your IDs match."
	addUsageReply      = "❌ Please provide a keyword.\nUsage: <code>/add &lt;word&gt; [@user] [-email] [-bot]</code>"
	notLinkedReply     = "❌ You are not linked. Please login to dashboard."
	chatNotFoundReply  = "❌ Could not find chat <b>@%s</b> in your synced dialogs.\n\nPlease ensure you have chatted with them recently and the dashboard is synced."
	addSuccessReply    = "✅ <b>Alert Added!</b>\n\n🔑 Keyword: <code>%s</code>\n🎯 Source: <code>%s</code>\n📢 Notify: <b>%s</b>\n🆔 ID: <code>%s</code>"
	authFailedReply    = "❌ Auth failed."
	listEmptyReply     = "📭 No active alerts. Use /add <keyword> to create one."
	listHeader         = "<b>📋 Active Listeners:</b>\n\n"
	delUsageReply      = "❌ Please provide an alert ID.\nUsage: <code>/del &lt;id&gt;</code>"
	delDeletedReply    = "🗑 Alert <code>%s</code> deleted."
	delNotFoundReply   = "❌ Alert ID <code>%s</code> not found."
)

// Notification channel labels shown in the /add confirmation.
const (
	channelLabelBot   = "Bot 🤖"
	channelLabelEmail = "Email 📧"
)

// Bot is the running control bot: one long-polling loop for commands plus an outbound path for alert delivery.
type Bot struct {
	bot      *telego.Bot
	users    user.Repository
	sessions session.Repository
	rules    rule.Repository
	chats    chat.Repository
	log      zerolog.Logger

	id       int64
	username string
}

// New connects to the Bot API and resolves the bot's own identity. The identity is required up front: the
// evaluator uses the id to suppress the bot's own messages, so a bot we cannot identify is a bot we do not run.
func New(ctx context.Context, token string, users user.Repository, sessions session.Repository, rules rule.Repository, chats chat.Repository, logger zerolog.Logger) (*Bot, error) {
	tb, err := telego.NewBot(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}

	me, err := tb.GetMe(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch bot identity: %w", err)
	}

	b := &Bot{
		bot:      tb,
		users:    users,
		sessions: sessions,
		rules:    rules,
		chats:    chats,
		log:      logger.With().Str("component", "bot").Logger(),
		id:       me.ID,
		username: me.Username,
	}
	b.log.Info().Str("username", me.Username).Int64("bot_id", me.ID).Msg("Bot identity initialized")
	return b, nil
}

// ID returns the bot's platform user id.
func (b *Bot) ID() int64 { return b.id }

// Username returns the bot's handle without the leading "@".
func (b *Bot) Username() string { return b.username }

// SendAlert delivers one HTML-formatted alert to the given chat.
func (b *Bot) SendAlert(ctx context.Context, chatID int64, text string) error {
	_, err := b.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), text).WithParseMode(telego.ModeHTML))
	if err != nil {
		return fmt.Errorf("send alert message: %w", err)
	}
	return nil
}

// Run long-polls for updates and dispatches commands until the context is canceled.
func (b *Bot) Run(ctx context.Context) error {
	updates, err := b.bot.UpdatesViaLongPolling(ctx, &telego.GetUpdatesParams{
		Timeout:        pollTimeout,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		return fmt.Errorf("start long polling: %w", err)
	}
	b.log.Info().Msg("Command polling started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message != nil {
				b.handleMessage(ctx, update.Message)
			}
		}
	}
}

// handleMessage routes one incoming message to its command handler. Non-command chatter is ignored.
func (b *Bot) handleMessage(ctx context.Context, msg *telego.Message) {
	if msg.From == nil || msg.Text == "" || !strings.HasPrefix(msg.Text, "/") {
		return
	}
	b.log.Debug().Int64("sender_id", msg.From.ID).Str("text", msg.Text).Msg("Command received")

	cmd, args := splitCommand(msg.Text)

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	switch cmd {
	case "/start":
		b.handleStart(ctx, msg)
	case "/add":
		b.handleAdd(ctx, msg, args)
	case "/list":
		b.handleList(ctx, msg)
	case "/del":
		b.handleDel(ctx, msg, args)
	}
}

// splitCommand separates "/cmd@BotName args" into the lowercased bare command and its argument string.
func splitCommand(text string) (string, string) {
	parts := strings.SplitN(text, " ", 2)
	cmd := strings.ToLower(strings.SplitN(parts[0], "@", 2)[0])
	if len(parts) == 1 {
		return cmd, ""
	}
	return cmd, strings.TrimSpace(parts[1])
}

// addArgs is a parsed /add invocation.
type addArgs struct {
	keyword     string
	handle      string
	notifyEmail bool
	notifyBot   bool
}

// parseAddArgs splits "/add <word> [@user] [-email] [-bot]" arguments. Tokens starting with "-" are channel
// flags; naming any flag narrows delivery to the named channels, no flags means both. A second positional is a
// chat handle only when it starts with "@"; anything else is ignored. Reports false when no keyword is left
// after stripping flags.
func parseAddArgs(args string) (addArgs, bool) {
	var (
		flags      = make(map[string]bool)
		positional []string
	)
	for _, tok := range strings.Fields(args) {
		if strings.HasPrefix(tok, "-") {
			flags[strings.ToLower(tok)] = true
		} else {
			positional = append(positional, tok)
		}
	}
	if len(positional) == 0 {
		return addArgs{}, false
	}

	parsed := addArgs{keyword: positional[0], notifyEmail: true, notifyBot: true}
	if len(positional) > 1 && strings.HasPrefix(positional[1], "@") {
		parsed.handle = positional[1]
	}
	if flags["-email"] || flags["-bot"] {
		parsed.notifyEmail = flags["-email"]
		parsed.notifyBot = flags["-bot"]
	}
	return parsed, true
}

// resolveCaller maps a Telegram sender to a dashboard account, first through the session link and then through a
// previously stored bot chat id. Returns (nil, nil) when the sender is not linked at all.
func (b *Bot) resolveCaller(ctx context.Context, senderID int64) (*user.User, error) {
	sess, err := b.sessions.GetByTelegramID(ctx, strconv.FormatInt(senderID, 10))
	switch {
	case err == nil:
		u, err := b.users.GetByID(ctx, sess.UserID)
		if err == nil {
			return u, nil
		}
		if !errors.Is(err, user.ErrNotFound) {
			return nil, err
		}
	case !errors.Is(err, session.ErrNotFound):
		return nil, err
	}

	u, err := b.users.GetByBotChatID(ctx, senderID)
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return u, nil
}

func (b *Bot) handleStart(ctx context.Context, msg *telego.Message) {
	caller, err := b.resolveCaller(ctx, msg.From.ID)
	if err != nil {
		b.log.Error().Err(err).Msg("Failed to resolve /start caller")
		return
	}
	if caller == nil {
		b.replyPlain(ctx, msg.Chat.ID, startUnlinkedReply)
		return
	}

	if caller.BotChatID == nil || *caller.BotChatID != msg.From.ID {
		if err := b.users.SetBotChatID(ctx, caller.ID, msg.From.ID); err != nil {
			b.log.Warn().Err(err).Stringer("user_id", caller.ID).Msg("Failed to store bot chat id")
		}
	}
	b.reply(ctx, msg.Chat.ID, fmt.Sprintf(startLinkedReply, html.EscapeString(caller.DisplayName())))
}

func (b *Bot) handleAdd(ctx context.Context, msg *telego.Message, args string) {
	parsed, ok := parseAddArgs(args)
	if !ok {
		b.reply(ctx, msg.Chat.ID, addUsageReply)
		return
	}

	caller, err := b.resolveCaller(ctx, msg.From.ID)
	if err != nil {
		b.log.Error().Err(err).Msg("Failed to resolve /add caller")
		return
	}
	if caller == nil {
		b.replyPlain(ctx, msg.Chat.ID, notLinkedReply)
		return
	}

	sourceName := rule.DefaultSourceName
	var sourceID *int64
	if parsed.handle != "" {
		c, err := b.chats.FindByHandle(ctx, caller.ID, parsed.handle)
		if err != nil {
			if errors.Is(err, chat.ErrNotFound) {
				bare := strings.TrimPrefix(parsed.handle, "@")
				b.reply(ctx, msg.Chat.ID, fmt.Sprintf(chatNotFoundReply, html.EscapeString(bare)))
				return
			}
			b.log.Error().Err(err).Msg("Failed to look up chat handle")
			return
		}
		sourceID = &c.ID
		if c.Username != nil {
			sourceName = "@" + *c.Username
		}
	}

	created, err := b.rules.Create(ctx, rule.CreateParams{
		UserID:      caller.ID,
		Keywords:    []string{parsed.keyword},
		SourceID:    sourceID,
		SourceName:  sourceName,
		NotifyEmail: parsed.notifyEmail,
		NotifyBot:   parsed.notifyBot,
	})
	if err != nil {
		b.log.Error().Err(err).Msg("Failed to create alert")
		return
	}

	var channels []string
	if parsed.notifyBot {
		channels = append(channels, channelLabelBot)
	}
	if parsed.notifyEmail {
		channels = append(channels, channelLabelEmail)
	}
	b.reply(ctx, msg.Chat.ID, fmt.Sprintf(addSuccessReply,
		html.EscapeString(parsed.keyword), html.EscapeString(sourceName), strings.Join(channels, " + "), created.ID))
}

func (b *Bot) handleList(ctx context.Context, msg *telego.Message) {
	caller, err := b.resolveCaller(ctx, msg.From.ID)
	if err != nil {
		b.log.Error().Err(err).Msg("Failed to resolve /list caller")
		return
	}
	if caller == nil {
		b.replyPlain(ctx, msg.Chat.ID, authFailedReply)
		return
	}

	rules, err := b.rules.ListActiveForUser(ctx, caller.ID)
	if err != nil {
		b.log.Error().Err(err).Msg("Failed to list alerts")
		return
	}
	if len(rules) == 0 {
		b.replyPlain(ctx, msg.Chat.ID, listEmptyReply)
		return
	}

	var sb strings.Builder
	sb.WriteString(listHeader)
	for _, r := range rules {
		fmt.Fprintf(&sb, "• %s (ID: <code>%s</code>)\n", html.EscapeString(r.KeywordString()), r.ShortID())
	}
	b.reply(ctx, msg.Chat.ID, sb.String())
}

func (b *Bot) handleDel(ctx context.Context, msg *telego.Message, args string) {
	prefix := strings.TrimSpace(args)
	if prefix == "" {
		b.reply(ctx, msg.Chat.ID, delUsageReply)
		return
	}

	caller, err := b.resolveCaller(ctx, msg.From.ID)
	if err != nil {
		b.log.Error().Err(err).Msg("Failed to resolve /del caller")
		return
	}
	if caller == nil {
		b.replyPlain(ctx, msg.Chat.ID, authFailedReply)
		return
	}

	target, err := b.rules.FindByIDPrefix(ctx, caller.ID, prefix)
	if err != nil {
		if errors.Is(err, rule.ErrNotFound) {
			b.reply(ctx, msg.Chat.ID, fmt.Sprintf(delNotFoundReply, html.EscapeString(prefix)))
			return
		}
		b.log.Error().Err(err).Msg("Failed to find alert by prefix")
		return
	}

	if err := b.rules.DeleteCascade(ctx, target.ID); err != nil {
		b.log.Error().Err(err).Stringer("rule_id", target.ID).Msg("Failed to delete alert")
		return
	}
	b.reply(ctx, msg.Chat.ID, fmt.Sprintf(delDeletedReply, html.EscapeString(target.KeywordString())))
}

// reply sends one HTML-formatted response to the chat the command came from.
func (b *Bot) reply(ctx context.Context, chatID int64, text string) {
	_, err := b.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), text).WithParseMode(telego.ModeHTML))
	if err != nil {
		b.log.Error().Err(err).Int64("chat_id", chatID).Msg("Failed to send reply")
	}
}

// replyPlain sends a response without a parse mode, for texts with literal angle brackets.
func (b *Bot) replyPlain(ctx context.Context, chatID int64, text string) {
	_, err := b.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), text))
	if err != nil {
		b.log.Error().Err(err).Int64("chat_id", chatID).Msg("Failed to send reply")
	}
}
