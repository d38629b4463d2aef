package notify

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tele-guard/teleguard-worker/internal/rule"
	"github.com/tele-guard/teleguard-worker/internal/session"
	"github.com/tele-guard/teleguard-worker/internal/upstream"
	"github.com/tele-guard/teleguard-worker/internal/user"
)

type fakeUsers struct {
	user *user.User
}

func (f *fakeUsers) GetByID(_ context.Context, id uuid.UUID) (*user.User, error) {
	if f.user != nil && f.user.ID == id {
		return f.user, nil
	}
	return nil, user.ErrNotFound
}

func (f *fakeUsers) GetByBotChatID(context.Context, int64) (*user.User, error) {
	return nil, user.ErrNotFound
}

func (f *fakeUsers) SetBotChatID(context.Context, uuid.UUID, int64) error { return nil }

type fakeSessions struct {
	sess *session.Session
}

func (f *fakeSessions) ListActive(context.Context) ([]session.Session, error) { return nil, nil }

func (f *fakeSessions) GetActiveForUser(_ context.Context, userID uuid.UUID) (*session.Session, error) {
	if f.sess != nil && f.sess.UserID == userID {
		return f.sess, nil
	}
	return nil, session.ErrNotFound
}

func (f *fakeSessions) GetByTelegramID(context.Context, string) (*session.Session, error) {
	return nil, session.ErrNotFound
}

func (f *fakeSessions) MarkInactive(context.Context, uuid.UUID) error { return nil }

type fakeEmail struct {
	err     error
	sent    bool
	to      string
	subject string
	text    string
	html    string
}

func (f *fakeEmail) Send(to, subject, textBody, htmlBody string) error {
	if f.err != nil {
		return f.err
	}
	f.sent = true
	f.to = to
	f.subject = subject
	f.text = textBody
	f.html = htmlBody
	return nil
}

type fakeBot struct {
	err    error
	sent   bool
	chatID int64
	text   string
}

func (f *fakeBot) SendAlert(_ context.Context, chatID int64, text string) error {
	if f.err != nil {
		return f.err
	}
	f.sent = true
	f.chatID = chatID
	f.text = text
	return nil
}

func testRule(userID uuid.UUID) rule.Rule {
	return rule.Rule{
		ID:          uuid.New(),
		UserID:      userID,
		Keywords:    []string{"bitcoin"},
		NotifyEmail: true,
		NotifyBot:   true,
	}
}

func TestDispatchBothChannels(t *testing.T) {
	t.Parallel()

	botChat := int64(5555)
	owner := &user.User{ID: uuid.New(), Email: "alice@example.com", BotChatID: &botChat}
	r := testRule(owner.ID)

	email := &fakeEmail{}
	bot := &fakeBot{}
	d := NewDispatcher(&fakeUsers{user: owner}, &fakeSessions{}, email, bot, zerolog.Nop())

	ev := upstream.Event{ChatID: -100123, MessageID: 1, SenderUsername: "whale_alerts", Body: "bitcoin just broke out"}
	res := d.Dispatch(context.Background(), r, ev, "bitcoin")

	if !res.EmailOK || !res.BotOK {
		t.Fatalf("Dispatch() = %+v, want both channels delivered", res)
	}

	if email.to != "alice@example.com" {
		t.Errorf("email to = %q", email.to)
	}
	if email.subject != "🚨 TeleGuard Alert: bitcoin" {
		t.Errorf("email subject = %q", email.subject)
	}
	wantText := "Alert triggered for keywords: bitcoin\n\nSender: whale_alerts\nMessage: bitcoin just broke out"
	if email.text != wantText {
		t.Errorf("email text = %q, want %q", email.text, wantText)
	}
	for _, want := range []string{`<span class="badge">bitcoin</span>`, "@whale_alerts", "bitcoin just broke out"} {
		if !strings.Contains(email.html, want) {
			t.Errorf("email html missing %q", want)
		}
	}

	if bot.chatID != botChat {
		t.Errorf("bot chat id = %d, want %d", bot.chatID, botChat)
	}
	for _, want := range []string{
		"<b>🚨 TeleGuard Alert Triggered!</b>",
		"<code>bitcoin</code>",
		"@whale_alerts",
		"<blockquote>bitcoin just broke out</blockquote>",
		"<i>ID: " + r.ShortID() + "</i>",
	} {
		if !strings.Contains(bot.text, want) {
			t.Errorf("bot message missing %q in %q", want, bot.text)
		}
	}
}

func TestDispatchBotFallsBackToSessionID(t *testing.T) {
	t.Parallel()

	owner := &user.User{ID: uuid.New(), Email: "bob@example.com"}
	sess := &session.Session{ID: uuid.New(), UserID: owner.ID, TelegramID: "777000", IsActive: true}
	r := testRule(owner.ID)
	r.NotifyEmail = false

	bot := &fakeBot{}
	d := NewDispatcher(&fakeUsers{user: owner}, &fakeSessions{sess: sess}, nil, bot, zerolog.Nop())

	res := d.Dispatch(context.Background(), r, upstream.Event{Body: "bitcoin"}, "bitcoin")
	if res.EmailOK {
		t.Error("EmailOK = true for a rule with the email channel off")
	}
	if !res.BotOK {
		t.Fatal("BotOK = false, want delivery via session fallback")
	}
	if bot.chatID != 777000 {
		t.Errorf("bot chat id = %d, want 777000", bot.chatID)
	}
}

func TestDispatchEmailFailureDoesNotBlockBot(t *testing.T) {
	t.Parallel()

	botChat := int64(42)
	owner := &user.User{ID: uuid.New(), Email: "carol@example.com", BotChatID: &botChat}
	r := testRule(owner.ID)

	email := &fakeEmail{err: errors.New("smtp unreachable")}
	bot := &fakeBot{}
	d := NewDispatcher(&fakeUsers{user: owner}, &fakeSessions{}, email, bot, zerolog.Nop())

	res := d.Dispatch(context.Background(), r, upstream.Event{Body: "bitcoin"}, "bitcoin")
	if res.EmailOK {
		t.Error("EmailOK = true despite send failure")
	}
	if !res.BotOK {
		t.Error("BotOK = false, want bot delivery to proceed after email failure")
	}
}

func TestDispatchSkipsUnconfiguredChannels(t *testing.T) {
	t.Parallel()

	owner := &user.User{ID: uuid.New(), Email: "dave@example.com"}
	r := testRule(owner.ID)

	d := NewDispatcher(&fakeUsers{user: owner}, &fakeSessions{}, nil, nil, zerolog.Nop())

	res := d.Dispatch(context.Background(), r, upstream.Event{Body: "bitcoin"}, "bitcoin")
	if res.EmailOK || res.BotOK {
		t.Errorf("Dispatch() = %+v, want nothing delivered without configured channels", res)
	}
}

func TestDispatchUnknownSender(t *testing.T) {
	t.Parallel()

	botChat := int64(9)
	owner := &user.User{ID: uuid.New(), Email: "eve@example.com", BotChatID: &botChat}
	r := testRule(owner.ID)
	r.NotifyEmail = false

	bot := &fakeBot{}
	d := NewDispatcher(&fakeUsers{user: owner}, &fakeSessions{}, nil, bot, zerolog.Nop())

	d.Dispatch(context.Background(), r, upstream.Event{Body: "bitcoin"}, "bitcoin")
	if !strings.Contains(bot.text, "@Unknown") {
		t.Errorf("bot message = %q, want anonymous sender shown as @Unknown", bot.text)
	}
}

func TestRenderBotMessageEscapesAndTruncates(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("x", botMessageLimit+500)
	got := renderBotMessage("bitcoin", "mallory<b>", long, "abcd1234")

	if !strings.Contains(got, "@mallory&lt;b&gt;") {
		t.Error("sender markup not escaped")
	}
	if !strings.Contains(got, strings.Repeat("x", botMessageLimit)) {
		t.Error("message truncated below the limit")
	}
	if strings.Contains(got, strings.Repeat("x", botMessageLimit+1)) {
		t.Error("message not truncated at the limit")
	}
}

func TestRenderAlertEmailEscapes(t *testing.T) {
	t.Parallel()

	got, err := renderAlertEmail([]string{"bitcoin", " eth "}, "whale", `<script>alert("x")</script>`)
	if err != nil {
		t.Fatalf("renderAlertEmail() error = %v", err)
	}
	if strings.Contains(got, "<script>") {
		t.Error("message markup not escaped")
	}
	for _, want := range []string{`<span class="badge">bitcoin</span>`, `<span class="badge">eth</span>`} {
		if !strings.Contains(got, want) {
			t.Errorf("rendered email missing %q", want)
		}
	}
}
