package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tele-guard/teleguard-worker/internal/auditlog"
	"github.com/tele-guard/teleguard-worker/internal/chat"
	"github.com/tele-guard/teleguard-worker/internal/evaluator"
	"github.com/tele-guard/teleguard-worker/internal/notify"
	"github.com/tele-guard/teleguard-worker/internal/rule"
	"github.com/tele-guard/teleguard-worker/internal/session"
	"github.com/tele-guard/teleguard-worker/internal/upstream"
)

type fakeSessionStore struct {
	mu       sync.Mutex
	active   []session.Session
	inactive []uuid.UUID
	listErr  error
}

func (f *fakeSessionStore) ListActive(context.Context) ([]session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]session.Session, len(f.active))
	copy(out, f.active)
	return out, nil
}

func (f *fakeSessionStore) GetActiveForUser(context.Context, uuid.UUID) (*session.Session, error) {
	return nil, session.ErrNotFound
}

func (f *fakeSessionStore) GetByTelegramID(context.Context, string) (*session.Session, error) {
	return nil, session.ErrNotFound
}

func (f *fakeSessionStore) MarkInactive(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inactive = append(f.inactive, id)
	kept := f.active[:0]
	for _, s := range f.active {
		if s.ID != id {
			kept = append(kept, s)
		}
	}
	f.active = kept
	return nil
}

func (f *fakeSessionStore) remove(id uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.active[:0]
	for _, s := range f.active {
		if s.ID != id {
			kept = append(kept, s)
		}
	}
	f.active = kept
}

func (f *fakeSessionStore) inactiveIDs() []uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]uuid.UUID, len(f.inactive))
	copy(out, f.inactive)
	return out
}

type fakeRuleStore struct {
	mu          sync.Mutex
	rules       []rule.Rule
	incremented []uuid.UUID
}

func (f *fakeRuleStore) ListActiveForUser(_ context.Context, userID uuid.UUID) ([]rule.Rule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []rule.Rule
	for _, r := range f.rules {
		if r.UserID == userID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeRuleStore) ListForUser(ctx context.Context, userID uuid.UUID) ([]rule.Rule, error) {
	return f.ListActiveForUser(ctx, userID)
}

func (f *fakeRuleStore) Create(context.Context, rule.CreateParams) (*rule.Rule, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeRuleStore) FindByIDPrefix(context.Context, uuid.UUID, string) (*rule.Rule, error) {
	return nil, rule.ErrNotFound
}

func (f *fakeRuleStore) DeleteCascade(context.Context, uuid.UUID) error { return nil }

func (f *fakeRuleStore) IncrementTriggerCount(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.incremented = append(f.incremented, id)
	return nil
}

type fakeAuditStore struct {
	mu      sync.Mutex
	entries []auditlog.AppendParams
}

func (f *fakeAuditStore) Append(_ context.Context, params auditlog.AppendParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, params)
	return nil
}

func (f *fakeAuditStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

type fakeChatStore struct {
	mu       sync.Mutex
	replaced map[uuid.UUID][]chat.SyncedChat
}

func (f *fakeChatStore) Replace(_ context.Context, userID uuid.UUID, chats []chat.SyncedChat) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.replaced == nil {
		f.replaced = make(map[uuid.UUID][]chat.SyncedChat)
	}
	f.replaced[userID] = chats
	return nil
}

func (f *fakeChatStore) FindByHandle(context.Context, uuid.UUID, string) (*chat.SyncedChat, error) {
	return nil, chat.ErrNotFound
}

func (f *fakeChatStore) chatsFor(userID uuid.UUID) []chat.SyncedChat {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.replaced[userID]
}

type fakeClient struct {
	mu           sync.Mutex
	connected    bool
	authorized   bool
	whoAmIErr    error
	reconnectErr error
	dialogs      []upstream.Dialog
	reconnects   int
	closed       bool
}

func (c *fakeClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) Authorized(context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authorized, nil
}

func (c *fakeClient) WhoAmI(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.whoAmIErr
}

func (c *fakeClient) Dialogs(context.Context, int) ([]upstream.Dialog, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dialogs, nil
}

func (c *fakeClient) Reconnect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconnects++
	if c.reconnectErr != nil {
		return c.reconnectErr
	}
	c.connected = true
	c.whoAmIErr = nil
	return nil
}

func (c *fakeClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.connected = false
	return nil
}

func (c *fakeClient) set(fn func(*fakeClient)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c)
}

func (c *fakeClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeClient) reconnectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnects
}

type fakeDialer struct {
	mu       sync.Mutex
	err      error
	dialogs  []upstream.Dialog
	clients  []*fakeClient
	handlers []upstream.Handler
	block    chan struct{}
}

func (f *fakeDialer) Dial(_ context.Context, _ upstream.Credentials, onMessage upstream.Handler) (upstream.Client, error) {
	f.mu.Lock()
	block := f.block
	f.mu.Unlock()
	if block != nil {
		<-block
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		f.clients = append(f.clients, nil)
		return nil, f.err
	}
	c := &fakeClient{connected: true, authorized: true, dialogs: f.dialogs}
	f.clients = append(f.clients, c)
	f.handlers = append(f.handlers, onMessage)
	return c, nil
}

func (f *fakeDialer) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

func (f *fakeDialer) client(i int) *fakeClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.clients) {
		return nil
	}
	return f.clients[i]
}

func (f *fakeDialer) handler(i int) upstream.Handler {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.handlers) {
		return nil
	}
	return f.handlers[i]
}

type dispatchCall struct {
	ruleID  uuid.UUID
	trigger string
	body    string
}

type fakeDispatcher struct {
	mu     sync.Mutex
	calls  []dispatchCall
	result notify.Result
}

func (f *fakeDispatcher) Dispatch(_ context.Context, r rule.Rule, ev upstream.Event, trigger string) notify.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, dispatchCall{ruleID: r.ID, trigger: trigger, body: ev.Body})
	return f.result
}

func (f *fakeDispatcher) callList() []dispatchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]dispatchCall, len(f.calls))
	copy(out, f.calls)
	return out
}

type fixture struct {
	sup      *Supervisor
	sessions *fakeSessionStore
	rules    *fakeRuleStore
	audits   *fakeAuditStore
	chats    *fakeChatStore
	dialer   *fakeDialer
	dispatch *fakeDispatcher
}

func newFixture(active ...session.Session) *fixture {
	fx := &fixture{
		sessions: &fakeSessionStore{active: active},
		rules:    &fakeRuleStore{},
		audits:   &fakeAuditStore{},
		chats:    &fakeChatStore{},
		dialer:   &fakeDialer{},
		dispatch: &fakeDispatcher{result: notify.Result{EmailOK: true, BotOK: true}},
	}
	eval := evaluator.New(nil, zerolog.Nop())
	fx.sup = New(fx.dialer, 12345, "hash", fx.sessions, fx.rules, fx.audits, fx.chats, eval, fx.dispatch, zerolog.Nop())
	return fx
}

func testSession(userID uuid.UUID) session.Session {
	return session.Session{
		ID:            uuid.New(),
		UserID:        userID,
		SessionString: "1BVtsOHwBu0example",
		TelegramID:    "123456789",
		IsActive:      true,
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timeout waiting for condition")
}

func TestReconcileStartsClients(t *testing.T) {
	t.Parallel()

	userA, userB := uuid.New(), uuid.New()
	fx := newFixture(testSession(userA), testSession(userB))
	handle := "whale_alerts"
	fx.dialer.dialogs = []upstream.Dialog{
		{ID: -1001234, Title: "Whale Alerts", Username: &handle, Type: upstream.DialogChannel},
	}

	fx.sup.reconcile(context.Background())

	waitFor(t, func() bool { return fx.dialer.dialCount() == 2 })
	waitFor(t, func() bool { return fx.chats.chatsFor(userA) != nil && fx.chats.chatsFor(userB) != nil })

	if got := fx.sup.ClientCount(); got != 2 {
		t.Errorf("ClientCount() = %d, want 2", got)
	}
	synced := fx.chats.chatsFor(userA)
	if len(synced) != 1 {
		t.Fatalf("synced chats = %d, want 1", len(synced))
	}
	if synced[0].ID != -1001234 || synced[0].UserID != userA || synced[0].Type != "Channel" {
		t.Errorf("synced chat = %+v", synced[0])
	}
	if synced[0].Username == nil || *synced[0].Username != "whale_alerts" {
		t.Errorf("synced username = %v, want whale_alerts", synced[0].Username)
	}
}

func TestReconcileDoesNotDoubleDial(t *testing.T) {
	t.Parallel()

	fx := newFixture(testSession(uuid.New()))
	fx.dialer.block = make(chan struct{})

	ctx := context.Background()
	fx.sup.reconcile(ctx)
	fx.sup.reconcile(ctx)

	time.Sleep(50 * time.Millisecond)
	close(fx.dialer.block)

	waitFor(t, func() bool { return fx.dialer.dialCount() == 1 })
	time.Sleep(50 * time.Millisecond)
	if got := fx.dialer.dialCount(); got != 1 {
		t.Errorf("dial count = %d, want 1", got)
	}
}

func TestReconcileClosesDeactivatedSessions(t *testing.T) {
	t.Parallel()

	sess := testSession(uuid.New())
	fx := newFixture(sess)

	ctx := context.Background()
	fx.sup.reconcile(ctx)
	waitFor(t, func() bool { return fx.dialer.dialCount() == 1 && fx.sup.ClientCount() == 1 })
	client := fx.dialer.client(0)
	waitFor(t, func() bool {
		fx.sup.mu.Lock()
		defer fx.sup.mu.Unlock()
		sl := fx.sup.slots[sess.ID]
		return sl != nil && sl.state == stateRunning
	})

	fx.sessions.remove(sess.ID)
	fx.sup.reconcile(ctx)

	if !client.isClosed() {
		t.Error("client not closed after session deactivation")
	}
	if got := fx.sup.ClientCount(); got != 0 {
		t.Errorf("ClientCount() = %d, want 0", got)
	}
}

func TestDialRevokedDeactivatesSession(t *testing.T) {
	t.Parallel()

	sess := testSession(uuid.New())
	fx := newFixture(sess)
	fx.dialer.err = fmt.Errorf("%w: AUTH_KEY_DUPLICATED", upstream.ErrSessionRevoked)

	ctx := context.Background()
	fx.sup.reconcile(ctx)
	waitFor(t, func() bool { return len(fx.sessions.inactiveIDs()) == 1 })

	if ids := fx.sessions.inactiveIDs(); ids[0] != sess.ID {
		t.Errorf("deactivated session = %v, want %v", ids[0], sess.ID)
	}

	// The session is inactive now, so the next pass must not redial it.
	fx.sup.reconcile(ctx)
	time.Sleep(50 * time.Millisecond)
	if got := fx.dialer.dialCount(); got != 1 {
		t.Errorf("dial count = %d, want 1", got)
	}
	if got := fx.sup.ClientCount(); got != 0 {
		t.Errorf("ClientCount() = %d, want 0", got)
	}
}

func TestDialTransientErrorRetriesNextTick(t *testing.T) {
	t.Parallel()

	fx := newFixture(testSession(uuid.New()))
	fx.dialer.err = errors.New("dial tcp: i/o timeout")

	ctx := context.Background()
	fx.sup.reconcile(ctx)
	waitFor(t, func() bool { return fx.dialer.dialCount() == 1 && fx.sup.ClientCount() == 0 })

	fx.sup.reconcile(ctx)
	waitFor(t, func() bool { return fx.dialer.dialCount() == 2 })

	if ids := fx.sessions.inactiveIDs(); len(ids) != 0 {
		t.Errorf("transient dial failure deactivated sessions: %v", ids)
	}
}

func runningFixture(t *testing.T, sess session.Session) *fixture {
	t.Helper()
	fx := newFixture(sess)
	fx.sup.reconcile(context.Background())
	waitFor(t, func() bool {
		fx.sup.mu.Lock()
		defer fx.sup.mu.Unlock()
		sl := fx.sup.slots[sess.ID]
		return sl != nil && sl.state == stateRunning
	})
	return fx
}

func TestLivenessProbeFailureTriggersReconnect(t *testing.T) {
	t.Parallel()

	sess := testSession(uuid.New())
	fx := runningFixture(t, sess)
	client := fx.dialer.client(0)
	client.set(func(c *fakeClient) { c.whoAmIErr = errors.New("rpc timeout") })

	fx.sup.reconcile(context.Background())

	if got := client.reconnectCount(); got != 1 {
		t.Errorf("reconnects = %d, want 1", got)
	}
	if ids := fx.sessions.inactiveIDs(); len(ids) != 0 {
		t.Errorf("transient probe failure deactivated sessions: %v", ids)
	}
	if got := fx.sup.ClientCount(); got != 1 {
		t.Errorf("ClientCount() = %d, want 1", got)
	}
}

func TestLivenessDisconnectedClientReconnects(t *testing.T) {
	t.Parallel()

	sess := testSession(uuid.New())
	fx := runningFixture(t, sess)
	client := fx.dialer.client(0)
	client.set(func(c *fakeClient) { c.connected = false })

	fx.sup.reconcile(context.Background())

	if got := client.reconnectCount(); got != 1 {
		t.Errorf("reconnects = %d, want 1", got)
	}
	if !client.Connected() {
		t.Error("client not connected after reconnect")
	}
}

func TestLivenessReconnectFailureDropsSlot(t *testing.T) {
	t.Parallel()

	sess := testSession(uuid.New())
	fx := runningFixture(t, sess)
	client := fx.dialer.client(0)
	client.set(func(c *fakeClient) {
		c.connected = false
		c.reconnectErr = errors.New("dial tcp: connection refused")
	})

	ctx := context.Background()
	fx.sup.reconcile(ctx)

	if !client.isClosed() {
		t.Error("client not closed after failed reconnect")
	}
	if got := fx.sup.ClientCount(); got != 0 {
		t.Errorf("ClientCount() = %d, want 0", got)
	}
	if ids := fx.sessions.inactiveIDs(); len(ids) != 0 {
		t.Errorf("transient reconnect failure deactivated sessions: %v", ids)
	}

	// The session is still active, so the next tick dials from scratch.
	fx.sup.reconcile(ctx)
	waitFor(t, func() bool { return fx.dialer.dialCount() == 2 })
}

func TestLivenessRevokedProbeTearsDown(t *testing.T) {
	t.Parallel()

	sess := testSession(uuid.New())
	fx := runningFixture(t, sess)
	client := fx.dialer.client(0)
	client.set(func(c *fakeClient) {
		c.whoAmIErr = fmt.Errorf("%w: SESSION_REVOKED", upstream.ErrSessionRevoked)
	})

	ctx := context.Background()
	fx.sup.reconcile(ctx)

	if !client.isClosed() {
		t.Error("revoked client not closed")
	}
	if ids := fx.sessions.inactiveIDs(); len(ids) != 1 || ids[0] != sess.ID {
		t.Errorf("inactive sessions = %v, want [%v]", ids, sess.ID)
	}

	fx.sup.reconcile(ctx)
	time.Sleep(50 * time.Millisecond)
	if got := fx.dialer.dialCount(); got != 1 {
		t.Errorf("dial count after revocation = %d, want 1", got)
	}
}

func TestLivenessUnauthorizedAfterReconnectDeactivates(t *testing.T) {
	t.Parallel()

	sess := testSession(uuid.New())
	fx := runningFixture(t, sess)
	client := fx.dialer.client(0)
	client.set(func(c *fakeClient) {
		c.connected = false
		c.authorized = false
	})

	fx.sup.reconcile(context.Background())

	if got := client.reconnectCount(); got != 1 {
		t.Errorf("reconnects = %d, want 1", got)
	}
	if !client.isClosed() {
		t.Error("unauthorized client not closed")
	}
	if ids := fx.sessions.inactiveIDs(); len(ids) != 1 {
		t.Errorf("inactive sessions = %v, want one entry", ids)
	}
}

func TestIncomingMessageDispatchesAndRecords(t *testing.T) {
	t.Parallel()

	userID := uuid.New()
	sess := testSession(userID)
	fx := newFixture(sess)
	r := rule.Rule{
		ID:          uuid.New(),
		UserID:      userID,
		Keywords:    []string{"bitcoin"},
		SourceName:  rule.DefaultSourceName,
		NotifyEmail: true,
		NotifyBot:   true,
	}
	fx.rules.rules = []rule.Rule{r}
	fx.dispatch.result = notify.Result{EmailOK: true, BotOK: false}

	fx.sup.reconcile(context.Background())
	waitFor(t, func() bool { return fx.dialer.handler(0) != nil })

	fx.dialer.handler(0)(context.Background(), upstream.Event{
		ChatID:         -100500,
		MessageID:      42,
		SenderID:       111,
		SenderUsername: "whale_alerts",
		Body:           "Bitcoin just broke its all-time high",
	})

	waitFor(t, func() bool { return fx.audits.count() == 1 })

	calls := fx.dispatch.callList()
	if len(calls) != 1 {
		t.Fatalf("dispatch calls = %d, want 1", len(calls))
	}
	if calls[0].ruleID != r.ID || calls[0].trigger != "bitcoin" {
		t.Errorf("dispatch call = %+v", calls[0])
	}

	fx.audits.mu.Lock()
	entry := fx.audits.entries[0]
	fx.audits.mu.Unlock()
	if entry.AlertID != r.ID || entry.UserID != userID {
		t.Errorf("audit entry ids = %+v", entry)
	}
	if entry.DetectedKeyword != "bitcoin" {
		t.Errorf("DetectedKeyword = %q, want %q", entry.DetectedKeyword, "bitcoin")
	}
	if entry.MessageContent != "Bitcoin just broke its all-time high" {
		t.Errorf("MessageContent = %q", entry.MessageContent)
	}
	if !entry.DispatchedToEmail || entry.DispatchedToBot {
		t.Errorf("dispatch flags = email %v bot %v, want email only", entry.DispatchedToEmail, entry.DispatchedToBot)
	}

	fx.rules.mu.Lock()
	incremented := len(fx.rules.incremented)
	fx.rules.mu.Unlock()
	if incremented != 1 {
		t.Errorf("trigger count increments = %d, want 1", incremented)
	}
}

func TestRunStopsAndClosesClients(t *testing.T) {
	t.Parallel()

	sess := testSession(uuid.New())
	fx := newFixture(sess)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- fx.sup.Run(ctx) }()

	waitFor(t, func() bool {
		fx.sup.mu.Lock()
		defer fx.sup.mu.Unlock()
		sl := fx.sup.slots[sess.ID]
		return sl != nil && sl.state == stateRunning
	})
	client := fx.dialer.client(0)

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for Run to stop")
	}

	if !client.isClosed() {
		t.Error("client not closed on shutdown")
	}
	if got := fx.sup.ClientCount(); got != 0 {
		t.Errorf("ClientCount() = %d, want 0", got)
	}
}
