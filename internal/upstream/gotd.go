package upstream

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/updates"
	updhook "github.com/gotd/td/telegram/updates/hook"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"github.com/rs/zerolog"
)

// connectTimeout bounds how long a dial may spend connecting and catching up on update state before the attempt is
// abandoned and left for the next supervisor pass.
const connectTimeout = time.Minute

// channelMarkOffset converts a bare channel id into the marked form (-100xxxxxxxxxx) the rest of the system uses,
// so source filters and synced chats compare equal to what the dashboard stores.
const channelMarkOffset int64 = 1_000_000_000_000

// GotdDialer opens MTProto clients from stored string sessions.
type GotdDialer struct {
	log zerolog.Logger
}

// NewGotdDialer creates a Dialer backed by the gotd MTProto implementation.
func NewGotdDialer(logger zerolog.Logger) *GotdDialer {
	return &GotdDialer{log: logger.With().Str("component", "upstream").Logger()}
}

// Dial parses the Telethon-format session string, connects and waits until the update stream is live. The session
// is held in memory only; nothing is ever written back to the credential store. Returns ErrNotAuthorized when
// Telegram no longer accepts the auth key and ErrSessionRevoked when the key was invalidated server-side.
func (d *GotdDialer) Dial(ctx context.Context, creds Credentials, onMessage Handler) (Client, error) {
	data, err := session.TelethonSession(strings.TrimSpace(creds.SessionString))
	if err != nil {
		return nil, fmt.Errorf("parse session string: %w", err)
	}

	storage := new(session.StorageMemory)
	loader := session.Loader{Storage: storage}
	if err := loader.Save(ctx, data); err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	c := &gotdClient{
		creds:     creds,
		onMessage: onMessage,
		storage:   storage,
		log:       d.log,
	}
	if err := c.start(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// gotdClient is one live MTProto connection. The underlying telegram.Client cannot be re-run after its Run loop
// exits, so Reconnect rebuilds the runtime on the same in-memory session storage, which keeps any server salt or
// DC migration Telegram pushed since the original login.
type gotdClient struct {
	creds     Credentials
	onMessage Handler
	storage   *session.StorageMemory
	log       zerolog.Logger

	mu        sync.Mutex
	client    *telegram.Client
	connected bool
	selfID    int64
	runCancel context.CancelFunc
	runDone   chan struct{}
}

// start builds a fresh client runtime, launches its Run loop in the background and blocks until the update stream
// reports ready, the loop fails, or the timeout expires.
func (c *gotdClient) start(ctx context.Context) error {
	ctx, cancelWait := context.WithTimeout(ctx, connectTimeout)
	defer cancelWait()

	dispatcher := tg.NewUpdateDispatcher()
	dispatcher.OnNewMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateNewMessage) error {
		c.emit(ctx, e, u.Message)
		return nil
	})
	dispatcher.OnNewChannelMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateNewChannelMessage) error {
		c.emit(ctx, e, u.Message)
		return nil
	})

	gaps := updates.New(updates.Config{Handler: dispatcher})
	client := telegram.NewClient(c.creds.APIID, c.creds.APIHash, telegram.Options{
		SessionStorage: c.storage,
		UpdateHandler:  gaps,
		Middlewares: []telegram.Middleware{
			updhook.UpdateHook(gaps.Handle),
		},
		OnDead: func() {
			c.log.Debug().Msg("Transport reported dead, relying on internal reconnect")
		},
	})

	// The run context deliberately outlives the dial context: the connection keeps running after Dial returns.
	runCtx, runCancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	ready := make(chan error, 1)

	go func() {
		defer close(done)
		err := client.Run(runCtx, func(cbCtx context.Context) error {
			status, err := client.Auth().Status(cbCtx)
			if err != nil {
				return fmt.Errorf("auth status: %w", err)
			}
			if !status.Authorized {
				return ErrNotAuthorized
			}

			self, err := client.Self(cbCtx)
			if err != nil {
				return fmt.Errorf("whoami: %w", err)
			}
			c.mu.Lock()
			c.connected = true
			c.selfID = self.ID
			c.mu.Unlock()

			return gaps.Run(cbCtx, client.API(), self.ID, updates.AuthOptions{
				OnStart: func(context.Context) {
					select {
					case ready <- nil:
					default:
					}
				},
			})
		})

		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()

		if err != nil {
			err = classifyTelegramError(err)
			select {
			case ready <- err:
			default:
				// The dial already completed; the failure surfaces through the next liveness probe.
				c.log.Warn().Err(err).Msg("Client run loop exited")
			}
		}
	}()

	c.mu.Lock()
	c.client = client
	c.runCancel = runCancel
	c.runDone = done
	c.mu.Unlock()

	select {
	case err := <-ready:
		if err != nil {
			runCancel()
			<-done
			return err
		}
		return nil
	case <-ctx.Done():
		runCancel()
		<-done
		return fmt.Errorf("connect: %w", ctx.Err())
	}
}

// stopRun cancels the current run loop and waits for it to unwind. Safe to call repeatedly.
func (c *gotdClient) stopRun() {
	c.mu.Lock()
	cancel := c.runCancel
	done := c.runDone
	c.runCancel = nil
	c.runDone = nil
	c.client = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Connected reports whether the run loop is live. Transient transport drops are healed internally by the client,
// so this only goes false once the loop has exited for good.
func (c *gotdClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Authorized asks Telegram whether the session's auth key is still accepted.
func (c *gotdClient) Authorized(ctx context.Context) (bool, error) {
	cl := c.current()
	if cl == nil {
		return false, ErrNotConnected
	}
	status, err := cl.Auth().Status(ctx)
	if err != nil {
		return false, classifyTelegramError(fmt.Errorf("auth status: %w", err))
	}
	return status.Authorized, nil
}

// WhoAmI proves the connection answers requests by fetching the account's own user record.
func (c *gotdClient) WhoAmI(ctx context.Context) error {
	cl := c.current()
	if cl == nil || !c.Connected() {
		return ErrNotConnected
	}
	if _, err := cl.Self(ctx); err != nil {
		return classifyTelegramError(fmt.Errorf("whoami: %w", err))
	}
	return nil
}

// Dialogs fetches up to limit of the account's most recent dialogs, flattened to the marked-id convention.
func (c *gotdClient) Dialogs(ctx context.Context, limit int) ([]Dialog, error) {
	cl := c.current()
	if cl == nil || !c.Connected() {
		return nil, ErrNotConnected
	}

	res, err := cl.API().MessagesGetDialogs(ctx, &tg.MessagesGetDialogsRequest{
		Limit:      limit,
		OffsetPeer: &tg.InputPeerEmpty{},
	})
	if err != nil {
		return nil, classifyTelegramError(fmt.Errorf("get dialogs: %w", err))
	}

	var (
		raw      []tg.DialogClass
		users    = make(map[int64]*tg.User)
		chats    = make(map[int64]*tg.Chat)
		channels = make(map[int64]*tg.Channel)
	)
	switch v := res.(type) {
	case *tg.MessagesDialogs:
		raw = v.Dialogs
		indexUsers(v.Users, users)
		indexChats(v.Chats, chats, channels)
	case *tg.MessagesDialogsSlice:
		raw = v.Dialogs
		indexUsers(v.Users, users)
		indexChats(v.Chats, chats, channels)
	default:
		return nil, nil
	}

	out := make([]Dialog, 0, len(raw))
	for _, dc := range raw {
		d, ok := dc.(*tg.Dialog)
		if !ok {
			continue
		}
		switch p := d.Peer.(type) {
		case *tg.PeerUser:
			u := users[p.UserID]
			if u == nil {
				continue
			}
			out = append(out, Dialog{
				ID:       p.UserID,
				Title:    userDisplayTitle(u),
				Type:     DialogUser,
				Username: optionalUsername(u.Username),
			})
		case *tg.PeerChat:
			ch := chats[p.ChatID]
			if ch == nil {
				continue
			}
			out = append(out, Dialog{
				ID:    -p.ChatID,
				Title: titleOrUnknown(ch.Title),
				Type:  DialogGroup,
			})
		case *tg.PeerChannel:
			ch := channels[p.ChannelID]
			if ch == nil {
				continue
			}
			typ := DialogChannel
			if ch.Megagroup {
				typ = DialogGroup
			}
			out = append(out, Dialog{
				ID:       -(channelMarkOffset + p.ChannelID),
				Title:    titleOrUnknown(ch.Title),
				Type:     typ,
				Username: optionalUsername(ch.Username),
			})
		}
	}
	return out, nil
}

// Reconnect tears down the current runtime and dials again on the same session storage.
func (c *gotdClient) Reconnect(ctx context.Context) error {
	c.stopRun()
	return c.start(ctx)
}

// Close shuts the connection down for good.
func (c *gotdClient) Close() error {
	c.stopRun()
	return nil
}

func (c *gotdClient) current() *telegram.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client
}

func (c *gotdClient) self() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selfID
}

// emit flattens one raw update into an Event and hands it to the attached handler. Outgoing messages are passed
// through with the flag set; suppression is the evaluator's call.
func (c *gotdClient) emit(ctx context.Context, e tg.Entities, m tg.MessageClass) {
	msg, ok := m.(*tg.Message)
	if !ok {
		return
	}

	ev := Event{
		ChatID:    peerID(msg.PeerID),
		MessageID: msg.ID,
		SenderID:  c.senderID(msg),
		Body:      msg.Message,
		Outgoing:  msg.Out,
	}
	if u, ok := e.Users[ev.SenderID]; ok {
		ev.SenderUsername = u.Username
	}
	c.onMessage(ctx, ev)
}

// senderID resolves who wrote the message. FromID is absent for plain private messages, where the sender is the
// peer itself for incoming and the account for outgoing.
func (c *gotdClient) senderID(msg *tg.Message) int64 {
	if from, ok := msg.GetFromID(); ok {
		return peerID(from)
	}
	if msg.Out {
		return c.self()
	}
	if p, ok := msg.PeerID.(*tg.PeerUser); ok {
		return p.UserID
	}
	return 0
}

// peerID maps a raw peer to the marked-id convention: users positive, small groups negated, channels offset
// below -10^12.
func peerID(p tg.PeerClass) int64 {
	switch v := p.(type) {
	case *tg.PeerUser:
		return v.UserID
	case *tg.PeerChat:
		return -v.ChatID
	case *tg.PeerChannel:
		return -(channelMarkOffset + v.ChannelID)
	}
	return 0
}

func indexUsers(list []tg.UserClass, into map[int64]*tg.User) {
	for _, uc := range list {
		if u, ok := uc.(*tg.User); ok {
			into[u.ID] = u
		}
	}
}

func indexChats(list []tg.ChatClass, chats map[int64]*tg.Chat, channels map[int64]*tg.Channel) {
	for _, cc := range list {
		switch v := cc.(type) {
		case *tg.Chat:
			chats[v.ID] = v
		case *tg.Channel:
			channels[v.ID] = v
		}
	}
}

func userDisplayTitle(u *tg.User) string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name != "" {
		return name
	}
	if u.Username != "" {
		return u.Username
	}
	return "Unknown"
}

func titleOrUnknown(title string) string {
	if title == "" {
		return "Unknown"
	}
	return title
}

func optionalUsername(username string) *string {
	if username == "" {
		return nil
	}
	return &username
}

// classifyTelegramError maps upstream failures onto the package sentinels. AUTH_KEY_DUPLICATED is what Telegram
// returns when the exported session was also used elsewhere; older server builds phrase it as an IP-address clash.
func classifyTelegramError(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case tgerr.Is(err, "AUTH_KEY_DUPLICATED", "SESSION_REVOKED", "SESSION_EXPIRED"):
		return fmt.Errorf("%w: %s", ErrSessionRevoked, err)
	case strings.Contains(err.Error(), "used under two different IP addresses"):
		return fmt.Errorf("%w: %s", ErrSessionRevoked, err)
	case tgerr.Is(err, "AUTH_KEY_UNREGISTERED"):
		return fmt.Errorf("%w: %s", ErrNotAuthorized, err)
	}
	return err
}
