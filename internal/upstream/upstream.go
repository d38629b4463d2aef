// Package upstream connects monitored accounts to Telegram over MTProto. It exposes a small client surface the
// supervisor drives (liveness probes, dialog listing, reconnect) and delivers incoming messages as plain events, so
// nothing outside this package touches the wire protocol.
package upstream

import (
	"context"
	"errors"
)

// Sentinel errors for the upstream package.
var (
	// ErrSessionRevoked marks credentials Telegram has invalidated server-side. Recovery must not retry these;
	// the session row has to be deactivated and the owner re-onboarded through the dashboard.
	ErrSessionRevoked = errors.New("session revoked upstream")
	// ErrNotAuthorized means the session connected but Telegram no longer accepts its auth key, typically after
	// a logout from another device. Like a revocation it only clears when the owner re-authenticates.
	ErrNotAuthorized = errors.New("session not authorized")
	ErrNotConnected  = errors.New("client not connected")
)

// Event is one incoming message, already flattened from the wire format. Outgoing marks messages sent by the
// monitored account itself; the evaluator decides what to do with those, not the transport.
type Event struct {
	ChatID         int64
	MessageID      int
	SenderID       int64
	SenderUsername string
	Body           string
	Outgoing       bool
}

// Handler consumes incoming message events. Handlers run on the client's update goroutine and must not block for
// long; slow work belongs on the caller's side.
type Handler func(ctx context.Context, ev Event)

// Dialog is one entry of the account's dialog list.
type Dialog struct {
	ID       int64
	Title    string
	Username *string
	Type     string
}

// Dialog type labels, stored verbatim in the telegram_chats type column.
const (
	DialogUser    = "User"
	DialogGroup   = "Group"
	DialogChannel = "Channel"
)

// Credentials identifies one monitored account.
type Credentials struct {
	APIID         int
	APIHash       string
	SessionString string
}

// Client is a live MTProto connection for one account.
type Client interface {
	// Connected reports whether the update loop is running. It is a cheap local check; pair it with WhoAmI to
	// verify the connection actually answers.
	Connected() bool
	// Authorized reports whether Telegram still accepts the session's auth key.
	Authorized(ctx context.Context) (bool, error)
	// WhoAmI round-trips a self lookup, proving the connection is answering requests.
	WhoAmI(ctx context.Context) error
	// Dialogs returns up to limit of the account's most recent dialogs.
	Dialogs(ctx context.Context, limit int) ([]Dialog, error)
	// Reconnect tears the connection down and dials again with the same credentials.
	Reconnect(ctx context.Context) error
	Close() error
}

// Dialer opens Clients. The message handler is attached before the first update can arrive.
type Dialer interface {
	Dial(ctx context.Context, creds Credentials, onMessage Handler) (Client, error)
}
