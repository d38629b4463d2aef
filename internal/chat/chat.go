// Package chat mirrors each account's recent Telegram dialogs. The supervisor refreshes the mirror on session
// startup; the control bot resolves @handle arguments against it so rule creation never needs a live Telegram lookup.
package chat

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no synced chat matches a lookup.
var ErrNotFound = errors.New("chat not found")

// SyncedChat is one mirrored dialog. ID is the Telegram peer id, unique per owner; Username is nil for peers
// without a public handle. Type is one of "User", "Group" or "Channel".
type SyncedChat struct {
	ID       int64
	UserID   uuid.UUID
	Title    string
	Type     string
	Username *string
}

// Repository defines the data-access contract for the dialog mirror.
type Repository interface {
	Replace(ctx context.Context, userID uuid.UUID, chats []SyncedChat) error
	FindByHandle(ctx context.Context, userID uuid.UUID, handle string) (*SyncedChat, error)
}
