package session

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for the session package.
var ErrNotFound = errors.New("session not found")

// Session is one user's platform login. SessionString is the opaque serialized credential produced when the user
// linked their account; the worker passes it to the upstream client verbatim and never rewrites it.
type Session struct {
	ID            uuid.UUID
	UserID        uuid.UUID
	SessionString string
	PhoneNumber   string
	TelegramID    string
	IsActive      bool
	CreatedAt     time.Time
}

// TelegramUserID parses the stringified platform user id. The second return is false when the column is empty or not
// numeric.
func (s *Session) TelegramUserID() (int64, bool) {
	if s.TelegramID == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(s.TelegramID, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// Repository defines the data-access contract for platform sessions. The worker only ever reads sessions and clears
// the active flag; creation and deletion belong to the HTTP API.
type Repository interface {
	ListActive(ctx context.Context) ([]Session, error)
	GetActiveForUser(ctx context.Context, userID uuid.UUID) (*Session, error)
	GetByTelegramID(ctx context.Context, telegramID string) (*Session, error)
	MarkInactive(ctx context.Context, id uuid.UUID) error
}
