package user

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for the user package.
var ErrNotFound = errors.New("user not found")

// Roles a user row may carry. The worker never grants or checks admin rights; the column is read for completeness.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// User holds the identity fields the worker reads from the users table. The password hash is never selected; nothing
// in the worker authenticates users.
type User struct {
	ID         uuid.UUID
	Email      string
	Role       string
	FullName   *string
	BotChatID  *int64
	IsVerified bool
	CreatedAt  time.Time
}

// DisplayName returns the user's full name, or "User" when none is stored. Used in control-bot greetings.
func (u *User) DisplayName() string {
	if u.FullName != nil && *u.FullName != "" {
		return *u.FullName
	}
	return "User"
}

// Repository defines the data-access contract for user operations.
type Repository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*User, error)
	GetByBotChatID(ctx context.Context, chatID int64) (*User, error)
	SetBotChatID(ctx context.Context, userID uuid.UUID, chatID int64) error
}
