package rule

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for the rule package.
var (
	ErrNotFound      = errors.New("rule not found")
	ErrNoKeywords    = errors.New("rule requires at least one keyword")
	ErrOwnerNotFound = errors.New("rule owner not found")
)

// DefaultSourceName labels rules that match every chat.
const DefaultSourceName = "All Chats"

// Rule is one keyword listener. Keywords are trigger patterns (substrings, or regexes when IsRegex is set);
// ExcludedKeywords are case-insensitive substrings that veto a match. SourceID narrows the rule to a single chat when
// non-nil. WebhookURL is a reserved delivery target carried in storage but never dispatched to.
type Rule struct {
	ID               uuid.UUID
	UserID           uuid.UUID
	SourceID         *int64
	SourceName       string
	Keywords         []string
	ExcludedKeywords []string
	IsRegex          bool
	NotifyEmail      bool
	NotifyBot        bool
	WebhookURL       *string
	IsPaused         bool
	TriggerCount     int
	CreatedAt        time.Time
}

// ShortID returns the first eight characters of the rule id, the display form used in control-bot replies and alert
// footers.
func (r *Rule) ShortID() string {
	return r.ID.String()[:8]
}

// KeywordString returns the keywords joined with ", " for subjects, alert bodies, and listings.
func (r *Rule) KeywordString() string {
	return strings.Join(r.Keywords, ", ")
}

// ValidateKeywords checks that at least one keyword is non-empty after trimming.
func ValidateKeywords(keywords []string) error {
	for _, k := range keywords {
		if strings.TrimSpace(k) != "" {
			return nil
		}
	}
	return ErrNoKeywords
}

// CreateParams groups the inputs for creating a new rule.
type CreateParams struct {
	UserID           uuid.UUID
	Keywords         []string
	ExcludedKeywords []string
	SourceID         *int64
	SourceName       string
	IsRegex          bool
	NotifyEmail      bool
	NotifyBot        bool
}

// Repository defines the data-access contract for rule operations.
type Repository interface {
	ListActiveForUser(ctx context.Context, userID uuid.UUID) ([]Rule, error)
	ListForUser(ctx context.Context, userID uuid.UUID) ([]Rule, error)
	Create(ctx context.Context, params CreateParams) (*Rule, error)
	FindByIDPrefix(ctx context.Context, userID uuid.UUID, prefix string) (*Rule, error)
	DeleteCascade(ctx context.Context, id uuid.UUID) error
	IncrementTriggerCount(ctx context.Context, id uuid.UUID) error
}
