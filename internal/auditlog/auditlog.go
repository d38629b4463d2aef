// Package auditlog records every triggered alert. Entries are written after dispatch regardless of delivery outcome,
// so the dashboard history reflects what fired rather than what was delivered.
package auditlog

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// maxContentRunes caps the stored message excerpt.
const maxContentRunes = 500

// Entry is one row of alert history.
type Entry struct {
	ID                uuid.UUID
	AlertID           *uuid.UUID
	UserID            *uuid.UUID
	MessageContent    string
	DetectedKeyword   string
	DispatchedToEmail bool
	DispatchedToBot   bool
	CreatedAt         time.Time
}

// AppendParams groups the inputs for recording a triggered alert. DetectedKeyword is the trigger that actually
// matched, not the rule's whole keyword list.
type AppendParams struct {
	AlertID           uuid.UUID
	UserID            uuid.UUID
	MessageContent    string
	DetectedKeyword   string
	DispatchedToEmail bool
	DispatchedToBot   bool
}

// Repository defines the data-access contract for alert history. The worker only appends; the dashboard reads.
type Repository interface {
	Append(ctx context.Context, params AppendParams) error
}

// Truncate caps s at maxContentRunes runes, counting characters rather than bytes so multibyte text is not split.
func Truncate(s string) string {
	runes := []rune(s)
	if len(runes) <= maxContentRunes {
		return s
	}
	return string(runes[:maxContentRunes])
}
