// Package evaluator decides which rules an incoming message fires. It is a pure decision layer: given one event
// and the owner's active rules it returns the matches, and the caller handles dispatch and persistence. The only
// state it keeps is the seen-message set and a compiled-regex cache, both process-local.
package evaluator

import (
	"regexp"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tele-guard/teleguard-worker/internal/rule"
	"github.com/tele-guard/teleguard-worker/internal/upstream"
)

// dedupLimit caps the seen-message set. Crossing it wipes the whole set rather than evicting, trading a small
// reprocessing window for constant-time bookkeeping.
const dedupLimit = 5000

// Textual markers of our own alert notifications, used to suppress feedback loops while the control bot's id is
// still unknown.
const (
	alertPrefix = "🚨 TeleGuard Alert"
	alertMarker = "TeleGuard Alert Triggered"
)

// BotIdentity exposes the control bot's platform user id. ID returns zero until the identity handshake has
// completed.
type BotIdentity interface {
	ID() int64
}

// Match pairs a fired rule with the trigger that hit, in the literal form stored on the rule.
type Match struct {
	Rule    rule.Rule
	Trigger string
}

// Evaluator applies dedup, suppression, and keyword matching to incoming events.
type Evaluator struct {
	bot BotIdentity
	log zerolog.Logger

	mu   sync.Mutex
	seen map[dedupKey]struct{}

	reMu  sync.Mutex
	regex map[string]*regexp.Regexp
}

type dedupKey struct {
	chatID    int64
	messageID int
}

// New creates an Evaluator. bot may be nil when no control bot is configured; self-suppression then falls back to
// the textual markers.
func New(bot BotIdentity, logger zerolog.Logger) *Evaluator {
	return &Evaluator{
		bot:   bot,
		log:   logger.With().Str("component", "evaluator").Logger(),
		seen:  make(map[dedupKey]struct{}),
		regex: make(map[string]*regexp.Regexp),
	}
}

// Evaluate returns every rule the event fires, in the order the rules were created. Re-evaluating the same
// (chat, message) pair returns nothing, so redelivered updates cannot double-fire.
func (e *Evaluator) Evaluate(ev upstream.Event, rules []rule.Rule) []Match {
	if !e.firstSight(ev) {
		e.log.Debug().Int64("chat_id", ev.ChatID).Int("message_id", ev.MessageID).Msg("Duplicate event skipped")
		return nil
	}
	if ev.Outgoing {
		return nil
	}
	if e.fromSelf(ev) {
		e.log.Debug().Int64("chat_id", ev.ChatID).Msg("Own notification skipped")
		return nil
	}

	lowerBody := strings.ToLower(ev.Body)

	var matches []Match
	for _, r := range rules {
		if r.SourceID != nil && *r.SourceID != ev.ChatID {
			continue
		}
		if excluded(lowerBody, r.ExcludedKeywords) {
			continue
		}
		if trigger, ok := e.matchTrigger(ev.Body, lowerBody, r); ok {
			matches = append(matches, Match{Rule: r, Trigger: trigger})
		}
	}
	return matches
}

// firstSight records the event in the seen set, reporting false when it was already there.
func (e *Evaluator) firstSight(ev upstream.Event) bool {
	key := dedupKey{chatID: ev.ChatID, messageID: ev.MessageID}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, dup := e.seen[key]; dup {
		return false
	}
	if len(e.seen) > dedupLimit {
		e.seen = make(map[dedupKey]struct{})
	}
	e.seen[key] = struct{}{}
	return true
}

// fromSelf reports whether the event is one of our own alert notifications echoed back by Telegram. With a known
// bot id the check is exact; before the identity handshake completes it falls back to matching the alert text.
func (e *Evaluator) fromSelf(ev upstream.Event) bool {
	if e.bot != nil {
		if id := e.bot.ID(); id != 0 {
			return ev.SenderID == id
		}
	}
	return strings.HasPrefix(ev.Body, alertPrefix) || strings.Contains(ev.Body, alertMarker)
}

// excluded reports whether any exclusion appears in the body. Blank entries never veto.
func excluded(lowerBody string, exclusions []string) bool {
	for _, ex := range exclusions {
		ex = strings.TrimSpace(ex)
		if ex == "" {
			continue
		}
		if strings.Contains(lowerBody, strings.ToLower(ex)) {
			return true
		}
	}
	return false
}

// matchTrigger returns the first trigger of the rule that hits the body. Substring triggers compare
// case-insensitively; regex triggers match the original body with case folding compiled in.
func (e *Evaluator) matchTrigger(body, lowerBody string, r rule.Rule) (string, bool) {
	for _, kw := range r.Keywords {
		if kw == "" {
			continue
		}
		if r.IsRegex {
			re := e.compile(kw)
			if re != nil && re.MatchString(body) {
				return kw, true
			}
			continue
		}
		if strings.Contains(lowerBody, strings.ToLower(kw)) {
			return kw, true
		}
	}
	return "", false
}

// compile returns the cached case-insensitive regex for pattern, or nil when the pattern does not compile. Broken
// patterns are cached too, so the warning fires once rather than on every message.
func (e *Evaluator) compile(pattern string) *regexp.Regexp {
	e.reMu.Lock()
	defer e.reMu.Unlock()

	re, ok := e.regex[pattern]
	if ok {
		return re
	}

	compiled, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		e.log.Warn().Err(err).Str("pattern", pattern).Msg("Invalid regex pattern, skipping")
		compiled = nil
	}
	e.regex[pattern] = compiled
	return compiled
}
