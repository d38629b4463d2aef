// Package supervisor keeps one upstream client running per active session. A reconcile loop compares the session
// table against the clients it holds: it dials clients for new sessions, probes and repairs the ones it has, and
// closes clients whose session was deactivated from the dashboard. Incoming messages flow through the evaluator
// and out to the notification dispatcher.
package supervisor

import (
	"context"
	"errors"
	"sync"
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

const (
	// reconcileInterval is how often the supervisor re-reads the session table.
	reconcileInterval = 5 * time.Second
	// livenessTimeout bounds one liveness probe round-trip.
	livenessTimeout = 5 * time.Second
	// dialogsLimit caps how many dialogs are snapshotted per sync.
	dialogsLimit = 50
	// eventBuffer absorbs message bursts between the client's update goroutine and the per-session pump.
	eventBuffer = 256
)

// Dispatcher delivers one matched alert. Satisfied by *notify.Dispatcher.
type Dispatcher interface {
	Dispatch(ctx context.Context, r rule.Rule, ev upstream.Event, trigger string) notify.Result
}

type slotState int

const (
	stateInitializing slotState = iota
	stateRunning
)

// slot tracks the lifecycle of one session's client. A slot is reserved under the supervisor lock before the dial
// starts, so a slow handshake cannot be doubled up by the next tick.
type slot struct {
	state  slotState
	userID uuid.UUID
	client upstream.Client
	cancel context.CancelFunc
}

// teardown stops the slot's pump and closes its client. Safe on a slot that never finished starting.
func (sl *slot) teardown() {
	if sl.cancel != nil {
		sl.cancel()
	}
	if sl.client != nil {
		_ = sl.client.Close()
	}
}

// Supervisor owns every upstream client in the worker.
type Supervisor struct {
	dialer   upstream.Dialer
	apiID    int
	apiHash  string
	sessions session.Repository
	rules    rule.Repository
	audits   auditlog.Repository
	chats    chat.Repository
	eval     *evaluator.Evaluator
	dispatch Dispatcher
	log      zerolog.Logger

	mu    sync.Mutex
	slots map[uuid.UUID]*slot
}

// New creates a supervisor. It holds no clients until Run performs the first reconcile.
func New(
	dialer upstream.Dialer,
	apiID int,
	apiHash string,
	sessions session.Repository,
	rules rule.Repository,
	audits auditlog.Repository,
	chats chat.Repository,
	eval *evaluator.Evaluator,
	dispatcher Dispatcher,
	logger zerolog.Logger,
) *Supervisor {
	return &Supervisor{
		dialer:   dialer,
		apiID:    apiID,
		apiHash:  apiHash,
		sessions: sessions,
		rules:    rules,
		audits:   audits,
		chats:    chats,
		eval:     eval,
		dispatch: dispatcher,
		log:      logger.With().Str("component", "supervisor").Logger(),
		slots:    make(map[uuid.UUID]*slot),
	}
}

// Run reconciles immediately, then every reconcileInterval, until the context is cancelled. All clients are closed
// on the way out.
func (s *Supervisor) Run(ctx context.Context) error {
	s.log.Info().Msg("Session supervisor started")
	s.reconcile(ctx)

	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.Shutdown()
			return ctx.Err()
		case <-ticker.C:
			s.reconcile(ctx)
		}
	}
}

// reconcile drives the session table and the client map toward each other. A storage failure skips the whole pass;
// running clients are left alone rather than torn down on a flaky database.
func (s *Supervisor) reconcile(ctx context.Context) {
	active, err := s.sessions.ListActive(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to list active sessions")
		return
	}

	current := make(map[uuid.UUID]struct{}, len(active))
	for _, sess := range active {
		current[sess.ID] = struct{}{}
	}

	// Close clients whose session is gone or deactivated. Slots still dialing are only dropped from the map; the
	// in-flight spawn closes its client when it finds its slot gone.
	s.mu.Lock()
	var stale []*slot
	for id, sl := range s.slots {
		if _, ok := current[id]; ok {
			continue
		}
		delete(s.slots, id)
		if sl.state == stateRunning {
			stale = append(stale, sl)
		}
	}
	s.mu.Unlock()

	for _, sl := range stale {
		s.log.Info().Stringer("user_id", sl.userID).Msg("Session deactivated, closing client")
		sl.teardown()
	}

	// Dial missing clients, probe running ones.
	for _, sess := range active {
		s.mu.Lock()
		sl, ok := s.slots[sess.ID]
		if !ok {
			sl = &slot{state: stateInitializing, userID: sess.UserID}
			s.slots[sess.ID] = sl
			s.mu.Unlock()
			go s.spawn(ctx, sess, sl)
			continue
		}
		running := sl.state == stateRunning
		s.mu.Unlock()

		if running {
			s.checkLiveness(ctx, sess, sl)
		}
	}
}

// spawn dials one session's client and wires its event pump. Runs on its own goroutine so a slow handshake never
// stalls a reconcile tick. sl is the slot reserved for this dial; if the map holds a different slot by the time
// the dial lands, the session flapped and this client is discarded.
func (s *Supervisor) spawn(ctx context.Context, sess session.Session, sl *slot) {
	pumpCtx, cancel := context.WithCancel(ctx)
	events := make(chan upstream.Event, eventBuffer)
	onMessage := func(_ context.Context, ev upstream.Event) {
		select {
		case events <- ev:
		case <-pumpCtx.Done():
		}
	}

	creds := upstream.Credentials{APIID: s.apiID, APIHash: s.apiHash, SessionString: sess.SessionString}
	client, err := s.dialer.Dial(ctx, creds, onMessage)
	if err != nil {
		cancel()
		s.dropSlot(sess.ID, sl)
		switch {
		case errors.Is(err, upstream.ErrSessionRevoked):
			s.log.Error().Err(err).Stringer("user_id", sess.UserID).Msg("Session revoked, deactivating")
			s.deactivate(ctx, sess)
		case errors.Is(err, upstream.ErrNotAuthorized):
			s.log.Warn().Err(err).Stringer("user_id", sess.UserID).Msg("Session not authorized, deactivating")
			s.deactivate(ctx, sess)
		default:
			if ctx.Err() != nil {
				return
			}
			s.log.Error().Err(err).Stringer("user_id", sess.UserID).Msg("Failed to start client")
		}
		return
	}

	s.mu.Lock()
	if s.slots[sess.ID] != sl {
		// Deactivated while we were dialing.
		s.mu.Unlock()
		cancel()
		_ = client.Close()
		return
	}
	sl.state = stateRunning
	sl.client = client
	sl.cancel = cancel
	s.mu.Unlock()

	go s.pump(pumpCtx, sess, events)
	go s.syncChats(pumpCtx, sess, client)

	s.log.Info().Stringer("user_id", sess.UserID).Stringer("session_id", sess.ID).Msg("Client started")
}

// pump drains one client's events serially, preserving arrival order while keeping slow alert delivery off the
// client's update goroutine.
func (s *Supervisor) pump(ctx context.Context, sess session.Session, events <-chan upstream.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			s.handleEvent(ctx, sess, ev)
		}
	}
}

// handleEvent evaluates one incoming message against the owner's active rules and dispatches every match. Rules
// are re-read per event so dashboard edits apply without a restart.
func (s *Supervisor) handleEvent(ctx context.Context, sess session.Session, ev upstream.Event) {
	rules, err := s.rules.ListActiveForUser(ctx, sess.UserID)
	if err != nil {
		s.log.Error().Err(err).Stringer("user_id", sess.UserID).Msg("Failed to load alerts for event")
		return
	}

	for _, m := range s.eval.Evaluate(ev, rules) {
		result := s.dispatch.Dispatch(ctx, m.Rule, ev, m.Trigger)

		if err := s.rules.IncrementTriggerCount(ctx, m.Rule.ID); err != nil {
			s.log.Warn().Err(err).Stringer("rule_id", m.Rule.ID).Msg("Failed to bump trigger count")
		}
		err := s.audits.Append(ctx, auditlog.AppendParams{
			AlertID:           m.Rule.ID,
			UserID:            sess.UserID,
			MessageContent:    ev.Body,
			DetectedKeyword:   m.Trigger,
			DispatchedToEmail: result.EmailOK,
			DispatchedToBot:   result.BotOK,
		})
		if err != nil {
			s.log.Warn().Err(err).Stringer("rule_id", m.Rule.ID).Msg("Failed to record alert history")
		}
	}
}

// checkLiveness probes one running client and walks it through recovery: probe, reconnect, re-auth check,
// deactivate. Probes run serially on the reconcile goroutine; with the probe timeout at 5s a hung client delays
// the tick, it does not wedge the supervisor.
func (s *Supervisor) checkLiveness(ctx context.Context, sess session.Session, sl *slot) {
	if sl.client.Connected() {
		probeCtx, cancel := context.WithTimeout(ctx, livenessTimeout)
		err := sl.client.WhoAmI(probeCtx)
		cancel()
		if err == nil {
			return
		}
		if errors.Is(err, upstream.ErrSessionRevoked) {
			s.log.Error().Err(err).Stringer("user_id", sess.UserID).Msg("Session revoked, deactivating")
			s.terminate(ctx, sess, sl)
			return
		}
		s.log.Warn().Err(err).Stringer("user_id", sess.UserID).Msg("Client connection issue, reconnecting")
	} else {
		s.log.Warn().Stringer("user_id", sess.UserID).Msg("Client disconnected, reconnecting")
	}

	if err := sl.client.Reconnect(ctx); err != nil {
		switch {
		case errors.Is(err, upstream.ErrSessionRevoked):
			s.log.Error().Err(err).Stringer("user_id", sess.UserID).Msg("Session revoked, deactivating")
			s.terminate(ctx, sess, sl)
		case errors.Is(err, upstream.ErrNotAuthorized):
			s.log.Warn().Err(err).Stringer("user_id", sess.UserID).Msg("Session no longer authorized, deactivating")
			s.terminate(ctx, sess, sl)
		default:
			// The session stays active; the next tick dials a fresh client.
			s.log.Error().Err(err).Stringer("user_id", sess.UserID).Msg("Reconnect failed, dropping client")
			s.discard(sess.ID, sl)
		}
		return
	}

	authorized, err := sl.client.Authorized(ctx)
	if err != nil {
		s.log.Warn().Err(err).Stringer("user_id", sess.UserID).Msg("Authorization check failed after reconnect, dropping client")
		s.discard(sess.ID, sl)
		return
	}
	if !authorized {
		s.log.Warn().Stringer("user_id", sess.UserID).Msg("Session no longer authorized, deactivating")
		s.terminate(ctx, sess, sl)
		return
	}
	s.log.Info().Stringer("user_id", sess.UserID).Msg("Client recovered")
}

// syncChats snapshots the client's dialog list into storage so /add can resolve @handles.
func (s *Supervisor) syncChats(ctx context.Context, sess session.Session, client upstream.Client) {
	dialogs, err := client.Dialogs(ctx, dialogsLimit)
	if err != nil {
		s.log.Warn().Err(err).Stringer("user_id", sess.UserID).Msg("Failed to fetch dialogs")
		return
	}

	synced := make([]chat.SyncedChat, 0, len(dialogs))
	for _, d := range dialogs {
		synced = append(synced, chat.SyncedChat{
			ID:       d.ID,
			UserID:   sess.UserID,
			Title:    d.Title,
			Type:     d.Type,
			Username: d.Username,
		})
	}
	if err := s.chats.Replace(ctx, sess.UserID, synced); err != nil {
		s.log.Warn().Err(err).Stringer("user_id", sess.UserID).Msg("Failed to store synced dialogs")
		return
	}
	s.log.Info().Stringer("user_id", sess.UserID).Int("count", len(synced)).Msg("Synced dialogs")
}

// terminate removes a finished session's slot, closes its client, and clears the active flag so no later tick
// redials it.
func (s *Supervisor) terminate(ctx context.Context, sess session.Session, sl *slot) {
	s.discard(sess.ID, sl)
	s.deactivate(ctx, sess)
}

// discard removes the slot and closes its client without touching the session row.
func (s *Supervisor) discard(id uuid.UUID, sl *slot) {
	s.dropSlot(id, sl)
	sl.teardown()
}

func (s *Supervisor) deactivate(ctx context.Context, sess session.Session) {
	if err := s.sessions.MarkInactive(ctx, sess.ID); err != nil {
		s.log.Error().Err(err).Stringer("session_id", sess.ID).Msg("Failed to mark session inactive")
	}
}

func (s *Supervisor) dropSlot(id uuid.UUID, sl *slot) {
	s.mu.Lock()
	if s.slots[id] == sl {
		delete(s.slots, id)
	}
	s.mu.Unlock()
}

// Shutdown closes every client the supervisor holds. Run calls it on exit; it is also safe to call directly.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	slots := make([]*slot, 0, len(s.slots))
	for id, sl := range s.slots {
		delete(s.slots, id)
		slots = append(slots, sl)
	}
	s.mu.Unlock()

	for _, sl := range slots {
		sl.teardown()
	}
	if len(slots) > 0 {
		s.log.Info().Int("count", len(slots)).Msg("All clients closed")
	}
}

// ClientCount reports how many sessions currently hold a slot, dialing ones included.
func (s *Supervisor) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.slots)
}
