// Package call owns the per-call signaling state machine for 1:1 and
// group calls. Each call carries its own lock and a one-way concluded
// flag, so concurrent terminators race safely: the first wins, the rest
// observe a no-op.
package call

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"e2ee-relay/internal/domain"
	"e2ee-relay/internal/events"
	"e2ee-relay/internal/observability/metrics"
	"e2ee-relay/internal/session"
)

type Store interface {
	CreateCall(ctx context.Context, call domain.Call) (domain.Call, error)
	GetCall(ctx context.Context, id domain.CallID) (domain.Call, error)
	UpdateCallState(ctx context.Context, id domain.CallID, state domain.CallState, reason string, duration int) error
	UpsertParticipant(ctx context.Context, p domain.CallParticipant) error
	ConversationMembers(ctx context.Context, conv domain.ConversationID) ([]domain.UserID, error)
	IsMember(ctx context.Context, conv domain.ConversationID, user domain.UserID) (bool, error)
}

type Registry interface {
	ConnectionsFor(user domain.UserID) []session.Conn
	Deliver(c session.Conn, evt events.Outbound)
	IsOnline(user domain.UserID) bool
}

const ReasonConnectionLost = "connection_lost"

type callState struct {
	mu           sync.Mutex
	call         domain.Call
	participants map[domain.UserID]domain.ParticipantState
	concluded    bool
	ringTimer    *time.Timer
	ringDeadline time.Time
}

type Machine struct {
	store    Store
	registry Registry
	ringTTL  time.Duration
	now      func() time.Time

	mu    sync.RWMutex
	calls map[domain.CallID]*callState
}

func NewMachine(store Store, registry Registry, ringTimeout time.Duration) *Machine {
	if ringTimeout <= 0 {
		ringTimeout = 30 * time.Second
	}
	return &Machine{
		store:    store,
		registry: registry,
		ringTTL:  ringTimeout,
		now:      time.Now,
		calls:    make(map[domain.CallID]*callState),
	}
}

func (m *Machine) get(id domain.CallID) (*callState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cs, ok := m.calls[id]
	return cs, ok
}

// storedState answers for a call no longer resident in memory. Concluded
// calls are evicted from the map; the store keeps their terminal state for
// late-arriving commands.
func (m *Machine) storedState(ctx context.Context, id domain.CallID) (domain.CallState, error) {
	c, err := m.store.GetCall(ctx, id)
	if err != nil {
		return "", err
	}
	return c.State, nil
}

// Invite starts a direct call in RINGING and pushes call:incoming to the
// target with the caller's room token verbatim — room identity is shared,
// never re-derived. When the target has no live session the push is still
// attempted (races with a registering device are possible) but the caller
// is told TARGET_UNREACHABLE so it can retry.
func (m *Machine) Invite(ctx context.Context, caller, target domain.UserID, roomToken, media string) (domain.Call, error) {
	call := domain.Call{
		ID:          uuid.New(),
		Kind:        domain.CallDirect,
		RoomToken:   roomToken,
		InitiatorID: caller,
		TargetID:    &target,
		State:       domain.CallRinging,
		CreatedAt:   m.now().UTC(),
	}
	call, err := m.store.CreateCall(ctx, call)
	if err != nil {
		return domain.Call{}, err
	}
	for _, p := range []domain.CallParticipant{
		{CallID: call.ID, UserID: caller, State: domain.ParticipantJoined},
		{CallID: call.ID, UserID: target, State: domain.ParticipantInvited},
	} {
		if err := m.store.UpsertParticipant(ctx, p); err != nil {
			return domain.Call{}, err
		}
	}

	cs := &callState{
		call: call,
		participants: map[domain.UserID]domain.ParticipantState{
			caller: domain.ParticipantJoined,
			target: domain.ParticipantInvited,
		},
		ringDeadline: m.now().Add(m.ringTTL),
	}
	m.mu.Lock()
	m.calls[call.ID] = cs
	m.mu.Unlock()
	metrics.ActiveCalls.Inc()

	m.scheduleRingTimeout(cs, m.ringTTL)

	evt := events.Outbound{Type: events.EvtCallIncoming, Payload: events.CallIncoming{
		CallID:    call.ID,
		From:      caller,
		RoomToken: roomToken,
		Media:     media,
	}}
	reachable := m.registry.IsOnline(target)
	for _, c := range m.registry.ConnectionsFor(target) {
		m.registry.Deliver(c, evt)
	}
	if !reachable {
		return call, domain.ErrTargetUnreachable
	}
	return call, nil
}

// scheduleRingTimeout arms the no-answer deadline. The timer firing is a
// hint, not the truth: elapsed wall-clock time is re-checked, and a timer
// that fired early after process suspension is re-armed for the remainder.
func (m *Machine) scheduleRingTimeout(cs *callState, d time.Duration) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.ringTimer = time.AfterFunc(d, func() {
		cs.mu.Lock()
		if cs.concluded || cs.call.State != domain.CallRinging {
			cs.mu.Unlock()
			return
		}
		if remaining := time.Until(cs.ringDeadline); remaining > 0 {
			cs.ringTimer = time.AfterFunc(remaining, func() { m.ringTimedOut(cs) })
			cs.mu.Unlock()
			return
		}
		cs.mu.Unlock()
		m.ringTimedOut(cs)
	})
}

func (m *Machine) ringTimedOut(cs *callState) {
	ctx := context.Background()
	m.conclude(ctx, cs, domain.CallTimedOut, "no_answer", 0, cs.call.InitiatorID,
		events.Outbound{Type: events.EvtCallTimeout, Payload: events.CallTimeout{CallID: cs.call.ID}},
		[]domain.UserID{cs.call.InitiatorID})
}

// Answer transitions RINGING→ACTIVE. Only the invited target may answer.
func (m *Machine) Answer(ctx context.Context, actor domain.UserID, id domain.CallID) error {
	cs, ok := m.get(id)
	if !ok {
		if _, err := m.storedState(ctx, id); err != nil {
			return err
		}
		return domain.ErrInvalidState
	}
	cs.mu.Lock()
	if cs.concluded || cs.call.State != domain.CallRinging ||
		cs.call.TargetID == nil || *cs.call.TargetID != actor {
		cs.mu.Unlock()
		return domain.ErrInvalidState
	}
	cs.call.State = domain.CallActive
	cs.participants[actor] = domain.ParticipantJoined
	if cs.ringTimer != nil {
		cs.ringTimer.Stop()
	}
	caller := cs.call.InitiatorID
	cs.mu.Unlock()

	if err := m.store.UpdateCallState(ctx, id, domain.CallActive, "", 0); err != nil {
		return err
	}
	if err := m.store.UpsertParticipant(ctx, domain.CallParticipant{
		CallID: id, UserID: actor, State: domain.ParticipantJoined,
	}); err != nil {
		return err
	}

	evt := events.Outbound{Type: events.EvtCallAnswered, Payload: events.CallAnswered{CallID: id, By: actor}}
	for _, c := range m.registry.ConnectionsFor(caller) {
		m.registry.Deliver(c, evt)
	}
	return nil
}

// Reject is a terminal RINGING-only transition by the invited target.
func (m *Machine) Reject(ctx context.Context, actor domain.UserID, id domain.CallID) error {
	cs, ok := m.get(id)
	if !ok {
		if _, err := m.storedState(ctx, id); err != nil {
			return err
		}
		return domain.ErrInvalidState
	}
	cs.mu.Lock()
	if cs.concluded || cs.call.State != domain.CallRinging ||
		cs.call.TargetID == nil || *cs.call.TargetID != actor {
		cs.mu.Unlock()
		return domain.ErrInvalidState
	}
	cs.participants[actor] = domain.ParticipantRejected
	cs.mu.Unlock()

	if err := m.store.UpsertParticipant(ctx, domain.CallParticipant{
		CallID: id, UserID: actor, State: domain.ParticipantRejected,
	}); err != nil {
		return err
	}
	m.conclude(ctx, cs, domain.CallRejected, "", 0, actor,
		events.Outbound{Type: events.EvtCallRejected, Payload: events.CallRejected{CallID: id, By: actor}},
		[]domain.UserID{cs.call.InitiatorID})
	return nil
}

// End terminates from ACTIVE, or from RINGING when the initiator hangs up
// before an answer — the invited target declines with Reject, never End.
// A second End on a concluded call is a silent no-op.
func (m *Machine) End(ctx context.Context, actor domain.UserID, id domain.CallID, durationSeconds int) error {
	return m.end(ctx, actor, id, durationSeconds, "", events.EvtCallEnded)
}

// EndByConnectionLoss is the grace controller's terminal path. Same flag,
// distinct reason and event type, idempotent against a concurrent End.
func (m *Machine) EndByConnectionLoss(ctx context.Context, actor domain.UserID, id domain.CallID, reason string) error {
	if reason == "" {
		reason = ReasonConnectionLost
	}
	return m.end(ctx, actor, id, 0, reason, events.EvtCallEndedByConn)
}

func (m *Machine) end(ctx context.Context, actor domain.UserID, id domain.CallID, durationSeconds int, reason string, evtType events.OutboundType) error {
	cs, ok := m.get(id)
	if !ok {
		st, err := m.storedState(ctx, id)
		if err != nil {
			return err
		}
		// The losing side of a termination race lands here after eviction.
		if st.Terminal() {
			return nil
		}
		return domain.ErrInvalidState
	}
	cs.mu.Lock()
	if cs.concluded {
		cs.mu.Unlock()
		return nil
	}
	if _, isParticipant := cs.participants[actor]; !isParticipant {
		cs.mu.Unlock()
		return domain.ErrInvalidState
	}
	if cs.call.State != domain.CallActive && cs.call.State != domain.CallRinging {
		cs.mu.Unlock()
		return domain.ErrInvalidState
	}
	// While ringing, a deliberate hang-up belongs to the initiator alone;
	// the connection-loss path stays open to either side.
	if cs.call.State == domain.CallRinging && evtType == events.EvtCallEnded && actor != cs.call.InitiatorID {
		cs.mu.Unlock()
		return domain.ErrInvalidState
	}
	audience := m.othersLocked(cs, actor)
	cs.mu.Unlock()

	m.conclude(ctx, cs, domain.CallEnded, reason, durationSeconds, actor,
		events.Outbound{Type: evtType, Payload: events.CallEnded{
			CallID: id, By: actor, Reason: reason, DurationSeconds: durationSeconds,
		}},
		audience)
	return nil
}

// othersLocked lists everyone to notify about a terminal transition:
// the other direct-call party, or every non-left group participant.
// Caller holds cs.mu.
func (m *Machine) othersLocked(cs *callState, actor domain.UserID) []domain.UserID {
	var out []domain.UserID
	for uid, st := range cs.participants {
		if uid == actor || st == domain.ParticipantLeft {
			continue
		}
		out = append(out, uid)
	}
	return out
}

// conclude performs the one-way terminal transition. Exactly one
// caller wins the flag; only that caller persists and notifies.
func (m *Machine) conclude(ctx context.Context, cs *callState, state domain.CallState, reason string, durationSeconds int, by domain.UserID, evt events.Outbound, audience []domain.UserID) {
	cs.mu.Lock()
	if cs.concluded {
		cs.mu.Unlock()
		return
	}
	cs.concluded = true
	cs.call.State = state
	cs.call.EndReason = reason
	if cs.ringTimer != nil {
		cs.ringTimer.Stop()
	}
	id := cs.call.ID
	cs.mu.Unlock()

	if err := m.store.UpdateCallState(ctx, id, state, reason, durationSeconds); err != nil {
		slog.Error("persist terminal call state", "call_id", id, "state", state, "error", err)
	}

	for _, uid := range audience {
		for _, c := range m.registry.ConnectionsFor(uid) {
			m.registry.Deliver(c, evt)
		}
	}

	// Concluded calls leave the resident map; late commands are answered
	// from the store. Without this every call ever signaled stays in
	// memory for the life of the process.
	m.mu.Lock()
	delete(m.calls, id)
	m.mu.Unlock()

	metrics.ActiveCalls.Dec()
	metrics.CallOutcomesTotal.WithLabelValues(string(state), reason).Inc()
	slog.Info("call concluded", "call_id", id, "state", state, "reason", reason, "by", by)
}

// InviteGroup creates a drop-in group call: ACTIVE immediately, no shared
// ring/answer handshake.
func (m *Machine) InviteGroup(ctx context.Context, caller domain.UserID, groupID domain.ConversationID, roomToken, media string) (domain.Call, error) {
	ok, err := m.store.IsMember(ctx, groupID, caller)
	if err != nil {
		return domain.Call{}, err
	}
	if !ok {
		return domain.Call{}, domain.ErrNotAMember
	}

	call := domain.Call{
		ID:          uuid.New(),
		Kind:        domain.CallGroup,
		RoomToken:   roomToken,
		InitiatorID: caller,
		GroupID:     &groupID,
		State:       domain.CallActive,
		CreatedAt:   m.now().UTC(),
	}
	call, err = m.store.CreateCall(ctx, call)
	if err != nil {
		return domain.Call{}, err
	}
	if err := m.store.UpsertParticipant(ctx, domain.CallParticipant{
		CallID: call.ID, UserID: caller, State: domain.ParticipantJoined,
	}); err != nil {
		return domain.Call{}, err
	}

	cs := &callState{
		call:         call,
		participants: map[domain.UserID]domain.ParticipantState{caller: domain.ParticipantJoined},
	}
	m.mu.Lock()
	m.calls[call.ID] = cs
	m.mu.Unlock()
	metrics.ActiveCalls.Inc()

	members, err := m.store.ConversationMembers(ctx, groupID)
	if err != nil {
		return call, err
	}
	evt := events.Outbound{Type: events.EvtGroupCallIncoming, Payload: events.GroupCallIncoming{
		CallID:    call.ID,
		GroupID:   groupID,
		From:      caller,
		RoomToken: roomToken,
		Media:     media,
	}}
	for _, uid := range members {
		if uid == caller {
			continue
		}
		for _, c := range m.registry.ConnectionsFor(uid) {
			m.registry.Deliver(c, evt)
		}
	}
	return call, nil
}

// Join adds a group member to an active group call. Ignoring the invite is
// the only way to decline; there is no group reject.
func (m *Machine) Join(ctx context.Context, actor domain.UserID, id domain.CallID) error {
	cs, ok := m.get(id)
	if !ok {
		if _, err := m.storedState(ctx, id); err != nil {
			return err
		}
		return domain.ErrInvalidState
	}
	cs.mu.Lock()
	if cs.concluded || cs.call.Kind != domain.CallGroup || cs.call.State != domain.CallActive {
		cs.mu.Unlock()
		return domain.ErrInvalidState
	}
	groupID := *cs.call.GroupID
	cs.mu.Unlock()

	member, err := m.store.IsMember(ctx, groupID, actor)
	if err != nil {
		return err
	}
	if !member {
		return domain.ErrNotAMember
	}

	cs.mu.Lock()
	if cs.concluded {
		cs.mu.Unlock()
		return domain.ErrInvalidState
	}
	cs.participants[actor] = domain.ParticipantJoined
	cs.mu.Unlock()

	return m.store.UpsertParticipant(ctx, domain.CallParticipant{
		CallID: id, UserID: actor, State: domain.ParticipantJoined,
	})
}

// Leave marks a participant LEFT. The call stays ACTIVE while anyone
// remains JOINED; the last leaver ends it.
func (m *Machine) Leave(ctx context.Context, actor domain.UserID, id domain.CallID, durationSeconds int) error {
	cs, ok := m.get(id)
	if !ok {
		st, err := m.storedState(ctx, id)
		if err != nil {
			return err
		}
		// Leaving an already-ended group call is as harmless as a second
		// End on a direct one.
		if st.Terminal() {
			return nil
		}
		return domain.ErrInvalidState
	}
	cs.mu.Lock()
	if cs.concluded || cs.call.Kind != domain.CallGroup {
		cs.mu.Unlock()
		return domain.ErrInvalidState
	}
	if cs.participants[actor] != domain.ParticipantJoined {
		cs.mu.Unlock()
		return domain.ErrInvalidState
	}
	cs.participants[actor] = domain.ParticipantLeft
	remaining := 0
	for _, st := range cs.participants {
		if st == domain.ParticipantJoined {
			remaining++
		}
	}
	cs.mu.Unlock()

	if err := m.store.UpsertParticipant(ctx, domain.CallParticipant{
		CallID: id, UserID: actor, State: domain.ParticipantLeft,
	}); err != nil {
		return err
	}

	if remaining == 0 {
		m.conclude(ctx, cs, domain.CallEnded, "", durationSeconds, actor,
			events.Outbound{Type: events.EvtCallEnded, Payload: events.CallEnded{
				CallID: id, By: actor, DurationSeconds: durationSeconds,
			}},
			nil)
	}
	return nil
}

// State reports a resident call's current state. Concluded calls are
// evicted and report ok=false — exactly what grace resumption needs to
// stand down; terminal outcomes live in the store.
func (m *Machine) State(id domain.CallID) (domain.CallState, bool) {
	cs, ok := m.get(id)
	if !ok {
		return "", false
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.call.State, true
}

// Participants lists a call's current participants regardless of state.
func (m *Machine) Participants(id domain.CallID) []domain.UserID {
	cs, ok := m.get(id)
	if !ok {
		return nil
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	out := make([]domain.UserID, 0, len(cs.participants))
	for uid := range cs.participants {
		out = append(out, uid)
	}
	return out
}

// ActiveCallsFor lists the non-terminal calls a user participates in. The
// grace controller watches these when the user's transport drops.
func (m *Machine) ActiveCallsFor(user domain.UserID) []domain.CallID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.CallID
	for id, cs := range m.calls {
		cs.mu.Lock()
		st, involved := cs.participants[user]
		active := !cs.concluded && !cs.call.State.Terminal() &&
			involved && st != domain.ParticipantLeft && st != domain.ParticipantRejected
		cs.mu.Unlock()
		if active {
			out = append(out, id)
		}
	}
	return out
}
