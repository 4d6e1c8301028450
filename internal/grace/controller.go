// Package grace decouples transport disconnects from call and presence
// termination. A websocket can drop and resume within seconds without the
// user's intent changing; the controller absorbs that with a two-phase
// window (delay, then grace) and only then lets a silent connection become
// a dead one.
package grace

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"e2ee-relay/internal/domain"
	"e2ee-relay/internal/events"
	"e2ee-relay/internal/observability/metrics"
	"e2ee-relay/internal/session"
)

type CallMachine interface {
	ActiveCallsFor(user domain.UserID) []domain.CallID
	Participants(id domain.CallID) []domain.UserID
	State(id domain.CallID) (domain.CallState, bool)
	EndByConnectionLoss(ctx context.Context, actor domain.UserID, id domain.CallID, reason string) error
}

type Registry interface {
	ConnectionsFor(user domain.UserID) []session.Conn
	IsOnline(user domain.UserID) bool
	Deliver(c session.Conn, evt events.Outbound)
}

// Outbox is the durable store-and-forward slot for termination notices
// that could not be delivered: at most one record per call, replayed once.
type Outbox interface {
	PutPendingTermination(ctx context.Context, callID domain.CallID, user domain.UserID, reason string) error
	TakePendingTerminations(ctx context.Context, user domain.UserID) ([]domain.PendingTermination, error)
}

type watchKey struct {
	user domain.UserID
	call domain.CallID
}

type Controller struct {
	machine  CallMachine
	registry Registry
	outbox   Outbox
	delay    time.Duration
	grace    time.Duration
	now      func() time.Time

	mu       sync.Mutex
	watchers map[watchKey]chan struct{}
}

func NewController(machine CallMachine, registry Registry, outbox Outbox, delay, grace time.Duration) *Controller {
	if delay <= 0 {
		delay = 5 * time.Second
	}
	if grace <= 0 {
		grace = 20 * time.Second
	}
	return &Controller{
		machine:  machine,
		registry: registry,
		outbox:   outbox,
		delay:    delay,
		grace:    grace,
		now:      time.Now,
		watchers: make(map[watchKey]chan struct{}),
	}
}

// OnDisconnect starts a watcher per active call of the user, but only when
// the dropped connection was the user's last one — another live device
// keeps the call healthy on its own.
func (c *Controller) OnDisconnect(user domain.UserID) {
	if c.registry.IsOnline(user) {
		return
	}
	for _, callID := range c.machine.ActiveCallsFor(user) {
		key := watchKey{user: user, call: callID}
		cancel := make(chan struct{})

		c.mu.Lock()
		if old, ok := c.watchers[key]; ok {
			close(old)
		}
		c.watchers[key] = cancel
		c.mu.Unlock()

		go c.watch(key, cancel)
	}
}

// OnReconnect cancels the user's watchers and flushes any pending
// termination notices to the fresh connection. Flushing takes the records
// out of the outbox first; each record gets exactly one replay attempt.
func (c *Controller) OnReconnect(ctx context.Context, conn session.Conn) {
	user := conn.UserID()

	c.mu.Lock()
	for key, cancel := range c.watchers {
		if key.user == user {
			close(cancel)
			delete(c.watchers, key)
		}
	}
	c.mu.Unlock()

	pending, err := c.outbox.TakePendingTerminations(ctx, user)
	if err != nil {
		slog.Error("pending termination fetch", "user_id", user, "error", err)
		return
	}
	for _, p := range pending {
		evt := events.Outbound{Type: events.EvtCallEndedByConn, Payload: events.CallEnded{
			CallID: p.CallID,
			Reason: p.Reason,
		}}
		c.registry.Deliver(conn, evt)
		slog.Info("replayed pending termination", "user_id", user, "call_id", p.CallID)
	}
}

func (c *Controller) watch(key watchKey, cancel <-chan struct{}) {
	defer func() {
		c.mu.Lock()
		if c.isCurrent(key, cancel) {
			delete(c.watchers, key)
		}
		c.mu.Unlock()
	}()

	// Phase one: the delay window. Nothing is user-visible yet.
	if !c.sleepUntil(c.now().Add(c.delay), cancel) {
		return
	}
	if c.registry.IsOnline(key.user) {
		return
	}
	if st, ok := c.machine.State(key.call); !ok || st.Terminal() {
		return
	}

	// Phase two: the peers see "reconnecting" while the grace window runs.
	c.notifyReconnecting(key)
	if !c.sleepUntil(c.now().Add(c.grace), cancel) {
		return
	}
	if c.registry.IsOnline(key.user) {
		// Resumed inside the window. The call may have been concluded
		// independently in the meantime; never resurrect a terminal
		// call, just stand down.
		return
	}
	if st, ok := c.machine.State(key.call); !ok || st.Terminal() {
		return
	}

	c.expire(key)
}

func (c *Controller) isCurrent(key watchKey, cancel <-chan struct{}) bool {
	cur, ok := c.watchers[key]
	return ok && cur == cancel
}

// sleepUntil blocks until the wall-clock deadline or cancellation. Timers
// that fire early (process suspension, clock hiccups) re-arm for the
// remainder; elapsed time is what counts, not the firing.
func (c *Controller) sleepUntil(deadline time.Time, cancel <-chan struct{}) bool {
	for {
		remaining := deadline.Sub(c.now())
		if remaining <= 0 {
			return true
		}
		t := time.NewTimer(remaining)
		select {
		case <-cancel:
			t.Stop()
			return false
		case <-t.C:
		}
	}
}

func (c *Controller) notifyReconnecting(key watchKey) {
	evt := events.Outbound{Type: events.EvtCallReconnecting, Payload: events.CallReconnecting{
		CallID: key.call,
		UserID: key.user,
	}}
	for _, uid := range c.machine.Participants(key.call) {
		if uid == key.user {
			continue
		}
		for _, conn := range c.registry.ConnectionsFor(uid) {
			c.registry.Deliver(conn, evt)
		}
	}
}

// expire concludes the call on behalf of the silent user. Online peers are
// notified straight through the machine's fan-out; everyone offline —
// the silent user included — gets one durable pending-termination record
// instead, flushed on their next reconnect.
func (c *Controller) expire(key watchKey) {
	ctx := context.Background()
	participants := c.machine.Participants(key.call)

	if err := c.machine.EndByConnectionLoss(ctx, key.user, key.call, ReasonConnectionLost); err != nil {
		slog.Error("end by connection loss", "call_id", key.call, "user_id", key.user, "error", err)
		return
	}
	metrics.GraceExpiriesTotal.Inc()
	slog.Info("grace window expired, call concluded",
		"call_id", key.call, "user_id", key.user, "delay", c.delay, "grace", c.grace)

	for _, uid := range participants {
		if uid != key.user && c.registry.IsOnline(uid) {
			continue
		}
		if err := c.outbox.PutPendingTermination(ctx, key.call, uid, ReasonConnectionLost); err != nil {
			slog.Error("record pending termination", "call_id", key.call, "user_id", uid, "error", err)
		}
	}
}

const ReasonConnectionLost = "connection_lost"
