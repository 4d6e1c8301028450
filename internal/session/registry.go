// Package session owns the map from users to their live connections. It is
// the only component that touches transports directly; everything above it
// addresses users and lets the registry find the sockets.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"e2ee-relay/internal/domain"
	"e2ee-relay/internal/events"
	"e2ee-relay/internal/observability/metrics"
)

// Conn is the transport handle the registry pushes events into. The
// websocket layer implements it; tests use fakes.
type Conn interface {
	ID() domain.ConnectionID
	UserID() domain.UserID
	Send(evt events.Outbound) error
}

// PeerSource answers "who shares a conversation with this user"; presence
// events fan out to that set.
type PeerSource interface {
	ContactPeers(ctx context.Context, user domain.UserID) ([]domain.UserID, error)
}

type entry struct {
	conn     Conn
	dedup    *dedupWindow
	lastSeen time.Time
}

type Registry struct {
	mu            sync.RWMutex
	conns         map[domain.ConnectionID]*entry
	byUser        map[domain.UserID]map[domain.ConnectionID]*entry
	offlineTimers map[domain.UserID]*time.Timer

	peers       PeerSource
	debounce    time.Duration
	dedupWindow int
	now         func() time.Time
}

func NewRegistry(peers PeerSource, presenceDebounce time.Duration, dedupWindow int) *Registry {
	if presenceDebounce <= 0 {
		presenceDebounce = 3 * time.Second
	}
	return &Registry{
		conns:         make(map[domain.ConnectionID]*entry),
		byUser:        make(map[domain.UserID]map[domain.ConnectionID]*entry),
		offlineTimers: make(map[domain.UserID]*time.Timer),
		peers:         peers,
		debounce:      presenceDebounce,
		dedupWindow:   dedupWindow,
		now:           time.Now,
	}
}

// Register adds a live connection. The first connection of a user cancels
// any pending offline debounce and announces presence:online to peers.
func (r *Registry) Register(ctx context.Context, c Conn) domain.ConnectionID {
	user := c.UserID()

	r.mu.Lock()
	e := &entry{conn: c, dedup: newDedupWindow(r.dedupWindow), lastSeen: r.now()}
	r.conns[c.ID()] = e
	userConns := r.byUser[user]
	first := len(userConns) == 0
	if userConns == nil {
		userConns = make(map[domain.ConnectionID]*entry)
		r.byUser[user] = userConns
	}
	userConns[c.ID()] = e
	if t, ok := r.offlineTimers[user]; ok {
		t.Stop()
		delete(r.offlineTimers, user)
		// Quick reconnect: the user never went offline from anyone
		// else's point of view, so no online event either.
		first = false
	}
	r.mu.Unlock()

	metrics.ActiveConnections.Inc()
	slog.Info("connection registered", "conn_id", c.ID(), "user_id", user, "first", first)

	if first {
		r.publishPresence(ctx, user, events.EvtPresenceOnline)
	}
	return c.ID()
}

// Unregister removes a connection. Unknown ids are logged and ignored;
// unregister is idempotent. The user's last connection going away starts
// the offline debounce instead of emitting offline immediately.
func (r *Registry) Unregister(connID domain.ConnectionID) {
	r.mu.Lock()
	e, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		slog.Warn("unregister of unknown connection", "conn_id", connID)
		return
	}
	user := e.conn.UserID()
	delete(r.conns, connID)
	delete(r.byUser[user], connID)
	last := len(r.byUser[user]) == 0
	if last {
		delete(r.byUser, user)
		r.startOfflineDebounce(user)
	}
	r.mu.Unlock()

	metrics.ActiveConnections.Dec()
	slog.Info("connection unregistered", "conn_id", connID, "user_id", user, "last", last)
}

// caller holds r.mu.
func (r *Registry) startOfflineDebounce(user domain.UserID) {
	if t, ok := r.offlineTimers[user]; ok {
		t.Stop()
	}
	r.offlineTimers[user] = time.AfterFunc(r.debounce, func() {
		r.mu.Lock()
		_, online := r.byUser[user]
		delete(r.offlineTimers, user)
		r.mu.Unlock()
		if online {
			return
		}
		r.publishPresence(context.Background(), user, events.EvtPresenceOffline)
	})
}

func (r *Registry) publishPresence(ctx context.Context, user domain.UserID, evt events.OutboundType) {
	peers, err := r.peers.ContactPeers(ctx, user)
	if err != nil {
		slog.Error("presence peer lookup", "user_id", user, "error", err)
		return
	}
	payload := events.Presence{UserID: user, At: r.now().UTC()}
	for _, peer := range peers {
		for _, c := range r.ConnectionsFor(peer) {
			r.Deliver(c, events.Outbound{Type: evt, Payload: payload})
		}
	}
	metrics.PresenceEventsTotal.WithLabelValues(string(evt)).Inc()
}

func (r *Registry) ConnectionsFor(user domain.UserID) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Conn, 0, len(r.byUser[user]))
	for _, e := range r.byUser[user] {
		out = append(out, e.conn)
	}
	return out
}

func (r *Registry) IsOnline(user domain.UserID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[user]) > 0
}

// Deliver pushes a non-message event to one connection, best effort. Send
// failures are the recipient's problem, never the command's.
func (r *Registry) Deliver(c Conn, evt events.Outbound) {
	if err := c.Send(evt); err != nil {
		metrics.EventsDroppedTotal.WithLabelValues(string(evt.Type)).Inc()
		slog.Debug("event delivery failed", "conn_id", c.ID(), "type", evt.Type, "error", err)
		return
	}
	metrics.EventsPushedTotal.WithLabelValues(string(evt.Type)).Inc()
}

// DeliverMessage pushes a message:new event through the connection's dedup
// window so a replayed seq is applied at most once per connection.
func (r *Registry) DeliverMessage(c Conn, evt events.Outbound, conv uuid.UUID, seq int64) {
	r.mu.RLock()
	e, ok := r.conns[c.ID()]
	r.mu.RUnlock()
	if !ok {
		return
	}
	if !e.dedup.Admit(conv, seq) {
		metrics.DedupSuppressedTotal.Inc()
		return
	}
	r.Deliver(c, evt)
}

// Touch refreshes a connection's activity clock (pong handler).
func (r *Registry) Touch(connID domain.ConnectionID) {
	r.mu.Lock()
	if e, ok := r.conns[connID]; ok {
		e.lastSeen = r.now()
	}
	r.mu.Unlock()
}
