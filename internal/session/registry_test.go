package session_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"e2ee-relay/internal/domain"
	"e2ee-relay/internal/events"
	"e2ee-relay/internal/session"
)

type fakeConn struct {
	id   domain.ConnectionID
	user domain.UserID

	mu   sync.Mutex
	sent []events.Outbound
	fail bool
}

func newFakeConn(user domain.UserID) *fakeConn {
	return &fakeConn{id: uuid.New(), user: user}
}

func (c *fakeConn) ID() domain.ConnectionID { return c.id }
func (c *fakeConn) UserID() domain.UserID   { return c.user }

func (c *fakeConn) Send(evt events.Outbound) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return domain.ErrNotConnected
	}
	c.sent = append(c.sent, evt)
	return nil
}

func (c *fakeConn) events(typ events.OutboundType) []events.Outbound {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []events.Outbound
	for _, evt := range c.sent {
		if evt.Type == typ {
			out = append(out, evt)
		}
	}
	return out
}

// staticPeers wires a fixed contact graph into the registry.
type staticPeers struct {
	peers map[domain.UserID][]domain.UserID
}

func (s *staticPeers) ContactPeers(_ context.Context, user domain.UserID) ([]domain.UserID, error) {
	return s.peers[user], nil
}

func TestFirstConnectionAnnouncesOnlineOnce(t *testing.T) {
	alice, bob := uuid.New(), uuid.New()
	peers := &staticPeers{peers: map[domain.UserID][]domain.UserID{
		alice: {bob},
		bob:   {alice},
	}}
	reg := session.NewRegistry(peers, 20*time.Millisecond, 16)

	bobConn := newFakeConn(bob)
	reg.Register(context.Background(), bobConn)

	reg.Register(context.Background(), newFakeConn(alice))
	reg.Register(context.Background(), newFakeConn(alice))

	got := bobConn.events(events.EvtPresenceOnline)
	if len(got) != 1 {
		t.Fatalf("bob saw %d presence:online events for alice, want 1", len(got))
	}
}

func TestOfflineIsDebounced(t *testing.T) {
	alice, bob := uuid.New(), uuid.New()
	peers := &staticPeers{peers: map[domain.UserID][]domain.UserID{
		alice: {bob},
		bob:   {alice},
	}}
	reg := session.NewRegistry(peers, 30*time.Millisecond, 16)

	bobConn := newFakeConn(bob)
	reg.Register(context.Background(), bobConn)
	aliceConn := newFakeConn(alice)
	reg.Register(context.Background(), aliceConn)

	reg.Unregister(aliceConn.ID())
	if got := bobConn.events(events.EvtPresenceOffline); len(got) != 0 {
		t.Fatalf("offline announced before the debounce elapsed")
	}

	time.Sleep(80 * time.Millisecond)
	if got := bobConn.events(events.EvtPresenceOffline); len(got) != 1 {
		t.Fatalf("bob saw %d presence:offline events, want 1", len(got))
	}
}

func TestQuickReconnectSuppressesPresenceChurn(t *testing.T) {
	alice, bob := uuid.New(), uuid.New()
	peers := &staticPeers{peers: map[domain.UserID][]domain.UserID{
		alice: {bob},
		bob:   {alice},
	}}
	reg := session.NewRegistry(peers, 50*time.Millisecond, 16)

	bobConn := newFakeConn(bob)
	reg.Register(context.Background(), bobConn)
	aliceConn := newFakeConn(alice)
	reg.Register(context.Background(), aliceConn)

	reg.Unregister(aliceConn.ID())
	reg.Register(context.Background(), newFakeConn(alice))

	time.Sleep(120 * time.Millisecond)
	if got := bobConn.events(events.EvtPresenceOffline); len(got) != 0 {
		t.Fatalf("quick reconnect still produced presence:offline")
	}
	// Exactly the original online event; the reconnect is invisible.
	if got := bobConn.events(events.EvtPresenceOnline); len(got) != 1 {
		t.Fatalf("bob saw %d presence:online events, want 1", len(got))
	}
}

func TestUnregisterIdempotent(t *testing.T) {
	reg := session.NewRegistry(&staticPeers{}, 10*time.Millisecond, 16)
	c := newFakeConn(uuid.New())
	reg.Register(context.Background(), c)

	reg.Unregister(c.ID())
	reg.Unregister(c.ID())
	reg.Unregister(uuid.New())

	if reg.IsOnline(c.UserID()) {
		t.Fatalf("user still online after unregister")
	}
}

func TestDeliverMessageDedupsPerConnection(t *testing.T) {
	alice := uuid.New()
	reg := session.NewRegistry(&staticPeers{}, 10*time.Millisecond, 16)
	c := newFakeConn(alice)
	reg.Register(context.Background(), c)

	conv := uuid.New()
	evt := events.Outbound{Type: events.EvtMessageNew}
	reg.DeliverMessage(c, evt, conv, 1)
	reg.DeliverMessage(c, evt, conv, 1)
	reg.DeliverMessage(c, evt, conv, 2)

	if got := c.events(events.EvtMessageNew); len(got) != 2 {
		t.Fatalf("connection received %d message:new events, want 2", len(got))
	}

	// A second connection of the same user has its own window.
	c2 := newFakeConn(alice)
	reg.Register(context.Background(), c2)
	reg.DeliverMessage(c2, evt, conv, 1)
	if got := c2.events(events.EvtMessageNew); len(got) != 1 {
		t.Fatalf("fresh connection suppressed an unseen seq")
	}
}

func TestDeliverSurvivesSendFailure(t *testing.T) {
	reg := session.NewRegistry(&staticPeers{}, 10*time.Millisecond, 16)
	c := newFakeConn(uuid.New())
	c.fail = true
	reg.Register(context.Background(), c)

	// Best effort: a failing socket must not panic or error the caller.
	reg.Deliver(c, events.Outbound{Type: events.EvtPresenceOnline})
}
