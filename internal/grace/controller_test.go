package grace_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"e2ee-relay/internal/call"
	"e2ee-relay/internal/domain"
	"e2ee-relay/internal/events"
	"e2ee-relay/internal/grace"
	"e2ee-relay/internal/session"
	"e2ee-relay/internal/store"
)

type fakeConn struct {
	id   domain.ConnectionID
	user domain.UserID

	mu   sync.Mutex
	sent []events.Outbound
}

func newFakeConn(user domain.UserID) *fakeConn {
	return &fakeConn{id: uuid.New(), user: user}
}

func (c *fakeConn) ID() domain.ConnectionID { return c.id }
func (c *fakeConn) UserID() domain.UserID   { return c.user }

func (c *fakeConn) Send(evt events.Outbound) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, evt)
	return nil
}

func (c *fakeConn) count(typ events.OutboundType) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, evt := range c.sent {
		if evt.Type == typ {
			n++
		}
	}
	return n
}

type fixture struct {
	st      *store.Store
	reg     *session.Registry
	machine *call.Machine
	ctl     *grace.Controller
	delay   time.Duration
	grace   time.Duration
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	st := store.New(db)
	if err := st.AutoMigrate(context.Background()); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	reg := session.NewRegistry(st, time.Hour, 64)
	machine := call.NewMachine(st, reg, time.Minute)
	delay, graceWin := 40*time.Millisecond, 60*time.Millisecond
	return &fixture{
		st:      st,
		reg:     reg,
		machine: machine,
		ctl:     grace.NewController(machine, reg, st, delay, graceWin),
		delay:   delay,
		grace:   graceWin,
	}
}

func (f *fixture) connect(t *testing.T, user domain.UserID) *fakeConn {
	t.Helper()
	c := newFakeConn(user)
	f.reg.Register(context.Background(), c)
	return c
}

// activeCall puts caller and target into an ACTIVE direct call.
func (f *fixture) activeCall(t *testing.T, caller, target domain.UserID) domain.Call {
	t.Helper()
	ctx := context.Background()
	c, err := f.machine.Invite(ctx, caller, target, "room", "audio")
	if err != nil {
		t.Fatalf("invite: %v", err)
	}
	if err := f.machine.Answer(ctx, target, c.ID); err != nil {
		t.Fatalf("answer: %v", err)
	}
	return c
}

// waitState polls the persisted call state; concluded calls are evicted
// from the machine, the store is where terminal outcomes land.
func (f *fixture) waitState(t *testing.T, id domain.CallID, want domain.CallState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		c, err := f.st.GetCall(context.Background(), id)
		if err != nil {
			t.Fatalf("get call: %v", err)
		}
		if c.State == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("call state = %s, want %s", c.State, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestReconnectWithinDelayIsInvisible(t *testing.T) {
	f := setup(t)
	caller, target := uuid.New(), uuid.New()
	callerConn := f.connect(t, caller)
	targetConn := f.connect(t, target)
	c := f.activeCall(t, caller, target)

	f.reg.Unregister(targetConn.ID())
	f.ctl.OnDisconnect(target)

	// Back before the delay window closes.
	time.Sleep(f.delay / 4)
	fresh := f.connect(t, target)
	f.ctl.OnReconnect(context.Background(), fresh)

	time.Sleep(f.delay + f.grace + 50*time.Millisecond)
	if st, _ := f.machine.State(c.ID); st != domain.CallActive {
		t.Fatalf("quick reconnect killed the call, state = %s", st)
	}
	if got := callerConn.count(events.EvtCallReconnecting); got != 0 {
		t.Fatalf("peer saw %d call:reconnecting during an invisible blip", got)
	}
	if got := fresh.count(events.EvtCallEndedByConn); got != 0 {
		t.Fatalf("reconnect replayed %d stale terminations", got)
	}
}

func TestReconnectDuringGraceStandsDown(t *testing.T) {
	f := setup(t)
	caller, target := uuid.New(), uuid.New()
	callerConn := f.connect(t, caller)
	targetConn := f.connect(t, target)
	c := f.activeCall(t, caller, target)

	f.reg.Unregister(targetConn.ID())
	f.ctl.OnDisconnect(target)

	// Let the delay pass so the peers are told about the outage.
	deadline := time.Now().Add(2 * time.Second)
	for callerConn.count(events.EvtCallReconnecting) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("peer never saw call:reconnecting")
		}
		time.Sleep(5 * time.Millisecond)
	}

	fresh := f.connect(t, target)
	f.ctl.OnReconnect(context.Background(), fresh)

	time.Sleep(f.grace + 50*time.Millisecond)
	if st, _ := f.machine.State(c.ID); st != domain.CallActive {
		t.Fatalf("reconnect inside the grace window still ended the call, state = %s", st)
	}
	if got := callerConn.count(events.EvtCallEndedByConn); got != 0 {
		t.Fatalf("peer received %d terminations after a successful resume", got)
	}
}

func TestGraceExpiryConcludesOnceAndRecordsOutbox(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	caller, target := uuid.New(), uuid.New()
	callerConn := f.connect(t, caller)
	targetConn := f.connect(t, target)
	c := f.activeCall(t, caller, target)

	f.reg.Unregister(targetConn.ID())
	f.ctl.OnDisconnect(target)

	f.waitState(t, c.ID, domain.CallEnded)

	// The online peer hears it live, exactly once.
	if got := callerConn.count(events.EvtCallEndedByConn); got != 1 {
		t.Fatalf("peer received %d call:ended-by-connection, want 1", got)
	}

	// The silent user gets a durable record, flushed once on reconnect.
	has, err := f.st.HasPendingTermination(ctx, c.ID)
	if err != nil {
		t.Fatalf("has pending: %v", err)
	}
	if !has {
		t.Fatalf("no pending termination recorded for the silent user")
	}

	fresh := f.connect(t, target)
	f.ctl.OnReconnect(ctx, fresh)
	if got := fresh.count(events.EvtCallEndedByConn); got != 1 {
		t.Fatalf("reconnect replayed %d terminations, want 1", got)
	}

	// Taken is gone: the next session sees nothing.
	again := f.connect(t, target)
	f.ctl.OnReconnect(ctx, again)
	if got := again.count(events.EvtCallEndedByConn); got != 0 {
		t.Fatalf("second reconnect replayed %d terminations, want 0", got)
	}
}

func TestExpiryRecordsEveryOfflineParticipant(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	caller, target := uuid.New(), uuid.New()
	callerConn := f.connect(t, caller)
	targetConn := f.connect(t, target)
	c := f.activeCall(t, caller, target)

	// Both parties drop; the silent user's watcher concludes the call
	// with nobody left online to tell.
	f.reg.Unregister(callerConn.ID())
	f.reg.Unregister(targetConn.ID())
	f.ctl.OnDisconnect(target)

	f.waitState(t, c.ID, domain.CallEnded)

	// Each offline participant owns its own durable record and each is
	// replayed exactly once, regardless of who reconnects first.
	callerFresh := f.connect(t, caller)
	f.ctl.OnReconnect(ctx, callerFresh)
	if got := callerFresh.count(events.EvtCallEndedByConn); got != 1 {
		t.Fatalf("caller replay = %d terminations, want 1", got)
	}

	targetFresh := f.connect(t, target)
	f.ctl.OnReconnect(ctx, targetFresh)
	if got := targetFresh.count(events.EvtCallEndedByConn); got != 1 {
		t.Fatalf("target replay = %d terminations, want 1", got)
	}
}

func TestSecondDeviceKeepsCallHealthy(t *testing.T) {
	f := setup(t)
	caller, target := uuid.New(), uuid.New()
	callerConn := f.connect(t, caller)
	targetPhone := f.connect(t, target)
	f.connect(t, target) // second device stays up
	c := f.activeCall(t, caller, target)

	f.reg.Unregister(targetPhone.ID())
	f.ctl.OnDisconnect(target)

	time.Sleep(f.delay + f.grace + 50*time.Millisecond)
	if st, _ := f.machine.State(c.ID); st != domain.CallActive {
		t.Fatalf("losing one of two devices ended the call, state = %s", st)
	}
	if got := callerConn.count(events.EvtCallReconnecting); got != 0 {
		t.Fatalf("peer saw call:reconnecting while another device was live")
	}
}

func TestExpiredWatcherNeverResurrectsConcludedCall(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	caller, target := uuid.New(), uuid.New()
	callerConn := f.connect(t, caller)
	targetConn := f.connect(t, target)
	c := f.activeCall(t, caller, target)

	f.reg.Unregister(targetConn.ID())
	f.ctl.OnDisconnect(target)

	// The caller hangs up normally while the watcher is still waiting.
	if err := f.machine.End(ctx, caller, c.ID, 10); err != nil {
		t.Fatalf("end: %v", err)
	}

	time.Sleep(f.delay + f.grace + 50*time.Millisecond)
	f.waitState(t, c.ID, domain.CallEnded)
	// Exactly the hangup's own silence: the watcher concluded nothing,
	// so no ended-by-connection event and no outbox record.
	if got := callerConn.count(events.EvtCallEndedByConn); got != 0 {
		t.Fatalf("watcher double-terminated: %d ended-by-connection events", got)
	}
	has, err := f.st.HasPendingTermination(ctx, c.ID)
	if err != nil {
		t.Fatalf("has pending: %v", err)
	}
	if has {
		t.Fatalf("watcher recorded a termination for a call ended by hangup")
	}
}
