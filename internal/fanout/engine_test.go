package fanout_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"e2ee-relay/internal/domain"
	"e2ee-relay/internal/events"
	"e2ee-relay/internal/fanout"
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

func (c *fakeConn) last(typ events.OutboundType) (events.Outbound, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.sent) - 1; i >= 0; i-- {
		if c.sent[i].Type == typ {
			return c.sent[i], true
		}
	}
	return events.Outbound{}, false
}

type fixture struct {
	st     *store.Store
	reg    *session.Registry
	engine *fanout.Engine
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
	return &fixture{st: st, reg: reg, engine: fanout.NewEngine(st, reg)}
}

func (f *fixture) connect(t *testing.T, user domain.UserID) *fakeConn {
	t.Helper()
	c := newFakeConn(user)
	f.reg.Register(context.Background(), c)
	return c
}

func TestSendMessageFansOutOncePerConnection(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()
	conv, err := f.st.CreateConversation(ctx, domain.ConversationDirect, nil, []domain.UserID{alice, bob})
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	origin := f.connect(t, alice)
	aliceTablet := f.connect(t, alice)
	bobPhone := f.connect(t, bob)
	bobLaptop := f.connect(t, bob)

	msg, err := f.engine.SendMessage(ctx, alice, origin.ID(), conv.ID, []byte("ct"), []byte("iv"))
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	if origin.count(events.EvtMessageNew) != 0 {
		t.Fatalf("originating connection echoed its own message")
	}
	for _, c := range []*fakeConn{aliceTablet, bobPhone, bobLaptop} {
		if got := c.count(events.EvtMessageNew); got != 1 {
			t.Fatalf("connection of %s received %d message:new, want 1", c.UserID(), got)
		}
	}
	evt, _ := bobPhone.last(events.EvtMessageNew)
	payload := evt.Payload.(events.MessageNew)
	if payload.Seq != msg.Seq || payload.MessageID != msg.ID {
		t.Fatalf("pushed payload does not match the persisted message")
	}
}

func TestSendMessageRequiresMembership(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	alice, bob, mallory := uuid.New(), uuid.New(), uuid.New()
	conv, _ := f.st.CreateConversation(ctx, domain.ConversationDirect, nil, []domain.UserID{alice, bob})

	_, err := f.engine.SendMessage(ctx, mallory, uuid.New(), conv.ID, []byte("ct"), []byte("iv"))
	if !errors.Is(err, domain.ErrNotAMember) {
		t.Fatalf("expected ErrNotAMember, got %v", err)
	}
}

func TestEditMessageAuthorOnly(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()
	conv, _ := f.st.CreateConversation(ctx, domain.ConversationDirect, nil, []domain.UserID{alice, bob})
	origin := f.connect(t, alice)
	bobConn := f.connect(t, bob)

	msg, err := f.engine.SendMessage(ctx, alice, origin.ID(), conv.ID, []byte("ct"), []byte("iv"))
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	if _, err := f.engine.EditMessage(ctx, bob, bobConn.ID(), msg.ID, []byte("ct2"), []byte("iv2")); !errors.Is(err, domain.ErrNotAuthor) {
		t.Fatalf("expected ErrNotAuthor, got %v", err)
	}

	if _, err := f.engine.EditMessage(ctx, alice, origin.ID(), msg.ID, []byte("ct2"), []byte("iv2")); err != nil {
		t.Fatalf("edit by author: %v", err)
	}
	if got := bobConn.count(events.EvtMessageEdited); got != 1 {
		t.Fatalf("bob received %d message:edited, want 1", got)
	}
}

func TestEditRejectedAfterDeleteForAll(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()
	conv, _ := f.st.CreateConversation(ctx, domain.ConversationDirect, nil, []domain.UserID{alice, bob})
	origin := f.connect(t, alice)

	msg, _ := f.engine.SendMessage(ctx, alice, origin.ID(), conv.ID, []byte("ct"), []byte("iv"))
	if err := f.engine.DeleteMessage(ctx, alice, origin.ID(), msg.ID, domain.DeleteForAll); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := f.engine.EditMessage(ctx, alice, origin.ID(), msg.ID, []byte("ct2"), []byte("iv2")); !errors.Is(err, domain.ErrAlreadyDeleted) {
		t.Fatalf("expected ErrAlreadyDeleted, got %v", err)
	}
}

func TestDeleteForMeIsSilent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()
	conv, _ := f.st.CreateConversation(ctx, domain.ConversationDirect, nil, []domain.UserID{alice, bob})
	origin := f.connect(t, alice)
	bobConn := f.connect(t, bob)

	msg, _ := f.engine.SendMessage(ctx, alice, origin.ID(), conv.ID, []byte("ct"), []byte("iv"))
	if err := f.engine.DeleteMessage(ctx, bob, bobConn.ID(), msg.ID, domain.DeleteForMe); err != nil {
		t.Fatalf("delete for me: %v", err)
	}

	if got := origin.count(events.EvtMessageDeleted); got != 0 {
		t.Fatalf("delete-for-me leaked %d message:deleted events", got)
	}
	// The message itself stays intact for everyone else.
	got, err := f.st.GetMessage(ctx, msg.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.DeletedForAll || len(got.Ciphertext) == 0 {
		t.Fatalf("delete-for-me mutated the shared message")
	}
}

func TestDeleteForAllOnceAndRepeatNoOp(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()
	conv, _ := f.st.CreateConversation(ctx, domain.ConversationDirect, nil, []domain.UserID{alice, bob})
	origin := f.connect(t, alice)
	bobConn := f.connect(t, bob)

	msg, _ := f.engine.SendMessage(ctx, alice, origin.ID(), conv.ID, []byte("ct"), []byte("iv"))

	if err := f.engine.DeleteMessage(ctx, bob, bobConn.ID(), msg.ID, domain.DeleteForAll); !errors.Is(err, domain.ErrNotAuthor) {
		t.Fatalf("non-author delete-for-all: expected ErrNotAuthor, got %v", err)
	}

	if err := f.engine.DeleteMessage(ctx, alice, origin.ID(), msg.ID, domain.DeleteForAll); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := f.engine.DeleteMessage(ctx, alice, origin.ID(), msg.ID, domain.DeleteForAll); err != nil {
		t.Fatalf("repeat delete should be a no-op, got %v", err)
	}
	if got := bobConn.count(events.EvtMessageDeleted); got != 1 {
		t.Fatalf("bob received %d message:deleted, want exactly 1", got)
	}
}

func TestMarkReadNotifiesSenderOnce(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()
	conv, _ := f.st.CreateConversation(ctx, domain.ConversationDirect, nil, []domain.UserID{alice, bob})
	origin := f.connect(t, alice)
	bobConn := f.connect(t, bob)

	msg, _ := f.engine.SendMessage(ctx, alice, origin.ID(), conv.ID, []byte("ct"), []byte("iv"))

	if err := f.engine.MarkRead(ctx, bob, msg.ID); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if err := f.engine.MarkRead(ctx, bob, msg.ID); err != nil {
		t.Fatalf("repeat mark read: %v", err)
	}

	// Receipts go to the sender's connections only, and only once.
	if got := origin.count(events.EvtMessageRead); got != 1 {
		t.Fatalf("sender received %d message:read, want 1", got)
	}
	if got := bobConn.count(events.EvtMessageRead); got != 0 {
		t.Fatalf("reader received its own receipt")
	}
}

func TestReplaySinceSuppressesAlreadyDelivered(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()
	conv, _ := f.st.CreateConversation(ctx, domain.ConversationDirect, nil, []domain.UserID{alice, bob})
	origin := f.connect(t, alice)
	bobConn := f.connect(t, bob)

	for i := 0; i < 3; i++ {
		if _, err := f.engine.SendMessage(ctx, alice, origin.ID(), conv.ID, []byte("ct"), []byte("iv")); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	if got := bobConn.count(events.EvtMessageNew); got != 3 {
		t.Fatalf("live delivery gave %d events, want 3", got)
	}

	// A full replay from zero overlaps everything already pushed.
	if err := f.engine.ReplaySince(ctx, bobConn, conv.ID, 0, 100); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if got := bobConn.count(events.EvtMessageNew); got != 3 {
		t.Fatalf("replay duplicated deliveries: %d events, want 3", got)
	}

	// A brand new connection has an empty window and gets the backlog.
	bobLaptop := f.connect(t, bob)
	if err := f.engine.ReplaySince(ctx, bobLaptop, conv.ID, 1, 100); err != nil {
		t.Fatalf("replay on fresh connection: %v", err)
	}
	if got := bobLaptop.count(events.EvtMessageNew); got != 2 {
		t.Fatalf("fresh connection got %d events after seq 1, want 2", got)
	}
}

func TestGroupMembershipAdminOnly(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	alice, bob, carol := uuid.New(), uuid.New(), uuid.New()
	admin := alice
	conv, err := f.st.CreateConversation(ctx, domain.ConversationGroup, &admin, []domain.UserID{alice, bob})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}

	if err := f.engine.AddGroupMember(ctx, bob, conv.ID, carol); !errors.Is(err, domain.ErrNotAMember) {
		t.Fatalf("non-admin add: expected ErrNotAMember, got %v", err)
	}

	bobConn := f.connect(t, bob)
	if err := f.engine.AddGroupMember(ctx, alice, conv.ID, carol); err != nil {
		t.Fatalf("admin add: %v", err)
	}
	if got := bobConn.count(events.EvtMemberAdded); got != 1 {
		t.Fatalf("bob received %d member-added events, want 1", got)
	}

	// The removed member is told before losing the audience seat.
	carolConn := f.connect(t, carol)
	if err := f.engine.RemoveGroupMember(ctx, alice, conv.ID, carol); err != nil {
		t.Fatalf("admin remove: %v", err)
	}
	if got := carolConn.count(events.EvtMemberRemoved); got != 1 {
		t.Fatalf("carol received %d member-removed events, want 1", got)
	}
	ok, _ := f.st.IsMember(ctx, conv.ID, carol)
	if ok {
		t.Fatalf("carol still a member after removal")
	}
}
