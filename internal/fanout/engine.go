// Package fanout applies message mutations and pushes the resulting events
// to every live connection of the conversation's audience. Per conversation
// the persist→push pair runs under one lock, so events leave in the same
// order the store assigned sequence numbers, and never before the write is
// durable.
package fanout

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"e2ee-relay/internal/domain"
	"e2ee-relay/internal/events"
	"e2ee-relay/internal/session"
)

type Store interface {
	IsMember(ctx context.Context, conv domain.ConversationID, user domain.UserID) (bool, error)
	ConversationMembers(ctx context.Context, conv domain.ConversationID) ([]domain.UserID, error)
	GetConversation(ctx context.Context, id domain.ConversationID) (domain.Conversation, error)
	AddMember(ctx context.Context, conv domain.ConversationID, user domain.UserID) error
	RemoveMember(ctx context.Context, conv domain.ConversationID, user domain.UserID) error

	CreateMessage(ctx context.Context, conv domain.ConversationID, sender domain.UserID, ciphertext, iv []byte) (domain.Message, error)
	GetMessage(ctx context.Context, id domain.MessageID) (domain.Message, error)
	UpdateMessage(ctx context.Context, id domain.MessageID, ciphertext, iv []byte, at time.Time) (domain.Message, error)
	TombstoneMessage(ctx context.Context, id domain.MessageID) error
	HideMessage(ctx context.Context, id domain.MessageID, user domain.UserID) error
	RecordRead(ctx context.Context, id domain.MessageID, user domain.UserID) (bool, domain.ReadReceipt, error)
	MessagesSince(ctx context.Context, conv domain.ConversationID, afterSeq int64, limit int) ([]domain.Message, error)
}

type Registry interface {
	ConnectionsFor(user domain.UserID) []session.Conn
	Deliver(c session.Conn, evt events.Outbound)
	DeliverMessage(c session.Conn, evt events.Outbound, conv domain.ConversationID, seq int64)
}

type Engine struct {
	store    Store
	registry Registry
	now      func() time.Time

	mu    sync.Mutex
	locks map[domain.ConversationID]*sync.Mutex
}

func NewEngine(store Store, registry Registry) *Engine {
	return &Engine{
		store:    store,
		registry: registry,
		now:      time.Now,
		locks:    make(map[domain.ConversationID]*sync.Mutex),
	}
}

// convLock returns the mutex serializing one conversation's persist→push
// pipeline. One conversation's traffic never blocks another's.
func (e *Engine) convLock(conv domain.ConversationID) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[conv]
	if !ok {
		l = &sync.Mutex{}
		e.locks[conv] = l
	}
	return l
}

// SendMessage persists and fans out a new message. The originating
// connection is excluded; the sender's other devices are not.
func (e *Engine) SendMessage(ctx context.Context, sender domain.UserID, origin domain.ConnectionID, conv domain.ConversationID, ciphertext, iv []byte) (domain.Message, error) {
	ok, err := e.store.IsMember(ctx, conv, sender)
	if err != nil {
		return domain.Message{}, err
	}
	if !ok {
		return domain.Message{}, domain.ErrNotAMember
	}

	l := e.convLock(conv)
	l.Lock()
	defer l.Unlock()

	msg, err := e.store.CreateMessage(ctx, conv, sender, ciphertext, iv)
	if err != nil {
		return domain.Message{}, err
	}

	evt := events.Outbound{Type: events.EvtMessageNew, Payload: events.MessageNew{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		Seq:            msg.Seq,
		SenderID:       msg.SenderID,
		Ciphertext:     msg.Ciphertext,
		IV:             msg.IV,
		CreatedAt:      msg.CreatedAt,
	}}
	e.pushMessage(ctx, conv, origin, evt, msg.Seq)
	return msg, nil
}

// EditMessage replaces a message's body. Sender-only; tombstoned messages
// are immutable.
func (e *Engine) EditMessage(ctx context.Context, actor domain.UserID, origin domain.ConnectionID, id domain.MessageID, ciphertext, iv []byte) (domain.Message, error) {
	msg, err := e.store.GetMessage(ctx, id)
	if err != nil {
		return domain.Message{}, err
	}
	if msg.SenderID != actor {
		return domain.Message{}, domain.ErrNotAuthor
	}
	if msg.DeletedForAll {
		return domain.Message{}, domain.ErrAlreadyDeleted
	}

	l := e.convLock(msg.ConversationID)
	l.Lock()
	defer l.Unlock()

	updated, err := e.store.UpdateMessage(ctx, id, ciphertext, iv, e.now().UTC())
	if err != nil {
		return domain.Message{}, err
	}

	evt := events.Outbound{Type: events.EvtMessageEdited, Payload: events.MessageEdited{
		MessageID:      updated.ID,
		ConversationID: updated.ConversationID,
		Seq:            updated.Seq,
		Ciphertext:     updated.Ciphertext,
		IV:             updated.IV,
		EditedAt:       *updated.EditedAt,
	}}
	e.pushEvent(ctx, updated.ConversationID, origin, evt)
	return updated, nil
}

// DeleteMessage handles both scopes. Scope ME hides the message for the
// actor alone and emits nothing. Scope ALL tombstones (sender-only) and
// notifies the whole audience once; a repeat delete of a tombstoned
// message is a silent no-op.
func (e *Engine) DeleteMessage(ctx context.Context, actor domain.UserID, origin domain.ConnectionID, id domain.MessageID, scope domain.DeleteScope) error {
	msg, err := e.store.GetMessage(ctx, id)
	if err != nil {
		return err
	}

	switch scope {
	case domain.DeleteForMe:
		ok, err := e.store.IsMember(ctx, msg.ConversationID, actor)
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrNotAMember
		}
		return e.store.HideMessage(ctx, id, actor)

	case domain.DeleteForAll:
		if msg.SenderID != actor {
			return domain.ErrNotAuthor
		}
		if msg.DeletedForAll {
			return nil
		}

		l := e.convLock(msg.ConversationID)
		l.Lock()
		defer l.Unlock()

		if err := e.store.TombstoneMessage(ctx, id); err != nil {
			return err
		}
		evt := events.Outbound{Type: events.EvtMessageDeleted, Payload: events.MessageDeleted{
			MessageID:      msg.ID,
			ConversationID: msg.ConversationID,
			Seq:            msg.Seq,
			Scope:          string(domain.DeleteForAll),
		}}
		e.pushEvent(ctx, msg.ConversationID, origin, evt)
		return nil

	default:
		return domain.ErrInvalidState
	}
}

// MarkRead is idempotent. Only the first read by a user notifies, and only
// the sender's connections hear about it: O(1) per reader, not O(members).
func (e *Engine) MarkRead(ctx context.Context, actor domain.UserID, id domain.MessageID) error {
	msg, err := e.store.GetMessage(ctx, id)
	if err != nil {
		return err
	}
	ok, err := e.store.IsMember(ctx, msg.ConversationID, actor)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrNotAMember
	}

	first, receipt, err := e.store.RecordRead(ctx, id, actor)
	if err != nil {
		return err
	}
	if !first {
		return nil
	}

	evt := events.Outbound{Type: events.EvtMessageRead, Payload: events.MessageRead{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		By:             actor,
		ReadAt:         receipt.ReadAt,
	}}
	for _, c := range e.registry.ConnectionsFor(msg.SenderID) {
		e.registry.Deliver(c, evt)
	}
	return nil
}

// ReplaySince re-pushes a conversation's messages above the connection's
// last-seen sequence number. The dedup window makes overlap harmless.
func (e *Engine) ReplaySince(ctx context.Context, c session.Conn, conv domain.ConversationID, afterSeq int64, limit int) error {
	ok, err := e.store.IsMember(ctx, conv, c.UserID())
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrNotAMember
	}
	msgs, err := e.store.MessagesSince(ctx, conv, afterSeq, limit)
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		evt := events.Outbound{Type: events.EvtMessageNew, Payload: events.MessageNew{
			MessageID:      msg.ID,
			ConversationID: msg.ConversationID,
			Seq:            msg.Seq,
			SenderID:       msg.SenderID,
			Ciphertext:     msg.Ciphertext,
			IV:             msg.IV,
			CreatedAt:      msg.CreatedAt,
		}}
		e.registry.DeliverMessage(c, evt, conv, msg.Seq)
	}
	return nil
}

// AddGroupMember extends a group and fans the change out, admin-only.
func (e *Engine) AddGroupMember(ctx context.Context, actor domain.UserID, conv domain.ConversationID, user domain.UserID) error {
	if err := e.requireAdmin(ctx, actor, conv); err != nil {
		return err
	}
	if err := e.store.AddMember(ctx, conv, user); err != nil {
		return err
	}
	e.pushEvent(ctx, conv, domain.ConnectionID{}, events.Outbound{
		Type: events.EvtMemberAdded,
		Payload: events.MembershipChange{
			ConversationID: conv, UserID: user, ActorID: actor, At: e.now().UTC(),
		},
	})
	return nil
}

// RemoveGroupMember drops a member. The removed user is notified once and
// receives no further fan-out for this conversation afterwards.
func (e *Engine) RemoveGroupMember(ctx context.Context, actor domain.UserID, conv domain.ConversationID, user domain.UserID) error {
	if err := e.requireAdmin(ctx, actor, conv); err != nil {
		return err
	}
	evt := events.Outbound{
		Type: events.EvtMemberRemoved,
		Payload: events.MembershipChange{
			ConversationID: conv, UserID: user, ActorID: actor, At: e.now().UTC(),
		},
	}
	l := e.convLock(conv)
	l.Lock()
	defer l.Unlock()

	// Notify while the user is still in the audience, then remove.
	e.pushEvent(ctx, conv, domain.ConnectionID{}, evt)
	return e.store.RemoveMember(ctx, conv, user)
}

func (e *Engine) requireAdmin(ctx context.Context, actor domain.UserID, conv domain.ConversationID) error {
	c, err := e.store.GetConversation(ctx, conv)
	if err != nil {
		return err
	}
	if c.Kind != domain.ConversationGroup || c.AdminID == nil || *c.AdminID != actor {
		return domain.ErrNotAMember
	}
	return nil
}

// pushMessage fans out a message:new through each connection's dedup
// window; pushEvent fans out everything else unconditionally. Both are
// best effort per recipient: one dead socket never fails the command.
func (e *Engine) pushMessage(ctx context.Context, conv domain.ConversationID, origin domain.ConnectionID, evt events.Outbound, seq int64) {
	for _, c := range e.audience(ctx, conv, origin) {
		e.registry.DeliverMessage(c, evt, conv, seq)
	}
}

func (e *Engine) pushEvent(ctx context.Context, conv domain.ConversationID, origin domain.ConnectionID, evt events.Outbound) {
	for _, c := range e.audience(ctx, conv, origin) {
		e.registry.Deliver(c, evt)
	}
}

func (e *Engine) audience(ctx context.Context, conv domain.ConversationID, origin domain.ConnectionID) []session.Conn {
	members, err := e.store.ConversationMembers(ctx, conv)
	if err != nil {
		slog.Error("audience lookup", "conversation_id", conv, "error", err)
		return nil
	}
	var out []session.Conn
	for _, m := range members {
		for _, c := range e.registry.ConnectionsFor(m) {
			if c.ID() == origin {
				continue
			}
			out = append(out, c)
		}
	}
	return out
}
