package events

import (
	"time"

	"github.com/google/uuid"
)

// Inbound command payloads. Ciphertext and IV ride as base64 via the
// encoding/json []byte convention; the server never inspects them.

type MessageSend struct {
	ConversationID uuid.UUID `json:"conversationId"`
	Ciphertext     []byte    `json:"ciphertext"`
	IV             []byte    `json:"iv"`
}

type MessageEdit struct {
	MessageID  uuid.UUID `json:"messageId"`
	Ciphertext []byte    `json:"ciphertext"`
	IV         []byte    `json:"iv"`
}

type MessageDelete struct {
	MessageID uuid.UUID `json:"messageId"`
	Scope     string    `json:"scope"` // "ME" | "ALL"
}

type MessageMarkRead struct {
	MessageID uuid.UUID `json:"messageId"`
}

// MessageReplay asks the server to re-push a conversation's events above
// the client's last-applied sequence number. Connection dedup keeps the
// overlap harmless.
type MessageReplay struct {
	ConversationID uuid.UUID `json:"conversationId"`
	AfterSeq       int64     `json:"afterSeq"`
}

type CallInvite struct {
	TargetID  uuid.UUID `json:"targetId"`
	RoomToken string    `json:"roomToken"`
	Media     string    `json:"media"` // "audio" | "video"
}

type CallAnswer struct {
	CallID uuid.UUID `json:"callId"`
}

type CallReject struct {
	CallID uuid.UUID `json:"callId"`
}

type CallEnd struct {
	CallID          uuid.UUID `json:"callId"`
	DurationSeconds int       `json:"durationSeconds"`
}

type CallEndByConnection struct {
	CallID uuid.UUID `json:"callId"`
	Reason string    `json:"reason"`
}

type GroupCallInvite struct {
	GroupID   uuid.UUID `json:"groupId"`
	RoomToken string    `json:"roomToken"`
	Media     string    `json:"media"`
}

type GroupCallJoin struct {
	CallID uuid.UUID `json:"callId"`
}

type GroupCallLeave struct {
	CallID          uuid.UUID `json:"callId"`
	DurationSeconds int       `json:"durationSeconds"`
}

// Outbound event payloads.

type MessageNew struct {
	MessageID      uuid.UUID `json:"messageId"`
	ConversationID uuid.UUID `json:"conversationId"`
	Seq            int64     `json:"seq"`
	SenderID       uuid.UUID `json:"senderId"`
	Ciphertext     []byte    `json:"ciphertext"`
	IV             []byte    `json:"iv"`
	CreatedAt      time.Time `json:"createdAt"`
}

type MessageEdited struct {
	MessageID      uuid.UUID `json:"messageId"`
	ConversationID uuid.UUID `json:"conversationId"`
	Seq            int64     `json:"seq"`
	Ciphertext     []byte    `json:"ciphertext"`
	IV             []byte    `json:"iv"`
	EditedAt       time.Time `json:"editedAt"`
}

type MessageDeleted struct {
	MessageID      uuid.UUID `json:"messageId"`
	ConversationID uuid.UUID `json:"conversationId"`
	Seq            int64     `json:"seq"`
	Scope          string    `json:"scope"`
}

type MessageRead struct {
	MessageID      uuid.UUID `json:"messageId"`
	ConversationID uuid.UUID `json:"conversationId"`
	By             uuid.UUID `json:"by"`
	ReadAt         time.Time `json:"readAt"`
}

type CallIncoming struct {
	CallID    uuid.UUID `json:"callId"`
	From      uuid.UUID `json:"from"`
	RoomToken string    `json:"roomToken"`
	Media     string    `json:"media"`
}

type CallAnswered struct {
	CallID uuid.UUID `json:"callId"`
	By     uuid.UUID `json:"by"`
}

type CallRejected struct {
	CallID uuid.UUID `json:"callId"`
	By     uuid.UUID `json:"by"`
}

type CallEnded struct {
	CallID          uuid.UUID `json:"callId"`
	By              uuid.UUID `json:"by"`
	Reason          string    `json:"reason,omitempty"`
	DurationSeconds int       `json:"durationSeconds"`
}

type CallTimeout struct {
	CallID uuid.UUID `json:"callId"`
}

// CallReconnecting tells remaining participants a peer's transport dropped
// and the grace window is running.
type CallReconnecting struct {
	CallID uuid.UUID `json:"callId"`
	UserID uuid.UUID `json:"userId"`
}

type GroupCallIncoming struct {
	CallID    uuid.UUID `json:"callId"`
	GroupID   uuid.UUID `json:"groupId"`
	From      uuid.UUID `json:"from"`
	RoomToken string    `json:"roomToken"`
	Media     string    `json:"media"`
}

type Presence struct {
	UserID uuid.UUID `json:"userId"`
	At     time.Time `json:"at"`
}

type MembershipChange struct {
	ConversationID uuid.UUID `json:"conversationId"`
	UserID         uuid.UUID `json:"userId"`
	ActorID        uuid.UUID `json:"actorId"`
	At             time.Time `json:"at"`
}
