package domain

import "time"

type CallKind string

const (
	CallDirect CallKind = "direct"
	CallGroup  CallKind = "group"
)

type CallState string

const (
	CallRequested CallState = "REQUESTED"
	CallRinging   CallState = "RINGING"
	CallActive    CallState = "ACTIVE"
	CallEnded     CallState = "ENDED"
	CallRejected  CallState = "REJECTED"
	CallTimedOut  CallState = "TIMED_OUT"
)

// Terminal reports whether s is a terminal state. Terminal transitions are
// one-way: no call re-enters an active state afterwards.
func (s CallState) Terminal() bool {
	switch s {
	case CallEnded, CallRejected, CallTimedOut:
		return true
	}
	return false
}

type ParticipantState string

const (
	ParticipantInvited  ParticipantState = "INVITED"
	ParticipantRinging  ParticipantState = "RINGING"
	ParticipantJoined   ParticipantState = "JOINED"
	ParticipantLeft     ParticipantState = "LEFT"
	ParticipantRejected ParticipantState = "REJECTED"
)

type Call struct {
	ID          CallID    `gorm:"type:uuid;primaryKey" json:"id"`
	Kind        CallKind  `gorm:"type:text;not null" json:"kind"`
	RoomToken   string    `gorm:"type:text;not null" json:"roomToken"`
	InitiatorID UserID    `gorm:"type:uuid;not null" json:"initiatorId"`
	// TargetID is set for direct calls, GroupID for group calls.
	TargetID  *UserID         `gorm:"type:uuid" json:"targetId,omitempty"`
	GroupID   *ConversationID `gorm:"type:uuid" json:"groupId,omitempty"`
	State     CallState       `gorm:"type:text;not null" json:"state"`
	EndReason string          `gorm:"type:text" json:"endReason,omitempty"`
	Duration  int             `gorm:"not null;default:0" json:"durationSeconds"`
	CreatedAt time.Time       `gorm:"not null" json:"createdAt"`
	EndedAt   *time.Time      `json:"endedAt,omitempty"`
}

func (Call) TableName() string { return "calls" }

type CallParticipant struct {
	CallID    CallID           `gorm:"type:uuid;primaryKey" json:"callId"`
	UserID    UserID           `gorm:"type:uuid;primaryKey" json:"userId"`
	State     ParticipantState `gorm:"type:text;not null" json:"state"`
	JoinedAt  *time.Time       `json:"joinedAt,omitempty"`
	LeftAt    *time.Time       `json:"leftAt,omitempty"`
	UpdatedAt time.Time        `gorm:"not null" json:"updatedAt"`
}

func (CallParticipant) TableName() string { return "call_participants" }

// PendingTermination is the durable store-and-forward record written when
// the grace controller concludes a call over a dead link. At most one row
// per (call, recipient) — several participants of the same call may be
// offline at expiry and each needs its own notice; every row is replayed
// once on that user's next successful connection, then cleared.
type PendingTermination struct {
	CallID    CallID    `gorm:"type:uuid;primaryKey" json:"callId"`
	UserID    UserID    `gorm:"type:uuid;primaryKey;index:idx_pending_term_user" json:"userId"`
	Reason    string    `gorm:"type:text;not null" json:"reason"`
	CreatedAt time.Time `gorm:"not null" json:"createdAt"`
}

func (PendingTermination) TableName() string { return "pending_terminations" }
