package domain

import "time"

type ConversationKind string

const (
	ConversationDirect ConversationKind = "direct"
	ConversationGroup  ConversationKind = "group"
)

type Conversation struct {
	ID        ConversationID   `gorm:"type:uuid;primaryKey" json:"id"`
	Kind      ConversationKind `gorm:"type:text;not null" json:"kind"`
	AdminID   *UserID          `gorm:"type:uuid" json:"adminId,omitempty"`
	CreatedAt time.Time        `gorm:"not null" json:"createdAt"`
}

func (Conversation) TableName() string { return "conversations" }

type ConversationMember struct {
	ConversationID ConversationID `gorm:"type:uuid;primaryKey" json:"conversationId"`
	UserID         UserID         `gorm:"type:uuid;primaryKey;index:idx_members_user" json:"userId"`
	JoinedAt       time.Time      `gorm:"not null" json:"joinedAt"`
}

func (ConversationMember) TableName() string { return "conversation_members" }
