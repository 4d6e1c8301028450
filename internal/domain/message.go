package domain

import "time"

// Message bodies are opaque to this core: ciphertext plus IV, produced and
// consumed by the clients' encryption layer.
type Message struct {
	ID             MessageID      `gorm:"type:uuid;primaryKey" json:"id"`
	ConversationID ConversationID `gorm:"type:uuid;not null;index:idx_messages_conv_seq,priority:1" json:"conversationId"`
	// Seq is assigned by the store, monotonically increasing per
	// conversation. It is the ordering truth for fan-out and dedup.
	Seq           int64      `gorm:"not null;index:idx_messages_conv_seq,priority:2" json:"seq"`
	SenderID      UserID     `gorm:"type:uuid;not null" json:"senderId"`
	Ciphertext    []byte     `gorm:"type:bytea;not null" json:"ciphertext"`
	IV            []byte     `gorm:"type:bytea;not null" json:"iv"`
	CreatedAt     time.Time  `gorm:"not null" json:"createdAt"`
	EditedAt      *time.Time `json:"editedAt,omitempty"`
	DeletedForAll bool       `gorm:"not null;default:false" json:"deletedForAll"`
}

func (Message) TableName() string { return "messages" }

// MessageHidden records a delete-for-me: the message stays intact for
// everyone else, only the hiding user's views skip it.
type MessageHidden struct {
	MessageID MessageID `gorm:"type:uuid;primaryKey" json:"messageId"`
	UserID    UserID    `gorm:"type:uuid;primaryKey" json:"userId"`
	HiddenAt  time.Time `gorm:"not null" json:"hiddenAt"`
}

func (MessageHidden) TableName() string { return "messages_hidden" }

type ReadReceipt struct {
	MessageID MessageID `gorm:"type:uuid;primaryKey" json:"messageId"`
	UserID    UserID    `gorm:"type:uuid;primaryKey" json:"userId"`
	ReadAt    time.Time `gorm:"not null" json:"readAt"`
}

func (ReadReceipt) TableName() string { return "read_receipts" }

type DeleteScope string

const (
	DeleteForMe  DeleteScope = "ME"
	DeleteForAll DeleteScope = "ALL"
)
