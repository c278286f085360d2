package models

import (
	"time"

	"gorm.io/datatypes"
)

// Message type discriminators.
const (
	MessageTypeText   = "text"
	MessageTypeFile   = "file"
	MessageTypeSystem = "system"
	MessageTypeAI     = "ai"
)

// Message is a persisted chat message. System and AI messages have no sender.
type Message struct {
	BaseModel

	RoomID    string         `gorm:"type:uuid;not null;index:idx_messages_room_ts" json:"room_id"`
	SenderID  *string        `gorm:"type:uuid;index" json:"sender_id,omitempty"`
	Type      string         `gorm:"type:varchar(16);not null;index" json:"type"`
	Content   string         `gorm:"type:text;not null" json:"content"`
	FileID    *string        `gorm:"type:uuid;index" json:"file_id,omitempty"`
	AIKind    string         `gorm:"type:varchar(32)" json:"ai_kind,omitempty"`
	Timestamp time.Time      `gorm:"not null;index:idx_messages_room_ts" json:"timestamp"`
	Metadata  datatypes.JSON `gorm:"type:json" json:"metadata,omitempty"`

	Room      *Room             `gorm:"foreignKey:RoomID" json:"-"`
	Sender    *User             `gorm:"foreignKey:SenderID" json:"sender,omitempty"`
	File      *File             `gorm:"foreignKey:FileID" json:"file,omitempty"`
	Readers   []MessageReader   `gorm:"foreignKey:MessageID" json:"readers,omitempty"`
	Reactions []MessageReaction `gorm:"foreignKey:MessageID" json:"reactions,omitempty"`
}

// MessageReader records a read receipt. The composite key makes repeated
// mark-as-read calls idempotent.
type MessageReader struct {
	MessageID string    `gorm:"type:uuid;primaryKey" json:"message_id"`
	UserID    string    `gorm:"type:uuid;primaryKey" json:"user_id"`
	ReadAt    time.Time `gorm:"not null" json:"read_at"`
}

// MessageReaction records a single user's emoji reaction to a message.
type MessageReaction struct {
	MessageID string    `gorm:"type:uuid;primaryKey" json:"message_id"`
	UserID    string    `gorm:"type:uuid;primaryKey" json:"user_id"`
	Emoji     string    `gorm:"type:varchar(64);primaryKey" json:"emoji"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}
