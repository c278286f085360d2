package models

// Room is a chat room. Participants are managed through the join table with
// atomic insert/delete so concurrent joins never lose updates.
type Room struct {
	BaseModel

	Name        string `gorm:"not null;index" json:"name"`
	CreatorID   string `gorm:"type:uuid;index" json:"creator_id"`
	HasPassword bool   `gorm:"not null;default:false" json:"has_password"`

	Creator      *User  `gorm:"foreignKey:CreatorID" json:"creator,omitempty"`
	Participants []User `gorm:"many2many:room_participants" json:"participants,omitempty"`
}

// RoomParticipant is the join table row between rooms and users.
type RoomParticipant struct {
	RoomID string `gorm:"type:uuid;primaryKey" json:"room_id"`
	UserID string `gorm:"type:uuid;primaryKey" json:"user_id"`
}

// TableName keeps the join table shared with the many2many relation.
func (RoomParticipant) TableName() string { return "room_participants" }

// RoomSummary is the projection cached for room info reads.
type RoomSummary struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	HasPassword  bool          `json:"has_password"`
	Creator      *UserSummary  `json:"creator,omitempty"`
	Participants []UserSummary `json:"participants"`
	CreatedAt    string        `json:"created_at"`
}
