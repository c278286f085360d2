package models

// File references an uploaded attachment. Upload and storage are handled by
// the file service; messages only link to existing rows owned by the sender.
type File struct {
	BaseModel

	UserID       string `gorm:"type:uuid;not null;index" json:"user_id"`
	Filename     string `gorm:"not null;index" json:"filename"`
	OriginalName string `gorm:"not null" json:"original_name"`
	MimeType     string `gorm:"type:varchar(128)" json:"mime_type"`
	Size         int64  `gorm:"not null;default:0" json:"size"`

	User *User `gorm:"foreignKey:UserID" json:"-"`
}
