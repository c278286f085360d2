package models

// User represents a chat account. Credential management lives in the
// authentication service; this backend only reads profile fields.
type User struct {
	BaseModel

	Name         string `gorm:"not null" json:"name"`
	Email        string `gorm:"uniqueIndex;not null" json:"email"`
	ProfileImage string `json:"profile_image,omitempty"`
}

// UserSummary is the projection cached and embedded in realtime payloads.
type UserSummary struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Email        string `json:"email"`
	ProfileImage string `json:"profile_image,omitempty"`
}

// Summary converts a user row into its cacheable projection.
func (u *User) Summary() UserSummary {
	return UserSummary{
		ID:           u.ID,
		Name:         u.Name,
		Email:        u.Email,
		ProfileImage: u.ProfileImage,
	}
}
