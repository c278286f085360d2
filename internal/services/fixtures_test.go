package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/wavechat/wavechat/internal/database/testutil"
	"github.com/wavechat/wavechat/internal/models"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	return testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
}

func seedUser(t *testing.T, db *gorm.DB, id, name string) models.User {
	t.Helper()

	user := models.User{
		BaseModel: models.BaseModel{ID: id},
		Name:      name,
		Email:     id + "@example.com",
	}
	require.NoError(t, db.Create(&user).Error)
	return user
}

func seedRoom(t *testing.T, db *gorm.DB, id, name, creatorID string) models.Room {
	t.Helper()

	room := models.Room{
		BaseModel: models.BaseModel{ID: id},
		Name:      name,
		CreatorID: creatorID,
	}
	require.NoError(t, db.Create(&room).Error)
	return room
}

func seedParticipant(t *testing.T, db *gorm.DB, roomID, userID string) {
	t.Helper()
	require.NoError(t, db.Create(&models.RoomParticipant{RoomID: roomID, UserID: userID}).Error)
}

func seedMessage(t *testing.T, db *gorm.DB, roomID, senderID, content string, ts time.Time) models.Message {
	t.Helper()

	message := models.Message{
		RoomID:    roomID,
		SenderID:  &senderID,
		Type:      models.MessageTypeText,
		Content:   content,
		Timestamp: ts,
	}
	require.NoError(t, db.Create(&message).Error)
	return message
}

func countRows(t *testing.T, db *gorm.DB, model any, query string, args ...any) int64 {
	t.Helper()

	var count int64
	require.NoError(t, db.Model(model).Where(query, args...).Count(&count).Error)
	return count
}
